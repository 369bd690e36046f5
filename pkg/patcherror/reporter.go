package patcherror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/metadata"
	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/types"
)

// MaxDetailLength bounds the stored error detail, suffix included
const MaxDetailLength = 4000

const truncateSuffix = "..."

// Truncate cuts s to MaxDetailLength characters, ending in "..." when cut
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxDetailLength {
		return s
	}
	return string(runes[:MaxDetailLength-len(truncateSuffix)]) + truncateSuffix
}

// Store persists the error report of a request
type Store interface {
	GetPatchListEntry(ctx context.Context, childUUID string) (*types.PatchListEntry, error)
	UpsertPatchListReport(ctx context.Context, e *types.PatchListEntry) error
	UpdateRequestError(ctx context.Context, uuid, code, message, data string) error
}

// Metadata reads node progress and patch tool failures of a run
type Metadata interface {
	NodeProgress(request string) (map[string]metadata.NodeProgress, error)
	PatchMgrErrors(launchNode string) (*metadata.PatchMgrReport, error)
}

// Report is the structured error record of a request
type Report struct {
	Data ReportData `json:"data"`
}

// ReportData holds the fields of a Report
type ReportData struct {
	ErrorCode             string                           `json:"error_code"`
	ErrorMessage          string                           `json:"error_message"`
	ErrorDetail           string                           `json:"error_detail"`
	ErrorAction           string                           `json:"error_action"`
	NodeProgressingStatus map[string]metadata.NodeProgress `json:"node_progressing_status"`
	PatchMgrError         *metadata.PatchMgrReport         `json:"patch_mgr_error,omitempty"`
	ChildRequestUUID      string                           `json:"child_request_uuid"`
	MasterRequestUUID     string                           `json:"master_request_uuid,omitempty"`
}

// Reporter records structured errors against requests
type Reporter struct {
	store  Store
	meta   Metadata
	logger zerolog.Logger
}

// NewReporter creates a reporter. meta may be nil, in which case reports
// carry no node progress or patch tool output.
func NewReporter(store Store, meta Metadata) *Reporter {
	return &Reporter{
		store:  store,
		meta:   meta,
		logger: log.WithComponent("patcherror"),
	}
}

// AddError builds the report of code for the run of pc and stores it in
// the patch list and on the request. Calling it again with the same
// arguments stores the same report.
func (r *Reporter) AddError(ctx context.Context, pc *types.PlanContext, code Code, suggestion string) (*Report, error) {
	logger := r.logger.With().Str("request_id", pc.RequestUUID).Logger()

	entry, known := Lookup(code)
	if !known {
		logger.Warn().Str("code", string(code)).Msg("Unknown error code, reporting generic failure")
	}
	detail := suggestion
	if detail == "" {
		detail = entry.Detail
	}

	report := &Report{Data: ReportData{
		ErrorCode:             string(entry.Code),
		ErrorMessage:          entry.Message,
		ErrorDetail:           Truncate(detail),
		ErrorAction:           entry.Action,
		NodeProgressingStatus: map[string]metadata.NodeProgress{},
		ChildRequestUUID:      pc.RequestUUID,
		MasterRequestUUID:     pc.MasterUUID,
	}}

	if r.meta != nil {
		progress, err := r.meta.NodeProgress(pc.RequestUUID)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to read node progress")
		} else {
			report.Data.NodeProgressingStatus = progress
		}
	}

	if !pc.SwitchOnly() {
		existing, err := r.existingDetails(ctx, pc.RequestUUID)
		if err != nil {
			return nil, err
		}
		report.Data.PatchMgrError = mergeDetails(r.launchNodeReport(pc, logger), existing)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode error report: %w", err)
	}

	err = r.store.UpsertPatchListReport(ctx, &types.PatchListEntry{
		MasterUUID: pc.MasterUUID,
		ChildUUID:  pc.RequestUUID,
		ReqStatus:  string(types.RequestStatusFailed),
		JSONReport: string(data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store error report: %w", err)
	}
	if err := r.store.UpdateRequestError(ctx, pc.RequestUUID, string(entry.Code), entry.Message, string(data)); err != nil {
		return nil, fmt.Errorf("failed to store request error: %w", err)
	}

	logger.Info().
		Str("code", string(entry.Code)).
		Str("action", entry.Action).
		Msg("Error recorded")
	return report, nil
}

// launchNodeReport collects the patch tool output of every launch node of
// the run
func (r *Reporter) launchNodeReport(pc *types.PlanContext, logger zerolog.Logger) *metadata.PatchMgrReport {
	if r.meta == nil || len(pc.LaunchNodes) == 0 {
		return nil
	}
	var collected *metadata.PatchMgrReport
	for _, node := range pc.LaunchNodes {
		rep, err := r.meta.PatchMgrErrors(node)
		if errors.Is(err, metadata.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Str("launch_node", node).Msg("Failed to read patch tool errors")
			continue
		}
		if collected == nil {
			collected = &metadata.PatchMgrReport{LaunchNode: strings.Join(pc.LaunchNodes, ",")}
		}
		collected.Details = append(collected.Details, rep.Details...)
	}
	return collected
}

// existingDetails returns the patch tool details already stored for child
func (r *Reporter) existingDetails(ctx context.Context, child string) ([]metadata.PatchMgrError, error) {
	entry, err := r.store.GetPatchListEntry(ctx, child)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read error report: %w", err)
	}
	if entry.JSONReport == "" {
		return nil, nil
	}
	var prev Report
	if err := json.Unmarshal([]byte(entry.JSONReport), &prev); err != nil {
		r.logger.Warn().Err(err).Str("request_id", child).Msg("Ignoring unreadable error report")
		return nil, nil
	}
	if prev.Data.PatchMgrError == nil {
		return nil, nil
	}
	return prev.Data.PatchMgrError.Details, nil
}

// mergeDetails appends every existing detail missing from current. The
// current details are never replaced.
func mergeDetails(current *metadata.PatchMgrReport, existing []metadata.PatchMgrError) *metadata.PatchMgrReport {
	if len(existing) == 0 {
		return current
	}
	if current == nil {
		current = &metadata.PatchMgrReport{}
	}
	for _, old := range existing {
		if !containsDetail(current.Details, old) {
			current.Details = append(current.Details, old)
		}
	}
	return current
}

func containsDetail(details []metadata.PatchMgrError, d metadata.PatchMgrError) bool {
	for _, cur := range details {
		if reflect.DeepEqual(normalizeDetail(cur), normalizeDetail(d)) {
			return true
		}
	}
	return false
}

// normalizeDetail round-trips d through JSON so numbers compare equal
// regardless of their Go type
func normalizeDetail(d metadata.PatchMgrError) any {
	data, err := json.Marshal(d)
	if err != nil {
		return d
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return d
	}
	return out
}
