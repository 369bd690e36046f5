package patcherror

import (
	"context"
	"errors"
	"fmt"
)

// Code is a patch error code such as "0x03010003"
type Code string

// Error actions understood by the caller of the request API
const (
	ActionFailDontShowPageOncall = "FAIL_DONTSHOW_PAGE_ONCALL"
	ActionFailAndShow            = "FAIL_AND_SHOW"
)

const (
	Success                         Code = "0x00000000"
	OperationFailed                 Code = "0x03010000"
	MissingPatchFiles               Code = "0x03010001"
	SystemBusyLockNotAcquired       Code = "0x03010003"
	IncorrectInputJSON              Code = "0x03010004"
	RequestTimeout                  Code = "0x03010005"
	IndividualPatchRequestException Code = "0x0301000A"
	OperationDidNotStart            Code = "0x0301000F"
	ParallelPatchingIBNonIB         Code = "0x03010033"
	PatchMgrScriptMissing           Code = "0x0301003A"
	PatchMgrSessionExists           Code = "0x0301003B"
	NoNodesForPrecheck              Code = "0x0301003E"
	NodeSSHCheckFailed              Code = "0x0301003F"
	PatchMgrCommandFailed           Code = "0x03010045"
	InsufficientLaunchNodes         Code = "0x03010046"
	NodePingCheckFailed             Code = "0x0301004F"
	NodeConnectFailed               Code = "0x03010055"
	LaunchNodeIsTarget              Code = "0x0301005B"
	ExternalLaunchNodeUnreachable   Code = "0x0301005F"
	NoEligibleLaunchNode            Code = "0x03010064"
	LaunchNodeSSHKnownHosts         Code = "0x03010065"
	CommandTimeout                  Code = "0x03010067"
	Dom0RollbackNoDomU              Code = "0x03030007"
	Dom0PatchNoDomU                 Code = "0x03030018"
)

// Entry describes one catalog code
type Entry struct {
	Code    Code
	Message string
	// Detail is reported when the caller gives no suggestion
	Detail string
	Action string
}

var catalog = map[Code]Entry{
	Success:                         {Message: "Patch operation Status successful, no further action required."},
	OperationFailed:                 {Message: "Patch operation Status failed", Action: ActionFailDontShowPageOncall},
	MissingPatchFiles:               {Message: "Required patch files not found", Action: ActionFailDontShowPageOncall},
	SystemBusyLockNotAcquired:       {Message: "System is busy. Please retry the operation after some time.", Detail: "Another patch operation holds the fabric lock.", Action: ActionFailDontShowPageOncall},
	IncorrectInputJSON:              {Message: "Could not parse the request input correctly. Please verify the request parameters.", Action: ActionFailDontShowPageOncall},
	RequestTimeout:                  {Message: "Patch request timed-out - Check individual requests", Action: ActionFailDontShowPageOncall},
	IndividualPatchRequestException: {Message: "Individual patch request exception detected", Action: ActionFailDontShowPageOncall},
	OperationDidNotStart:            {Message: "Patch operation did not start", Action: ActionFailDontShowPageOncall},
	ParallelPatchingIBNonIB:         {Message: "In a shared IBFabric environment, combination of an IBSwitch/Non-IBSwitch target patch cannot be run in parallel", Action: ActionFailDontShowPageOncall},
	PatchMgrScriptMissing:           {Message: "Unable to locate patchmgr script on the launch node.", Action: ActionFailDontShowPageOncall},
	PatchMgrSessionExists:           {Message: "Patchmgr session already exists.", Action: ActionFailDontShowPageOncall},
	NoNodesForPrecheck:              {Message: "No nodes available to run precheck", Action: ActionFailDontShowPageOncall},
	NodeSSHCheckFailed:              {Message: "Ssh connectivity check failed during patching.", Action: ActionFailDontShowPageOncall},
	PatchMgrCommandFailed:           {Message: "Patchmgr command failed.", Action: ActionFailDontShowPageOncall},
	InsufficientLaunchNodes:         {Message: "Insufficient launch nodes available to patch.", Action: ActionFailDontShowPageOncall},
	NodePingCheckFailed:             {Message: "Ping check failed during patching.", Action: ActionFailDontShowPageOncall},
	NodeConnectFailed:               {Message: "Unable to connect to the node during patching.", Action: ActionFailDontShowPageOncall},
	LaunchNodeIsTarget:              {Message: "Launch node passed for patch operation should not be one of the target nodes.", Action: ActionFailAndShow},
	ExternalLaunchNodeUnreachable:   {Message: "Unable to ping or connect to the external launch node.", Action: ActionFailAndShow},
	NoEligibleLaunchNode:            {Message: "Unable to find an eligible launch node.", Action: ActionFailDontShowPageOncall},
	LaunchNodeSSHKnownHosts:         {Message: "Launch node ssh check failed, known_hosts verification error.", Action: ActionFailDontShowPageOncall},
	CommandTimeout:                  {Message: "Command execution timed out.", Action: ActionFailDontShowPageOncall},
	Dom0RollbackNoDomU:              {Message: "DomUs are not running on dom0 while dom0 rollback requested", Action: ActionFailDontShowPageOncall},
	Dom0PatchNoDomU:                 {Message: "DomUs are not running on dom0 while dom0 patch requested", Action: ActionFailDontShowPageOncall},
}

// Lookup returns the catalog entry of code. Unknown codes resolve to
// OperationFailed and report false.
func Lookup(code Code) (Entry, bool) {
	e, ok := catalog[code]
	if !ok {
		e = catalog[OperationFailed]
		e.Code = OperationFailed
		return e, false
	}
	e.Code = code
	return e, true
}

// Error is a failure carrying a patch error code
type Error struct {
	Code       Code
	Suggestion string
	Err        error
}

// New returns an error with code and a suggestion for the operator
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Suggestion: fmt.Sprintf(format, args...)}
}

// Wrap attaches code to err
func Wrap(code Code, err error, suggestion string) *Error {
	return &Error{Code: code, Suggestion: suggestion, Err: err}
}

func (e *Error) Error() string {
	entry, _ := Lookup(e.Code)
	msg := fmt.Sprintf("%s: %s", entry.Code, entry.Message)
	if e.Suggestion != "" {
		msg += ": " + e.Suggestion
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code carried by err. Deadlines map to
// CommandTimeout and everything else to OperationFailed.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CommandTimeout
	}
	return OperationFailed
}

// SuggestionOf returns the operator suggestion carried by err, or the
// error text
func SuggestionOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Suggestion != "" {
		return pe.Suggestion
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
