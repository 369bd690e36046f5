package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/rackpatch/pkg/orchestrator"
	"github.com/cuemby/rackpatch/pkg/types"
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Manage patch requests",
}

var requestSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a patch request from a YAML file",
	Long: `Queue a patch request described in a YAML file.

Example file:

  cluster_name: cl01
  params:
    target_types: [dom0]
    operation: patch
    op_style: rolling
    nodes:
      dom0: [dom0-a, dom0-b]

Examples:
  rackpatch request submit -f request.yaml`,
	RunE: runRequestSubmit,
}

var requestGetCmd = &cobra.Command{
	Use:   "get UUID",
	Short: "Show a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		req, err := store.GetRequest(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("UUID:        %s\n", req.UUID)
		fmt.Printf("Status:      %s\n", req.Status)
		fmt.Printf("Status info: %s\n", req.StatusInfo)
		fmt.Printf("Cluster:     %s\n", req.ClusterName)
		fmt.Printf("Started:     %s\n", req.StartTime.Format(time.RFC3339))
		if req.EndTime != nil {
			fmt.Printf("Ended:       %s\n", req.EndTime.Format(time.RFC3339))
		}
		if req.Error != "" {
			fmt.Printf("Error:       %s\n", req.Error)
			fmt.Printf("Message:     %s\n", req.ErrorStr)
		}
		if req.Data != "" {
			fmt.Printf("Data:        %s\n", req.Data)
		}
		return nil
	},
}

var requestListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"list-pending"},
	Short:   "List requests in a status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		var reqs []*types.Request
		if status == "" {
			reqs, err = store.ListPendingRequests(ctx)
		} else {
			reqs, err = store.ListRequests(ctx, types.RequestStatus(status))
		}
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Println("No requests found")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "UUID\tSTATUS\tCLUSTER\tSTARTED\tSTATUS INFO")
		for _, r := range reqs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.UUID, r.Status, r.ClusterName, r.StartTime.Format(time.RFC3339), r.StatusInfo)
		}
		return w.Flush()
	},
}

var requestTimeStatsCmd = &cobra.Command{
	Use:   "timestats UUID",
	Short: "Show the stage timings of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.ListTimeStats(ctx, args[0])
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("No timings recorded")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "STAGE\tSUB STAGE\tTARGET\tNODES\tSTARTED\tSECONDS")
		for _, ts := range stats {
			seconds := "-"
			if !ts.Open() {
				seconds = fmt.Sprint(ts.DurationSeconds)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				ts.Stage, ts.SubStage, ts.TargetType, ts.NodeNames, ts.StartTime.Format(time.RFC3339), seconds)
		}
		return w.Flush()
	},
}

var requestArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move finished requests to the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return ageOut(cmd, cfg.Janitor.ArchiveAfter, "archived", func(ctx context.Context, s requestAger, before time.Time) (int64, error) {
			return s.ArchiveRequests(ctx, before)
		})
	},
}

var requestPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete archived requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return ageOut(cmd, cfg.Janitor.PurgeAfter, "purged", func(ctx context.Context, s requestAger, before time.Time) (int64, error) {
			return s.PurgeArchivedRequests(ctx, before)
		})
	},
}

func init() {
	requestSubmitCmd.Flags().StringP("file", "f", "", "YAML file describing the request (required)")
	requestSubmitCmd.Flags().String("uuid", "", "Request uuid (generated when empty)")
	_ = requestSubmitCmd.MarkFlagRequired("file")

	requestListCmd.Flags().String("status", "", "Status to list (default: pending requests not yet assigned)")

	for _, c := range []*cobra.Command{requestArchiveCmd, requestPurgeCmd} {
		c.Flags().Duration("older-than", 0, "Age of the requests to handle (default from the janitor settings)")
	}

	requestCmd.AddCommand(requestSubmitCmd)
	requestCmd.AddCommand(requestGetCmd)
	requestCmd.AddCommand(requestListCmd)
	requestCmd.AddCommand(requestTimeStatsCmd)
	requestCmd.AddCommand(requestArchiveCmd)
	requestCmd.AddCommand(requestPurgeCmd)
}

// RequestFile is the YAML form of a patch request
type RequestFile struct {
	CmdType     string         `yaml:"cmd_type"`
	ClusterName string         `yaml:"cluster_name"`
	Params      map[string]any `yaml:"params"`
}

func runRequestSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	id, _ := cmd.Flags().GetString("uuid")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	var file RequestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	params, err := json.Marshal(file.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if _, err := orchestrator.ParseParams(string(params), nil); err != nil {
		return err
	}

	if id == "" {
		id = uuid.New().String()
	}
	cmdType := file.CmdType
	if cmdType == "" {
		cmdType = "patch"
	}

	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.InsertRequest(ctx, &types.Request{
		UUID:        id,
		Status:      types.RequestStatusPending,
		CmdType:     cmdType,
		ClusterName: file.ClusterName,
		Params:      string(params),
	})
	if err != nil {
		return fmt.Errorf("failed to queue request: %w", err)
	}

	fmt.Printf("✓ Request %s queued (%s)\n", id, result)
	return nil
}

type requestAger interface {
	ArchiveRequests(ctx context.Context, endedBefore time.Time) (int64, error)
	PurgeArchivedRequests(ctx context.Context, endedBefore time.Time) (int64, error)
}

func ageOut(cmd *cobra.Command, fallback time.Duration, verb string, fn func(context.Context, requestAger, time.Time) (int64, error)) error {
	age, _ := cmd.Flags().GetDuration("older-than")
	if age <= 0 {
		age = fallback
	}

	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := fn(ctx, store, time.Now().UTC().Add(-age))
	if err != nil {
		return err
	}
	fmt.Printf("✓ %d requests %s\n", n, verb)
	return nil
}
