package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/rackpatch/pkg/orchestrator"
	"github.com/cuemby/rackpatch/pkg/planner"
	"github.com/cuemby/rackpatch/pkg/types"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the step list of a request file",
	Long: `Print the steps a request would run, with the progress percent
reported at each step, without touching the store.

Examples:
  rackpatch plan -f request.yaml
  rackpatch plan -f request.yaml --guests-up=false`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringP("file", "f", "", "YAML file describing the request (required)")
	planCmd.Flags().Bool("guests-up", true, "Resolve auto style as if the cluster's guests are running")
	_ = planCmd.MarkFlagRequired("file")
}

// fileRequest serves one request read from a file
type fileRequest struct {
	req *types.Request
}

func (f fileRequest) GetRequest(ctx context.Context, uuid string) (*types.Request, error) {
	return f.req, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	guestsUp, _ := cmd.Flags().GetBool("guests-up")

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
	p, err := orchestrator.ParseParams(string(params), nil)
	if err != nil {
		return err
	}

	req := &types.Request{UUID: "plan", ClusterName: file.ClusterName, Params: string(params)}
	pc := orchestrator.PlanContextFromRequest(req, p)
	pc.Nodes, err = orchestrator.NewParamsTopology(fileRequest{req: req}, nil).Nodes(cmd.Context(), pc)
	if err != nil {
		return err
	}
	planner.ResolveStyles(pc, planner.Defaults{OpStyle: types.OpStyle(cfg.Patching.DefaultOpStyle)}, guestsUp)

	var styles []string
	for _, t := range pc.Targets {
		styles = append(styles, fmt.Sprintf("%s=%s", t, pc.StyleFor(t)))
	}
	fmt.Printf("Task:   %s\n", pc.Task)
	fmt.Printf("Styles: %s\n\n", strings.Join(styles, " "))

	plan := planner.New(pc, nil, nil)
	w := newTable()
	fmt.Fprintln(w, "#\tSTEP\tPERCENT")
	for i, step := range plan.Steps() {
		pct, _, _ := plan.Position(step)
		fmt.Fprintf(w, "%d\t%s\t%d\n", i+1, step, pct)
	}
	return w.Flush()
}
