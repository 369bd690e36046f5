package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/cuemby/rackpatch/pkg/availability"
	"github.com/cuemby/rackpatch/pkg/metadata"
	"github.com/cuemby/rackpatch/pkg/types"
)

// DefaultToolCommand invokes the vendor patch tool on the launch node
const DefaultToolCommand = `/opt/patchmgr/patchmgr --{{.Task}} --target {{.Target}} --style {{.Style}} --step {{.Step}}{{if .Nodes}} --nodes {{join .Nodes ","}}{{end}} --request {{.RequestUUID}}`

// Invocation is one patch tool step
type Invocation struct {
	RequestUUID string
	LaunchNode  string
	Target      types.TargetType
	Task        types.Task
	Style       types.OpStyle
	Step        string
	Nodes       []string
}

// ToolResult is the outcome of a patch tool step
type ToolResult struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Errors are the structured failures the tool reported
	Errors []metadata.PatchMgrError
}

// PatchTool runs patch tool steps. err reports failures to run the tool;
// a tool failure is a non-zero ExitCode.
type PatchTool interface {
	Run(ctx context.Context, inv Invocation) (ToolResult, error)
}

// CommandTool runs a command template on the launch node
type CommandTool struct {
	hosts availability.HostExecutor
	tmpl  *template.Template
}

// NewCommandTool parses command, a text/template over Invocation. The join
// function is available to format node lists.
func NewCommandTool(hosts availability.HostExecutor, command string) (*CommandTool, error) {
	if command == "" {
		command = DefaultToolCommand
	}
	tmpl, err := template.New("patchtool").
		Funcs(template.FuncMap{"join": strings.Join}).
		Option("missingkey=error").
		Parse(command)
	if err != nil {
		return nil, fmt.Errorf("invalid tool command: %w", err)
	}
	return &CommandTool{hosts: hosts, tmpl: tmpl}, nil
}

// Command renders the command line of inv
func (t *CommandTool) Command(inv Invocation) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, inv); err != nil {
		return "", fmt.Errorf("failed to render tool command: %w", err)
	}
	return buf.String(), nil
}

// Run executes inv on its launch node
func (t *CommandTool) Run(ctx context.Context, inv Invocation) (ToolResult, error) {
	cmd, err := t.Command(inv)
	if err != nil {
		return ToolResult{}, err
	}

	exit, stdout, stderr, err := t.hosts.RunCommand(ctx, inv.LaunchNode, cmd)
	res := ToolResult{ExitCode: exit, Stdout: stdout, Stderr: stderr}
	if err != nil {
		return res, err
	}
	if exit != 0 {
		res.Errors = parseToolErrors(stdout)
	}
	return res, nil
}

// parseToolErrors extracts the patch_mgr_error_details document the tool
// prints on failure. Output without one yields nil.
func parseToolErrors(out string) []metadata.PatchMgrError {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return nil
	}
	var report metadata.PatchMgrReport
	if err := json.Unmarshal([]byte(out[start:end+1]), &report); err != nil {
		return nil
	}
	return report.Details
}
