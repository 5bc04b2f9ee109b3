package agents

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ShellCommandAgent runs exactly one external program, ripgrep, confined to
// a configured root directory. No shell is involved; arguments are passed
// directly to the binary.
type ShellCommandAgent struct {
	root      string
	maxOutput int
	logger    *zap.Logger
}

func NewShellCommandAgent(root string, logger *zap.Logger) *ShellCommandAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellCommandAgent{root: root, maxOutput: 64 * 1024, logger: logger}
}

func (a *ShellCommandAgent) Name() string { return "ShellCommandAgent" }

func (a *ShellCommandAgent) Schema() []ParamSpec {
	return []ParamSpec{
		{Name: "pattern", Type: "string", Required: true, Description: "ripgrep pattern"},
		{Name: "path", Type: "string", Description: "path relative to the search root, default ."},
		{Name: "ignore_case", Type: "bool", Description: "case-insensitive match"},
	}
}

func (a *ShellCommandAgent) Execute(ctx context.Context, params map[string]interface{}, _ Context) (*Result, error) {
	pattern := StringParam(params, "pattern", "")
	if pattern == "" {
		return nil, fmt.Errorf("agents: ShellCommandAgent: empty pattern")
	}
	rel := StringParam(params, "path", ".")
	target := filepath.Join(a.root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(target, filepath.Clean(a.root)) {
		return nil, fmt.Errorf("agents: ShellCommandAgent: path escapes search root")
	}

	args := []string{"--no-heading", "--line-number", "--max-count", "50"}
	if b, ok := params["ignore_case"].(bool); ok && b {
		args = append(args, "--ignore-case")
	}
	args = append(args, "--", pattern, target)

	cmd := exec.CommandContext(ctx, "rg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		// rg exits 1 on no matches.
		return &Result{Output: "No matches."}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agents: rg failed: %w: %s", err, stderr.String())
	}

	out := stdout.String()
	if len(out) > a.maxOutput {
		out = out[:a.maxOutput] + "\n... (truncated)"
	}
	return &Result{Output: out}, nil
}
