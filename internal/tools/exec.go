package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// deniedPatterns are substrings that block a command outright. This is
// a tripwire for the obviously destructive, not a sandbox.
var deniedPatterns = []string{
	"rm -rf /",
	"rm -fr /",
	"mkfs",
	":(){ :|:& };:",
	"dd if=/dev/zero of=/dev/",
	"dd of=/dev/sd",
	"> /dev/sd",
}

// ExecTool runs a shell command in the workspace.
type ExecTool struct {
	root string
}

// NewExecTool creates the exec tool with the workspace root as its
// working directory.
func NewExecTool(root string) *ExecTool {
	return &ExecTool{root: root}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its combined output. Long-running commands are killed at the tool timeout."
}

func (t *ExecTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run.",
			},
		},
		"required": []string{"command"},
	})
}

func (t *ExecTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return "", fmt.Errorf("command is empty")
	}
	for _, pattern := range deniedPatterns {
		if strings.Contains(command, pattern) {
			return fmt.Sprintf("Error: command refused: matches blocked pattern %q", pattern), nil
		}
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = t.root
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Context errors surface through the registry as a timeout.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		tail := strings.TrimSpace(string(output))
		if tail == "" {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", err, tail)
	}
	if len(output) == 0 {
		return "(no output)", nil
	}
	return string(output), nil
}
