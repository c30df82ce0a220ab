package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath joins p onto root and verifies the result stays inside
// it. Absolute paths are allowed as long as they point into the root.
func resolvePath(root, p string) (string, bool) {
	if p == "" {
		p = "."
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, p)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

func escapeError(p string) (string, error) {
	return fmt.Sprintf("Error: path escapes workspace: %s", p), nil
}

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	root string
}

// NewReadFileTool creates the read_file tool rooted at root.
func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{root: root}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace. Takes a file_path relative to the workspace root."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path of the file to read, relative to the workspace root.",
			},
		},
		"required": []string{"file_path"},
	})
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	path, ok := resolvePath(t.root, input.FilePath)
	if !ok {
		return escapeError(input.FilePath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFileTool writes a file inside the workspace, creating parent
// directories as needed.
type WriteFileTool struct {
	root string
}

// NewWriteFileTool creates the write_file tool rooted at root.
func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{root: root}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, replacing it if it exists. Parent directories are created automatically."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path of the file to write, relative to the workspace root.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write.",
			},
		},
		"required": []string{"file_path", "content"},
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	path, ok := resolvePath(t.root, input.FilePath)
	if !ok {
		return escapeError(input.FilePath)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), input.FilePath), nil
}

// ListFilesTool lists a directory in the workspace.
type ListFilesTool struct {
	root string
}

// NewListFilesTool creates the list_files tool rooted at root.
func NewListFilesTool(root string) *ListFilesTool {
	return &ListFilesTool{root: root}
}

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List the entries of a workspace directory. Takes an optional path; defaults to the workspace root."
}

func (t *ListFilesTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list, relative to the workspace root. Defaults to the root.",
			},
		},
	})
}

func (t *ListFilesTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	path, ok := resolvePath(t.root, input.Path)
	if !ok {
		return escapeError(input.Path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var b strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// mustSchema marshals an inline schema map. The maps are static, so a
// marshal failure is a programming error.
func mustSchema(m map[string]any) json.RawMessage {
	data, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return json.RawMessage(data)
}
