// Package workspace bootstraps the on-disk layout the gateway runs in.
// Everything claw0 persists lives under one root in dot-directories, so a
// workspace is portable by copying the directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lyq-lin/claw0/internal/soul"
)

// Layout resolves the paths inside one workspace root.
type Layout struct {
	Root string
}

// Resolve returns the layout for root without touching the filesystem.
func Resolve(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) SessionsDir() string  { return filepath.Join(l.Root, ".sessions") }
func (l Layout) RoutingDir() string   { return filepath.Join(l.Root, ".routing") }
func (l Layout) SchedulerDir() string { return filepath.Join(l.Root, ".scheduler") }
func (l Layout) QueueDir() string     { return filepath.Join(l.Root, ".queue") }
func (l Layout) MemoryDir() string    { return filepath.Join(l.Root, ".memory") }
func (l Layout) SoulsDir() string     { return filepath.Join(l.Root, ".souls") }
func (l Layout) ChannelsDir() string  { return filepath.Join(l.Root, ".channels") }

// BindingsFile is the routing table.
func (l Layout) BindingsFile() string { return filepath.Join(l.RoutingDir(), "bindings.json") }

// JobsFile is the scheduler's job store.
func (l Layout) JobsFile() string { return filepath.Join(l.SchedulerDir(), "jobs.jsonl") }

// QueueDB is the delivery queue database.
func (l Layout) QueueDB() string { return filepath.Join(l.QueueDir(), "delivery.db") }

// MemoryFile is the agent memory store.
func (l Layout) MemoryFile() string { return filepath.Join(l.MemoryDir(), "memories.jsonl") }

// InboxFile and OutboxFile are the file channel's endpoints.
func (l Layout) InboxFile() string  { return filepath.Join(l.ChannelsDir(), "file_inbox.txt") }
func (l Layout) OutboxFile() string { return filepath.Join(l.ChannelsDir(), "file_outbox.txt") }

// Ensure creates the workspace layout under root and seeds missing files:
// the file channel's inbox and outbox, and a default soul for each agent
// in agents. Existing files are never overwritten; Ensure is idempotent.
func Ensure(root string, agents []string) (Layout, error) {
	base := strings.TrimSpace(root)
	if base == "" {
		base = "."
	}
	l := Resolve(base)

	dirs := []string{
		filepath.Join(l.SessionsDir(), "transcripts"),
		l.RoutingDir(),
		l.SchedulerDir(),
		l.QueueDir(),
		l.MemoryDir(),
		l.SoulsDir(),
		l.ChannelsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return l, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for _, path := range []string{l.InboxFile(), l.OutboxFile()} {
		if err := seedFile(path, nil); err != nil {
			return l, err
		}
	}

	for _, agentID := range agents {
		agentID = strings.TrimSpace(agentID)
		if agentID == "" {
			continue
		}
		path := filepath.Join(l.SoulsDir(), agentID+".md")
		content := soul.Default(agentID).Render()
		if err := seedFile(path, []byte(content)); err != nil {
			return l, err
		}
	}

	return l, nil
}

// seedFile writes content to path only when the file does not exist yet.
func seedFile(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	return nil
}
