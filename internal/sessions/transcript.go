package sessions

import (
	"encoding/json"
	"strings"

	"github.com/lyq-lin/claw0/pkg/models"
)

// Entry type tags used in transcript files.
const (
	entrySession    = "session"
	entryUser       = "user"
	entryAssistant  = "assistant"
	entryToolUse    = "tool_use"
	entryToolResult = "tool_result"
)

// transcriptEntry is one line of a session's append-only log.
type transcriptEntry struct {
	Type string `json:"type"`
	TS   string `json:"ts"`

	// session header
	ID      string `json:"id,omitempty"`
	Key     string `json:"key,omitempty"`
	Created string `json:"created,omitempty"`

	// user / assistant
	Content json.RawMessage `json:"content,omitempty"`

	// tool_use
	Name      string          `json:"name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// tool_result
	Output string `json:"output,omitempty"`
}

// parseTranscript decodes transcript lines, skipping corrupt ones.
func parseTranscript(data []byte) []transcriptEntry {
	var entries []transcriptEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e transcriptEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.Type == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// replayHistory rebuilds conversation history from transcript entries.
//
// A pending buffer collects consecutive tool_use entries; any other entry
// kind first flushes the buffer as one assistant message, then handles
// itself. Session headers are skipped outright.
func replayHistory(entries []transcriptEntry) []models.Message {
	var history []models.Message
	var pending []models.ContentBlock

	flush := func() {
		if len(pending) > 0 {
			history = append(history, models.NewBlocksMessage(models.RoleAssistant, pending))
			pending = nil
		}
	}

	for _, e := range entries {
		switch e.Type {
		case entrySession:
			continue
		case entryToolUse:
			pending = append(pending, models.NewToolUseBlock(e.ToolUseID, e.Name, e.Input))
		case entryUser:
			flush()
			var text string
			if err := json.Unmarshal(e.Content, &text); err == nil {
				history = append(history, models.NewTextMessage(models.RoleUser, text))
				continue
			}
			var blocks []models.ContentBlock
			if err := json.Unmarshal(e.Content, &blocks); err == nil {
				history = append(history, models.NewBlocksMessage(models.RoleUser, blocks))
			}
		case entryAssistant:
			flush()
			var text string
			if err := json.Unmarshal(e.Content, &text); err == nil {
				history = append(history, models.NewTextMessage(models.RoleAssistant, text))
			}
		case entryToolResult:
			flush()
			history = append(history, models.NewBlocksMessage(models.RoleUser, []models.ContentBlock{
				models.NewToolResultBlock(e.ToolUseID, e.Output),
			}))
		default:
			flush()
		}
	}
	flush()
	return history
}

// countUserEntries returns the number of user entries, which is the
// definition of a session's message count.
func countUserEntries(entries []transcriptEntry) int {
	n := 0
	for _, e := range entries {
		if e.Type == entryUser {
			n++
		}
	}
	return n
}
