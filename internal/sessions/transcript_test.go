package sessions

import (
	"strings"
	"testing"

	"github.com/lyq-lin/claw0/pkg/models"
)

func TestReplayHistory_PendingBufferFlush(t *testing.T) {
	raw := strings.Join([]string{
		`{"type":"session","ts":"2026-02-01T12:00:00Z","id":"abc","key":"k","created":"2026-02-01T12:00:00Z"}`,
		`{"type":"user","ts":"2026-02-01T12:00:01Z","content":"do two things"}`,
		`{"type":"tool_use","ts":"2026-02-01T12:00:02Z","name":"exec","tool_use_id":"t1","input":{"command":"ls"}}`,
		`{"type":"tool_use","ts":"2026-02-01T12:00:02Z","name":"exec","tool_use_id":"t2","input":{"command":"pwd"}}`,
		`{"type":"tool_result","ts":"2026-02-01T12:00:03Z","tool_use_id":"t1","output":"out1"}`,
		`{"type":"tool_result","ts":"2026-02-01T12:00:03Z","tool_use_id":"t2","output":"out2"}`,
		`{"type":"assistant","ts":"2026-02-01T12:00:04Z","content":"done"}`,
	}, "\n")

	history := replayHistory(parseTranscript([]byte(raw)))

	// user, assistant(t1,t2), user(r1), user(r2), assistant(text)
	if len(history) != 5 {
		t.Fatalf("history has %d messages, want 5", len(history))
	}
	if uses := history[1].ToolUses(); len(uses) != 2 || uses[0].ID != "t1" || uses[1].ID != "t2" {
		t.Errorf("consecutive tool_use entries not folded into one assistant message: %+v", history[1])
	}
	if history[2].Content.Blocks[0].ToolUseID != "t1" || history[3].Content.Blocks[0].ToolUseID != "t2" {
		t.Errorf("tool results out of order")
	}
	if history[4].TextContent() != "done" {
		t.Errorf("final message = %+v", history[4])
	}
}

func TestReplayHistory_AssistantTextFlushesBuffer(t *testing.T) {
	// An assistant text entry between tool_use entries flushes the buffer,
	// producing two assistant messages. This mirrors the stored layout; the
	// replay does not merge them.
	raw := strings.Join([]string{
		`{"type":"tool_use","ts":"2026-02-01T12:00:02Z","name":"exec","tool_use_id":"t1","input":{}}`,
		`{"type":"assistant","ts":"2026-02-01T12:00:03Z","content":"thinking"}`,
		`{"type":"tool_use","ts":"2026-02-01T12:00:04Z","name":"exec","tool_use_id":"t2","input":{}}`,
	}, "\n")

	history := replayHistory(parseTranscript([]byte(raw)))
	if len(history) != 3 {
		t.Fatalf("history has %d messages, want 3", len(history))
	}
	if len(history[0].ToolUses()) != 1 || history[0].ToolUses()[0].ID != "t1" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].TextContent() != "thinking" {
		t.Errorf("history[1] = %+v", history[1])
	}
	if len(history[2].ToolUses()) != 1 || history[2].ToolUses()[0].ID != "t2" {
		t.Errorf("trailing buffer not flushed: %+v", history[2])
	}
}

func TestReplayHistory_UserWithToolResultBlocks(t *testing.T) {
	raw := `{"type":"user","ts":"2026-02-01T12:00:01Z","content":[{"type":"tool_result","tool_use_id":"t1","content":"out"}]}`
	history := replayHistory(parseTranscript([]byte(raw)))
	if len(history) != 1 {
		t.Fatalf("history has %d messages, want 1", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content.Blocks[0].ToolUseID != "t1" {
		t.Errorf("history[0] = %+v", history[0])
	}
}

func TestParseTranscript_SkipsCorruptLines(t *testing.T) {
	raw := strings.Join([]string{
		`{"type":"user","ts":"2026-02-01T12:00:01Z","content":"ok"}`,
		`{not json`,
		``,
		`{"no_type_field":true}`,
		`{"type":"assistant","ts":"2026-02-01T12:00:02Z","content":"fine"}`,
	}, "\n")
	entries := parseTranscript([]byte(raw))
	if len(entries) != 2 {
		t.Fatalf("parsed %d entries, want 2", len(entries))
	}
	history := replayHistory(entries)
	if len(history) != 2 {
		t.Errorf("history has %d messages, want 2", len(history))
	}
}

func TestReplayHistory_SessionHeaderSkippedWithoutFlush(t *testing.T) {
	raw := strings.Join([]string{
		`{"type":"tool_use","ts":"2026-02-01T12:00:02Z","name":"exec","tool_use_id":"t1","input":{}}`,
		`{"type":"session","ts":"2026-02-01T12:00:03Z","id":"x","key":"k","created":"2026-02-01T12:00:03Z"}`,
		`{"type":"tool_use","ts":"2026-02-01T12:00:04Z","name":"exec","tool_use_id":"t2","input":{}}`,
	}, "\n")
	history := replayHistory(parseTranscript([]byte(raw)))
	if len(history) != 1 {
		t.Fatalf("history has %d messages, want 1", len(history))
	}
	if uses := history[0].ToolUses(); len(uses) != 2 {
		t.Errorf("session header flushed the buffer: %+v", history[0])
	}
}
