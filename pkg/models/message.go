package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageContent is the union carried by a message: either a plain string or
// an ordered list of content blocks. The JSON shape decides the arm on read.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

// IsBlocks reports whether the block-list arm is active.
func (c MessageContent) IsBlocks() bool { return c.Blocks != nil }

// MarshalJSON emits the string arm as a JSON string and the block arm as an
// array, matching the storage and wire format.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON infers the arm from the JSON shape.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return fmt.Errorf("unmarshal content blocks: %w", err)
		}
		c.Blocks = blocks
		c.Text = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal content string: %w", err)
	}
	c.Text = s
	c.Blocks = nil
	return nil
}

// Message is one conversation entry as seen by the backend and the stores.
type Message struct {
	Role    Role           `json:"role"`
	Content MessageContent `json:"content"`
}

// NewTextMessage returns a message with string content.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: MessageContent{Text: text}}
}

// NewBlocksMessage returns a message with block-list content.
func NewBlocksMessage(role Role, blocks []ContentBlock) Message {
	return Message{Role: role, Content: MessageContent{Blocks: blocks}}
}

// TextContent returns the message text: the string arm directly, or the
// concatenation of all text blocks.
func (m Message) TextContent() string {
	if !m.Content.IsBlocks() {
		return m.Content.Text
	}
	var b strings.Builder
	for _, blk := range m.Content.Blocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, blk := range m.Content.Blocks {
		if blk.Type == BlockToolUse {
			uses = append(uses, blk)
		}
	}
	return uses
}

// InboundMessage is a message received from a channel, pre-routing.
type InboundMessage struct {
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	MediaURLs []string  `json:"media_urls,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
