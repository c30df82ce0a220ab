package models

import (
	"fmt"
	"strings"
	"time"
)

// Session is the metadata the index keeps for one conversation. The
// transcript file holds the history itself.
type Session struct {
	ID             string    `json:"id"`
	Key            string    `json:"key"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	MessageCount   int       `json:"message_count"`
	TranscriptFile string    `json:"transcript_file"`
}

// SessionKey builds the canonical "<agent>:<channel>:<peer>" key.
func SessionKey(agentID, channel, peer string) string {
	return fmt.Sprintf("%s:%s:%s", agentID, channel, peer)
}

// SplitSessionKey breaks a canonical key into its three parts. The peer part
// keeps any further colons.
func SplitSessionKey(key string) (agentID, channel, peer string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed session key %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// SanitizeKey maps a session key to its filesystem-safe form.
func SanitizeKey(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
