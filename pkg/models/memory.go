package models

import "time"

// Memory is one record in the keyword-scored memory store.
type Memory struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SessionKey string    `json:"session_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Tags       []string  `json:"tags,omitempty"`
	Importance float64   `json:"importance,omitempty"`
}

// ScoredMemory pairs a memory with its retrieval score.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}
