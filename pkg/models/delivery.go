package models

import "time"

// DeliveryStatus is the outbound message state machine. The integer values
// are the storage encoding and must not be reordered.
type DeliveryStatus int

const (
	StatusPending    DeliveryStatus = 0
	StatusProcessing DeliveryStatus = 1
	StatusDelivered  DeliveryStatus = 2
	StatusFailed     DeliveryStatus = 3
	StatusDeadLetter DeliveryStatus = 4
)

// String returns the display name for a status.
func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// DeliveryMessage is one outbound message tracked by the queue.
type DeliveryMessage struct {
	ID            string         `json:"id"`
	Channel       string         `json:"channel"`
	Recipient     string         `json:"recipient"`
	Content       string         `json:"content"`
	ThreadID      string         `json:"thread_id,omitempty"`
	SessionKey    string         `json:"session_key,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	Status        DeliveryStatus `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	MaxAttempts   int            `json:"max_attempts"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	Priority      int            `json:"priority"`
}

// QueueStats is a per-status count snapshot.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
	Total      int `json:"total"`
}
