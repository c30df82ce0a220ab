// Package scheduler runs agent jobs on one-shot, interval, and cron
// schedules.
package scheduler

import "time"

// Kind selects how a job's next run is computed.
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

// Job is one scheduled agent invocation. Schedule holds the original
// schedule text: an RFC3339 timestamp for at, an interval like "30s" for
// every, or a 5-field expression for cron.
type Job struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	Kind      Kind      `json:"kind"`
	Schedule  string    `json:"schedule"`
	CreatedAt time.Time `json:"created_at"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitempty"`
	RunCount  int       `json:"run_count"`
	MaxRuns   int       `json:"max_runs,omitempty"`
	Enabled   bool      `json:"enabled"`
}

// Expired reports whether a one-shot job has already fired. Expired jobs
// are excluded on reload and dropped for good on the next file rewrite.
func (j *Job) Expired() bool {
	return j.Kind == KindAt && j.RunCount > 0
}

// ResultStatus is the outcome class of a job execution.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// JobResult captures the outcome of one job execution.
type JobResult struct {
	JobID    string        `json:"job_id"`
	Status   ResultStatus  `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	RanAt    time.Time     `json:"ran_at"`
	Duration time.Duration `json:"duration,omitempty"`
}
