package scheduler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyq-lin/claw0/pkg/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// AgentRunner executes one scheduled prompt and returns the agent's final
// reply text.
type AgentRunner interface {
	Run(ctx context.Context, agentID, sessionKey, prompt string) (string, error)
}

// AgentRunnerFunc adapts a function to an AgentRunner.
type AgentRunnerFunc func(ctx context.Context, agentID, sessionKey, prompt string) (string, error)

// Run executes the agent runner function.
func (f AgentRunnerFunc) Run(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
	return f(ctx, agentID, sessionKey, prompt)
}

// MetricsRecorder receives job execution outcomes.
type MetricsRecorder interface {
	RecordJobRun(kind, status string)
}

// Scheduler owns the job list and the tick loop that executes due jobs.
//
// Jobs persist as one JSON record per line: mutations append the new job
// state, reloads keep the last record per id and drop expired one-shots.
// Delete rewrites the file, which also prunes expired records for good.
// Execution results are held in memory only.
type Scheduler struct {
	path    string
	agent   AgentRunner
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time
	tick    time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	results map[string]*JobResult
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAgentRunner configures the runner invoked for due jobs.
func WithAgentRunner(runner AgentRunner) Option {
	return func(s *Scheduler) {
		if runner != nil {
			s.agent = runner
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics sets the job run metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// NewScheduler opens the job file at path (the jobs.jsonl file), loading
// any persisted jobs.
func NewScheduler(path string, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		path:    path,
		logger:  slog.Default().With("component", "scheduler"),
		now:     time.Now,
		tick:    10 * time.Second,
		jobs:    make(map[string]*Job),
		results: make(map[string]*JobResult),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetAgentRunner updates the runner after initialization.
func (s *Scheduler) SetAgentRunner(runner AgentRunner) {
	if s == nil || runner == nil {
		return
	}
	s.mu.Lock()
	s.agent = runner
	s.mu.Unlock()
}

func (s *Scheduler) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open jobs: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(line), &job); err != nil || job.ID == "" {
			s.logger.Debug("skipping corrupt job record")
			continue
		}
		if _, seen := s.jobs[job.ID]; !seen {
			s.order = append(s.order, job.ID)
		}
		s.jobs[job.ID] = &job
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jobs: %w", err)
	}

	for id, job := range s.jobs {
		if job.Expired() {
			delete(s.jobs, id)
		}
	}
	keep := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.jobs[id]; ok {
			keep = append(keep, id)
		}
	}
	s.order = keep
	return nil
}

// appendLocked appends one job record. Callers hold s.mu.
func (s *Scheduler) appendLocked(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create scheduler dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open jobs: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append job: %w", err)
	}
	return nil
}

// rewriteLocked rewrites the whole job file, dropping expired jobs.
// Callers hold s.mu.
func (s *Scheduler) rewriteLocked() error {
	var b strings.Builder
	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok || job.Expired() {
			continue
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create scheduler dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write jobs: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace jobs: %w", err)
	}
	return nil
}

func (s *Scheduler) registerLocked(job *Job) error {
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	if err := s.appendLocked(job); err != nil {
		return err
	}
	s.logger.Info("job created", "id", job.ID, "kind", job.Kind, "agent", job.AgentID, "next_run", job.NextRun)
	return nil
}

// CreateAt schedules a one-shot job for the given instant.
func (s *Scheduler) CreateAt(agentID, name, prompt string, at time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Name:      name,
		Prompt:    prompt,
		Kind:      KindAt,
		Schedule:  at.UTC().Format(time.RFC3339),
		CreatedAt: s.now().UTC(),
		NextRun:   at.UTC(),
		Enabled:   true,
	}
	if err := s.registerLocked(job); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

// CreateEvery schedules a repeating job with a compact interval such as
// "30s" or "2h". maxRuns of zero means unlimited.
func (s *Scheduler) CreateEvery(agentID, name, prompt, interval string, maxRuns int) (*Job, error) {
	d, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Name:      name,
		Prompt:    prompt,
		Kind:      KindEvery,
		Schedule:  strings.TrimSpace(interval),
		CreatedAt: now,
		NextRun:   now.Add(d),
		MaxRuns:   maxRuns,
		Enabled:   true,
	}
	if err := s.registerLocked(job); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

// CreateCron schedules a repeating job from a 5-field cron expression.
// maxRuns of zero means unlimited.
func (s *Scheduler) CreateCron(agentID, name, prompt, expr string, maxRuns int) (*Job, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Name:      name,
		Prompt:    prompt,
		Kind:      KindCron,
		Schedule:  strings.TrimSpace(expr),
		CreatedAt: now,
		NextRun:   sched.Next(now),
		MaxRuns:   maxRuns,
		Enabled:   true,
	}
	if err := s.registerLocked(job); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

// Delete removes a job and rewrites the job file.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.results, id)
	for i, jid := range s.order {
		if jid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.rewriteLocked()
}

// SetEnabled toggles a job by id.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Enabled = enabled
	return s.appendLocked(job)
}

// Get returns a job by id.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// GetAll returns all jobs in creation order, including executed one-shots
// that have not been pruned yet.
func (s *Scheduler) GetAll() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		if job, ok := s.jobs[id]; ok {
			out = append(out, cloneJob(job))
		}
	}
	return out
}

// GetDue returns the jobs whose next run is at or before now, ordered by
// next run ascending. Disabled, expired, and run-limited jobs are
// excluded.
func (s *Scheduler) GetDue(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok || !job.Enabled || job.Expired() {
			continue
		}
		if job.MaxRuns > 0 && job.RunCount >= job.MaxRuns {
			continue
		}
		if job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		due = append(due, cloneJob(job))
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	return due
}

// MarkExecuted records one execution outcome and advances the schedule.
// One-shot jobs become expired here and stop being due.
func (s *Scheduler) MarkExecuted(id string, result *JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	ranAt := result.RanAt
	if ranAt.IsZero() {
		ranAt = s.now().UTC()
	}
	job.LastRun = ranAt
	job.RunCount++
	if next, ok := job.NextAfter(ranAt); ok {
		job.NextRun = next
	} else {
		job.NextRun = time.Time{}
	}

	stored := *result
	stored.JobID = id
	s.results[id] = &stored
	return s.appendLocked(job)
}

// GetLastResult returns the outcome of the job's most recent execution,
// or nil when it has not run since the process started.
func (s *Scheduler) GetLastResult(id string) *JobResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := s.results[id]
	if !ok {
		return nil
	}
	clone := *result
	return &clone
}

// Start begins the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due jobs immediately (primarily for tests).
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

// runDue executes due jobs sequentially. A failing job records a failed
// result and the loop moves on.
func (s *Scheduler) runDue(ctx context.Context) int {
	due := s.GetDue(s.now())
	for _, job := range due {
		result := s.executeJob(ctx, job)
		if s.metrics != nil {
			s.metrics.RecordJobRun(string(job.Kind), string(result.Status))
		}
		if err := s.MarkExecuted(job.ID, result); err != nil {
			s.logger.Error("mark executed", "id", job.ID, "error", err)
		}
	}
	return len(due)
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) *JobResult {
	start := s.now().UTC()
	result := &JobResult{JobID: job.ID, RanAt: start}

	s.mu.Lock()
	runner := s.agent
	s.mu.Unlock()
	if runner == nil {
		result.Status = ResultError
		result.Error = "agent runner not configured"
		return result
	}

	key := models.SessionKey(job.AgentID, "cron", job.ID)
	output, err := runner.Run(ctx, job.AgentID, key, job.Prompt)
	result.Duration = s.now().UTC().Sub(start)
	if err != nil {
		result.Status = ResultError
		result.Error = err.Error()
		s.logger.Warn("job failed", "id", job.ID, "name", job.Name, "error", err)
		return result
	}
	result.Status = ResultOK
	result.Output = output
	return result
}

func cloneJob(j *Job) *Job {
	clone := *j
	return &clone
}
