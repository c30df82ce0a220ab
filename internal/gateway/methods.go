package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lyq-lin/claw0/internal/memory"
	"github.com/lyq-lin/claw0/internal/queue"
	"github.com/lyq-lin/claw0/internal/routing"
	"github.com/lyq-lin/claw0/internal/scheduler"
	"github.com/lyq-lin/claw0/internal/sessions"
	"github.com/lyq-lin/claw0/internal/soul"
	"github.com/lyq-lin/claw0/pkg/models"
)

const (
	defaultDeadLetterLimit = 50
	defaultMemoryLimit     = 5
)

// Methods bundles the stores behind the gateway method set.
type Methods struct {
	Queue     *queue.Queue
	Router    *routing.Router
	Scheduler *scheduler.Scheduler
	Sessions  *sessions.Store
	Souls     *soul.Store
	Memory    *memory.Store
}

// RegisterAll wires every gateway method into d. Methods taking
// parameters validate them against a schema before touching any store.
func (m *Methods) RegisterAll(d *Dispatcher) error {
	type entry struct {
		name    string
		schema  string
		handler Handler
	}
	entries := []entry{
		{"send_message", sendMessageSchema, m.sendMessage},
		{"queue_message", queueMessageSchema, m.queueMessage},
		{"queue_stats", "", m.queueStats},
		{"list_dead_letters", listDeadLettersSchema, m.listDeadLetters},
		{"retry_dead_letter", idParamSchema, m.retryDeadLetter},
		{"schedule_at", scheduleAtSchema, m.scheduleAt},
		{"schedule_every", scheduleEverySchema, m.scheduleEvery},
		{"schedule_cron", scheduleCronSchema, m.scheduleCron},
		{"list_jobs", "", m.listJobs},
		{"delete_job", idParamSchema, m.deleteJob},
		{"toggle_job", toggleJobSchema, m.toggleJob},
		{"create_binding", createBindingSchema, m.createBinding},
		{"list_bindings", listBindingsSchema, m.listBindings},
		{"delete_binding", idParamSchema, m.deleteBinding},
		{"list_sessions", "", m.listSessions},
		{"create_session", keyParamSchema, m.createSession},
		{"get_history", keyParamSchema, m.getHistory},
		{"get_soul", agentParamSchema, m.getSoul},
		{"update_soul", updateSoulSchema, m.updateSoul},
		{"search_memories", searchMemoriesSchema, m.searchMemories},
	}
	for _, e := range entries {
		if e.schema == "" {
			d.Register(e.name, e.handler)
			continue
		}
		if err := d.RegisterValidated(e.name, e.schema, e.handler); err != nil {
			return err
		}
	}
	return nil
}

const sendMessageSchema = `{
	"type": "object",
	"properties": {
		"channel":   {"type": "string", "description": "Delivery channel id"},
		"recipient": {"type": "string", "description": "Channel-specific recipient"},
		"content":   {"type": "string", "description": "Message text"},
		"thread_id": {"type": "string"}
	},
	"required": ["channel", "recipient", "content"]
}`

func (m *Methods) sendMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Channel   string `json:"channel"`
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
		ThreadID  string `json:"thread_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id, err := m.Queue.Enqueue(ctx, p.Channel, p.Recipient, p.Content, &queue.EnqueueOptions{
		ThreadID: p.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "status": "queued"}, nil
}

const queueMessageSchema = `{
	"type": "object",
	"properties": {
		"channel":      {"type": "string"},
		"recipient":    {"type": "string"},
		"content":      {"type": "string"},
		"thread_id":    {"type": "string"},
		"session_key":  {"type": "string"},
		"scheduled_at": {"type": "string", "description": "RFC3339 delivery time"},
		"priority":     {"type": "integer"}
	},
	"required": ["channel", "recipient", "content"]
}`

func (m *Methods) queueMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Channel     string `json:"channel"`
		Recipient   string `json:"recipient"`
		Content     string `json:"content"`
		ThreadID    string `json:"thread_id"`
		SessionKey  string `json:"session_key"`
		ScheduledAt string `json:"scheduled_at"`
		Priority    int    `json:"priority"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	opts := &queue.EnqueueOptions{
		ThreadID:   p.ThreadID,
		SessionKey: p.SessionKey,
		Priority:   p.Priority,
	}
	if p.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, p.ScheduledAt)
		if err != nil {
			return nil, NewError(CodeInvalidParams, "invalid scheduled_at: %v", err)
		}
		opts.ScheduledAt = &at
	}
	id, err := m.Queue.Enqueue(ctx, p.Channel, p.Recipient, p.Content, opts)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"id": id, "status": "queued"}
	if opts.ScheduledAt != nil {
		result["scheduled_at"] = opts.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return result, nil
}

func (m *Methods) queueStats(ctx context.Context, _ json.RawMessage) (any, error) {
	return m.Queue.GetStats(ctx)
}

const listDeadLettersSchema = `{
	"type": "object",
	"properties": {
		"limit": {"type": "integer", "minimum": 1}
	}
}`

func (m *Methods) listDeadLetters(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = defaultDeadLetterLimit
	}
	return m.Queue.GetDeadLetters(ctx, p.Limit)
}

const idParamSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 1}
	},
	"required": ["id"]
}`

func (m *Methods) retryDeadLetter(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := m.Queue.RetryDeadLetter(ctx, p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"id": p.ID, "status": "pending"}, nil
}

const scheduleAtSchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string"},
		"name":     {"type": "string"},
		"prompt":   {"type": "string", "minLength": 1},
		"at":       {"type": "string", "description": "RFC3339 run time"}
	},
	"required": ["prompt", "at"]
}`

func (m *Methods) scheduleAt(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
		Name    string `json:"name"`
		Prompt  string `json:"prompt"`
		At      string `json:"at"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	at, err := time.Parse(time.RFC3339, p.At)
	if err != nil {
		return nil, NewError(CodeInvalidParams, "invalid at: %v", err)
	}
	return m.Scheduler.CreateAt(m.agentOrDefault(p.AgentID), p.Name, p.Prompt, at)
}

const scheduleEverySchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string"},
		"name":     {"type": "string"},
		"prompt":   {"type": "string", "minLength": 1},
		"interval": {"type": "string", "description": "Go duration, e.g. 30s, 5m"},
		"max_runs": {"type": "integer", "minimum": 1}
	},
	"required": ["prompt", "interval"]
}`

func (m *Methods) scheduleEvery(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		AgentID  string `json:"agent_id"`
		Name     string `json:"name"`
		Prompt   string `json:"prompt"`
		Interval string `json:"interval"`
		MaxRuns  int    `json:"max_runs"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return m.Scheduler.CreateEvery(m.agentOrDefault(p.AgentID), p.Name, p.Prompt, p.Interval, p.MaxRuns)
}

const scheduleCronSchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string"},
		"name":     {"type": "string"},
		"prompt":   {"type": "string", "minLength": 1},
		"cron":     {"type": "string", "description": "5-field cron expression"},
		"max_runs": {"type": "integer", "minimum": 1}
	},
	"required": ["prompt", "cron"]
}`

func (m *Methods) scheduleCron(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
		Name    string `json:"name"`
		Prompt  string `json:"prompt"`
		Cron    string `json:"cron"`
		MaxRuns int    `json:"max_runs"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return m.Scheduler.CreateCron(m.agentOrDefault(p.AgentID), p.Name, p.Prompt, p.Cron, p.MaxRuns)
}

func (m *Methods) listJobs(context.Context, json.RawMessage) (any, error) {
	return m.Scheduler.GetAll(), nil
}

func (m *Methods) deleteJob(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := m.Scheduler.Delete(p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"id": p.ID, "deleted": true}, nil
}

const toggleJobSchema = `{
	"type": "object",
	"properties": {
		"id":      {"type": "string", "minLength": 1},
		"enabled": {"type": "boolean"}
	},
	"required": ["id", "enabled"]
}`

func (m *Methods) toggleJob(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := m.Scheduler.SetEnabled(p.ID, p.Enabled); err != nil {
		return nil, err
	}
	return m.Scheduler.Get(p.ID)
}

const createBindingSchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"channel":  {"type": "string", "minLength": 1},
		"peer":     {"type": "string", "description": "Peer id, or * for any"},
		"priority": {"type": "integer"}
	},
	"required": ["agent_id", "channel"]
}`

func (m *Methods) createBinding(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		AgentID  string `json:"agent_id"`
		Channel  string `json:"channel"`
		Peer     string `json:"peer"`
		Priority int    `json:"priority"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return m.Router.CreateBinding(p.AgentID, p.Channel, p.Peer, p.Priority)
}

const listBindingsSchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string"}
	}
}`

func (m *Methods) listBindings(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.AgentID != "" {
		return m.Router.ListForAgent(p.AgentID), nil
	}
	return m.Router.List(), nil
}

func (m *Methods) deleteBinding(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := m.Router.RemoveBinding(p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"id": p.ID, "deleted": true}, nil
}

func (m *Methods) listSessions(context.Context, json.RawMessage) (any, error) {
	return m.Sessions.List(), nil
}

const keyParamSchema = `{
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1}
	},
	"required": ["key"]
}`

func (m *Methods) createSession(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return m.Sessions.Create(p.Key)
}

func (m *Methods) getHistory(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	sess, history, err := m.Sessions.Load(p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess, "messages": history}, nil
}

const agentParamSchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string", "minLength": 1}
	},
	"required": ["agent_id"]
}`

func (m *Methods) getSoul(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return m.Souls.Load(p.AgentID)
}

const updateSoulSchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"soul": {
			"type": "object",
			"properties": {
				"name":        {"type": "string"},
				"description": {"type": "string"},
				"personality": {"type": "string"},
				"goals":       {"type": "array", "items": {"type": "string"}},
				"rules":       {"type": "array", "items": {"type": "string"}},
				"preferences": {"type": "object", "additionalProperties": {"type": "string"}}
			}
		}
	},
	"required": ["agent_id", "soul"]
}`

func (m *Methods) updateSoul(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		AgentID string     `json:"agent_id"`
		Soul    *soul.Soul `json:"soul"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Soul == nil {
		return nil, NewError(CodeInvalidParams, "soul document is required")
	}
	if err := m.Souls.Save(p.AgentID, p.Soul); err != nil {
		return nil, err
	}
	return m.Souls.Load(p.AgentID)
}

const searchMemoriesSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"limit": {"type": "integer", "minimum": 1}
	},
	"required": ["query"]
}`

func (m *Methods) searchMemories(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = defaultMemoryLimit
	}
	results := m.Memory.Retrieve(p.Query, p.Limit)
	if results == nil {
		results = []models.ScoredMemory{}
	}
	return map[string]any{"query": p.Query, "results": results}, nil
}

func (m *Methods) agentOrDefault(agentID string) string {
	if agentID != "" {
		return agentID
	}
	if m.Router != nil {
		return m.Router.DefaultAgent()
	}
	return "main"
}
