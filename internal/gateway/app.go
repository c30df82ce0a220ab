package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lyq-lin/claw0/internal/agent"
	"github.com/lyq-lin/claw0/internal/backend"
	"github.com/lyq-lin/claw0/internal/channels"
	"github.com/lyq-lin/claw0/internal/config"
	"github.com/lyq-lin/claw0/internal/memory"
	"github.com/lyq-lin/claw0/internal/observability"
	"github.com/lyq-lin/claw0/internal/queue"
	"github.com/lyq-lin/claw0/internal/routing"
	"github.com/lyq-lin/claw0/internal/scheduler"
	"github.com/lyq-lin/claw0/internal/sessions"
	"github.com/lyq-lin/claw0/internal/soul"
	"github.com/lyq-lin/claw0/internal/tools"
	"github.com/lyq-lin/claw0/internal/worker"
	"github.com/lyq-lin/claw0/internal/workspace"
	"github.com/lyq-lin/claw0/pkg/models"
)

// inboundPollInterval is how often the inbound pump drains the channels.
const inboundPollInterval = 500 * time.Millisecond

// App assembles the whole gateway from configuration: workspace, stores,
// backend client, tool registry, agent loop, channels, delivery worker,
// scheduler and the control server. Start launches the long-running
// activities; Stop drains them in reverse order.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	layout    workspace.Layout
	queue     *queue.Queue
	router    *routing.Router
	scheduler *scheduler.Scheduler
	sessions  *sessions.Store
	memory    *memory.Store
	souls     *soul.Store
	backend   *backend.Client
	tools     *tools.Registry
	loop      *agent.Loop
	channels  *channels.Registry
	worker    *worker.Worker
	server    *Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	pumpWG  sync.WaitGroup
}

// AppConfig configures an App.
type AppConfig struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewApp builds every component and wires them together. The workspace
// is bootstrapped as a side effect.
func NewApp(cfg AppConfig) (*App, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	a := &App{cfg: cfg.Config, logger: logger, metrics: metrics}

	agents := make([]string, 0, len(cfg.Config.Agents))
	for name := range cfg.Config.Agents {
		agents = append(agents, name)
	}
	sort.Strings(agents)

	layout, err := workspace.Ensure(cfg.Config.Workspace, agents)
	if err != nil {
		return nil, fmt.Errorf("bootstrap workspace: %w", err)
	}
	a.layout = layout

	a.queue, err = queue.Open(layout.QueueDB(),
		queue.WithLogger(logger.With("component", "queue")),
		queue.WithMaxAttempts(cfg.Config.Queue.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	a.router, err = routing.NewRouter(layout.BindingsFile(), cfg.Config.DefaultAgent,
		routing.WithLogger(logger.With("component", "router")))
	if err != nil {
		return nil, fmt.Errorf("open router: %w", err)
	}

	a.scheduler, err = scheduler.NewScheduler(layout.JobsFile(),
		scheduler.WithLogger(logger.With("component", "scheduler")),
		scheduler.WithTickInterval(cfg.Config.Scheduler.TickInterval),
		scheduler.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("open scheduler: %w", err)
	}

	a.sessions, err = sessions.NewStore(layout.SessionsDir(),
		sessions.WithLogger(logger.With("component", "sessions")))
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	a.memory, err = memory.NewStore(layout.MemoryFile(),
		memory.WithLogger(logger.With("component", "memory")))
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}

	a.souls = soul.NewStore(layout.SoulsDir(),
		soul.WithLogger(logger.With("component", "souls")))

	a.backend, err = backend.New(backend.Config{
		APIKey:    cfg.Config.LLM.APIKey,
		BaseURL:   cfg.Config.LLM.BaseURL,
		Model:     cfg.Config.LLM.Model,
		MaxTokens: cfg.Config.LLM.MaxTokens,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	a.tools = tools.NewRegistry(tools.WithLogger(logger.With("component", "tools")))
	a.tools.Register(tools.NewReadFileTool(layout.Root))
	a.tools.Register(tools.NewWriteFileTool(layout.Root))
	a.tools.Register(tools.NewListFilesTool(layout.Root))
	a.tools.Register(tools.NewExecTool(layout.Root))
	a.tools.Register(tools.NewSendMessageTool(a.queue))

	a.loop = agent.NewLoop(a.backend, a.tools, a.sessions, a.memory,
		agent.WithLogger(logger.With("component", "agent")),
		agent.WithMetrics(metrics))

	a.channels = channels.NewRegistry()
	if err := a.registerChannels(); err != nil {
		return nil, err
	}

	a.worker = worker.NewWorker(a.queue, a.channels,
		worker.WithLogger(logger.With("component", "worker")),
		worker.WithPollInterval(cfg.Config.Queue.PollInterval),
		worker.WithMetrics(metrics))

	a.scheduler.SetAgentRunner(scheduler.AgentRunnerFunc(a.runScheduledPrompt))

	dispatcher := NewDispatcher(WithLogger(logger.With("component", "gateway")))
	methods := &Methods{
		Queue:     a.queue,
		Router:    a.router,
		Scheduler: a.scheduler,
		Sessions:  a.sessions,
		Souls:     a.souls,
		Memory:    a.memory,
	}
	if err := methods.RegisterAll(dispatcher); err != nil {
		return nil, fmt.Errorf("register gateway methods: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Gateway.Host, cfg.Config.Gateway.Port)
	a.server = NewServer(addr, dispatcher, WithServerLogger(logger.With("component", "gateway")))

	return a, nil
}

func (a *App) registerChannels() error {
	cfg := a.cfg.Channels
	if cfg.File.Enabled {
		a.channels.Register(channels.NewFileChannel(a.layout.ChannelsDir(),
			channels.WithFileLogger(a.logger.With("channel", "file"))))
	}
	if cfg.Telegram.Enabled {
		ch, err := channels.NewTelegramChannel(cfg.Telegram.BotToken, a.logger.With("channel", "telegram"))
		if err != nil {
			return fmt.Errorf("telegram channel: %w", err)
		}
		a.channels.Register(ch)
	}
	if cfg.Discord.Enabled {
		ch, err := channels.NewDiscordChannel(cfg.Discord.BotToken, a.logger.With("channel", "discord"))
		if err != nil {
			return fmt.Errorf("discord channel: %w", err)
		}
		a.channels.Register(ch)
	}
	return nil
}

// RegisterChannel adds a channel after construction, before Start. The
// console front-end uses this to mount its in-process channel.
func (a *App) RegisterChannel(ch channels.Channel) {
	a.channels.Register(ch)
}

// Loop returns the agent loop, for one-shot runs.
func (a *App) Loop() *agent.Loop { return a.loop }

// Souls returns the soul store.
func (a *App) Souls() *soul.Store { return a.souls }

// Router returns the binding router.
func (a *App) Router() *routing.Router { return a.router }

// Queue returns the delivery queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Sessions returns the session store.
func (a *App) Sessions() *sessions.Store { return a.sessions }

// Scheduler returns the job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Workspace returns the resolved workspace layout.
func (a *App) Workspace() workspace.Layout { return a.layout }

// GatewayAddr reports the control server's bound address once started.
func (a *App) GatewayAddr() string { return a.server.Addr() }

// Close releases held resources when Start was never called. One-shot
// commands construct an App for its wiring and tear it down with this.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app is running, use Stop")
	}
	return a.queue.Close()
}

// Start launches the channels, delivery worker, scheduler, control
// server and the inbound pump.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.channels.StartAll(ctx); err != nil {
		cancel()
		return err
	}
	if err := a.worker.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := a.server.Start(); err != nil {
		cancel()
		_ = a.worker.Stop(context.Background())
		_ = a.scheduler.Stop(context.Background())
		_ = a.channels.StopAll(context.Background())
		return err
	}

	a.pumpWG.Add(1)
	go a.pump(ctx)

	a.started = true
	a.logger.Info("claw0 started",
		"workspace", a.layout.Root,
		"gateway", a.server.Addr(),
		"channels", len(a.channels.All()))
	return nil
}

// Stop drains everything in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.pumpWG.Wait()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(a.server.Shutdown(ctx))
	record(a.scheduler.Stop(ctx))
	record(a.worker.Stop(ctx))
	record(a.channels.StopAll(ctx))
	record(a.queue.Close())

	a.logger.Info("claw0 stopped")
	return firstErr
}

// pump drains inbound messages from every channel and runs a turn for
// each. One misbehaving channel must not starve the others, so errors
// are logged and the next channel is tried.
func (a *App) pump(ctx context.Context) {
	defer a.pumpWG.Done()

	ticker := time.NewTicker(inboundPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ch := range a.channels.All() {
				a.drainChannel(ctx, ch)
			}
		}
	}
}

func (a *App) drainChannel(ctx context.Context, ch channels.Channel) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := ch.Receive(ctx)
		if err != nil {
			a.logger.Warn("channel receive failed", "channel", ch.ID(), "error", err)
			return
		}
		if msg == nil {
			return
		}
		a.handleInbound(ctx, msg)
	}
}

// handleInbound runs one full turn for an inbound message: resolve the
// agent, run the loop, enqueue the reply. A failed turn is logged and
// produces no reply; the transcript stays untouched.
func (a *App) handleInbound(ctx context.Context, msg *models.InboundMessage) {
	a.metrics.MessageReceived(msg.Channel)

	res := a.router.Resolve(msg.Channel, msg.Sender)
	persona, err := a.souls.Load(res.AgentID)
	if err != nil {
		a.logger.Error("load soul", "agent", res.AgentID, "error", err)
		return
	}

	reply, err := a.loop.Run(ctx, msg.Text, res.SessionKey, persona)
	if err != nil {
		a.logger.Error("agent turn failed",
			"session", res.SessionKey,
			"channel", msg.Channel,
			"sender", msg.Sender,
			"error", err)
		return
	}
	if reply == "" {
		return
	}

	if _, err := a.queue.Enqueue(ctx, msg.Channel, msg.Sender, reply, &queue.EnqueueOptions{
		SessionKey: res.SessionKey,
		ThreadID:   msg.ThreadID,
	}); err != nil {
		a.logger.Error("enqueue reply", "session", res.SessionKey, "error", err)
	}
}

// runScheduledPrompt executes one scheduled job through the agent loop
// and forwards the output to the agent's first enabled binding with a
// concrete peer. Output with nowhere to go is only logged.
func (a *App) runScheduledPrompt(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
	persona, err := a.souls.Load(agentID)
	if err != nil {
		return "", fmt.Errorf("load soul: %w", err)
	}
	output, err := a.loop.Run(ctx, prompt, sessionKey, persona)
	if err != nil {
		return "", err
	}
	if output != "" {
		a.deliverJobOutput(ctx, agentID, output)
	}
	return output, nil
}

func (a *App) deliverJobOutput(ctx context.Context, agentID, output string) {
	for _, b := range a.router.ListForAgent(agentID) {
		if !b.Enabled || b.Peer == "" || b.Peer == "*" {
			continue
		}
		if _, err := a.queue.Enqueue(ctx, b.Channel, b.Peer, output, nil); err != nil {
			a.logger.Warn("enqueue job output", "agent", agentID, "channel", b.Channel, "error", err)
		}
		return
	}
	a.logger.Info("job output has no delivery binding", "agent", agentID)
}
