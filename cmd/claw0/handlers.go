package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lyq-lin/claw0/internal/channels"
	"github.com/lyq-lin/claw0/internal/config"
	"github.com/lyq-lin/claw0/internal/gateway"
	"github.com/lyq-lin/claw0/internal/memory"
	"github.com/lyq-lin/claw0/internal/observability"
	"github.com/lyq-lin/claw0/internal/queue"
	"github.com/lyq-lin/claw0/internal/routing"
	"github.com/lyq-lin/claw0/internal/scheduler"
	"github.com/lyq-lin/claw0/internal/sessions"
	"github.com/lyq-lin/claw0/internal/workspace"
	"github.com/lyq-lin/claw0/pkg/models"
)

// shutdownTimeout bounds the drain on SIGINT/SIGTERM.
const shutdownTimeout = 15 * time.Second

// runServe assembles the gateway app and runs it until interrupted.
func runServe(ctx context.Context, configPath string, console, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: "json"})
	slog.SetDefault(logger)

	app, err := gateway.NewApp(gateway.AppConfig{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if console {
		cli := channels.NewCLIChannel(os.Stdout)
		app.RegisterChannel(cli)
		go runConsole(cli, cancel)
	}

	source := configPath
	if source == "" {
		source = "(built-in defaults)"
	}
	logger.Info("starting claw0", "version", version, "config", source)

	if err := app.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return app.Stop(shutdownCtx)
}

// runConsole pumps stdin lines into the in-process console channel.
// Replies come back through the delivery worker onto stdout. EOF closes
// the console but leaves the gateway running; /quit stops the process.
func runConsole(cli *channels.CLIChannel, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			cancel()
			return
		}
		cli.Push("operator", line)
	}
}

// runAgent executes one turn against the configured backend and prints
// the reply. The turn shares the gateway's stores, so the conversation
// persists across invocations.
func runAgent(ctx context.Context, out io.Writer, configPath, agentID, sessionKey, message string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel, Format: "text"})
	slog.SetDefault(logger)

	app, err := gateway.NewApp(gateway.AppConfig{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if agentID == "" {
		agentID = cfg.DefaultAgent
	}
	if sessionKey == "" {
		sessionKey = models.SessionKey(agentID, "cli", "local")
	}

	persona, err := app.Souls().Load(agentID)
	if err != nil {
		return fmt.Errorf("load soul: %w", err)
	}

	reply, err := app.Loop().Run(ctx, message, sessionKey, persona)
	if err != nil {
		return fmt.Errorf("agent turn: %w", err)
	}
	fmt.Fprintln(out, reply)
	return nil
}

// runStatus prints a workspace overview without requiring a backend key.
func runStatus(ctx context.Context, out io.Writer, configPath string, jsonOutput bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	layout := workspace.Resolve(cfg.Workspace)

	if _, err := os.Stat(layout.Root); err != nil {
		fmt.Fprintf(out, "Workspace %s is not initialized; run claw0 serve once to create it.\n", layout.Root)
		return nil
	}

	q, err := queue.Open(layout.QueueDB())
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()
	stats, err := q.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	sess, err := sessions.NewStore(layout.SessionsDir())
	if err != nil {
		return fmt.Errorf("open sessions: %w", err)
	}
	mem, err := memory.NewStore(layout.MemoryFile())
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	router, err := routing.NewRouter(layout.BindingsFile(), cfg.DefaultAgent)
	if err != nil {
		return fmt.Errorf("open bindings: %w", err)
	}
	sched, err := scheduler.NewScheduler(layout.JobsFile())
	if err != nil {
		return fmt.Errorf("open jobs: %w", err)
	}

	jobs := sched.GetAll()
	enabledJobs := 0
	for _, j := range jobs {
		if j.Enabled {
			enabledJobs++
		}
	}

	if jsonOutput {
		payload := struct {
			Version   string             `json:"version"`
			Commit    string             `json:"commit"`
			Built     string             `json:"built"`
			Workspace string             `json:"workspace"`
			Gateway   string             `json:"gateway"`
			Queue     *models.QueueStats `json:"queue"`
			Sessions  int                `json:"sessions"`
			Memories  int                `json:"memories"`
			Bindings  int                `json:"bindings"`
			Jobs      int                `json:"jobs"`
		}{
			Version:   version,
			Commit:    commit,
			Built:     date,
			Workspace: layout.Root,
			Gateway:   fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
			Queue:     stats,
			Sessions:  len(sess.List()),
			Memories:  mem.Count(),
			Bindings:  len(router.List()),
			Jobs:      len(jobs),
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	fmt.Fprintln(out, "CLAW0 STATUS")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Version: %s (commit: %s)\n", version, commit)
	fmt.Fprintf(out, "Workspace: %s\n", layout.Root)
	fmt.Fprintf(out, "Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Queue")
	fmt.Fprintf(out, "   Pending: %d | Processing: %d | Delivered: %d\n", stats.Pending, stats.Processing, stats.Delivered)
	fmt.Fprintf(out, "   Failed: %d | Dead-letter: %d\n", stats.Failed, stats.DeadLetter)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Agent state")
	fmt.Fprintf(out, "   Sessions: %d\n", len(sess.List()))
	fmt.Fprintf(out, "   Memories: %d\n", mem.Count())
	fmt.Fprintf(out, "   Bindings: %d\n", len(router.List()))
	fmt.Fprintf(out, "   Jobs: %d (%d enabled)\n", len(jobs), enabledJobs)
	return nil
}

// runConfigSchema prints the JSON schema for the configuration file.
func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(schema))
	return nil
}

// runConfigValidate loads a config file and reports the effective settings.
func runConfigValidate(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	source := path
	if source == "" {
		source = "(built-in defaults)"
	}

	var active []string
	if cfg.Channels.File.Enabled {
		active = append(active, "file")
	}
	if cfg.Channels.Telegram.Enabled {
		active = append(active, "telegram")
	}
	if cfg.Channels.Discord.Enabled {
		active = append(active, "discord")
	}
	chans := "none"
	if len(active) > 0 {
		chans = strings.Join(active, ", ")
	}

	fmt.Fprintf(out, "Config OK: %s\n", source)
	fmt.Fprintf(out, "   Workspace: %s\n", cfg.Workspace)
	fmt.Fprintf(out, "   Default agent: %s (%d configured)\n", cfg.DefaultAgent, len(cfg.Agents))
	fmt.Fprintf(out, "   Model: %s\n", cfg.LLM.Model)
	fmt.Fprintf(out, "   Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintf(out, "   Channels: %s\n", chans)
	return nil
}
