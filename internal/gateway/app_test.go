package gateway

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lyq-lin/claw0/internal/config"
	"github.com/lyq-lin/claw0/internal/observability"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Workspace:    filepath.Join(t.TempDir(), "workspace"),
		DefaultAgent: "main",
		Agents:       map[string]config.AgentConfig{"main": {}},
		LLM:          config.LLMConfig{APIKey: "test-key"},
		Gateway:      config.GatewayConfig{Host: "127.0.0.1", Port: 0},
		Channels:     config.ChannelsConfig{File: config.FileChannelConfig{Enabled: true}},
	}
	app, err := NewApp(AppConfig{
		Config:  cfg,
		Metrics: observability.NewMetricsOn(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func TestNewApp_BootstrapsWorkspace(t *testing.T) {
	app := newTestApp(t)

	for _, rel := range []string{
		".sessions", ".routing", ".scheduler", ".queue", ".memory", ".souls", ".channels",
	} {
		if _, err := os.Stat(filepath.Join(app.layout.Root, rel)); err != nil {
			t.Fatalf("missing workspace dir %s: %v", rel, err)
		}
	}
	if _, err := os.Stat(app.souls.Path("main")); err != nil {
		t.Fatalf("default soul not seeded: %v", err)
	}
	if got := len(app.channels.All()); got != 1 {
		t.Fatalf("channels = %d, want 1 (file)", got)
	}
}

func TestApp_StartStop(t *testing.T) {
	app := newTestApp(t)

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := app.GatewayAddr()
	if addr == "" {
		t.Fatal("gateway address empty after start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestApp_DeliverJobOutput(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	// Wildcard bindings are for routing inbound traffic; job output needs
	// a concrete peer to address.
	if _, err := app.router.CreateBinding("main", "file", "*", 0); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	app.deliverJobOutput(ctx, "main", "nothing to address")
	stats, err := app.queue.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("wildcard binding received job output: %+v", stats)
	}

	if _, err := app.router.CreateBinding("main", "file", "operator", 10); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	app.deliverJobOutput(ctx, "main", "digest ready")
	stats, err = app.queue.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("pending = %d, want 1", stats.Pending)
	}
}
