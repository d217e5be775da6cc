package app_test

import (
	"testing"
	"time"

	"github.com/vladislavdragonenkov/kds/internal/app"
	"github.com/vladislavdragonenkov/kds/internal/client"
	"github.com/vladislavdragonenkov/kds/internal/scheduler"
	"github.com/vladislavdragonenkov/kds/internal/settings"
)

func newTerminal(t *testing.T, cfg app.Config) *app.Terminal {
	t.Helper()
	terminal, err := app.NewTerminal(cfg, settings.NewMemoryStore(), client.NewMockOrderAPI(), scheduler.NewManual(time.Now()), nil, nil)
	if err != nil {
		t.Fatalf("build terminal: %v", err)
	}
	t.Cleanup(func() {
		terminal.Engine.Close()
		terminal.Locks.Stop()
	})
	return terminal
}

func TestDefaultConfig(t *testing.T) {
	cfg := app.DefaultConfig()

	if cfg.EventStreamURL == "" || cfg.OrderAPIURL == "" {
		t.Fatal("default endpoints must be set")
	}
	if cfg.MetricsAddr == "" || cfg.SettingsPath == "" {
		t.Fatal("default metrics addr and settings path must be set")
	}
}

func TestNewTerminal_WiresComponents(t *testing.T) {
	terminal := newTerminal(t, app.Config{VenueID: "venue-1"})

	if terminal.Cache == nil || terminal.Engine == nil || terminal.Locks == nil {
		t.Fatal("core components not built")
	}
	if terminal.Transport == nil || terminal.Bus == nil {
		t.Fatal("transport and bus not built")
	}
	if terminal.TerminalID == "" {
		t.Fatal("terminal identity not assigned")
	}
}

func TestNewTerminal_ActorDefaultsToTerminalID(t *testing.T) {
	terminal := newTerminal(t, app.Config{VenueID: "venue-1"})

	if terminal.Actor != terminal.TerminalID {
		t.Fatalf("without a configured name the actor should be the terminal id, got %s", terminal.Actor)
	}
}

func TestNewTerminal_ActorNamePersisted(t *testing.T) {
	store := settings.NewMemoryStore()
	cfg := app.Config{VenueID: "venue-1", ActorName: "chef-petrov"}

	terminal, err := app.NewTerminal(cfg, store, client.NewMockOrderAPI(), scheduler.NewManual(time.Now()), nil, nil)
	if err != nil {
		t.Fatalf("build terminal: %v", err)
	}
	defer terminal.Engine.Close()

	if terminal.Actor != "chef-petrov" {
		t.Fatalf("configured actor lost: %s", terminal.Actor)
	}

	// Имя переживает перезапуск без переменной окружения.
	again, err := app.NewTerminal(app.Config{VenueID: "venue-1"}, store, client.NewMockOrderAPI(), scheduler.NewManual(time.Now()), nil, nil)
	if err != nil {
		t.Fatalf("rebuild terminal: %v", err)
	}
	defer again.Engine.Close()

	if again.Actor != "chef-petrov" {
		t.Fatalf("actor name not persisted: %s", again.Actor)
	}
	if again.TerminalID != terminal.TerminalID {
		t.Fatal("terminal identity not persisted")
	}
}
