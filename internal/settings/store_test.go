package settings_test

import (
	"path/filepath"
	"testing"

	"github.com/vladislavdragonenkov/kds/internal/settings"
)

func TestFileStore_SetGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store, err := settings.NewFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := store.Set(settings.KeyActorName, "chef-petrov"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	value, ok, err := store.Get(settings.KeyActorName)
	if err != nil || !ok || value != "chef-petrov" {
		t.Fatalf("get returned %q ok=%v err=%v", value, ok, err)
	}

	if err := store.Delete(settings.KeyActorName); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get(settings.KeyActorName); ok {
		t.Fatal("deleted key still present")
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	store, err := settings.NewFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Set("station", "grill"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	reopened, err := settings.NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	value, ok, err := reopened.Get("station")
	if err != nil || !ok || value != "grill" {
		t.Fatalf("value lost across reopen: %q ok=%v err=%v", value, ok, err)
	}
}

func TestFileStore_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "settings.json")

	store, err := settings.NewFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Set("key", "value"); err != nil {
		t.Fatalf("set with missing parent dir failed: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := settings.NewMemoryStore()

	if _, ok, _ := store.Get("missing"); ok {
		t.Fatal("empty store should have no keys")
	}
	if err := store.Set("key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, _ := store.Get("key")
	if !ok || value != "value" {
		t.Fatalf("get returned %q ok=%v", value, ok)
	}
}

func TestTerminalID_StableAcrossCalls(t *testing.T) {
	store := settings.NewMemoryStore()

	first, err := settings.TerminalID(store)
	if err != nil {
		t.Fatalf("terminal id failed: %v", err)
	}
	if first == "" {
		t.Fatal("terminal id must not be empty")
	}

	second, err := settings.TerminalID(store)
	if err != nil {
		t.Fatalf("terminal id failed: %v", err)
	}
	if first != second {
		t.Fatalf("terminal id not stable: %s vs %s", first, second)
	}
}

func TestTerminalID_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	store, err := settings.NewFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	first, err := settings.TerminalID(store)
	if err != nil {
		t.Fatalf("terminal id failed: %v", err)
	}

	reopened, err := settings.NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	second, err := settings.TerminalID(reopened)
	if err != nil {
		t.Fatalf("terminal id failed: %v", err)
	}
	if first != second {
		t.Fatalf("terminal identity lost across restart: %s vs %s", first, second)
	}
}
