package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/kds/internal/domain"
)

// Ключи настроек терминала.
const (
	KeyTerminalID = "terminal_id"
	KeyActorName  = "actor_name"
)

// fileStore — key-value хранилище настроек терминала в одном локальном JSON
// файле. Работает без какой-либо инфраструктуры: терминал должен подниматься
// и без сети.
type fileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// NewFileStore открывает (или создаёт) хранилище настроек по пути path.
func NewFileStore(path string) (domain.SettingsStore, error) {
	store := &fileStore{
		path:   path,
		values: make(map[string]string),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *fileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return fmt.Errorf("decode settings file: %w", err)
	}
	return nil
}

// flushLocked сохраняет значения на диск; вызывается под s.mu.
func (s *fileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}

// Get возвращает значение ключа и признак его наличия.
func (s *fileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[key]
	return value, ok, nil
}

// Set сохраняет значение ключа и сбрасывает файл на диск.
func (s *fileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return s.flushLocked()
}

// Delete удаляет ключ.
func (s *fileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return s.flushLocked()
}

var _ domain.SettingsStore = (*fileStore)(nil)

// memoryStore — in-memory реализация для тестов.
type memoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore возвращает чистое in-memory хранилище.
func NewMemoryStore() domain.SettingsStore {
	return &memoryStore{values: make(map[string]string)}
}

func (s *memoryStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *memoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

var _ domain.SettingsStore = (*memoryStore)(nil)

// TerminalID возвращает устойчивую идентичность терминала: существующую из
// хранилища либо новую, сгенерированную и сохранённую. Перезапущенный
// терминал сохраняет идентичность и может снять свои же старые блокировки.
func TerminalID(store domain.SettingsStore) (string, error) {
	id, ok, err := store.Get(KeyTerminalID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := store.Set(KeyTerminalID, id); err != nil {
		return "", err
	}
	return id, nil
}
