package domain

import (
	"context"
	"time"
)

// UpdateRequest — запрос изменения заказа к внешнему сервису заказов.
// Version — версия, которую терминал считал актуальной ДО оптимистичного
// инкремента: по ней сервер обнаруживает гонку двух терминалов.
type UpdateRequest struct {
	OrderID  string                 `json:"orderId"`
	Version  int64                  `json:"version"`
	Changes  OrderChanges           `json:"changes"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// VersionConflict — детали конфликта версий из ответа сервера.
type VersionConflict struct {
	CurrentVersion     int64          `json:"currentVersion"`
	ExpectedVersion    int64          `json:"expectedVersion"`
	ConflictingChanges []string       `json:"conflictingChanges"`
	ServerOrder        VersionedOrder `json:"serverOrder"`
}

// UpdateResponse — ответ внешнего сервиса заказов на запрос изменения.
type UpdateResponse struct {
	Success bool `json:"success"`
	// Order присутствует при успехе: канонический серверный заказ.
	Order *VersionedOrder `json:"order,omitempty"`
	// Conflict присутствует при конфликте версий.
	Conflict *VersionConflict `json:"conflict,omitempty"`
	// Error — текст временной ошибки (не конфликта).
	Error string `json:"error,omitempty"`
}

// OrderAPI описывает взаимодействие с внешним сервисом заказов.
// Хранение, индексация и аутентификация — его внутреннее дело.
type OrderAPI interface {
	// FetchActiveOrders возвращает активные заказы заведения для первичного
	// наполнения кэша.
	FetchActiveOrders(ctx context.Context, venueID string) ([]VersionedOrder, error)
	// UpdateOrder отправляет изменение; конфликт версий приходит в ответе,
	// а не ошибкой — ошибка означает временный сбой.
	UpdateOrder(ctx context.Context, req UpdateRequest) (UpdateResponse, error)
}

// CancelFunc отменяет запланированный вызов; повторный вызов безопасен.
type CancelFunc func()

// Scheduler абстрагирует таймеры, чтобы повторы и heartbeat можно было
// детерминированно проверять в тестах.
type Scheduler interface {
	// After вызывает fn один раз по истечении d.
	After(d time.Duration, fn func()) CancelFunc
	// Every вызывает fn периодически с интервалом d до отмены.
	Every(d time.Duration, fn func()) CancelFunc
}

// SettingsStore — key-value хранилище локальных настроек терминала
// (идентичность, имя оператора). Переживает перезапуск процесса.
type SettingsStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}
