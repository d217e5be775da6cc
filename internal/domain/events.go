package domain

import "time"

// EventType определяет тип события, рассылаемого подписчикам терминала.
type EventType string

const (
	// События версий заказа.
	EventVersionUpdated  EventType = "order.version.updated"
	EventVersionConflict EventType = "order.version.conflict"
	EventVersionResolved EventType = "order.version.resolved"
	// EventUpdateFailed — повторы исчерпаны, локальное изменение откачено.
	EventUpdateFailed EventType = "order.update.failed"

	// События кэша.
	EventOrderMerged  EventType = "order.merged"
	EventOrderEvicted EventType = "order.evicted"

	// События блокировок.
	EventLockAcquired EventType = "order.lock.acquired"
	EventLockReleased EventType = "order.lock.released"
	EventLockConflict EventType = "order.lock.conflict"
	EventLockExpired  EventType = "order.lock.expired"

	// EventConnectionState — смена состояния realtime-соединения.
	EventConnectionState EventType = "connection.state"
)

// ResolutionStrategy задаёт константы стратегий разрешения конфликтов
// для событий, метрик и логов.
type ResolutionStrategy string

const (
	// ResolutionClientWins — локальное изменение статуса авторитетно:
	// повторяем его поверх серверной версии.
	ResolutionClientWins ResolutionStrategy = "client_wins"
	// ResolutionServerWins — отбрасываем локальное изменение, принимаем сервер.
	ResolutionServerWins ResolutionStrategy = "server_wins"
	// ResolutionMerge — серверный заказ плюс локальный статус.
	ResolutionMerge ResolutionStrategy = "merge"
	// ResolutionManual — автоматика не покрывает, решает оператор.
	ResolutionManual ResolutionStrategy = "manual"
)

// Event — одно событие для подписчиков. Поля заполняются по типу события:
// Order — для событий версий и кэша, LockedBy — для блокировок,
// ConnState — для событий соединения.
type Event struct {
	Type      EventType
	OrderID   string
	Order     *VersionedOrder
	Strategy  ResolutionStrategy
	LockedBy  string
	ConnState string
	Reason    string
	At        time.Time
}
