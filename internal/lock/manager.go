package lock

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kds/internal/domain"
	"github.com/vladislavdragonenkov/kds/internal/metrics"
)

const (
	defaultLockTTL           = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	// defaultActivityWindow ограничивает, как долго простаивающий терминал
	// может удерживать заказ, который открыл и бросил.
	defaultActivityWindow = 2 * time.Minute
)

// ConflictCallback вызывается при отказе в блокировке и сообщает, кто держит заказ.
type ConflictCallback func(orderID, lockedBy string)

// Publisher рассылает события блокировок подписчикам.
type Publisher interface {
	Publish(event domain.Event)
}

// Options задаёт параметры менеджера блокировок.
type Options struct {
	Logger            *log.Entry
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	ActivityWindow    time.Duration
	OnConflict        ConflictCallback
	Events            Publisher
	Metrics           *metrics.SyncMetrics
	Now               func() time.Time
}

// Option настраивает Manager.
type Option func(*Options)

// WithLogger задаёт logger для менеджера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithLockTTL задаёт срок жизни блокировки.
func WithLockTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.LockTTL = ttl
	}
}

// WithHeartbeatInterval задаёт интервал продления блокировок.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.HeartbeatInterval = interval
	}
}

// WithActivityWindow задаёт окно давности активности, в пределах которого
// heartbeat ещё продлевает блокировку.
func WithActivityWindow(window time.Duration) Option {
	return func(opts *Options) {
		opts.ActivityWindow = window
	}
}

// WithConflictCallback задаёт обработчик отказов в блокировке.
func WithConflictCallback(cb ConflictCallback) Option {
	return func(opts *Options) {
		opts.OnConflict = cb
	}
}

// WithPublisher задаёт шину событий блокировок.
func WithPublisher(events Publisher) Option {
	return func(opts *Options) {
		opts.Events = events
	}
}

// WithMetrics задаёт метрики блокировок.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Manager — клиентская таблица рекомендательных блокировок заказов одного
// терминала. Блокировки кооперативные: их соблюдают только корректные
// терминалы, сервер их не знает. Таблица приватна для процесса.
type Manager struct {
	actor string
	sched domain.Scheduler

	mu       sync.Mutex
	locks    map[string]domain.OrderLock
	activity map[string]time.Time

	ttl            time.Duration
	hbInterval     time.Duration
	activityWindow time.Duration
	onConflict     ConflictCallback
	events         Publisher
	metrics        *metrics.SyncMetrics
	now            func() time.Time
	logger         *log.Entry

	stopHeartbeat domain.CancelFunc
}

// NewManager создаёт менеджер блокировок для терминала actor.
func NewManager(actor string, sched domain.Scheduler, options ...Option) *Manager {
	opts := Options{
		LockTTL:           defaultLockTTL,
		HeartbeatInterval: defaultHeartbeatInterval,
		ActivityWindow:    defaultActivityWindow,
		Now:               time.Now,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "lock-manager")
	}

	return &Manager{
		actor:          actor,
		sched:          sched,
		locks:          make(map[string]domain.OrderLock),
		activity:       make(map[string]time.Time),
		ttl:            opts.LockTTL,
		hbInterval:     opts.HeartbeatInterval,
		activityWindow: opts.ActivityWindow,
		onConflict:     opts.OnConflict,
		events:         opts.Events,
		metrics:        opts.Metrics,
		now:            opts.Now,
		logger:         opts.Logger,
	}
}

// Start запускает периодическое продление блокировок.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopHeartbeat != nil {
		return
	}
	m.stopHeartbeat = m.sched.Every(m.hbInterval, m.Heartbeat)
	m.logger.WithField("interval", m.hbInterval).Info("lock heartbeat started")
}

// Stop останавливает heartbeat и снимает все блокировки терминала.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop := m.stopHeartbeat
	m.stopHeartbeat = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	m.ReleaseAll()
}

// LockOrder пытается взять блокировку на заказ. Возвращает false, если
// непросроченную блокировку держит другой терминал; повторный вызов владельца
// продлевает блокировку. Отказ никогда не бросает ошибку — только колбэк.
func (m *Manager) LockOrder(orderID string) bool {
	m.mu.Lock()
	now := m.now()

	if existing, ok := m.locks[orderID]; ok && !existing.Expired(now) && existing.LockedBy != m.actor {
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.RecordLockContention()
		}
		m.logger.WithFields(log.Fields{
			"order_id":  orderID,
			"locked_by": existing.LockedBy,
		}).Warn("lock refused, order is held by another terminal")

		if m.onConflict != nil {
			m.onConflict(orderID, existing.LockedBy)
		}
		m.publish(domain.Event{
			Type:     domain.EventLockConflict,
			OrderID:  orderID,
			LockedBy: existing.LockedBy,
			At:       now,
		})
		return false
	}

	lockedAt := now
	if existing, ok := m.locks[orderID]; ok && existing.LockedBy == m.actor && !existing.Expired(now) {
		lockedAt = existing.LockedAt
	}
	m.locks[orderID] = domain.OrderLock{
		OrderID:   orderID,
		LockedBy:  m.actor,
		LockedAt:  lockedAt,
		ExpiresAt: now.Add(m.ttl),
	}
	m.activity[orderID] = now
	m.updateGauge()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordLockAcquired()
	}
	m.publish(domain.Event{
		Type:     domain.EventLockAcquired,
		OrderID:  orderID,
		LockedBy: m.actor,
		At:       now,
	})
	return true
}

// UnlockOrder снимает блокировку, если её держит текущий терминал; иначе no-op.
func (m *Manager) UnlockOrder(orderID string) {
	m.mu.Lock()
	existing, ok := m.locks[orderID]
	if !ok || existing.LockedBy != m.actor {
		m.mu.Unlock()
		return
	}
	delete(m.locks, orderID)
	delete(m.activity, orderID)
	m.updateGauge()
	m.mu.Unlock()

	m.publish(domain.Event{
		Type:     domain.EventLockReleased,
		OrderID:  orderID,
		LockedBy: m.actor,
		At:       m.now(),
	})
}

// IsOrderLocked сообщает, держит ли кто-то действующую блокировку заказа.
// Просроченная блокировка лениво выметается прямо при чтении, поэтому гонки
// «проверил-использовал» разрешаются в сторону доступности, а не вечной
// занятости.
func (m *Manager) IsOrderLocked(orderID string) bool {
	m.mu.Lock()
	existing, ok := m.locks[orderID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if existing.Expired(m.now()) {
		delete(m.locks, orderID)
		delete(m.activity, orderID)
		m.updateGauge()
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.RecordLockExpired()
		}
		m.publish(domain.Event{
			Type:     domain.EventLockExpired,
			OrderID:  orderID,
			LockedBy: existing.LockedBy,
			At:       m.now(),
		})
		return false
	}
	m.mu.Unlock()
	return true
}

// LockOwner возвращает владельца действующей блокировки заказа.
func (m *Manager) LockOwner(orderID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[orderID]
	if !ok || existing.Expired(m.now()) {
		return "", false
	}
	return existing.LockedBy, true
}

// RecordActivity отмечает работу оператора с заказом; heartbeat продлевает
// только блокировки с недавней активностью.
func (m *Manager) RecordActivity(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[orderID]; ok && existing.LockedBy == m.actor {
		m.activity[orderID] = m.now()
	}
}

// ExternalLock регистрирует блокировку, о которой сообщил другой терминал
// (пришедшую с транспорта), чтобы локальные проверки её видели.
func (m *Manager) ExternalLock(lock domain.OrderLock) {
	if lock.LockedBy == m.actor {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[lock.OrderID]; ok && existing.LockedBy == m.actor && !existing.Expired(m.now()) {
		// Свою действующую блокировку чужой записью не перетираем.
		return
	}
	m.locks[lock.OrderID] = lock
	m.updateGauge()
}

// Heartbeat продлевает блокировки текущего терминала, по которым была
// активность в пределах окна, и выметает просроченные. Блокировка без
// недавней активности сознательно не продлевается и истекает сама.
func (m *Manager) Heartbeat() {
	now := m.now()
	var expired []domain.OrderLock

	m.mu.Lock()
	for orderID, existing := range m.locks {
		if existing.Expired(now) {
			delete(m.locks, orderID)
			delete(m.activity, orderID)
			expired = append(expired, existing)
			continue
		}
		if existing.LockedBy != m.actor {
			continue
		}
		lastActivity, ok := m.activity[orderID]
		if !ok || now.Sub(lastActivity) > m.activityWindow {
			continue
		}
		existing.ExpiresAt = now.Add(m.ttl)
		m.locks[orderID] = existing
	}
	m.updateGauge()
	m.mu.Unlock()

	for _, lock := range expired {
		if m.metrics != nil {
			m.metrics.RecordLockExpired()
		}
		m.publish(domain.Event{
			Type:     domain.EventLockExpired,
			OrderID:  lock.OrderID,
			LockedBy: lock.LockedBy,
			At:       now,
		})
	}
}

// ReleaseAll снимает все блокировки текущего терминала (выключение терминала).
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	var released []string
	for orderID, existing := range m.locks {
		if existing.LockedBy != m.actor {
			continue
		}
		delete(m.locks, orderID)
		delete(m.activity, orderID)
		released = append(released, orderID)
	}
	m.updateGauge()
	m.mu.Unlock()

	now := m.now()
	for _, orderID := range released {
		m.publish(domain.Event{
			Type:     domain.EventLockReleased,
			OrderID:  orderID,
			LockedBy: m.actor,
			At:       now,
		})
	}
	if len(released) > 0 {
		m.logger.WithField("released", len(released)).Info("released all terminal locks")
	}
}

// HeldCount возвращает число блокировок в таблице.
func (m *Manager) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// updateGauge вызывается под m.mu.
func (m *Manager) updateGauge() {
	if m.metrics != nil {
		m.metrics.SetHeldLocks(len(m.locks))
	}
}

func (m *Manager) publish(event domain.Event) {
	if m.events != nil {
		m.events.Publish(event)
	}
}
