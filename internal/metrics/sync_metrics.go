package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics содержит метрики ядра синхронизации заказов.
type SyncMetrics struct {
	// Счётчики слияний кэша
	mergesApplied prometheus.Counter
	mergesSkipped prometheus.Counter

	// Счётчики оптимистичных изменений
	updatesApplied   prometheus.Counter
	updatesConfirmed prometheus.Counter
	updatesFailed    prometheus.Counter
	updatesReverted  prometheus.Counter
	updateRetries    prometheus.Counter

	// Конфликты по выбранной стратегии
	conflictsResolved *prometheus.CounterVec

	// Блокировки
	locksAcquired  prometheus.Counter
	lockContention prometheus.Counter
	locksExpired   prometheus.Counter

	// Транспорт
	reconnectAttempts prometheus.Counter
	eventsReceived    *prometheus.CounterVec

	// Гистограмма round-trip изменения (применение → ответ сервера)
	updateDuration prometheus.Histogram

	// Gauges текущего состояния терминала
	activeOrders   prometheus.Gauge
	pendingUpdates prometheus.Gauge
	heldLocks      prometheus.Gauge
	connectionUp   prometheus.Gauge
}

// NewSyncMetrics создаёт метрики на дефолтном registerer.
func NewSyncMetrics() *SyncMetrics {
	return newSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newSyncMetricsWithRegisterer(registerer prometheus.Registerer) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SyncMetrics{
		mergesApplied: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_cache_merges_applied_total",
			Help: "Total number of server pushes merged into the order cache",
		}),
		mergesSkipped: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_cache_merges_skipped_total",
			Help: "Total number of stale server pushes rejected by the version gate",
		}),
		updatesApplied: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_optimistic_updates_applied_total",
			Help: "Total number of optimistic updates applied locally",
		}),
		updatesConfirmed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_optimistic_updates_confirmed_total",
			Help: "Total number of optimistic updates confirmed by the server",
		}),
		updatesFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_optimistic_updates_failed_total",
			Help: "Total number of optimistic updates that exhausted retries",
		}),
		updatesReverted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_optimistic_updates_reverted_total",
			Help: "Total number of cache reverts to the last confirmed state",
		}),
		updateRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_update_retries_total",
			Help: "Total number of scheduled update retries after transient failures",
		}),
		conflictsResolved: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "kds_conflicts_resolved_total",
			Help: "Total number of version conflicts resolved grouped by strategy",
		}, []string{"strategy"}),
		locksAcquired: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_locks_acquired_total",
			Help: "Total number of advisory order locks acquired",
		}),
		lockContention: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_lock_contention_total",
			Help: "Total number of lock requests refused due to a foreign lock",
		}),
		locksExpired: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_locks_expired_total",
			Help: "Total number of locks purged after TTL expiry",
		}),
		reconnectAttempts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kds_transport_reconnect_attempts_total",
			Help: "Total number of websocket reconnect attempts",
		}),
		eventsReceived: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "kds_transport_events_received_total",
			Help: "Total number of inbound order events grouped by type",
		}, []string{"type"}),
		updateDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "kds_update_roundtrip_seconds",
			Help:    "Duration between applying an optimistic update and its final outcome",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),
		activeOrders: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "kds_active_orders",
			Help: "Number of orders currently held in the terminal cache",
		}),
		pendingUpdates: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "kds_pending_updates",
			Help: "Number of optimistic updates awaiting server confirmation",
		}),
		heldLocks: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "kds_held_locks",
			Help: "Number of unexpired advisory locks in the local lock table",
		}),
		connectionUp: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "kds_connection_up",
			Help: "Whether the venue websocket connection is currently established",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordMergeApplied увеличивает счётчик принятых слияний.
func (m *SyncMetrics) RecordMergeApplied() {
	m.mergesApplied.Inc()
}

// RecordMergeSkipped увеличивает счётчик отклонённых устаревших push-ей.
func (m *SyncMetrics) RecordMergeSkipped() {
	m.mergesSkipped.Inc()
}

// RecordUpdateApplied увеличивает счётчик применённых оптимистичных изменений.
func (m *SyncMetrics) RecordUpdateApplied() {
	m.updatesApplied.Inc()
}

// RecordUpdateConfirmed увеличивает счётчик подтверждённых изменений.
func (m *SyncMetrics) RecordUpdateConfirmed() {
	m.updatesConfirmed.Inc()
}

// RecordUpdateFailed увеличивает счётчик изменений с исчерпанными повторами.
func (m *SyncMetrics) RecordUpdateFailed() {
	m.updatesFailed.Inc()
}

// RecordUpdateReverted увеличивает счётчик откатов кэша.
func (m *SyncMetrics) RecordUpdateReverted() {
	m.updatesReverted.Inc()
}

// RecordUpdateRetry увеличивает счётчик запланированных повторов.
func (m *SyncMetrics) RecordUpdateRetry() {
	m.updateRetries.Inc()
}

// RecordConflictResolved увеличивает счётчик конфликтов по стратегии.
func (m *SyncMetrics) RecordConflictResolved(strategy string) {
	m.conflictsResolved.WithLabelValues(strategy).Inc()
}

// RecordLockAcquired увеличивает счётчик взятых блокировок.
func (m *SyncMetrics) RecordLockAcquired() {
	m.locksAcquired.Inc()
}

// RecordLockContention увеличивает счётчик отказов из-за чужой блокировки.
func (m *SyncMetrics) RecordLockContention() {
	m.lockContention.Inc()
}

// RecordLockExpired увеличивает счётчик выметенных просроченных блокировок.
func (m *SyncMetrics) RecordLockExpired() {
	m.locksExpired.Inc()
}

// RecordReconnectAttempt увеличивает счётчик попыток переподключения.
func (m *SyncMetrics) RecordReconnectAttempt() {
	m.reconnectAttempts.Inc()
}

// RecordEventReceived увеличивает счётчик входящих событий по типу.
func (m *SyncMetrics) RecordEventReceived(eventType string) {
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordUpdateDuration записывает round-trip изменения.
func (m *SyncMetrics) RecordUpdateDuration(duration time.Duration) {
	m.updateDuration.Observe(duration.Seconds())
}

// SetActiveOrders выставляет gauge числа заказов в кэше.
func (m *SyncMetrics) SetActiveOrders(n int) {
	m.activeOrders.Set(float64(n))
}

// SetPendingUpdates выставляет gauge числа ожидающих изменений.
func (m *SyncMetrics) SetPendingUpdates(n int) {
	m.pendingUpdates.Set(float64(n))
}

// SetHeldLocks выставляет gauge числа действующих блокировок.
func (m *SyncMetrics) SetHeldLocks(n int) {
	m.heldLocks.Set(float64(n))
}

// SetConnectionUp выставляет gauge состояния соединения.
func (m *SyncMetrics) SetConnectionUp(up bool) {
	if up {
		m.connectionUp.Set(1)
	} else {
		m.connectionUp.Set(0)
	}
}
