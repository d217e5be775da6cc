package sync

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kds/internal/domain"
	"github.com/vladislavdragonenkov/kds/internal/metrics"
)

const (
	// retryBaseDelay и retryMaxDelay ограничивают экспоненциальную задержку
	// повторов при временных ошибках.
	retryBaseDelay = 1000 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
	// retryJitter — верхняя граница случайной добавки к задержке.
	retryJitter = 1000 * time.Millisecond
)

// Publisher рассылает события синхронизации подписчикам.
type Publisher interface {
	Publish(event domain.Event)
}

// Engine — движок оптимистичных изменений: применяет спекулятивную мутацию в
// кэш немедленно, ведёт максимум одно неподтверждённое изменение на заказ и
// примиряет локальное состояние с ответами сервера. Конвейер линейный:
// приём → слияние → разрешение → уведомление.
type Engine struct {
	cache    *Cache
	resolver *Resolver
	api      domain.OrderAPI
	events   Publisher
	sched    domain.Scheduler
	metrics  *metrics.SyncMetrics
	logger   *log.Entry

	mu sync.Mutex
	// retries хранит токены отмены запланированных повторов по id изменения.
	retries map[string]domain.CancelFunc
	closed  bool
}

// NewEngine создаёт движок. metrics может быть nil (для тестов).
func NewEngine(
	cache *Cache,
	resolver *Resolver,
	api domain.OrderAPI,
	events Publisher,
	sched domain.Scheduler,
	m *metrics.SyncMetrics,
	logger *log.Entry,
) *Engine {
	if logger == nil {
		logger = log.New().WithField("component", "sync-engine")
	}
	return &Engine{
		cache:    cache,
		resolver: resolver,
		api:      api,
		events:   events,
		sched:    sched,
		metrics:  m,
		logger:   logger,
		retries:  make(map[string]domain.CancelFunc),
	}
}

// Close отменяет все запланированные повторы. Дальнейшие Submit отклоняются.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	cancels := make([]domain.CancelFunc, 0, len(e.retries))
	for _, cancel := range e.retries {
		cancels = append(cancels, cancel)
	}
	e.retries = make(map[string]domain.CancelFunc)
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// InitialSync наполняет кэш активными заказами заведения через сервис запросов.
func (e *Engine) InitialSync(ctx context.Context, venueID string) error {
	orders, err := e.api.FetchActiveOrders(ctx, venueID)
	if err != nil {
		return err
	}
	e.IngestServerPush(orders)
	e.logger.WithFields(log.Fields{
		"venue_id": venueID,
		"orders":   len(orders),
	}).Info("initial sync completed")
	return nil
}

// IngestServerPush — путь слияния для серверных push-ей: транспорт отдаёт
// нормализованные заказы сюда и никогда не трогает версионную логику сам.
func (e *Engine) IngestServerPush(orders []domain.VersionedOrder) {
	accepted := e.cache.MergeOrders(orders)
	for i := range accepted {
		order := accepted[i]
		e.publish(domain.Event{
			Type:    domain.EventOrderMerged,
			OrderID: order.ID,
			Order:   &order,
			At:      time.Now().UTC(),
		})
	}
}

// ApplyOptimisticUpdate применяет спекулятивное изменение локально: кэш
// отражает его немедленно, до какого-либо сетевого ожидания. Требует, чтобы
// заказ уже был в кэше, и отклоняет второе изменение поверх неподтверждённого.
func (e *Engine) ApplyOptimisticUpdate(orderID string, changes domain.OrderChanges, actor string) (domain.OptimisticUpdate, error) {
	if changes.Empty() {
		return domain.OptimisticUpdate{}, domain.ErrEmptyChanges
	}

	cached, err := e.cache.GetOrder(orderID)
	if err != nil {
		return domain.OptimisticUpdate{}, err
	}
	if _, ok := e.cache.PendingUpdate(orderID); ok {
		return domain.OptimisticUpdate{}, domain.ErrUpdateInFlight
	}

	now := time.Now().UTC()
	localVersion := cached.Version + 1

	merged := changes.ApplyTo(cached)
	merged.ClientVersion = localVersion
	merged.LastModified = now
	if changes.Status != nil {
		merged.StatusHistory = append(merged.StatusHistory, domain.StatusChange{
			From:  cached.Status,
			To:    *changes.Status,
			Actor: actor,
			At:    now,
		})
	}
	merged.VersionHistory = append(merged.VersionHistory, domain.VersionChange{
		From:   cached.Version,
		To:     localVersion,
		Source: "optimistic",
		At:     now,
	})

	update := domain.OptimisticUpdate{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		BaseVersion:  cached.Version,
		LocalVersion: localVersion,
		Changes:      changes,
		Timestamp:    now,
		Status:       domain.UpdateStatusPending,
		MaxRetries:   domain.DefaultMaxRetries,
		// Без ожидающего изменения кэш хранит ровно последнее подтверждённое
		// сервером состояние — его и запоминаем для отката.
		Snapshot: cached,
	}

	if err := e.cache.ApplyLocal(merged, update); err != nil {
		return domain.OptimisticUpdate{}, err
	}
	if e.metrics != nil {
		e.metrics.RecordUpdateApplied()
	}

	e.logger.WithFields(log.Fields{
		"order_id":      orderID,
		"update_id":     update.ID,
		"base_version":  update.BaseVersion,
		"local_version": update.LocalVersion,
		"fields":        changes.Fields(),
	}).Debug("optimistic update applied")

	return update, nil
}

// CreateUpdateRequest строит запрос к сервису заказов. В запросе уходит
// версия, которую терминал считал актуальной ДО оптимистичного инкремента,
// чтобы сервер мог обнаружить гонку.
func (e *Engine) CreateUpdateRequest(update domain.OptimisticUpdate) domain.UpdateRequest {
	return domain.UpdateRequest{
		OrderID: update.OrderID,
		Version: update.BaseVersion,
		Changes: update.Changes,
		Metadata: map[string]interface{}{
			"updateId":  update.ID,
			"timestamp": update.Timestamp.Format(time.RFC3339Nano),
		},
	}
}

// Submit — полный цикл изменения: локальное применение, затем отправка и
// примирение с ответом. Мутация попадает в кэш до первой приостановки на
// сети, так что UI никогда не ждёт сервера. Временные ошибки после этого
// восстанавливаются повторами без участия вызывающего.
func (e *Engine) Submit(ctx context.Context, orderID string, changes domain.OrderChanges, actor string) (domain.OptimisticUpdate, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.OptimisticUpdate{}, domain.ErrTransportClosed
	}
	e.mu.Unlock()

	update, err := e.ApplyOptimisticUpdate(orderID, changes, actor)
	if err != nil {
		return domain.OptimisticUpdate{}, err
	}

	e.sendAndReconcile(ctx, update.ID)
	return update, nil
}

// sendAndReconcile отправляет ожидающее изменение и примиряет ответ.
func (e *Engine) sendAndReconcile(ctx context.Context, updateID string) {
	update, ok := e.cache.PendingByID(updateID)
	if !ok {
		// Изменение уже вытеснено серверным push-ем или снято — повтор не нужен.
		return
	}

	resp, err := e.api.UpdateOrder(ctx, e.CreateUpdateRequest(update))
	if err != nil {
		resp = domain.UpdateResponse{Success: false, Error: err.Error()}
	}
	e.HandleUpdateResponse(ctx, resp, updateID)
}

// HandleUpdateResponse — конечный автомат исходов ответа сервера:
// успех — серверный заказ принимается дословно; конфликт — передача
// резолверу; временная ошибка — повтор с экспоненциальной задержкой, после
// исчерпания лимита изменение помечается failed и кэш откатывается к
// последнему подтверждённому состоянию.
func (e *Engine) HandleUpdateResponse(ctx context.Context, resp domain.UpdateResponse, updateID string) {
	update, ok := e.cache.PendingByID(updateID)
	if !ok {
		e.logger.WithField("update_id", updateID).Debug("response for unknown or superseded update")
		return
	}

	switch {
	case resp.Success && resp.Order != nil:
		e.confirm(update, *resp.Order)

	case resp.Conflict != nil:
		e.conflict(ctx, update, *resp.Conflict)

	default:
		e.transientFailure(ctx, update, resp.Error)
	}
}

// confirm принимает серверный заказ как канонический и закрывает изменение.
func (e *Engine) confirm(update domain.OptimisticUpdate, server domain.VersionedOrder) {
	e.cancelRetry(update.ID)
	e.cache.AdoptServer(server)

	if e.metrics != nil {
		e.metrics.RecordUpdateConfirmed()
		e.metrics.RecordUpdateDuration(time.Since(update.Timestamp))
	}
	e.logger.WithFields(log.Fields{
		"order_id":       update.OrderID,
		"update_id":      update.ID,
		"server_version": server.Version,
	}).Info("update confirmed by server")

	e.publish(domain.Event{
		Type:    domain.EventVersionUpdated,
		OrderID: update.OrderID,
		Order:   &server,
		At:      time.Now().UTC(),
	})
}

// conflict помечает изменение конфликтным и передаёт его резолверу.
// Конфликты никогда не проглатываются молча: даже автоматическое разрешение
// порождает событие для UI.
func (e *Engine) conflict(ctx context.Context, update domain.OptimisticUpdate, conflict domain.VersionConflict) {
	e.cancelRetry(update.ID)

	update.Status = domain.UpdateStatusConflict
	e.cache.SetPending(update)

	e.logger.WithFields(log.Fields{
		"order_id":         update.OrderID,
		"update_id":        update.ID,
		"expected_version": conflict.ExpectedVersion,
		"current_version":  conflict.CurrentVersion,
	}).Warn("version conflict reported by server")

	server := conflict.ServerOrder.Clone()
	e.publish(domain.Event{
		Type:    domain.EventVersionConflict,
		OrderID: update.OrderID,
		Order:   &server,
		At:      time.Now().UTC(),
	})

	resolution := e.resolver.Resolve(update, conflict)
	e.applyResolution(ctx, update, conflict, resolution)
}

// ResolveManually применяет выбранную оператором стратегию к изменению,
// застрявшему в ручном разрешении.
func (e *Engine) ResolveManually(ctx context.Context, orderID string, strategy domain.ResolutionStrategy, conflict domain.VersionConflict) error {
	update, ok := e.cache.PendingUpdate(orderID)
	if !ok {
		return domain.ErrUpdateNotFound
	}
	resolution := e.resolver.ResolveWith(strategy, update, conflict)
	e.applyResolution(ctx, update, conflict, resolution)
	return nil
}

func (e *Engine) applyResolution(ctx context.Context, update domain.OptimisticUpdate, conflict domain.VersionConflict, resolution Resolution) {
	if e.metrics != nil {
		e.metrics.RecordConflictResolved(string(resolution.Strategy))
	}

	switch {
	case resolution.Manual:
		// Кэш не трогаем; изменение остаётся в состоянии conflict до явного
		// решения оператора.
		e.publish(domain.Event{
			Type:     domain.EventVersionResolved,
			OrderID:  update.OrderID,
			Strategy: domain.ResolutionManual,
			At:       time.Now().UTC(),
		})
		return

	case resolution.Retry:
		e.retryOnNewBase(ctx, update, conflict.ServerOrder, resolution)

	default:
		// server_wins: локальная спекуляция отбрасывается.
		e.cache.AdoptServer(resolution.Order)
		resolved := resolution.Order.Clone()
		e.publish(domain.Event{
			Type:     domain.EventVersionResolved,
			OrderID:  update.OrderID,
			Order:    &resolved,
			Strategy: resolution.Strategy,
			At:       time.Now().UTC(),
		})
	}
}

// retryOnNewBase повторяет изменение поверх серверного заказа как новой базы:
// кэш переводится на серверную версию, поверх неё применяется новое
// оптимистичное изменение, и запрос уходит снова.
func (e *Engine) retryOnNewBase(ctx context.Context, old domain.OptimisticUpdate, server domain.VersionedOrder, resolution Resolution) {
	e.cache.AdoptServer(server)

	now := time.Now().UTC()
	merged := resolution.Order.Clone()
	merged.ClientVersion = server.Version + 1
	merged.LastModified = now
	if resolution.RetryChanges.Status != nil {
		merged.StatusHistory = append(merged.StatusHistory, domain.StatusChange{
			From:  server.Status,
			To:    *resolution.RetryChanges.Status,
			Actor: "conflict-resolver",
			At:    now,
		})
	}
	merged.VersionHistory = append(merged.VersionHistory, domain.VersionChange{
		From:   server.Version,
		To:     server.Version + 1,
		Source: "resolved",
		At:     now,
	})

	retry := domain.OptimisticUpdate{
		ID:           uuid.NewString(),
		OrderID:      old.OrderID,
		BaseVersion:  server.Version,
		LocalVersion: server.Version + 1,
		Changes:      resolution.RetryChanges,
		Timestamp:    now,
		Status:       domain.UpdateStatusPending,
		MaxRetries:   old.MaxRetries,
		Snapshot:     server.Clone(),
	}

	if err := e.cache.ApplyLocal(merged, retry); err != nil {
		// Серверный заказ ушёл в терминальный статус — повторять нечего.
		e.logger.WithFields(log.Fields{
			"order_id": old.OrderID,
			"error":    err,
		}).Warn("cannot rebase update, adopting server state")
		return
	}

	resolved := merged.Clone()
	e.publish(domain.Event{
		Type:     domain.EventVersionResolved,
		OrderID:  old.OrderID,
		Order:    &resolved,
		Strategy: resolution.Strategy,
		At:       now,
	})

	e.sendAndReconcile(ctx, retry.ID)
}

// transientFailure обрабатывает временную ошибку: планирует повтор с
// экспоненциальной задержкой и джиттером, а после исчерпания лимита помечает
// изменение failed и откатывает кэш.
func (e *Engine) transientFailure(ctx context.Context, update domain.OptimisticUpdate, reason string) {
	logger := e.logger.WithFields(log.Fields{
		"order_id":    update.OrderID,
		"update_id":   update.ID,
		"retry_count": update.RetryCount,
		"error":       reason,
	})

	if update.RetryCount >= update.MaxRetries {
		e.fail(update, reason)
		return
	}

	delay := RetryDelay(update.RetryCount)
	update.RetryCount++
	e.cache.SetPending(update)

	if e.metrics != nil {
		e.metrics.RecordUpdateRetry()
	}
	logger.WithField("delay", delay).Warn("update failed, retrying")

	updateID := update.ID
	cancel := e.sched.After(delay, func() {
		e.clearRetry(updateID)
		e.sendAndReconcile(ctx, updateID)
	})
	e.trackRetry(updateID, cancel)
}

// fail помечает изменение неудачным и откатывает кэш к последнему
// подтверждённому сервером состоянию; UI узнаёт, что мутация не применилась.
func (e *Engine) fail(update domain.OptimisticUpdate, reason string) {
	e.cancelRetry(update.ID)
	e.cache.Restore(update.Snapshot)

	if e.metrics != nil {
		e.metrics.RecordUpdateFailed()
		e.metrics.RecordUpdateReverted()
		e.metrics.RecordUpdateDuration(time.Since(update.Timestamp))
	}
	e.logger.WithFields(log.Fields{
		"order_id":  update.OrderID,
		"update_id": update.ID,
		"retries":   update.RetryCount,
		"error":     reason,
	}).Error("update failed after all retry attempts, cache reverted")

	snapshot := update.Snapshot.Clone()
	e.publish(domain.Event{
		Type:    domain.EventUpdateFailed,
		OrderID: update.OrderID,
		Order:   &snapshot,
		Reason:  reason,
		At:      time.Now().UTC(),
	})
}

// RetryDelay возвращает задержку перед повтором номер retryCount:
// min(base·2^retryCount, 30s) плюс джиттер [0, 1s).
func RetryDelay(retryCount int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}
	return delay + time.Duration(rand.Int63n(int64(retryJitter)))
}

func (e *Engine) trackRetry(updateID string, cancel domain.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		cancel()
		return
	}
	e.retries[updateID] = cancel
}

func (e *Engine) clearRetry(updateID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, updateID)
}

func (e *Engine) cancelRetry(updateID string) {
	e.mu.Lock()
	cancel, ok := e.retries[updateID]
	delete(e.retries, updateID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) publish(event domain.Event) {
	if e.events != nil {
		e.events.Publish(event)
	}
}
