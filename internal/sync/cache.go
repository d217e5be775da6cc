package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/kds/internal/domain"
	"github.com/vladislavdragonenkov/kds/internal/metrics"
)

// Cache — локальное, единственно-истинное для UI представление живых заказов
// терминала. Владеет таблицей заказов и таблицей ожидающих оптимистичных
// изменений; между терминалами никогда не разделяется по ссылке —
// согласованность достигается только через транспорт и номера версий.
type Cache struct {
	mu      sync.RWMutex
	orders  map[string]domain.VersionedOrder
	pending map[string]domain.OptimisticUpdate
	// lastSync — момент последнего принятого слияния.
	lastSync time.Time
	// syncVersion — максимальная серверная версия, виденная кэшем.
	syncVersion int64
	metrics     *metrics.SyncMetrics
}

// NewCache создаёт пустой кэш заказов. metrics может быть nil (для тестов).
func NewCache(m *metrics.SyncMetrics) *Cache {
	return &Cache{
		orders:  make(map[string]domain.VersionedOrder),
		pending: make(map[string]domain.OptimisticUpdate),
		metrics: m,
	}
}

// GetOrder возвращает копию заказа или ErrOrderNotFound.
func (c *Cache) GetOrder(id string) (domain.VersionedOrder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	order, ok := c.orders[id]
	if !ok {
		return domain.VersionedOrder{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// GetAllOrders возвращает копии всех активных заказов, отсортированные по
// времени создания по убыванию.
func (c *Cache) GetAllOrders() []domain.VersionedOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]domain.VersionedOrder, 0, len(c.orders))
	for _, order := range c.orders {
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	return result
}

// MergeOrders вливает серверные заказы в кэш и возвращает принятые.
// Единственные ворота против устаревших push-ей (например, доставленных не по
// порядку): входящий заказ принимается, только если его версия не меньше
// закэшированной либо заказа ещё нет. Версия заказа в кэше монотонно не
// убывает. Заказ в терминальном статусе (served/cancelled) после слияния
// выводится из активной выборки; архивирует его внешний сервис.
func (c *Cache) MergeOrders(orders []domain.VersionedOrder) []domain.VersionedOrder {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := make([]domain.VersionedOrder, 0, len(orders))
	for _, incoming := range orders {
		existing, exists := c.orders[incoming.ID]
		if exists && incoming.Version < existing.Version {
			if c.metrics != nil {
				c.metrics.RecordMergeSkipped()
			}
			continue
		}

		// Изменение, базировавшееся на версии не новее входящей, вытеснено
		// или подтверждено сервером — его дальнейшая судьба решена.
		if pending, ok := c.pending[incoming.ID]; ok && pending.BaseVersion <= incoming.Version {
			delete(c.pending, incoming.ID)
		}

		if incoming.Status.Terminal() {
			delete(c.orders, incoming.ID)
		} else {
			c.orders[incoming.ID] = incoming.Clone()
		}

		c.lastSync = time.Now().UTC()
		if incoming.Version > c.syncVersion {
			c.syncVersion = incoming.Version
		}
		accepted = append(accepted, incoming.Clone())
		if c.metrics != nil {
			c.metrics.RecordMergeApplied()
		}
	}

	c.updateGauges()
	return accepted
}

// ApplyLocal атомарно записывает оптимистично изменённый заказ и регистрирует
// ожидающее изменение. Возвращает ErrUpdateInFlight, если на заказ уже есть
// неподтверждённое изменение.
func (c *Cache) ApplyLocal(order domain.VersionedOrder, update domain.OptimisticUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[update.OrderID]; ok {
		return domain.ErrUpdateInFlight
	}
	if _, ok := c.orders[order.ID]; !ok {
		return domain.ErrOrderNotFound
	}

	c.orders[order.ID] = order.Clone()
	c.pending[update.OrderID] = update
	c.updateGauges()
	return nil
}

// PendingUpdate возвращает ожидающее изменение заказа, если оно есть.
func (c *Cache) PendingUpdate(orderID string) (domain.OptimisticUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	update, ok := c.pending[orderID]
	return update, ok
}

// PendingByID находит ожидающее изменение по его идентификатору.
func (c *Cache) PendingByID(updateID string) (domain.OptimisticUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, update := range c.pending {
		if update.ID == updateID {
			return update, true
		}
	}
	return domain.OptimisticUpdate{}, false
}

// SetPending перезаписывает ожидающее изменение (смена статуса, счётчик повторов).
func (c *Cache) SetPending(update domain.OptimisticUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[update.OrderID] = update
}

// ClearPending удаляет ожидающее изменение заказа.
func (c *Cache) ClearPending(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, orderID)
	c.updateGauges()
}

// AdoptServer принимает серверный заказ как канонический дословно и снимает
// ожидающее изменение; никаких остаточных оптимистичных полей не остаётся.
func (c *Cache) AdoptServer(order domain.VersionedOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, order.ID)
	if order.Status.Terminal() {
		delete(c.orders, order.ID)
	} else {
		c.orders[order.ID] = order.Clone()
	}
	if order.Version > c.syncVersion {
		c.syncVersion = order.Version
	}
	c.lastSync = time.Now().UTC()
	c.updateGauges()
}

// Restore откатывает заказ к снимку последнего подтверждённого состояния
// и снимает ожидающее изменение (исход неудачного изменения).
func (c *Cache) Restore(snapshot domain.VersionedOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, snapshot.ID)
	c.orders[snapshot.ID] = snapshot.Clone()
	c.updateGauges()
}

// OrderCount возвращает число активных заказов в кэше.
func (c *Cache) OrderCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}

// PendingCount возвращает число ожидающих изменений.
func (c *Cache) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// LastSync возвращает момент последнего принятого слияния.
func (c *Cache) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// SyncVersion возвращает максимальную виденную серверную версию.
func (c *Cache) SyncVersion() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncVersion
}

// updateGauges вызывается под c.mu.
func (c *Cache) updateGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetActiveOrders(len(c.orders))
	c.metrics.SetPendingUpdates(len(c.pending))
}
