package sync

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kds/internal/domain"
)

// Resolution — итог разрешения конфликта версий.
type Resolution struct {
	Strategy domain.ResolutionStrategy
	// Order — заказ, который должен оказаться в кэше после разрешения.
	// Для manual не заполняется: кэш не трогаем.
	Order domain.VersionedOrder
	// Retry — изменение нужно повторить поверх серверной версии как новой базы.
	Retry bool
	// RetryChanges — какие поля уходят в повторный запрос.
	RetryChanges domain.OrderChanges
	// Manual — автоматика не применима, конфликт отдаётся оператору.
	Manual bool
}

// Resolver выбирает и применяет стратегию разрешения конфликта версий.
// Выбор — чистая функция от вида конфликтующего изменения, не от его величины.
type Resolver struct {
	logger *log.Entry
}

// NewResolver создаёт резолвер конфликтов.
func NewResolver(logger *log.Entry) *Resolver {
	if logger == nil {
		logger = log.New().WithField("component", "conflict-resolver")
	}
	return &Resolver{logger: logger}
}

// Select возвращает стратегию для данного вида изменения:
//   - только статус — client_wins: терминал, переключающий статус, авторитетен
//     (человек у раздачи — источник истины о состоянии кухни);
//   - статус вместе с другими полями — merge;
//   - без статуса — server_wins: локальная спекуляция отбрасывается.
//
// manual здесь не выбирается никогда: она зарезервирована за оператором.
func (r *Resolver) Select(changes domain.OrderChanges) domain.ResolutionStrategy {
	if !changes.TouchesStatus() {
		return domain.ResolutionServerWins
	}
	if len(changes.Fields()) > 1 {
		return domain.ResolutionMerge
	}
	return domain.ResolutionClientWins
}

// Resolve применяет автоматически выбранную стратегию.
func (r *Resolver) Resolve(update domain.OptimisticUpdate, conflict domain.VersionConflict) Resolution {
	return r.ResolveWith(r.Select(update.Changes), update, conflict)
}

// ResolveWith применяет конкретную стратегию. Отдельная точка входа нужна
// оператору: UI может явно запросить manual или переиграть конфликт иначе.
func (r *Resolver) ResolveWith(strategy domain.ResolutionStrategy, update domain.OptimisticUpdate, conflict domain.VersionConflict) Resolution {
	logger := r.logger.WithFields(log.Fields{
		"order_id":         update.OrderID,
		"strategy":         strategy,
		"expected_version": conflict.ExpectedVersion,
		"current_version":  conflict.CurrentVersion,
	})

	switch strategy {
	case domain.ResolutionClientWins:
		// Повторяем изменение целиком поверх серверного заказа как новой базы.
		logger.Info("resolving conflict: retrying local change on top of server version")
		return Resolution{
			Strategy:     domain.ResolutionClientWins,
			Order:        update.Changes.ApplyTo(conflict.ServerOrder),
			Retry:        true,
			RetryChanges: update.Changes,
		}

	case domain.ResolutionMerge:
		// Начинаем с серверного заказа и накладываем только статус из
		// локального изменения. Слияние остальных полей — точка расширения:
		// mergeOrders — единственное место, где её расширять.
		logger.Info("resolving conflict: merging local status into server order")
		merged, retryChanges := mergeOrders(update.Changes, conflict.ServerOrder)
		return Resolution{
			Strategy:     domain.ResolutionMerge,
			Order:        merged,
			Retry:        true,
			RetryChanges: retryChanges,
		}

	case domain.ResolutionManual:
		// Кэш не мутируем; конфликт отдаётся в UI и ждёт явного решения.
		logger.Warn("conflict requires manual resolution")
		return Resolution{Strategy: domain.ResolutionManual, Manual: true}

	default:
		// server_wins и всё неизвестное: принимаем серверный заказ как есть.
		logger.Info("resolving conflict: adopting server order")
		return Resolution{
			Strategy: domain.ResolutionServerWins,
			Order:    conflict.ServerOrder.Clone(),
		}
	}
}

// mergeOrders строит слитый заказ: серверный заказ, в котором статус взят из
// локального изменения. Прочие конфликтующие поля сознательно не сливаются и
// остаются серверными.
func mergeOrders(changes domain.OrderChanges, server domain.VersionedOrder) (domain.VersionedOrder, domain.OrderChanges) {
	merged := server.Clone()
	retry := domain.OrderChanges{}
	if changes.Status != nil {
		status := *changes.Status
		merged.Status = status
		retry.Status = &status
	}
	return merged, retry
}
