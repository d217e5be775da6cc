package domain

import "time"

// UpdateStatus описывает состояние одного оптимистичного изменения.
type UpdateStatus string

const (
	// UpdateStatusPending — изменение применено локально, ответа сервера ещё нет.
	UpdateStatusPending UpdateStatus = "pending"
	// UpdateStatusConfirmed — сервер подтвердил изменение.
	UpdateStatusConfirmed UpdateStatus = "confirmed"
	// UpdateStatusConflict — сервер сообщил о конфликте версий.
	UpdateStatusConflict UpdateStatus = "conflict"
	// UpdateStatusFailed — попытки исчерпаны, изменение откачено.
	UpdateStatusFailed UpdateStatus = "failed"
)

// DefaultMaxRetries — предел повторов при временных ошибках сети.
const DefaultMaxRetries = 3

// OrderChanges — частичное изменение заказа. Указатели отличают
// «поле не трогали» от «поле установили в нулевое значение».
type OrderChanges struct {
	Status       *OrderStatus `json:"status,omitempty"`
	CustomerName *string      `json:"customerName,omitempty"`
	TableNumber  *string      `json:"tableNumber,omitempty"`
	Items        []OrderItem  `json:"items,omitempty"`
	TotalMinor   *int64       `json:"totalAmount,omitempty"`
}

// TouchesStatus сообщает, затрагивает ли изменение статус заказа.
// От этого зависит выбор стратегии разрешения конфликта.
func (c OrderChanges) TouchesStatus() bool {
	return c.Status != nil
}

// Empty сообщает, что изменение не затрагивает ни одного поля.
func (c OrderChanges) Empty() bool {
	return c.Status == nil && c.CustomerName == nil && c.TableNumber == nil &&
		c.Items == nil && c.TotalMinor == nil
}

// Fields возвращает имена затронутых полей (для логов и conflictingChanges).
func (c OrderChanges) Fields() []string {
	var fields []string
	if c.Status != nil {
		fields = append(fields, "status")
	}
	if c.CustomerName != nil {
		fields = append(fields, "customerName")
	}
	if c.TableNumber != nil {
		fields = append(fields, "tableNumber")
	}
	if c.Items != nil {
		fields = append(fields, "items")
	}
	if c.TotalMinor != nil {
		fields = append(fields, "totalAmount")
	}
	return fields
}

// ApplyTo накладывает изменение на копию заказа и возвращает её.
func (c OrderChanges) ApplyTo(order VersionedOrder) VersionedOrder {
	merged := order.Clone()
	if c.Status != nil {
		merged.Status = *c.Status
	}
	if c.CustomerName != nil {
		merged.CustomerName = *c.CustomerName
	}
	if c.TableNumber != nil {
		merged.TableNumber = *c.TableNumber
	}
	if c.Items != nil {
		merged.Items = make([]OrderItem, len(c.Items))
		copy(merged.Items, c.Items)
	}
	if c.TotalMinor != nil {
		merged.TotalMinor = *c.TotalMinor
	}
	return merged
}

// OptimisticUpdate — одно спекулятивное изменение, ожидающее подтверждения
// сервера. На каждый заказ в любой момент допускается максимум одна такая
// запись: второе изменение того же заказа отклоняется до завершения первого.
type OptimisticUpdate struct {
	ID      string
	OrderID string
	// BaseVersion — версия, которую терминал считал актуальной до изменения;
	// уходит в запрос, чтобы сервер мог обнаружить гонку.
	BaseVersion int64
	// LocalVersion = BaseVersion + 1, присвоенная локально до подтверждения.
	LocalVersion int64
	Changes      OrderChanges
	Timestamp    time.Time
	Status       UpdateStatus
	RetryCount   int
	MaxRetries   int
	// Snapshot — последнее подтверждённое сервером состояние заказа на момент
	// применения; при исчерпании повторов кэш откатывается ровно к нему,
	// поэтому откат работает и без связи с сервером.
	Snapshot VersionedOrder
}

// Exhausted сообщает, что лимит повторов исчерпан.
func (u *OptimisticUpdate) Exhausted() bool {
	return u.RetryCount >= u.MaxRetries
}
