package domain

import "time"

// OrderStatus описывает жизненный цикл заказа на кухонном терминале.
type OrderStatus string

const (
	// OrderStatusNew — заказ принят, кухня ещё не приступила.
	OrderStatusNew OrderStatus = "new"
	// OrderStatusPreparing — заказ в работе на кухне.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusReady — заказ готов к выдаче.
	OrderStatusReady OrderStatus = "ready"
	// OrderStatusServed — заказ выдан гостю, цикл завершён.
	OrderStatusServed OrderStatus = "served"
	// OrderStatusCancelled — заказ отменён до выдачи.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid сообщает, известен ли статус терминалу.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusPreparing, OrderStatusReady, OrderStatusServed, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal сообщает, выводит ли статус заказ из активной выборки терминала.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusServed || s == OrderStatusCancelled
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string `json:"id"`
	// Name — название блюда в момент заказа (денормализовано для дисплея).
	Name string `json:"name"`
	// Qty — количество порций.
	Qty int32 `json:"qty"`
	// PriceMinor — цена за порцию в минимальных денежных единицах.
	PriceMinor int64 `json:"priceMinor"`
	// Notes — пожелания гостя («без лука» и т.п.).
	Notes string `json:"notes,omitempty"`
}

// StatusChange фиксирует один переход статуса для аудита.
type StatusChange struct {
	From  OrderStatus `json:"from"`
	To    OrderStatus `json:"to"`
	Actor string      `json:"actor"`
	At    time.Time   `json:"at"`
}

// VersionChange фиксирует изменение версии и его источник (server/optimistic/resolved).
type VersionChange struct {
	From   int64     `json:"from"`
	To     int64     `json:"to"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// VersionedOrder агрегирует состояние заказа вместе с номером версии.
// Версия — единственный межтерминальный примитив упорядочивания: кэш никогда
// не откатывает заказ на строго меньшую версию.
type VersionedOrder struct {
	ID           string      `json:"id"`
	VenueID      string      `json:"venueId"`
	TableNumber  string      `json:"tableNumber"`
	OrderNumber  string      `json:"orderNumber"`
	CustomerName string      `json:"customerName,omitempty"`
	Items        []OrderItem `json:"items"`
	TotalMinor   int64       `json:"totalAmount"`
	Status       OrderStatus `json:"status"`
	// Version — серверная версия заказа, монотонно не убывает в пределах кэша.
	Version int64 `json:"version"`
	// ClientVersion — версия, которую терминал присвоил локально при
	// оптимистичном изменении; совпадает с Version, пока изменений нет.
	ClientVersion int64     `json:"clientVersion"`
	LastModified  time.Time `json:"lastModified"`
	CreatedAt     time.Time `json:"createdAt"`

	// Аудит: история статусов и версий.
	StatusHistory  []StatusChange  `json:"statusHistory,omitempty"`
	VersionHistory []VersionChange `json:"versionHistory,omitempty"`
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *VersionedOrder) ValidateInvariants() []error {
	var errs []error

	if o.ID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if o.VenueID == "" {
		errs = append(errs, ErrVenueRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.Version < 1 {
		errs = append(errs, ErrVersionInvalid)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusUnknown)
	}

	// Сверяем сумму заказа с суммой позиций: qty * price.
	var calc int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Qty) * item.PriceMinor
	}
	if calc != o.TotalMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// Clone возвращает глубокую копию заказа; кэш хранит и отдаёт только копии,
// чтобы избежать непредсказуемых мутаций извне.
func (o VersionedOrder) Clone() VersionedOrder {
	clone := o
	if o.Items != nil {
		clone.Items = make([]OrderItem, len(o.Items))
		copy(clone.Items, o.Items)
	}
	if o.StatusHistory != nil {
		clone.StatusHistory = make([]StatusChange, len(o.StatusHistory))
		copy(clone.StatusHistory, o.StatusHistory)
	}
	if o.VersionHistory != nil {
		clone.VersionHistory = make([]VersionChange, len(o.VersionHistory))
		copy(clone.VersionHistory, o.VersionHistory)
	}
	return clone
}
