package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order id is required")
	// Ошибка отсутствующего идентификатора заведения.
	ErrVenueRequired = errors.New("venue_id is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве порций (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка версии меньше 1.
	ErrVersionInvalid = errors.New("order version must be at least 1")
	// Ошибка неизвестного статуса заказа.
	ErrStatusUnknown = errors.New("unknown order status")
	// ErrOrderNotFound возвращается, если заказа нет в кэше терминала.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий с сервером.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrUpdateInFlight — на заказ уже есть неподтверждённое изменение;
	// второе изменение должно дождаться первого, иначе учёт версий становится
	// неоднозначным.
	ErrUpdateInFlight = errors.New("order already has a pending update")
	// ErrUpdateNotFound — ответ сервера ссылается на неизвестное изменение.
	ErrUpdateNotFound = errors.New("pending update not found")
	// ErrUpdateRetriesExhausted — лимит повторов исчерпан, изменение откачено.
	ErrUpdateRetriesExhausted = errors.New("update retries exhausted")
	// ErrEmptyChanges — запрос изменения без единого поля.
	ErrEmptyChanges = errors.New("update changes are empty")
	// ErrOrderLocked — заказ заблокирован другим терминалом.
	ErrOrderLocked = errors.New("order is locked by another terminal")
	// ErrTransportClosed — операция на закрытом транспорте.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrReconnectExhausted — лимит попыток переподключения исчерпан;
	// требуется явный повтор, инициированный пользователем.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsRetryable проверяет, имеет ли смысл повторять операцию: конфликт версий
// и отсутствие заказа повтором не лечатся.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderVersionConflict) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrUpdateInFlight) ||
		errors.Is(err, ErrEmptyChanges) {
		return false
	}
	return true
}
