package domain

import "time"

// OrderLock — рекомендательная (advisory) блокировка заказа: кооперативная
// заявка терминала на эксклюзивное редактирование. Просроченная блокировка
// эквивалентна отсутствию блокировки.
type OrderLock struct {
	OrderID   string
	LockedBy  string
	LockedAt  time.Time
	ExpiresAt time.Time
}

// Expired сообщает, истекла ли блокировка к моменту now.
func (l OrderLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// HeldBy сообщает, держит ли actor действующую блокировку к моменту now.
func (l OrderLock) HeldBy(actor string, now time.Time) bool {
	return l.LockedBy == actor && !l.Expired(now)
}
