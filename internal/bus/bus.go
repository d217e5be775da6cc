package bus

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kds/internal/domain"
)

// Handler получает одно событие. Вызывается синхронно в порядке подписки.
type Handler func(event domain.Event)

// Bus — fan-out событий синхронизации для подписчиков UI.
// Доставка синхронная, порядок доставки равен порядку подписки.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	logger *log.Entry
}

type subscription struct {
	id      int
	handler Handler
}

// New создаёт пустую шину событий.
func New(logger *log.Entry) *Bus {
	if logger == nil {
		logger = log.New().WithField("component", "event-bus")
	}
	return &Bus{logger: logger}
}

// Subscribe регистрирует обработчик и возвращает функцию отписки.
// Отписка идемпотентна.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(id)
		})
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish синхронно доставляет событие всем подписчикам в порядке подписки.
// Паника обработчика не должна ронять конвейер синхронизации.
func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(log.Fields{
				"event_type": event.Type,
				"order_id":   event.OrderID,
				"panic":      r,
			}).Error("event handler panicked")
		}
	}()
	sub.handler(event)
}

// SubscriberCount возвращает число активных подписчиков.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
