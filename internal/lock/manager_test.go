package lock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/kds/internal/domain"
	"github.com/vladislavdragonenkov/kds/internal/lock"
	"github.com/vladislavdragonenkov/kds/internal/scheduler"
)

// fakeClock — подменный источник времени для проверки TTL.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type lockEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *lockEvents) Publish(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *lockEvents) count(eventType domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func newManager(clock *fakeClock, options ...lock.Option) *lock.Manager {
	sched := scheduler.NewManual(clock.Now())
	options = append(options, lock.WithClock(clock.Now))
	return lock.NewManager("terminal-1", sched, options...)
}

func TestManager_LockUnlock(t *testing.T) {
	clock := newFakeClock()
	manager := newManager(clock)

	if !manager.LockOrder("order-1") {
		t.Fatal("first lock should succeed")
	}
	if !manager.IsOrderLocked("order-1") {
		t.Fatal("order should be locked")
	}
	owner, ok := manager.LockOwner("order-1")
	if !ok || owner != "terminal-1" {
		t.Fatalf("wrong owner: %s", owner)
	}

	manager.UnlockOrder("order-1")
	if manager.IsOrderLocked("order-1") {
		t.Fatal("order should be unlocked")
	}
}

func TestManager_Reentrant(t *testing.T) {
	clock := newFakeClock()
	manager := newManager(clock)

	if !manager.LockOrder("order-1") {
		t.Fatal("first lock should succeed")
	}
	// Повторный захват владельцем продлевает блокировку, а не отказывает.
	if !manager.LockOrder("order-1") {
		t.Fatal("re-lock by the owner should succeed")
	}
	if manager.HeldCount() != 1 {
		t.Fatalf("expected 1 lock, got %d", manager.HeldCount())
	}
}

func TestManager_ForeignLockRefused(t *testing.T) {
	clock := newFakeClock()
	var conflictOrder, conflictOwner string
	events := &lockEvents{}
	manager := newManager(clock,
		lock.WithConflictCallback(func(orderID, lockedBy string) {
			conflictOrder, conflictOwner = orderID, lockedBy
		}),
		lock.WithPublisher(events),
	)

	manager.ExternalLock(domain.OrderLock{
		OrderID:   "order-1",
		LockedBy:  "terminal-2",
		LockedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(5 * time.Minute),
	})

	if manager.LockOrder("order-1") {
		t.Fatal("lock held by another terminal must be refused")
	}
	if conflictOrder != "order-1" || conflictOwner != "terminal-2" {
		t.Fatalf("conflict callback not invoked: %s %s", conflictOrder, conflictOwner)
	}
	if events.count(domain.EventLockConflict) != 1 {
		t.Fatal("expected a lock conflict event")
	}
}

func TestManager_ExpiredForeignLockTakenOver(t *testing.T) {
	clock := newFakeClock()
	manager := newManager(clock)

	manager.ExternalLock(domain.OrderLock{
		OrderID:   "order-1",
		LockedBy:  "terminal-2",
		LockedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(time.Minute),
	})

	clock.Advance(2 * time.Minute)

	// Просроченная чужая блокировка эквивалентна отсутствию блокировки.
	if !manager.LockOrder("order-1") {
		t.Fatal("expired foreign lock must not block acquisition")
	}
	owner, _ := manager.LockOwner("order-1")
	if owner != "terminal-1" {
		t.Fatalf("expected takeover, owner is %s", owner)
	}
}

func TestManager_LazyExpiry(t *testing.T) {
	clock := newFakeClock()
	events := &lockEvents{}
	manager := newManager(clock, lock.WithLockTTL(time.Minute), lock.WithPublisher(events))

	manager.LockOrder("order-1")
	clock.Advance(2 * time.Minute)

	if manager.IsOrderLocked("order-1") {
		t.Fatal("expired lock should read as unlocked")
	}
	if manager.HeldCount() != 0 {
		t.Fatal("expired lock should be purged on read")
	}
	if events.count(domain.EventLockExpired) != 1 {
		t.Fatal("expected a lock expired event")
	}
}

func TestManager_UnlockForeignIsNoop(t *testing.T) {
	clock := newFakeClock()
	manager := newManager(clock)

	manager.ExternalLock(domain.OrderLock{
		OrderID:   "order-1",
		LockedBy:  "terminal-2",
		LockedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(5 * time.Minute),
	})

	manager.UnlockOrder("order-1")
	if !manager.IsOrderLocked("order-1") {
		t.Fatal("foreign lock must survive a local unlock attempt")
	}
}

func TestManager_HeartbeatExtendsActiveLocks(t *testing.T) {
	clock := newFakeClock()
	manager := newManager(clock,
		lock.WithLockTTL(5*time.Minute),
		lock.WithActivityWindow(2*time.Minute),
	)

	manager.LockOrder("order-1")

	// Активность свежая: heartbeat продлевает блокировку.
	clock.Advance(time.Minute)
	manager.RecordActivity("order-1")
	clock.Advance(time.Minute)
	manager.Heartbeat()

	clock.Advance(4 * time.Minute)
	if !manager.IsOrderLocked("order-1") {
		t.Fatal("heartbeat should have extended the lock past the original TTL")
	}
}

func TestManager_HeartbeatSkipsIdleLocks(t *testing.T) {
	clock := newFakeClock()
	manager := newManager(clock,
		lock.WithLockTTL(5*time.Minute),
		lock.WithActivityWindow(2*time.Minute),
	)

	manager.LockOrder("order-1")

	// Оператор открыл заказ и ушёл: активности нет, heartbeat не продлевает.
	clock.Advance(3 * time.Minute)
	manager.Heartbeat()
	clock.Advance(3 * time.Minute)

	if manager.IsOrderLocked("order-1") {
		t.Fatal("idle lock must expire despite heartbeats")
	}
}

func TestManager_HeartbeatPurgesExpired(t *testing.T) {
	clock := newFakeClock()
	events := &lockEvents{}
	manager := newManager(clock, lock.WithLockTTL(time.Minute), lock.WithPublisher(events))

	manager.LockOrder("order-1")
	manager.ExternalLock(domain.OrderLock{
		OrderID:   "order-2",
		LockedBy:  "terminal-2",
		LockedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(time.Minute),
	})

	clock.Advance(2 * time.Minute)
	manager.Heartbeat()

	if manager.HeldCount() != 0 {
		t.Fatalf("expected all expired locks purged, got %d", manager.HeldCount())
	}
	if events.count(domain.EventLockExpired) != 2 {
		t.Fatalf("expected 2 expired events, got %d", events.count(domain.EventLockExpired))
	}
}

func TestManager_ExternalLockNeverOverwritesOwnLive(t *testing.T) {
	clock := newFakeClock()
	manager := newManager(clock)

	manager.LockOrder("order-1")
	manager.ExternalLock(domain.OrderLock{
		OrderID:   "order-1",
		LockedBy:  "terminal-2",
		LockedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(10 * time.Minute),
	})

	owner, _ := manager.LockOwner("order-1")
	if owner != "terminal-1" {
		t.Fatalf("own live lock was overwritten by %s", owner)
	}
}

func TestManager_StopReleasesAll(t *testing.T) {
	clock := newFakeClock()
	events := &lockEvents{}
	manager := newManager(clock, lock.WithPublisher(events))

	manager.Start()
	manager.LockOrder("order-1")
	manager.LockOrder("order-2")

	manager.Stop()

	if manager.IsOrderLocked("order-1") || manager.IsOrderLocked("order-2") {
		t.Fatal("stop must release all terminal locks")
	}
	if events.count(domain.EventLockReleased) != 2 {
		t.Fatalf("expected 2 release events, got %d", events.count(domain.EventLockReleased))
	}
}

func TestManager_HeartbeatViaScheduler(t *testing.T) {
	clock := newFakeClock()
	sched := scheduler.NewManual(clock.Now())
	manager := lock.NewManager("terminal-1", sched,
		lock.WithClock(clock.Now),
		lock.WithLockTTL(5*time.Minute),
		lock.WithHeartbeatInterval(30*time.Second),
		lock.WithActivityWindow(2*time.Minute),
	)
	manager.Start()
	defer manager.Stop()

	manager.LockOrder("order-1")

	// Тики идут каждые 30 секунд, активность обновляется между ними.
	for i := 0; i < 12; i++ {
		manager.RecordActivity("order-1")
		clock.Advance(30 * time.Second)
		sched.Advance(30 * time.Second)
	}

	// Прошло 6 минут, больше исходного TTL, но блокировка продлевалась.
	if !manager.IsOrderLocked("order-1") {
		t.Fatal("active lock must survive beyond its original TTL")
	}
}
