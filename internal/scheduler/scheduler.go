package scheduler

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/kds/internal/domain"
)

// realScheduler — боевая реализация Scheduler поверх стандартных таймеров.
type realScheduler struct{}

// New возвращает Scheduler на базе time.AfterFunc и time.Ticker.
func New() domain.Scheduler {
	return realScheduler{}
}

// After вызывает fn один раз по истечении d.
func (realScheduler) After(d time.Duration, fn func()) domain.CancelFunc {
	timer := time.AfterFunc(d, fn)
	return func() { timer.Stop() }
}

// Every вызывает fn периодически до отмены.
func (realScheduler) Every(d time.Duration, fn func()) domain.CancelFunc {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

var _ domain.Scheduler = realScheduler{}

// Manual — детерминированный Scheduler для тестов: время двигается только
// явным вызовом Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	tasks  map[int]*manualTask
}

type manualTask struct {
	at       time.Time
	interval time.Duration // 0 — одноразовая задача
	fn       func()
}

// NewManual создаёт ручной планировщик с начальным моментом времени start.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:   start,
		tasks: make(map[int]*manualTask),
	}
}

// After регистрирует одноразовую задачу.
func (m *Manual) After(d time.Duration, fn func()) domain.CancelFunc {
	return m.schedule(d, 0, fn)
}

// Every регистрирует периодическую задачу.
func (m *Manual) Every(d time.Duration, fn func()) domain.CancelFunc {
	return m.schedule(d, d, fn)
}

func (m *Manual) schedule(d, interval time.Duration, fn func()) domain.CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.tasks[id] = &manualTask{at: m.now.Add(d), interval: interval, fn: fn}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tasks, id)
	}
}

// Now возвращает текущий момент ручного времени.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает время на d и выполняет все созревшие задачи в порядке их
// срабатывания. Задачи, запланированные изнутри обработчиков, тоже
// выполняются, если успевают созреть.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	deadline := m.now.Add(d)
	m.mu.Unlock()

	for {
		task, ok := m.nextDue(deadline)
		if !ok {
			break
		}
		task.fn()
	}

	m.mu.Lock()
	if m.now.Before(deadline) {
		m.now = deadline
	}
	m.mu.Unlock()
}

// nextDue выбирает самую раннюю задачу со сроком не позже deadline,
// продвигает время к ней и либо удаляет её (одноразовая), либо
// перепланирует (периодическая).
func (m *Manual) nextDue(deadline time.Time) (*manualTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bestID := 0
	var best *manualTask
	for id, task := range m.tasks {
		if task.at.After(deadline) {
			continue
		}
		if best == nil || task.at.Before(best.at) || (task.at.Equal(best.at) && id < bestID) {
			best = task
			bestID = id
		}
	}
	if best == nil {
		return nil, false
	}

	if best.at.After(m.now) {
		m.now = best.at
	}
	run := *best
	if best.interval > 0 {
		best.at = best.at.Add(best.interval)
	} else {
		delete(m.tasks, bestID)
	}
	return &run, true
}

// PendingCount возвращает число запланированных задач.
func (m *Manual) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

var _ domain.Scheduler = (*Manual)(nil)
