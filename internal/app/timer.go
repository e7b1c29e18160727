package app

import (
	"sync"
	"time"
)

// TimerManager runs one deadline watcher per active attempt. Each watcher
// recomputes the remaining budget from the attempt's absolute start timestamp
// on every tick, so clock drift or missed ticks cannot desynchronize it; tick
// counting is never the authority for "time is up".
type TimerManager struct {
	tick     time.Duration
	now      func() time.Time
	onExpire func(attemptID string)

	mu     sync.Mutex
	stops  map[string]chan struct{}
	closed bool
}

// NewTimerManager creates a manager firing onExpire at most once per attempt.
func NewTimerManager(tick time.Duration, onExpire func(attemptID string)) *TimerManager {
	if tick <= 0 {
		tick = time.Second
	}
	return &TimerManager{
		tick:     tick,
		now:      time.Now,
		onExpire: onExpire,
		stops:    make(map[string]chan struct{}),
	}
}

// NewTimerManagerWithClock is test-only for deterministic deadlines.
func NewTimerManagerWithClock(tick time.Duration, onExpire func(string), now func() time.Time) *TimerManager {
	m := NewTimerManager(tick, onExpire)
	m.now = now
	return m
}

// Schedule starts a deadline watcher for the attempt. Scheduling an attempt
// that already has a watcher is a no-op, so reconnects are safe.
func (m *TimerManager) Schedule(attemptID string, startedAt time.Time, limit time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.stops[attemptID]; ok {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stops[attemptID] = stop
	m.mu.Unlock()

	deadline := startedAt.Add(limit)
	go m.watch(attemptID, deadline, stop)
}

func (m *TimerManager) watch(attemptID string, deadline time.Time, stop chan struct{}) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		if !m.now().Before(deadline) {
			m.remove(attemptID)
			m.onExpire(attemptID)
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Cancel stops the watcher for an attempt; idempotent if already stopped.
func (m *TimerManager) Cancel(attemptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.stops[attemptID]; ok {
		close(stop)
		delete(m.stops, attemptID)
	}
}

// StopAll cancels every watcher; used on server shutdown.
func (m *TimerManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, stop := range m.stops {
		close(stop)
		delete(m.stops, id)
	}
}

// Active returns how many watchers are currently running.
func (m *TimerManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stops)
}

func (m *TimerManager) remove(attemptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stops, attemptID)
}
