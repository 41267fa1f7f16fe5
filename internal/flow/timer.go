package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer schedules deferred work, used by delay nodes to resume traversal.
type Timer interface {
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	Cancel(id string) error
	Stop()
}

// TimerInfo describes a pending timer.
type TimerInfo struct {
	ID          string
	ScheduledAt time.Time
	ExpiresAt   time.Time
	Description string
}

type timerEntry struct {
	timer *time.Timer
	info  TimerInfo
}

// SimpleTimer implements Timer with time.AfterFunc. Timers do not survive a restart;
// the engine resumes overdue delays on the next inbound message.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.RWMutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	slog.Debug("Creating SimpleTimer")
	return &SimpleTimer{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter runs fn once delay has elapsed.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("timer function cannot be nil")
	}
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	now := time.Now()

	timer := time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		slog.Debug("SimpleTimer executing scheduled function", "id", id)
		fn()
	})
	t.timers[id] = &timerEntry{
		timer: timer,
		info: TimerInfo{
			ID:          id,
			ScheduledAt: now,
			ExpiresAt:   now.Add(delay),
			Description: fmt.Sprintf("Timer scheduled for %v", delay),
		},
	}

	slog.Debug("SimpleTimer ScheduleAfter", "id", id, "delay", delay)
	return id, nil
}

// Cancel stops a pending timer. Unknown ids are ignored.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.timers[id]; ok {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer Cancel succeeded", "id", id)
	}
	return nil
}

// Stop cancels all pending timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Info("SimpleTimer stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
}

// ListActive returns the pending timers.
func (t *SimpleTimer) ListActive() []TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TimerInfo, 0, len(t.timers))
	for _, entry := range t.timers {
		out = append(out, entry.info)
	}
	return out
}
