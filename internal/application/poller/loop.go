package poller

import (
	"context"
	"sync"
	"time"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

type loop struct {
	id     string
	cancel context.CancelFunc
	wake   chan struct{}

	mu          sync.Mutex
	paused      bool
	pausedUntil time.Time
	failures    int
}

func newLoop(id string, cancel context.CancelFunc) *loop {
	return &loop{
		id:     id,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (l *loop) pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

func (l *loop) pauseUntil(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pausedUntil = t
}

func (l *loop) resume() {
	l.mu.Lock()
	l.paused = false
	l.pausedUntil = time.Time{}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// pausedAt reports whether ticks are suspended at now and, for an automatic
// pause, when it ends.
func (l *loop) pausedAt(now time.Time) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return time.Time{}, true
	}
	if now.Before(l.pausedUntil) {
		return l.pausedUntil, true
	}
	return time.Time{}, false
}

func (l *loop) failed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	return l.failures
}

func (l *loop) succeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
}

func (l *loop) state(now time.Time) domain.LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.LoopState{
		PaymentID:           l.id,
		Paused:              l.paused || now.Before(l.pausedUntil),
		PausedUntil:         l.pausedUntil,
		ConsecutiveFailures: l.failures,
	}
}
