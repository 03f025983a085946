package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/lexflow/lead-pipeline/internal/model"
)

// SessionLocker serializes work on one lead session inside this process.
// Cross-process writers are fenced by the session version instead.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[model.SessionKey]*sessionSlot
}

type sessionSlot struct {
	sem  chan struct{}
	refs int
}

// NewSessionLocker creates a session locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{locks: make(map[model.SessionKey]*sessionSlot)}
}

// Lock blocks until the session is free or ctx ends. The returned unlock
// must be called exactly once.
func (l *SessionLocker) Lock(ctx context.Context, key model.SessionKey) (unlock func(), err error) {
	l.mu.Lock()
	slot, ok := l.locks[key]
	if !ok {
		slot = &sessionSlot{sem: make(chan struct{}, 1)}
		l.locks[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.sem
				l.release(key, slot)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, slot)
		return nil, fmt.Errorf("session lock %s: %w", key, ctx.Err())
	}
}

func (l *SessionLocker) release(key model.SessionKey, slot *sessionSlot) {
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// ActiveCount returns the number of sessions with held or pending locks.
func (l *SessionLocker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
