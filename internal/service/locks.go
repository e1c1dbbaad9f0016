package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// sessionLocks serializes requests per session id. Entries are dropped once
// no request holds or waits for them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the session is free or ctx is done.
func (l *sessionLocks) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sessionLock{sem: semaphore.NewWeighted(1)}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	if err := lock.sem.Acquire(ctx, 1); err != nil {
		l.unref(sessionID, lock)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.sem.Release(1)
			l.unref(sessionID, lock)
		})
	}, nil
}

// TryAcquire takes the session lock only if it is free.
func (l *sessionLocks) TryAcquire(sessionID string) (func(), bool) {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sessionLock{sem: semaphore.NewWeighted(1)}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	if !lock.sem.TryAcquire(1) {
		l.unref(sessionID, lock)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			lock.sem.Release(1)
			l.unref(sessionID, lock)
		})
	}, true
}

func (l *sessionLocks) unref(sessionID string, lock *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, sessionID)
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
