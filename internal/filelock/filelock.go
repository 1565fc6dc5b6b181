// ABOUTME: Named in-process mutexes with FIFO hand-off between waiters
// ABOUTME: Provides Acquire/Release/WithLock with context-aware waiting

package filelock

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned to waiters and new callers once the Locker is closed.
var ErrClosed = errors.New("filelock: closed")

// entry exists in the map while its name is held.
type entry struct {
	waiters *list.List // of chan error, oldest at front
}

// Locker hands out named locks. The zero value is not usable; call New.
type Locker struct {
	mu     sync.Mutex
	locks  map[string]*entry
	closed bool
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Acquire blocks until the named lock is held by the caller or ctx is done.
// The returned release function is safe to call more than once.
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}

	e, held := l.locks[name]
	if !held {
		l.locks[name] = &entry{waiters: list.New()}
		l.mu.Unlock()
		return l.releaseFunc(name), nil
	}

	// buffered so a hand-off never blocks the releasing goroutine
	ch := make(chan error, 1)
	elem := e.waiters.PushBack(ch)
	l.mu.Unlock()

	select {
	case err := <-ch:
		if err != nil {
			return nil, err
		}
		return l.releaseFunc(name), nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case err := <-ch:
			// handed off (or closed) while we were giving up
			l.mu.Unlock()
			if err == nil {
				l.Release(name)
			}
		default:
			e.waiters.Remove(elem)
			l.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// Release passes the named lock to the next waiter, or frees it when nobody waits.
// Releasing a name that is not held is a no-op.
func (l *Locker) Release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, held := l.locks[name]
	if !held {
		return
	}

	front := e.waiters.Front()
	if front == nil {
		delete(l.locks, name)
		return
	}
	e.waiters.Remove(front)
	front.Value.(chan error) <- nil
}

// WithLock runs fn while holding the named lock. The lock is released when fn
// returns or panics.
func (l *Locker) WithLock(ctx context.Context, name string, fn func() error) error {
	release, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

// Held reports whether the named lock is currently held.
func (l *Locker) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.locks[name]
	return held
}

// Close wakes every waiter with ErrClosed and rejects later acquisitions.
// Current holders keep their locks until they release.
func (l *Locker) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true

	for _, e := range l.locks {
		for el := e.waiters.Front(); el != nil; el = el.Next() {
			el.Value.(chan error) <- ErrClosed
		}
		e.waiters.Init()
	}
}

func (l *Locker) releaseFunc(name string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.Release(name) })
	}
}
