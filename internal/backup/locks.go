package backup

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrShuttingDown is returned by RepoLocks.Acquire once Drain has started.
var ErrShuttingDown = errors.New("shutting down: no new repository operations accepted")

// repoLock is a FIFO mutex. Ownership is handed directly to the oldest
// waiter on release so later arrivals can never overtake it.
type repoLock struct {
	held    bool
	waiters []chan struct{}
}

// RepoLocks serializes operations per repository name. Locks are created on
// first use and never removed.
type RepoLocks struct {
	mu       sync.Mutex
	locks    map[string]*repoLock
	draining bool
	idle     chan struct{} // closed when draining and nothing is held
}

// NewRepoLocks creates an empty lock registry.
func NewRepoLocks() *RepoLocks {
	return &RepoLocks{
		locks: make(map[string]*repoLock),
	}
}

// Acquire blocks until the lock for name is held by the caller, ctx is done,
// or the registry is draining. The returned release func is safe to call
// more than once.
func (l *RepoLocks) Acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return nil, ErrShuttingDown
	}

	lk, ok := l.locks[name]
	if !ok {
		lk = &repoLock{}
		l.locks[name] = lk
	}

	if !lk.held {
		lk.held = true
		l.mu.Unlock()
		return l.releaser(name), nil
	}

	ready := make(chan struct{})
	lk.waiters = append(lk.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return l.releaser(name), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range lk.waiters {
			if w == ready {
				lk.waiters = append(lk.waiters[:i], lk.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// Ownership was handed over concurrently; pass it on.
		l.release(name)
		return nil, ctx.Err()
	}
}

func (l *RepoLocks) releaser(name string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(name) })
	}
}

func (l *RepoLocks) release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locks[name]
	if !ok || !lk.held {
		return
	}

	if len(lk.waiters) > 0 {
		next := lk.waiters[0]
		lk.waiters = lk.waiters[1:]
		close(next)
		return
	}

	lk.held = false
	l.signalIdleLocked()
}

func (l *RepoLocks) signalIdleLocked() {
	if !l.draining || l.idle == nil {
		return
	}
	for _, lk := range l.locks {
		if lk.held {
			return
		}
	}
	select {
	case <-l.idle:
	default:
		close(l.idle)
	}
}

// Drain stops new acquisitions and waits until every held lock has been
// released. Operations already queued behind a held lock still run.
func (l *RepoLocks) Drain(ctx context.Context) error {
	l.mu.Lock()
	if !l.draining {
		l.draining = true
		l.idle = make(chan struct{})
	}
	idle := l.idle
	l.signalIdleLocked()
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Draining reports whether Drain has been called.
func (l *RepoLocks) Draining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// Held reports whether the lock for name is currently held.
func (l *RepoLocks) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[name]
	return ok && lk.held
}

// HeldNames returns the names of all currently held locks, sorted.
func (l *RepoLocks) HeldNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var names []string
	for name, lk := range l.locks {
		if lk.held {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Waiting returns the number of callers queued for name.
func (l *RepoLocks) Waiting(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk, ok := l.locks[name]; ok {
		return len(lk.waiters)
	}
	return 0
}
