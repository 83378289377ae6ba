// Package lockfile provides the reentrant shared/exclusive advisory locks
// gup uses to serialize concurrent builds of the same target and to make
// .deps/.deps2 reads and appends safe across processes. It wraps
// github.com/gofrs/flock rather than hand-rolling one over syscall.Flock.
package lockfile

import (
	"sync"

	"github.com/gofrs/flock"
)

// Kind is the flavor of hold a Lock currently has.
type Kind int

const (
	None Kind = iota
	Shared
	Exclusive
)

// Lock is a single advisory lock file, safe for reentrant upgrade from a
// shared to an exclusive hold by the same process: re-requesting a kind
// already held is a no-op, and upgrading restores the previous kind when
// released.
type Lock struct {
	path string

	mu   sync.Mutex
	fl   *flock.Flock
	kind Kind
}

func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Read acquires (or reuses) a shared hold and returns a function that
// restores the lock to whatever it held before this call.
func (l *Lock) Read() (release func(), err error) {
	return l.acquire(Shared)
}

// Write acquires (or reuses/upgrades to) an exclusive hold and returns a
// function that restores the lock to whatever it held before this call.
func (l *Lock) Write() (release func(), err error) {
	return l.acquire(Exclusive)
}

func (l *Lock) acquire(want Kind) (func(), error) {
	l.mu.Lock()
	prev := l.kind
	if l.kind == want || (want == Shared && l.kind == Exclusive) {
		// Already holding at least as strong a lock as requested: no-op.
		l.mu.Unlock()
		return func() {}, nil
	}
	if l.kind == Shared && want == Exclusive {
		if err := l.fl.Unlock(); err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.kind = None
	}
	var lockErr error
	if want == Shared {
		lockErr = l.fl.RLock()
	} else {
		lockErr = l.fl.Lock()
	}
	if lockErr != nil {
		l.mu.Unlock()
		return nil, lockErr
	}
	l.kind = want
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if prev == l.kind {
			return
		}
		l.fl.Unlock()
		l.kind = None
		if prev == Shared {
			if err := l.fl.RLock(); err == nil {
				l.kind = Shared
			}
		}
	}, nil
}
