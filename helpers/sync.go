package helpers

import (
	"sync"

	"github.com/temoto/alive/v2"
)

// AliveSub stops leaf when root stops. Returns when either is stopped.
func AliveSub(root, leaf *alive.Alive) {
	select {
	case <-root.StopChan():
		leaf.Stop()
	case <-leaf.StopChan():
	}
}

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// ErrorOnce keeps first non-nil error reported by concurrent workers.
type ErrorOnce struct {
	mu  sync.Mutex
	err error
}

func (e *ErrorOnce) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Store returns true if err was kept.
func (e *ErrorOnce) Store(err error) bool {
	if err == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return false
	}
	e.err = err
	return true
}
