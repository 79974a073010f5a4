// Package breaker stops calling a failing dependency for a while.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/log2"
)

type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", s)
}

type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// Expected errors count as failures. Other errors pass through without state change.
	Expected fault.Set
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		Expected:         fault.Retryable | fault.NewSet(fault.RetryExhausted),
	}
}

type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is open retry_after=%v", e.Name, e.RetryAfter)
}
func (*OpenError) FaultKind() fault.Kind { return fault.CircuitOpen }

type Metrics struct {
	Name                 string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	Calls                uint64
	Failures             uint64
	Rejected             uint64
	Opens                uint64
}

func (m Metrics) String() string {
	return fmt.Sprintf("breaker %s state=%s failures=%d/%d calls=%d rejected=%d opens=%d",
		m.Name, m.State, m.ConsecutiveFailures, m.Failures, m.Calls, m.Rejected, m.Opens)
}

// Breaker lock is never held while operation runs.
type Breaker struct {
	cfg Config
	log *log2.Log
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
	calls     uint64
	failTotal uint64
	rejected  uint64
	opens     uint64
}

func New(cfg Config, log *log2.Log) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{cfg: cfg, log: log, now: time.Now}
}

// SetClock must be called before use.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

func (b *Breaker) Name() string { return b.cfg.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked_tick(b.now())
	return b.state
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked_tick(b.now())
	return Metrics{
		Name:                 b.cfg.Name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		OpenedAt:             b.openedAt,
		Calls:                b.calls,
		Failures:             b.failTotal,
		Rejected:             b.rejected,
		Opens:                b.opens,
	}
}

// Call returns *OpenError without running op when circuit is open
// or half-open probe is already in flight.
// Panic in op counts as failure and is propagated.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}
	defer func() {
		if x := recover(); x != nil {
			b.release(probe, errors.Errorf("breaker %s panic: %v", b.cfg.Name, x), true)
			panic(x)
		}
	}()
	err = op(ctx)
	b.release(probe, err, err != nil && b.cfg.Expected.Matches(err))
	return err
}

func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.locked_tick(now)
	switch b.state {
	case Closed:
		b.calls++
		return false, nil
	case HalfOpen:
		if !b.probing {
			b.probing = true
			b.calls++
			return true, nil
		}
		b.rejected++
		return false, &OpenError{Name: b.cfg.Name}
	}
	b.rejected++
	return false, &OpenError{Name: b.cfg.Name, RetryAfter: b.cfg.Timeout - now.Sub(b.openedAt)}
}

func (b *Breaker) release(probe bool, err error, expected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if expected {
		b.failTotal++
	}
	now := b.now()
	if probe {
		b.probing = false
		switch {
		case err == nil:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.locked_set(Closed, now)
			}
		case expected:
			b.locked_set(Open, now)
		}
		return
	}
	if b.state != Closed {
		// result of call admitted before circuit opened
		return
	}
	switch {
	case err == nil:
		b.failures = 0
	case expected:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.log.Errorf("breaker %s open after failures=%d err=%v", b.cfg.Name, b.failures, err)
			b.locked_set(Open, now)
		}
	}
}

func (b *Breaker) locked_tick(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Timeout {
		b.locked_set(HalfOpen, now)
	}
}

func (b *Breaker) locked_set(s State, now time.Time) {
	if s == b.state {
		return
	}
	b.log.Debugf("breaker %s %s -> %s", b.cfg.Name, b.state, s)
	b.state = s
	switch s {
	case Closed:
		b.failures = 0
		b.successes = 0
		b.openedAt = time.Time{}
	case Open:
		b.openedAt = now
		b.successes = 0
		b.probing = false
		b.opens++
	case HalfOpen:
		b.successes = 0
		b.probing = false
	}
}

// Reset forces Closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked_set(Closed, b.now())
	b.failures = 0
}
