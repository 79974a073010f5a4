// Package retry runs operations with limited exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/log2"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter adds random [0,Jitter) fraction of delay.
	Jitter    float64
	Retryable fault.Set
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
		Retryable:   fault.Retryable,
	}
}

func (p Policy) String() string {
	return fmt.Sprintf("attempts=%d base=%v max=%v k=%g jitter=%g retryable=%v",
		p.MaxAttempts, p.BaseDelay, p.MaxDelay, p.Multiplier, p.Jitter, p.Retryable.Kinds())
}

// Delay before attempt+1, after attempt failed: min(Base*K^(attempt-1), Max) plus jitter.
// random is in [0,1).
func (p Policy) Delay(attempt int, random float64) time.Duration {
	b := helpers.Backoff{Min: p.BaseDelay, Max: p.MaxDelay, K: float32(p.Multiplier), Res: time.Microsecond}
	if p.MaxDelay < p.BaseDelay {
		b.Max = p.BaseDelay
	}
	d := b.Nth(attempt)
	if p.Jitter > 0 {
		d += time.Duration(float64(d) * p.Jitter * random)
	}
	return d
}

type ExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry %s exhausted attempts=%d last=%v", e.Name, e.Attempts, e.Last)
}
func (*ExhaustedError) FaultKind() fault.Kind { return fault.RetryExhausted }
func (e *ExhaustedError) Unwrap() error     { return e.Last }

type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor is safe for concurrent use. Sleep only suspends the caller.
type Executor struct {
	log   *log2.Log
	sleep SleepFunc

	mu   sync.Mutex
	rand *rand.Rand
}

func NewExecutor(log *log2.Log) *Executor {
	return &Executor{
		log:   log,
		sleep: sleepContext,
		rand:  helpers.RandUnix(),
	}
}

// SetSleep replaces delay function, must be called before use.
func (e *Executor) SetSleep(f SleepFunc) { e.sleep = f }

func (e *Executor) random() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rand.Float64()
}

// Do returns nil, non retryable op error as is, context error or *ExhaustedError.
func (e *Executor) Do(ctx context.Context, name string, p Policy, op func(context.Context) error) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Annotatef(ctxErr, "retry %s attempt=%d", name, attempt)
		}
		err = op(ctx)
		if err == nil {
			if attempt > 1 {
				e.log.Debugf("retry %s success attempt=%d", name, attempt)
			}
			return nil
		}
		kind := fault.KindOf(err)
		if !p.Retryable.Has(kind) {
			return err
		}
		if attempt >= max {
			break
		}
		delay := p.Delay(attempt, e.random())
		e.log.Debugf("retry %s attempt=%d/%d kind=%s delay=%v err=%v", name, attempt, max, kind, delay, err)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return errors.Annotatef(sleepErr, "retry %s attempt=%d last=%v", name, attempt, err)
		}
	}
	e.log.Debugf("retry %s exhausted attempts=%d err=%v", name, max, err)
	return &ExhaustedError{Name: name, Attempts: max, Last: err}
}
