// Package sink delivers stored readings to upstream consumers.
//
// Outbox contract:
// - Push blocks at most for disk write, transport may be slow or absent
// - readings are delivered at least once, in order of arrival
// - Stop() waits for the in-flight publish and keeps undelivered readings on disk
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/metric"
	"github.com/temoto/radiogate/pipeline"
	"github.com/temoto/radiogate/profile"
	"github.com/temoto/spq"
)

// Recorder counter names.
const (
	CountSent    = "sink_sent"
	CountRetry   = "sink_retry"
	CountDropped = "sink_dropped"
)

const (
	defaultRetryMin = 1 * time.Second
	defaultRetryMax = 1 * time.Minute
)

type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

type OutboxConfig struct {
	// Path of spq directory. spq.OnlyForTesting keeps queue in memory.
	Path     string
	RetryMin time.Duration
	RetryMax time.Duration
}

type Outbox struct {
	alive     *alive.Alive
	log       *log2.Log
	q         *spq.Queue
	transport Transport
	rec       metric.Recorder
	backoff   helpers.Backoff

	mu      sync.Mutex
	started bool
}

func NewOutbox(cfg OutboxConfig, t Transport, rec metric.Recorder, log *log2.Log) (*Outbox, error) {
	if t == nil {
		panic("code error sink.NewOutbox transport=nil")
	}
	if cfg.Path == "" {
		return nil, errors.NotValidf("sink outbox path=empty")
	}
	if rec == nil {
		rec = metric.Nop{}
	}
	q, err := spq.Open(cfg.Path)
	if err != nil {
		return nil, errors.Annotate(err, "sink queue")
	}
	o := &Outbox{
		alive:     alive.NewAlive(),
		log:       log,
		q:         q,
		transport: t,
		rec:       rec,
		backoff: helpers.Backoff{
			Min: cfg.RetryMin,
			Max: cfg.RetryMax,
			K:   2,
		},
	}
	if o.backoff.Min <= 0 {
		o.backoff.Min = defaultRetryMin
	}
	if o.backoff.Max < o.backoff.Min {
		o.backoff.Max = defaultRetryMax
	}
	return o, nil
}

// Push appends encoded reading to durable queue.
func (o *Outbox) Push(b []byte) error {
	if len(b) == 0 {
		return errors.NotValidf("sink push payload=empty")
	}
	if err := o.q.Push(b); err != nil {
		if err == spq.ErrClosed {
			return fault.New(fault.Unavailable, "sink push", err)
		}
		return fault.New(fault.Storage, "sink push", err)
	}
	return nil
}

func (o *Outbox) PushReading(r profile.Reading) error {
	b, err := r.MarshalBinary()
	if err != nil {
		return errors.Annotate(err, "sink encode reading")
	}
	return o.Push(b)
}

// Handler for pipeline store_reading operation. args are encoded profile.Reading.
func (o *Outbox) Handler() pipeline.HandlerFunc {
	return func(ctx context.Context, args []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r profile.Reading
		if err := r.UnmarshalBinary(args); err != nil {
			return fault.New(fault.Invalid, "sink store reading", err)
		}
		return o.Push(args)
	}
}

func (o *Outbox) Start(ctx context.Context) error {
	if !o.alive.Add(1) {
		return errors.Errorf("sink outbox stopped")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		o.alive.Done()
		return errors.AlreadyExistsf("sink outbox worker")
	}
	o.started = true
	go o.worker(ctx)
	return nil
}

// Stop worker, close queue and transport.
func (o *Outbox) Stop() error {
	o.alive.Stop()
	// unblocks Peek
	qerr := o.q.Close()
	o.alive.Wait()
	terr := o.transport.Close()
	return helpers.FoldErrors([]error{qerr, terr})
}

func (o *Outbox) worker(ctx context.Context) {
	defer o.alive.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	failures := 0
	for o.alive.IsRunning() && ctx.Err() == nil {
		box, err := o.q.Peek()
		switch err {
		case nil:
			// success path
			b := box.Bytes()
			if o.handle(ctx, b) {
				failures = 0
				if err = o.q.Delete(box); err != nil {
					o.log.Errorf("sink Delete b=%x err=%v", b, err)
				}
				continue
			}
			if !o.alive.IsRunning() {
				return
			}
			failures++
			if err = o.q.DeletePush(box); err != nil {
				o.log.Errorf("sink DeletePush b=%x err=%v", b, err)
			}

		case spq.ErrClosed:
			if o.alive.IsRunning() {
				o.log.Errorf("CRITICAL sink spq closed unexpectedly")
			}
			return

		default:
			failures++
			o.log.Errorf("CRITICAL sink spq err=%v corrupted=%t", err, spq.IsCorrupted(err))
		}

		select {
		case <-time.After(o.backoff.Nth(failures)):
		case <-ctx.Done():
			return
		}
	}
}

// handle returns true when item must be removed from queue.
func (o *Outbox) handle(ctx context.Context, b []byte) bool {
	var r profile.Reading
	if err := r.UnmarshalBinary(b); err != nil {
		o.log.Errorf("sink drop undecodable b=%x err=%v", b, err)
		o.rec.Inc(CountDropped)
		return true
	}
	if err := o.transport.Publish(ctx, b); err != nil {
		o.log.Errorf("sink publish device=%s err=%v", r.Device, err)
		o.rec.Inc(CountRetry)
		return false
	}
	o.log.Debugf("sink sent %s", r.String())
	o.rec.Inc(CountSent)
	return true
}
