// Package pipeline runs side effects through circuit breaker and retry,
// failed operations go to dead-letter store.
package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/breaker"
	"github.com/temoto/radiogate/deadletter"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/retry"
)

type HandlerFunc func(ctx context.Context, args []byte) error

// Tiers is dead-letter MaxRetries by failure class.
type Tiers struct {
	Open      int
	Exhausted int
	Other     int
}

func DefaultTiers() Tiers { return Tiers{Open: 20, Exhausted: 5, Other: 2} }

func (t Tiers) For(err error) int {
	switch fault.KindOf(err) {
	case fault.CircuitOpen:
		return t.Open
	case fault.RetryExhausted:
		return t.Exhausted
	}
	return t.Other
}

type Config struct {
	Retry   retry.Policy
	Breaker breaker.Config
	Tiers   Tiers
}

func DefaultConfig() Config {
	return Config{
		Retry:   retry.DefaultPolicy(),
		Breaker: breaker.DefaultConfig(""),
		Tiers:   DefaultTiers(),
	}
}

type handler struct {
	name    string
	fn      HandlerFunc
	policy  retry.Policy
	breaker *breaker.Breaker
	bconfig breaker.Config
}

type Option func(*handler)

func WithPolicy(p retry.Policy) Option              { return func(h *handler) { h.policy = p } }
func WithBreaker(cfg breaker.Config) Option         { return func(h *handler) { h.bconfig = cfg } }
func WithBreakerInstance(b *breaker.Breaker) Option { return func(h *handler) { h.breaker = b } }

// Pipeline composes breaker(retry(handler)) per named operation class.
type Pipeline struct {
	cfg  Config
	log  *log2.Log
	exec *retry.Executor
	dlq  *deadletter.Store

	mu       sync.RWMutex
	handlers map[string]*handler
}

func New(cfg Config, exec *retry.Executor, dlq *deadletter.Store, log *log2.Log) *Pipeline {
	if exec == nil || dlq == nil {
		panic("code error pipeline.New requires retry executor and deadletter store")
	}
	return &Pipeline{
		cfg:      cfg,
		log:      log,
		exec:     exec,
		dlq:      dlq,
		handlers: make(map[string]*handler),
	}
}

// Handle registers operation class. Registering same name twice replaces handler and breaker.
func (p *Pipeline) Handle(name string, fn HandlerFunc, opts ...Option) {
	h := &handler{name: name, fn: fn, policy: p.cfg.Retry, bconfig: p.cfg.Breaker}
	for _, opt := range opts {
		opt(h)
	}
	if h.breaker == nil {
		h.bconfig.Name = name
		h.breaker = breaker.New(h.bconfig, p.log)
	}
	p.mu.Lock()
	p.handlers[name] = h
	p.mu.Unlock()
}

func (p *Pipeline) handler(name string) (*handler, error) {
	p.mu.RLock()
	h, ok := p.handlers[name]
	p.mu.RUnlock()
	if !ok {
		return nil, errors.NotFoundf("pipeline operation=%s", name)
	}
	return h, nil
}

// Execute returns original failure after routing it into dead-letter store.
func (p *Pipeline) Execute(ctx context.Context, name string, args []byte) error {
	h, err := p.handler(name)
	if err != nil {
		return err
	}
	err = h.breaker.Call(ctx, func(ctx context.Context) error {
		return p.exec.Do(ctx, name, h.policy, func(ctx context.Context) error {
			return h.fn(ctx, args)
		})
	})
	if err == nil {
		return nil
	}
	maxRetries := p.cfg.Tiers.For(err)
	p.log.Debugf("pipeline %s failed kind=%s deadletter max_retries=%d err=%v", name, fault.KindOf(err), maxRetries, err)
	if dlqErr := p.dlq.Enqueue(name, args, err, maxRetries); dlqErr != nil {
		p.log.Errorf("pipeline %s deadletter err=%v", name, dlqErr)
	}
	return err
}

// Redrive is deadletter.RedriveFunc: handler through breaker only, redrive has its own backoff.
func (p *Pipeline) Redrive(ctx context.Context, e deadletter.Entry) error {
	h, err := p.handler(e.Operation)
	if err != nil {
		return err
	}
	return h.breaker.Call(ctx, func(ctx context.Context) error {
		return h.fn(ctx, e.Args)
	})
}

func (p *Pipeline) Breaker(name string) *breaker.Breaker {
	h, err := p.handler(name)
	if err != nil {
		return nil
	}
	return h.breaker
}

// Metrics of all breakers sorted by operation name.
func (p *Pipeline) Metrics() []breaker.Metrics {
	p.mu.RLock()
	ms := make([]breaker.Metrics, 0, len(p.handlers))
	for _, h := range p.handlers {
		ms = append(ms, h.breaker.Metrics())
	}
	p.mu.RUnlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
	return ms
}

func (p *Pipeline) DeadLetter() *deadletter.Store { return p.dlq }
