// Package metric records processing counters.
package metric

import (
	"expvar"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implementations are safe for concurrent use.
type Recorder interface {
	Inc(name string)
	Add(name string, n int64)
	Observe(name string, d time.Duration)
}

type Nop struct{}

func (Nop) Inc(string)                    {}
func (Nop) Add(string, int64)             {}
func (Nop) Observe(string, time.Duration) {}

// Stat keeps counters in expvar.Map. Durations are kept as name_count and name_ns.
type Stat struct {
	m *expvar.Map
}

func NewStat() *Stat { return &Stat{m: new(expvar.Map).Init()} }

// Publish makes counters visible at /debug/vars. Panics on duplicate name, like expvar.Publish.
func (s *Stat) Publish(name string) { expvar.Publish(name, s.m) }

func (s *Stat) Inc(name string)          { s.m.Add(name, 1) }
func (s *Stat) Add(name string, n int64) { s.m.Add(name, n) }
func (s *Stat) Observe(name string, d time.Duration) {
	s.m.Add(name+"_count", 1)
	s.m.Add(name+"_ns", int64(d))
}

func (s *Stat) Get(name string) int64 {
	if v, ok := s.m.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func (s *Stat) Snapshot() map[string]int64 {
	r := make(map[string]int64)
	s.m.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			r[kv.Key] = v.Value()
		}
	})
	return r
}

// String is JSON object, sorted keys.
func (s *Stat) String() string { return s.m.String() }

// Format is "k=v" pairs for logs.
func (s *Stat) Format() string {
	snap := s.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := make([]byte, 0, 32*len(keys))
	for i, k := range keys {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, k...)
		b = append(b, '=')
		b = strconv.AppendInt(b, snap[k], 10)
	}
	return string(b)
}

// Prom exports counters as <namespace>_events_total{name} and
// durations as <namespace>_duration_seconds{name}.
type Prom struct {
	counters  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	p := &Prom{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Processing events by name",
		}, []string{"name"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Processing duration by name",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"name"}),
	}
	if err := reg.Register(p.counters); err != nil {
		return nil, err
	}
	if err := reg.Register(p.durations); err != nil {
		reg.Unregister(p.counters)
		return nil, err
	}
	return p, nil
}

func (p *Prom) Inc(name string) { p.counters.WithLabelValues(name).Inc() }
func (p *Prom) Add(name string, n int64) {
	p.counters.WithLabelValues(name).Add(float64(n))
}
func (p *Prom) Observe(name string, d time.Duration) {
	p.durations.WithLabelValues(name).Observe(d.Seconds())
}

// Multi fans out to every recorder.
type Multi []Recorder

func (m Multi) Inc(name string) {
	for _, r := range m {
		r.Inc(name)
	}
}
func (m Multi) Add(name string, n int64) {
	for _, r := range m {
		r.Add(name, n)
	}
}
func (m Multi) Observe(name string, d time.Duration) {
	for _, r := range m {
		r.Observe(name, d)
	}
}
