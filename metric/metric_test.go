package metric

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStat(t *testing.T) {
	t.Parallel()

	s := NewStat()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Inc("processed")
			s.Add("discarded_bytes", 3)
			s.Observe("duration", time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), s.Get("processed"))
	assert.Equal(t, int64(30), s.Get("discarded_bytes"))
	assert.Equal(t, int64(0), s.Get("missing"))
	assert.Equal(t, map[string]int64{
		"processed":       10,
		"discarded_bytes": 30,
		"duration_count":  10,
		"duration_ns":     int64(10 * time.Millisecond),
	}, s.Snapshot())
	assert.Equal(t, "discarded_bytes=30 duration_count=10 duration_ns=10000000 processed=10", s.Format())
	assert.Equal(t, `{"discarded_bytes": 30, "duration_count": 10, "duration_ns": 10000000, "processed": 10}`, s.String())
}

func TestProm(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p, err := NewProm("radiogate", reg)
	require.NoError(t, err)
	p.Inc("ok")
	p.Inc("ok")
	p.Add("discarded_bytes", 5)
	p.Observe("processing", 2*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.counters.WithLabelValues("ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(p.counters.WithLabelValues("discarded_bytes")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.durations))

	_, err = NewProm("radiogate", reg)
	require.Error(t, err, "duplicate registration")
}

func TestMulti(t *testing.T) {
	t.Parallel()

	a, b := NewStat(), NewStat()
	var r Recorder = Multi{a, b, Nop{}}
	r.Inc("x")
	r.Add("x", 2)
	r.Observe("d", time.Second)
	assert.Equal(t, int64(3), a.Get("x"))
	assert.Equal(t, int64(3), b.Get("x"))
	assert.Equal(t, int64(1), b.Get("d_count"))
}
