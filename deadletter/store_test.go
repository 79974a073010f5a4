package deadletter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/log2"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testStore(t testing.TB, cfg Config, p Persister) (*Store, *fakeClock) {
	s, err := New(cfg, p, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
	s.SetClock(clock.Now)
	return s, clock
}

var errDown = fault.Errorf(fault.Unavailable, "store_reading", "down")

func TestEnqueue(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, clock := testStore(t, Config{Capacity: 10, RedriveMin: time.Second}, mp)
	require.NoError(t, s.Enqueue("store_reading", []byte{1, 2, 3}, errDown, 5))
	require.NoError(t, s.Enqueue("register_device", nil, errors.NotValidf("x"), 2))

	es := s.Entries()
	require.Len(t, es, 2)
	e := es[0]
	assert.NotEmpty(t, e.ID)
	assert.NotEqual(t, e.ID, es[1].ID)
	assert.Equal(t, "store_reading", e.Operation)
	assert.Equal(t, []byte{1, 2, 3}, e.Args)
	assert.Equal(t, fault.Unavailable, e.ErrorKind)
	assert.Equal(t, errDown.Error(), e.ErrorMessage)
	assert.Equal(t, 0, e.RetryCount)
	assert.Equal(t, 5, e.MaxRetries)
	assert.Equal(t, clock.Now(), e.EnqueuedAt)
	assert.Equal(t, clock.Now().Add(time.Second), e.NextAttempt)
	assert.Equal(t, fault.Invalid, es[1].ErrorKind)

	// returned entries are copies
	es[0].Args[0] = 0xff
	assert.Equal(t, byte(1), s.Entries()[0].Args[0])

	st := s.Statistics()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 10, st.Capacity)
	assert.Equal(t, uint64(2), st.Enqueued)
	assert.Equal(t, map[string]int{"store_reading": 1, "register_device": 1}, st.ByOperation)
	assert.Equal(t, map[string]int{"unavailable": 1, "invalid": 1}, st.ByKind)
	assert.Equal(t, clock.Now(), st.Oldest)

	assert.Equal(t, 2, mp.Saves())
	saved, _ := mp.LoadEntries()
	assert.Len(t, saved, 2)
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, _ := testStore(t, Config{Capacity: 2}, mp)
	require.NoError(t, s.Enqueue("a", nil, errDown, 1))
	require.NoError(t, s.Enqueue("b", nil, errDown, 1))
	err := s.Enqueue("c", nil, errDown, 1)
	require.Error(t, err)
	qf, ok := err.(*QueueFullError)
	require.True(t, ok)
	assert.Equal(t, 2, qf.Capacity)
	assert.Equal(t, "c", qf.Operation)
	assert.Equal(t, fault.QueueFull, fault.KindOf(err))

	st := s.Statistics()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 2, mp.Saves(), "drop is not a mutation")
}

func TestRedriveSuccess(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, clock := testStore(t, Config{Capacity: 10, RedriveMin: time.Second}, mp)
	require.NoError(t, s.Enqueue("op", []byte("x"), errDown, 3))

	var got []Entry
	fn := func(ctx context.Context, e Entry) error { got = append(got, e); return nil }
	assert.Equal(t, 0, s.RedriveDue(context.Background(), fn), "not due yet")
	clock.Advance(time.Second)
	assert.Equal(t, 1, s.RedriveDue(context.Background(), fn))
	require.Len(t, got, 1)
	assert.Equal(t, []byte("x"), got[0].Args)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(1), s.Statistics().Redriven)
	saved, _ := mp.LoadEntries()
	assert.Empty(t, saved)
}

func TestRedriveBackoffExpire(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, clock := testStore(t, Config{Capacity: 10, RedriveMin: time.Second, RedriveMax: time.Minute, RedriveK: 2}, mp)
	require.NoError(t, s.Enqueue("op", nil, errDown, 3))
	calls := 0
	fn := func(ctx context.Context, e Entry) error {
		calls++
		assert.Equal(t, calls-1, e.RetryCount)
		return fault.Errorf(fault.Timeout, "op", "call=%d", calls)
	}

	clock.Advance(time.Second)
	require.Equal(t, 1, s.RedriveDue(context.Background(), fn))
	e := s.Entries()[0]
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, fault.Timeout, e.ErrorKind)
	assert.Equal(t, "op timeout: call=1", e.ErrorMessage)
	assert.Equal(t, clock.Now().Add(2*time.Second), e.NextAttempt)

	clock.Advance(time.Second)
	assert.Equal(t, 0, s.RedriveDue(context.Background(), fn))
	clock.Advance(time.Second)
	require.Equal(t, 1, s.RedriveDue(context.Background(), fn))
	assert.Equal(t, clock.Now().Add(4*time.Second), s.Entries()[0].NextAttempt)

	clock.Advance(4 * time.Second)
	require.Equal(t, 1, s.RedriveDue(context.Background(), fn))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, s.Len())
	st := s.Statistics()
	assert.Equal(t, uint64(1), st.Expired)
	assert.Equal(t, uint64(3), st.RedriveFailures)
	assert.Equal(t, uint64(0), st.Redriven)
	saved, _ := mp.LoadEntries()
	assert.Empty(t, saved)
}

func TestExpireWithoutAttempt(t *testing.T) {
	t.Parallel()

	s, clock := testStore(t, Config{Capacity: 10, RedriveMin: time.Second}, nil)
	require.NoError(t, s.Enqueue("op", nil, errDown, 0))
	clock.Advance(time.Second)
	n := s.RedriveDue(context.Background(), func(context.Context, Entry) error {
		t.Error("must not be called")
		return nil
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), s.Statistics().Expired)
}

func TestPersistError(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, _ := testStore(t, Config{Capacity: 10}, mp)
	mp.SetError(fmt.Errorf("disk full"))
	require.NoError(t, s.Enqueue("op", nil, errDown, 1))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(1), s.Statistics().PersistErrors)

	mp.SetError(nil)
	s.Stop()
	saved, _ := mp.LoadEntries()
	assert.Len(t, saved, 1, "final snapshot")
}

func TestFileSnapshotReload(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	root := t.TempDir()
	fs, err := NewFileSnapshot(root, log)
	require.NoError(t, err)
	s, _ := testStore(t, Config{Capacity: 10}, fs)
	require.NoError(t, s.Enqueue("store_reading", []byte{0xa5, 0x01}, errDown, 5))
	require.NoError(t, s.Enqueue("register_device", []byte("kitchen"), errDown, 2))
	before := s.Entries()
	s.Stop()

	fs2, err := NewFileSnapshot(root, log)
	require.NoError(t, err)
	s2, err := New(Config{Capacity: 10}, fs2, log)
	require.NoError(t, err)
	after := s2.Entries()
	require.Len(t, after, 2)
	for i := range before {
		b, a := before[i], after[i]
		assert.Equal(t, b.ID, a.ID)
		assert.Equal(t, b.Operation, a.Operation)
		assert.Equal(t, b.Args, a.Args)
		assert.Equal(t, b.ErrorKind, a.ErrorKind)
		assert.Equal(t, b.ErrorMessage, a.ErrorMessage)
		assert.Equal(t, b.MaxRetries, a.MaxRetries)
		assert.True(t, b.EnqueuedAt.Equal(a.EnqueuedAt))
		assert.True(t, b.NextAttempt.Equal(a.NextAttempt))
	}
}

func TestLoadOverCapacity(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister(Entry{ID: "1"}, Entry{ID: "2"}, Entry{ID: "3"})
	s, _ := testStore(t, Config{Capacity: 2}, mp)
	es := s.Entries()
	require.Len(t, es, 2)
	assert.Equal(t, "1", es[0].ID)
	assert.Equal(t, uint64(1), s.Statistics().Dropped)
}

func TestWorker(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, err := New(Config{Capacity: 100, RedriveMin: time.Millisecond, RedriveMax: 4 * time.Millisecond, Poll: 10 * time.Millisecond}, mp, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)

	var calls int32
	fn := func(ctx context.Context, e Entry) error {
		// fail first attempt of every entry
		if atomic.AddInt32(&calls, 1)%2 == 1 {
			return errDown
		}
		return nil
	}
	require.NoError(t, s.Start(context.Background(), fn))
	require.Error(t, s.Start(context.Background(), fn), "single worker")
	require.NoError(t, s.Enqueue("op", nil, errDown, 5))
	assert.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Enqueue("op", nil, errDown, 5))
	assert.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	st := s.Statistics()
	assert.Equal(t, uint64(2), st.Redriven)
	assert.Equal(t, uint64(2), st.RedriveFailures)
	assert.Equal(t, ErrStopped, s.Start(context.Background(), fn))
	saved, _ := mp.LoadEntries()
	assert.Empty(t, saved)
}

func TestRedrivePanic(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, clock := testStore(t, Config{Capacity: 10, RedriveMin: time.Second, RedriveMax: time.Minute, RedriveK: 2}, mp)
	require.NoError(t, s.Enqueue("op", []byte("x"), errDown, 2))
	fn := func(ctx context.Context, e Entry) error { panic("handler bug") }

	clock.Advance(time.Second)
	assert.Equal(t, 1, s.RedriveDue(context.Background(), fn))
	es := s.Entries()
	require.Len(t, es, 1)
	assert.Equal(t, 1, es[0].RetryCount)
	assert.Equal(t, fault.Unknown, es[0].ErrorKind)
	assert.Contains(t, es[0].ErrorMessage, "handler bug")
	saved, _ := mp.LoadEntries()
	require.Len(t, saved, 1)
	assert.Equal(t, 1, saved[0].RetryCount)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, s.RedriveDue(context.Background(), fn))
	assert.Equal(t, 0, s.Len())
	st := s.Statistics()
	assert.Equal(t, uint64(2), st.RedriveFailures)
	assert.Equal(t, uint64(1), st.Expired)
	saved, _ = mp.LoadEntries()
	assert.Empty(t, saved)
}

func TestWorkerSurvivesPanic(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, err := New(Config{Capacity: 10, RedriveMin: time.Millisecond, RedriveMax: 2 * time.Millisecond, Poll: 5 * time.Millisecond}, mp, log2.NewTest(t, log2.LError))
	require.NoError(t, err)
	var calls int32
	fn := func(ctx context.Context, e Entry) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("handler bug")
		}
		return nil
	}
	require.NoError(t, s.Start(context.Background(), fn))
	require.NoError(t, s.Enqueue("op", nil, errDown, 5))
	assert.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(1), s.Statistics().Redriven)
}

func TestConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	mp := NewMemoryPersister()
	s, _ := testStore(t, Config{Capacity: 1000}, mp)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Enqueue(fmt.Sprintf("op%d", g), []byte{byte(i)}, errDown, 1)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 400, s.Len())
	saved, _ := mp.LoadEntries()
	assert.Len(t, saved, 400)
}

func TestSnapshotWire(t *testing.T) {
	t.Parallel()

	in := Snapshot{Version: 7, Entries: []Entry{
		{ID: "a", EnqueuedAt: time.Unix(0, 1234567890), Operation: "op", Args: []byte{1}, ErrorKind: fault.Timeout, ErrorMessage: "slow", RetryCount: 2, MaxRetries: 5, NextAttempt: time.Unix(100, 0)},
		{ID: "b", Operation: "op2"},
	}}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	var out Snapshot
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)

	require.Error(t, out.UnmarshalBinary(b[:len(b)-1]))
	require.Error(t, out.UnmarshalBinary([]byte{9}))
}
