package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/metric"
	"github.com/temoto/radiogate/profile"
	"github.com/temoto/radiogate/telegram"
	"github.com/temoto/spq"
)

type fakeTransport struct {
	sync.Mutex
	fail   int
	sent   [][]byte
	calls  int
	closed bool
	ch     chan []byte
}

func newFakeTransport(fail int) *fakeTransport {
	return &fakeTransport{fail: fail, ch: make(chan []byte, 16)}
}

func (f *fakeTransport) Publish(ctx context.Context, payload []byte) error {
	f.Lock()
	defer f.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return fault.Errorf(fault.Unavailable, "fake publish", "call=%d", f.calls)
	}
	b := append([]byte(nil), payload...)
	f.sent = append(f.sent, b)
	f.ch <- b
	return nil
}

func (f *fakeTransport) Close() error {
	f.Lock()
	f.closed = true
	f.Unlock()
	return nil
}

func testReading(t testing.TB, id string, temp float64) []byte {
	r := profile.Reading{
		Time:    time.Unix(1600000000, 0),
		Device:  telegram.MustParseDeviceID(id),
		Profile: profile.MustParse("A5-02-05"),
		Status:  profile.StatusOK,
		Fields:  profile.Fields{"temperature": temp},
	}
	b, err := r.MarshalBinary()
	require.NoError(t, err)
	return b
}

func newTestOutbox(t testing.TB, tr Transport, rec metric.Recorder) *Outbox {
	o, err := NewOutbox(OutboxConfig{Path: spq.OnlyForTesting, RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond}, tr, rec, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	return o
}

func receive(t testing.TB, ch <-chan []byte) []byte {
	select {
	case b := <-ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for publish")
		return nil
	}
}

func TestOutboxDeliverOrder(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport(0)
	stat := metric.NewStat()
	o := newTestOutbox(t, tr, stat)
	b1 := testReading(t, "01020304", 21.5)
	b2 := testReading(t, "01020305", 22.5)
	require.NoError(t, o.Push(b1))
	require.NoError(t, o.Push(b2))
	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, b1, receive(t, tr.ch))
	assert.Equal(t, b2, receive(t, tr.ch))
	require.NoError(t, o.Stop())
	assert.Equal(t, int64(2), stat.Get(CountSent))
	assert.True(t, tr.closed)
}

func TestOutboxRetry(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport(3)
	stat := metric.NewStat()
	o := newTestOutbox(t, tr, stat)
	require.NoError(t, o.Start(context.Background()))
	b := testReading(t, "01020304", 19)
	require.NoError(t, o.Push(b))
	assert.Equal(t, b, receive(t, tr.ch))
	require.NoError(t, o.Stop())
	assert.Equal(t, int64(3), stat.Get(CountRetry))
	assert.Equal(t, int64(1), stat.Get(CountSent))
}

func TestOutboxDropUndecodable(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport(0)
	stat := metric.NewStat()
	o := newTestOutbox(t, tr, stat)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()
	require.NoError(t, o.Push([]byte{0xff, 0xff, 0xff}))
	b := testReading(t, "01020304", 20)
	require.NoError(t, o.Push(b))
	assert.Equal(t, b, receive(t, tr.ch))
	assert.Equal(t, int64(1), stat.Get(CountDropped))
}

func TestOutboxHandler(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport(0)
	o := newTestOutbox(t, tr, nil)
	h := o.Handler()
	ctx := context.Background()

	err := h(ctx, []byte{0xff})
	require.Error(t, err)
	assert.Equal(t, fault.Invalid, fault.KindOf(err))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, context.Canceled, h(canceled, testReading(t, "01020304", 1)))

	require.NoError(t, h(ctx, testReading(t, "01020304", 2)))
	require.NoError(t, o.Stop())
	// queue closed
	err = h(ctx, testReading(t, "01020304", 3))
	require.Error(t, err)
	assert.Equal(t, fault.Unavailable, fault.KindOf(err))
	assert.True(t, fault.Retryable.Matches(err))
}

func TestOutboxStartTwice(t *testing.T) {
	t.Parallel()
	o := newTestOutbox(t, newFakeTransport(0), nil)
	require.NoError(t, o.Start(context.Background()))
	err := o.Start(context.Background())
	assert.True(t, errors.IsAlreadyExists(err), errors.ErrorStack(err))
	require.NoError(t, o.Stop())
	assert.Error(t, o.Start(context.Background()))
}

func TestOutboxConfig(t *testing.T) {
	t.Parallel()
	_, err := NewOutbox(OutboxConfig{}, newFakeTransport(0), nil, log2.NewTest(t, log2.LDebug))
	assert.True(t, errors.IsNotValid(err))
	assert.Panics(t, func() {
		_, _ = NewOutbox(OutboxConfig{Path: spq.OnlyForTesting}, nil, nil, nil)
	})
}
