package state

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/processor"
	"github.com/temoto/radiogate/profile"
	"github.com/temoto/radiogate/sink"
	"github.com/temoto/radiogate/telegram"
)

var kitchenID = telegram.MustParseDeviceID("789ABC30")

type pipeRWC struct {
	io.Reader
	io.Writer
	closed chan struct{}
}

func (p *pipeRWC) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	if c, ok := p.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func kitchenTelegram() []byte {
	return telegram.MustEncode(0xa5, []byte{0x12, 0x34, 0x56, 0x08}, kitchenID, 0x30)
}

func TestGetGlobal(t *testing.T) {
	t.Parallel()
	ctx, g := NewContext(log2.NewTest(t, log2.LDebug))
	assert.Equal(t, g, GetGlobal(ctx))
	assert.Panics(t, func() { GetGlobal(context.Background()) })
}

func TestRunSink(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ctx, g := NewTestContext(t, fmt.Sprintf(`
persist { root = "%s" }
registry { device "kitchen" { id = "789ABC30" profile = "A5-02-05" } }
sink { enable = true mqtt_broker = "tcp://127.0.0.1:1" mqtt_client_id = "test" }
metrics { prometheus { enable = true } }
`, root))
	require.NotNil(t, g.Outbox)
	require.NotNil(t, g.PromRegistry)
	tr := g.SinkTransport.(*TestTransport)

	pr, pw := io.Pipe()
	g.Hardware.Input.RWC = &pipeRWC{Reader: pr, Writer: io.Discard, closed: make(chan struct{})}
	require.NoError(t, g.Start(ctx))
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	// noise before sync byte is discarded
	_, err := pw.Write(append([]byte{0x00, 0x01}, kitchenTelegram()...))
	require.NoError(t, err)

	var b []byte
	select {
	case b = <-tr.C:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for sink publish")
	}
	var r profile.Reading
	require.NoError(t, r.UnmarshalBinary(b))
	assert.Equal(t, "kitchen", r.DeviceName)
	assert.Equal(t, profile.StatusOK, r.Status)
	temp, ok := r.Fields.Float("temperature")
	require.True(t, ok)
	assert.InDelta(t, 26.51, temp, 0.01)

	g.Stop()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run")
	}
	assert.Equal(t, int64(1), g.Stat.Get(processor.CountOK))
	assert.Equal(t, int64(1), g.Stat.Get(sink.CountSent))
	assert.Equal(t, int64(2), g.Stat.Get(processor.CountDiscardedBytes))

	// registry saved on stop
	_, g2 := NewTestContext(t, fmt.Sprintf(`persist { root = "%s" }`, root))
	d, ok := g2.Registry.LookupByName("kitchen")
	require.True(t, ok)
	assert.Equal(t, kitchenID, d.ID)
	assert.False(t, d.LastSeen.IsZero())
	g2.Stop()
}

func TestRunLogSink(t *testing.T) {
	t.Parallel()
	ctx, g := NewTestContext(t, `registry { device "kitchen" { id = "789ABC30" profile = "A5-02-05" } }`)
	assert.Nil(t, g.Outbox)
	assert.Nil(t, g.RegistryStore)
	g.Hardware.Input.RWC = &pipeRWC{Reader: bytes.NewReader(kitchenTelegram()), Writer: io.Discard, closed: make(chan struct{})}
	require.NoError(t, g.Start(ctx))
	require.NoError(t, g.Run(ctx))
	g.Stop()
	assert.Equal(t, int64(1), g.Stat.Get(processor.CountOK))
	assert.Equal(t, int64(len(kitchenTelegram())), g.Stat.Get(CountInputBytes))
	assert.Equal(t, 0, g.DeadLetter.Len())
}

func TestWatchSilence(t *testing.T) {
	t.Parallel()
	ctx, g := NewTestContext(t, "")
	defer g.Stop()
	stopch := make(chan struct{})
	done := make(chan struct{})
	go func() {
		g.watchSilence(ctx, stopch, 20*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for g.Stat.Get(CountInputSilence) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// reported once per silent period
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), g.Stat.Get(CountInputSilence))
	close(stopch)
	<-done
}

func TestSend(t *testing.T) {
	t.Parallel()
	_, g := NewTestContext(t, "")
	var out bytes.Buffer
	g.Hardware.Input.RWC = &pipeRWC{Reader: bytes.NewReader(nil), Writer: &out, closed: make(chan struct{})}
	b := kitchenTelegram()
	require.NoError(t, g.Send(b))
	assert.Equal(t, b, out.Bytes())
	assert.Equal(t, int64(len(b)), g.Stat.Get(CountOutputBytes))
	g.Stop()
}

func TestRunTCP(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write(kitchenTelegram())
		conn.Close()
	}()

	ctx, g := NewTestContext(t, fmt.Sprintf(`
input { tcp_addr = "%s" }
registry { device "kitchen" { id = "789ABC30" profile = "A5-02-05" } }
`, ln.Addr().String()))
	require.NoError(t, g.Run(ctx))
	g.Stop()
	assert.Equal(t, int64(1), g.Stat.Get(processor.CountOK))
}

func TestInitErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		expectErr string
	}{
		{"sink-without-persist", `sink { enable = true mqtt_broker = "tcp://127.0.0.1:1" mqtt_client_id = "x" }`, "sink requires persist.root"},
		{"duplicate-device", `registry {
	device "a" { id = "01020304" }
	device "b" { id = "01020304" }
}`, "config registry"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			cfg, err := config.Read(log, config.NewMockFullReader(map[string]string{"test-inline": c.input}), "test-inline")
			require.NoError(t, err)
			ctx, g := NewContext(log)
			g.SinkTransport = NewTestTransport()
			err = g.Init(ctx, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expectErr, errors.ErrorStack(err))
		})
	}
}

func TestInputNotConfigured(t *testing.T) {
	t.Parallel()
	ctx, g := NewTestContext(t, "")
	err := g.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input requires uart_device or tcp_addr")
	g.Stop()
}
