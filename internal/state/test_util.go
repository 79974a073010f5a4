package state

import (
	"context"
	"sync"
	"testing"

	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/log2"
)

// TestTransport records published payloads.
type TestTransport struct {
	mu   sync.Mutex
	sent [][]byte
	C    chan []byte
}

func NewTestTransport() *TestTransport { return &TestTransport{C: make(chan []byte, 64)} }

func (t *TestTransport) Publish(ctx context.Context, payload []byte) error {
	b := append([]byte(nil), payload...)
	t.mu.Lock()
	t.sent = append(t.sent, b)
	t.mu.Unlock()
	select {
	case t.C <- b:
	default:
	}
	return nil
}

func (t *TestTransport) Close() error { return nil }

func (t *TestTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

func NewTestContext(t testing.TB, confString string) (context.Context, *Global) {
	fs := config.NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	// log := log2.NewStderr(log2.LDebug) // useful with panics
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.SinkTransport = NewTestTransport()
	g.MustInit(ctx, config.MustRead(log, fs, "test-inline"))
	return ctx, g
}
