package dlq

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/deadletter"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/internal/state"
	"github.com/temoto/radiogate/log2"
)

func testEntries() []deadletter.Entry {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []deadletter.Entry{
		{ID: "a", EnqueuedAt: now, Operation: "store_reading", Args: []byte{1}, ErrorKind: fault.CircuitOpen, MaxRetries: 20, NextAttempt: now},
		{ID: "b", EnqueuedAt: now, Operation: "store_reading", Args: []byte{2}, ErrorKind: fault.RetryExhausted, MaxRetries: 5, NextAttempt: now},
		{ID: "c", EnqueuedAt: now, Operation: "register_device", Args: []byte{3}, ErrorKind: fault.RetryExhausted, MaxRetries: 5, NextAttempt: now},
	}
}

func TestPrint(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, testEntries()))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 8)
	assert.Contains(t, lines[0], "deadletter id=a op=store_reading kind=circuit_open")
	assert.Equal(t, []string{
		"total=3",
		"operation=register_device count=1",
		"operation=store_reading count=2",
		"kind=circuit_open count=1",
		"kind=retry_exhausted count=2",
	}, lines[3:])
}

func TestMainLoad(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	root := t.TempDir()
	fs, err := deadletter.NewFileSnapshot(root, log)
	require.NoError(t, err)
	require.NoError(t, fs.SaveEntries(testEntries()))

	ctx, _ := state.NewContext(log)
	cfg := &config.Config{}
	err = Main(ctx, cfg)
	assert.True(t, errors.IsNotValid(err))

	cfg.Persist.Root = root
	assert.NoError(t, Main(ctx, cfg))
}
