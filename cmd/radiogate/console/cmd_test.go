package console

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/radiogate/internal/state"
	"github.com/temoto/radiogate/processor"
	"github.com/temoto/radiogate/telegram"
)

type bufRWC struct {
	bytes.Buffer
}

func (*bufRWC) Close() error { return nil }

func TestExecLine(t *testing.T) {
	t.Parallel()
	ctx, g := state.NewTestContext(t, `registry { device "kitchen" { id = "789ABC30" profile = "A5-02-05" } }`)
	defer g.Stop()
	out := &bufRWC{}
	g.Hardware.Input.RWC = out

	kitchen := telegram.MustEncode(0xa5, []byte{0x12, 0x34, 0x56, 0x08}, telegram.MustParseDeviceID("789ABC30"), 0x30)
	khex := hex.EncodeToString(kitchen)

	require.NoError(t, execLine(ctx, khex))
	assert.Equal(t, int64(1), g.Stat.Get(processor.CountOK))

	// split input is reassembled
	require.NoError(t, execLine(ctx, khex[:10]))
	require.NoError(t, execLine(ctx, khex[10:]))
	assert.Equal(t, int64(2), g.Stat.Get(processor.CountOK))

	require.NoError(t, execLine(ctx, "/send 55 00"))
	assert.Equal(t, []byte{0x55, 0x00}, out.Bytes())

	for _, cmd := range []string{"", "/help", "/devices", "/profiles", "/stat", "/breakers", "/dlq", "/redrive"} {
		assert.NoError(t, execLine(ctx, cmd), cmd)
	}

	err := execLine(ctx, "/unknown")
	assert.True(t, errors.IsNotSupported(err))
	err = execLine(ctx, "zz")
	assert.True(t, errors.IsNotValid(err))
	err = execLine(ctx, "/send")
	assert.True(t, errors.IsNotValid(err))
}
