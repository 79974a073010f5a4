package run

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/radiogate/internal/state"
)

func TestMetricsServer(t *testing.T) {
	t.Parallel()
	ctx, g := state.NewTestContext(t, `
metrics {
	expvar = "radiogate-test-metrics"
	prometheus { enable = true listen = "127.0.0.1:0" namespace = "rgtest" }
}`)
	g.Recorder.Inc("ok")
	ms, err := startMetrics(ctx, g)
	require.NoError(t, err)
	require.NotNil(t, ms.addr)

	get := func(path string) string {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", ms.addr.String(), path))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		b, err := ioutil.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(b)
	}
	assert.Contains(t, get("/metrics"), `rgtest_events_total{name="ok"} 1`)
	vars := get("/debug/vars")
	assert.Contains(t, vars, `"radiogate-test-metrics": {`)
	assert.Contains(t, vars, `"ok": 1`)

	g.Stop()
	assert.NoError(t, ms.stop())
}

func TestMetricsDisabled(t *testing.T) {
	t.Parallel()
	ctx, g := state.NewTestContext(t, "")
	ms, err := startMetrics(ctx, g)
	require.NoError(t, err)
	assert.Nil(t, ms.addr)
	assert.NoError(t, ms.stop())
	g.Stop()
}
