package run

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/alive/v2"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/internal/state"
)

const metricsShutdownTimeout = 5 * time.Second

type metricsServer struct {
	alive *alive.Alive
	srv   *http.Server
	addr  net.Addr
	err   helpers.ErrorOnce
}

// startMetrics publishes expvar counters and serves them with prometheus
// registry over HTTP when metrics.prometheus.listen is set.
func startMetrics(ctx context.Context, g *state.Global) (*metricsServer, error) {
	ms := &metricsServer{alive: alive.NewAlive()}
	mc := &g.Config.Metrics
	if mc.Expvar != "" {
		g.Stat.Publish(mc.Expvar)
	}
	if mc.Prometheus.Listen == "" {
		return ms, nil
	}

	mux := http.NewServeMux()
	if g.PromRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g.PromRegistry, promhttp.HandlerOpts{ErrorLog: g.Log}))
	}
	if mc.Expvar != "" {
		mux.Handle("/debug/vars", expvar.Handler())
	}
	ln, err := net.Listen("tcp", mc.Prometheus.Listen)
	if err != nil {
		return nil, errors.Annotatef(err, "config: metrics.prometheus.listen=%s", mc.Prometheus.Listen)
	}
	ms.addr = ln.Addr()
	ms.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	g.Log.Infof("metrics listen=%s", ms.addr.String())

	ms.alive.Add(1)
	go func() {
		defer ms.alive.Done()
		if err := ms.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			ms.err.Store(err)
			g.Log.Error(errors.Annotate(err, "metrics serve"))
		}
	}()
	go helpers.AliveSub(g.Alive, ms.alive)
	return ms, nil
}

func (ms *metricsServer) stop() error {
	ms.alive.Stop()
	if ms.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := ms.srv.Shutdown(ctx); err != nil {
			ms.err.Store(err)
		}
	}
	ms.alive.WaitTasks()
	return ms.err.Err()
}
