// Package run is the gateway service: radio input through pipeline into sink.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/radiogate/cmd/radiogate/subcmd"
	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/internal/state"
)

const stopTimeout = 10 * time.Second

var Mod = subcmd.Mod{Name: "run", Usage: "receive radio telegrams and deliver readings", Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	subcmd.SdNotify("initializing")
	g.MustInit(ctx, cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := g.Start(ctx); err != nil {
		g.Stop()
		return errors.Annotate(err, "start")
	}
	ms, err := startMetrics(ctx, g)
	if err != nil {
		g.Stop()
		return errors.Annotate(err, "metrics")
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigch)
	go func() {
		select {
		case s := <-sigch:
			g.Log.Infof("signal=%v stopping", s)
			cancel()
			g.Alive.Stop()
		case <-ctx.Done():
		}
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("radiogate running")
	err = g.Run(ctx)
	if err != nil {
		g.Log.Error(errors.ErrorStack(err))
	}

	subcmd.SdNotify(daemon.SdNotifyStopping)
	if !g.StopWait(stopTimeout) {
		g.Log.Errorf("stop timeout=%v", stopTimeout)
	}
	g.Error(ms.stop(), "metrics stop")
	g.Log.Infof("stat %s", g.Stat.Format())
	g.Log.Infof("deadletter %s", g.DeadLetter.Statistics().String())
	return err
}
