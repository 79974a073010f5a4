// Package console is interactive radiogate shell: feed telegrams, inspect state.
package console

import (
	"context"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/radiogate/cmd/radiogate/subcmd"
	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/helpers/cli"
	"github.com/temoto/radiogate/internal/state"
)

const modName = "console"

const usage = `syntax: one command per line
- HEX         feed raw bytes to processor as if received from radio
- /send HEX   write raw bytes to input device
- /devices    list registered devices
- /profiles   list known EEP profiles
- /stat       counters
- /breakers   circuit breaker metrics
- /dlq        dead letter statistics and entries
- /redrive    redrive due dead letter entries now
`

var Mod = subcmd.Mod{Name: modName, Usage: "interactive shell", Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	if err := g.Start(ctx); err != nil {
		g.Stop()
		return errors.Annotate(err, "start")
	}
	g.Log.Debugf("console init complete")

	err := cli.MainLoop("radiogate", g.Alive.Stop, newExecutor(ctx), newCompleter(ctx))
	g.Stop()
	return err
}

func newCompleter(ctx context.Context) cli.CompleteFunc {
	suggests := []prompt.Suggest{
		{Text: "/send", Description: "write raw bytes to input device"},
		{Text: "/devices", Description: "list registered devices"},
		{Text: "/profiles", Description: "list known EEP profiles"},
		{Text: "/stat", Description: "counters"},
		{Text: "/breakers", Description: "circuit breaker metrics"},
		{Text: "/dlq", Description: "dead letter statistics and entries"},
		{Text: "/redrive", Description: "redrive due dead letter entries"},
		{Text: "/help", Description: "show usage"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context) cli.ExecFunc {
	g := state.GetGlobal(ctx)
	return func(line string) {
		if !g.Alive.IsRunning() {
			return
		}
		tbegin := time.Now()
		if err := execLine(ctx, line); err != nil {
			g.Log.Error(errors.ErrorStack(err))
		}
		g.Log.Debugf("duration=%v", time.Since(tbegin))
	}
}

func execLine(ctx context.Context, line string) error {
	g := state.GetGlobal(ctx)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/help", "?":
		g.Log.Info(usage)
	case "/send":
		b, err := helpers.ParseHex(strings.Join(args, " "))
		if err != nil {
			return err
		}
		return g.Send(b)
	case "/devices":
		for _, d := range g.Registry.All() {
			g.Log.Info(d.String())
		}
	case "/profiles":
		for _, id := range g.Table.IDs() {
			g.Log.Infof("%s %s", id.String(), g.Table.Describe(id))
		}
	case "/stat":
		g.Log.Info(g.Stat.Format())
		if last := g.Processor.LastTelegram(); !last.IsZero() {
			g.Log.Infof("last telegram=%s ago=%v", last.Format(time.RFC3339), time.Since(last).Truncate(time.Millisecond))
		}
	case "/breakers":
		for _, m := range g.Pipeline.Metrics() {
			g.Log.Info(m.String())
		}
	case "/dlq":
		g.Log.Info(g.DeadLetter.Statistics().String())
		for _, e := range g.DeadLetter.Entries() {
			g.Log.Info(e.String())
		}
	case "/redrive":
		n := g.DeadLetter.RedriveDue(ctx, g.Pipeline.Redrive)
		g.Log.Infof("redrive processed=%d remaining=%d", n, g.DeadLetter.Len())
	default:
		if strings.HasPrefix(cmd, "/") {
			return errors.NotSupportedf("command=%s", cmd)
		}
		b, err := helpers.ParseHex(line)
		if err != nil {
			return err
		}
		rs := g.Processor.Feed(ctx, b)
		if len(rs) == 0 {
			g.Log.Infof("no complete telegram, buffered input is kept")
		}
		for _, r := range rs {
			g.Log.Info(r.String())
		}
	}
	return nil
}
