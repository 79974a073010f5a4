package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/cmd/radiogate/console"
	"github.com/temoto/radiogate/cmd/radiogate/dlq"
	"github.com/temoto/radiogate/cmd/radiogate/run"
	"github.com/temoto/radiogate/cmd/radiogate/subcmd"
	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/internal/state"
	"github.com/temoto/radiogate/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
	dlq.Mod,
}

func main() {
	bootLog := log2.NewStderr(log2.LInfo)
	bootLog.SetFlags(log2.LInteractiveFlags)

	flagset := flag.NewFlagSet("radiogate", flag.ContinueOnError)
	flagConfig := flagset.String("config", "radiogate.hcl", "config file, relative includes resolve against its directory")
	flagVersion := flagset.Bool("version", false, "print build version and exit")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: %s [options] command\n\nCommands:\n", flagset.Name())
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(flagset.Output(), "\nOptions:\n")
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if *flagVersion {
		fmt.Println(BuildVersion)
		return
	}

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		bootLog.Fatal(err)
	}

	cfg := config.MustRead(bootLog, config.NewOsFullReader(), *flagConfig)
	log := subcmd.NewLog(cfg)
	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	if err := mod.Main(ctx, cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
