// Support sub-commands in radiogate application.
package subcmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/log2"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *config.Config) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// NewLog writes to rotated log.file when configured, otherwise stderr.
// Under systemd journal adds timestamps, so they are omitted.
func NewLog(cfg *config.Config) *log2.Log {
	var w io.Writer = os.Stderr
	flags := log2.LServiceFlags
	if cfg.Log.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			LocalTime:  true,
		}
		flags = log2.LStdFlags | log2.Lmicroseconds
	} else if isatty.IsTerminal(os.Stderr.Fd()) || os.Getenv("NOTIFY_SOCKET") == "" {
		flags = log2.LInteractiveFlags
	}
	l := log2.NewWriter(w, cfg.LogLevel())
	l.SetFlags(flags)
	return l
}
