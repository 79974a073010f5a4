// Package dlq prints persisted dead letter entries without starting gateway.
package dlq

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/cmd/radiogate/subcmd"
	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/deadletter"
	"github.com/temoto/radiogate/internal/state"
)

var Mod = subcmd.Mod{Name: "dlq", Usage: "print persisted dead letter entries", Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	if cfg.Persist.Root == "" {
		return errors.NotValidf("config: persist.root=empty, dead letters are not stored")
	}
	fs, err := deadletter.NewFileSnapshot(cfg.Persist.Root, g.Log)
	if err != nil {
		return err
	}
	entries, err := fs.LoadEntries()
	if err != nil {
		return errors.Annotate(err, "deadletter load")
	}
	return Print(os.Stdout, entries)
}

// Print writes one line per entry, then counts by operation and error kind.
func Print(w io.Writer, entries []deadletter.Entry) error {
	byOp := make(map[string]int)
	byKind := make(map[string]int)
	for i := range entries {
		e := &entries[i]
		byOp[e.Operation]++
		byKind[e.ErrorKind.String()]++
		if _, err := fmt.Fprintln(w, e.String()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "total=%d\n", len(entries)); err != nil {
		return err
	}
	if err := printCounts(w, "operation", byOp); err != nil {
		return err
	}
	return printCounts(w, "kind", byKind)
}

func printCounts(w io.Writer, tag string, m map[string]int) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s=%s count=%d\n", tag, k, m[k]); err != nil {
			return err
		}
	}
	return nil
}
