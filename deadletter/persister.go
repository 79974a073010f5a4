package deadletter

import (
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/persist"
)

type Persister interface {
	LoadEntries() ([]Entry, error)
	SaveEntries([]Entry) error
}

// FileSnapshot writes full queue snapshot into extremofile under root/deadletter.
type FileSnapshot struct {
	p       *persist.Persist
	mu      sync.Mutex
	version uint64
}

func NewFileSnapshot(root string, log *log2.Log) (*FileSnapshot, error) {
	p, err := persist.New("deadletter", root, true, log)
	if err != nil {
		return nil, errors.Annotate(err, "deadletter file snapshot")
	}
	return &FileSnapshot{p: p}, nil
}

func (f *FileSnapshot) LoadEntries() ([]Entry, error) {
	var s Snapshot
	found, err := f.p.Load(&s)
	if err != nil || !found {
		return nil, err
	}
	f.mu.Lock()
	f.version = s.Version
	f.mu.Unlock()
	return s.Entries, nil
}

func (f *FileSnapshot) SaveEntries(entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Snapshot{Version: f.version + 1, Entries: entries}
	if err := f.p.Store(&s); err != nil {
		return err
	}
	f.version = s.Version
	return nil
}

// MemoryPersister keeps last snapshot in memory. Ephemeral mode and tests.
type MemoryPersister struct {
	mu      sync.Mutex
	entries []Entry
	saves   int
	err     error
}

func NewMemoryPersister(entries ...Entry) *MemoryPersister {
	return &MemoryPersister{entries: entries}
}

func (m *MemoryPersister) LoadEntries() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyEntries(m.entries), nil
}

func (m *MemoryPersister) SaveEntries(entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = copyEntries(entries)
	m.saves++
	return nil
}

// SetError makes following saves fail.
func (m *MemoryPersister) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func copyEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	result := make([]Entry, len(entries))
	for i := range entries {
		result[i] = entries[i].copy()
	}
	return result
}
