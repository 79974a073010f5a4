// Package deadletter keeps operations that failed in the resilience pipeline
// and redrives them in background.
package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/log2"
)

var ErrStopped = fmt.Errorf("deadletter store is stopped")

type QueueFullError struct {
	Capacity  int
	Operation string
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("deadletter queue full capacity=%d dropped op=%s", e.Capacity, e.Operation)
}
func (*QueueFullError) FaultKind() fault.Kind { return fault.QueueFull }

// RedriveFunc retries entry operation. nil error removes entry from queue.
type RedriveFunc func(ctx context.Context, e Entry) error

type Config struct {
	Capacity   int
	RedriveMin time.Duration
	RedriveMax time.Duration
	RedriveK   float32
	// Poll limits idle sleep of redrive worker.
	Poll time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:   1000,
		RedriveMin: time.Second,
		RedriveMax: 10 * time.Minute,
		RedriveK:   2,
		Poll:       time.Minute,
	}
}

type Statistics struct {
	Size            int
	Capacity        int
	Enqueued        uint64
	Dropped         uint64
	Redriven        uint64
	Expired         uint64
	RedriveFailures uint64
	PersistErrors   uint64
	ByOperation     map[string]int
	ByKind          map[string]int
	Oldest          time.Time
}

func (s Statistics) String() string {
	return fmt.Sprintf("size=%d/%d enqueued=%d dropped=%d redriven=%d expired=%d redrive_failures=%d persist_errors=%d",
		s.Size, s.Capacity, s.Enqueued, s.Dropped, s.Redriven, s.Expired, s.RedriveFailures, s.PersistErrors)
}

// Store is bounded FIFO of failed operations.
// Every mutation is followed by full snapshot save; store lock is not held during save.
type Store struct {
	cfg       Config
	log       *log2.Log
	persister Persister
	backoff   helpers.Backoff
	now       func() time.Time
	alive     *alive.Alive
	wake      chan struct{}

	mu       sync.Mutex
	entries  []Entry
	version  uint64
	started  bool
	enqueued uint64
	dropped  uint64
	redriven uint64
	expired  uint64
	rfails   uint64
	perrors  uint64

	persistMu sync.Mutex
	saved     uint64
}

func New(cfg Config, p Persister, log *log2.Log) (*Store, error) {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.RedriveMin <= 0 {
		cfg.RedriveMin = def.RedriveMin
	}
	if cfg.RedriveMax < cfg.RedriveMin {
		cfg.RedriveMax = cfg.RedriveMin
	}
	if cfg.RedriveK < 1 {
		cfg.RedriveK = def.RedriveK
	}
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}
	if p == nil {
		p = NewMemoryPersister()
	}
	s := &Store{
		cfg:       cfg,
		log:       log,
		persister: p,
		backoff:   helpers.Backoff{Min: cfg.RedriveMin, Max: cfg.RedriveMax, K: cfg.RedriveK},
		now:       time.Now,
		alive:     alive.NewAlive(),
		wake:      make(chan struct{}, 1),
	}
	entries, err := p.LoadEntries()
	if err != nil {
		return nil, errors.Annotate(err, "deadletter load")
	}
	if len(entries) > cfg.Capacity {
		s.log.Errorf("deadletter loaded=%d over capacity=%d, dropping newest", len(entries), cfg.Capacity)
		s.dropped += uint64(len(entries) - cfg.Capacity)
		entries = entries[:cfg.Capacity]
	}
	s.entries = entries
	if len(entries) != 0 {
		s.log.Infof("deadletter loaded entries=%d", len(entries))
	}
	return s, nil
}

// SetClock must be called before use.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Capacity() int { return s.cfg.Capacity }

// Enqueue returns *QueueFullError when store is at capacity, entry is dropped and logged.
func (s *Store) Enqueue(op string, args []byte, cause error, maxRetries int) error {
	now := s.now()
	e := Entry{
		ID:          uuid.New().String(),
		EnqueuedAt:  now,
		Operation:   op,
		Args:        append([]byte(nil), args...),
		ErrorKind:   fault.KindOf(cause),
		MaxRetries:  maxRetries,
		NextAttempt: now.Add(s.backoff.Nth(1)),
	}
	if cause != nil {
		e.ErrorMessage = cause.Error()
	}

	s.mu.Lock()
	if len(s.entries) >= s.cfg.Capacity {
		s.dropped++
		s.mu.Unlock()
		err := &QueueFullError{Capacity: s.cfg.Capacity, Operation: op}
		s.log.Errorf("%v entry=%s", err, e.String())
		return err
	}
	s.entries = append(s.entries, e)
	s.enqueued++
	snap := s.locked_snapshot()
	s.mu.Unlock()

	s.log.Debugf("deadletter enqueue %s", e.String())
	s.persist(snap)
	s.notify()
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns copy in queue order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEntries(s.entries)
}

func (s *Store) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Statistics{
		Size:            len(s.entries),
		Capacity:        s.cfg.Capacity,
		Enqueued:        s.enqueued,
		Dropped:         s.dropped,
		Redriven:        s.redriven,
		Expired:         s.expired,
		RedriveFailures: s.rfails,
		PersistErrors:   s.perrors,
		ByOperation:     make(map[string]int),
		ByKind:          make(map[string]int),
	}
	for i := range s.entries {
		e := &s.entries[i]
		st.ByOperation[e.Operation]++
		st.ByKind[e.ErrorKind.String()]++
		if st.Oldest.IsZero() || e.EnqueuedAt.Before(st.Oldest) {
			st.Oldest = e.EnqueuedAt
		}
	}
	return st
}

// Start runs single redrive worker until Stop or ctx is done.
func (s *Store) Start(ctx context.Context, fn RedriveFunc) error {
	if !s.alive.Add(1) {
		return ErrStopped
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.alive.Done()
		return errors.AlreadyExistsf("deadletter redrive worker")
	}
	s.started = true
	s.mu.Unlock()
	go s.worker(ctx, fn)
	return nil
}

// Stop waits for current redrive to finish and writes final snapshot.
func (s *Store) Stop() {
	s.alive.Stop()
	s.alive.Wait()
	s.mu.Lock()
	snap := s.locked_snapshot()
	s.mu.Unlock()
	s.persist(snap)
	s.log.Debugf("deadletter stopped size=%d", len(snap.Entries))
}

func (s *Store) worker(ctx context.Context, fn RedriveFunc) {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for s.alive.IsRunning() && ctx.Err() == nil {
		processed, wait := s.redriveNext(ctx, fn)
		if processed {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.wake:
		case <-stopch:
		case <-ctx.Done():
		}
		t.Stop()
	}
}

// RedriveDue processes all entries due now, returns count of processed entries.
func (s *Store) RedriveDue(ctx context.Context, fn RedriveFunc) int {
	n := 0
	for ctx.Err() == nil {
		processed, _ := s.redriveNext(ctx, fn)
		if !processed {
			break
		}
		n++
	}
	return n
}

// redriveNext handles first due entry. wait is time until next due entry, limited by Poll.
func (s *Store) redriveNext(ctx context.Context, fn RedriveFunc) (bool, time.Duration) {
	now := s.now()
	s.mu.Lock()
	idx := -1
	var next time.Time
	for i := range s.entries {
		e := &s.entries[i]
		if !e.NextAttempt.After(now) {
			idx = i
			break
		}
		if next.IsZero() || e.NextAttempt.Before(next) {
			next = e.NextAttempt
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		wait := s.cfg.Poll
		if !next.IsZero() && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		return false, wait
	}
	e := s.entries[idx].copy()
	s.mu.Unlock()

	attempted := e.RetryCount < e.MaxRetries
	var err error
	if attempted {
		err = s.call(ctx, fn, e)
	}
	now = s.now()

	s.mu.Lock()
	i := s.locked_index(e.ID)
	if i < 0 {
		s.mu.Unlock()
		return true, 0
	}
	cur := &s.entries[i]
	switch {
	case attempted && err == nil:
		s.locked_remove(i)
		s.redriven++
		s.log.Infof("deadletter redrive success id=%s op=%s retry=%d", e.ID, e.Operation, e.RetryCount)
	default:
		if attempted {
			cur.RetryCount++
			cur.ErrorKind = fault.KindOf(err)
			cur.ErrorMessage = err.Error()
			s.rfails++
		}
		if cur.RetryCount >= cur.MaxRetries {
			expired := cur.copy()
			s.locked_remove(i)
			s.expired++
			s.log.Errorf("deadletter expired %s", expired.String())
		} else {
			cur.NextAttempt = now.Add(s.backoff.Nth(cur.RetryCount + 1))
			s.log.Debugf("deadletter redrive failed %s", cur.String())
		}
	}
	snap := s.locked_snapshot()
	s.mu.Unlock()
	s.persist(snap)
	return true, 0
}

// call converts panic in fn into ordinary redrive failure.
func (s *Store) call(ctx context.Context, fn RedriveFunc, e Entry) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = errors.Errorf("deadletter redrive panic id=%s op=%s: %v", e.ID, e.Operation, x)
			s.log.Error(err)
		}
	}()
	return fn(ctx, e)
}

func (s *Store) locked_index(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) locked_remove(i int) {
	copy(s.entries[i:], s.entries[i+1:])
	s.entries[len(s.entries)-1] = Entry{}
	s.entries = s.entries[:len(s.entries)-1]
}

func (s *Store) locked_snapshot() Snapshot {
	s.version++
	return Snapshot{Version: s.version, Entries: copyEntries(s.entries)}
}

// persist skips snapshots older than already saved one.
func (s *Store) persist(snap Snapshot) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if snap.Version <= s.saved {
		return
	}
	if err := s.persister.SaveEntries(snap.Entries); err != nil {
		s.log.Errorf("deadletter persist version=%d err=%v", snap.Version, errors.ErrorStack(err))
		s.mu.Lock()
		s.perrors++
		s.mu.Unlock()
		return
	}
	s.saved = snap.Version
}

func (s *Store) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
