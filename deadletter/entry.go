package deadletter

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/radiogate/fault"
)

type Entry struct {
	ID           string
	EnqueuedAt   time.Time
	Operation    string
	Args         []byte
	ErrorKind    fault.Kind
	ErrorMessage string
	RetryCount   int
	MaxRetries   int
	NextAttempt  time.Time
}

func (e *Entry) String() string {
	return fmt.Sprintf("deadletter id=%s op=%s kind=%s retry=%d/%d enqueued=%s next=%s err=%s args=%s",
		e.ID, e.Operation, e.ErrorKind, e.RetryCount, e.MaxRetries,
		e.EnqueuedAt.Format(time.RFC3339), e.NextAttempt.Format(time.RFC3339), e.ErrorMessage, hex.EncodeToString(e.Args))
}

func (e *Entry) copy() Entry {
	c := *e
	c.Args = append([]byte(nil), e.Args...)
	return c
}

const wireVersion = 1

// Snapshot is the persisted form of the queue. Version increases with every mutation.
type Snapshot struct {
	Version uint64
	Entries []Entry
}

func (s *Snapshot) MarshalBinary() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 32+len(s.Entries)*128))
	_ = buf.EncodeVarint(wireVersion)
	_ = buf.EncodeVarint(s.Version)
	_ = buf.EncodeVarint(uint64(len(s.Entries)))
	for i := range s.Entries {
		e := &s.Entries[i]
		_ = buf.EncodeStringBytes(e.ID)
		_ = buf.EncodeZigzag64(uint64(unixNano(e.EnqueuedAt)))
		_ = buf.EncodeStringBytes(e.Operation)
		_ = buf.EncodeRawBytes(e.Args)
		_ = buf.EncodeVarint(uint64(e.ErrorKind))
		_ = buf.EncodeStringBytes(e.ErrorMessage)
		_ = buf.EncodeVarint(uint64(e.RetryCount))
		_ = buf.EncodeVarint(uint64(e.MaxRetries))
		_ = buf.EncodeZigzag64(uint64(unixNano(e.NextAttempt)))
	}
	return buf.Bytes(), nil
}

func (s *Snapshot) UnmarshalBinary(b []byte) error {
	buf := proto.NewBuffer(b)
	wv, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "deadletter snapshot header")
	}
	if wv != wireVersion {
		return errors.NotSupportedf("deadletter snapshot wire version=%d", wv)
	}
	if s.Version, err = buf.DecodeVarint(); err != nil {
		return errors.Annotate(err, "deadletter snapshot version")
	}
	n, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "deadletter snapshot count")
	}
	s.Entries = make([]Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		e, err := unmarshalEntry(buf)
		if err != nil {
			return errors.Annotatef(err, "deadletter snapshot entry index=%d", i)
		}
		s.Entries = append(s.Entries, e)
	}
	return nil
}

func unmarshalEntry(buf *proto.Buffer) (Entry, error) {
	var e Entry
	var err error
	var u uint64
	if e.ID, err = buf.DecodeStringBytes(); err != nil {
		return e, err
	}
	if u, err = buf.DecodeZigzag64(); err != nil {
		return e, err
	}
	e.EnqueuedAt = fromUnixNano(int64(u))
	if e.Operation, err = buf.DecodeStringBytes(); err != nil {
		return e, err
	}
	if e.Args, err = buf.DecodeRawBytes(true); err != nil {
		return e, err
	}
	if len(e.Args) == 0 {
		e.Args = nil
	}
	if u, err = buf.DecodeVarint(); err != nil {
		return e, err
	}
	e.ErrorKind = fault.Kind(u)
	if e.ErrorMessage, err = buf.DecodeStringBytes(); err != nil {
		return e, err
	}
	if u, err = buf.DecodeVarint(); err != nil {
		return e, err
	}
	e.RetryCount = int(u)
	if u, err = buf.DecodeVarint(); err != nil {
		return e, err
	}
	e.MaxRetries = int(u)
	if u, err = buf.DecodeZigzag64(); err != nil {
		return e, err
	}
	e.NextAttempt = fromUnixNano(int64(u))
	return e, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
