package telegram

import (
	"bytes"
	"fmt"

	"github.com/temoto/radiogate/crc"
)

type State uint8

const (
	StateSeeking State = iota
	StateHeaderWait
	StateBodyWait
)

func (s State) String() string {
	switch s {
	case StateSeeking:
		return "seeking"
	case StateHeaderWait:
		return "header-wait"
	case StateBodyWait:
		return "body-wait"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type EventKind uint8

const (
	EventTelegram EventKind = iota + 1
	EventDataDiscarded
	EventSyncNotFound
	EventInvalidLength
	EventHeaderMismatch
)

func (k EventKind) String() string {
	switch k {
	case EventTelegram:
		return "telegram"
	case EventDataDiscarded:
		return "data-discarded"
	case EventSyncNotFound:
		return "sync-not-found"
	case EventInvalidLength:
		return "invalid-length"
	case EventHeaderMismatch:
		return "header-mismatch"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is either a complete Telegram or a diagnostic about dropped bytes.
type Event struct {
	Kind      EventKind
	Telegram  Telegram
	Discarded int
	Err       error
}

func (e Event) String() string {
	if e.Kind == EventTelegram {
		return e.Telegram.String()
	}
	return fmt.Sprintf("%s discarded=%d err=%v", e.Kind, e.Discarded, e.Err)
}

type ReassemblerOptions struct {
	// Frames longer than MaxLength are treated as corrupt length field. Default DefaultMaxLength.
	MaxLength int
	// By default header checksum is verified before waiting for body,
	// so that garbage resembling sync+length can not swallow following telegrams.
	// Corrupted header then yields EventHeaderMismatch (processor counter header_mismatch),
	// with SkipHeaderCheck it becomes telegram failing Verify (checksum_fail reading).
	SkipHeaderCheck bool
}

// Reassembler finds telegram boundaries in a byte stream.
// Not safe for concurrent use, one instance per input stream.
// Every returned event either emits a telegram or discards at least one byte.
type Reassembler struct {
	buf         bytes.Buffer
	state       State
	header      Header
	max         int
	checkHeader bool
}

func NewReassembler(opt ReassemblerOptions) *Reassembler {
	r := &Reassembler{
		max:         opt.MaxLength,
		checkHeader: !opt.SkipHeaderCheck,
	}
	if r.max <= 0 {
		r.max = DefaultMaxLength
	}
	return r
}

// Write appends stream bytes. Never fails.
func (r *Reassembler) Write(p []byte) (int, error) { return r.buf.Write(p) }

func (r *Reassembler) Buffered() int { return r.buf.Len() }
func (r *Reassembler) State() State  { return r.state }

func (r *Reassembler) Reset() {
	r.buf.Reset()
	r.state = StateSeeking
	r.header = Header{}
}

// Next runs state machine until an event is ready.
// Returns false when more input is required.
func (r *Reassembler) Next() (Event, bool) {
	for {
		b := r.buf.Bytes()
		switch r.state {
		case StateSeeking:
			if len(b) == 0 {
				return Event{}, false
			}
			i := bytes.IndexByte(b, SyncByte)
			if i < 0 {
				r.buf.Reset()
				return Event{Kind: EventSyncNotFound, Discarded: len(b), Err: FramingError{Kind: SyncNotFound, Length: len(b)}}, true
			}
			r.state = StateHeaderWait
			if i > 0 {
				r.buf.Next(i)
				return Event{Kind: EventDataDiscarded, Discarded: i}, true
			}

		case StateHeaderWait:
			if len(b) < HeaderLength {
				return Event{}, false
			}
			if r.checkHeader {
				if actual := crc.Sum(b[1:5]); actual != b[5] {
					err := ChecksumError{Kind: HeaderMismatch, Received: b[5], Actual: actual}
					r.dropOne()
					return Event{Kind: EventHeaderMismatch, Discarded: 1, Err: err}, true
				}
			}
			h := decodeHeader(b)
			if total := h.TotalLength(); total > r.max {
				r.dropOne()
				return Event{Kind: EventInvalidLength, Discarded: 1, Err: FramingError{Kind: InvalidLength, Length: total}}, true
			}
			r.header = h
			r.state = StateBodyWait

		case StateBodyWait:
			total := r.header.TotalLength()
			if len(b) < total {
				return Event{}, false
			}
			raw := make([]byte, total)
			copy(raw, b)
			r.buf.Next(total)
			r.state = StateSeeking
			r.header = Header{}
			return Event{Kind: EventTelegram, Telegram: Telegram{b: raw}}, true

		default:
			panic(fmt.Sprintf("code error reassembler state=%s", r.state))
		}
	}
}

func (r *Reassembler) dropOne() {
	r.buf.Next(1)
	r.state = StateSeeking
}
