package profile

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/temoto/radiogate/telegram"
)

// Payload is marker ++ data ++ device_id(4) ++ status(1).
type Payload struct {
	id ID
	b  []byte
}

func NewPayload(id ID, b []byte) Payload { return Payload{id: id, b: b} }

func (p Payload) Profile() ID { return p.id }
func (p Payload) Len() int    { return len(p.b) }

func (p Payload) Marker() byte {
	if len(p.b) == 0 {
		return 0
	}
	return p.b[0]
}

// Data returns bytes between marker and device id, nil when payload is shorter than minimal.
func (p Payload) Data() []byte {
	if len(p.b) < telegram.MinPayload {
		return nil
	}
	return p.b[1 : len(p.b)-5]
}

func (p Payload) Status() byte {
	if len(p.b) < telegram.MinPayload {
		return 0
	}
	return p.b[len(p.b)-1]
}

func (p Payload) Hex() string { return hex.EncodeToString(p.b) }

func (p Payload) tooShort(need int) *DecodeError {
	return &DecodeError{Kind: PayloadTooShort, Profile: p.id, Hex: p.Hex(), Need: need}
}

// Bits extracts unsigned field at bit offset from the first data byte, MSB first.
// Offsets follow EEP documents: offset 0 is bit 7 of DB3 in 4BS telegrams.
func (p Payload) Bits(offset, size int) (uint32, error) {
	if size <= 0 || size > 32 || offset < 0 {
		panic(fmt.Sprintf("code error profile=%s invalid bit field offset=%d size=%d", p.id, offset, size))
	}
	need := (offset + size + 7) / 8
	data := p.Data()
	if len(data) < need {
		return 0, p.tooShort(need)
	}
	var v uint32
	for i := offset; i < offset+size; i++ {
		bit := (data[i/8] >> (7 - uint(i%8))) & 1
		v = v<<1 | uint32(bit)
	}
	return v, nil
}

type DecodeFunc func(p Payload) (Fields, error)

type entry struct {
	desc string
	fn   DecodeFunc
}

// Table is read-only after setup, safe for concurrent Decode.
type Table struct {
	m       map[ID]entry
	generic DecodeFunc
}

// NewTable returns table with all shipped profiles registered.
func NewTable() *Table {
	t := NewEmptyTable()
	registerDefault(t)
	return t
}

func NewEmptyTable() *Table {
	return &Table{
		m:       make(map[ID]entry),
		generic: DecodeGeneric,
	}
}

// Register must be called only during setup.
func (t *Table) Register(id ID, desc string, fn DecodeFunc) {
	if fn == nil {
		panic("code error profile.Register fn=nil id=" + id.String())
	}
	t.m[id] = entry{desc: desc, fn: fn}
}

func (t *Table) Has(id ID) bool {
	_, ok := t.m[id]
	return ok
}

func (t *Table) Describe(id ID) string {
	if e, ok := t.m[id]; ok {
		return e.desc
	}
	return "generic"
}

func (t *Table) IDs() []ID {
	ids := make([]ID, 0, len(t.m))
	for id := range t.m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.Rorg != b.Rorg {
			return a.Rorg < b.Rorg
		}
		if a.Func != b.Func {
			return a.Func < b.Func
		}
		return a.Type < b.Type
	})
	return ids
}

// Decode never panics on malformed payload.
// Result Status is either StatusOK or StatusDecodeError with Err set.
func (t *Table) Decode(id ID, payload []byte) (r Reading) {
	r.Profile = id
	p := Payload{id: id, b: payload}
	fn := t.generic
	if e, ok := t.m[id]; ok {
		fn = e.fn
		if len(payload) != 0 && p.Marker() != id.Rorg {
			r.Status = StatusDecodeError
			r.Err = &DecodeError{Kind: RorgMismatch, Profile: id, Hex: p.Hex()}
			return r
		}
	}
	if len(payload) < telegram.MinPayload {
		r.Status = StatusDecodeError
		r.Err = p.tooShort(telegram.MinPayload)
		return r
	}
	fields, err := fn(p)
	if err != nil {
		r.Status = StatusDecodeError
		r.Err = err
		return r
	}
	r.Status = StatusOK
	r.Fields = fields
	return r
}

// DecodeGeneric is the fallback for profiles without a registered decoder.
func DecodeGeneric(p Payload) (Fields, error) {
	return Fields{
		"marker": fmt.Sprintf("%02X", p.Marker()),
		"raw":    hex.EncodeToString(p.Data()),
	}, nil
}
