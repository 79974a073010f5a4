// Package profile decodes telegram payloads into readings.
// Decoders are pure functions selected by device profile (EEP triple RORG-FUNC-TYPE)
// from a Table populated once at startup.
package profile

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/telegram"
)

// Payload markers (RORG).
const (
	RORG_RPS byte = 0xf6
	RORG_1BS byte = 0xd5
	RORG_4BS byte = 0xa5
	RORG_VLD byte = 0xd2
	RORG_MSC byte = 0xd1
	RORG_UTE byte = 0xd4
)

type ID struct {
	Rorg byte
	Func byte
	Type byte
}

func (id ID) IsZero() bool   { return id == ID{} }
func (id ID) String() string { return fmt.Sprintf("%02X-%02X-%02X", id.Rorg, id.Func, id.Type) }

// Parse accepts "A5-02-05" or "a50205".
func Parse(s string) (ID, error) {
	clean := strings.Replace(strings.TrimSpace(s), "-", "", -1)
	if len(clean) != 6 {
		return ID{}, errors.NotValidf("profile id=%s", s)
	}
	var b [3]byte
	if _, err := hex.Decode(b[:], []byte(clean)); err != nil {
		return ID{}, errors.NewNotValid(err, "profile id="+s)
	}
	return ID{Rorg: b[0], Func: b[1], Type: b[2]}, nil
}
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

type Status string

const (
	StatusOK            Status = "ok"
	StatusDecodeError   Status = "decode_error"
	StatusUnknownDevice Status = "unknown_device"
	StatusChecksumFail  Status = "checksum_fail"
)

// Fields values are float64, bool or string.
type Fields map[string]interface{}

func (f Fields) Float(name string) (float64, bool) {
	v, ok := f[name].(float64)
	return v, ok
}
func (f Fields) Bool(name string) (bool, bool) {
	v, ok := f[name].(bool)
	return v, ok
}
func (f Fields) String(name string) (string, bool) {
	v, ok := f[name].(string)
	return v, ok
}

func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Format is stable: sorted by name.
func (f Fields) Format() string {
	var b strings.Builder
	for i, name := range f.Names() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(name)
		b.WriteByte('=')
		switch v := f[name].(type) {
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		default:
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

type Reading struct {
	Time       time.Time
	Device     telegram.DeviceID
	DeviceName string
	Profile    ID
	Status     Status
	Fields     Fields
	Err        error
}

func (r Reading) OK() bool { return r.Status == StatusOK }

func (r Reading) String() string {
	s := fmt.Sprintf("reading device=%s name=%s profile=%s status=%s", r.Device, r.DeviceName, r.Profile, r.Status)
	if len(r.Fields) != 0 {
		s += " " + r.Fields.Format()
	}
	if r.Err != nil {
		s += fmt.Sprintf(" err=%v", r.Err)
	}
	return s
}

type DecodeKind uint8

const (
	PayloadTooShort DecodeKind = iota + 1
	RorgMismatch
)

type DecodeError struct {
	Kind    DecodeKind
	Profile ID
	Hex     string
	Need    int
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case PayloadTooShort:
		return fmt.Sprintf("profile=%s payload too short need=%d payload=%s", e.Profile, e.Need, e.Hex)
	case RorgMismatch:
		return fmt.Sprintf("profile=%s marker mismatch payload=%s", e.Profile, e.Hex)
	}
	return fmt.Sprintf("profile=%s decode error kind=%d payload=%s", e.Profile, e.Kind, e.Hex)
}
func (*DecodeError) FaultKind() fault.Kind { return fault.Decode }
