// Package telegram implements radio serial link framing:
//
//   sync(0x55) | data length (u16 BE) | optional length | packet type | CRC8(header)
//   | data | optional | CRC8(data ++ optional)
//
// Data of a radio telegram is the payload: marker | data | device id (4) | status.
package telegram

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/crc"
)

const (
	SyncByte         byte = 0x55
	HeaderLength          = 6 // sync, data length (2), optional length, packet type, header CRC8
	MinPayload            = 6 // marker, device id (4), status
	DataMaxLength         = 0xffff
	DefaultMaxLength      = 1000
)

type PacketType byte

const (
	RadioERP1        PacketType = 0x01
	Response         PacketType = 0x02
	RadioSubTel      PacketType = 0x03
	EventPacket      PacketType = 0x04
	CommonCommand    PacketType = 0x05
	SmartAckCommand  PacketType = 0x06
	RemoteManCommand PacketType = 0x07
	RadioMessage     PacketType = 0x09
	RadioERP2        PacketType = 0x0a
)

type Header struct {
	DataLength     uint16
	OptionalLength uint8
	PacketType     PacketType
}

func (h Header) TotalLength() int {
	return HeaderLength + int(h.DataLength) + int(h.OptionalLength) + 1
}

// DecodeHeader parses first HeaderLength bytes. Checksum is not verified here.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, FramingError{Kind: TooShort, Length: len(b)}
	}
	if b[0] != SyncByte {
		return Header{}, FramingError{Kind: SyncNotFound}
	}
	return decodeHeader(b), nil
}

func decodeHeader(b []byte) Header {
	return Header{
		DataLength:     binary.BigEndian.Uint16(b[1:3]),
		OptionalLength: b[3],
		PacketType:     PacketType(b[4]),
	}
}

// Build frames data and optional sections with given packet type.
func Build(pt PacketType, data, optional []byte) ([]byte, error) {
	if len(data) > DataMaxLength {
		return nil, FramingError{Kind: InvalidLength, Length: len(data)}
	}
	if len(optional) > 0xff {
		return nil, FramingError{Kind: InvalidLength, Length: len(optional)}
	}
	h := Header{DataLength: uint16(len(data)), OptionalLength: uint8(len(optional)), PacketType: pt}
	b := make([]byte, h.TotalLength())
	b[0] = SyncByte
	binary.BigEndian.PutUint16(b[1:3], h.DataLength)
	b[3] = h.OptionalLength
	b[4] = byte(pt)
	b[5] = crc.Sum(b[1:5])
	n := HeaderLength
	n += copy(b[n:], data)
	n += copy(b[n:], optional)
	b[n] = crc.Sum(b[HeaderLength:n])
	return b, nil
}

// Encode builds radio telegram with payload = marker | data | id | status.
func Encode(marker byte, data []byte, id DeviceID, status byte) ([]byte, error) {
	payload := make([]byte, 0, len(data)+MinPayload)
	payload = append(payload, marker)
	payload = append(payload, data...)
	payload = append(payload, id[:]...)
	payload = append(payload, status)
	b, err := Build(RadioERP1, payload, nil)
	return b, errors.Annotate(err, "telegram encode")
}
func MustEncode(marker byte, data []byte, id DeviceID, status byte) []byte {
	b, err := Encode(marker, data, id, status)
	if err != nil {
		panic(err)
	}
	return b
}

// Check validates framing and both checksums over exactly the ranges Build uses.
func Check(b []byte) error {
	h, err := DecodeHeader(b)
	if err != nil {
		return err
	}
	if actual := crc.Sum(b[1:5]); actual != b[5] {
		return ChecksumError{Kind: HeaderMismatch, Received: b[5], Actual: actual}
	}
	total := h.TotalLength()
	if len(b) != total {
		return FramingError{Kind: InvalidLength, Length: len(b)}
	}
	if actual := crc.Sum(b[HeaderLength : total-1]); actual != b[total-1] {
		return ChecksumError{Kind: PayloadMismatch, Received: b[total-1], Actual: actual}
	}
	return nil
}

func Verify(b []byte) bool { return Check(b) == nil }

// ExtractDeviceID returns payload[-5:-1] or zero id when payload is shorter than MinPayload.
func ExtractDeviceID(b []byte) DeviceID {
	var id DeviceID
	if len(b) < HeaderLength {
		return id
	}
	h := decodeHeader(b)
	end := HeaderLength + int(h.DataLength)
	if h.DataLength < MinPayload || end > len(b) {
		return id
	}
	copy(id[:], b[end-5:end-1])
	return id
}

// Telegram is one complete frame. Immutable: accessors return copies or read-only views.
type Telegram struct {
	b []byte
}

// Parse copies b into Telegram after framing validation.
// Checksums are not verified, use Check.
func Parse(b []byte) (Telegram, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Telegram{}, err
	}
	if len(b) != h.TotalLength() {
		return Telegram{}, FramingError{Kind: InvalidLength, Length: len(b)}
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return Telegram{b: raw}, nil
}
func MustParse(b []byte) Telegram {
	t, err := Parse(b)
	if err != nil {
		panic(err)
	}
	return t
}

func FromHex(s string) (Telegram, error) {
	b, err := hex.DecodeString(strings.Replace(s, " ", "", -1))
	if err != nil {
		return Telegram{}, errors.Annotate(err, "telegram hex")
	}
	return Parse(b)
}

func (t Telegram) IsZero() bool { return len(t.b) == 0 }
func (t Telegram) Len() int     { return len(t.b) }

// Bytes returns a copy of wire bytes.
func (t Telegram) Bytes() []byte {
	b := make([]byte, len(t.b))
	copy(b, t.b)
	return b
}

func (t Telegram) Header() Header {
	if len(t.b) < HeaderLength {
		return Header{}
	}
	return decodeHeader(t.b)
}

// Payload is the data section. Read-only view, valid while Telegram is.
func (t Telegram) Payload() []byte {
	if len(t.b) < HeaderLength {
		return nil
	}
	end := HeaderLength + int(t.Header().DataLength)
	return t.b[HeaderLength:end:end]
}

func (t Telegram) Optional() []byte {
	if len(t.b) < HeaderLength {
		return nil
	}
	h := t.Header()
	begin := HeaderLength + int(h.DataLength)
	end := begin + int(h.OptionalLength)
	return t.b[begin:end:end]
}

// Marker is first payload byte, RORG for radio telegrams.
func (t Telegram) Marker() byte {
	if p := t.Payload(); len(p) > 0 {
		return p[0]
	}
	return 0
}

// Data is payload without marker, device id and status.
func (t Telegram) Data() []byte {
	p := t.Payload()
	if len(p) < MinPayload {
		return nil
	}
	return p[1 : len(p)-5 : len(p)-5]
}

func (t Telegram) DeviceID() DeviceID { return ExtractDeviceID(t.b) }

func (t Telegram) Status() byte {
	if p := t.Payload(); len(p) >= MinPayload {
		return p[len(p)-1]
	}
	return 0
}

func (t Telegram) Check() error { return Check(t.b) }
func (t Telegram) Verify() bool { return Verify(t.b) }

// Format hex grouped by 8 chars.
func (t Telegram) Format() string {
	h := hex.EncodeToString(t.b)
	ss := make([]string, 0, len(h)/8+1)
	for i := 0; i < len(h); i += 8 {
		hi := i + 8
		if hi > len(h) {
			hi = len(h)
		}
		ss = append(ss, h[i:hi])
	}
	return strings.Join(ss, " ")
}

func (t Telegram) String() string {
	return fmt.Sprintf("telegram(type=%02x id=%s data=%x status=%02x)", byte(t.Header().PacketType), t.DeviceID(), t.Data(), t.Status())
}

type DeviceID [4]byte

func DeviceIDFromUint32(u uint32) (id DeviceID) {
	binary.BigEndian.PutUint32(id[:], u)
	return
}

// ParseDeviceID accepts 8 hex digits, optionally prefixed with 0x or separated with ':'.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	clean := strings.Replace(strings.TrimPrefix(strings.ToLower(s), "0x"), ":", "", -1)
	if len(clean) != 8 {
		return id, errors.NotValidf("device id=%s", s)
	}
	if _, err := hex.Decode(id[:], []byte(clean)); err != nil {
		return id, errors.NewNotValid(err, fmt.Sprintf("device id=%s", s))
	}
	return id, nil
}
func MustParseDeviceID(s string) DeviceID {
	id, err := ParseDeviceID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id DeviceID) Uint32() uint32 { return binary.BigEndian.Uint32(id[:]) }
func (id DeviceID) IsZero() bool   { return id == DeviceID{} }
func (id DeviceID) String() string { return fmt.Sprintf("%08X", id.Uint32()) }
