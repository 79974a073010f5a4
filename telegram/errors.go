package telegram

import (
	"fmt"

	"github.com/temoto/radiogate/fault"
)

type FramingKind uint8

const (
	SyncNotFound FramingKind = iota + 1
	InvalidLength
	TooShort
)

func (k FramingKind) String() string {
	switch k {
	case SyncNotFound:
		return "sync not found"
	case InvalidLength:
		return "invalid length"
	case TooShort:
		return "too short"
	}
	return fmt.Sprintf("framing(%d)", uint8(k))
}

type FramingError struct {
	Kind   FramingKind
	Length int // bytes available or declared, depends on Kind
}

func (e FramingError) Error() string {
	if e.Length == 0 {
		return "telegram: " + e.Kind.String()
	}
	return fmt.Sprintf("telegram: %s length=%d", e.Kind, e.Length)
}
func (FramingError) FaultKind() fault.Kind { return fault.Framing }

type ChecksumKind uint8

const (
	HeaderMismatch ChecksumKind = iota + 1
	PayloadMismatch
)

func (k ChecksumKind) String() string {
	switch k {
	case HeaderMismatch:
		return "header"
	case PayloadMismatch:
		return "payload"
	}
	return fmt.Sprintf("checksum(%d)", uint8(k))
}

type ChecksumError struct {
	Kind     ChecksumKind
	Received byte
	Actual   byte
}

func (e ChecksumError) Error() string {
	return fmt.Sprintf("telegram: invalid %s checksum received=%02x actual=%02x", e.Kind, e.Received, e.Actual)
}
func (ChecksumError) FaultKind() fault.Kind { return fault.Checksum }
