// Package fault is the error taxonomy shared by retry, breaker and dead letter policies.
// Every error reaching a policy maps to exactly one Kind, so "should this be retried"
// is a lookup, not a guess.
package fault

import (
	"context"
	"fmt"
	"net"

	"github.com/juju/errors"
)

type Kind uint8

const (
	Unknown Kind = iota
	Transient
	Timeout
	Unavailable
	Storage
	Invalid
	NotFound
	AlreadyExists
	Canceled
	Framing
	Checksum
	Decode
	CircuitOpen
	RetryExhausted
	QueueFull
	kindMax
)

var kindNames = [kindMax]string{
	Unknown:        "unknown",
	Transient:      "transient",
	Timeout:        "timeout",
	Unavailable:    "unavailable",
	Storage:        "storage",
	Invalid:        "invalid",
	NotFound:       "not_found",
	AlreadyExists:  "already_exists",
	Canceled:       "canceled",
	Framing:        "framing",
	Checksum:       "checksum",
	Decode:         "decode",
	CircuitOpen:    "circuit_open",
	RetryExhausted: "retry_exhausted",
	QueueFull:      "queue_full",
}

func (k Kind) String() string {
	if k < kindMax {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return Unknown, errors.NotValidf("fault kind=%s", s)
}

// Kinder is implemented by domain errors which know their kind.
type Kinder interface {
	FaultKind() Kind
}

// Error attaches Kind to any error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error { return &Error{Kind: kind, Op: op, Err: err} }

func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}
func (e *Error) FaultKind() Kind { return e.Kind }
func (e *Error) Unwrap() error   { return e.Err }

type unwrapper interface{ Unwrap() error }
type underlier interface{ Underlying() error }

// KindOf walks juju annotations and Unwrap chains until it finds a Kinder
// or a well known error shape. nil maps to Unknown.
func KindOf(err error) Kind {
	for depth := 0; err != nil && depth < 32; depth++ {
		if k, ok := err.(Kinder); ok {
			return k.FaultKind()
		}
		if k, ok := knownKind(err); ok {
			return k
		}
		if cause := errors.Cause(err); cause != nil && cause != err {
			if k := KindOf(cause); k != Unknown {
				return k
			}
		}
		switch x := err.(type) {
		case unwrapper:
			err = x.Unwrap()
		case underlier:
			err = x.Underlying()
		default:
			err = nil
		}
	}
	return Unknown
}

func knownKind(err error) (Kind, bool) {
	switch {
	case err == context.Canceled:
		return Canceled, true
	case err == context.DeadlineExceeded:
		return Timeout, true
	case errors.IsTimeout(err):
		return Timeout, true
	case errors.IsNotFound(err):
		return NotFound, true
	case errors.IsAlreadyExists(err):
		return AlreadyExists, true
	case errors.IsNotValid(err):
		return Invalid, true
	}
	if ne, ok := err.(net.Error); ok {
		if ne.Timeout() {
			return Timeout, true
		}
		return Unavailable, true
	}
	return Unknown, false
}

// Set is a small immutable set of kinds.
type Set uint32

func NewSet(kinds ...Kind) Set {
	var s Set
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

func (s Set) Has(k Kind) bool { return s&(1<<k) != 0 }

func (s Set) Kinds() []Kind {
	ks := make([]Kind, 0, kindMax)
	for k := Kind(0); k < kindMax; k++ {
		if s.Has(k) {
			ks = append(ks, k)
		}
	}
	return ks
}

// Matches reports whether err kind is in set.
func (s Set) Matches(err error) bool { return err != nil && s.Has(KindOf(err)) }

// ParseSet accepts kind names, used by config.
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, name := range names {
		k, err := ParseKind(name)
		if err != nil {
			return 0, errors.Trace(err)
		}
		s |= 1 << k
	}
	return s, nil
}

// Infrastructure hiccups, default for retry policies and breakers.
const Retryable Set = 1<<Transient | 1<<Timeout | 1<<Unavailable | 1<<Storage
