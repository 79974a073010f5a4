package helpers

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/juju/errors"
)

// ParseHex ignores whitespace, so "55 00 07" and "550007" are same.
func ParseHex(s string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if compact == "" {
		return nil, errors.NotValidf("hex input is empty")
	}
	b, err := hex.DecodeString(compact)
	if err != nil {
		return nil, errors.NewNotValid(err, "hex input="+s)
	}
	return b, nil
}

func MustHex(s string) []byte {
	b, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return b
}
