//go:build !linux
// +build !linux

package uart

import "github.com/juju/errors"

const oNoctty = 0

func baudFlag(baud int) (uint32, error) { return 0, errors.NotSupportedf("uart on this platform") }

func (p *Port) setRaw() error {
	_, err := baudFlag(p.baud)
	return err
}
