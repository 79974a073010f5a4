// Package radio controls transceiver module reset line.
package radio

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/radiogate/log2"
)

const (
	consumerLabel = "radiogate"

	DefaultPulse = 100 * time.Millisecond
	// transceiver boot time after reset release
	DefaultSettle = 200 * time.Millisecond
)

// Reset line is active low: 0 holds module in reset.
type Reset struct {
	log    *log2.Log
	chip   gpio.Chiper
	lines  gpio.Lineser
	set    gpio.LineSetFunc
	line   uint32
	Pulse  time.Duration
	Settle time.Duration
}

func Open(chipPath, pin string, log *log2.Log) (*Reset, error) {
	line, err := strconv.ParseUint(pin, 10, 32)
	if err != nil {
		return nil, errors.NewNotValid(err, "radio reset pin="+pin)
	}
	chip, err := gpio.Open(chipPath, consumerLabel)
	if err != nil {
		return nil, errors.Annotatef(err, "radio reset pin open chip=%s", chipPath)
	}
	r, err := New(chip, uint32(line), log)
	if err != nil {
		chip.Close()
		return nil, err
	}
	return r, nil
}

// New takes ownership of chip and releases module from reset.
func New(chip gpio.Chiper, line uint32, log *log2.Log) (*Reset, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, consumerLabel, line)
	if err != nil {
		return nil, errors.Annotatef(err, "radio reset line=%d", line)
	}
	self := &Reset{
		log:    log,
		chip:   chip,
		lines:  lines,
		set:    lines.SetFunc(line),
		line:   line,
		Pulse:  DefaultPulse,
		Settle: DefaultSettle,
	}
	if err = self.write(1); err != nil {
		lines.Close()
		return nil, err
	}
	return self, nil
}

// Reset holds line low for Pulse, then waits Settle for module boot.
func (self *Reset) Reset(ctx context.Context) error {
	self.log.Debugf("radio reset line=%d pulse=%v", self.line, self.Pulse)
	if err := self.write(0); err != nil {
		return err
	}
	err := sleep(ctx, self.Pulse)
	// release reset even when cancelled
	if werr := self.write(1); werr != nil {
		return werr
	}
	if err != nil {
		return errors.Annotate(err, "radio reset")
	}
	return errors.Annotate(sleep(ctx, self.Settle), "radio reset settle")
}

func (self *Reset) Close() error {
	err1 := self.lines.Close()
	err2 := self.chip.Close()
	if err1 != nil {
		return errors.Annotate(err1, "radio reset close lines")
	}
	return errors.Annotate(err2, "radio reset close chip")
}

func (self *Reset) write(v byte) error {
	self.set(v)
	if err := self.lines.Flush(); err != nil {
		return errors.Annotatef(err, "radio reset line=%d value=%d", self.line, v)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
