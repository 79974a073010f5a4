package state

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/hardware/radio"
	"github.com/temoto/radiogate/hardware/uart"
	"github.com/temoto/radiogate/helpers"
)

const defaultDialTimeout = 10 * time.Second

type hardware struct {
	Input struct {
		once
		// test code may set RWC before first Input() call
		RWC io.ReadWriteCloser
	}
	Radio struct {
		once
		Reset *radio.Reset
	}
}

// Input opens configured UART or TCP (ser2net style) stream.
func (g *Global) Input() (io.ReadWriteCloser, error) {
	h := &g.Hardware.Input
	err := h.do(func() error {
		if h.RWC != nil {
			return nil
		}
		cfg := &g.Config.Input
		switch {
		case cfg.UartDevice != "":
			port, err := uart.Open(cfg.UartDevice, cfg.UartBaud)
			if err != nil {
				return errors.Annotatef(err, "config: input.uart_device=%s", cfg.UartDevice)
			}
			g.Log.Infof("input uart=%s baud=%d", port.String(), port.Baud())
			h.RWC = port
		case cfg.TcpAddr != "":
			conn, err := net.DialTimeout("tcp", cfg.TcpAddr, defaultDialTimeout)
			if err != nil {
				return errors.Annotatef(err, "config: input.tcp_addr=%s", cfg.TcpAddr)
			}
			g.Log.Infof("input tcp=%s", conn.RemoteAddr())
			h.RWC = conn
		default:
			return errors.NotValidf("config: input requires uart_device or tcp_addr")
		}
		return nil
	})
	return h.RWC, err
}

// Radio returns nil,nil when reset pin is not configured.
func (g *Global) Radio() (*radio.Reset, error) {
	h := &g.Hardware.Radio
	err := h.do(func() error {
		if h.Reset != nil {
			return nil
		}
		cfg := &g.Config.Radio
		if cfg.ResetPin == "" {
			return nil
		}
		r, err := radio.Open(cfg.ResetPinChip, cfg.ResetPin, g.Log)
		if err != nil {
			return errors.Annotatef(err, "config: radio.reset_pin=%s", cfg.ResetPin)
		}
		if cfg.ResetMs != 0 {
			r.Pulse = time.Duration(cfg.ResetMs) * time.Millisecond
		}
		h.Reset = r
		return nil
	})
	return h.Reset, err
}

func (h *hardware) closeInput() {
	helpers.WithLock(&h.Input.Mutex, func() {
		if h.Input.RWC != nil {
			_ = h.Input.RWC.Close()
		}
	})
}

func (h *hardware) closeRadio() {
	helpers.WithLock(&h.Radio.Mutex, func() {
		if h.Radio.Reset != nil {
			_ = h.Radio.Reset.Close()
			h.Radio.Reset = nil
		}
	})
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
