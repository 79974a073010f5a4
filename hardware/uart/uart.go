// Package uart opens serial port in raw 8N1 mode for radio transceiver link.
package uart

import (
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
)

const DefaultBaud = 57600

type Port struct {
	path string
	baud int
	f    *os.File
	mu   sync.Mutex
}

func Open(path string, baud int) (*Port, error) {
	if path == "" {
		return nil, errors.NotValidf("uart path=empty")
	}
	if baud == 0 {
		baud = DefaultBaud
	}
	f, err := os.OpenFile(path, os.O_RDWR|oNoctty, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "uart open path=%s", path)
	}
	p := &Port{path: path, baud: baud, f: f}
	if err = p.setRaw(); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "uart configure path=%s baud=%d", path, baud)
	}
	return p, nil
}

func (p *Port) String() string { return p.path }
func (p *Port) Baud() int      { return p.baud }

// Read blocks until at least one byte is available or port is closed.
func (p *Port) Read(b []byte) (int, error) { return p.f.Read(b) }

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Write(b)
}

// SetReadDeadline is supported when device file is pollable, which is true for ttys.
func (p *Port) SetReadDeadline(t time.Time) error { return p.f.SetReadDeadline(t) }

func (p *Port) Close() error { return p.f.Close() }
