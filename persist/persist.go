// Package persist binds binary snapshots to extremofile storage.
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/radiogate/log2"
)

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persist is snapshot storage under root/tag. Disabled Persist accepts writes and loads nothing.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	storage storage
}

func New(tag string, root string, enabled bool, log *log2.Log) (*Persist, error) {
	p := &Persist{}
	err := p.Init(tag, root, enabled, log)
	return p, err
}

func (p *Persist) Init(tag string, root string, enabled bool, log *log2.Log) error {
	p.tag = tag
	p.log = log
	if !enabled {
		p.log.Debugf("persist %s disabled", p.tag)
		return nil
	}
	if root == "" {
		return errors.Errorf("persist %s enabled but root=empty", p.tag)
	}
	p.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return nil
}

func (p *Persist) Enabled() bool { return p.storage != nil }
func (p *Persist) Tag() string   { return p.tag }

// Load returns found=false when storage is disabled or empty.
func (p *Persist) Load(target encoding.BinaryUnmarshaler) (bool, error) {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return false, nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s storage.read duration=%v", p.tag, time.Since(tbegin))
	if b == nil {
		return false, errors.Annotatef(err, "persist %s Load", p.tag)
	}
	if err != nil {
		p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
	}
	err = target.UnmarshalBinary(b)
	return err == nil, errors.Annotatef(err, "persist %s Load", p.tag)
}

func (p *Persist) Store(target encoding.BinaryMarshaler) error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	b, err := target.MarshalBinary()
	if err != nil {
		return errors.Annotatef(err, "persist %s Store", p.tag)
	}
	return p.StoreBytes(b)
}

func (p *Persist) StoreBytes(b []byte) error {
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	_, err := p.storage.Write(b)
	p.log.Debugf("persist %s storage.write duration=%v", p.tag, time.Since(tbegin))
	return errors.Annotatef(err, "persist %s Store", p.tag)
}
