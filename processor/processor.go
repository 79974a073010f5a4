// Package processor turns radio byte stream into decoded readings.
package processor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/helpers/atomic_clock"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/metric"
	"github.com/temoto/radiogate/pipeline"
	"github.com/temoto/radiogate/profile"
	"github.com/temoto/radiogate/registry"
	"github.com/temoto/radiogate/telegram"
)

// Pipeline operation names.
const (
	OpStoreReading   = "store_reading"
	OpRegisterDevice = "register_device"
)

// Recorder counter names.
const (
	CountProcessed      = "processed"
	CountOK             = "ok"
	CountDecodeError    = "decode_error"
	CountFailed         = "failed"
	CountUnknown        = "unknown"
	CountChecksumFail   = "checksum_fail"
	CountSyncNotFound   = "sync_not_found"
	CountDiscardedBytes = "discarded_bytes"
	CountInvalidLength  = "invalid_length"
	CountHeaderMismatch = "header_mismatch"
	CountLearned        = "learned"
	DurationProcessing  = "processing"
)

type Config struct {
	MaxLength       int
	SkipHeaderCheck bool
	// Learn registers unknown devices sending 4BS teach-in with EEP.
	Learn           bool
	LearnInterval   time.Duration
	ReadBuffer      int
}

type Processor struct {
	cfg   Config
	log   *log2.Log
	table *profile.Table
	reg   *registry.Registry
	pipe  *pipeline.Pipeline
	rec   metric.Recorder
	rs    *telegram.Reassembler
	now   func() time.Time
	out   func(profile.Reading)
	last  atomic_clock.Clock
}

// New processor. pipe may be nil, then readings are not stored and learn mode is off.
func New(cfg Config, table *profile.Table, reg *registry.Registry, pipe *pipeline.Pipeline, rec metric.Recorder, log *log2.Log) *Processor {
	if rec == nil {
		rec = metric.Nop{}
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 4096
	}
	return &Processor{
		cfg:   cfg,
		log:   log,
		table: table,
		reg:   reg,
		pipe:  pipe,
		rec:   rec,
		rs: telegram.NewReassembler(telegram.ReassemblerOptions{
			MaxLength:       cfg.MaxLength,
			SkipHeaderCheck: cfg.SkipHeaderCheck,
		}),
		now: time.Now,
	}
}

// SetClock replaces time source, call before Run or Feed.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// SetOutput sets callback for every reading, including failed ones.
func (p *Processor) SetOutput(f func(profile.Reading)) { p.out = f }

// LastTelegram is receive time of last framed telegram, zero if none yet.
func (p *Processor) LastTelegram() time.Time { return p.last.Time() }

// Run reads until EOF, read error or ctx done. EOF returns nil.
// Blocking Read is not interrupted by ctx, close the reader for that.
func (p *Processor) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, p.cfg.ReadBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			p.Feed(ctx, buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "processor read")
		}
	}
}

// Feed appends input bytes and processes every complete telegram.
func (p *Processor) Feed(ctx context.Context, b []byte) []profile.Reading {
	_, _ = p.rs.Write(b)
	var rs []profile.Reading
	for {
		e, ok := p.rs.Next()
		if !ok {
			return rs
		}
		switch e.Kind {
		case telegram.EventTelegram:
			rs = append(rs, p.HandleTelegram(ctx, e.Telegram))
			continue
		case telegram.EventSyncNotFound:
			p.rec.Inc(CountSyncNotFound)
		case telegram.EventInvalidLength:
			p.rec.Inc(CountInvalidLength)
		case telegram.EventHeaderMismatch:
			p.rec.Inc(CountHeaderMismatch)
		}
		p.rec.Add(CountDiscardedBytes, int64(e.Discarded))
		p.log.Debugf("processor %s", e.String())
	}
}

// HandleTelegram never panics, problems are reported in Reading.Status.
func (p *Processor) HandleTelegram(ctx context.Context, t telegram.Telegram) (r profile.Reading) {
	tbegin := p.now()
	p.last.SetTime(tbegin)
	p.rec.Inc(CountProcessed)
	r.Time = tbegin
	r.Device = t.DeviceID()
	defer func() {
		if x := recover(); x != nil {
			p.rec.Inc(CountFailed)
			r.Status = profile.StatusDecodeError
			r.Err = errors.Errorf("processor panic telegram=%s: %v", t.Format(), x)
			p.log.Errorf("%v", r.Err)
		}
		p.rec.Observe(DurationProcessing, p.now().Sub(tbegin))
		if p.out != nil {
			p.out(r)
		}
	}()

	if err := t.Check(); err != nil {
		p.rec.Inc(CountChecksumFail)
		r.Status = profile.StatusChecksumFail
		r.Err = err
		p.log.Debugf("processor telegram=%s err=%v", t.Format(), err)
		return r
	}

	d, ok := p.reg.LookupByID(r.Device)
	if !ok {
		d, ok = p.learn(ctx, t)
	}
	if !ok {
		p.rec.Inc(CountUnknown)
		r.Status = profile.StatusUnknownDevice
		r.Err = errors.NotFoundf("device id=%s", r.Device)
		p.log.Debugf("processor unknown device=%s telegram=%s", r.Device, t.Format())
		return r
	}
	p.reg.Touch(d.ID, tbegin)

	decoded := p.table.Decode(d.Profile, t.Payload())
	decoded.Time = r.Time
	decoded.Device = d.ID
	decoded.DeviceName = d.Name
	r = decoded
	if !r.OK() {
		p.rec.Inc(CountDecodeError)
		p.log.Errorf("processor device=%s err=%v", d.Name, r.Err)
		return r
	}
	p.rec.Inc(CountOK)
	if teachIn, _ := r.Fields.Bool("teach_in"); teachIn {
		return r
	}
	p.store(ctx, r)
	return r
}

func (p *Processor) store(ctx context.Context, r profile.Reading) {
	if p.pipe == nil {
		return
	}
	b, err := r.MarshalBinary()
	if err == nil {
		err = p.pipe.Execute(ctx, OpStoreReading, b)
	}
	if err != nil {
		p.rec.Inc(CountFailed)
		p.log.Errorf("processor store device=%s err=%v", r.DeviceName, err)
	}
}

func (p *Processor) learn(ctx context.Context, t telegram.Telegram) (registry.Device, bool) {
	if !p.cfg.Learn || p.pipe == nil {
		return registry.Device{}, false
	}
	eep, ok := profile.TeachIn(t.Payload())
	if !ok {
		return registry.Device{}, false
	}
	d := registry.Device{
		Name:     fmt.Sprintf("learned-%s", t.DeviceID()),
		ID:       t.DeviceID(),
		Profile:  eep,
		Interval: p.cfg.LearnInterval,
	}
	b, err := registry.Devices{d}.MarshalBinary()
	if err == nil {
		err = p.pipe.Execute(ctx, OpRegisterDevice, b)
	}
	if err != nil {
		p.log.Errorf("processor learn %s err=%v", d.String(), err)
		return registry.Device{}, false
	}
	p.rec.Inc(CountLearned)
	p.log.Infof("processor learned %s", d.String())
	return p.reg.LookupByID(d.ID)
}

// RegisterHandlers binds register_device operation to registry and its store.
// store may be nil.
func RegisterHandlers(pipe *pipeline.Pipeline, reg *registry.Registry, store registry.Store, opts ...pipeline.Option) {
	pipe.Handle(OpRegisterDevice, func(ctx context.Context, args []byte) error {
		var ds registry.Devices
		if err := ds.UnmarshalBinary(args); err != nil {
			return errors.NewNotValid(err, "register_device args")
		}
		for _, d := range ds {
			if err := reg.Add(d); err != nil && !errors.IsAlreadyExists(err) {
				return err
			}
		}
		if store == nil {
			return nil
		}
		return reg.Save(store)
	}, opts...)
}
