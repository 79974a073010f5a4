// Package registry keeps known radio devices indexed by name and by id.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/helpers/atomic_clock"
	"github.com/temoto/radiogate/profile"
	"github.com/temoto/radiogate/telegram"
)

type Device struct {
	Name     string
	ID       telegram.DeviceID
	Profile  profile.ID
	Interval time.Duration
	LastSeen time.Time
}

func (d Device) String() string {
	return fmt.Sprintf("device name=%s id=%s profile=%s interval=%v", d.Name, d.ID, d.Profile, d.Interval)
}

type record struct {
	Device
	seen atomic_clock.Clock
}

func (r *record) snapshot() Device {
	d := r.Device
	d.LastSeen = r.seen.Time()
	return d
}

// Registry indexes are always consistent: every device is in both or neither.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*record
	byID   map[telegram.DeviceID]*record
}

func New() *Registry {
	return &Registry{
		byName: make(map[string]*record),
		byID:   make(map[telegram.DeviceID]*record),
	}
}

func (r *Registry) Add(d Device) error {
	if d.Name == "" {
		return errors.NotValidf("device name=empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name]; ok {
		return errors.AlreadyExistsf("device name=%s", d.Name)
	}
	if old, ok := r.byID[d.ID]; ok {
		return errors.AlreadyExistsf("device id=%s (name=%s)", d.ID, old.Name)
	}
	rec := &record{Device: d}
	rec.seen.SetTime(d.LastSeen)
	rec.Device.LastSeen = time.Time{}
	r.byName[d.Name] = rec
	r.byID[d.ID] = rec
	return nil
}

func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byName[name]
	if !ok {
		return false
	}
	delete(r.byName, name)
	delete(r.byID, rec.ID)
	return true
}

func (r *Registry) LookupByID(id telegram.DeviceID) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.byID[id]; ok {
		return rec.snapshot(), true
	}
	return Device{}, false
}

func (r *Registry) LookupByName(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.byName[name]; ok {
		return rec.snapshot(), true
	}
	return Device{}, false
}

// Touch records receive time. Returns false for unknown device.
func (r *Registry) Touch(id telegram.DeviceID, t time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if ok {
		rec.seen.SetTime(t)
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// All returns devices sorted by name.
func (r *Registry) All() []Device {
	r.mu.RLock()
	ds := make([]Device, 0, len(r.byName))
	for _, rec := range r.byName {
		ds = append(ds, rec.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
	return ds
}

// ReadyForTransmission returns devices with now-LastSeen >= Interval, sorted by name.
func (r *Registry) ReadyForTransmission(now time.Time) []Device {
	all := r.All()
	ready := all[:0]
	for _, d := range all {
		if now.Sub(d.LastSeen) >= d.Interval {
			ready = append(ready, d)
		}
	}
	return ready
}

type Store interface {
	LoadDevices() ([]Device, error)
	SaveDevices([]Device) error
}

// Load adds all devices from store. Devices already known under same name and id are skipped.
// Other conflicts are collected, not fatal.
func (r *Registry) Load(s Store) error {
	ds, err := s.LoadDevices()
	if err != nil {
		return errors.Annotate(err, "registry load")
	}
	var errs []error
	for _, d := range ds {
		if known, ok := r.LookupByID(d.ID); ok && known.Name == d.Name {
			continue
		}
		if err := r.Add(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Annotate(helpers.FoldErrors(errs), "registry load")
}

func (r *Registry) Save(s Store) error {
	return errors.Annotate(s.SaveDevices(r.All()), "registry save")
}
