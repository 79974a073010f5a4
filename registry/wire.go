package registry

import (
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/radiogate/profile"
	"github.com/temoto/radiogate/telegram"
)

const wireVersion = 1

// Devices is binary snapshot of the registry.
type Devices []Device

func (ds Devices) MarshalBinary() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 16+len(ds)*32))
	_ = buf.EncodeVarint(wireVersion)
	_ = buf.EncodeVarint(uint64(len(ds)))
	for _, d := range ds {
		if err := marshalDevice(buf, d); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (ds *Devices) UnmarshalBinary(b []byte) error {
	buf := proto.NewBuffer(b)
	version, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "devices version")
	}
	if version != wireVersion {
		return errors.NotSupportedf("devices version=%d", version)
	}
	n, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "devices count")
	}
	result := make(Devices, 0, n)
	for i := uint64(0); i < n; i++ {
		d, err := unmarshalDevice(buf)
		if err != nil {
			return errors.Annotatef(err, "device index=%d", i)
		}
		result = append(result, d)
	}
	*ds = result
	return nil
}

func marshalDevice(buf *proto.Buffer, d Device) error {
	if err := buf.EncodeStringBytes(d.Name); err != nil {
		return err
	}
	_ = buf.EncodeVarint(uint64(d.ID.Uint32()))
	_ = buf.EncodeVarint(uint64(d.Profile.Rorg)<<16 | uint64(d.Profile.Func)<<8 | uint64(d.Profile.Type))
	_ = buf.EncodeVarint(uint64(d.Interval))
	var seen int64
	if !d.LastSeen.IsZero() {
		seen = d.LastSeen.UnixNano()
	}
	return buf.EncodeZigzag64(uint64(seen))
}

func unmarshalDevice(buf *proto.Buffer) (Device, error) {
	var d Device
	var err error
	if d.Name, err = buf.DecodeStringBytes(); err != nil {
		return d, errors.Annotate(err, "name")
	}
	id, err := buf.DecodeVarint()
	if err != nil {
		return d, errors.Annotate(err, "id")
	}
	d.ID = telegram.DeviceIDFromUint32(uint32(id))
	p, err := buf.DecodeVarint()
	if err != nil {
		return d, errors.Annotate(err, "profile")
	}
	d.Profile = profile.ID{Rorg: byte(p >> 16), Func: byte(p >> 8), Type: byte(p)}
	interval, err := buf.DecodeVarint()
	if err != nil {
		return d, errors.Annotate(err, "interval")
	}
	d.Interval = time.Duration(interval)
	seen, err := buf.DecodeZigzag64()
	if err != nil {
		return d, errors.Annotate(err, "last_seen")
	}
	if seen != 0 {
		d.LastSeen = time.Unix(0, int64(seen))
	}
	return d, nil
}
