package profile

import (
	"math"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/radiogate/telegram"
)

const wireVersion = 1

const (
	wireFloat = iota
	wireBool
	wireString
)

// MarshalBinary encodes reading for outbox. Err is kept as message only.
func (r *Reading) MarshalBinary() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 64+len(r.Fields)*16))
	_ = buf.EncodeVarint(wireVersion)
	var t int64
	if !r.Time.IsZero() {
		t = r.Time.UnixNano()
	}
	_ = buf.EncodeZigzag64(uint64(t))
	_ = buf.EncodeVarint(uint64(r.Device.Uint32()))
	_ = buf.EncodeStringBytes(r.DeviceName)
	_ = buf.EncodeVarint(uint64(r.Profile.Rorg)<<16 | uint64(r.Profile.Func)<<8 | uint64(r.Profile.Type))
	_ = buf.EncodeStringBytes(string(r.Status))
	var errMsg string
	if r.Err != nil {
		errMsg = r.Err.Error()
	}
	_ = buf.EncodeStringBytes(errMsg)
	names := r.Fields.Names()
	_ = buf.EncodeVarint(uint64(len(names)))
	for _, name := range names {
		_ = buf.EncodeStringBytes(name)
		switch v := r.Fields[name].(type) {
		case float64:
			_ = buf.EncodeVarint(wireFloat)
			_ = buf.EncodeFixed64(math.Float64bits(v))
		case bool:
			_ = buf.EncodeVarint(wireBool)
			b := uint64(0)
			if v {
				b = 1
			}
			_ = buf.EncodeVarint(b)
		case string:
			_ = buf.EncodeVarint(wireString)
			_ = buf.EncodeStringBytes(v)
		default:
			return nil, errors.NotSupportedf("reading field=%s type=%T", name, v)
		}
	}
	return buf.Bytes(), nil
}

func (r *Reading) UnmarshalBinary(b []byte) error {
	buf := proto.NewBuffer(b)
	v, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "reading header")
	}
	if v != wireVersion {
		return errors.NotSupportedf("reading wire version=%d", v)
	}
	var result Reading
	if v, err = buf.DecodeZigzag64(); err != nil {
		return errors.Annotate(err, "reading time")
	}
	if v != 0 {
		result.Time = time.Unix(0, int64(v))
	}
	if v, err = buf.DecodeVarint(); err != nil {
		return errors.Annotate(err, "reading device")
	}
	result.Device = telegram.DeviceIDFromUint32(uint32(v))
	if result.DeviceName, err = buf.DecodeStringBytes(); err != nil {
		return errors.Annotate(err, "reading name")
	}
	if v, err = buf.DecodeVarint(); err != nil {
		return errors.Annotate(err, "reading profile")
	}
	result.Profile = ID{Rorg: byte(v >> 16), Func: byte(v >> 8), Type: byte(v)}
	status, err := buf.DecodeStringBytes()
	if err != nil {
		return errors.Annotate(err, "reading status")
	}
	result.Status = Status(status)
	errMsg, err := buf.DecodeStringBytes()
	if err != nil {
		return errors.Annotate(err, "reading error")
	}
	if errMsg != "" {
		result.Err = errors.New(errMsg)
	}
	n, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "reading fields")
	}
	if n != 0 {
		result.Fields = make(Fields, n)
	}
	for i := uint64(0); i < n; i++ {
		name, err := buf.DecodeStringBytes()
		if err != nil {
			return errors.Annotatef(err, "reading field index=%d", i)
		}
		typ, err := buf.DecodeVarint()
		if err != nil {
			return errors.Annotatef(err, "reading field=%s", name)
		}
		switch typ {
		case wireFloat:
			x, err := buf.DecodeFixed64()
			if err != nil {
				return errors.Annotatef(err, "reading field=%s", name)
			}
			result.Fields[name] = math.Float64frombits(x)
		case wireBool:
			x, err := buf.DecodeVarint()
			if err != nil {
				return errors.Annotatef(err, "reading field=%s", name)
			}
			result.Fields[name] = x != 0
		case wireString:
			s, err := buf.DecodeStringBytes()
			if err != nil {
				return errors.Annotatef(err, "reading field=%s", name)
			}
			result.Fields[name] = s
		default:
			return errors.NotValidf("reading field=%s type=%d", name, typ)
		}
	}
	*r = result
	return nil
}
