package profile

import "fmt"

type fieldKind uint8

const (
	fieldLinear fieldKind = iota + 1
	fieldFlag
	fieldEnum
	fieldRaw
)

// Field describes one value inside data: bit offset and size as in EEP documents, plus conversion.
type Field struct {
	Name   string
	Offset int
	Size   int

	kind   fieldKind
	rawMin float64
	rawMax float64
	min    float64
	max    float64
	invert bool
	enum   map[uint32]string
}

// Linear maps raw rawMin..rawMax onto min..max. Inverted ranges (rawMin > rawMax) are common.
func Linear(name string, offset, size int, rawMin, rawMax, min, max float64) Field {
	return Field{Name: name, Offset: offset, Size: size, kind: fieldLinear, rawMin: rawMin, rawMax: rawMax, min: min, max: max}
}

func Flag(name string, offset int) Field {
	return Field{Name: name, Offset: offset, Size: 1, kind: fieldFlag}
}

// FlagInv is true when bit is clear.
func FlagInv(name string, offset int) Field {
	return Field{Name: name, Offset: offset, Size: 1, kind: fieldFlag, invert: true}
}

func Enum(name string, offset, size int, values map[uint32]string) Field {
	return Field{Name: name, Offset: offset, Size: size, kind: fieldEnum, enum: values}
}

func Raw(name string, offset, size int) Field {
	return Field{Name: name, Offset: offset, Size: size, kind: fieldRaw}
}

func (f Field) Decode(p Payload) (interface{}, error) {
	raw, err := p.Bits(f.Offset, f.Size)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case fieldLinear:
		return f.min + (float64(raw)-f.rawMin)*(f.max-f.min)/(f.rawMax-f.rawMin), nil
	case fieldFlag:
		return (raw == 1) != f.invert, nil
	case fieldEnum:
		if s, ok := f.enum[raw]; ok {
			return s, nil
		}
		return fmt.Sprintf("unknown(%d)", raw), nil
	case fieldRaw:
		return float64(raw), nil
	}
	panic(fmt.Sprintf("code error profile field=%s kind=%d", f.Name, f.kind))
}

// Decoder returns DecodeFunc extracting all fields.
func Decoder(fields ...Field) DecodeFunc {
	return func(p Payload) (Fields, error) {
		return decodeFields(p, fields)
	}
}

func decodeFields(p Payload, fields []Field) (Fields, error) {
	result := make(Fields, len(fields))
	for _, f := range fields {
		v, err := f.Decode(p)
		if err != nil {
			return nil, err
		}
		result[f.Name] = v
	}
	return result, nil
}

// FourBS is Decoder for 4BS profiles: teach-in telegrams decode into EEP fields.
func FourBS(fields ...Field) DecodeFunc {
	return FourBSFunc(Decoder(fields...))
}

// FourBSFunc wraps custom 4BS decoder with teach-in handling.
func FourBSFunc(fn DecodeFunc) DecodeFunc {
	return func(p Payload) (Fields, error) {
		learn, err := p.Bits(lrnBit4BS, 1)
		if err != nil {
			return nil, err
		}
		if learn == 0 {
			_, fs, err := decodeTeachIn4BS(p)
			return fs, err
		}
		return fn(p)
	}
}

// DB0.3 clear means teach-in.
const lrnBit4BS = 28

func decodeTeachIn4BS(p Payload) (ID, Fields, error) {
	fn, err := p.Bits(0, 6)
	if err != nil {
		return ID{}, nil, err
	}
	typ, _ := p.Bits(6, 7)
	manuf, _ := p.Bits(13, 11)
	withEEP, _ := p.Bits(24, 1)
	fs := Fields{
		"teach_in":     true,
		"manufacturer": float64(manuf),
	}
	if withEEP == 0 {
		return ID{}, fs, nil
	}
	id := ID{Rorg: RORG_4BS, Func: byte(fn), Type: byte(typ)}
	fs["eep"] = id.String()
	return id, fs, nil
}

// TeachIn reports EEP carried in a 4BS teach-in payload.
// ok=false for other telegrams and teach-in without EEP.
func TeachIn(payload []byte) (ID, bool) {
	p := Payload{b: payload}
	if p.Marker() != RORG_4BS {
		return ID{}, false
	}
	learn, err := p.Bits(lrnBit4BS, 1)
	if err != nil || learn != 0 {
		return ID{}, false
	}
	id, _, err := decodeTeachIn4BS(p)
	if err != nil || id.IsZero() {
		return ID{}, false
	}
	return id, true
}
