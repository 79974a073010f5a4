package profile

import "math"

func registerDefault(t *Table) {
	// F6 RPS: data is single byte, T21 and NU flags live in status byte.
	t.Register(ID{RORG_RPS, 0x02, 0x01}, "rocker switch 2 rocker", decodeRocker)
	t.Register(ID{RORG_RPS, 0x02, 0x02}, "rocker switch 2 rocker", decodeRocker)
	t.Register(ID{RORG_RPS, 0x10, 0x00}, "window handle", Decoder(
		Enum("handle", 0, 4, map[uint32]string{
			0xc: "open",
			0xe: "open",
			0xf: "closed",
			0xd: "tilted",
		}),
	))

	t.Register(ID{RORG_1BS, 0x00, 0x01}, "single input contact", decodeContact)

	// A5-02 temperature, 8 bit DB1 inverted scale.
	for typ := byte(0x01); typ <= 0x0b; typ++ {
		min := -40 + 10*float64(typ-0x01)
		t.Register(ID{RORG_4BS, 0x02, typ}, "temperature sensor", FourBS(
			Linear("temperature", 16, 8, 255, 0, min, min+40),
		))
	}
	for typ := byte(0x10); typ <= 0x1b; typ++ {
		min := -60 + 10*float64(typ-0x10)
		t.Register(ID{RORG_4BS, 0x02, typ}, "temperature sensor", FourBS(
			Linear("temperature", 16, 8, 255, 0, min, min+80),
		))
	}
	// 10 bit variants.
	t.Register(ID{RORG_4BS, 0x02, 0x20}, "temperature sensor 10 bit", FourBS(
		Linear("temperature", 14, 10, 1023, 0, -10, 41.2),
	))
	t.Register(ID{RORG_4BS, 0x02, 0x30}, "temperature sensor 10 bit", FourBS(
		Linear("temperature", 14, 10, 1023, 0, -40, 62.3),
	))

	t.Register(ID{RORG_4BS, 0x04, 0x01}, "temperature and humidity", FourBS(
		Linear("humidity", 8, 8, 0, 250, 0, 100),
		Linear("temperature", 16, 8, 0, 250, 0, 40),
		Flag("temperature_available", 30),
	))
	t.Register(ID{RORG_4BS, 0x04, 0x02}, "temperature and humidity", FourBS(
		Linear("supply_voltage", 0, 8, 0, 250, 0, 5),
		Linear("humidity", 8, 8, 0, 250, 0, 100),
		Linear("temperature", 16, 8, 0, 250, -20, 60),
		Flag("temperature_available", 30),
	))
	t.Register(ID{RORG_4BS, 0x04, 0x03}, "temperature and humidity 10 bit", FourBS(
		Linear("humidity", 0, 8, 0, 255, 0, 100),
		Linear("temperature", 14, 10, 0, 1023, -20, 60),
		Enum("telegram_type", 31, 1, map[uint32]string{0: "heartbeat", 1: "event"}),
	))

	t.Register(ID{RORG_4BS, 0x06, 0x01}, "light sensor", FourBSFunc(decodeLightRange(
		Linear("illumination", 8, 8, 0, 255, 300, 30000),
		Linear("illumination", 16, 8, 0, 255, 600, 60000),
	)))
	t.Register(ID{RORG_4BS, 0x06, 0x02}, "light sensor", FourBSFunc(decodeLightRange(
		Linear("illumination", 8, 8, 0, 255, 0, 510),
		Linear("illumination", 16, 8, 0, 255, 0, 1020),
	)))
	t.Register(ID{RORG_4BS, 0x06, 0x03}, "light sensor 10 bit", FourBS(
		Linear("supply_voltage", 0, 8, 0, 250, 0, 5),
		Linear("illumination", 8, 10, 0, 1000, 0, 1000),
	))

	t.Register(ID{RORG_4BS, 0x07, 0x01}, "occupancy sensor", FourBSFunc(decodeOccupancy))
	t.Register(ID{RORG_4BS, 0x07, 0x02}, "occupancy sensor", FourBS(
		Linear("supply_voltage", 0, 8, 0, 250, 0, 5),
		Flag("motion", 24),
	))
	t.Register(ID{RORG_4BS, 0x07, 0x03}, "occupancy sensor with illumination", FourBS(
		Linear("supply_voltage", 0, 8, 0, 250, 0, 5),
		Linear("illumination", 8, 10, 0, 1000, 0, 1000),
		Flag("motion", 24),
	))

	t.Register(ID{RORG_4BS, 0x08, 0x01}, "light temperature occupancy", FourBS(
		Linear("supply_voltage", 0, 8, 0, 255, 0, 5.1),
		Linear("illumination", 8, 8, 0, 255, 0, 510),
		Linear("temperature", 16, 8, 0, 255, 0, 51),
		FlagInv("motion", 30),
		FlagInv("occupancy_button", 31),
	))

	t.Register(ID{RORG_4BS, 0x09, 0x04}, "co2 humidity temperature", FourBS(
		Linear("humidity", 0, 8, 0, 200, 0, 100),
		Linear("co2", 8, 8, 0, 255, 0, 2550),
		Linear("temperature", 16, 8, 0, 255, 0, 51),
		Flag("humidity_available", 29),
		Flag("temperature_available", 30),
	))

	t.Register(ID{RORG_4BS, 0x10, 0x03}, "room operating panel", FourBS(
		Raw("set_point", 8, 8),
		Linear("temperature", 16, 8, 255, 0, 0, 40),
	))

	t.Register(ID{RORG_4BS, 0x12, 0x01}, "electricity meter", FourBSFunc(decodeMeter))
}

var rockerButtons = [8]string{"AI", "AO", "BI", "BO", "unknown", "unknown", "unknown", "unknown"}

func decodeRocker(p Payload) (Fields, error) {
	if _, err := p.Bits(0, 8); err != nil {
		return nil, err
	}
	status := p.Status()
	nu := status&0x10 != 0
	fs := Fields{
		"t21": status&0x20 != 0,
	}
	energyBow, _ := p.Bits(3, 1)
	fs["pressed"] = energyBow == 1
	if !nu {
		// unassigned: count of simultaneously pressed buttons
		count, _ := p.Bits(0, 3)
		if count == 3 {
			fs["buttons"] = "3or4"
		} else {
			fs["buttons"] = float64(count)
		}
		return fs, nil
	}
	r1, _ := p.Bits(0, 3)
	fs["rocker1"] = rockerButtons[r1]
	second, _ := p.Bits(7, 1)
	if second == 1 {
		r2, _ := p.Bits(4, 3)
		fs["rocker2"] = rockerButtons[r2]
	}
	return fs, nil
}

func decodeContact(p Payload) (Fields, error) {
	learn, err := p.Bits(4, 1)
	if err != nil {
		return nil, err
	}
	if learn == 0 {
		return Fields{"teach_in": true}, nil
	}
	contact, _ := p.Bits(7, 1)
	return Fields{"contact": contact == 1}, nil
}

// Range select bit DB0.0: 0 uses ILL1 (DB1), 1 uses ILL2 (DB2).
func decodeLightRange(ill2, ill1 Field) DecodeFunc {
	voltage := Linear("supply_voltage", 0, 8, 0, 255, 0, 5.1)
	return func(p Payload) (Fields, error) {
		v, err := voltage.Decode(p)
		if err != nil {
			return nil, err
		}
		rs, err := p.Bits(31, 1)
		if err != nil {
			return nil, err
		}
		ill := ill1
		if rs == 1 {
			ill = ill2
		}
		lux, err := ill.Decode(p)
		if err != nil {
			return nil, err
		}
		return Fields{"supply_voltage": v, "illumination": lux}, nil
	}
}

// PIR status DB1: 0..127 uncertain, 128..255 motion detected.
func decodeOccupancy(p Payload) (Fields, error) {
	voltage, err := Linear("supply_voltage", 0, 8, 0, 250, 0, 5).Decode(p)
	if err != nil {
		return nil, err
	}
	pir, err := p.Bits(16, 8)
	if err != nil {
		return nil, err
	}
	return Fields{"supply_voltage": voltage, "motion": pir >= 128}, nil
}

// Meter reading DB3..DB1, tariff DB0.7-4, data type DB0.2, divisor DB0.1-0.
func decodeMeter(p Payload) (Fields, error) {
	mr, err := p.Bits(0, 24)
	if err != nil {
		return nil, err
	}
	tariff, _ := p.Bits(24, 4)
	dt, _ := p.Bits(29, 1)
	div, _ := p.Bits(30, 2)
	value := float64(mr) / math.Pow10(int(div))
	fs := Fields{"tariff": float64(tariff)}
	if dt == 1 {
		fs["power"] = value
	} else {
		fs["energy"] = value
	}
	return fs, nil
}
