// Package crc implements CRC8 with polynomial 0x07 (x^8+x^2+x+1), MSB first, init 0.
// Radio serial link uses it for both header and data checksums.
package crc

const CRC_POLY_07 byte = 0x07

// Bit by bit, exactly as written on the serial protocol sheet.
func CRC8_p07_reference(crc, data byte) byte {
	crc ^= data
	var i byte = 0
	for ; i < 8; i++ {
		if (crc & 0x80) != 0 {
			crc <<= 1
			crc ^= CRC_POLY_07
		} else {
			crc <<= 1
		}
	}
	return crc
}

var table07 = func() (t [256]byte) {
	for i := 0; i < 256; i++ {
		t[i] = CRC8_p07_reference(0, byte(i))
	}
	return
}()

func CRC8_p07_next(crc, data byte) byte { return table07[crc^data] }

func CRC8_p07_n(crc byte, bs []byte) byte {
	for _, b := range bs {
		crc = table07[crc^b]
	}
	return crc
}

// Checksum of bs starting from 0.
func Sum(bs []byte) byte { return CRC8_p07_n(0, bs) }
