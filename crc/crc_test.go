package crc

import (
	"strings"
	"testing"
)

func makeCheck2(fun func(byte, byte) byte, tag string) func(t *testing.T, v1, v2, expect byte) {
	return func(t *testing.T, v1, v2, expect byte) {
		if fun(v1, v2) != expect {
			t.Errorf("%s(%02x, %02x) != %02x", tag, v1, v2, expect)
		}
	}
}

func makeCheckN(fun func(byte, []byte) byte, tag string) func(t *testing.T, v1 byte, vs []byte, expect byte) {
	return func(t *testing.T, v1 byte, vs []byte, expect byte) {
		if fun(v1, vs) != expect {
			t.Errorf("%s(%02x, "+strings.Repeat("%02x", len(vs))+") != %02x", tag, v1, vs, expect)
		}
	}
}

func TestReference(t *testing.T) {
	t.Parallel()
	checkRef := makeCheck2(CRC8_p07_reference, "CRC8_p07_reference")
	checkRef(t, 0, 0x00, 0x00)
	checkRef(t, 0, 0x55, 0xac)
	checkRef(t, 0, 0xaa, 0x5f)
	checkRef(t, 0, 0xff, 0xf3)
}

func TestLookup(t *testing.T) {
	t.Parallel()
	checkNext := makeCheck2(CRC8_p07_next, "CRC8_p07_next")
	checkNext(t, 0, 0x00, 0x00)
	checkNext(t, 0, 0x55, 0xac)
	checkNext(t, 0, 0xaa, 0x5f)
	checkNext(t, 0, 0xff, 0xf3)
	checkNext(t, 0x80, 0x02, 0x87)
	checkNext(t, 0xe0, 0x78, 0xc1)
	checkN := makeCheckN(CRC8_p07_n, "CRC8_p07_n")
	checkN(t, 0, []byte("123456789"), 0xf4)
	// real header: data length 7, optional length 7, radio packet
	checkN(t, 0, []byte{0x00, 0x07, 0x07, 0x01}, 0x7a)
	checkN(t, 0, []byte{0x00, 0x0a, 0x00, 0x01}, 0x80)
}

func TestTableMatchesReference(t *testing.T) {
	t.Parallel()
	for crc := 0; crc < 256; crc++ {
		for b := 0; b < 256; b += 17 {
			if r, n := CRC8_p07_reference(byte(crc), byte(b)), CRC8_p07_next(byte(crc), byte(b)); r != n {
				t.Fatalf("crc=%02x data=%02x reference=%02x table=%02x", crc, b, r, n)
			}
		}
	}
}
