package telegram

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/radiogate/crc"
	"github.com/temoto/radiogate/helpers"
)

const (
	hexT1 = "55000a000180a512345608789abc303023"
	hexT2 = "550007000111d509010203040077"
)

func drain(t testing.TB, r *Reassembler) []Event {
	var events []Event
	for i := 0; ; i++ {
		if i > 100000 {
			t.Fatalf("reassembler does not make progress state=%s buffered=%d", r.State(), r.Buffered())
		}
		before := r.Buffered()
		e, ok := r.Next()
		if !ok {
			return events
		}
		if e.Kind != EventTelegram {
			require.True(t, e.Discarded > 0, "diagnostic without progress event=%s", e)
		}
		require.True(t, r.Buffered() < before, "no progress event=%s", e)
		events = append(events, e)
	}
}

func summary(events []Event) string {
	ss := make([]string, len(events))
	for i, e := range events {
		if e.Kind == EventTelegram {
			ss[i] = "telegram:" + hex.EncodeToString(e.Telegram.Bytes())
		} else {
			ss[i] = fmt.Sprintf("%s:%d", e.Kind, e.Discarded)
		}
	}
	return strings.Join(ss, " ")
}

func TestReassembler(t *testing.T) {
	t.Parallel()

	badT1 := hexT1[:len(hexT1)-2] + "00"
	cases := []struct {
		name   string
		chunks []string
		expect string
	}{
		{"empty", nil, ""},
		{"clean", []string{hexT1}, "telegram:" + hexT1},
		{"garbage-before", []string{"010203" + hexT1}, "data-discarded:3 telegram:" + hexT1},
		{"no-sync", []string{"010203"}, "sync-not-found:3"},
		{"no-sync-twice", []string{"0102", "03"}, "sync-not-found:2 sync-not-found:1"},
		{"partial", []string{hexT1[:8], hexT1[8:20], hexT1[20:]}, "telegram:" + hexT1},
		{"two-in-one", []string{hexT1 + hexT2}, "telegram:" + hexT1 + " telegram:" + hexT2},
		{"false-sync", []string{"55ffffffff00" + hexT2}, "header-mismatch:1 data-discarded:5 telegram:" + hexT2},
		{"double-sync", []string{"55" + hexT1}, "header-mismatch:1 telegram:" + hexT1},
		{"invalid-length", []string{"55ffff0001fd" + hexT2}, "invalid-length:1 data-discarded:5 telegram:" + hexT2},
		{"bad-payload-crc-passes", []string{badT1 + hexT2}, "telegram:" + badT1 + " telegram:" + hexT2},
		{"trailing-garbage", []string{hexT2 + "0102"}, "telegram:" + hexT2 + " sync-not-found:2"},
		{"header-wait", []string{"5500"}, ""},
	}
	rand := helpers.RandUnix()
	rand.Shuffle(len(cases), func(a, b int) { cases[a], cases[b] = cases[b], cases[a] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			r := NewReassembler(ReassemblerOptions{})
			var events []Event
			for _, chunk := range c.chunks {
				_, _ = r.Write(helpers.MustHex(chunk))
				events = append(events, drain(t, r)...)
			}
			assert.Equal(t, c.expect, summary(events))
		})
	}
}

func TestReassemblerSkipHeaderCheck(t *testing.T) {
	t.Parallel()
	r := NewReassembler(ReassemblerOptions{SkipHeaderCheck: true, MaxLength: 20})
	_, _ = r.Write(helpers.MustHex("550001000100"))
	assert.Empty(t, drain(t, r))
	assert.Equal(t, StateBodyWait, r.State())
	_, _ = r.Write([]byte{0xaa, 0xbb})
	events := drain(t, r)
	require.Len(t, events, 1)
	assert.Equal(t, EventTelegram, events[0].Kind)
	assert.False(t, events[0].Telegram.Verify())

	_, _ = r.Write(helpers.MustHex(hexT1)) // total 17 fits
	_, _ = r.Write(helpers.MustHex("5500ff000100"))
	events = drain(t, r)
	assert.Equal(t, "telegram:"+hexT1+" invalid-length:1 sync-not-found:5", summary(events))
}

// Random valid telegrams interleaved with garbage, including false sync bytes,
// fed in random chunks, come out exactly and in order.
func TestReassemblerProgress(t *testing.T) {
	t.Parallel()
	rand := helpers.RandUnix()
	for iter := 0; iter < 200; iter++ {
		var stream bytes.Buffer
		var expect [][]byte
		for i := rand.Intn(8); i >= 0; i-- {
			noSync := func() byte {
				for {
					if b := byte(rand.Intn(256)); b != SyncByte {
						return b
					}
				}
			}
			for j := rand.Intn(40); j > 0; j-- {
				switch rand.Intn(8) {
				case 0: // false sync, header checksum mismatch
					h := []byte{SyncByte, noSync(), noSync(), noSync(), noSync(), 0}
					for h[5] = noSync(); h[5] == crc.Sum(h[1:5]); {
						h[5] = noSync()
					}
					stream.Write(h)
				case 1: // false sync, valid header checksum, length over limit
					h := []byte{SyncByte, 0, noSync(), noSync(), noSync(), 0}
					for {
						h[1] = byte(0x04 + rand.Intn(0xfc))
						if h[1] != SyncByte && crc.Sum(h[1:5]) != SyncByte {
							break
						}
					}
					h[5] = crc.Sum(h[1:5])
					stream.Write(h)
				default:
					stream.WriteByte(noSync())
				}
			}
			if rand.Intn(4) == 0 {
				continue
			}
			if rand.Intn(4) == 0 {
				// sync right before telegram, length field starts with sync byte
				stream.WriteByte(SyncByte)
			}
			data := make([]byte, rand.Intn(20))
			_, _ = rand.Read(data)
			b := MustEncode(byte(rand.Intn(256)), data, DeviceIDFromUint32(rand.Uint32()), byte(rand.Intn(256)))
			stream.Write(b)
			expect = append(expect, b)
		}

		r := NewReassembler(ReassemblerOptions{})
		var got [][]byte
		input := stream.Bytes()
		for len(input) > 0 {
			n := 1 + rand.Intn(32)
			if n > len(input) {
				n = len(input)
			}
			_, _ = r.Write(input[:n])
			input = input[n:]
			for _, e := range drain(t, r) {
				if e.Kind == EventTelegram {
					require.True(t, e.Telegram.Verify())
					got = append(got, e.Telegram.Bytes())
				}
			}
		}
		require.Equal(t, expect, got, "iter=%d stream=%x", iter, stream.Bytes())
		assert.Equal(t, 0, r.Buffered())
	}
}
