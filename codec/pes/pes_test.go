// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeTimestamp is the inverse of decodeTimestamp, used only to build
// fixtures; production code never needs to encode a timestamp.
func encodeTimestamp(marker uint8, ts uint64) []byte {
	b := make([]byte, 5)
	b[0] = marker<<4 | uint8(ts>>30&0x07)<<1 | 1
	b[1] = uint8(ts >> 22)
	b[2] = uint8(ts>>15&0x7F)<<1 | 1
	b[3] = uint8(ts >> 7)
	b[4] = uint8(ts&0x7F)<<1 | 1
	return b
}

// buildPESWithPTS returns a complete PES packet carrying a PTS-only
// optional header and esData as its elementary stream payload.
func buildPESWithPTS(streamID uint8, pts uint64, esData []byte) []byte {
	headerDataLength := uint8(5)
	packetLength := 3 + int(headerDataLength) + len(esData) // bytes after the length field

	buf := []byte{0x00, 0x00, 0x01, streamID, byte(packetLength >> 8), byte(packetLength)}
	buf = append(buf, 0x80)       // '10' marker, no scrambling, no priority/alignment/copyright
	buf = append(buf, 0x80)       // PTS_DTS_flags = 10 (PTS only), rest unset
	buf = append(buf, headerDataLength)
	buf = append(buf, encodeTimestamp(0b0010, pts)...)
	buf = append(buf, esData...)
	return buf
}

func feedInChunks(a *Assembler, pusi []bool, chunks [][]byte) {
	for i, c := range chunks {
		a.Feed(pusi[i], c)
	}
}

func TestAssemblerSinglePacketRoundTrip(t *testing.T) {
	es := make([]byte, 100)
	for i := range es {
		es[i] = byte(i)
	}
	full := buildPESWithPTS(0xE0, 90000, es)

	var got Packet
	count := 0
	a := New(func(p Packet) { got = p; count++ })
	a.Feed(true, full)

	require.Equal(t, 1, count)
	assert.Equal(t, uint8(0xE0), got.StreamID)
	assert.EqualValues(t, 90000, got.PTS)
	assert.Equal(t, es, got.Payload())
}

func TestAssemblerSplitAcrossThreeTSFragments(t *testing.T) {
	es := make([]byte, 196)
	for i := range es {
		es[i] = byte(i % 251)
	}
	full := buildPESWithPTS(0xE0, 12345, es)

	// fragment sizes modeled on the 3-TS-packet scenario: a short first
	// fragment, a full 180-byte middle fragment, a short tail.
	frag1 := full[:14+10]
	frag2 := full[14+10 : 14+10+180]
	frag3 := full[14+10+180:]

	var got Packet
	count := 0
	a := New(func(p Packet) { got = p; count++ })
	feedInChunks(a, []bool{true, false, false}, [][]byte{frag1, frag2, frag3})

	require.Equal(t, 1, count)
	assert.EqualValues(t, 12345, got.PTS)
	assert.Equal(t, es, got.Payload())
	assert.Equal(t, len(full), len(got.Bytes()))
}

func TestAssemblerUnboundedLengthEndsOnNextPUSI(t *testing.T) {
	// packet_length == 0 header: bytes after length field are unbounded
	buf1 := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00}
	buf1 = append(buf1, []byte("first-chunk-data")...)

	var packets [][]byte
	a := New(func(p Packet) { packets = append(packets, append([]byte(nil), p.Bytes()...)) })

	a.Feed(true, buf1)
	a.Feed(false, []byte("more-data-same-packet"))

	buf2 := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00}
	buf2 = append(buf2, []byte("second-packet")...)
	a.Feed(true, buf2) // delivers the pending unbounded packet first

	require.Len(t, packets, 1)
	assert.Contains(t, string(packets[0]), "first-chunk-datamore-data-same-packet")
}

func TestAssemblerRejectsScrambledPrefix(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x0A, 0x90, 0x00, 0x00}
	buf = append(buf, make([]byte, 10)...)

	count := 0
	a := New(func(Packet) { count++ })
	a.Feed(true, buf)
	assert.Zero(t, count, "scrambled PES must never be delivered")
}

func TestAssemblerRejectsReservedTimestampFlag(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x0A, 0x80, 0x40, 0x00}
	buf = append(buf, make([]byte, 10)...)

	count := 0
	a := New(func(Packet) { count++ })
	a.Feed(true, buf)
	assert.Zero(t, count)
}
