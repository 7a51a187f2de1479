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

package videoframer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mpeg2StartCodePrefix = 0x00000100 // 00 00 01 xx, any following byte

func TestTwoSequenceHeadersYieldTwoCallbacks(t *testing.T) {
	seqHeader := append([]byte{0x00, 0x00, 0x01, 0xB3}, []byte{0x0A, 0x0B, 0x0C, 0x0D, 0x0E}...)

	var delivered [][]byte
	f := New(mpeg2StartCodePrefix, 0xFFFFFF00, func(seq []byte) {
		delivered = append(delivered, append([]byte(nil), seq...))
	})

	f.Write(seqHeader)
	f.Write(seqHeader)
	f.Flush()

	require.Len(t, delivered, 2)
	for _, seq := range delivered {
		assert.True(t, bytes.HasPrefix(seq, []byte{0x00, 0x00, 0x01, 0xB3}))
	}
}

func TestOversizedRunWithoutStartCodeIsDropped(t *testing.T) {
	var count int
	f := New(mpeg2StartCodePrefix, 0xFFFFFF00, func([]byte) { count++ })

	f.Write([]byte{0x00, 0x00, 0x01, 0xB3})
	garbage := bytes.Repeat([]byte{0xAB}, maxBufferBytes+100)
	f.Write(garbage)

	// next valid start code should resynchronize cleanly
	f.Write([]byte{0x00, 0x00, 0x01, 0xB3, 0x01, 0x02})
	f.Flush()

	require.Equal(t, 1, count, "only the sequence delivered after resync should fire")
}
