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

// Package videoframer is the shared start-code scanning skeleton used
// by the MPEG-2, H.264, and H.265 sequence parsers, grounded on the
// teacher's internal/splitio byte-scanner (find a delimiter inside a
// streamed byte run) generalized from a fixed CRLF delimiter to an
// arbitrary masked 4-byte start code.
package videoframer

import "github.com/isdbgo/tsengine/logger"

// maxBufferBytes caps the in-progress sequence buffer; a run that grows
// past this without finding the next start code is almost certainly a
// malformed or unsynced stream and is dropped rather than grown forever.
const maxBufferBytes = 16 << 20

// Handler receives one complete framed sequence, start code included.
// The slice is only valid for the duration of the call.
type Handler func(seq []byte)

// Framer maintains a 32-bit shift register across Write calls and
// delivers each byte run between consecutive matches of start_code
// (after masking with start_code_mask) to Handler.
type Framer struct {
	startCode uint32
	mask      uint32

	reg     uint32
	primed  bool
	dropped bool
	buf     []byte

	onSequence Handler
}

// New creates a Framer. mask is ANDed with the rolling 32-bit register
// before comparing against startCode, so callers can match a family of
// start codes sharing only their top bits.
func New(startCode, mask uint32, onSequence Handler) *Framer {
	return &Framer{startCode: startCode, mask: mask, onSequence: onSequence}
}

// Write feeds a contiguous byte run into the framer.
func (f *Framer) Write(p []byte) {
	for _, b := range p {
		f.reg = f.reg<<8 | uint32(b)

		if f.reg&f.mask == f.startCode {
			if f.primed && len(f.buf) >= 4 {
				f.deliver()
			}
			f.buf = f.buf[:0]
			// seed with the 4 actual bytes just read (reg holds them in
			// stream order), not the template start code: bits outside
			// mask (e.g. H.264/H.265 nal_unit_type) vary per match.
			f.buf = append(f.buf, byte(f.reg>>24), byte(f.reg>>16), byte(f.reg>>8), byte(f.reg))
			f.primed = true
			f.dropped = false
			continue
		}

		if !f.primed {
			continue
		}

		if f.dropped {
			continue
		}

		f.buf = append(f.buf, b)
		if len(f.buf) > maxBufferBytes {
			logger.WarnAdvise("check the input for desynchronized or corrupt start codes", "videoframer: sequence exceeded %d bytes without a new start code, dropping", maxBufferBytes)
			f.dropped = true
			f.buf = f.buf[:0]
			f.primed = false
		}
	}
}

// deliver trims the trailing start-code overlap (the new start code's
// bytes were appended to buf as the loop advanced one byte at a time)
// before handing the completed sequence to the caller.
func (f *Framer) deliver() {
	trimmed := f.buf
	if len(trimmed) >= 3 {
		trimmed = trimmed[:len(trimmed)-3]
	}
	if f.onSequence != nil {
		f.onSequence(trimmed)
	}
}

// Flush delivers whatever sequence is currently buffered, if any,
// without waiting for a trailing start code. Call at end of stream.
func (f *Framer) Flush() {
	if f.primed && len(f.buf) >= 4 && !f.dropped {
		if f.onSequence != nil {
			f.onSequence(f.buf)
		}
	}
	f.buf = f.buf[:0]
	f.primed = false
	f.dropped = false
	f.reg = 0
}
