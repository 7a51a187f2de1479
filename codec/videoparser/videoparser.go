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

// Package videoparser holds the types and tables the MPEG-2, H.264,
// and H.265 sequence parsers share: the access-unit header contract
// and the Annex E sample-aspect-ratio table reused verbatim by both
// H.264 and H.265.
package videoparser

// Header is the normalized output of a sequence/SPS parse, common
// across codecs so graph/recorder consumers don't need per-codec types
// for the handful of fields they actually care about (coded/display
// size, frame rate where known).
type Header struct {
	Codec string

	CodedWidth  int
	CodedHeight int

	DisplayWidth  int
	DisplayHeight int

	AspectRatioWidth  int // 0 if unknown/unspecified
	AspectRatioHeight int

	FrameRateNum int // 0 if unknown
	FrameRateDen int
}

// Reset zeroes a Header in place, used when parse_header fails partway
// so the caller never sees a half-populated struct (spec §4.H handler
// contract: "a failed attempt leaves the output header struct in a
// reset state").
func (h *Header) Reset() { *h = Header{} }

// SARTable is the 17-entry H.264 Annex E / H.265 SAR table; index 255
// means "Extended_SAR" (explicit width/height carried alongside).
var SARTable = [17][2]int{
	{0, 0},   // 0: Unspecified
	{1, 1},   // 1
	{12, 11}, // 2
	{10, 11}, // 3
	{16, 11}, // 4
	{40, 33}, // 5
	{24, 11}, // 6
	{20, 11}, // 7
	{32, 11}, // 8
	{80, 33}, // 9
	{18, 11}, // 10
	{15, 11}, // 11
	{64, 33}, // 12
	{160, 99}, // 13
	{4, 3},   // 14
	{3, 2},   // 15
	{2, 1},   // 16
}

// ExtendedSAR is the aspect_ratio_idc value signaling an explicit
// sar_width/sar_height pair follows in the bitstream.
const ExtendedSAR = 255

// SARFromIdc resolves aspect_ratio_idc to a (num, den) pair. For
// ExtendedSAR it returns the explicit values passed through unchanged;
// for any other out-of-table idc it returns (0, 0) ("reserved").
func SARFromIdc(idc uint8, explicitW, explicitH int) (int, int) {
	if idc == ExtendedSAR {
		return explicitW, explicitH
	}
	if int(idc) < len(SARTable) {
		return SARTable[idc][0], SARTable[idc][1]
	}
	return 0, 0
}

// MPEG2AspectRatioTable indexes MPEG-2's 4-entry aspect_ratio_information
// field (1:1, 4:3, 16:9, 2.21:1).
var MPEG2AspectRatioTable = [5][2]int{
	{0, 0},  // 0: forbidden
	{1, 1},  // 1: square sample
	{4, 3},  // 2
	{16, 9}, // 3
	{221, 100},
}

// MPEG2FrameRateTable indexes MPEG-2's 4-bit frame_rate_code (8 valid
// entries, rest reserved).
var MPEG2FrameRateTable = [9][2]int{
	{0, 0},      // 0: forbidden
	{24000, 1001},
	{24, 1},
	{25, 1},
	{30000, 1001},
	{30, 1},
	{50, 1},
	{60000, 1001},
	{60, 1},
}

// EBSPToRBSP removes emulation-prevention bytes in place: every 00 00
// 03 triple has its 03 dropped. If the byte following a 03 removed this
// way is itself > 0x03, the source is malformed (the 03 was not an
// emulation-prevention byte) and the conversion fails; the sentinel
// length -1 is returned in that case.
func EBSPToRBSP(buf []byte) int {
	w := 0
	zeros := 0
	for r := 0; r < len(buf); r++ {
		b := buf[r]
		if zeros >= 2 && b == 0x03 {
			if r+1 < len(buf) && buf[r+1] > 0x03 {
				return -1
			}
			zeros = 0
			continue
		}
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		buf[w] = b
		w++
	}
	return w
}
