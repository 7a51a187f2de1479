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

// Package mpeg2 parses the MPEG-2 Video sequence_header and its
// extensions directly out of the start-coded units scanned by
// codec/videoframer; no EBSP-to-RBSP conversion is applied.
package mpeg2

import (
	"github.com/isdbgo/tsengine/codec/videoparser"
	"github.com/isdbgo/tsengine/internal/bitio"
)

// StartCode / StartCodeMask select the sequence_header start code
// (00 00 01 B3) when fed into videoframer.New.
const (
	StartCode     = 0x000001B3
	StartCodeMask = 0xFFFFFFFF
)

const (
	extensionStartCode       = 0xB5
	sequenceExtensionID      = 0x1
	sequenceDisplayExtension = 0x2
)

// Parser holds the most recently parsed sequence_header across calls,
// since MPEG-2 sequence extensions (which refine width/height with
// extra high bits) arrive as a separate following start-coded unit.
type Parser struct {
	hdr videoparser.Header
	ok  bool
}

// New returns a fresh Parser.
func New() *Parser { return &Parser{} }

// ParseHeader attempts to parse buf (a single start-coded unit,
// start code included) as a sequence_header or an extension that
// refines the most recent one. Returns false and resets the output
// header if buf isn't a sequence_header/extension this parser handles.
func (p *Parser) ParseHeader(buf []byte) (videoparser.Header, bool) {
	if len(buf) < 4 {
		return videoparser.Header{}, false
	}

	code := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	switch code {
	case StartCode:
		return p.parseSequenceHeader(buf[4:])
	case 0x000001B5:
		return p.parseExtension(buf[4:])
	default:
		return videoparser.Header{}, false
	}
}

func (p *Parser) parseSequenceHeader(rest []byte) (videoparser.Header, bool) {
	r := bitio.New(rest)

	width := int(r.GetBits(12))
	height := int(r.GetBits(12))
	aspectIdc := uint8(r.GetBits(4))
	frameRateCode := uint8(r.GetBits(4))
	r.GetBits(18) // bit_rate_value (low 18 bits)
	r.GetFlag()   // marker_bit
	r.GetBits(10) // vbv_buffer_size_value
	r.GetFlag()   // constrained_parameters_flag

	if r.Overrun() {
		p.hdr.Reset()
		p.ok = false
		return videoparser.Header{}, false
	}

	h := videoparser.Header{
		Codec:         "mpeg2video",
		CodedWidth:    width,
		CodedHeight:   height,
		DisplayWidth:  width,
		DisplayHeight: height,
	}
	if int(aspectIdc) < len(videoparser.MPEG2AspectRatioTable) {
		h.AspectRatioWidth = videoparser.MPEG2AspectRatioTable[aspectIdc][0]
		h.AspectRatioHeight = videoparser.MPEG2AspectRatioTable[aspectIdc][1]
	}
	if int(frameRateCode) < len(videoparser.MPEG2FrameRateTable) {
		h.FrameRateNum = videoparser.MPEG2FrameRateTable[frameRateCode][0]
		h.FrameRateDen = videoparser.MPEG2FrameRateTable[frameRateCode][1]
	}

	p.hdr = h
	p.ok = true
	return h, true
}

// parseExtension handles sequence_extension (refines width/height with
// high bits) and sequence_display_extension (explicit display size).
// Any other extension id is ignored and reports the unchanged header.
func (p *Parser) parseExtension(rest []byte) (videoparser.Header, bool) {
	if !p.ok || len(rest) == 0 {
		return videoparser.Header{}, false
	}

	r := bitio.New(rest)
	extID := uint8(r.GetBits(4))

	switch extID {
	case sequenceExtensionID:
		r.GetBits(8) // profile_and_level_indication
		r.GetFlag()  // progressive_sequence
		r.GetBits(2) // chroma_format
		widthHigh := r.GetBits(2)
		heightHigh := r.GetBits(2)
		if r.Overrun() {
			return p.hdr, true
		}
		p.hdr.CodedWidth = (int(widthHigh) << 12) | (p.hdr.CodedWidth & 0xFFF)
		p.hdr.CodedHeight = (int(heightHigh) << 12) | (p.hdr.CodedHeight & 0xFFF)
		p.hdr.DisplayWidth = p.hdr.CodedWidth
		p.hdr.DisplayHeight = p.hdr.CodedHeight
		return p.hdr, true

	case sequenceDisplayExtension:
		r.GetBits(3) // video_format
		if r.GetFlag() {
			r.Skip(8 + 8 + 8) // colour_description triplet
		}
		displayWidth := r.GetBits(14)
		r.GetFlag() // marker_bit
		displayHeight := r.GetBits(14)
		if r.Overrun() {
			return p.hdr, true
		}
		p.hdr.DisplayWidth = int(displayWidth)
		p.hdr.DisplayHeight = int(displayHeight)
		return p.hdr, true

	default:
		return p.hdr, true
	}
}
