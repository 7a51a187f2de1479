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

// Package h264 parses H.264/AVC NAL units relevant to stream geometry:
// SPS (7), AUD (9), and end-of-sequence (10). Bitstream access goes
// through internal/bitio against the RBSP produced by
// codec/videoparser.EBSPToRBSP.
package h264

import (
	"github.com/isdbgo/tsengine/codec/videoparser"
	"github.com/isdbgo/tsengine/internal/bitio"
	"github.com/isdbgo/tsengine/logger"
)

const (
	NALTypeSPS   = 7
	NALTypeAUD   = 9
	NALTypeEOSeq = 10
)

const (
	profileHigh              = 100
	profileHigh10            = 110
	profileHigh422           = 122
	profileHigh444Predictive = 244
	profileCAVLC444          = 44
)

// Parser holds construction-time options and decodes SPS NALs.
type Parser struct {
	// StrictOneSeg rejects SPS that don't match the ARIB 1-Seg partial
	// reception profile, mirroring the teacher's debug-only
	// LIBISDB_H264_STRICT_1SEG branch (profile_idc must be Baseline,
	// level_idc must be <= 30 for the well-known 1-Seg broadcast
	// constraints).
	StrictOneSeg bool
}

// New returns a Parser with default (non-strict) options.
func New() *Parser { return &Parser{} }

// ParseHeader parses a single NAL unit (start code NOT included: the
// caller strips it, since H.264's start code is 3 or 4 bytes and not
// fixed-width the way MPEG-2's is). Returns false for NAL types this
// parser doesn't track (AUD/EOSeq are recognized but carry no header
// fields, so they report ok=false with no error).
func (p *Parser) ParseHeader(nal []byte) (videoparser.Header, bool) {
	var hdr videoparser.Header
	if len(nal) < 1 {
		return hdr, false
	}

	nalType := nal[0] & 0x1F
	if nalType != NALTypeSPS {
		return hdr, false
	}

	rbspLen := videoparser.EBSPToRBSP(nal[1:])
	if rbspLen < 0 {
		hdr.Reset()
		return videoparser.Header{}, false
	}

	r := bitio.New(nal[1 : 1+rbspLen])
	h, ok := parseSPS(r)
	if !ok || r.Overrun() {
		return videoparser.Header{}, false
	}

	if p.StrictOneSeg && !isOneSeg(h) {
		logger.WarnAdvise("disable StrictOneSeg if this stream is not ARIB 1-Seg broadcast content",
			"h264: SPS rejected by strict 1-seg policy (profile_idc=%d level_idc=%d)", h.profileIdc, h.levelIdc)
		return videoparser.Header{}, false
	}

	return h, true
}

func isOneSeg(h spsFields) bool {
	return h.profileIdc == 66 && h.levelIdc <= 30
}

// spsFields carries the subset of raw SPS syntax elements needed for
// size derivation and the strict-1seg check, kept separate from the
// public videoparser.Header so intermediate decode state never leaks.
type spsFields struct {
	profileIdc uint8
	levelIdc   uint8
	videoparser.Header
}

func parseSPS(r *bitio.Reader) (spsFields, bool) {
	var out spsFields

	profileIdc := uint8(r.GetBits(8))
	r.GetBits(8) // constraint_set0-5_flag + reserved_zero_2bits
	levelIdc := uint8(r.GetBits(8))
	r.GetUE() // seq_parameter_set_id

	chromaFormatIdc := uint32(1) // default 4:2:0 when not signaled
	separateColourPlane := false

	switch profileIdc {
	case profileHigh, profileHigh10, profileHigh422, profileHigh444Predictive, profileCAVLC444, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIdc = uint32(r.GetUE())
		if chromaFormatIdc == 3 {
			separateColourPlane = r.GetFlag()
		}
		r.GetUE()   // bit_depth_luma_minus8
		r.GetUE()   // bit_depth_chroma_minus8
		r.GetFlag() // qpprime_y_zero_transform_bypass_flag
		seqScalingMatrixPresent := r.GetFlag()
		if seqScalingMatrixPresent {
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				if r.GetFlag() { // seq_scaling_list_present_flag[i]
					skipScalingList(r, sizeForScalingIdx(i))
				}
			}
		}
	}

	r.GetUE() // log2_max_frame_num_minus4
	picOrderCntType := r.GetUE()
	switch picOrderCntType {
	case 0:
		r.GetUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.GetFlag() // delta_pic_order_always_zero_flag
		r.GetSE()   // offset_for_non_ref_pic
		r.GetSE()   // offset_for_top_to_bottom_field
		n := r.GetUE()
		for i := int32(0); i < n; i++ {
			r.GetSE() // offset_for_ref_frame[i]
		}
	}

	r.GetUE()   // max_num_ref_frames
	r.GetFlag() // gaps_in_frame_num_value_allowed_flag

	picWidthInMbsMinus1 := r.GetUE()
	picHeightInMapUnitsMinus1 := r.GetUE()
	frameMbsOnlyFlag := r.GetFlag()
	if !frameMbsOnlyFlag {
		r.GetFlag() // mb_adaptive_frame_field_flag
	}
	r.GetFlag() // direct_8x8_inference_flag

	frameCroppingFlag := r.GetFlag()
	var cropLeft, cropRight, cropTop, cropBottom int32
	if frameCroppingFlag {
		cropLeft = r.GetUE()
		cropRight = r.GetUE()
		cropTop = r.GetUE()
		cropBottom = r.GetUE()
	}

	var sarW, sarH, frNum, frDen int
	if r.GetFlag() { // vui_parameters_present_flag
		sarW, sarH, frNum, frDen = parseVUI(r)
	}

	if r.Overrun() {
		return spsFields{}, false
	}

	subWidthC, subHeightC := 2, 2
	switch chromaFormatIdc {
	case 0: // monochrome
		subWidthC, subHeightC = 1, 1
	case 1: // 4:2:0
		subWidthC, subHeightC = 2, 2
	case 2: // 4:2:2
		subWidthC, subHeightC = 2, 1
	case 3: // 4:4:4
		subWidthC, subHeightC = 1, 1
	}
	if separateColourPlane {
		// ChromaArrayType is forced to 0 (monochrome-equivalent) when
		// colour planes are coded separately.
		subWidthC, subHeightC = 1, 1
	}

	codedWidth := int(picWidthInMbsMinus1+1) * 16
	frameHeightInMbs := int(picHeightInMapUnitsMinus1 + 1)
	if !frameMbsOnlyFlag {
		frameHeightInMbs *= 2
	}
	codedHeight := frameHeightInMbs * 16

	cropUnitX := subWidthC
	cropUnitY := subHeightC
	if !frameMbsOnlyFlag {
		cropUnitY *= 2
	}

	displayWidth := codedWidth - int(cropLeft+cropRight)*cropUnitX
	displayHeight := codedHeight - int(cropTop+cropBottom)*cropUnitY

	out.profileIdc = profileIdc
	out.levelIdc = levelIdc
	out.Header = videoparser.Header{
		Codec:             "h264",
		CodedWidth:        codedWidth,
		CodedHeight:       codedHeight,
		DisplayWidth:      displayWidth,
		DisplayHeight:     displayHeight,
		AspectRatioWidth:  sarW,
		AspectRatioHeight: sarH,
		FrameRateNum:      frNum,
		FrameRateDen:      frDen,
	}
	return out, true
}

// parseVUI reads vui_parameters (Rec. ITU-T H.264 Annex E.1.1) and
// returns the sample-aspect-ratio and frame-rate fields parseSPS needs;
// every other VUI field (bitstream restriction, HRD parameters, low
// delay/pic struct flags) is skipped since nothing downstream reads it.
// Frame rate follows Annex E.2.1's time_scale/(2*num_units_in_tick)
// relation.
func parseVUI(r *bitio.Reader) (sarW, sarH, frNum, frDen int) {
	if r.GetFlag() { // aspect_ratio_info_present_flag
		idc := uint8(r.GetBits(8))
		var explicitW, explicitH int
		if idc == videoparser.ExtendedSAR {
			explicitW = int(r.GetBits(16))
			explicitH = int(r.GetBits(16))
		}
		sarW, sarH = videoparser.SARFromIdc(idc, explicitW, explicitH)
	}
	if r.GetFlag() { // overscan_info_present_flag
		r.GetFlag()
	}
	if r.GetFlag() { // video_signal_type_present_flag
		r.GetBits(3)
		r.GetFlag()
		if r.GetFlag() { // colour_description_present_flag
			r.GetBits(8)
			r.GetBits(8)
			r.GetBits(8)
		}
	}
	if r.GetFlag() { // chroma_loc_info_present_flag
		r.GetUE()
		r.GetUE()
	}
	if r.GetFlag() { // timing_info_present_flag
		numUnitsInTick := r.GetBits(32)
		timeScale := r.GetBits(32)
		r.GetFlag() // fixed_frame_rate_flag
		if numUnitsInTick != 0 {
			frNum = int(timeScale)
			frDen = int(numUnitsInTick) * 2
		}
	}
	return sarW, sarH, frNum, frDen
}

func sizeForScalingIdx(i int) int {
	if i < 6 {
		return 16
	}
	return 64
}

// skipScalingList walks a scaling_list without retaining the values:
// this engine demuxes and describes streams, it does not decode them.
func skipScalingList(r *bitio.Reader, size int) {
	lastScale := int32(8)
	nextScale := int32(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale := r.GetSE()
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}
