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

package h265

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bitWriter struct {
	bits []bool
}

func (w *bitWriter) put(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bits = append(w.bits, (v>>uint(i))&1 != 0)
	}
}

func (w *bitWriter) putUE(v uint32) {
	if v == 0 {
		w.put(1, 1)
		return
	}
	codeNum := v + 1
	nbits := 0
	for tmp := codeNum; tmp > 1; tmp >>= 1 {
		nbits++
	}
	w.put(0, nbits)
	w.put(codeNum, nbits+1)
}

func (w *bitWriter) bytes() []byte {
	for len(w.bits)%8 != 0 {
		w.bits = append(w.bits, false)
	}
	out := make([]byte, len(w.bits)/8)
	for i, b := range w.bits {
		if b {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// buildConformanceWindowSPS builds a minimal HEVC SPS (one sub-layer,
// no scaling list/PCM/RPS/VUI) matching scenario S3:
// pic_width_in_luma_samples=1920, pic_height_in_luma_samples=1088,
// conformance_window_flag=1, offsets (0,0,0,4), chroma_format_idc=1.
func buildConformanceWindowSPS() []byte {
	w := &bitWriter{}
	w.put(0, 4) // sps_video_parameter_set_id
	w.put(0, 3) // sps_max_sub_layers_minus1
	w.put(0, 1) // sps_temporal_id_nesting_flag

	// profile_tier_level (general only, maxSubLayersMinus1 == 0)
	w.put(0, 2)   // general_profile_space
	w.put(0, 1)   // general_tier_flag
	w.put(1, 5)   // general_profile_idc
	w.put(0, 32)  // general_profile_compatibility_flag
	w.put(0, 24)  // general constraint flags, high 24 bits
	w.put(0, 24)  // general constraint flags, low 24 bits
	w.put(120, 8) // general_level_idc

	w.putUE(0) // sps_seq_parameter_set_id
	w.putUE(1) // chroma_format_idc = 4:2:0

	w.putUE(1920) // pic_width_in_luma_samples
	w.putUE(1088) // pic_height_in_luma_samples

	w.put(1, 1) // conformance_window_flag
	w.putUE(0)  // conf_win_left_offset
	w.putUE(0)  // conf_win_right_offset
	w.putUE(0)  // conf_win_top_offset
	w.putUE(4)  // conf_win_bottom_offset

	w.putUE(0) // bit_depth_luma_minus8
	w.putUE(0) // bit_depth_chroma_minus8
	w.putUE(0) // log2_max_pic_order_cnt_lsb_minus4

	w.put(0, 1) // sps_sub_layer_ordering_info_present_flag
	w.putUE(0)  // sps_max_dec_pic_buffering_minus1[0]
	w.putUE(0)  // sps_max_num_reorder_pics[0]
	w.putUE(0)  // sps_max_latency_increase_plus1[0]

	w.putUE(0) // log2_min_luma_coding_block_size_minus3
	w.putUE(0) // log2_diff_max_min_luma_coding_block_size
	w.putUE(0) // log2_min_luma_transform_block_size_minus2
	w.putUE(0) // log2_diff_max_min_luma_transform_block_size
	w.putUE(0) // max_transform_hierarchy_depth_inter
	w.putUE(0) // max_transform_hierarchy_depth_intra

	w.put(0, 1) // scaling_list_enabled_flag
	w.put(0, 1) // amp_enabled_flag
	w.put(0, 1) // sample_adaptive_offset_enabled_flag
	w.put(0, 1) // pcm_enabled_flag

	w.putUE(0) // num_short_term_ref_pic_sets

	w.put(0, 1) // long_term_ref_pics_present_flag
	w.put(0, 1) // sps_temporal_mvp_enabled_flag
	w.put(0, 1) // strong_intra_smoothing_enabled_flag
	w.put(0, 1) // vui_parameters_present_flag

	rbsp := w.bytes()
	nalHeader := []byte{byte(NALTypeSPS << 1), 0x00}
	return append(nalHeader, rbsp...)
}

// buildConformanceWindowSPSWithVUI is buildConformanceWindowSPS plus a
// VUI carrying aspect_ratio_idc=1 (square sample) and timing_info
// signaling 25fps (time_scale=50, num_units_in_tick=1, per Annex
// E.2.1's time_scale/(2*num_units_in_tick)).
func buildConformanceWindowSPSWithVUI() []byte {
	w := &bitWriter{}
	w.put(0, 4) // sps_video_parameter_set_id
	w.put(0, 3) // sps_max_sub_layers_minus1
	w.put(0, 1) // sps_temporal_id_nesting_flag

	w.put(0, 2)   // general_profile_space
	w.put(0, 1)   // general_tier_flag
	w.put(1, 5)   // general_profile_idc
	w.put(0, 32)  // general_profile_compatibility_flag
	w.put(0, 24)  // general constraint flags, high 24 bits
	w.put(0, 24)  // general constraint flags, low 24 bits
	w.put(120, 8) // general_level_idc

	w.putUE(0) // sps_seq_parameter_set_id
	w.putUE(1) // chroma_format_idc = 4:2:0

	w.putUE(1920) // pic_width_in_luma_samples
	w.putUE(1088) // pic_height_in_luma_samples

	w.put(1, 1) // conformance_window_flag
	w.putUE(0)  // conf_win_left_offset
	w.putUE(0)  // conf_win_right_offset
	w.putUE(0)  // conf_win_top_offset
	w.putUE(4)  // conf_win_bottom_offset

	w.putUE(0) // bit_depth_luma_minus8
	w.putUE(0) // bit_depth_chroma_minus8
	w.putUE(0) // log2_max_pic_order_cnt_lsb_minus4

	w.put(0, 1) // sps_sub_layer_ordering_info_present_flag
	w.putUE(0)  // sps_max_dec_pic_buffering_minus1[0]
	w.putUE(0)  // sps_max_num_reorder_pics[0]
	w.putUE(0)  // sps_max_latency_increase_plus1[0]

	w.putUE(0) // log2_min_luma_coding_block_size_minus3
	w.putUE(0) // log2_diff_max_min_luma_coding_block_size
	w.putUE(0) // log2_min_luma_transform_block_size_minus2
	w.putUE(0) // log2_diff_max_min_luma_transform_block_size
	w.putUE(0) // max_transform_hierarchy_depth_inter
	w.putUE(0) // max_transform_hierarchy_depth_intra

	w.put(0, 1) // scaling_list_enabled_flag
	w.put(0, 1) // amp_enabled_flag
	w.put(0, 1) // sample_adaptive_offset_enabled_flag
	w.put(0, 1) // pcm_enabled_flag

	w.putUE(0) // num_short_term_ref_pic_sets

	w.put(0, 1) // long_term_ref_pics_present_flag
	w.put(0, 1) // sps_temporal_mvp_enabled_flag
	w.put(0, 1) // strong_intra_smoothing_enabled_flag

	w.put(1, 1)   // vui_parameters_present_flag
	w.put(1, 1)   // aspect_ratio_info_present_flag
	w.put(1, 8)   // aspect_ratio_idc = 1 (1:1)
	w.put(0, 1)   // overscan_info_present_flag
	w.put(0, 1)   // video_signal_type_present_flag
	w.put(0, 1)   // chroma_loc_info_present_flag
	w.put(0, 1)   // neutral_chroma_indication_flag
	w.put(0, 1)   // field_seq_flag
	w.put(0, 1)   // frame_field_info_present_flag
	w.put(0, 1)   // default_display_window_flag
	w.put(1, 1)   // vui_timing_info_present_flag
	w.put(1, 32)  // num_units_in_tick
	w.put(50, 32) // time_scale
	w.put(0, 1)   // vui_poc_proportional_to_timing_flag

	rbsp := w.bytes()
	nalHeader := []byte{byte(NALTypeSPS << 1), 0x00}
	return append(nalHeader, rbsp...)
}

func TestParseSPSPopulatesAspectRatioAndFrameRateFromVUI(t *testing.T) {
	nal := buildConformanceWindowSPSWithVUI()
	p := New()

	hdr, ok := p.ParseHeader(nal)
	require.True(t, ok)
	assert.Equal(t, 1, hdr.AspectRatioWidth)
	assert.Equal(t, 1, hdr.AspectRatioHeight)
	assert.Equal(t, 50, hdr.FrameRateNum)
	assert.Equal(t, 2, hdr.FrameRateDen)
}

func TestParseConformanceWindowSPS(t *testing.T) {
	nal := buildConformanceWindowSPS()
	p := New()

	hdr, ok := p.ParseHeader(nal)
	require.True(t, ok)
	assert.Equal(t, 1920, hdr.DisplayWidth)
	assert.Equal(t, 1080, hdr.DisplayHeight)
	assert.Equal(t, 1920, hdr.CodedWidth)
	assert.Equal(t, 1088, hdr.CodedHeight)
}

func TestNALUnitTypeExtractsFromFirstByte(t *testing.T) {
	assert.Equal(t, uint8(NALTypeSPS), NALUnitType(byte(NALTypeSPS<<1)))
	assert.Equal(t, uint8(NALTypeAUD), NALUnitType(byte(NALTypeAUD<<1)))
}

func TestShortNALReturnsFalse(t *testing.T) {
	p := New()
	_, ok := p.ParseHeader([]byte{0x42})
	assert.False(t, ok)
}
