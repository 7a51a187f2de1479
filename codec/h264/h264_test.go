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

package h264

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
	// pad to byte boundary with rbsp_trailing_bits (1 then zeros)
	w.put(1, 1)
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

// buildBaselineSPS builds a Baseline-profile SPS (no chroma_format_idc
// or scaling-list fields, per the profile gate) matching scenario S2:
// profile_idc=66, level_idc=30, pic_width_in_mbs_minus1=79,
// pic_height_in_map_units_minus1=44, frame_mbs_only_flag=1, no cropping.
func buildBaselineSPS() []byte {
	w := &bitWriter{}
	w.put(66, 8) // profile_idc
	w.put(0, 8)  // constraint flags + reserved
	w.put(30, 8) // level_idc
	w.putUE(0)   // seq_parameter_set_id
	w.putUE(0)   // log2_max_frame_num_minus4
	w.putUE(0)   // pic_order_cnt_type = 0
	w.putUE(0)   // log2_max_pic_order_cnt_lsb_minus4
	w.putUE(1)   // max_num_ref_frames
	w.put(0, 1)  // gaps_in_frame_num_value_allowed_flag
	w.putUE(79)  // pic_width_in_mbs_minus1
	w.putUE(44)  // pic_height_in_map_units_minus1
	w.put(1, 1)  // frame_mbs_only_flag
	w.put(0, 1)  // direct_8x8_inference_flag
	w.put(0, 1)  // frame_cropping_flag
	w.put(0, 1)  // vui_parameters_present_flag

	rbsp := w.bytes()
	nal := append([]byte{byte(NALTypeSPS)}, rbsp...)
	return nal
}

// buildBaselineSPSWithVUI is buildBaselineSPS plus a VUI carrying
// aspect_ratio_idc=1 (square sample) and timing_info signaling 25fps
// (time_scale=50, num_units_in_tick=1, per Annex E.2.1's
// time_scale/(2*num_units_in_tick)).
func buildBaselineSPSWithVUI() []byte {
	w := &bitWriter{}
	w.put(66, 8)  // profile_idc
	w.put(0, 8)   // constraint flags + reserved
	w.put(30, 8)  // level_idc
	w.putUE(0)    // seq_parameter_set_id
	w.putUE(0)    // log2_max_frame_num_minus4
	w.putUE(0)    // pic_order_cnt_type = 0
	w.putUE(0)    // log2_max_pic_order_cnt_lsb_minus4
	w.putUE(1)    // max_num_ref_frames
	w.put(0, 1)   // gaps_in_frame_num_value_allowed_flag
	w.putUE(79)   // pic_width_in_mbs_minus1
	w.putUE(44)   // pic_height_in_map_units_minus1
	w.put(1, 1)   // frame_mbs_only_flag
	w.put(0, 1)   // direct_8x8_inference_flag
	w.put(0, 1)   // frame_cropping_flag
	w.put(1, 1)   // vui_parameters_present_flag
	w.put(1, 1)   // aspect_ratio_info_present_flag
	w.put(1, 8)   // aspect_ratio_idc = 1 (1:1)
	w.put(0, 1)   // overscan_info_present_flag
	w.put(0, 1)   // video_signal_type_present_flag
	w.put(0, 1)   // chroma_loc_info_present_flag
	w.put(1, 1)   // timing_info_present_flag
	w.put(1, 32)  // num_units_in_tick
	w.put(50, 32) // time_scale
	w.put(1, 1)   // fixed_frame_rate_flag

	rbsp := w.bytes()
	nal := append([]byte{byte(NALTypeSPS)}, rbsp...)
	return nal
}

func TestParseSPSPopulatesAspectRatioAndFrameRateFromVUI(t *testing.T) {
	nal := buildBaselineSPSWithVUI()
	p := New()

	hdr, ok := p.ParseHeader(nal)
	require.True(t, ok)
	assert.Equal(t, 1, hdr.AspectRatioWidth)
	assert.Equal(t, 1, hdr.AspectRatioHeight)
	assert.Equal(t, 50, hdr.FrameRateNum)
	assert.Equal(t, 2, hdr.FrameRateDen)
}

func TestParseBaselineSPSSize(t *testing.T) {
	nal := buildBaselineSPS()
	p := New()

	hdr, ok := p.ParseHeader(nal)
	require.True(t, ok)
	assert.Equal(t, 1280, hdr.DisplayWidth)
	assert.Equal(t, 720, hdr.DisplayHeight)
	assert.Equal(t, 1280, hdr.CodedWidth)
	assert.Equal(t, 720, hdr.CodedHeight)
}

func TestStrictOneSegAcceptsBaseline(t *testing.T) {
	nal := buildBaselineSPS()
	p := &Parser{StrictOneSeg: true}
	_, ok := p.ParseHeader(nal)
	assert.True(t, ok, "baseline profile_idc=66 level_idc=30 satisfies the 1-seg constraint")
}

func TestNonSPSNALReturnsFalse(t *testing.T) {
	p := New()
	_, ok := p.ParseHeader([]byte{byte(NALTypeAUD), 0x10})
	assert.False(t, ok)
}
