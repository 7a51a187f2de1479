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

package cmd

import (
	"bytes"
	"io"

	"github.com/isdbgo/tsengine/common"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func wrapSection(pid uint16, section []byte) []byte {
	pkt := make([]byte, common.TSPacketSize)
	pkt[0] = 0x47
	pkt[1] = 0x40 | byte(pid>>8&0x1F)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 // payload only, continuity counter 0

	payload := pkt[4:]
	payload[0] = 0x00 // pointer_field
	copy(payload[1:], section)
	for i := 1 + len(section); i < len(payload); i++ {
		payload[i] = 0xFF
	}
	return pkt
}

// buildTestPAT returns a single TS packet carrying a PAT with one
// program association: program_number 1 -> PMT PID 0x1000.
func buildTestPAT() []byte {
	body := []byte{0x00, 0x01, 0xF0, 0x00} // program 1, PID 0x1000
	sec := make([]byte, 8+len(body)+4)
	sec[0] = 0x00 // table_id (PAT)
	secLen := len(sec) - 3
	sec[1] = 0xB0 | byte(secLen>>8&0x0F)
	sec[2] = byte(secLen)
	copy(sec[8:], body)
	return wrapSection(0x0000, sec)
}

// buildTestPMT returns a single TS packet carrying a PMT for program 1:
// PCR PID 0x0101, one CA_descriptor (ECM PID 0x0200), a video stream
// at 0x0101, and an audio stream at 0x0102.
func buildTestPMT() []byte {
	descriptor := []byte{0x09, 0x04, 0x00, 0x01, 0xE2, 0x00} // CA_descriptor, ECM PID 0x0200
	stream1 := []byte{0x02, 0xE1, 0x01, 0xF0, 0x00}          // video, PID 0x0101
	stream2 := []byte{0x0F, 0xE1, 0x02, 0xF0, 0x00}          // audio, PID 0x0102

	body := make([]byte, 0, 4+len(descriptor)+len(stream1)+len(stream2))
	body = append(body, 0xE1, 0x01) // PCR_PID 0x0101
	body = append(body, 0xF0, byte(len(descriptor)))
	body = append(body, descriptor...)
	body = append(body, stream1...)
	body = append(body, stream2...)

	sec := make([]byte, 8+len(body)+4)
	sec[0] = 0x02 // table_id (PMT)
	secLen := len(sec) - 3
	sec[1] = 0xB0 | byte(secLen>>8&0x0F)
	sec[2] = byte(secLen)
	sec[3], sec[4] = 0x00, 0x01 // program_number 1
	copy(sec[8:], body)
	return wrapSection(0x1000, sec)
}

// buildTestDataPacket returns a single non-PSI TS packet for pid with
// the given continuity counter.
func buildTestDataPacket(pid uint16, cc byte) []byte {
	pkt := make([]byte, common.TSPacketSize)
	pkt[0] = 0x47
	pkt[1] = byte(pid >> 8 & 0x1F)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | (cc & 0x0F)
	return pkt
}
