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

package ts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPATSection(assocs []ProgramAssociation) []byte {
	body := make([]byte, 0, len(assocs)*4)
	for _, a := range assocs {
		body = append(body, byte(a.ProgramNumber>>8), byte(a.ProgramNumber),
			byte(0xE0|byte(a.PID>>8)), byte(a.PID))
	}
	// section header (8 bytes) + body + 4-byte CRC placeholder
	sec := make([]byte, 8+len(body)+4)
	sec[0] = 0x00 // table_id
	secLen := len(sec) - 3
	sec[1] = 0xB0 | byte(secLen>>8&0x0F)
	sec[2] = byte(secLen)
	copy(sec[8:], body)
	return sec
}

func TestParsePATExtractsProgramAssociations(t *testing.T) {
	sec := buildPATSection([]ProgramAssociation{
		{ProgramNumber: 0, PID: PIDNIT},
		{ProgramNumber: 101, PID: 0x0101},
	})
	assocs, err := ParsePAT(sec)
	require.NoError(t, err)
	require.Len(t, assocs, 2)
	assert.Equal(t, uint16(0), assocs[0].ProgramNumber)
	assert.Equal(t, PIDNIT, assocs[0].PID)
	assert.Equal(t, uint16(101), assocs[1].ProgramNumber)
	assert.Equal(t, PID(0x0101), assocs[1].PID)
}

func TestParsePATRejectsShortSection(t *testing.T) {
	_, err := ParsePAT([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrShortSection)
}

func buildPMTSection(pcrPID PID, streams []ElementaryStream) []byte {
	body := make([]byte, 0, len(streams)*5)
	for _, s := range streams {
		body = append(body, byte(s.Type), byte(0xE0|byte(s.PID>>8)), byte(s.PID), 0xF0, 0x00)
	}
	sec := make([]byte, 12+len(body)+4)
	sec[0] = 0x02
	secLen := len(sec) - 3
	sec[1] = 0xB0 | byte(secLen>>8&0x0F)
	sec[2] = byte(secLen)
	sec[8] = 0xE0 | byte(pcrPID>>8)
	sec[9] = byte(pcrPID)
	sec[10] = 0xF0
	sec[11] = 0x00 // program_info_length = 0
	copy(sec[12:], body)
	return sec
}

func TestParsePMTExtractsPCRAndStreams(t *testing.T) {
	sec := buildPMTSection(0x0100, []ElementaryStream{
		{Type: StreamTypeH264, PID: 0x0101},
		{Type: StreamTypeAAC, PID: 0x0102},
	})
	pm, err := ParsePMT(sec)
	require.NoError(t, err)
	assert.Equal(t, PID(0x0100), pm.PCRPID)
	require.Len(t, pm.Streams, 2)
	assert.Equal(t, StreamTypeH264, pm.Streams[0].Type)
	assert.Equal(t, PID(0x0101), pm.Streams[0].PID)
	assert.Equal(t, StreamTypeAAC, pm.Streams[1].Type)
	assert.Empty(t, pm.ECMPIDs)
}

func TestParsePMTCollectsECMFromCADescriptor(t *testing.T) {
	// one CA_descriptor in program_info: tag=0x09, length=4, CA_system_id=0x0005, CA_PID=0x0200
	caDesc := []byte{0x09, 0x04, 0x00, 0x05, 0xE2, 0x00}
	sec := make([]byte, 12+len(caDesc)+4)
	sec[0] = 0x02
	secLen := len(sec) - 3
	sec[1] = 0xB0 | byte(secLen>>8&0x0F)
	sec[2] = byte(secLen)
	sec[8] = 0xE0
	sec[9] = 0x00
	sec[10] = 0xF0 | byte(len(caDesc)>>8&0x0F)
	sec[11] = byte(len(caDesc))
	copy(sec[12:], caDesc)

	pm, err := ParsePMT(sec)
	require.NoError(t, err)
	require.Len(t, pm.ECMPIDs, 1)
	assert.Equal(t, PID(0x0200), pm.ECMPIDs[0])
}

func TestSectionPayloadStripsPointerField(t *testing.T) {
	var buf [188]byte
	buf[0] = 0x47
	buf[1] = 0x40 // PUSI set, PID high bits 0
	buf[2] = 0x00
	buf[3] = 0x10 // payload only
	buf[4] = 0x00 // pointer_field = 0
	buf[5] = 0xAB
	p, err := Parse(buf[:])
	require.NoError(t, err)
	payload := SectionPayload(p)
	require.NotEmpty(t, payload)
	assert.Equal(t, byte(0xAB), payload[0])
}
