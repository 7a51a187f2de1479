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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/isdbgo/tsengine/common/ts"
)

func TestDescribeRolesLabelsPATPMTPCRAndStreams(t *testing.T) {
	pats := []ts.ProgramAssociation{
		{ProgramNumber: 0, PID: 0x0010}, // NIT
		{ProgramNumber: 1, PID: 0x1000}, // PMT for service 1
	}
	pmts := map[uint16]ts.ProgramMap{
		1: {
			PCRPID: 0x0101,
			Streams: []ts.ElementaryStream{
				{Type: ts.StreamType(0x02), PID: 0x0101}, // video shares PCR PID
				{Type: ts.StreamType(0x0F), PID: 0x0102}, // audio
			},
			ECMPIDs: []ts.PID{0x0200},
		},
	}

	roles := describeRoles(pats, pmts, []ts.PID{0x0001})

	assert.Equal(t, "PAT", roles[ts.PIDPAT].role)
	assert.Equal(t, "CAT", roles[ts.PIDCAT].role)
	assert.Equal(t, "NIT", roles[0x0010].role)
	assert.Equal(t, "EMM", roles[0x0001].role)

	pmt := roles[0x1000]
	assert.Equal(t, "PMT", pmt.role)
	assert.Equal(t, uint16(1), pmt.serviceID)

	pcr := roles[0x0101]
	assert.Equal(t, uint16(1), pcr.serviceID)

	ecm := roles[0x0200]
	assert.Equal(t, "ECM", ecm.role)
	assert.Equal(t, uint16(1), ecm.serviceID)

	audio := roles[0x0102]
	assert.Equal(t, uint16(1), audio.serviceID)
	assert.NotEmpty(t, audio.role)
}

func TestScanPIDInfoAccumulatesContinuityAndRoles(t *testing.T) {
	buf := buildTestPAT()
	pkts := append(buf, buildTestPMT()...)
	pkts = append(pkts, buildTestDataPacket(0x0101, 0)...)
	pkts = append(pkts, buildTestDataPacket(0x0101, 1)...)
	pkts = append(pkts, buildTestDataPacket(0x0101, 3)...) // skip 2: one error

	stats, roles, err := scanPIDInfo(bytesReader(pkts))
	assert.NoError(t, err)

	s := stats[0x0101]
	assert.Equal(t, uint64(3), s.Packets)
	assert.Equal(t, uint64(1), s.ContinuityErrs)
	assert.Equal(t, uint16(1), roles[0x0101].serviceID)
}
