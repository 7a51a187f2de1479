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

import "github.com/pkg/errors"

// ErrShortSection is returned when a PSI section's declared length
// does not fit the bytes actually supplied.
var ErrShortSection = errors.New("ts: short PSI section")

// caDescriptorTag is the descriptor_tag value for a CA_descriptor
// (ISO/IEC 13818-1 Table 2-40), carried in both CAT and PMT
// descriptor loops.
const caDescriptorTag = 0x09

func sectionLength(payload []byte) (int, error) {
	if len(payload) < 3 {
		return 0, ErrShortSection
	}
	return int(payload[1]&0x0F)<<8 | int(payload[2]), nil
}

// walkDescriptors calls fn for each (tag, body) pair in a standard
// TLV descriptor loop (descriptor_tag u8, descriptor_length u8, body).
func walkDescriptors(data []byte, fn func(tag uint8, body []byte)) {
	i := 0
	for i+2 <= len(data) {
		tag := data[i]
		length := int(data[i+1])
		start := i + 2
		end := start + length
		if end > len(data) {
			return
		}
		fn(tag, data[start:end])
		i = end
	}
}

// caPID extracts the CA_PID from a CA_descriptor's body
// (CA_system_id u16, reserved/CA_PID u16, ...private data).
func caPID(body []byte) (PID, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return PID(body[2]&0x1F)<<8 | PID(body[3]), true
}

// ProgramAssociation is one PAT entry. ProgramNumber 0 identifies the
// network-information PID rather than a PMT.
type ProgramAssociation struct {
	ProgramNumber uint16
	PID           PID
}

// ParsePAT parses a PAT section's payload (the pointer field, if any,
// already stripped by the caller) into its program associations.
//
// Sections split across multiple TS packets are not reassembled here;
// callers feeding tspidinfo-sized streams see the common case of a
// PAT that fits one packet.
func ParsePAT(payload []byte) ([]ProgramAssociation, error) {
	secLen, err := sectionLength(payload)
	if err != nil {
		return nil, err
	}
	end := 3 + secLen
	if end > len(payload) {
		end = len(payload)
	}
	if end < 12 {
		return nil, ErrShortSection
	}
	body := payload[8 : end-4]

	var assocs []ProgramAssociation
	for i := 0; i+4 <= len(body); i += 4 {
		programNumber := uint16(body[i])<<8 | uint16(body[i+1])
		pid := PID(body[i+2]&0x1F)<<8 | PID(body[i+3])
		assocs = append(assocs, ProgramAssociation{ProgramNumber: programNumber, PID: pid})
	}
	return assocs, nil
}

// ElementaryStream is one PMT stream-loop entry.
type ElementaryStream struct {
	Type StreamType
	PID  PID
}

// ProgramMap is a parsed PMT section: its PCR PID, elementary streams,
// and any ECM PIDs referenced by CA_descriptors (program-level or
// per-stream).
type ProgramMap struct {
	PCRPID  PID
	Streams []ElementaryStream
	ECMPIDs []PID
}

// ParsePMT parses a PMT section's payload into a ProgramMap.
func ParsePMT(payload []byte) (ProgramMap, error) {
	secLen, err := sectionLength(payload)
	if err != nil {
		return ProgramMap{}, err
	}
	end := 3 + secLen
	if end > len(payload) {
		end = len(payload)
	}
	if end < 16 {
		return ProgramMap{}, ErrShortSection
	}

	pm := ProgramMap{PCRPID: PID(payload[8]&0x1F)<<8 | PID(payload[9])}

	programInfoLength := int(payload[10]&0x0F)<<8 | int(payload[11])
	i := 12
	if i+programInfoLength > end-4 {
		return ProgramMap{}, ErrShortSection
	}
	walkDescriptors(payload[i:i+programInfoLength], func(tag uint8, body []byte) {
		if tag == caDescriptorTag {
			if pid, ok := caPID(body); ok {
				pm.ECMPIDs = append(pm.ECMPIDs, pid)
			}
		}
	})
	i += programInfoLength

	limit := end - 4
	for i+5 <= limit {
		st := StreamType(payload[i])
		pid := PID(payload[i+1]&0x1F)<<8 | PID(payload[i+2])
		esInfoLength := int(payload[i+3]&0x0F)<<8 | int(payload[i+4])
		i += 5
		if i+esInfoLength > limit {
			return ProgramMap{}, ErrShortSection
		}
		walkDescriptors(payload[i:i+esInfoLength], func(tag uint8, body []byte) {
			if tag == caDescriptorTag {
				if pid, ok := caPID(body); ok {
					pm.ECMPIDs = append(pm.ECMPIDs, pid)
				}
			}
		})
		pm.Streams = append(pm.Streams, ElementaryStream{Type: st, PID: pid})
		i += esInfoLength
	}
	return pm, nil
}

// ParseCAT parses a CAT section's payload into the EMM PIDs referenced
// by its program-level CA_descriptors.
func ParseCAT(payload []byte) ([]PID, error) {
	secLen, err := sectionLength(payload)
	if err != nil {
		return nil, err
	}
	end := 3 + secLen
	if end > len(payload) {
		end = len(payload)
	}
	if end < 12 {
		return nil, ErrShortSection
	}

	var emmPIDs []PID
	walkDescriptors(payload[8:end-4], func(tag uint8, body []byte) {
		if tag == caDescriptorTag {
			if pid, ok := caPID(body); ok {
				emmPIDs = append(emmPIDs, pid)
			}
		}
	})
	return emmPIDs, nil
}

// sectionPayload strips a PSI packet's leading pointer_field, present
// on any TS packet that carries payload_unit_start_indicator.
func sectionPayload(p Packet) []byte {
	payload := p.Payload()
	if len(payload) == 0 {
		return nil
	}
	if !p.PayloadUnitStart() {
		return payload
	}
	pointer := int(payload[0])
	if 1+pointer >= len(payload) {
		return nil
	}
	return payload[1+pointer:]
}

// SectionPayload is the exported form of sectionPayload, for callers
// (e.g. cmd/tspidinfo) that only ever see the first TS packet of a
// section and need the pointer_field stripped before parsing.
func SectionPayload(p Packet) []byte { return sectionPayload(p) }
