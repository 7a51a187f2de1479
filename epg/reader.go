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

package epg

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// chunkReader walks the flat TLV chunk sequence that follows the file
// header.
type chunkReader struct {
	r io.Reader
}

func (cr *chunkReader) next() (Tag, []byte, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(cr.r, hdr[:]); err != nil {
		return 0, nil, errors.Wrap(ErrReadShort, "chunk header")
	}
	tag := Tag(hdr[0])
	size := binary.LittleEndian.Uint16(hdr[1:3])
	if size == 0 {
		return tag, nil, nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(cr.r, payload); err != nil {
		return 0, nil, errors.Wrapf(ErrReadShort, "chunk %s payload", tag)
	}
	return tag, payload, nil
}

// cursor is a bounds-checked reader over one chunk's payload bytes.
type cursor struct {
	b   []byte
	pos int
}

func (c *cursor) need(n int) error {
	if c.pos+n > len(c.b) {
		return errors.Wrapf(ErrMalformed, "need %d bytes, have %d", n, len(c.b)-c.pos)
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.b[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.b[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.b[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.b[c.pos:])
	c.pos += 8
	return v, nil
}

// text reads a u16 length (in code units, treated as bytes of the
// stored UTF-8 string) followed by that many bytes.
func (c *cursor) text() (string, error) {
	n, err := c.u16()
	if err != nil {
		return "", err
	}
	if n > maxTextLength {
		return "", ErrTextTooLong
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	s := string(c.b[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

// Load reads a complete EPG database from r.
func Load(r io.Reader) (*Database, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, errors.Wrap(ErrReadShort, "file header magic")
	}
	if magic != fileMagic {
		return nil, ErrBadMagic
	}

	var rest [16]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return nil, errors.Wrap(ErrReadShort, "file header")
	}
	version := binary.LittleEndian.Uint32(rest[0:4])
	serviceCount := binary.LittleEndian.Uint32(rest[4:8])
	updateCount := binary.LittleEndian.Uint64(rest[8:16])
	if version > currentVersion {
		return nil, ErrUnsupported
	}

	db := NewDatabase()
	db.UpdateCount = updateCount

	cr := &chunkReader{r: r}
	for i := uint32(0); i < serviceCount; i++ {
		svc, err := readService(cr)
		if err != nil {
			return nil, err
		}
		db.AddService(svc)
	}
	return db, nil
}

func readService(cr *chunkReader) (*Service, error) {
	tag, payload, err := cr.next()
	if err != nil {
		return nil, err
	}
	if tag != TagService {
		return nil, errors.Wrapf(ErrMalformed, "expected Service, got %s", tag)
	}

	c := &cursor{b: payload}
	networkID, err := c.u16()
	if err != nil {
		return nil, err
	}
	tsID, err := c.u16()
	if err != nil {
		return nil, err
	}
	serviceID, err := c.u16()
	if err != nil {
		return nil, err
	}
	eventCount, err := c.u16()
	if err != nil {
		return nil, err
	}

	svc := &Service{NetworkID: networkID, TransportStreamID: tsID, ServiceID: serviceID}
	for i := 0; i < int(eventCount); i++ {
		ev, err := readEvent(cr, serviceID)
		if err != nil {
			return nil, err
		}
		svc.Events = append(svc.Events, ev)
	}

	tag, _, err = cr.next()
	if err != nil {
		return nil, err
	}
	if tag != TagServiceEnd {
		return nil, errors.Wrapf(ErrMalformed, "expected ServiceEnd, got %s", tag)
	}
	return svc, nil
}

func readEvent(cr *chunkReader, serviceID uint16) (*Event, error) {
	tag, payload, err := cr.next()
	if err != nil {
		return nil, err
	}
	if tag != TagEvent {
		return nil, errors.Wrapf(ErrMalformed, "expected Event, got %s", tag)
	}

	c := &cursor{b: payload}
	ev := &Event{}
	if ev.EventID, err = c.u16(); err != nil {
		return nil, err
	}
	if ev.Flags, err = c.u16(); err != nil {
		return nil, err
	}
	if ev.StartTime.Year, err = c.u16(); err != nil {
		return nil, err
	}
	if ev.StartTime.Month, err = c.u8(); err != nil {
		return nil, err
	}
	if ev.StartTime.DayOfWeek, err = c.u8(); err != nil {
		return nil, err
	}
	if ev.StartTime.Day, err = c.u8(); err != nil {
		return nil, err
	}
	if ev.StartTime.Hour, err = c.u8(); err != nil {
		return nil, err
	}
	if ev.StartTime.Minute, err = c.u8(); err != nil {
		return nil, err
	}
	if ev.StartTime.Second, err = c.u8(); err != nil {
		return nil, err
	}
	if ev.Duration, err = c.u32(); err != nil {
		return nil, err
	}
	if ev.UpdatedTime, err = c.u64(); err != nil {
		return nil, err
	}

	for {
		tag, payload, err := cr.next()
		if err != nil {
			return nil, err
		}
		switch tag {
		case TagEventEnd:
			deriveCommonEvent(ev, serviceID)
			return ev, nil
		case TagEventAudio:
			if err := readAudio(ev, payload); err != nil {
				return nil, err
			}
		case TagEventVideo:
			if err := readVideo(ev, payload); err != nil {
				return nil, err
			}
		case TagEventGenre:
			if err := readGenre(ev, payload); err != nil {
				return nil, err
			}
		case TagEventName:
			name, err := (&cursor{b: payload}).text()
			if err != nil {
				return nil, err
			}
			ev.Name = name
		case TagEventText:
			text, err := (&cursor{b: payload}).text()
			if err != nil {
				return nil, err
			}
			ev.Text = text
		case TagEventExtendedText:
			if err := readExtendedText(ev, payload); err != nil {
				return nil, err
			}
		case TagEventGroup:
			if err := readGroup(ev, payload); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Wrapf(ErrMalformed, "unexpected tag %s inside event", tag)
		}
	}
}

func readAudio(ev *Event, payload []byte) error {
	c := &cursor{b: payload}
	count, err := c.u8()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		var a AudioComponent
		if a.Flags, err = c.u8(); err != nil {
			return err
		}
		if a.StreamContent, err = c.u8(); err != nil {
			return err
		}
		if a.ComponentType, err = c.u8(); err != nil {
			return err
		}
		if a.ComponentTag, err = c.u8(); err != nil {
			return err
		}
		if a.SimulcastGroupTag, err = c.u8(); err != nil {
			return err
		}
		if a.QualityIndicator, err = c.u8(); err != nil {
			return err
		}
		if a.SamplingRate, err = c.u8(); err != nil {
			return err
		}
		if _, err = c.u8(); err != nil { // reserved
			return err
		}
		if a.LanguageCode, err = c.u32(); err != nil {
			return err
		}
		if a.LanguageCode2, err = c.u32(); err != nil {
			return err
		}
		if a.Text, err = c.text(); err != nil {
			return err
		}
		ev.Audio = append(ev.Audio, a)
	}
	return nil
}

func readVideo(ev *Event, payload []byte) error {
	c := &cursor{b: payload}
	count, err := c.u8()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		var v VideoComponent
		if v.StreamContent, err = c.u8(); err != nil {
			return err
		}
		if v.ComponentType, err = c.u8(); err != nil {
			return err
		}
		if v.ComponentTag, err = c.u8(); err != nil {
			return err
		}
		if _, err = c.u8(); err != nil { // reserved
			return err
		}
		if v.LanguageCode, err = c.u32(); err != nil {
			return err
		}
		if v.Text, err = c.text(); err != nil {
			return err
		}
		ev.Video = append(ev.Video, v)
	}
	return nil
}

func readGenre(ev *Event, payload []byte) error {
	c := &cursor{b: payload}
	count, err := c.u8()
	if err != nil {
		return err
	}
	if count > 7 {
		return errors.Wrapf(ErrMalformed, "genre nibble count %d exceeds 7", count)
	}
	for i := 0; i < int(count); i++ {
		var g GenrePair
		if g.ContentNibble, err = c.u8(); err != nil {
			return err
		}
		if g.UserNibble, err = c.u8(); err != nil {
			return err
		}
		ev.Genres = append(ev.Genres, g)
	}
	return nil
}

func readExtendedText(ev *Event, payload []byte) error {
	c := &cursor{b: payload}
	count, err := c.u8()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		var item ExtendedTextItem
		if item.Description, err = c.text(); err != nil {
			return err
		}
		if item.Text, err = c.text(); err != nil {
			return err
		}
		ev.ExtendedText = append(ev.ExtendedText, item)
	}
	return nil
}

func readGroup(ev *Event, payload []byte) error {
	c := &cursor{b: payload}
	count, err := c.u8()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		var grp EventGroup
		groupType, err := c.u8()
		if err != nil {
			return err
		}
		grp.GroupType = GroupEventType(groupType)

		eventCount, err := c.u8()
		if err != nil {
			return err
		}
		for j := 0; j < int(eventCount); j++ {
			var ge GroupedEvent
			if ge.ServiceID, err = c.u16(); err != nil {
				return err
			}
			if ge.EventID, err = c.u16(); err != nil {
				return err
			}
			if ge.NetworkID, err = c.u16(); err != nil {
				return err
			}
			if ge.TransportStreamID, err = c.u16(); err != nil {
				return err
			}
			grp.Events = append(grp.Events, ge)
		}
		ev.Groups = append(ev.Groups, grp)
	}
	return nil
}

// deriveCommonEvent applies §4.L's common-event rule: a GroupTypeCommon
// group referencing exactly one other service marks ev as a shared
// common event pointing at that service/event.
func deriveCommonEvent(ev *Event, ownServiceID uint16) {
	for _, grp := range ev.Groups {
		if grp.GroupType != GroupTypeCommon || len(grp.Events) != 1 {
			continue
		}
		other := grp.Events[0]
		if other.ServiceID != ownServiceID {
			ev.IsCommonReference = true
			ev.CommonServiceID = other.ServiceID
			ev.CommonEventID = other.EventID
			return
		}
	}
}
