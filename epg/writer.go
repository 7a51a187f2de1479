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
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// chunkWriter emits the flat TLV chunk sequence.
type chunkWriter struct {
	w io.Writer
}

func (cw *chunkWriter) write(tag Tag, payload []byte) error {
	if len(payload) > 0xFFFF {
		return errors.Wrapf(ErrInternal, "chunk %s payload too large (%d bytes)", tag, len(payload))
	}
	var hdr [3]byte
	hdr[0] = byte(tag)
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(payload)))
	if _, err := cw.w.Write(hdr[:]); err != nil {
		return errors.Wrap(ErrWriteShort, err.Error())
	}
	if len(payload) > 0 {
		if _, err := cw.w.Write(payload); err != nil {
			return errors.Wrap(ErrWriteShort, err.Error())
		}
	}
	return nil
}

// builder accumulates one chunk's payload bytes.
type builder struct {
	buf bytes.Buffer
}

func (b *builder) u8(v uint8)   { b.buf.WriteByte(v) }
func (b *builder) u16(v uint16) { var t [2]byte; binary.LittleEndian.PutUint16(t[:], v); b.buf.Write(t[:]) }
func (b *builder) u32(v uint32) { var t [4]byte; binary.LittleEndian.PutUint32(t[:], v); b.buf.Write(t[:]) }
func (b *builder) u64(v uint64) { var t [8]byte; binary.LittleEndian.PutUint64(t[:], v); b.buf.Write(t[:]) }

func (b *builder) text(s string) error {
	if len(s) > maxTextLength {
		return ErrTextTooLong
	}
	b.u16(uint16(len(s)))
	b.buf.WriteString(s)
	return nil
}

// Save writes a complete EPG database to w.
func Save(w io.Writer, db *Database) error {
	if _, err := w.Write(fileMagic[:]); err != nil {
		return errors.Wrap(ErrWriteShort, err.Error())
	}

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], currentVersion)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(db.Services)))
	binary.LittleEndian.PutUint64(hdr[8:16], db.UpdateCount)
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(ErrWriteShort, err.Error())
	}

	cw := &chunkWriter{w: w}
	for _, svc := range db.Services {
		if err := writeService(cw, svc); err != nil {
			return err
		}
	}
	return nil
}

func writeService(cw *chunkWriter, svc *Service) error {
	var b builder
	b.u16(svc.NetworkID)
	b.u16(svc.TransportStreamID)
	b.u16(svc.ServiceID)
	b.u16(uint16(len(svc.Events)))
	if err := cw.write(TagService, b.buf.Bytes()); err != nil {
		return err
	}

	for _, ev := range svc.Events {
		if err := writeEvent(cw, ev); err != nil {
			return err
		}
	}

	return cw.write(TagServiceEnd, nil)
}

func writeEvent(cw *chunkWriter, ev *Event) error {
	var b builder
	b.u16(ev.EventID)
	b.u16(ev.Flags)
	b.u16(ev.StartTime.Year)
	b.u8(ev.StartTime.Month)
	b.u8(ev.StartTime.DayOfWeek)
	b.u8(ev.StartTime.Day)
	b.u8(ev.StartTime.Hour)
	b.u8(ev.StartTime.Minute)
	b.u8(ev.StartTime.Second)
	b.u32(ev.Duration)
	b.u64(ev.UpdatedTime)
	if err := cw.write(TagEvent, b.buf.Bytes()); err != nil {
		return err
	}

	if len(ev.Audio) > 0 {
		var ab builder
		ab.u8(uint8(len(ev.Audio)))
		for _, a := range ev.Audio {
			ab.u8(a.Flags)
			ab.u8(a.StreamContent)
			ab.u8(a.ComponentType)
			ab.u8(a.ComponentTag)
			ab.u8(a.SimulcastGroupTag)
			ab.u8(a.QualityIndicator)
			ab.u8(a.SamplingRate)
			ab.u8(0) // reserved
			ab.u32(a.LanguageCode)
			ab.u32(a.LanguageCode2)
			if err := ab.text(a.Text); err != nil {
				return err
			}
		}
		if err := cw.write(TagEventAudio, ab.buf.Bytes()); err != nil {
			return err
		}
	}

	if len(ev.Video) > 0 {
		var vb builder
		vb.u8(uint8(len(ev.Video)))
		for _, v := range ev.Video {
			vb.u8(v.StreamContent)
			vb.u8(v.ComponentType)
			vb.u8(v.ComponentTag)
			vb.u8(0) // reserved
			vb.u32(v.LanguageCode)
			if err := vb.text(v.Text); err != nil {
				return err
			}
		}
		if err := cw.write(TagEventVideo, vb.buf.Bytes()); err != nil {
			return err
		}
	}

	if len(ev.Genres) > 0 {
		if len(ev.Genres) > 7 {
			return errors.Wrapf(ErrInternal, "event %d has %d genre pairs, max 7", ev.EventID, len(ev.Genres))
		}
		var gb builder
		gb.u8(uint8(len(ev.Genres)))
		for _, g := range ev.Genres {
			gb.u8(g.ContentNibble)
			gb.u8(g.UserNibble)
		}
		if err := cw.write(TagEventGenre, gb.buf.Bytes()); err != nil {
			return err
		}
	}

	if ev.Name != "" {
		var nb builder
		if err := nb.text(ev.Name); err != nil {
			return err
		}
		if err := cw.write(TagEventName, nb.buf.Bytes()); err != nil {
			return err
		}
	}

	if ev.Text != "" {
		var tb builder
		if err := tb.text(ev.Text); err != nil {
			return err
		}
		if err := cw.write(TagEventText, tb.buf.Bytes()); err != nil {
			return err
		}
	}

	if len(ev.ExtendedText) > 0 {
		var eb builder
		eb.u8(uint8(len(ev.ExtendedText)))
		for _, item := range ev.ExtendedText {
			if err := eb.text(item.Description); err != nil {
				return err
			}
			if err := eb.text(item.Text); err != nil {
				return err
			}
		}
		if err := cw.write(TagEventExtendedText, eb.buf.Bytes()); err != nil {
			return err
		}
	}

	if len(ev.Groups) > 0 {
		var gb builder
		gb.u8(uint8(len(ev.Groups)))
		for _, grp := range ev.Groups {
			gb.u8(uint8(grp.GroupType))
			gb.u8(uint8(len(grp.Events)))
			for _, ge := range grp.Events {
				gb.u16(ge.ServiceID)
				gb.u16(ge.EventID)
				gb.u16(ge.NetworkID)
				gb.u16(ge.TransportStreamID)
			}
		}
		if err := cw.write(TagEventGroup, gb.buf.Bytes()); err != nil {
			return err
		}
	}

	return cw.write(TagEventEnd, nil)
}

// Writer is a handle on an EPG output file: Save staging the bytes,
// Close committing (or, on any failure, deleting the partially written
// file), matching §4.L's "no partial database mutation on error".
type Writer struct {
	f    *os.File
	path string
}

// CreateWriter opens path for writing, truncating any existing file.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(ErrAllocFailed, err.Error())
	}
	return &Writer{f: f, path: path}, nil
}

// Save writes db to the underlying file.
func (w *Writer) Save(db *Database) error {
	return Save(w.f, db)
}

// Close finalizes the write. saveErr is whatever Save returned (nil on
// success); Close folds any error closing the file descriptor itself
// into the same multierror rather than discarding it, and deletes the
// output file if either failed.
func (w *Writer) Close(saveErr error) error {
	cerr := w.f.Close()

	var merr *multierror.Error
	if saveErr != nil {
		merr = multierror.Append(merr, saveErr)
	}
	if cerr != nil {
		merr = multierror.Append(merr, errors.Wrap(ErrWriteShort, cerr.Error()))
	}

	if err := merr.ErrorOrNil(); err != nil {
		os.Remove(w.path)
		return err
	}
	return nil
}

// SaveFile writes db to path in one call, deleting the output file if
// the write fails partway through.
func SaveFile(path string, db *Database) error {
	w, err := CreateWriter(path)
	if err != nil {
		return err
	}
	saveErr := w.Save(db)
	return w.Close(saveErr)
}

// LoadFile reads and parses an EPG database from path.
func LoadFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrAllocFailed, err.Error())
	}
	defer f.Close()
	return Load(f)
}
