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

// Package epg implements the EPG database's on-disk TLV codec: a
// fixed file header followed by a flat sequence of tagged chunks that
// a Load walks into a tree of Service/Event records, and a Save walks
// back down into bytes. Service/event lookup is indexed by a
// cespare/xxhash composite key, the same hashing idiom as
// internal/labels.Labels.Hash.
package epg

import (
	"github.com/pkg/errors"

	"github.com/cespare/xxhash/v2"
	"github.com/valyala/bytebufferpool"
)

// fileMagic is the file header's fixed type field.
var fileMagic = [8]byte{'E', 'P', 'G', '-', 'D', 'A', 'T', 'A'}

// currentVersion is the version this package writes; Load rejects any
// file whose version is greater.
const currentVersion = 0

// maxTextLength is the maximum length, in code units, of any text
// field; violating it aborts the read/write with ErrTextTooLong.
const maxTextLength = 4096

// Tag identifies a chunk's payload shape.
type Tag uint8

const (
	TagNull              Tag = 0x00
	TagEnd               Tag = 0x01
	TagService           Tag = 0x02
	TagServiceEnd        Tag = 0x03
	TagEvent             Tag = 0x04
	TagEventEnd          Tag = 0x05
	TagEventAudio        Tag = 0x06
	TagEventVideo        Tag = 0x07
	TagEventGenre        Tag = 0x08
	TagEventName         Tag = 0x09
	TagEventText         Tag = 0x0A
	TagEventExtendedText Tag = 0x0B
	TagEventGroup        Tag = 0x0C
)

func (t Tag) String() string {
	switch t {
	case TagNull:
		return "Null"
	case TagEnd:
		return "End"
	case TagService:
		return "Service"
	case TagServiceEnd:
		return "ServiceEnd"
	case TagEvent:
		return "Event"
	case TagEventEnd:
		return "EventEnd"
	case TagEventAudio:
		return "EventAudio"
	case TagEventVideo:
		return "EventVideo"
	case TagEventGenre:
		return "EventGenre"
	case TagEventName:
		return "EventName"
	case TagEventText:
		return "EventText"
	case TagEventExtendedText:
		return "EventExtendedText"
	case TagEventGroup:
		return "EventGroup"
	default:
		return "Unknown"
	}
}

// Event flag bits (§4.L).
const (
	flagRunningStatusMask = 0x0007
	flagFreeCA            = 0x0008
	flagBasic             = 0x0010
	flagExtended          = 0x0020
	flagPresent           = 0x0040
	flagFollowing         = 0x0080
)

// EventGroup.GroupType values; only GroupTypeCommon participates in
// common-event derivation.
const (
	GroupTypeShared GroupEventType = 1
	GroupTypeCommon GroupEventType = 2
)

type GroupEventType uint8

// Error kinds (§7): each read/write failure is one of these, logged by
// the caller with an advise string.
var (
	ErrReadShort    = errors.New("epg: short read")
	ErrWriteShort   = errors.New("epg: short write")
	ErrSeekFailed   = errors.New("epg: seek failed")
	ErrMalformed    = errors.New("epg: malformed chunk")
	ErrInternal     = errors.New("epg: internal error")
	ErrAllocFailed  = errors.New("epg: allocation failed")
	ErrTextTooLong  = errors.New("epg: text exceeds maximum length")
	ErrBadMagic     = errors.New("epg: bad file header magic")
	ErrUnsupported  = errors.New("epg: file version newer than this reader supports")
)

// DateTime is the EPG wire format's fixed-width timestamp.
type DateTime struct {
	Year      uint16
	Month     uint8
	DayOfWeek uint8
	Day       uint8
	Hour      uint8
	Minute    uint8
	Second    uint8
}

// AudioComponent is one EventAudio sub-chunk record.
type AudioComponent struct {
	Flags             uint8
	StreamContent     uint8
	ComponentType     uint8
	ComponentTag      uint8
	SimulcastGroupTag uint8
	QualityIndicator  uint8
	SamplingRate      uint8
	LanguageCode      uint32
	LanguageCode2     uint32
	Text              string
}

// VideoComponent is one EventVideo sub-chunk record.
type VideoComponent struct {
	StreamContent uint8
	ComponentType uint8
	ComponentTag  uint8
	LanguageCode  uint32
	Text          string
}

// GenrePair is one (content_nibble, user_nibble) entry; up to 7 may be
// present per event.
type GenrePair struct {
	ContentNibble uint8
	UserNibble    uint8
}

// ExtendedTextItem is one (description, text) pair from an
// EventExtendedText sub-chunk.
type ExtendedTextItem struct {
	Description string
	Text        string
}

// GroupedEvent is one entry referenced by an EventGroup sub-chunk.
type GroupedEvent struct {
	ServiceID         uint16
	EventID           uint16
	NetworkID         uint16
	TransportStreamID uint16
}

// EventGroup is one EventGroup sub-chunk: a type tag plus the events
// it groups with the owning event.
type EventGroup struct {
	GroupType GroupEventType
	Events    []GroupedEvent
}

// Event is one EPG event (a single EIT entry) and everything recorded
// about it.
type Event struct {
	EventID     uint16
	Flags       uint16
	StartTime   DateTime
	Duration    uint32
	UpdatedTime uint64

	Name         string
	Text         string
	ExtendedText []ExtendedTextItem
	Audio        []AudioComponent
	Video        []VideoComponent
	Genres       []GenrePair
	Groups       []EventGroup

	// CommonServiceID/CommonEventID are populated by Load's
	// common-event derivation (§4.L): set when one of Groups is
	// GroupTypeCommon, has exactly one grouped event, and that event's
	// service id differs from the owning Service.
	CommonServiceID   uint16
	CommonEventID     uint16
	IsCommonReference bool
}

func (e *Event) RunningStatus() uint8 { return uint8(e.Flags & flagRunningStatusMask) }
func (e *Event) FreeCA() bool         { return e.Flags&flagFreeCA != 0 }
func (e *Event) HasBasic() bool       { return e.Flags&flagBasic != 0 }
func (e *Event) HasExtended() bool    { return e.Flags&flagExtended != 0 }
func (e *Event) Present() bool        { return e.Flags&flagPresent != 0 }
func (e *Event) Following() bool      { return e.Flags&flagFollowing != 0 }

// Service is one EPG service (one broadcast channel) and its events.
type Service struct {
	NetworkID         uint16
	TransportStreamID uint16
	ServiceID         uint16
	Events            []*Event
}

// Database is the in-memory EPG, round-tripped by Load/Save. UpdateCount
// mirrors the file header's monotonically-increasing update counter.
type Database struct {
	UpdateCount uint64
	Services    []*Service

	byService map[uint64]*Service
	byEvent   map[uint64]*Event
}

// NewDatabase returns an empty, ready-to-populate Database.
func NewDatabase() *Database {
	return &Database{
		byService: make(map[uint64]*Service),
		byEvent:   make(map[uint64]*Event),
	}
}

func serviceKey(networkID, tsID, serviceID uint16) uint64 {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var b [6]byte
	b[0], b[1] = byte(networkID), byte(networkID>>8)
	b[2], b[3] = byte(tsID), byte(tsID>>8)
	b[4], b[5] = byte(serviceID), byte(serviceID>>8)
	buf.Write(b[:])
	return xxhash.Sum64(buf.Bytes())
}

func eventKey(serviceID, eventID uint16) uint64 {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var b [4]byte
	b[0], b[1] = byte(serviceID), byte(serviceID>>8)
	b[2], b[3] = byte(eventID), byte(eventID>>8)
	buf.Write(b[:])
	return xxhash.Sum64(buf.Bytes())
}

// AddService indexes svc by (networkID, tsID, serviceID) and appends
// it to Services.
func (db *Database) AddService(svc *Service) {
	db.Services = append(db.Services, svc)
	db.byService[serviceKey(svc.NetworkID, svc.TransportStreamID, svc.ServiceID)] = svc
	for _, ev := range svc.Events {
		db.byEvent[eventKey(svc.ServiceID, ev.EventID)] = ev
	}
}

// Service looks up a service by its triplet key.
func (db *Database) Service(networkID, tsID, serviceID uint16) (*Service, bool) {
	s, ok := db.byService[serviceKey(networkID, tsID, serviceID)]
	return s, ok
}

// Event looks up an event by (serviceID, eventID), independent of
// which service it is attached to in Services.
func (db *Database) Event(serviceID, eventID uint16) (*Event, bool) {
	e, ok := db.byEvent[eventKey(serviceID, eventID)]
	return e, ok
}
