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

// Package source implements the root filter of a graph: a Medium
// (the upstream byte source — a tuner, a pcap capture, a file) wired
// either in push mode (a background worker reads and forwards) or
// pull mode (the downstream calls Fetch synchronously).
package source

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/isdbgo/tsengine/graph"
	"github.com/isdbgo/tsengine/internal/guard"
	"github.com/isdbgo/tsengine/logger"
)

var (
	ErrAlreadyOpen    = errors.New("source: open already in progress")
	ErrNotOpen        = errors.New("source: not open")
	ErrRequestTimeout = errors.New("source: request did not complete before timeout")
	ErrWrongMode      = errors.New("source: operation not valid for this source's mode")
)

// Mode fixes a Source's push/pull behavior at construction.
type Mode int

const (
	ModePush Mode = iota
	ModePull
)

// Medium is the upstream byte source a Source filter drains.
type Medium interface {
	Open() error
	Close() error
	// Read blocks for at most the medium's own internal timeout and
	// returns however many bytes are ready (0, nil at EOF).
	Read(buf []byte) (int, error)
	// SetChannel tunes the medium to a new channel; the two uint32
	// values are medium-specific (e.g. frequency + service id).
	SetChannel(ch [2]uint32) error
}

// Sink receives bytes forwarded by a push-mode Source's worker.
type Sink interface {
	ProcessData(data []byte) error
}

type requestKind int

const (
	reqEnd requestKind = iota
	reqReset
	reqStart
	reqStop
	reqSetChannel
	reqPurgeStream
)

type request struct {
	kind    requestKind
	channel [2]uint32
	done    chan error
}

// Source is a graph.Filter that owns a Medium. Requests against a
// push-mode Source are serialized through a single worker goroutine's
// request queue, per the teacher-wide rule that one worker owns one
// piece of mutable state.
type Source struct {
	graph.FilterBase

	mode   Mode
	medium Medium
	sink   Sink

	firstChannelSetDelay    time.Duration
	minChannelChangeInterval time.Duration

	mut           sync.Mutex
	open          bool
	opening       bool
	lastChannelAt time.Time
	openedAt      time.Time
	channelSets   int

	reqCh  chan *request
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Source filter. sink may be nil for pull-mode sources,
// which return bytes via Fetch instead of pushing to a sink.
func New(id uint32, name string, mode Mode, medium Medium, sink Sink, firstChannelSetDelay, minChannelChangeInterval time.Duration) *Source {
	return &Source{
		FilterBase:               graph.NewFilterBase(id, name),
		mode:                     mode,
		medium:                   medium,
		sink:                     sink,
		firstChannelSetDelay:     firstChannelSetDelay,
		minChannelChangeInterval: minChannelChangeInterval,
	}
}

// Open starts the source. For push mode this spawns the worker
// goroutine; for pull mode it opens the medium directly. A second Open
// on an already-open (or opening) source fails with ErrAlreadyOpen.
func (s *Source) Open() error {
	s.mut.Lock()
	if s.open || s.opening {
		s.mut.Unlock()
		return ErrAlreadyOpen
	}
	s.opening = true
	s.mut.Unlock()

	if err := s.medium.Open(); err != nil {
		s.mut.Lock()
		s.opening = false
		s.mut.Unlock()
		return errors.Wrap(err, "source: medium open failed")
	}

	s.mut.Lock()
	s.open = true
	s.opening = false
	s.openedAt = time.Now()
	s.channelSets = 0
	s.mut.Unlock()

	if s.mode == ModePush {
		s.reqCh = make(chan *request, 8)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		guard.Go(s.runWorker)
	}
	return nil
}

// Close stops the source. A Close on an already-closed source is a
// no-op, per the documented idempotent open/close contract.
func (s *Source) Close() error {
	s.mut.Lock()
	if !s.open {
		s.mut.Unlock()
		return nil
	}
	s.mut.Unlock()

	if s.mode == ModePush {
		// post while still marked open so it reaches the worker, which
		// returns on reqEnd; stopCh is the fallback if that times out.
		s.post(reqEnd, [2]uint32{}, 2*time.Second)
		close(s.stopCh)
		s.wg.Wait()
	}

	s.mut.Lock()
	s.open = false
	s.mut.Unlock()
	return s.medium.Close()
}

// Fetch reads up to n bytes synchronously; valid only in pull mode.
func (s *Source) Fetch(n int) ([]byte, error) {
	if s.mode != ModePull {
		return nil, ErrWrongMode
	}
	s.mut.Lock()
	isOpen := s.open
	s.mut.Unlock()
	if !isOpen {
		return nil, ErrNotOpen
	}

	buf := make([]byte, n)
	nr, err := s.medium.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:nr], nil
}

// SetChannel tunes to a new channel, honoring the first-set delay and
// the minimum interval between successive sets. Valid in both modes;
// in push mode it is serialized through the request queue, in pull
// mode it applies the pacing delay inline.
func (s *Source) SetChannel(ch [2]uint32, timeout time.Duration) error {
	if s.mode == ModePush {
		return s.post(reqSetChannel, ch, timeout)
	}

	s.waitChannelPacing()
	err := s.medium.SetChannel(ch)
	s.recordChannelSet()
	return err
}

// Reset flushes downstream filter state (via graph.ResetGraph, called
// by the owning engine) after a channel change; Reset here only resets
// this filter's own per-stream bookkeeping.
func (s *Source) Reset() error {
	if s.mode == ModePush {
		return s.post(reqReset, [2]uint32{}, 2*time.Second)
	}
	return nil
}

// PurgeStream discards any buffered-but-undelivered data.
func (s *Source) PurgeStream() error {
	if s.mode == ModePush {
		return s.post(reqPurgeStream, [2]uint32{}, 2*time.Second)
	}
	return nil
}

// StartStreaming / StopStreaming post Start/Stop requests in push
// mode (enabling/disabling forwarding to sink without tearing the
// worker down); in pull mode they are pure bookkeeping via FilterBase.
func (s *Source) StartStreaming() error {
	if s.mode == ModePush {
		if err := s.post(reqStart, [2]uint32{}, 2*time.Second); err != nil {
			return err
		}
	}
	return s.FilterBase.StartStreaming()
}

func (s *Source) StopStreaming() error {
	if s.mode == ModePush {
		if err := s.post(reqStop, [2]uint32{}, 2*time.Second); err != nil {
			return err
		}
	}
	return s.FilterBase.StopStreaming()
}

func (s *Source) ProcessData([]byte) error { return nil } // a source has no upstream input

func (s *Source) post(kind requestKind, ch [2]uint32, timeout time.Duration) error {
	s.mut.Lock()
	if !s.open {
		s.mut.Unlock()
		return ErrNotOpen
	}
	reqCh := s.reqCh
	s.mut.Unlock()

	req := &request{kind: kind, channel: ch, done: make(chan error, 1)}
	select {
	case reqCh <- req:
	case <-time.After(timeout):
		return ErrRequestTimeout
	}

	select {
	case err := <-req.done:
		return err
	case <-time.After(timeout):
		return ErrRequestTimeout
	}
}

// runWorker is the single serializer for this source's mutable state:
// a dedicated reader goroutine feeds dataCh, and this loop is the only
// place that acts on requests or forwarded data, so neither needs its
// own locking.
func (s *Source) runWorker() {
	defer s.wg.Done()

	dataCh := make(chan []byte, 4)
	readerStop := make(chan struct{})
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	guard.Go(func() {
		defer readerWg.Done()
		buf := make([]byte, 64*1024)
		for {
			select {
			case <-readerStop:
				return
			default:
			}
			n, err := s.medium.Read(buf)
			if err != nil {
				logger.WarnAdvise("check the medium's health/connectivity",
					"source: medium read failed: %v", err)
				continue
			}
			if n == 0 {
				continue
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case dataCh <- cp:
			case <-readerStop:
				return
			}
		}
	})
	defer func() {
		close(readerStop)
		readerWg.Wait()
	}()

	forwarding := false
	for {
		select {
		case <-s.stopCh:
			return

		case req := <-s.reqCh:
			switch req.kind {
			case reqEnd:
				req.done <- nil
				return
			case reqStart:
				forwarding = true
				req.done <- nil
			case reqStop:
				forwarding = false
				req.done <- nil
			case reqReset:
				req.done <- nil
			case reqPurgeStream:
				for purged := false; !purged; {
					select {
					case <-dataCh:
					default:
						purged = true
					}
				}
				req.done <- nil
			case reqSetChannel:
				s.waitChannelPacing()
				err := s.medium.SetChannel(req.channel)
				s.recordChannelSet()
				req.done <- err
			}

		case data := <-dataCh:
			if !forwarding || s.sink == nil {
				continue
			}
			if err := s.sink.ProcessData(data); err != nil {
				logger.WarnAdvise("check the downstream sink",
					"source: forwarding to sink failed: %v", err)
			}
		}
	}
}

func (s *Source) waitChannelPacing() {
	s.mut.Lock()
	var wait time.Duration
	if s.channelSets == 0 {
		elapsed := time.Since(s.openedAt)
		if elapsed < s.firstChannelSetDelay {
			wait = s.firstChannelSetDelay - elapsed
		}
	} else {
		elapsed := time.Since(s.lastChannelAt)
		if elapsed < s.minChannelChangeInterval {
			wait = s.minChannelChangeInterval - elapsed
		}
	}
	s.mut.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}

func (s *Source) recordChannelSet() {
	s.mut.Lock()
	s.lastChannelAt = time.Now()
	s.channelSets++
	s.mut.Unlock()
}
