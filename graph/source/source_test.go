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

package source

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMedium serves chunks pushed onto an internal channel, so a test
// controls exactly when data becomes available relative to Start/Stop.
type fakeMedium struct {
	ch chan []byte

	mut      sync.Mutex
	channels [][2]uint32
	closed   bool
}

func newFakeMedium() *fakeMedium {
	return &fakeMedium{ch: make(chan []byte, 16)}
}

func (m *fakeMedium) push(chunk []byte) { m.ch <- chunk }

func (m *fakeMedium) Open() error  { return nil }
func (m *fakeMedium) Close() error { m.mut.Lock(); m.closed = true; m.mut.Unlock(); return nil }

func (m *fakeMedium) Read(buf []byte) (int, error) {
	select {
	case chunk := <-m.ch:
		return copy(buf, chunk), nil
	case <-time.After(time.Millisecond):
		return 0, nil
	}
}

func (m *fakeMedium) SetChannel(ch [2]uint32) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.channels = append(m.channels, ch)
	return nil
}

type fakeSink struct {
	mut      sync.Mutex
	received [][]byte
}

func (s *fakeSink) ProcessData(data []byte) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.received = append(s.received, append([]byte(nil), data...))
	return nil
}

func (s *fakeSink) count() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.received)
}

func TestPushSourceForwardsOnlyWhileStreaming(t *testing.T) {
	medium := newFakeMedium()
	sink := &fakeSink{}
	src := New(1, "push", ModePush, medium, sink, 0, 0)

	require.NoError(t, src.Open())
	defer src.Close()

	medium.push([]byte("dropped-before-start"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, sink.count(), "no data forwarded before StartStreaming")

	require.NoError(t, src.StartStreaming())
	medium.push([]byte("a"))
	medium.push([]byte("b"))
	medium.push([]byte("c"))
	assert.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, time.Millisecond)

	require.NoError(t, src.StopStreaming())
}

func TestOpenTwiceFails(t *testing.T) {
	medium := newFakeMedium()
	src := New(1, "push", ModePush, medium, nil, 0, 0)
	require.NoError(t, src.Open())
	defer src.Close()

	err := src.Open()
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestCloseOnClosedSourceIsNoop(t *testing.T) {
	medium := newFakeMedium()
	src := New(1, "push", ModePush, medium, nil, 0, 0)
	assert.NoError(t, src.Close())
}

func TestPullSourceFetchReadsSynchronously(t *testing.T) {
	medium := newFakeMedium()
	medium.push([]byte("hello"))
	src := New(1, "pull", ModePull, medium, nil, 0, 0)
	require.NoError(t, src.Open())
	defer src.Close()

	got, err := src.Fetch(16)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestSetChannelHonorsFirstDelay(t *testing.T) {
	medium := newFakeMedium()
	src := New(1, "push", ModePush, medium, nil, 30*time.Millisecond, 0)
	require.NoError(t, src.Open())
	defer src.Close()

	start := time.Now()
	require.NoError(t, src.SetChannel([2]uint32{1, 2}, time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}
