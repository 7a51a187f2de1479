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

package graph

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFilter struct {
	FilterBase
	processed [][]byte
}

func newStubFilter(id uint32, name string) *stubFilter {
	f := &stubFilter{FilterBase: NewFilterBase(id, name)}
	return f
}

func (f *stubFilter) ProcessData(data []byte) error {
	f.processed = append(f.processed, data)
	return nil
}

type failingFinalizeFilter struct {
	FilterBase
}

func (f *failingFinalizeFilter) ProcessData([]byte) error { return nil }
func (f *failingFinalizeFilter) Finalize() error          { return assert.AnError }

func TestRegisterRejectsDuplicateID(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(newStubFilter(1, "a")))
	err := g.Register(newStubFilter(1, "b"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestEnumFiltersPreservesRegistrationOrder(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(newStubFilter(3, "third")))
	require.NoError(t, g.Register(newStubFilter(1, "first")))
	require.NoError(t, g.Register(newStubFilter(2, "second")))

	got := g.EnumFilters()
	require.Len(t, got, 3)
	assert.Equal(t, []uint32{3, 1, 2}, []uint32{got[0].ID(), got[1].ID(), got[2].ID()})
}

func TestWalkGraphVisitsForwardInOutputOrder(t *testing.T) {
	g := New()
	src := newStubFilter(1, "source")
	a := newStubFilter(2, "a")
	b := newStubFilter(3, "b")
	require.NoError(t, g.Register(src))
	require.NoError(t, g.Register(a))
	require.NoError(t, g.Register(b))

	require.NoError(t, g.Connect([]Connection{
		{From: 1, FromOutput: 0, To: 2},
		{From: 1, FromOutput: 1, To: 3},
	}))

	var visited []uint32
	g.WalkGraph(func(f Filter) bool {
		visited = append(visited, f.ID())
		return true
	}, nil)

	assert.Equal(t, []uint32{1, 2, 3}, visited, "root (no incoming edge) visited first, then outputs in index order")
}

func TestDisconnectOutputIsolatesDownstream(t *testing.T) {
	g := New()
	src := newStubFilter(1, "source")
	a := newStubFilter(2, "a")
	require.NoError(t, g.Register(src))
	require.NoError(t, g.Register(a))
	require.NoError(t, g.Connect([]Connection{{From: 1, FromOutput: 0, To: 2}}))

	require.NoError(t, g.Disconnect(1, DirectionOutput))

	var visited []uint32
	g.WalkGraph(func(f Filter) bool {
		visited = append(visited, f.ID())
		return true
	}, src)
	assert.Equal(t, []uint32{1}, visited)
}

func TestConnectFailsWhileStreaming(t *testing.T) {
	g := New()
	src := newStubFilter(1, "source")
	require.NoError(t, g.Register(src))
	require.NoError(t, src.StartStreaming())

	err := g.Connect([]Connection{{From: 1, FromOutput: 0, To: 1}})
	assert.ErrorIs(t, err, ErrStreaming)
}

func TestFinalizeAggregatesEveryFilterError(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(&failingFinalizeFilter{FilterBase: NewFilterBase(1, "a")}))
	require.NoError(t, g.Register(&failingFinalizeFilter{FilterBase: NewFilterBase(2, "b")}))

	err := g.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id=1")
	assert.Contains(t, err.Error(), "id=2")
}

func TestReportErrorBroadcastsToListeners(t *testing.T) {
	g := New()
	var mut sync.Mutex
	var got ErrorEvent
	g.OnError(func(ev ErrorEvent) {
		mut.Lock()
		defer mut.Unlock()
		got = ev
	})

	g.ReportError(42, assert.AnError)

	assert.Eventually(t, func() bool {
		mut.Lock()
		defer mut.Unlock()
		return got.FilterID == 42
	}, 2*time.Second, 10*time.Millisecond, "listener is forwarded the event through its pubsub queue")

	mut.Lock()
	defer mut.Unlock()
	assert.ErrorIs(t, got.Err, assert.AnError)
}
