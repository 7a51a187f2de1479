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
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/isdbgo/tsengine/internal/pubsub"
	"github.com/isdbgo/tsengine/logger"
)

// errorListenerPopTimeout bounds how long an OnError forwarding
// goroutine blocks on an empty queue before re-checking g.closing, so
// Finalize's unsubscribe is noticed promptly without busy-polling.
const errorListenerPopTimeout = 500 * time.Millisecond

var (
	ErrDuplicateID = errors.New("graph: duplicate filter id")
	ErrNotFound    = errors.New("graph: filter id not found")
	ErrStreaming   = errors.New("graph: wiring requires streaming to be stopped first")
)

// Connection wires filter `From`'s output index `FromOutput` to
// filter `To`'s input.
type Connection struct {
	From       uint32
	FromOutput int
	To         uint32
}

// ErrorEvent is broadcast to a Graph's error listeners when a filter
// reports a runtime error (e.g. a recorder write failure) that is
// localized to that filter rather than fatal to the graph.
type ErrorEvent struct {
	FilterID uint32
	Err      error
}

// Graph owns filter registration, wiring, and forward traversal. Its
// wiring operations (Connect/Disconnect) require the caller to have
// stopped streaming first, per the teacher-wide convention that
// structural changes and steady-state data flow never overlap.
type Graph struct {
	mut sync.RWMutex

	order   []uint32 // registration order, for EnumFilters
	filters map[uint32]Filter

	// outputs[id] holds the filters wired to id's outputs, indexed by
	// output index (nil entries are unwired slots).
	outputs map[uint32][]Filter

	events    *pubsub.PubSub
	closing   chan struct{}
	closeOnce sync.Once
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		filters: make(map[uint32]Filter),
		outputs: make(map[uint32][]Filter),
		events:  pubsub.New(),
		closing: make(chan struct{}),
	}
}

// Register adds a filter under its own ID, in the order filters are
// added — EnumFilters preserves this order.
func (g *Graph) Register(f Filter) error {
	g.mut.Lock()
	defer g.mut.Unlock()

	if _, exists := g.filters[f.ID()]; exists {
		return errors.Wrapf(ErrDuplicateID, "id=%d", f.ID())
	}
	g.filters[f.ID()] = f
	g.order = append(g.order, f.ID())
	return nil
}

// EnumFilters returns all registered filters in registration order.
func (g *Graph) EnumFilters() []Filter {
	g.mut.RLock()
	defer g.mut.RUnlock()

	out := make([]Filter, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.filters[id])
	}
	return out
}

// Get looks up a registered filter by id.
func (g *Graph) Get(id uint32) (Filter, bool) {
	g.mut.RLock()
	defer g.mut.RUnlock()
	f, ok := g.filters[id]
	return f, ok
}

// Connect wires a batch of connections atomically: either every
// connection resolves to a registered filter, or none are applied.
// Fails fast (no partial wiring, per spec's "wiring errors fail fast"
// failure model) if any filter in the graph is currently streaming.
func (g *Graph) Connect(conns []Connection) error {
	g.mut.Lock()
	defer g.mut.Unlock()

	for _, id := range g.order {
		if g.filters[id].IsStreaming() {
			return errors.Wrapf(ErrStreaming, "filter id=%d", id)
		}
	}

	for _, c := range conns {
		if _, ok := g.filters[c.From]; !ok {
			return errors.Wrapf(ErrNotFound, "from id=%d", c.From)
		}
		if _, ok := g.filters[c.To]; !ok {
			return errors.Wrapf(ErrNotFound, "to id=%d", c.To)
		}
	}

	for _, c := range conns {
		to := g.filters[c.To]
		slots := g.outputs[c.From]
		for len(slots) <= c.FromOutput {
			slots = append(slots, nil)
		}
		slots[c.FromOutput] = to
		g.outputs[c.From] = slots
	}
	return nil
}

// Disconnect isolates a filter for re-wiring: DirectionOutput clears
// everything wired downstream of id; DirectionInput clears every
// other filter's output slot that currently points at id.
func (g *Graph) Disconnect(id uint32, dir Direction) error {
	g.mut.Lock()
	defer g.mut.Unlock()

	if _, ok := g.filters[id]; !ok {
		return errors.Wrapf(ErrNotFound, "id=%d", id)
	}
	if g.filters[id].IsStreaming() {
		return errors.Wrapf(ErrStreaming, "filter id=%d", id)
	}

	switch dir {
	case DirectionOutput:
		delete(g.outputs, id)
	case DirectionInput:
		for from, slots := range g.outputs {
			for i, to := range slots {
				if to != nil && to.ID() == id {
					slots[i] = nil
				}
			}
			g.outputs[from] = slots
		}
	}
	return nil
}

// WalkGraph performs a depth-first forward traversal starting at root
// (or every filter with no registered connection pointing at it, if
// root is nil), honoring output-index order. visit returning false
// stops descending into that filter's outputs but does not abort
// sibling branches.
func (g *Graph) WalkGraph(visit func(Filter) bool, root Filter) {
	g.mut.RLock()
	defer g.mut.RUnlock()

	roots := []Filter{root}
	if root == nil {
		roots = g.impliedRootsLocked()
	}

	visited := make(map[uint32]bool)
	for _, r := range roots {
		g.walkLocked(r, visit, visited)
	}
}

func (g *Graph) impliedRootsLocked() []Filter {
	hasIncoming := make(map[uint32]bool)
	for _, slots := range g.outputs {
		for _, to := range slots {
			if to != nil {
				hasIncoming[to.ID()] = true
			}
		}
	}

	var roots []Filter
	for _, id := range g.order {
		if !hasIncoming[id] {
			roots = append(roots, g.filters[id])
		}
	}
	return roots
}

func (g *Graph) walkLocked(f Filter, visit func(Filter) bool, visited map[uint32]bool) {
	if f == nil || visited[f.ID()] {
		return
	}
	visited[f.ID()] = true
	if !visit(f) {
		return
	}
	for _, to := range g.outputs[f.ID()] {
		g.walkLocked(to, visit, visited)
	}
}

// OnError registers a listener invoked whenever ReportError is called
// for any filter in this graph. Each listener gets its own pubsub
// queue and forwarding goroutine.
func (g *Graph) OnError(f func(ErrorEvent)) {
	q := g.events.Subscribe(32)
	closing := g.closing
	go func() {
		for {
			select {
			case <-closing:
				q.Close()
				return
			default:
			}
			msg, ok := q.PopTimeout(errorListenerPopTimeout)
			if !ok {
				continue
			}
			if ev, ok := msg.(ErrorEvent); ok {
				f(ev)
			}
		}
	}()
}

// ReportError broadcasts a filter-local runtime error to every
// registered listener, without tearing down the graph — the failure
// model spec names as "localized to the filter".
func (g *Graph) ReportError(filterID uint32, err error) {
	logger.WarnAdvise("check the filter's own error state for detail",
		"graph: filter id=%d reported a runtime error: %v", filterID, err)

	g.events.Publish(ErrorEvent{FilterID: filterID, Err: err})
}

// StartStreaming calls StartStreaming on every registered filter, in
// registration order.
func (g *Graph) StartStreaming() error {
	for _, f := range g.EnumFilters() {
		if err := f.StartStreaming(); err != nil {
			return errors.Wrapf(err, "filter id=%d", f.ID())
		}
	}
	return nil
}

// StopStreaming calls StopStreaming on every registered filter, in
// reverse registration order (downstream-first, mirroring teardown
// order for a forward-wired graph).
func (g *Graph) StopStreaming() error {
	fs := g.EnumFilters()
	for i := len(fs) - 1; i >= 0; i-- {
		if err := fs[i].StopStreaming(); err != nil {
			return errors.Wrapf(err, "filter id=%d", fs[i].ID())
		}
	}
	return nil
}

// Finalize calls Finalize on every registered filter, collecting every
// failure rather than stopping at the first one: a recorder filter
// failing to close one task's writer should not stop its siblings
// from being torn down too.
func (g *Graph) Finalize() error {
	g.closeOnce.Do(func() { close(g.closing) })

	var merr *multierror.Error
	for _, f := range g.EnumFilters() {
		if err := f.Finalize(); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "filter id=%d", f.ID()))
		}
	}
	return merr.ErrorOrNil()
}

// ResetGraph calls ResetGraph on every registered filter.
func (g *Graph) ResetGraph() error {
	for _, f := range g.EnumFilters() {
		if err := f.ResetGraph(); err != nil {
			return errors.Wrapf(err, "filter id=%d", f.ID())
		}
	}
	return nil
}

// SetActiveServiceID broadcasts the active service id to every filter.
func (g *Graph) SetActiveServiceID(serviceID uint16) {
	for _, f := range g.EnumFilters() {
		f.SetActiveServiceID(serviceID)
	}
}

// SetActiveVideoPID broadcasts the active video PID to every filter.
func (g *Graph) SetActiveVideoPID(pid uint16, changed bool) {
	for _, f := range g.EnumFilters() {
		f.SetActiveVideoPID(pid, changed)
	}
}

// SetActiveAudioPID broadcasts the active audio PID to every filter.
func (g *Graph) SetActiveAudioPID(pid uint16, changed bool) {
	for _, f := range g.EnumFilters() {
		f.SetActiveAudioPID(pid, changed)
	}
}
