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

// Package recorder implements the RecorderFilter: a graph.Filter that
// multiplexes N concurrent recording tasks against a single incoming
// transport stream, each with its own stream selector and optional
// pending buffer. The writer-registry shape (CreateFunc map keyed by
// name, Register/Get) mirrors the teacher's exporter.Sinker factory.
package recorder

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/isdbgo/tsengine/common"
	"github.com/isdbgo/tsengine/common/ts"
	"github.com/isdbgo/tsengine/graph"
	"github.com/isdbgo/tsengine/internal/storage"
	"github.com/isdbgo/tsengine/internal/streambuf"
	"github.com/isdbgo/tsengine/internal/streamer"
	"github.com/isdbgo/tsengine/logger"
)

// minWriteCacheSize 是 write-cache 的强制下限 (§4.K)
const minWriteCacheSize = 1024

// defaultPendingBlockSize 是 pending buffer 的固定 block 大小 (§4.K: 1 MiB)
const defaultPendingBlockSize = 1 << 20

var (
	ErrTaskExists   = errors.New("recorder: task id already exists")
	ErrTaskNotFound = errors.New("recorder: task id not found")
	ErrNoWriter     = errors.New("recorder: task has no writer attached")
)

// Writer is the output endpoint a recording task feeds through its
// DataStreamer (a file, a socket, anything append-only).
type Writer interface {
	Write(p []byte) (int, error)
	// Valid reports whether the writer can still accept data (e.g. a
	// file handle that was closed out from under the task).
	Valid() bool
	Close() error
}

// CreateWriterFunc builds a Writer from a task's resolved config, the
// way exporter.CreateFunc builds a Sinker from exporter.Config.
type CreateWriterFunc func(TaskConfig) (Writer, error)

var (
	writerFactoryMut sync.RWMutex
	writerFactory    = map[string]CreateWriterFunc{}
)

// RegisterWriter adds a named writer constructor to the package-level
// registry, the way exporter.Register adds a Sinker constructor.
func RegisterWriter(kind string, fn CreateWriterFunc) {
	writerFactoryMut.Lock()
	defer writerFactoryMut.Unlock()
	writerFactory[kind] = fn
}

// GetWriterFactory looks up a registered writer constructor by kind.
func GetWriterFactory(kind string) CreateWriterFunc {
	writerFactoryMut.RLock()
	defer writerFactoryMut.RUnlock()
	return writerFactory[kind]
}

// StreamFlags is the video/audio/caption/data subset a task records.
type StreamFlags struct {
	Video   bool
	Audio   bool
	Caption bool
	Data    bool
}

// TaskConfig is a recording task's full configuration, decodable from
// a loosely-typed common.Options bag via Decode.
type TaskConfig struct {
	ID                           string
	ServiceID                    uint16
	FollowActiveService          bool
	Selector                     StreamFlags
	ExtraPIDs                    []uint16 // caption/data PIDs outside the active video/audio pair
	WriterKind                   string
	MaxPendingSize               int // bytes; 0 disables the pending buffer (direct-to-writer)
	WriteCacheSize               int // bytes; floored to minWriteCacheSize
	ClearPendingOnServiceChanged bool
}

// Decode populates cfg from a loosely-typed option bag, the way
// common.Options.Decode was added for this exact call site.
func Decode(o common.Options, cfg *TaskConfig) error {
	return o.Decode(cfg)
}

// Task is one recording task: a stream selector, an optional pending
// buffer, and the DataStreamer/Writer pair that drains it.
type Task struct {
	mut sync.Mutex

	id     string
	cfg    TaskConfig
	paused bool

	mgr     *storage.Manager
	pending *streambuf.StreamBuffer
	sink    *writerSink
	ds      *streamer.DataStreamer

	writeErrors uint64
	errState    bool

	onWriteError func(err error)
}

// writerSink adapts a swappable Writer into streamer.Sink, so a
// task's writer can be reopened without tearing down its DataStreamer.
type writerSink struct {
	mut     sync.Mutex
	w       Writer
	lastErr error
}

func (ws *writerSink) set(w Writer) Writer {
	ws.mut.Lock()
	defer ws.mut.Unlock()
	old := ws.w
	ws.w = w
	return old
}

func (ws *writerSink) current() Writer {
	ws.mut.Lock()
	defer ws.mut.Unlock()
	return ws.w
}

func (ws *writerSink) OutputData(p []byte) (int, error) {
	w := ws.current()
	if w == nil {
		ws.mut.Lock()
		ws.lastErr = ErrNoWriter
		ws.mut.Unlock()
		return 0, ErrNoWriter
	}
	n, err := w.Write(p)
	ws.mut.Lock()
	ws.lastErr = err
	ws.mut.Unlock()
	return n, err
}

func (ws *writerSink) IsOutputValid() bool {
	w := ws.current()
	return w != nil && w.Valid()
}

func (ws *writerSink) takeLastErr() error {
	ws.mut.Lock()
	defer ws.mut.Unlock()
	return ws.lastErr
}

// newTask builds a Task for cfg, wiring up its pending buffer and
// DataStreamer if cfg.MaxPendingSize > 0.
func newTask(cfg TaskConfig, w Writer, mgr *storage.Manager) (*Task, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.WriteCacheSize < minWriteCacheSize {
		cfg.WriteCacheSize = minWriteCacheSize
	}

	t := &Task{
		id:   cfg.ID,
		cfg:  cfg,
		mgr:  mgr,
		sink: &writerSink{w: w},
	}

	if cfg.MaxPendingSize > 0 {
		maxBlocks := cfg.MaxPendingSize / defaultPendingBlockSize
		if maxBlocks < 1 {
			maxBlocks = 1
		}
		sb, err := streambuf.New(mgr, defaultPendingBlockSize, 1, maxBlocks)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s: pending buffer", cfg.ID)
		}
		t.pending = sb
		t.ds = streamer.New(cfg.ID, sb, t.sink, cfg.WriteCacheSize)
		t.ds.OnError(t.noteErrorTransition)
	}

	return t, nil
}

// noteErrorTransition is called by the DataStreamer at most once per
// normal->error transition; it bumps the counter and forwards to the
// recorder's on_write_error listeners.
func (t *Task) noteErrorTransition() {
	t.mut.Lock()
	t.writeErrors++
	err := t.sink.takeLastErr()
	cb := t.onWriteError
	t.mut.Unlock()

	if cb != nil {
		cb(err)
	}
}

// ID returns the task's identifier.
func (t *Task) ID() string { return t.id }

// Paused reports whether the task is currently paused.
func (t *Task) Paused() bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.paused
}

// SetPaused toggles the paused flag; a paused task drops every packet
// without touching its pending buffer or writer.
func (t *Task) SetPaused(paused bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.paused = paused
}

// WriteErrors returns the task's cumulative write-error count. Without
// a pending buffer every failed write bumps it; with one, it is bumped
// once per normal->error transition the DataStreamer reports.
func (t *Task) WriteErrors() uint64 {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.writeErrors
}

// LastWriteUnix returns the unix timestamp of the task's most recent
// successful write (0 if it has never written or has no pending
// buffer/streamer of its own).
func (t *Task) LastWriteUnix() int64 {
	if t.ds == nil {
		return 0
	}
	return t.ds.Stats().LastWriteUnix
}

// PendingBytes returns the number of bytes currently buffered in the
// task's pending buffer (0 if it has none).
func (t *Task) PendingBytes() int {
	if t.pending == nil {
		return 0
	}
	return t.pending.TotalBytes()
}

// admits reports whether the task's stream selector accepts a packet
// on pid, given the graph's current active video/audio PIDs.
func (t *Task) admits(pid ts.PID, videoPID, audioPID uint16) bool {
	sel := t.cfg.Selector
	if sel.Video && uint16(pid) == videoPID {
		return true
	}
	if sel.Audio && uint16(pid) == audioPID {
		return true
	}
	if sel.Caption || sel.Data {
		for _, extra := range t.cfg.ExtraPIDs {
			if uint16(pid) == extra {
				return true
			}
		}
	}
	return false
}

// push hands one admitted packet to the task: into the pending buffer
// if one exists, or straight to the writer otherwise.
func (t *Task) push(data []byte) {
	t.mut.Lock()
	paused := t.paused
	t.mut.Unlock()
	if paused {
		return
	}

	if t.pending != nil {
		t.pending.PushBack(data)
		t.ds.Notify()
		return
	}

	n, err := t.sink.OutputData(data)
	if err != nil || n < len(data) {
		t.mut.Lock()
		already := t.errState
		t.errState = true
		t.writeErrors++
		cb := t.onWriteError
		t.mut.Unlock()
		if !already && cb != nil {
			cb(err)
		}
		return
	}
	t.mut.Lock()
	t.errState = false
	t.mut.Unlock()
}

// onServiceChanged applies cfg.ClearPendingOnServiceChanged when the
// recorder's active service id changes and this task follows it.
func (t *Task) onServiceChanged() {
	if !t.cfg.FollowActiveService || !t.cfg.ClearPendingOnServiceChanged {
		return
	}
	if t.pending != nil {
		t.pending.Clear()
	}
}

// start spins up the task's DataStreamer worker, if it has one.
func (t *Task) start() {
	if t.ds != nil {
		t.ds.Run()
	}
}

// stop tears down the task's DataStreamer worker, if it has one.
func (t *Task) stop() {
	if t.ds != nil {
		t.ds.Stop()
	}
}

// Reopen atomically swaps the task's writer. With allowDataLoss=false
// it flushes the currently buffered bytes through the old writer
// first (bounded by timeout); with allowDataLoss=true it swaps
// immediately and discards whatever was still in flight, per the
// documented "flush or accept data loss" reopen contract.
func (t *Task) Reopen(w Writer, allowDataLoss bool, timeout time.Duration) error {
	if t.ds != nil && !allowDataLoss {
		if err := t.ds.Flush(timeout); err != nil {
			return err
		}
	}
	old := t.sink.set(w)
	if old != nil {
		old.Close()
	}
	return nil
}

// Close stops the task's worker and releases its writer.
func (t *Task) Close() error {
	t.stop()
	if w := t.sink.set(nil); w != nil {
		return w.Close()
	}
	return nil
}

// RecorderFilter is a graph.Filter that fans every input packet out to
// its registered tasks, each independently selecting and buffering a
// subset of the stream.
type RecorderFilter struct {
	graph.FilterBase

	mgr *storage.Manager

	mut             sync.RWMutex
	tasks           map[string]*Task
	order           []string
	activeServiceID uint16
	activeVideoPID  uint16
	activeAudioPID  uint16

	listeners []func(taskID string, err error)
}

// New returns a RecorderFilter. mgr backs every task's pending buffer.
func New(id uint32, name string, mgr *storage.Manager) *RecorderFilter {
	return &RecorderFilter{
		FilterBase: graph.NewFilterBase(id, name),
		mgr:        mgr,
		tasks:      make(map[string]*Task),
	}
}

// OnWriteError registers a listener invoked whenever a task's writer
// transitions from healthy to failing (on_write_error, §4.K).
func (f *RecorderFilter) OnWriteError(fn func(taskID string, err error)) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *RecorderFilter) broadcastWriteError(taskID string, err error) {
	f.mut.RLock()
	listeners := make([]func(string, error), len(f.listeners))
	copy(listeners, f.listeners)
	f.mut.RUnlock()

	logger.WarnAdvise("check the task's target writer (disk space, permissions, connectivity)",
		"recorder: task %s write failed: %v", taskID, err)
	for _, l := range listeners {
		l(taskID, err)
	}
}

// AddTask registers a new recording task. Returns ErrTaskExists if
// cfg.ID is already in use.
func (f *RecorderFilter) AddTask(cfg TaskConfig, w Writer) (*Task, error) {
	task, err := newTask(cfg, w, f.mgr)
	if err != nil {
		return nil, err
	}

	f.mut.Lock()
	defer f.mut.Unlock()
	if _, exists := f.tasks[task.id]; exists {
		return nil, errors.Wrapf(ErrTaskExists, "id=%s", task.id)
	}
	taskID := task.id
	task.onWriteError = func(err error) { f.broadcastWriteError(taskID, err) }

	f.tasks[task.id] = task
	f.order = append(f.order, task.id)

	if f.IsStreaming() {
		task.start()
	}
	return task, nil
}

// RemoveTask stops and releases a task.
func (f *RecorderFilter) RemoveTask(id string) error {
	f.mut.Lock()
	task, ok := f.tasks[id]
	if !ok {
		f.mut.Unlock()
		return errors.Wrapf(ErrTaskNotFound, "id=%s", id)
	}
	delete(f.tasks, id)
	for i, tid := range f.order {
		if tid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	f.mut.Unlock()

	return task.Close()
}

// Task looks up a registered task by id.
func (f *RecorderFilter) Task(id string) (*Task, bool) {
	f.mut.RLock()
	defer f.mut.RUnlock()
	t, ok := f.tasks[id]
	return t, ok
}

// Tasks returns every registered task in registration order.
func (f *RecorderFilter) Tasks() []*Task {
	f.mut.RLock()
	defer f.mut.RUnlock()
	out := make([]*Task, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.tasks[id])
	}
	return out
}

// ProcessData parses data as a 188-byte TS packet and dispatches it to
// every registered task (§4.K step 1-2): a paused task drops it, an
// unpaused one runs it through its own selector before pushing.
func (f *RecorderFilter) ProcessData(data []byte) error {
	pkt, err := ts.Parse(data)
	if err != nil {
		return err
	}

	f.mut.RLock()
	videoPID, audioPID := f.activeVideoPID, f.activeAudioPID
	tasks := make([]*Task, 0, len(f.order))
	for _, id := range f.order {
		tasks = append(tasks, f.tasks[id])
	}
	f.mut.RUnlock()

	pid := pkt.PID()
	for _, t := range tasks {
		if t.Paused() {
			continue
		}
		if t.admits(pid, videoPID, audioPID) {
			t.push(pkt.Bytes())
		}
	}
	return nil
}

// SetActiveServiceID records the active service and, for every task
// that follows it with ClearPendingOnServiceChanged set, discards that
// task's pending buffer.
func (f *RecorderFilter) SetActiveServiceID(serviceID uint16) {
	f.mut.Lock()
	changed := serviceID != f.activeServiceID
	f.activeServiceID = serviceID
	tasks := make([]*Task, 0, len(f.order))
	for _, id := range f.order {
		tasks = append(tasks, f.tasks[id])
	}
	f.mut.Unlock()

	if !changed {
		return
	}
	for _, t := range tasks {
		t.onServiceChanged()
	}
}

// SetActiveVideoPID records the graph's active video PID.
func (f *RecorderFilter) SetActiveVideoPID(pid uint16, changed bool) {
	f.mut.Lock()
	f.activeVideoPID = pid
	f.mut.Unlock()
}

// SetActiveAudioPID records the graph's active audio PID.
func (f *RecorderFilter) SetActiveAudioPID(pid uint16, changed bool) {
	f.mut.Lock()
	f.activeAudioPID = pid
	f.mut.Unlock()
}

// StartStreaming starts every task's DataStreamer worker in addition
// to the base FilterBase bookkeeping.
func (f *RecorderFilter) StartStreaming() error {
	f.mut.RLock()
	tasks := make([]*Task, 0, len(f.order))
	for _, id := range f.order {
		tasks = append(tasks, f.tasks[id])
	}
	f.mut.RUnlock()

	for _, t := range tasks {
		t.start()
	}
	return f.FilterBase.StartStreaming()
}

// StopStreaming stops every task's DataStreamer worker in addition to
// the base FilterBase bookkeeping.
func (f *RecorderFilter) StopStreaming() error {
	f.mut.RLock()
	tasks := make([]*Task, 0, len(f.order))
	for _, id := range f.order {
		tasks = append(tasks, f.tasks[id])
	}
	f.mut.RUnlock()

	for _, t := range tasks {
		t.stop()
	}
	return f.FilterBase.StopStreaming()
}

// Finalize closes every task's writer, aggregating every close error.
func (f *RecorderFilter) Finalize() error {
	f.mut.RLock()
	tasks := make([]*Task, 0, len(f.order))
	for _, id := range f.order {
		tasks = append(tasks, f.tasks[id])
	}
	f.mut.RUnlock()

	var merr *multierror.Error
	for _, t := range tasks {
		if err := t.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
