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

package recorder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdbgo/tsengine/internal/storage"
)

func buildPacket(pid uint16, marker byte) []byte {
	p := make([]byte, 188)
	p[0] = 0x47
	p[1] = byte(pid>>8) & 0x1F
	p[2] = byte(pid)
	p[3] = 0x10 // payload only, continuity 0
	for i := 4; i < len(p); i++ {
		p[i] = marker
	}
	return p
}

type fakeWriter struct {
	mut     sync.Mutex
	chunks  [][]byte
	valid   bool
	closed  bool
	failing bool
}

func newFakeWriter() *fakeWriter { return &fakeWriter{valid: true} }

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.failing {
		return 0, assert.AnError
	}
	w.chunks = append(w.chunks, append([]byte(nil), p...))
	return len(p), nil
}

func (w *fakeWriter) Valid() bool {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.valid
}

func (w *fakeWriter) Close() error {
	w.mut.Lock()
	defer w.mut.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) count() int {
	w.mut.Lock()
	defer w.mut.Unlock()
	return len(w.chunks)
}

func newMgr() *storage.Manager { return storage.NewManager(storage.KindMemory, "") }

func TestDirectWriteTaskForwardsAdmittedPacketSynchronously(t *testing.T) {
	f := New(1, "rec", newMgr())
	w := newFakeWriter()
	_, err := f.AddTask(TaskConfig{Selector: StreamFlags{Video: true}}, w)
	require.NoError(t, err)

	f.SetActiveVideoPID(0x100, true)
	require.NoError(t, f.ProcessData(buildPacket(0x100, 0xAA)))
	require.NoError(t, f.ProcessData(buildPacket(0x200, 0xBB))) // not selected

	assert.Equal(t, 1, w.count())
}

func TestPausedTaskDropsPackets(t *testing.T) {
	f := New(1, "rec", newMgr())
	w := newFakeWriter()
	task, err := f.AddTask(TaskConfig{Selector: StreamFlags{Video: true}}, w)
	require.NoError(t, err)
	task.SetPaused(true)

	f.SetActiveVideoPID(0x100, true)
	require.NoError(t, f.ProcessData(buildPacket(0x100, 0xAA)))

	assert.Equal(t, 0, w.count())
}

func TestSelectorAdmitsExtraPIDsForCaptionAndData(t *testing.T) {
	f := New(1, "rec", newMgr())
	w := newFakeWriter()
	_, err := f.AddTask(TaskConfig{
		Selector:  StreamFlags{Caption: true},
		ExtraPIDs: []uint16{0x30},
	}, w)
	require.NoError(t, err)

	require.NoError(t, f.ProcessData(buildPacket(0x30, 0xCC)))
	require.NoError(t, f.ProcessData(buildPacket(0x31, 0xCC)))

	assert.Equal(t, 1, w.count())
}

func TestWriteErrorReportsOncePerTransition(t *testing.T) {
	f := New(1, "rec", newMgr())
	w := newFakeWriter()
	w.failing = true

	var mut sync.Mutex
	var calls int
	f.OnWriteError(func(taskID string, err error) {
		mut.Lock()
		defer mut.Unlock()
		calls++
	})

	task, err := f.AddTask(TaskConfig{Selector: StreamFlags{Video: true}}, w)
	require.NoError(t, err)
	f.SetActiveVideoPID(0x100, true)

	require.NoError(t, f.ProcessData(buildPacket(0x100, 1)))
	require.NoError(t, f.ProcessData(buildPacket(0x100, 2)))

	mut.Lock()
	gotCalls := calls
	mut.Unlock()
	assert.Equal(t, 1, gotCalls, "listener fires once per error transition, not once per packet")
	assert.Equal(t, uint64(2), task.WriteErrors(), "counter bumps on every failed write")
}

func TestReopenSwapsWriterAndClosesOld(t *testing.T) {
	f := New(1, "rec", newMgr())
	w1 := newFakeWriter()
	task, err := f.AddTask(TaskConfig{Selector: StreamFlags{Video: true}}, w1)
	require.NoError(t, err)
	f.SetActiveVideoPID(0x100, true)
	require.NoError(t, f.ProcessData(buildPacket(0x100, 1)))

	w2 := newFakeWriter()
	require.NoError(t, task.Reopen(w2, true, time.Second))

	require.NoError(t, f.ProcessData(buildPacket(0x100, 2)))

	assert.True(t, w1.closed)
	assert.Equal(t, 1, w1.count())
	assert.Equal(t, 1, w2.count())
}

func TestPendingBufferDrainsThroughDataStreamer(t *testing.T) {
	f := New(1, "rec", newMgr())
	w := newFakeWriter()
	task, err := f.AddTask(TaskConfig{
		Selector:       StreamFlags{Video: true},
		MaxPendingSize: 1 << 20,
	}, w)
	require.NoError(t, err)
	f.SetActiveVideoPID(0x100, true)
	require.NoError(t, f.StartStreaming())
	defer f.StopStreaming()

	require.NoError(t, f.ProcessData(buildPacket(0x100, 9)))
	assert.Eventually(t, func() bool { return w.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, task.PendingBytes())
	assert.NotZero(t, task.LastWriteUnix(), "LastWriteUnix is stamped once the DataStreamer writes through")
}

func TestServiceChangeClearsPendingWhenConfigured(t *testing.T) {
	f := New(1, "rec", newMgr())
	w := newFakeWriter()
	task, err := f.AddTask(TaskConfig{
		Selector:                     StreamFlags{Video: true},
		MaxPendingSize:               1 << 20,
		FollowActiveService:          true,
		ClearPendingOnServiceChanged: true,
	}, w)
	require.NoError(t, err)
	f.SetActiveVideoPID(0x100, true)

	require.NoError(t, f.ProcessData(buildPacket(0x100, 1)))
	require.Greater(t, task.PendingBytes(), 0)

	f.SetActiveServiceID(7)
	assert.Equal(t, 0, task.PendingBytes())
}

func TestRemoveTaskClosesWriter(t *testing.T) {
	f := New(1, "rec", newMgr())
	w := newFakeWriter()
	task, err := f.AddTask(TaskConfig{Selector: StreamFlags{Video: true}}, w)
	require.NoError(t, err)

	require.NoError(t, f.RemoveTask(task.ID()))
	assert.True(t, w.closed)

	_, ok := f.Task(task.ID())
	assert.False(t, ok)
}
