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

// Package streamer pumps a streambuf.StreamBuffer into a caller-defined
// output sink through a fixed-size write cache, generalizing the
// teacher's connstream chunkWriter (which slices a completed payload
// into bounded writes) into a standing worker that tails a live,
// still-growing buffer.
package streamer

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isdbgo/tsengine/common"
	"github.com/isdbgo/tsengine/internal/databuffer"
	"github.com/isdbgo/tsengine/internal/fasttime"
	"github.com/isdbgo/tsengine/internal/guard"
	"github.com/isdbgo/tsengine/internal/streambuf"
	"github.com/isdbgo/tsengine/logger"
)

// ErrFlushTimeout 表示 Flush 在 deadline 之前未能排空输入
var ErrFlushTimeout = errors.New("streamer: flush timed out before input drained")

var (
	inputBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "streamer",
		Name:      "input_bytes_total",
		Help:      "bytes pulled from the upstream stream buffer",
	}, []string{"name"})
	outputBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "streamer",
		Name:      "output_bytes_total",
		Help:      "bytes accepted by the output sink",
	}, []string{"name"})
	outputCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "streamer",
		Name:      "output_calls_total",
		Help:      "number of OutputData invocations",
	}, []string{"name"})
	outputErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "streamer",
		Name:      "output_errors_total",
		Help:      "OutputData invocations that wrote fewer bytes than requested or errored",
	}, []string{"name"})
)

// Sink 是 DataStreamer 的输出目标 由调用方 (录制任务 文件/网络写端) 实现
type Sink interface {
	// OutputData 尝试写出 p 返回实际写入的字节数
	//
	// 允许部分写入: DataStreamer 会将未写完的部分前移并在下一 tick 重试
	OutputData(p []byte) (int, error)

	// IsOutputValid 返回输出端是否仍然可用 (例如文件/连接已关闭则返回 false)
	IsOutputValid() bool
}

// Stats 是 DataStreamer 运行期间累计的统计数据
type Stats struct {
	InputBytes   uint64
	OutputBytes  uint64
	OutputCalls  uint64
	OutputErrors uint64

	// LastWriteUnix 是最近一次成功写出数据的 unix 时间戳
	// 取自 fasttime (每 tick 都可能更新 不值得为此调用 time.Now())
	LastWriteUnix int64
}

// DataStreamer 单线程协作式 worker: 从 StreamBuffer 拉取数据
// 经由固定大小的 write cache 推送给 Sink
//
// 对应 libisdb 的 DataStreamer 但推送/拉取之间的耦合换成了
// teacher connstream.chunkWriter 那种 "按块写出 每次都驱动回调" 的风格
type DataStreamer struct {
	name string
	sb   *streambuf.StreamBuffer
	sink Sink

	mut    sync.Mutex
	cache  *databuffer.DataBuffer
	rd     uint64
	hasRd  bool
	pos    int64
	paused bool

	errState bool // 是否已经处于 "输出错误" 状态 (用于只在状态转换时通知一次)
	onError  func()

	stats Stats

	tickCh chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// New 创建一个 DataStreamer cacheSize 是 write cache 的容量
func New(name string, sb *streambuf.StreamBuffer, sink Sink, cacheSize int) *DataStreamer {
	ds := &DataStreamer{
		name:   name,
		sb:     sb,
		sink:   sink,
		cache:  databuffer.NewWithCapacity(cacheSize),
		pos:    streambuf.PosBegin,
		tickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	ds.rd = sb.NewReader()
	ds.hasRd = true
	return ds
}

// OnError 注册一个回调 在输出从正常转入错误状态时调用一次
func (ds *DataStreamer) OnError(f func()) {
	ds.mut.Lock()
	defer ds.mut.Unlock()
	ds.onError = f
}

// Run 启动后台 worker goroutine 每次有新输入到来时驱动一次 tick
// 返回的 stop 函数用于终止 worker
func (ds *DataStreamer) Run() (stop func()) {
	guard.Go(func() {
		defer close(ds.done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ds.stopCh:
				return
			case <-ds.tickCh:
				ds.tick()
			case <-ticker.C:
				ds.tick()
			}
		}
	})
	return ds.Stop
}

// Stop 终止 worker goroutine 并等待其退出
func (ds *DataStreamer) Stop() {
	select {
	case <-ds.stopCh:
	default:
		close(ds.stopCh)
	}
	<-ds.done
}

// Notify 提示 DataStreamer 有新数据到来 用于在生产者写入后加速一次 tick
// 非阻塞: worker 繁忙时静默丢弃这次提示 下一次 tick 仍会看到全部数据
func (ds *DataStreamer) Notify() {
	select {
	case ds.tickCh <- struct{}{}:
	default:
	}
}

// Pause 丢弃当前输入 reader 缓冲区继续按其 block 限制累积数据
func (ds *DataStreamer) Pause() {
	ds.mut.Lock()
	defer ds.mut.Unlock()

	if ds.hasRd {
		ds.sb.RemoveReader(ds.rd)
		ds.hasRd = false
	}
	ds.paused = true
}

// Resume 重新打开一个定位在当前队尾的 reader (只看新数据)
func (ds *DataStreamer) Resume() {
	ds.mut.Lock()
	defer ds.mut.Unlock()

	if !ds.hasRd {
		ds.rd = ds.sb.NewReader()
		ds.sb.SetReaderPos(ds.rd, ds.sb.SerialPos())
		ds.pos = ds.sb.SerialPos()
		ds.hasRd = true
	}
	ds.paused = false
}

// Flush 驱动循环直到输入排空或 timeout 耗尽 返回 ErrFlushTimeout
// 超时时不会丢失输入数据: reader 位置未被提交越过未读数据
func (ds *DataStreamer) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		drained := ds.tick()
		if drained {
			return nil
		}
		if time.Now().After(deadline) {
			logger.WarnAdvise("increase the flush timeout or check the output sink for backpressure",
				"streamer %q: flush timed out with input still pending", ds.name)
			return ErrFlushTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// tick 执行一个调度周期 返回 true 表示输入已排空且 cache 已清空
func (ds *DataStreamer) tick() bool {
	ds.mut.Lock()
	defer ds.mut.Unlock()

	if ds.paused || !ds.hasRd {
		return true
	}

	// 1. 读取输入到 cache 直到写满或输入耗尽
	for ds.cache.Size() < ds.cache.Capacity() {
		chunk := make([]byte, ds.cache.Capacity()-ds.cache.Size())
		n := ds.sb.Read(&ds.pos, chunk)
		if n == 0 {
			break
		}
		ds.cache.Append(chunk[:n])
		ds.sb.SetReaderPos(ds.rd, ds.pos)
		ds.stats.InputBytes += uint64(n)
		inputBytesTotal.WithLabelValues(ds.name).Add(float64(n))
	}

	drainedInput := ds.cache.Size() == 0

	// 2. 若 cache 中有数据且 sink 仍然有效 则写出
	if ds.cache.Size() > 0 && ds.sink.IsOutputValid() {
		written, err := ds.sink.OutputData(ds.cache.Bytes())
		ds.stats.OutputCalls++
		outputCallsTotal.WithLabelValues(ds.name).Inc()

		if err != nil || written < ds.cache.Size() {
			ds.stats.OutputErrors++
			outputErrorsTotal.WithLabelValues(ds.name).Inc()
			if !ds.errState {
				ds.errState = true
				if ds.onError != nil {
					ds.onError()
				}
			}
		} else {
			ds.errState = false
		}

		if written > 0 {
			ds.stats.OutputBytes += uint64(written)
			ds.stats.LastWriteUnix = fasttime.UnixTimestamp()
			outputBytesTotal.WithLabelValues(ds.name).Add(float64(written))
			ds.shiftCacheLocked(written)
		}
		drainedInput = drainedInput && ds.cache.Size() == 0
	}

	return drainedInput
}

// shiftCacheLocked 把 cache 中未写出的尾部字节前移到起始位置
func (ds *DataStreamer) shiftCacheLocked(written int) {
	remaining := ds.cache.Bytes()[written:]
	rest := make([]byte, len(remaining))
	copy(rest, remaining)
	ds.cache.Reset()
	ds.cache.Append(rest)
}

// Stats 返回当前统计数据的快照
func (ds *DataStreamer) Stats() Stats {
	ds.mut.Lock()
	defer ds.mut.Unlock()
	return ds.stats
}
