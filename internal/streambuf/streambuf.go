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

// Package streambuf is a bounded, block-based stream buffer that
// decouples producers from consumers. It supports multiple readers at
// arbitrary serial positions and reclaims blocks safely, generalizing
// the teacher's connstream.Conn two-sided pipe into a single
// multi-reader, serial-position-addressed buffer.
package streambuf

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isdbgo/tsengine/common"
	"github.com/isdbgo/tsengine/internal/storage"
)

// Reader-position sentinels (§3 Reader handle)
const (
	PosBegin   int64 = -1
	PosInvalid int64 = -2
)

var (
	// ErrBadConfig 非法的构造参数 (§9 Open Question: max_blocks == 0 在构造时拒绝)
	ErrBadConfig = errors.New("streambuf: block_size > 0 and min_blocks <= max_blocks required, max_blocks must be > 0")
)

var (
	bytesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "streambuf",
		Name:      "bytes_dropped_total",
		Help:      "bytes that did not fit because max_blocks was reached and no block could be recycled",
	})
	blocksEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "streambuf",
		Name:      "blocks_evicted_total",
		Help:      "blocks reclaimed from the front of the queue",
	})
)

// block 是一个带序列位置标签的 storage.Storage 单元
type block struct {
	serial  int64
	storage storage.Storage
}

func (b *block) capacity() int { return b.storage.Capacity() }
func (b *block) used() int     { return b.storage.Size() }
func (b *block) isFull() bool  { return b.used() >= b.capacity() }
func (b *block) end() int64    { return b.serial + int64(b.used()) }

// StreamBuffer 是区块化的环形缓冲区 按 serial position 寻址
type StreamBuffer struct {
	mut sync.Mutex

	mgr       *storage.Manager
	blockSize int
	minBlocks int
	maxBlocks int

	blocks    []*block // front = oldest
	serialPos int64    // 下一次写入的 serial position
	readerPos map[uint64]int64
	nextRdID  uint64
}

// New 创建一个 StreamBuffer
//
// max_blocks == 0 在构造时被拒绝 而不是如原版那样被当作 "always full"
// 对待 (§9 Open Question)
func New(mgr *storage.Manager, blockSize, minBlocks, maxBlocks int) (*StreamBuffer, error) {
	if blockSize <= 0 || maxBlocks <= 0 || minBlocks > maxBlocks {
		return nil, ErrBadConfig
	}
	return &StreamBuffer{
		mgr:       mgr,
		blockSize: blockSize,
		minBlocks: minBlocks,
		maxBlocks: maxBlocks,
		readerPos: make(map[uint64]int64),
	}, nil
}

// NewReader 注册一个新的 reader 句柄 初始位置为 POS_BEGIN
func (sb *StreamBuffer) NewReader() uint64 {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	id := sb.nextRdID
	sb.nextRdID++
	sb.readerPos[id] = PosBegin
	return id
}

// RemoveReader 注销一个 reader 句柄 并重新评估淘汰
func (sb *StreamBuffer) RemoveReader(handle uint64) {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	delete(sb.readerPos, handle)
	sb.evictLocked()
}

// SetReaderPos 设置 reader 句柄对应的位置 每次设置后重新评估淘汰
func (sb *StreamBuffer) SetReaderPos(handle uint64, pos int64) {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	sb.readerPos[handle] = pos
	sb.evictLocked()
}

// ReaderPos 返回 reader 句柄当前的位置
func (sb *StreamBuffer) ReaderPos(handle uint64) int64 {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	return sb.readerPos[handle]
}

// SerialPos 返回当前写入游标 (下一个字节将被标记的 serial position)
func (sb *StreamBuffer) SerialPos() int64 {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	return sb.serialPos
}

// PushBack 写入 data 返回实际接受的字节数
//
// § Open Question: 在往新分配的 block 写入之后 如果该 block 仍未写满
// 则直接跳出循环 (假定是数据源已耗尽) —— 忠实保留了这个读取
// "刚被写入对象" 的怪癖 而不是修正它
func (sb *StreamBuffer) PushBack(data []byte) int {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	total := 0
	for len(data) > 0 {
		tail := sb.tail()
		if tail != nil && !tail.isFull() {
			n, _ := tail.storage.Write(data, len(data))
			sb.serialPos += int64(n)
			total += n
			data = data[n:]
			if n == 0 {
				break
			}
			continue
		}

		newBlock, ok := sb.obtainBlockLocked()
		if !ok {
			bytesDropped.Add(float64(len(data)))
			break
		}
		newBlock.serial = sb.serialPos
		sb.blocks = append(sb.blocks, newBlock)

		n, _ := newBlock.storage.Write(data, len(data))
		sb.serialPos += int64(n)
		total += n
		data = data[n:]

		// quirk 保留: 如果刚写入的 block 还没写满就不再继续 (见 Open Questions)
		if !newBlock.isFull() {
			break
		}
	}
	return total
}

// obtainBlockLocked 获取一个可写入的新 block: 优先分配全新 block
// 队列已满时从队首回收一个未锁定的 block (锁定 = 区间内存在 reader 位置)
func (sb *StreamBuffer) obtainBlockLocked() (*block, bool) {
	if len(sb.blocks) < sb.maxBlocks {
		st, err := sb.mgr.Create(sb.blockSize)
		if err != nil {
			return nil, false
		}
		return &block{storage: st}, true
	}

	front := sb.blocks[0]
	if sb.isLockedLocked(front) {
		return nil, false
	}

	sb.blocks = sb.blocks[1:]
	blocksEvicted.Inc()
	if err := front.storage.Allocate(sb.blockSize); err != nil {
		return nil, false
	}
	return front, true
}

// isLockedLocked 判断某个 block 的区间内是否存在任意已注册的 reader 位置
//
// POS_INVALID 代表该句柄尚未定位到任何数据 不构成锁定
// POS_BEGIN 解析为当前队首 block 的起始 serial (即锁定队首)
func (sb *StreamBuffer) isLockedLocked(b *block) bool {
	lo, hi := b.serial, b.serial+int64(b.capacity())
	for _, pos := range sb.readerPos {
		if pos == PosInvalid {
			continue
		}
		resolved := sb.resolvePos(pos)
		if resolved >= lo && resolved < hi {
			return true
		}
	}
	return false
}

// evictLocked 在 len(blocks) > minBlocks 且队首未锁定时持续回收队首 block
func (sb *StreamBuffer) evictLocked() {
	for len(sb.blocks) > sb.minBlocks {
		front := sb.blocks[0]
		if sb.isLockedLocked(front) {
			return
		}
		front.storage.Free()
		sb.blocks = sb.blocks[1:]
		blocksEvicted.Inc()
	}
}

func (sb *StreamBuffer) tail() *block {
	if len(sb.blocks) == 0 {
		return nil
	}
	return sb.blocks[len(sb.blocks)-1]
}

// resolvePos 把 sentinel/越界位置解析为一个具体的 serial position
func (sb *StreamBuffer) resolvePos(pos int64) int64 {
	if len(sb.blocks) == 0 {
		return pos
	}
	oldest := sb.blocks[0].serial
	if pos == PosBegin || pos < oldest {
		return oldest
	}
	return pos
}

// Read 从 *pos 指示的位置读取数据到 out 返回实际读取字节数
//
// 从不阻塞: 数据不足时只返回当前可读的部分 若 pos 落后于队首
// 则被钳位到队首起始位置 若 pos 已经越过尾部则返回 0
func (sb *StreamBuffer) Read(pos *int64, out []byte) int {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	if len(sb.blocks) == 0 {
		return 0
	}

	cur := sb.resolvePos(*pos)
	tail := sb.blocks[len(sb.blocks)-1]
	if cur >= tail.end() {
		*pos = cur
		return 0
	}

	total := 0
	for total < len(out) {
		idx := sb.blockIndexFor(cur)
		if idx < 0 {
			break
		}
		b := sb.blocks[idx]
		offset := int(cur - b.serial)
		avail := b.used() - offset
		if avail <= 0 {
			break
		}

		n := len(out) - total
		if n > avail {
			n = avail
		}

		save := b.storage.GetPos()
		b.storage.SetPos(offset)
		read, _ := b.storage.Read(out[total:total+n], n)
		b.storage.SetPos(save)

		total += read
		cur += int64(read)
		if read < n {
			break
		}
		if cur >= tail.end() {
			break
		}
	}

	*pos = cur
	return total
}

func (sb *StreamBuffer) blockIndexFor(pos int64) int {
	for i, b := range sb.blocks {
		if pos >= b.serial && pos < b.serial+int64(b.capacity()) {
			return i
		}
	}
	return -1
}

// SetSize 调整 block_size/min_blocks/max_blocks
//
// block_size 变化时: 按新尺寸重建所有 block 尽量保留能放进新总容量的数据
// (从最新数据往回保留) 仅 max_blocks 收缩且 discard=true 时从队首丢弃
func (sb *StreamBuffer) SetSize(blockSize, minBlocks, maxBlocks int, discard bool) error {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	if blockSize <= 0 || maxBlocks <= 0 || minBlocks > maxBlocks {
		return ErrBadConfig
	}

	if blockSize != sb.blockSize {
		return sb.rebuildLocked(blockSize, minBlocks, maxBlocks)
	}

	sb.minBlocks = minBlocks
	sb.maxBlocks = maxBlocks
	if discard {
		for len(sb.blocks) > sb.maxBlocks {
			front := sb.blocks[0]
			front.storage.Free()
			sb.blocks = sb.blocks[1:]
			blocksEvicted.Inc()
		}
	}
	return nil
}

func (sb *StreamBuffer) rebuildLocked(blockSize, minBlocks, maxBlocks int) error {
	maxTotal := blockSize * maxBlocks

	// 收集现有数据 (从最旧到最新) 仅保留能塞进新总容量的尾部数据
	var all []byte
	for _, b := range sb.blocks {
		chunk := make([]byte, b.used())
		save := b.storage.GetPos()
		b.storage.SetPos(0)
		b.storage.Read(chunk, len(chunk))
		b.storage.SetPos(save)
		all = append(all, chunk...)
	}
	if len(all) > maxTotal {
		all = all[len(all)-maxTotal:]
	}

	baseSerial := sb.serialPos - int64(len(all))

	for _, b := range sb.blocks {
		b.storage.Free()
	}
	sb.blocks = nil
	sb.blockSize = blockSize
	sb.minBlocks = minBlocks
	sb.maxBlocks = maxBlocks

	for len(all) > 0 {
		st, err := sb.mgr.Create(blockSize)
		if err != nil {
			return err
		}
		n := blockSize
		if n > len(all) {
			n = len(all)
		}
		st.Write(all[:n], n)
		sb.blocks = append(sb.blocks, &block{serial: baseSerial, storage: st})
		baseSerial += int64(n)
		all = all[n:]
	}
	return nil
}

// TotalBytes 返回当前队列中存储的总字节数 (用于校验 resize 后的不变式)
func (sb *StreamBuffer) TotalBytes() int {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	total := 0
	for _, b := range sb.blocks {
		total += b.used()
	}
	return total
}

// BlockCount 返回当前队列中的 block 数量
func (sb *StreamBuffer) BlockCount() int {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	return len(sb.blocks)
}

// Clear 立即丢弃所有已缓冲的数据 serialPos 保持单调不变
// 所有已注册的 reader 被重新定位到 (新的空) 队尾 只看之后写入的数据
//
// 用于录制任务在服务切换后需要整体作废 pending buffer 内容的场景
func (sb *StreamBuffer) Clear() {
	sb.mut.Lock()
	defer sb.mut.Unlock()

	for _, b := range sb.blocks {
		b.storage.Free()
	}
	sb.blocks = nil
	for id := range sb.readerPos {
		sb.readerPos[id] = sb.serialPos
	}
}
