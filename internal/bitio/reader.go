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

// Package bitio is a MSB-first bit reader with exp-Golomb and VLC
// decoding, used by the video sequence parsers to walk RBSP payloads.
package bitio

// Reader 以 MSB-first 方式读取一个只读字节切片
//
// Overrun 一旦置位即为粘性状态 此后所有读取均返回 0 调用方在信任一批
// 读取结果前应先检查 Overrun()
type Reader struct {
	b       []byte
	bitPos  int
	bitSize int
	overrun bool
}

// New 创建并返回 *Reader
func New(b []byte) *Reader {
	return &Reader{
		b:       b,
		bitSize: len(b) * 8,
	}
}

// Overrun 返回读取是否越界过
func (r *Reader) Overrun() bool { return r.overrun }

// BitPos 返回当前的 bit 位置
func (r *Reader) BitPos() int { return r.bitPos }

// BitsLeft 返回剩余可读的 bit 数
func (r *Reader) BitsLeft() int { return r.bitSize - r.bitPos }

// ByteAlign 跳过直到下一个字节边界所需要的 bit 数
func (r *Reader) ByteAlign() {
	if rem := r.bitPos % 8; rem != 0 {
		r.Skip(8 - rem)
	}
}

// GetBits 读取 n (<= 32) 个 bit 并以 MSB-first 方式组装为 uint32
//
// 越界时置位 overrun bitPos 钳位到 bitSize 并返回 0
func (r *Reader) GetBits(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if n > 32 {
		n = 32
	}
	if r.overrun || r.bitPos+n > r.bitSize {
		r.overrun = true
		r.bitPos = r.bitSize
		return 0
	}

	var v uint32
	pos := r.bitPos
	for i := 0; i < n; i++ {
		byteIdx := (pos + i) / 8
		bitIdx := 7 - (pos+i)%8
		bit := (r.b[byteIdx] >> uint(bitIdx)) & 0x01
		v = v<<1 | uint32(bit)
	}
	r.bitPos += n
	return v
}

// GetFlag 等价于 GetBits(1) != 0
func (r *Reader) GetFlag() bool {
	return r.GetBits(1) != 0
}

// Skip 跳过 n 个 bit 越界时置位 overrun 并返回 false
func (r *Reader) Skip(n int) bool {
	if n <= 0 {
		return true
	}
	if r.overrun || r.bitPos+n > r.bitSize {
		r.overrun = true
		r.bitPos = r.bitSize
		return false
	}
	r.bitPos += n
	return true
}

// PeekBits 读取 n 个 bit 但不移动游标 用于起始码探测等场景
func (r *Reader) PeekBits(n int) uint32 {
	save := r.bitPos
	saveOverrun := r.overrun
	v := r.GetBits(n)
	r.bitPos = save
	r.overrun = saveOverrun
	return v
}

// countLeadingZeroBits 计算直到遇到第一个 1 bit 为止读取的 0 的数量
//
// 越界 (一直读到 bitSize 都没有 1) 时置位 overrun 并返回 -1
func (r *Reader) countLeadingZeroBits() int {
	n := 0
	for {
		if r.overrun || r.bitPos >= r.bitSize {
			r.overrun = true
			r.bitPos = r.bitSize
			return -1
		}
		if r.GetBits(1) == 1 {
			return n
		}
		n++
	}
}

// GetUE 读取无符号 exp-Golomb 编码值 (ue(v))
//
// 公式: (1 << leadingZeroBits) - 1 + info
// 越界返回 -1
func (r *Reader) GetUE() int32 {
	lz := r.countLeadingZeroBits()
	if lz < 0 {
		return -1
	}
	if lz == 0 {
		return 0
	}
	if lz > 31 {
		r.overrun = true
		r.bitPos = r.bitSize
		return -1
	}
	info := r.GetBits(lz)
	if r.overrun {
		return -1
	}
	return int32((1 << uint(lz)) - 1 + info)
}

// GetSE 读取有符号 exp-Golomb 编码值 (se(v))
//
// zig-zag: codeNum 为偶数取 -codeNum/2, 为奇数取 (codeNum+1)/2
// 越界返回 -1 (与无符号重载返回值的约定保持一致 调用方需先检查 Overrun)
func (r *Reader) GetSE() int32 {
	codeNum := r.GetUE()
	if codeNum < 0 && r.overrun {
		return -1
	}
	if codeNum%2 == 0 {
		return -(codeNum / 2)
	}
	return (codeNum + 1) / 2
}

// VLCEntry 描述一个变长编码表项: code/codeLen -> value
type VLCEntry struct {
	Code    uint32
	CodeLen int
	Value   int32
}

// GetVLC 按给定表顺序从左到右逐位扩展 直到匹配到一个表项的 (code, codeLen)
//
// 适用于 MPEG-2 宏块地址增量/运动矢量等变长码表 表项应按 CodeLen 升序排列
// 以保证前缀码匹配顺序正确 未匹配到且发生越界时返回 (0, false)
func (r *Reader) GetVLC(table []VLCEntry) (int32, bool) {
	maxLen := 0
	for _, e := range table {
		if e.CodeLen > maxLen {
			maxLen = e.CodeLen
		}
	}

	for length := 1; length <= maxLen; length++ {
		if r.BitsLeft() < length {
			break
		}
		code := r.PeekBits(length)
		for _, e := range table {
			if e.CodeLen == length && e.Code == code {
				r.Skip(length)
				return e.Value, true
			}
		}
	}
	r.overrun = true
	return 0, false
}
