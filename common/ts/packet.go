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

// Package ts defines the 188-byte MPEG-2 Transport Stream packet and
// the PID/stream-type vocabulary shared by the codec and graph layers.
package ts

import (
	"github.com/pkg/errors"
)

// PID 13-bit packet identifier
type PID uint16

const (
	PIDPAT  PID = 0x0000
	PIDCAT  PID = 0x0001
	PIDTSDT PID = 0x0002
	PIDNIT  PID = 0x0010
	PIDSDT  PID = 0x0011
	PIDEIT  PID = 0x0012
	PIDRST  PID = 0x0013
	PIDTDT  PID = 0x0014
	PIDNULL PID = 0x1FFF
)

// StreamType 是 PMT 中描述的 elementary stream 类型 (ISO/IEC 13818-1 Table 2-34)
type StreamType uint8

const (
	StreamTypeMPEG2Video StreamType = 0x02
	StreamTypeMPEG1Audio StreamType = 0x03
	StreamTypeMPEG2Audio StreamType = 0x04
	StreamTypePrivateSec StreamType = 0x05
	StreamTypePES        StreamType = 0x06
	StreamTypeAAC        StreamType = 0x0F
	StreamTypeH264       StreamType = 0x1B
	StreamTypeH265       StreamType = 0x24
)

func (st StreamType) String() string {
	switch st {
	case StreamTypeMPEG2Video:
		return "MPEG-2 Video"
	case StreamTypeMPEG1Audio:
		return "MPEG-1 Audio"
	case StreamTypeMPEG2Audio:
		return "MPEG-2 Audio"
	case StreamTypePrivateSec:
		return "Private Section"
	case StreamTypePES:
		return "Private PES"
	case StreamTypeAAC:
		return "AAC Audio"
	case StreamTypeH264:
		return "H.264"
	case StreamTypeH265:
		return "H.265"
	default:
		return "Unknown"
	}
}

// ErrShortPacket 传入字节切片不足 188 字节
var ErrShortPacket = errors.New("ts: short packet")

// ErrBadSync 首字节不是同步字节 0x47
var ErrBadSync = errors.New("ts: bad sync byte")

// Packet 是对一个已拷贝的 188 字节 TS 包的只读视图
//
// Parse 不会拷贝底层的 buf 调用方若要跨越多次 Parse 复用同一个 buf
// 必须在写入下一包前自行拷贝出需要保留的数据 (Queue 场景见 graph 包)
type Packet struct {
	buf []byte
}

// Parse 解析一个 188 字节的 TS 包视图 buf 必须至少有 TSPacketSize 字节
func Parse(buf []byte) (Packet, error) {
	if len(buf) < 188 {
		return Packet{}, ErrShortPacket
	}
	if buf[0] != 0x47 {
		return Packet{}, ErrBadSync
	}
	return Packet{buf: buf[:188]}, nil
}

// Bytes 返回底层字节 (只读)
func (p Packet) Bytes() []byte { return p.buf }

// TransportError 返回 transport_error_indicator
func (p Packet) TransportError() bool { return p.buf[1]&0x80 != 0 }

// PayloadUnitStart 返回 payload_unit_start_indicator
func (p Packet) PayloadUnitStart() bool { return p.buf[1]&0x40 != 0 }

// Priority 返回 transport_priority
func (p Packet) Priority() bool { return p.buf[1]&0x20 != 0 }

// PID 返回 13-bit PID
func (p Packet) PID() PID {
	return PID(p.buf[1]&0x1F)<<8 | PID(p.buf[2])
}

// ScramblingControl 返回加扰标志 0 表示未加扰
func (p Packet) ScramblingControl() uint8 {
	return p.buf[3] >> 6 & 0x03
}

// Scrambled 返回数据是否加扰
func (p Packet) Scrambled() bool {
	return p.ScramblingControl() != 0
}

// AdaptationFieldControl 返回自适应字段控制位
//
//	00 保留 01 仅 payload 10 仅自适应字段 11 两者都有
func (p Packet) AdaptationFieldControl() uint8 {
	return p.buf[3] >> 4 & 0x03
}

// HasAdaptationField 是否携带自适应字段
func (p Packet) HasAdaptationField() bool {
	c := p.AdaptationFieldControl()
	return c == 0b10 || c == 0b11
}

// HasPayload 是否携带 Payload
func (p Packet) HasPayload() bool {
	c := p.AdaptationFieldControl()
	return c == 0b01 || c == 0b11
}

// ContinuityCounter 返回 4-bit 连续计数器
func (p Packet) ContinuityCounter() uint8 {
	return p.buf[3] & 0x0F
}

// AdaptationFieldLength 返回自适应字段长度 (不含长度字节本身)
func (p Packet) AdaptationFieldLength() int {
	if !p.HasAdaptationField() {
		return 0
	}
	return int(p.buf[4])
}

// Payload 返回 payload 切片 (借用视图 不可修改 调用方若要保留须自行拷贝)
func (p Packet) Payload() []byte {
	if !p.HasPayload() {
		return nil
	}
	offset := 4
	if p.HasAdaptationField() {
		offset += 1 + p.AdaptationFieldLength()
	}
	if offset >= len(p.buf) {
		return nil
	}
	return p.buf[offset:]
}

// ContinuityTracker 按 PID 跟踪连续计数器 统计丢包与加扰计数
//
// 对应 §6 的 continuity-error / scrambled 计数要求 供 tspidinfo 等诊断
// 工具消费
type ContinuityTracker struct {
	last      map[PID]uint8
	seen      map[PID]bool
	errors    map[PID]uint64
	packets   map[PID]uint64
	scrambled map[PID]uint64
}

// NewContinuityTracker 创建并返回 *ContinuityTracker
func NewContinuityTracker() *ContinuityTracker {
	return &ContinuityTracker{
		last:      make(map[PID]uint8),
		seen:      make(map[PID]bool),
		errors:    make(map[PID]uint64),
		packets:   make(map[PID]uint64),
		scrambled: make(map[PID]uint64),
	}
}

// Observe 记录一个包 返回本包是否被判定为连续性错误
//
// PID_NULL 包以及无 Payload 的包不参与连续性计数 符合 13818-1 的规定
func (ct *ContinuityTracker) Observe(p Packet) bool {
	pid := p.PID()
	ct.packets[pid]++
	if p.Scrambled() {
		ct.scrambled[pid]++
	}
	if pid == PIDNULL || !p.HasPayload() {
		return false
	}

	cc := p.ContinuityCounter()
	if !ct.seen[pid] {
		ct.seen[pid] = true
		ct.last[pid] = cc
		return false
	}

	expect := (ct.last[pid] + 1) & 0x0F
	ct.last[pid] = cc
	if cc != expect {
		ct.errors[pid]++
		return true
	}
	return false
}

// Stats 单个 PID 的累计统计
type Stats struct {
	Packets        uint64
	ContinuityErrs uint64
	Scrambled      uint64
}

// Stats 返回某个 PID 的统计快照
func (ct *ContinuityTracker) Stats(pid PID) Stats {
	return Stats{
		Packets:        ct.packets[pid],
		ContinuityErrs: ct.errors[pid],
		Scrambled:      ct.scrambled[pid],
	}
}

// PIDs 返回已观测到的全部 PID 列表
func (ct *ContinuityTracker) PIDs() []PID {
	pids := make([]PID, 0, len(ct.packets))
	for pid := range ct.packets {
		pids = append(pids, pid)
	}
	return pids
}
