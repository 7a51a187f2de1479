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

// Package pes reassembles Packetized Elementary Stream packets out of
// the TS-payload fragments a demuxer delivers per PID, mirroring the
// borrowed-view style of common/ts.Packet: the assembled Packet never
// copies past what the caller already handed it.
package pes

import (
	"github.com/pkg/errors"

	"github.com/isdbgo/tsengine/logger"
)

// ErrBadPrefix packet_start_code_prefix 不是 00 00 01
var ErrBadPrefix = errors.New("pes: bad start code prefix")

// ErrScrambled 加扰的 PES 不被接受 (Non-goal: 解扰)
var ErrScrambled = errors.New("pes: scrambled PES rejected")

// ErrReservedTimestampFlag PTS_DTS_flags == 01 是保留/非法值
var ErrReservedTimestampFlag = errors.New("pes: reserved PTS/DTS flag value")

type state int

const (
	stateIdle state = iota
	stateHeader
	statePayload
)

// Packet 是一个已组装完成的 PES 包的只读视图
type Packet struct {
	StreamID         uint8
	PacketLength     uint16 // PES_packet_length 字段原始值 0 表示无边界
	PTSDTSFlags      uint8  // 00 无 10 仅PTS 11 PTS+DTS
	PTS              uint64 // 33-bit 仅在 PTSDTSFlags != 0 时有效
	DTS              uint64 // 33-bit 仅在 PTSDTSFlags == 0b11 时有效
	CRCFlag          bool
	HeaderDataLength uint8
	buf              []byte // 完整的包字节 (含起始码) 供 Payload/Bytes 借用
	payloadOffset    int
}

// Bytes 返回完整 PES 包的借用视图 (含起始码与头部)
func (p Packet) Bytes() []byte { return p.buf }

// Payload 返回 ES payload 的借用视图 (跳过固定头与可选字段)
func (p Packet) Payload() []byte { return p.buf[p.payloadOffset:] }

// Handler 接收一个完整组装的 PES 包 buf 的生命周期仅在回调内有效
// 需要跨调用保留必须自行拷贝
type Handler func(Packet)

// Assembler 是 per-PID 的状态机 见 packet reassembly 算法说明
type Assembler struct {
	state    state
	buf      []byte
	expected int // 0 表示无边界 (packet_length == 0)
	onPacket Handler
}

// New 创建一个 Assembler onPacket 在每次组装完成时被调用
func New(onPacket Handler) *Assembler {
	return &Assembler{onPacket: onPacket}
}

// Reset 丢弃当前正在累积的包 回到 Idle (例如遇到不连续计数器错误时调用)
func (a *Assembler) Reset() {
	a.state = stateIdle
	a.buf = a.buf[:0]
	a.expected = 0
}

// Feed 提供一个 TS 包的 payload 片段 pusi 对应 payload_unit_start_indicator
//
// 不持有 payload 的引用: 立即拷贝进内部累积缓冲
func (a *Assembler) Feed(pusi bool, payload []byte) {
	if pusi {
		// packet_length == 0 且已在 payload 累积阶段: 新 PUSI 先交付待处理包
		if a.state == statePayload && a.expected == 0 {
			a.deliver()
		}
		a.state = stateHeader
		a.buf = a.buf[:0]
		a.expected = 0
		a.buf = append(a.buf, payload...)
		a.tryParseHeader()
		return
	}

	switch a.state {
	case stateIdle:
		return // 尚未同步到一个 PUSI 边界 丢弃
	case stateHeader:
		a.buf = append(a.buf, payload...)
		a.tryParseHeader()
	case statePayload:
		a.buf = append(a.buf, payload...)
		if a.expected > 0 && len(a.buf) >= a.expected {
			a.buf = a.buf[:a.expected]
			a.deliver()
			a.Reset()
		}
	}
}

// tryParseHeader 在累积达到 9 字节固定头时解析；无效则回到 Idle
func (a *Assembler) tryParseHeader() {
	if len(a.buf) < 9 {
		return // 仍在 header-accumulating
	}

	if err := validatePrefix(a.buf); err != nil {
		a.abort(err)
		return
	}

	scramblingControl := a.buf[6] >> 4 & 0x03
	if scramblingControl != 0 {
		a.abort(ErrScrambled)
		return
	}

	ptsDTSFlags := a.buf[7] >> 6 & 0x03
	if ptsDTSFlags == 0b01 {
		a.abort(ErrReservedTimestampFlag)
		return
	}

	a.expected = int(uint16(a.buf[4])<<8|uint16(a.buf[5])) + 6
	if a.expected == 6 {
		a.expected = 0 // packet_length == 0: 无边界
	}
	a.state = statePayload

	if a.expected > 0 && len(a.buf) >= a.expected {
		a.buf = a.buf[:a.expected]
		a.deliver()
		a.Reset()
	}
}

// abort discards the in-progress packet and logs the reason at Warning
// level with a remediation hint, per the PES invariant rejection rules.
func (a *Assembler) abort(reason error) {
	logger.WarnAdvise("check that the upstream PID carries a non-scrambled PES stream", "pes: dropping malformed packet: %s", reason)
	a.Reset()
}

func validatePrefix(buf []byte) error {
	if buf[0] != 0x00 || buf[1] != 0x00 || buf[2] != 0x01 {
		return ErrBadPrefix
	}
	return nil
}

// deliver 从累积缓冲构造 Packet 并调用 onPacket
func (a *Assembler) deliver() {
	buf := a.buf
	streamID := buf[3]
	crcFlag := buf[7]&0x02 != 0
	headerDataLength := buf[8]
	ptsDTSFlags := buf[7] >> 6 & 0x03

	payloadOffset := 9 + int(headerDataLength)
	if payloadOffset > len(buf) {
		payloadOffset = len(buf)
	}

	pkt := Packet{
		StreamID:         streamID,
		PacketLength:     uint16(buf[4])<<8 | uint16(buf[5]),
		PTSDTSFlags:      ptsDTSFlags,
		CRCFlag:          crcFlag,
		HeaderDataLength: headerDataLength,
		buf:              buf,
		payloadOffset:    payloadOffset,
	}

	if ptsDTSFlags != 0 && len(buf) >= 14 {
		pkt.PTS = decodeTimestamp(buf[9:14])
	}
	if ptsDTSFlags == 0b11 && len(buf) >= 19 {
		pkt.DTS = decodeTimestamp(buf[14:19])
	}

	if a.onPacket != nil {
		a.onPacket(pkt)
	}
}

// decodeTimestamp 解码经典的 5 字节 33-bit 时间戳编码
// (4-bit marker | 3 bits | marker_bit | 15 bits | marker_bit | 15 bits | marker_bit)
func decodeTimestamp(b []byte) uint64 {
	var ts uint64
	ts |= uint64(b[0]>>1&0x07) << 30
	ts |= uint64(b[1]) << 22
	ts |= uint64(b[2]>>1&0x7F) << 15
	ts |= uint64(b[3]) << 7
	ts |= uint64(b[4] >> 1 & 0x7F)
	return ts
}
