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

// Package storage is the polymorphic fixed-capacity backing store used
// by the stream buffer: an in-memory variant and a stream/file-backed
// variant, both satisfying the same Storage contract.
//
// Invariant held by both variants: 0 <= pos <= size <= capacity.
package storage

import (
	"io"

	"github.com/isdbgo/tsengine/internal/databuffer"
)

// Storage 是一个固定容量的读写游标化存储
//
// Write 在超出容量时不返回 error 而是返回实际写入的字节数 (可能为 0)
// 这与 libisdb 的 "写失败不是异常" 设计保持一致
type Storage interface {
	// Allocate 设置容量 实现应在容量变化时重置游标
	Allocate(capacity int) error

	// Free 释放持有的资源 释放后不可再使用
	Free()

	// Capacity 返回容量
	Capacity() int

	// Size 返回已使用大小
	Size() int

	// Read 从当前游标读取最多 n 字节 返回实际读取字节数
	Read(buf []byte, n int) (int, error)

	// Write 从当前游标写入最多 n 字节 超出容量时截断写入且不报错
	Write(p []byte, n int) (int, error)

	// SetPos 设置读写游标 越界返回 false
	SetPos(pos int) bool

	// GetPos 返回当前读写游标
	GetPos() int
}

// memoryStorage 是基于 DataBuffer 的内存存储
type memoryStorage struct {
	buf      *databuffer.DataBuffer
	capacity int
	pos      int
}

// NewMemory 创建一个内存存储变体
func NewMemory() Storage {
	return &memoryStorage{buf: databuffer.New()}
}

func (m *memoryStorage) Allocate(capacity int) error {
	m.capacity = capacity
	m.buf.Reset()
	m.pos = 0
	return nil
}

func (m *memoryStorage) Free() {
	m.buf.Release()
	m.capacity = 0
	m.pos = 0
}

func (m *memoryStorage) Capacity() int { return m.capacity }
func (m *memoryStorage) Size() int     { return m.buf.Size() }
func (m *memoryStorage) GetPos() int   { return m.pos }

func (m *memoryStorage) SetPos(pos int) bool {
	if pos < 0 || pos > m.buf.Size() {
		return false
	}
	m.pos = pos
	return true
}

func (m *memoryStorage) Read(out []byte, n int) (int, error) {
	if n > len(out) {
		n = len(out)
	}
	avail := m.buf.Size() - m.pos
	if avail <= 0 {
		return 0, nil
	}
	if n > avail {
		n = avail
	}
	copy(out[:n], m.buf.Bytes()[m.pos:m.pos+n])
	m.pos += n
	return n, nil
}

func (m *memoryStorage) Write(p []byte, n int) (int, error) {
	if n > len(p) {
		n = len(p)
	}
	if m.pos+n > m.capacity {
		n = m.capacity - m.pos
	}
	if n <= 0 {
		return 0, nil
	}

	// 追加写场景 (pos 等于当前已使用大小)
	if m.pos == m.buf.Size() {
		m.buf.Append(p[:n])
		m.pos += n
		return n, nil
	}

	// 覆盖写场景: 拷贝替换已使用区间对应字节
	b := m.buf.Bytes()
	copy(b[m.pos:m.pos+n], p[:n])
	m.pos += n
	return n, nil
}

// streamStorage 封装一个 io.ReadWriteSeeker (通常是文件) 并施加容量上限
type streamStorage struct {
	rws      io.ReadWriteSeeker
	capacity int
	size     int
	pos      int
}

// NewStream 创建一个流 (文件) 存储变体 rws 通常是 *os.File
func NewStream(rws io.ReadWriteSeeker) Storage {
	return &streamStorage{rws: rws}
}

func (s *streamStorage) Allocate(capacity int) error {
	s.capacity = capacity
	s.size = 0
	s.pos = 0
	_, err := s.rws.Seek(0, io.SeekStart)
	return err
}

func (s *streamStorage) Free() {
	s.capacity = 0
	s.size = 0
	s.pos = 0
}

func (s *streamStorage) Capacity() int { return s.capacity }
func (s *streamStorage) Size() int     { return s.size }
func (s *streamStorage) GetPos() int   { return s.pos }

func (s *streamStorage) SetPos(pos int) bool {
	if pos < 0 || pos > s.size {
		return false
	}
	if _, err := s.rws.Seek(int64(pos), io.SeekStart); err != nil {
		return false
	}
	s.pos = pos
	return true
}

func (s *streamStorage) Read(out []byte, n int) (int, error) {
	if n > len(out) {
		n = len(out)
	}
	avail := s.size - s.pos
	if avail <= 0 {
		return 0, nil
	}
	if n > avail {
		n = avail
	}
	read, err := io.ReadFull(s.rws, out[:n])
	s.pos += read
	return read, err
}

func (s *streamStorage) Write(p []byte, n int) (int, error) {
	if n > len(p) {
		n = len(p)
	}
	// pos + n <= capacity 的硬约束
	if s.pos+n > s.capacity {
		n = s.capacity - s.pos
	}
	if n <= 0 {
		return 0, nil
	}
	written, err := s.rws.Write(p[:n])
	s.pos += written
	if s.pos > s.size {
		s.size = s.pos
	}
	return written, err
}
