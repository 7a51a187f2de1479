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

// Package databuffer is an owned, resizable byte container used for
// PES/ES assembly. No hidden sharing: every DataBuffer exclusively
// owns its backing array.
package databuffer

import "github.com/valyala/bytebufferpool"

// DataBuffer 是一个有容量概念的字节容器
//
// capacity 与 usedSize 的关系始终满足 usedSize <= capacity
type DataBuffer struct {
	buf *bytebufferpool.ByteBuffer
}

// New 创建一个空的 DataBuffer
func New() *DataBuffer {
	return &DataBuffer{buf: bytebufferpool.Get()}
}

// NewWithCapacity 创建一个预留容量的 DataBuffer
func NewWithCapacity(capacity int) *DataBuffer {
	db := New()
	if capacity > 0 {
		db.buf.B = make([]byte, 0, capacity)
	}
	return db
}

// Release 归还底层 buffer 至池中 归还后不得再使用该 DataBuffer
func (db *DataBuffer) Release() {
	if db.buf != nil {
		bytebufferpool.Put(db.buf)
		db.buf = nil
	}
}

// Size 返回已使用大小
func (db *DataBuffer) Size() int {
	return len(db.buf.B)
}

// Capacity 返回底层数组容量
func (db *DataBuffer) Capacity() int {
	return cap(db.buf.B)
}

// Bytes 返回已使用部分的只读视图
func (db *DataBuffer) Bytes() []byte {
	return db.buf.B
}

// Append 追加数据 可能导致底层数组扩容 (容量增长)
func (db *DataBuffer) Append(p []byte) {
	db.buf.B = append(db.buf.B, p...)
}

// Set 将内容重置为 p 的拷贝
func (db *DataBuffer) Set(p []byte) {
	db.buf.Reset()
	db.buf.B = append(db.buf.B, p...)
}

// SetSize 调整已使用大小 只能缩小或保持不变 (不得超过当前容量)
//
// 用于丢弃尾部已写入但确认无效的数据 而不释放底层数组
func (db *DataBuffer) SetSize(n int) bool {
	if n < 0 || n > len(db.buf.B) {
		return false
	}
	db.buf.B = db.buf.B[:n]
	return true
}

// TrimTail 从已使用大小中减去 n 个字节
func (db *DataBuffer) TrimTail(n int) bool {
	if n < 0 || n > len(db.buf.B) {
		return false
	}
	return db.SetSize(len(db.buf.B) - n)
}

// Reset 清空已使用内容 保留底层容量
func (db *DataBuffer) Reset() {
	db.buf.Reset()
}

// Clone 返回已使用部分的一份独立拷贝
func (db *DataBuffer) Clone() []byte {
	if db.Size() == 0 {
		return nil
	}
	out := make([]byte, db.Size())
	copy(out, db.Bytes())
	return out
}
