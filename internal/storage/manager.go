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

package storage

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Kind 标识 Storage 的具体变体
type Kind int

const (
	KindMemory Kind = iota
	KindStream
)

// Manager 按需创建 Storage 实例 封装 "内存优先还是落盘" 的策略
//
// 对应 libisdb 的 DataStorageManager: 上层 (StreamBuffer) 不需要知道
// 具体创建的是哪种 Storage 只需要通过 Manager 获取
type Manager struct {
	kind     Kind
	fileDir  string
	fileTmpl string
}

// NewManager 创建一个 Manager fileDir 仅在 kind == KindStream 时使用
func NewManager(kind Kind, fileDir string) *Manager {
	return &Manager{kind: kind, fileDir: fileDir, fileTmpl: "tsengine-block-*.bin"}
}

// Create 创建一个新的 Storage 实例 并立即 Allocate(capacity)
func (m *Manager) Create(capacity int) (Storage, error) {
	var s Storage
	switch m.kind {
	case KindMemory:
		s = NewMemory()
	case KindStream:
		f, err := os.CreateTemp(m.fileDir, m.fileTmpl)
		if err != nil {
			return nil, errors.Wrap(err, "storage: create backing file failed")
		}
		os.Remove(f.Name()) // unlink-on-create: 进程退出或 Free 时资源自动回收
		s = &fileBackedStorage{f: f, Storage: NewStream(f)}
	default:
		return nil, errors.Errorf("storage: unknown kind %d", m.kind)
	}

	if err := s.Allocate(capacity); err != nil {
		return nil, err
	}
	return s, nil
}

// fileBackedStorage 包装 streamStorage 加上文件句柄的生命周期管理
type fileBackedStorage struct {
	Storage
	f *os.File
}

func (f *fileBackedStorage) Free() {
	f.Storage.Free()
	f.f.Close()
}

var _ io.Closer = (*os.File)(nil)
