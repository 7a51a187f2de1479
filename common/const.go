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

package common

const (
	// App 应用程序名称
	App = "tsengine"

	// Version 应用程序版本
	Version = "v0.0.1"

	// TSPacketSize 一个 MPEG-2 TS 包的固定长度
	TSPacketSize = 188

	// TSSyncByte TS 包同步字节
	TSSyncByte = 0x47

	// DefaultBlockSize StreamBuffer 默认的 block 大小
	//
	// 取值与单次网卡/文件读取粒度折中 太小会导致 block 数量膨胀
	// 太大则会导致单个 reader 定位的粒度变粗
	DefaultBlockSize = 188 * 1024
)
