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

package databuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendGrows(t *testing.T) {
	db := New()
	defer db.Release()

	db.Append([]byte("hello"))
	db.Append([]byte(" world"))
	assert.Equal(t, "hello world", string(db.Bytes()))
	assert.Equal(t, 11, db.Size())
}

func TestSetSizeOnlyShrinks(t *testing.T) {
	db := New()
	defer db.Release()

	db.Append([]byte("abcdef"))
	assert.True(t, db.SetSize(3))
	assert.Equal(t, "abc", string(db.Bytes()))
	assert.False(t, db.SetSize(10))
}

func TestTrimTail(t *testing.T) {
	db := New()
	defer db.Release()

	db.Append([]byte("abcdef"))
	assert.True(t, db.TrimTail(2))
	assert.Equal(t, "abcd", string(db.Bytes()))
}

func TestSetReplacesContent(t *testing.T) {
	db := New()
	defer db.Release()

	db.Append([]byte("abcdef"))
	db.Set([]byte("xy"))
	assert.Equal(t, "xy", string(db.Bytes()))
}

func TestCloneIsIndependent(t *testing.T) {
	db := New()
	defer db.Release()

	db.Append([]byte("abc"))
	clone := db.Clone()
	db.Append([]byte("d"))
	assert.Equal(t, "abc", string(clone))
}
