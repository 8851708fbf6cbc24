// Copyright 2019 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package extent

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksIn(t *testing.T) {
	extents := List{{StartBlock: 0, NumBlocks: 2}, {StartBlock: 5, NumBlocks: 3}}
	assert.Equal(t, uint64(5), BlocksIn(extents))
	assert.Equal(t, uint64(5*BlockSize), BytesIn(extents))
}

func TestAdjacentAndAppendBlock(t *testing.T) {
	a := Extent{StartBlock: 0, NumBlocks: 2}
	b := Extent{StartBlock: 2, NumBlocks: 1}
	assert.True(t, Adjacent(a, b))
	assert.False(t, Adjacent(b, a))

	extents := List{{StartBlock: 0, NumBlocks: 2}}
	extents = AppendBlock(extents, 2)
	require.Len(t, extents, 1)
	assert.Equal(t, uint64(3), extents[0].NumBlocks)

	extents = AppendBlock(extents, 10)
	require.Len(t, extents, 2)
	assert.Equal(t, uint64(10), extents[1].StartBlock)
}

// memFileDescriptor is an in-memory FileDescriptor used only to test
// Writer/Reader extent arithmetic in isolation from real block devices.
type memFileDescriptor struct {
	data []byte
}

func newMemFileDescriptor(size int) *memFileDescriptor {
	return &memFileDescriptor{data: make([]byte, size)}
}

func (m *memFileDescriptor) Open(string, int, os.FileMode) error { return nil }
func (m *memFileDescriptor) Read(buf []byte) (int, error)        { return 0, io.EOF }
func (m *memFileDescriptor) Write(buf []byte) (int, error)       { return 0, io.EOF }
func (m *memFileDescriptor) PRead(buf []byte, offset int64) (int, error) {
	n := copy(buf, m.data[offset:])
	return n, nil
}
func (m *memFileDescriptor) PWrite(buf []byte, offset int64) (int, error) {
	n := copy(m.data[offset:], buf)
	return n, nil
}
func (m *memFileDescriptor) Seek(int64, int) (int64, error)       { return 0, nil }
func (m *memFileDescriptor) Close() error                         { return nil }
func (m *memFileDescriptor) Flush() error                         { return nil }
func (m *memFileDescriptor) BlockDevSize() (uint64, error)        { return uint64(len(m.data)), nil }
func (m *memFileDescriptor) BlkIoctl(uint32, uint64, uint64) error { return nil }

func TestWriterSkipsSparseHoles(t *testing.T) {
	fd := newMemFileDescriptor(3 * BlockSize)
	// Pre-fill with 0xFF to prove the sparse-hole extent is never
	// touched by the writer (spec.md §8 sparse-hole transparency).
	for i := range fd.data {
		fd.data[i] = 0xFF
	}

	extents := List{
		{StartBlock: 0, NumBlocks: 1},
		{StartBlock: SparseHole, NumBlocks: 1},
		{StartBlock: 2, NumBlocks: 1},
	}
	w := NewWriter(fd, extents)
	payload := bytes.Repeat([]byte{0xAA}, 3*BlockSize)
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, 3*BlockSize, n)

	assert.Equal(t, bytes.Repeat([]byte{0xAA}, BlockSize), fd.data[0:BlockSize])
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, BlockSize), fd.data[BlockSize:2*BlockSize])
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, BlockSize), fd.data[2*BlockSize:3*BlockSize])
}

func TestReaderSynthesizesZerosForSparseHoles(t *testing.T) {
	fd := newMemFileDescriptor(2 * BlockSize)
	for i := range fd.data {
		fd.data[i] = 0x42
	}
	extents := List{
		{StartBlock: SparseHole, NumBlocks: 1},
		{StartBlock: 0, NumBlocks: 1},
	}
	r := NewReader(fd, extents)
	buf := make([]byte, 2*BlockSize)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 2*BlockSize, n)
	assert.Equal(t, bytes.Repeat([]byte{0}, BlockSize), buf[0:BlockSize])
	assert.Equal(t, bytes.Repeat([]byte{0x42}, BlockSize), buf[BlockSize:2*BlockSize])
}
