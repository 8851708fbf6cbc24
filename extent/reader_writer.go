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
	"io"

	"github.com/pkg/errors"
)

// Writer is a sequential writer over an extent list. It writes bytes given
// to Write into dst_extents in order, transparently skipping sparse holes
// (spec.md §4.5, §8 "sparse-hole transparency").
type Writer struct {
	fd      FileDescriptor
	extents List
	// position within the current extent's byte range, in bytes
	cur    int
	offset uint64
}

func NewWriter(fd FileDescriptor, extents List) *Writer {
	return &Writer{fd: fd, extents: extents}
}

// Write implements io.Writer. A call may carry any number of bytes; they are
// split across extent boundaries in order, and bytes past the end of the
// extent list are an error. Callers (the executors) are expected to write
// exactly BytesIn(extents) total bytes across the Writer's lifetime
// (spec.md §8 "extent writer totality").
func (w *Writer) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if w.cur >= len(w.extents) {
			return total, errors.New("extent writer: wrote past end of extent list")
		}
		e := w.extents[w.cur]
		remaining := e.ByteLength() - w.offset
		n := uint64(len(p))
		if n > remaining {
			n = remaining
		}
		if e.IsSparseHole() {
			// Skip the write entirely; sparse holes read back as
			// zeros without any I/O ever touching them.
		} else {
			if _, err := w.fd.PWrite(p[:n], int64(e.ByteOffset()+w.offset)); err != nil {
				return total, errors.Wrap(err, "extent writer: write failed")
			}
		}
		p = p[n:]
		total += int(n)
		w.offset += n
		if w.offset == e.ByteLength() {
			w.cur++
			w.offset = 0
		}
	}
	return total, nil
}

// Reader is a sequential reader over an extent list. Reading a sparse hole
// yields num_blocks*block_size zero bytes without issuing I/O (spec.md
// §4.5, §8).
type Reader struct {
	fd      FileDescriptor
	extents List
	cur     int
	offset  uint64
}

func NewReader(fd FileDescriptor, extents List) *Reader {
	return &Reader{fd: fd, extents: extents}
}

func (r *Reader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if r.cur >= len(r.extents) {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}
		e := r.extents[r.cur]
		remaining := e.ByteLength() - r.offset
		n := uint64(len(p))
		if n > remaining {
			n = remaining
		}
		if e.IsSparseHole() {
			for i := uint64(0); i < n; i++ {
				p[i] = 0
			}
		} else {
			if _, err := r.fd.PRead(p[:n], int64(e.ByteOffset()+r.offset)); err != nil {
				return total, errors.Wrap(err, "extent reader: read failed")
			}
		}
		p = p[n:]
		total += int(n)
		r.offset += n
		if r.offset == e.ByteLength() {
			r.cur++
			r.offset = 0
		}
	}
	return total, nil
}
