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
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CowWriter is the subset of a snapshot's copy-on-write writer that
// CowWriterFileDescriptor needs. It is satisfied by dpc's fileCowWriter;
// declared here (rather than imported) to keep extent free of a dependency
// on dpc.
type CowWriter interface {
	Write(p []byte) (int, error)
	Finalize() error
}

// CowReaderOpener opens a fresh snapshot-view reader over the same COW.
// CowWriterFileDescriptor calls it on the first read after a write, to
// preserve the "write, then re-open to read" consistency model described
// in spec.md §4.5 and §8.
type CowReaderOpener interface {
	OpenReader() (*os.File, error)
}

// CowWriterFileDescriptor presents a COW writer+reader pair as a
// read/write FileDescriptor. Writes go to the COW writer; every write
// invalidates the cached reader, and the next read re-opens it, which is
// how the core gets a consistent snapshot view without the COW being
// concurrency-safe with itself (spec.md §5).
type CowWriterFileDescriptor struct {
	writer    CowWriter
	opener    CowReaderOpener
	reader    *os.File
	readerPos int64
}

func NewCowWriterFileDescriptor(writer CowWriter, opener CowReaderOpener) *CowWriterFileDescriptor {
	return &CowWriterFileDescriptor{writer: writer, opener: opener}
}

func (c *CowWriterFileDescriptor) Open(string, int, os.FileMode) error { return nil }

func (c *CowWriterFileDescriptor) invalidateReader() {
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
}

func (c *CowWriterFileDescriptor) Write(buf []byte) (int, error) {
	n, err := c.writer.Write(buf)
	if n > 0 {
		c.invalidateReader()
	}
	return n, err
}

func (c *CowWriterFileDescriptor) PWrite(buf []byte, offset int64) (int, error) {
	// COW writers are append-only (spec.md §9 open question on
	// is_append); random-access writes are not supported.
	return 0, errors.New("cow writer file descriptor: PWrite is unsupported, COW is append-only")
}

func (c *CowWriterFileDescriptor) ensureReader() error {
	if c.reader != nil {
		return nil
	}
	r, err := c.opener.OpenReader()
	if err != nil {
		return errors.Wrap(err, "cow writer file descriptor: failed to open snapshot-view reader")
	}
	c.reader = r
	if _, err := c.reader.Seek(c.readerPos, os.SEEK_SET); err != nil {
		return errors.Wrap(err, "cow writer file descriptor: failed to seek reopened reader")
	}
	return nil
}

func (c *CowWriterFileDescriptor) Read(buf []byte) (int, error) {
	if err := c.ensureReader(); err != nil {
		return 0, err
	}
	n, err := c.reader.Read(buf)
	c.readerPos += int64(n)
	return n, err
}

func (c *CowWriterFileDescriptor) PRead(buf []byte, offset int64) (int, error) {
	if err := c.ensureReader(); err != nil {
		return 0, err
	}
	n, err := c.reader.ReadAt(buf, offset)
	return n, err
}

func (c *CowWriterFileDescriptor) Seek(offset int64, whence int) (int64, error) {
	c.readerPos = offset
	c.invalidateReader()
	return offset, nil
}

func (c *CowWriterFileDescriptor) Close() error {
	c.invalidateReader()
	return nil
}

func (c *CowWriterFileDescriptor) Flush() error {
	if err := c.writer.Finalize(); err != nil {
		log.Errorf("cow writer file descriptor: finalize failed: %v", err)
		return err
	}
	return nil
}

func (c *CowWriterFileDescriptor) BlockDevSize() (uint64, error) {
	return 0, errors.New("cow writer file descriptor: size not known until finalized")
}

func (c *CowWriterFileDescriptor) BlkIoctl(uint32, uint64, uint64) error {
	return errors.New("cow writer file descriptor: ioctls are not supported on a COW")
}
