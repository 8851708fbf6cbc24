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
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/payloadcore/system"
)

// FileDescriptor is the main polymorphic abstraction used throughout the
// core (spec.md §9): a small, fixed method set that every variant in this
// package (direct FD, cached FD, COW FD) implements. There is no separate
// ECC variant: an error-corrected source is whatever FileDescriptor is
// passed as executor.Request.ErrorCorrectedSrc. Rather than an interface
// hierarchy we use one trait-like interface with tagged behavior, matching
// the teacher's BlockDevicer seam in installer/block_device.go.
type FileDescriptor interface {
	Open(path string, flags int, mode os.FileMode) error
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	PRead(buf []byte, offset int64) (int, error)
	PWrite(buf []byte, offset int64) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
	Flush() error
	BlockDevSize() (uint64, error)
	BlkIoctl(request uint32, start, length uint64) error
}

// OsFileDescriptor is the direct wrapper around *os.File.
type OsFileDescriptor struct {
	file *os.File
}

func NewOsFileDescriptor() *OsFileDescriptor {
	return &OsFileDescriptor{}
}

func (fd *OsFileDescriptor) Open(path string, flags int, mode os.FileMode) error {
	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", path)
	}
	fd.file = f
	return nil
}

// eintrRetry re-issues an I/O call that failed with EINTR, matching the
// EINTR-safety the teacher's Cmd wrapper and spec.md §4.5 require.
func eintrRetry(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return n, err
		}
	}
}

func (fd *OsFileDescriptor) Read(buf []byte) (int, error) {
	return eintrRetry(func() (int, error) { return fd.file.Read(buf) })
}

func (fd *OsFileDescriptor) Write(buf []byte) (int, error) {
	return eintrRetry(func() (int, error) { return fd.file.Write(buf) })
}

func (fd *OsFileDescriptor) PRead(buf []byte, offset int64) (int, error) {
	return eintrRetry(func() (int, error) { return fd.file.ReadAt(buf, offset) })
}

func (fd *OsFileDescriptor) PWrite(buf []byte, offset int64) (int, error) {
	return eintrRetry(func() (int, error) { return fd.file.WriteAt(buf, offset) })
}

func (fd *OsFileDescriptor) Seek(offset int64, whence int) (int64, error) {
	return fd.file.Seek(offset, whence)
}

func (fd *OsFileDescriptor) Close() error {
	if fd.file == nil {
		return nil
	}
	err := fd.file.Close()
	fd.file = nil
	return err
}

func (fd *OsFileDescriptor) Flush() error {
	return fd.file.Sync()
}

func (fd *OsFileDescriptor) BlockDevSize() (uint64, error) {
	return system.GetBlockDeviceSize(fd.file)
}

const (
	blkZeroOut uint32 = 1
	blkDiscard uint32 = 2
)

func (fd *OsFileDescriptor) BlkIoctl(request uint32, start, length uint64) error {
	switch request {
	case blkZeroOut:
		return system.ZeroOutRange(fd.file, start, length)
	case blkDiscard:
		return system.DiscardRange(fd.file, start, length)
	default:
		return errors.Errorf("unsupported ioctl request %d", request)
	}
}

const (
	BlkZeroOutRequest = blkZeroOut
	BlkDiscardRequest = blkDiscard
)

// CachedFileDescriptor buffers writes up to 1 MiB before flushing to the
// wrapped descriptor, matching spec.md §4.5 and the teacher's
// BlockFrameWriter/FlushingWriter chain in installer/block_device.go.
type CachedFileDescriptor struct {
	FileDescriptor
	buf       []byte
	cacheSize int
	offset    int64
}

const defaultCacheSize = 1 * 1024 * 1024

func NewCachedFileDescriptor(fd FileDescriptor) *CachedFileDescriptor {
	return &CachedFileDescriptor{
		FileDescriptor: fd,
		cacheSize:      defaultCacheSize,
	}
}

func (c *CachedFileDescriptor) Write(buf []byte) (int, error) {
	c.buf = append(c.buf, buf...)
	total := len(buf)
	for len(c.buf) >= c.cacheSize {
		n, err := c.FileDescriptor.Write(c.buf[:c.cacheSize])
		c.buf = c.buf[n:]
		if err != nil {
			return total - len(buf) + n, err
		}
	}
	return total, nil
}

func (c *CachedFileDescriptor) Flush() error {
	for len(c.buf) > 0 {
		n, err := c.FileDescriptor.Write(c.buf)
		c.buf = c.buf[n:]
		if err != nil {
			return err
		}
	}
	return c.FileDescriptor.Flush()
}

func (c *CachedFileDescriptor) Close() error {
	if err := c.Flush(); err != nil {
		log.Errorf("cached file descriptor: flush on close failed: %v", err)
		return err
	}
	return c.FileDescriptor.Close()
}
