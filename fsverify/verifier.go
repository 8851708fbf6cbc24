// Package fsverify implements the Filesystem Verifier (spec.md §4.4): once
// the Delta Performer finishes writing a partition, it stream-hashes the
// partition's data region and compares the result against the plan's
// declared target_sha256, optionally building the dm-verity hash tree and
// Reed-Solomon FEC region in the same pass.
package fsverify

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/verity"
)

// DefaultChunkSize is the read granularity spec.md §4.4 names ("default
// 128 KiB").
const DefaultChunkSize = 128 * 1024

// MismatchKind distinguishes the two ways a target hash mismatch is
// reported, mirroring spec.md §4.4 step 4.
type MismatchKind int

const (
	// NewRootfsVerificationError: the source partition still matches its
	// own expected hash, so the server-sent payload itself produced a
	// bad target — the payload is inconsistent with this device.
	NewRootfsVerificationError MismatchKind = iota
	// DownloadStateInitializationError: the target mismatches and the
	// source either fails its own expected hash (the device was not in the
	// pre-update state the payload was built against) or has no source
	// expectation to check.
	DownloadStateInitializationError
)

func (k MismatchKind) String() string {
	switch k {
	case NewRootfsVerificationError:
		return "NewRootfsVerificationError"
	case DownloadStateInitializationError:
		return "DownloadStateInitializationError"
	default:
		return "unknown"
	}
}

// MismatchError reports a target hash mismatch for one partition, already
// classified per spec.md §4.4 step 4.
type MismatchError struct {
	Partition string
	Kind      MismatchKind
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("fsverify: partition %q failed verification: %s", e.Partition, e.Kind)
}

// VerityPlan carries a partition's declared hash-tree/FEC geometry, used
// only when WriteVerity is set.
type VerityPlan struct {
	HashTreeDataOffset uint64
	HashTreeDataSize   uint64
	HashTreeOffset     uint64
	HashTreeAlgorithm  string
	HashTreeSalt       []byte

	FecDataOffset uint64
	FecDataSize   uint64
	FecOffset     uint64
	FecRoots      uint32

	BlockSize uint32
}

// Partition is one entry in the Filesystem Verifier's plan-ordered work
// list (spec.md §4.4).
type Partition struct {
	Name string

	// Target is opened against the target device (or COW reader, when
	// VABC is active) by the caller, per spec.md §4.4 step 1.
	Target       extent.FileDescriptor
	TargetSize   uint64
	TargetSha256 []byte

	// Source is nil for partitions with no source-side expectation.
	Source       extent.FileDescriptor
	SourceSize   uint64
	SourceSha256 []byte

	WriteVerity bool
	Verity      VerityPlan

	// VerityWriteFD is the separate write file descriptor the verity
	// region is written through, honoring spec.md §4.4's "read and write
	// happen through separate file descriptors" requirement. Required
	// only when WriteVerity is true.
	VerityWriteFD extent.FileDescriptor

	ChunkSize int
}

// VerifyPartition runs the streaming hash (and, when requested, the
// verity write) for one partition and returns a *MismatchError when the
// target hash does not match, or any I/O error encountered along the way.
func VerifyPartition(p Partition) error {
	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	hashLimit := p.TargetSize
	if p.WriteVerity {
		if p.Verity.HashTreeDataSize > 0 {
			boundary := p.Verity.HashTreeDataOffset + p.Verity.HashTreeDataSize
			if boundary < hashLimit {
				hashLimit = boundary
			}
		}
		if p.Verity.FecDataSize > 0 {
			boundary := p.Verity.FecDataOffset + p.Verity.FecDataSize
			if boundary < hashLimit {
				hashLimit = boundary
			}
		}
	}

	var builder *verity.HashTreeBuilder
	if p.WriteVerity {
		newHash := verity.HashFunction(p.Verity.HashTreeAlgorithm)
		if newHash == nil {
			return errors.Errorf("fsverify: partition %q declares unsupported hash tree algorithm %q", p.Name, p.Verity.HashTreeAlgorithm)
		}
		builder = verity.NewHashTreeBuilder(p.Verity.BlockSize, newHash)
		if err := builder.Initialize(hashLimit, p.Verity.HashTreeSalt); err != nil {
			return errors.Wrap(err, "fsverify: failed to initialize hash tree builder")
		}
	}

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	var read uint64
	for read < hashLimit {
		want := hashLimit - read
		if want > uint64(len(buf)) {
			want = uint64(len(buf))
		}
		n, err := io.ReadFull(p.Target, buf[:want])
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return errors.Wrapf(err, "fsverify: partition %q read failed", p.Name)
		}
		if n == 0 {
			break
		}
		hasher.Write(buf[:n])
		if builder != nil {
			if err := builder.Update(buf[:n]); err != nil {
				return errors.Wrap(err, "fsverify: hash tree update failed")
			}
		}
		read += uint64(n)
	}

	if builder != nil {
		if err := finalizeVerity(p, builder, hashLimit); err != nil {
			return err
		}
	}

	got := hasher.Sum(nil)
	if bytes.Equal(got, p.TargetSha256) {
		return nil
	}

	return classifyMismatch(p)
}

func finalizeVerity(p Partition, builder *verity.HashTreeBuilder, hashLimit uint64) error {
	if err := builder.BuildHashTree(); err != nil {
		return errors.Wrap(err, "fsverify: failed to build hash tree")
	}
	err := builder.WriteHashTree(func(offset uint64, data []byte) error {
		if _, err := p.VerityWriteFD.PWrite(data, int64(p.Verity.HashTreeOffset+offset)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "fsverify: failed to write hash tree")
	}

	if p.Verity.FecDataSize == 0 {
		return nil
	}

	blockSize := uint64(p.Verity.BlockSize)
	numBlocks := (p.Verity.FecDataSize + blockSize - 1) / blockSize
	readFd := p.Target
	cfg := verity.EncoderConfig{
		Params: verity.FECParams{BlockSize: p.Verity.BlockSize, FecRoots: p.Verity.FecRoots},
		ReadBlock: func(idx uint64) ([]byte, error) {
			block := make([]byte, blockSize)
			offset := p.Verity.FecDataOffset + idx*blockSize
			if _, err := readFd.PRead(block, int64(offset)); err != nil && err != io.EOF {
				return nil, err
			}
			return block, nil
		},
		NumBlocks: numBlocks,
		Dest:      newFecWriteAt(p.VerityWriteFD, int64(p.Verity.FecOffset)),
	}
	if err := verity.EncodeFEC(cfg); err != nil {
		return errors.Wrap(err, "fsverify: failed to encode fec")
	}
	return nil
}

func classifyMismatch(p Partition) error {
	if p.Source == nil || p.SourceSha256 == nil {
		return &MismatchError{Partition: p.Name, Kind: DownloadStateInitializationError}
	}

	hasher := sha256.New()
	buf := make([]byte, DefaultChunkSize)
	var read uint64
	for read < p.SourceSize {
		want := p.SourceSize - read
		if want > uint64(len(buf)) {
			want = uint64(len(buf))
		}
		n, err := io.ReadFull(p.Source, buf[:want])
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return errors.Wrapf(err, "fsverify: partition %q source read failed", p.Name)
		}
		if n == 0 {
			break
		}
		hasher.Write(buf[:n])
		read += uint64(n)
	}

	if bytes.Equal(hasher.Sum(nil), p.SourceSha256) {
		return &MismatchError{Partition: p.Name, Kind: NewRootfsVerificationError}
	}
	return &MismatchError{Partition: p.Name, Kind: DownloadStateInitializationError}
}

// fecWriteAt adapts an extent.FileDescriptor plus a fixed base offset into
// the sequential-write shape verity.EncodeFEC expects, so the FEC region
// lands at partition.fec_offset rather than relative offset 0.
type fecWriteAt struct {
	fd   extent.FileDescriptor
	base int64
	pos  *int64
}

func newFecWriteAt(fd extent.FileDescriptor, base int64) fecWriteAt {
	return fecWriteAt{fd: fd, base: base, pos: new(int64)}
}

func (f fecWriteAt) Open(path string, flags int, mode os.FileMode) error {
	return f.fd.Open(path, flags, mode)
}
func (f fecWriteAt) Read(buf []byte) (int, error) { return f.fd.Read(buf) }
func (f fecWriteAt) Write(buf []byte) (int, error) {
	n, err := f.fd.PWrite(buf, f.base+*f.pos)
	*f.pos += int64(n)
	return n, err
}
func (f fecWriteAt) PRead(buf []byte, offset int64) (int, error) {
	return f.fd.PRead(buf, f.base+offset)
}
func (f fecWriteAt) PWrite(buf []byte, offset int64) (int, error) {
	return f.fd.PWrite(buf, f.base+offset)
}
func (f fecWriteAt) Seek(offset int64, whence int) (int64, error) { return f.fd.Seek(offset, whence) }
func (f fecWriteAt) Close() error                                 { return nil }
func (f fecWriteAt) Flush() error                                 { return f.fd.Flush() }
func (f fecWriteAt) BlockDevSize() (uint64, error)                { return f.fd.BlockDevSize() }
func (f fecWriteAt) BlkIoctl(request uint32, start, length uint64) error {
	return f.fd.BlkIoctl(request, start, length)
}
