package verity

import (
	"bytes"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"

	"github.com/mendersoftware/payloadcore/extent"
)

// FECRSM is the Reed-Solomon codeword size libfec's FEC_RSM constant uses
// (payload_consumer/verity_writer_android.cc: "rs_n = FEC_RSM - fec_roots").
const FECRSM = 255

// FECParams describes one partition's forward error correction layout, as
// declared by its manifest (fec_roots, plus the block size the protected
// data region uses).
type FECParams struct {
	BlockSize uint32
	FecRoots  uint32
}

// DataShards returns the number of data blocks encoded together per round.
func (p FECParams) DataShards() int {
	return FECRSM - int(p.FecRoots)
}

// EncoderConfig configures EncodeFEC's source and destination.
type EncoderConfig struct {
	Params FECParams
	// ReadBlock returns the blockSize bytes at the given zero-based block
	// index within the protected data region, zero-padding past the end.
	ReadBlock func(blockIndex uint64) ([]byte, error)
	// NumBlocks is the number of blocks in the protected data region.
	NumBlocks uint64
	// Dest receives the encoded FEC stream starting at relative offset 0;
	// the caller applies partition.fec_offset before wiring this in.
	Dest extent.FileDescriptor
}

// EncodeFEC computes interleaved Reed-Solomon parity over the data region
// one round at a time — each round gathers DataShards() consecutive blocks,
// encodes FecRoots parity blocks across them, and appends those parity
// blocks to the FEC stream — grounded on VerityWriterAndroid::EncodeFEC's
// round/rs_n structure, though implemented here at block (not
// libfec's finer byte-interleave) granularity since klauspost/reedsolomon's
// shard API operates on whole byte shards.
//
// Dest is wrapped in a 1 MiB write cache (extent.CachedFileDescriptor),
// mirroring the original's use of a cached FileDescriptor to absorb the
// many small per-round writes before they hit the (possibly COW-backed)
// destination.
func EncodeFEC(cfg EncoderConfig) error {
	dataShards := cfg.Params.DataShards()
	if dataShards <= 0 {
		return errors.Errorf("verity: fec_roots %d leaves no data shards", cfg.Params.FecRoots)
	}
	enc, err := reedsolomon.New(dataShards, int(cfg.Params.FecRoots))
	if err != nil {
		return errors.Wrap(err, "verity: failed to construct Reed-Solomon encoder")
	}

	cached := extent.NewCachedFileDescriptor(cfg.Dest)

	rounds := ceilDiv(cfg.NumBlocks, uint64(dataShards))
	for round := uint64(0); round < rounds; round++ {
		shards := make([][]byte, dataShards+int(cfg.Params.FecRoots))
		for i := 0; i < dataShards; i++ {
			blockIdx := round*uint64(dataShards) + uint64(i)
			block, err := cfg.ReadBlock(blockIdx)
			if err != nil {
				return errors.Wrapf(err, "verity: failed reading block %d for fec round %d", blockIdx, round)
			}
			shards[i] = block
		}
		for i := 0; i < int(cfg.Params.FecRoots); i++ {
			shards[dataShards+i] = make([]byte, cfg.Params.BlockSize)
		}

		if err := enc.Encode(shards); err != nil {
			return errors.Wrapf(err, "verity: reed-solomon encode failed at round %d", round)
		}

		for i := 0; i < int(cfg.Params.FecRoots); i++ {
			if _, err := cached.Write(shards[dataShards+i]); err != nil {
				return errors.Wrap(err, "verity: fec write failed")
			}
		}
	}
	return cached.Flush()
}

// VerifyFEC recomputes parity for the same data region and compares it
// against what is already on disk, mirroring EncodeFEC's verify_mode
// branch rather than overwriting existing parity.
func VerifyFEC(cfg EncoderConfig, existing extent.FileDescriptor) error {
	bufFd := &memoryFileDescriptor{}
	recomputeCfg := cfg
	recomputeCfg.Dest = bufFd
	if err := EncodeFEC(recomputeCfg); err != nil {
		return err
	}

	got := make([]byte, len(bufFd.data))
	if _, err := existing.PRead(got, 0); err != nil {
		return errors.Wrap(err, "verity: failed reading existing fec data for verification")
	}
	if !bytes.Equal(got, bufFd.data) {
		return errors.New("verity: fec verification mismatch")
	}
	return nil
}

// memoryFileDescriptor is a minimal in-memory extent.FileDescriptor used
// only to let VerifyFEC reuse EncodeFEC's sequential-write path without
// touching real storage.
type memoryFileDescriptor struct {
	data   []byte
	cursor int
}

func (m *memoryFileDescriptor) Open(string, int, os.FileMode) error { return nil }

func (m *memoryFileDescriptor) Read(p []byte) (int, error) {
	if m.cursor >= len(m.data) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.cursor:])
	m.cursor += n
	return n, nil
}

func (m *memoryFileDescriptor) Write(p []byte) (int, error) {
	m.data = append(m.data, p...)
	return len(p), nil
}

func (m *memoryFileDescriptor) PRead(p []byte, offset int64) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, io.EOF
	}
	return copy(p, m.data[offset:]), nil
}

func (m *memoryFileDescriptor) PWrite(p []byte, offset int64) (int, error) {
	end := offset + int64(len(p))
	if int64(len(m.data)) < end {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[offset:], p)
	return len(p), nil
}

func (m *memoryFileDescriptor) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.cursor = int(offset)
	case io.SeekCurrent:
		m.cursor += int(offset)
	case io.SeekEnd:
		m.cursor = len(m.data) + int(offset)
	}
	return int64(m.cursor), nil
}

func (m *memoryFileDescriptor) Close() error                  { return nil }
func (m *memoryFileDescriptor) Flush() error                  { return nil }
func (m *memoryFileDescriptor) BlockDevSize() (uint64, error) { return uint64(len(m.data)), nil }
func (m *memoryFileDescriptor) BlkIoctl(uint32, uint64, uint64) error {
	return errors.New("memoryFileDescriptor: ioctl unsupported")
}
