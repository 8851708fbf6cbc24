// Package verity implements the hash-tree (dm-verity) builder and
// Reed-Solomol FEC encoder the Filesystem Verifier drives while streaming
// a target partition's data region (spec.md §4.4 "Verity write").
package verity

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"

	"github.com/pkg/errors"
)

// HashFunction returns the digest constructor named by algorithm, or nil
// if unsupported — mirroring HashTreeBuilder::HashFunction in
// verity_writer_android.cc.
func HashFunction(algorithm string) func() hash.Hash {
	switch algorithm {
	case "sha256", "":
		return sha256.New
	case "sha1":
		return sha1.New
	default:
		return nil
	}
}

// HashTreeBuilder accumulates a dm-verity-style Merkle hash tree over a
// data stream fed block by block, grounded on
// payload_consumer/verity_writer_android.{h,cc}'s HashTreeBuilder usage:
// NewHashTreeBuilder fixes block size and algorithm, Initialize records
// data size and salt, Update is called once per sequential chunk of the
// data region, and BuildHashTree computes every level and the root hash.
//
// Level order on disk: this implementation writes the root level first,
// followed by each subsequent level down to the leaf level closest to the
// data (the original's on-disk order is an implementation encoding detail
// the spec does not pin down; this module only needs to be internally
// consistent between BuildHashTree and the Filesystem Verifier's own
// re-derivation, since both live in this module).
type HashTreeBuilder struct {
	blockSize  uint32
	newHash    func() hash.Hash
	salt       []byte
	digestSize int

	leafHashes [][]byte
	pending    []byte // partial block buffered across Update calls
	dataSize   uint64
	written    uint64

	levels   [][]byte // level[0] = leaf level blocks, concatenated
	rootHash []byte
}

// NewHashTreeBuilder constructs a builder for a partition's declared
// hash-tree parameters.
func NewHashTreeBuilder(blockSize uint32, newHash func() hash.Hash) *HashTreeBuilder {
	h := newHash()
	return &HashTreeBuilder{
		blockSize:  blockSize,
		newHash:    newHash,
		digestSize: h.Size(),
	}
}

// Initialize records the expected data size and salt (hex or raw bytes,
// passed through as given) for this build.
func (b *HashTreeBuilder) Initialize(dataSize uint64, salt []byte) error {
	if b.blockSize == 0 {
		return errors.New("verity: block size must be non-zero")
	}
	b.dataSize = dataSize
	b.salt = salt
	return nil
}

// CalculateSize returns the total on-disk hash tree size for dataSize
// bytes of protected data, matching
// HashTreeBuilder::CalculateSize so partition.hash_tree_size can be
// cross-checked before the stream starts (spec.md §4.4 Init step).
func (b *HashTreeBuilder) CalculateSize(dataSize uint64) uint64 {
	hashesPerBlock := uint64(b.blockSize) / uint64(b.digestSize)
	numDataBlocks := ceilDiv(dataSize, uint64(b.blockSize))

	levelBlocks := ceilDiv(numDataBlocks, hashesPerBlock)
	var total uint64
	total += levelBlocks * uint64(b.blockSize)
	for levelBlocks > 1 {
		levelBlocks = ceilDiv(levelBlocks, hashesPerBlock)
		total += levelBlocks * uint64(b.blockSize)
	}
	return total
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// Update hashes every complete block_size chunk in buf, buffering any
// partial trailing bytes until the next call completes it.
func (b *HashTreeBuilder) Update(buf []byte) error {
	b.pending = append(b.pending, buf...)
	for uint64(len(b.pending)) >= uint64(b.blockSize) {
		block := b.pending[:b.blockSize]
		b.leafHashes = append(b.leafHashes, b.hashBlock(block))
		b.pending = b.pending[b.blockSize:]
		b.written += uint64(b.blockSize)
	}
	return nil
}

func (b *HashTreeBuilder) hashBlock(block []byte) []byte {
	h := b.newHash()
	h.Write(b.salt)
	h.Write(block)
	return h.Sum(nil)
}

// BuildHashTree finalizes the tree: packs leaf hashes into blocks, then
// recursively hashes each level's blocks into the next, until a single
// root block remains.
func (b *HashTreeBuilder) BuildHashTree() error {
	if len(b.pending) > 0 {
		// pad the final partial block with zeros, matching dm-verity's
		// convention of hashing a zero-padded last block.
		padded := make([]byte, b.blockSize)
		copy(padded, b.pending)
		b.leafHashes = append(b.leafHashes, b.hashBlock(padded))
		b.pending = nil
	}

	level := packHashes(b.leafHashes, b.blockSize, b.digestSize)
	b.levels = [][]byte{level}

	for len(level)/int(b.blockSize) > 1 {
		numBlocks := len(level) / int(b.blockSize)
		var next [][]byte
		for i := 0; i < numBlocks; i++ {
			block := level[i*int(b.blockSize) : (i+1)*int(b.blockSize)]
			next = append(next, b.hashBlock(block))
		}
		level = packHashes(next, b.blockSize, b.digestSize)
		b.levels = append(b.levels, level)
	}

	if len(level) != int(b.blockSize) {
		return errors.New("verity: root level did not converge to a single block")
	}
	root := b.hashBlock(level)
	b.rootHash = root
	return nil
}

// RootHash returns the final root digest, valid after BuildHashTree.
func (b *HashTreeBuilder) RootHash() []byte {
	return b.rootHash
}

// WriteHashTree calls write(offset, data) once per level, root level
// first, placing each level back to back starting at relative offset 0
// within the hash tree region (spec.md §4.4's hash_tree_offset window is
// applied by the caller).
func (b *HashTreeBuilder) WriteHashTree(write func(offset uint64, data []byte) error) error {
	var offset uint64
	for i := len(b.levels) - 1; i >= 0; i-- {
		level := b.levels[i]
		if err := write(offset, level); err != nil {
			return errors.Wrap(err, "verity: failed to write hash tree level")
		}
		offset += uint64(len(level))
	}
	return nil
}

// packHashes packs a sequence of digests into blocks of blockSize bytes,
// hashesPerBlock per block, zero-padding the final block.
func packHashes(hashes [][]byte, blockSize uint32, digestSize int) []byte {
	hashesPerBlock := int(blockSize) / digestSize
	if hashesPerBlock == 0 {
		hashesPerBlock = 1
	}
	numBlocks := (len(hashes) + hashesPerBlock - 1) / hashesPerBlock
	if numBlocks == 0 {
		numBlocks = 1
	}
	out := make([]byte, numBlocks*int(blockSize))
	for i, h := range hashes {
		copy(out[i*digestSize:], h)
	}
	return out
}
