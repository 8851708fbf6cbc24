// Package extent implements the Extent + Block I/O layer: arithmetic over
// (start_block, num_blocks) regions and the composable reader/writer
// primitives every operation executor and the filesystem verifier build on.
package extent

const (
	// SparseHole is the sentinel start_block value meaning "read as
	// zeros, skip on write".
	SparseHole uint64 = ^uint64(0)

	// BlockSize is the payload block size. The manifest's block_size
	// field must equal this (spec.md §6.1).
	BlockSize = 4096
)

// Extent is a (start_block, num_blocks) region of a partition.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// IsSparseHole reports whether this extent denotes a run of zero bytes that
// should be skipped on write and synthesized on read.
func (e Extent) IsSparseHole() bool {
	return e.StartBlock == SparseHole
}

// ByteOffset returns the byte offset of the extent's first block.
func (e Extent) ByteOffset() uint64 {
	return e.StartBlock * BlockSize
}

// ByteLength returns the extent's length in bytes.
func (e Extent) ByteLength() uint64 {
	return e.NumBlocks * BlockSize
}

// List is an ordered sequence of extents covering some byte region.
type List []Extent

// BlocksIn returns the total number of blocks covered by the list
// (spec.md §4.5, blocks_in(extents) = Σ num_blocks).
func BlocksIn(extents List) uint64 {
	var n uint64
	for _, e := range extents {
		n += e.NumBlocks
	}
	return n
}

// BytesIn returns the total number of bytes covered by the list.
func BytesIn(extents List) uint64 {
	return BlocksIn(extents) * BlockSize
}

// Adjacent reports whether extent b immediately follows extent a
// (a.start + a.num == b.start), per spec.md §4.5.
func Adjacent(a, b Extent) bool {
	return !a.IsSparseHole() && !b.IsSparseHole() && a.StartBlock+a.NumBlocks == b.StartBlock
}

// AppendBlock appends a single block to extents, merging into the last
// extent when it is adjacent, per spec.md §4.5's append_block contract.
func AppendBlock(extents List, block uint64) List {
	if len(extents) > 0 {
		last := extents[len(extents)-1]
		if Adjacent(last, Extent{StartBlock: block, NumBlocks: 1}) {
			extents[len(extents)-1].NumBlocks++
			return extents
		}
	}
	return append(extents, Extent{StartBlock: block, NumBlocks: 1})
}
