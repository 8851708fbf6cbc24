package manifest

import (
	"github.com/mendersoftware/payloadcore/extent"
)

// OperationType names the nine operation kinds spec.md §4.3 defines
// executors for. Numeric values follow the InstallOperation.Type enum this
// system's wire format is modeled on; MOVE and BSDIFF are retained only as
// reserved/deprecated values so unknown-payload detection can name them.
type OperationType int32

const (
	OpReplace      OperationType = 0
	OpReplaceBz    OperationType = 1
	OpMove         OperationType = 2 // deprecated, rejected if encountered
	OpBsdiff       OperationType = 3 // deprecated, rejected if encountered
	OpSourceCopy   OperationType = 4
	OpSourceBsdiff OperationType = 5
	OpZero         OperationType = 6
	OpDiscard      OperationType = 7
	OpReplaceXz    OperationType = 8
	OpPuffdiff     OperationType = 9
	OpBrotliBsdiff OperationType = 10
)

// Name returns the human-readable operation name, matching
// InstallOperationTypeName in the original implementation.
func (t OperationType) Name() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBz:
		return "REPLACE_BZ"
	case OpSourceCopy:
		return "SOURCE_COPY"
	case OpSourceBsdiff:
		return "SOURCE_BSDIFF"
	case OpZero:
		return "ZERO"
	case OpDiscard:
		return "DISCARD"
	case OpReplaceXz:
		return "REPLACE_XZ"
	case OpPuffdiff:
		return "PUFFDIFF"
	case OpBrotliBsdiff:
		return "BROTLI_BSDIFF"
	case OpMove, OpBsdiff:
		return "<deprecated>"
	default:
		return "<unknown_op>"
	}
}

// Extent mirrors extent.Extent in the manifest's wire representation; kept
// distinct so this package has no write-path dependency on extent's
// FileDescriptor abstractions, only on the plain (start,num) pair.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// ToCore converts a wire Extent to the core extent.Extent used by the
// executors and the extent.Reader/Writer.
func (e Extent) ToCore() extent.Extent {
	return extent.Extent{StartBlock: e.StartBlock, NumBlocks: e.NumBlocks}
}

// ExtentsToCore converts a wire extent list to extent.List.
func ExtentsToCore(extents []Extent) extent.List {
	out := make(extent.List, len(extents))
	for i, e := range extents {
		out[i] = e.ToCore()
	}
	return out
}

// InstallOperation is one manifest operation: a transform from zero or more
// source extents into one or more destination extents, per spec.md §4.3.
type InstallOperation struct {
	Type           OperationType
	DataOffset     uint64
	DataLength     uint64
	SrcExtents     []Extent
	SrcLength      uint64
	DstExtents     []Extent
	DstLength      uint64
	DataSha256Hash []byte
	SrcSha256Hash  []byte
}

// HasSourceExtents reports whether this operation reads from source
// partition blocks, used by the full-payload-fallback check in spec.md §5
// ("fail if manifest contains any operation that references source
// blocks").
func (op *InstallOperation) HasSourceExtents() bool {
	return len(op.SrcExtents) > 0
}
