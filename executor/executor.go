// Package executor implements the nine InstallOperation executors
// (spec.md §4.3): REPLACE, REPLACE_BZ, REPLACE_XZ, ZERO, DISCARD,
// SOURCE_COPY, SOURCE_BSDIFF, BROTLI_BSDIFF, PUFFDIFF.
package executor

import (
	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/manifest"
)

// SourceCopyOptimizer lets the Dynamic Partition Controller tell the
// SOURCE_COPY executor that a source/destination extent pair is already
// identical on both slots, so the copy can be skipped (spec.md §4.3).
type SourceCopyOptimizer interface {
	ShouldSkip(src, dst manifest.Extent) bool
}

// Request bundles everything one executor invocation needs: the decoded
// operation, the inline data blob (if the operation carries one), and the
// source/destination file descriptors it reads from and writes to.
type Request struct {
	Op manifest.InstallOperation

	// Data is the operation's inline payload blob, already sliced out of
	// the payload stream by the Delta Performer (REPLACE*, *BSDIFF,
	// PUFFDIFF operations carry one; SOURCE_COPY/ZERO/DISCARD do not).
	Data []byte

	// Src is the partition's source read descriptor. Required for
	// SOURCE_COPY and the diff operations; nil otherwise.
	Src extent.FileDescriptor

	// ErrorCorrectedSrc is an optional FEC-backed fallback reader over
	// the same source partition, consulted by SOURCE_COPY on hash
	// mismatch (spec.md §4.3).
	ErrorCorrectedSrc extent.FileDescriptor

	// Dst is the partition's target write descriptor.
	Dst extent.FileDescriptor

	// Optimizer, if non-nil, is asked before a SOURCE_COPY whether any
	// sub-range of src/dst extents can be skipped as already identical.
	Optimizer SourceCopyOptimizer
}

// Apply dispatches an operation to its executor. Every executor honors
// "write in extent order" and returns on the first I/O error. stats may be
// nil; when non-nil its counters are updated as the relevant conditions
// occur (currently only SOURCE_COPY's ECC-recovery counter).
func Apply(req Request, stats *Stats) error {
	switch req.Op.Type {
	case manifest.OpReplace:
		return applyReplace(req)
	case manifest.OpReplaceBz:
		return applyReplaceBz(req)
	case manifest.OpReplaceXz:
		return applyReplaceXz(req)
	case manifest.OpZero, manifest.OpDiscard:
		return applyZeroOrDiscard(req)
	case manifest.OpSourceCopy:
		return applySourceCopy(req, stats)
	case manifest.OpSourceBsdiff:
		return applyBsdiff(req, false)
	case manifest.OpBrotliBsdiff:
		return applyBsdiff(req, true)
	case manifest.OpPuffdiff:
		return applyPuffdiff(req)
	default:
		return errUnsupportedOperation(req.Op.Type)
	}
}

func errUnsupportedOperation(t manifest.OperationType) error {
	return &unsupportedOperationError{t: t}
}

type unsupportedOperationError struct {
	t manifest.OperationType
}

func (e *unsupportedOperationError) Error() string {
	return "executor: unsupported or deprecated operation " + e.t.Name()
}
