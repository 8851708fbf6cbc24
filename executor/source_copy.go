package executor

import (
	"bytes"
	"crypto/sha256"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/manifest"
)

// Stats holds counters observable across executor invocations.
// SourceECCRecoveredFailures is incremented whenever SOURCE_COPY's
// direct source read fails its hash check but the error-corrected
// fallback read succeeds — a condition spec.md's scenario 4 (§8) depends
// on being observable from outside the executor.
type Stats struct {
	SourceECCRecoveredFailures uint64
}

func (s *Stats) recordECCRecovery() {
	if s != nil {
		atomic.AddUint64(&s.SourceECCRecoveredFailures, 1)
	}
}

// applySourceCopy copies src_extents to dst_extents verbatim, verifying
// the source's declared hash and retrying through an error-corrected
// source on mismatch (spec.md §4.3 SOURCE_COPY).
func applySourceCopy(req Request, stats *Stats) error {
	srcList := manifest.ExtentsToCore(req.Op.SrcExtents)
	dstList := manifest.ExtentsToCore(req.Op.DstExtents)

	if skipAllIdentical(req) {
		return nil
	}

	data, err := readSourceWithECC(req, srcList, stats)
	if err != nil {
		return err
	}

	w := extent.NewWriter(req.Dst, dstList)
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "executor: SOURCE_COPY write failed")
	}
	return nil
}

// skipAllIdentical asks the DPC optimizer, extent pair by extent pair,
// whether the whole operation is a no-op because source and destination
// already agree (spec.md §4.3: "the executor must ask the controller
// whether optimization applies before starting").
func skipAllIdentical(req Request) bool {
	if req.Optimizer == nil || len(req.Op.SrcExtents) != len(req.Op.DstExtents) {
		return false
	}
	for i := range req.Op.SrcExtents {
		if !req.Optimizer.ShouldSkip(req.Op.SrcExtents[i], req.Op.DstExtents[i]) {
			return false
		}
	}
	return true
}

func readSourceWithECC(req Request, srcList extent.List, stats *Stats) ([]byte, error) {
	data, hash, readErr := readAndHash(req.Src, srcList)
	if readErr == nil && matchesHash(hash, req.Op.SrcSha256Hash) {
		return data, nil
	}

	if req.ErrorCorrectedSrc == nil {
		if readErr != nil {
			return nil, errors.Wrap(readErr, "executor: SOURCE_COPY source read failed")
		}
		return nil, errors.New("executor: SOURCE_COPY source hash mismatch, no error-corrected source available")
	}

	eccData, eccHash, eccErr := readAndHash(req.ErrorCorrectedSrc, srcList)
	if eccErr != nil {
		return nil, errors.Wrap(eccErr, "executor: SOURCE_COPY error-corrected source read failed")
	}
	if !matchesHash(eccHash, req.Op.SrcSha256Hash) {
		return nil, errors.New("executor: SOURCE_COPY source hash mismatch on both direct and error-corrected reads")
	}

	stats.recordECCRecovery()
	return eccData, nil
}

func matchesHash(got, want []byte) bool {
	if len(want) == 0 {
		return true
	}
	return bytes.Equal(got, want)
}

func readAndHash(fd extent.FileDescriptor, list extent.List) ([]byte, []byte, error) {
	if fd == nil {
		return nil, nil, errors.New("executor: no source file descriptor")
	}
	r := extent.NewReader(fd, list)
	buf := make([]byte, extent.BytesIn(list))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(buf)
	return buf, sum[:], nil
}
