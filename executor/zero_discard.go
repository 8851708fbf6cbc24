package executor

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/manifest"
)

// zeroBufferBlocks is the size (in blocks) of the pre-sized zero buffer
// used when the BLKZEROOUT/BLKDISCARD ioctl fails (spec.md §4.3: "16x
// block size").
const zeroBufferBlocks = 16

// applyZeroOrDiscard attempts the matching block ioctl on each destination
// extent, falling back to writing zero bytes across the extent on failure
// (spec.md §4.3 ZERO/DISCARD).
func applyZeroOrDiscard(req Request) error {
	request := extent.BlkZeroOutRequest
	if req.Op.Type == manifest.OpDiscard {
		request = extent.BlkDiscardRequest
	}

	for _, e := range req.Op.DstExtents {
		core := e.ToCore()
		if err := req.Dst.BlkIoctl(request, core.ByteOffset(), core.ByteLength()); err == nil {
			continue
		} else {
			log.Debugf("executor: %s ioctl failed for extent %+v, falling back to zero-buffer write: %v",
				req.Op.Type.Name(), e, err)
		}

		if err := writeZeroBuffer(req.Dst, core); err != nil {
			return errors.Wrapf(err, "executor: %s fallback write failed", req.Op.Type.Name())
		}
	}
	return nil
}

func writeZeroBuffer(dst extent.FileDescriptor, e extent.Extent) error {
	zeroBuf := make([]byte, zeroBufferBlocks*uint64(extent.BlockSize))
	w := extent.NewWriter(dst, extent.List{extent.Extent{StartBlock: e.StartBlock, NumBlocks: e.NumBlocks}})

	remaining := e.ByteLength()
	for remaining > 0 {
		n := uint64(len(zeroBuf))
		if n > remaining {
			n = remaining
		}
		if _, err := w.Write(zeroBuf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}
