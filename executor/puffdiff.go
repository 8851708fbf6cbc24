package executor

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/manifest"
	"github.com/mendersoftware/payloadcore/utils"
)

// puffdiffMagic identifies the patch container. There is no .proto/IDL
// for the real puffin format available in this module's retrieval pack;
// this container captures the shape spec.md §4.3 describes (a sequence
// of copy/insert/re-deflate segments) rather than byte-matching puffin.
const puffdiffMagic = "PUFFDIFF"

const (
	puffOpCopy    byte = 0
	puffOpInsert  byte = 1
	puffOpDeflate byte = 2
)

// puffdiffCacheLimit bounds the total bytes the re-deflate segments may
// inflate to across one operation (spec.md §4.3: "≤ 5 MiB total").
const puffdiffCacheLimit = 5 * 1024 * 1024

// applyPuffdiff applies a puff-encoded patch: copy ranges out of the
// source, insert literal bytes, and re-inflate deflate segments that were
// re-compressed to save space in transit (spec.md §4.3 PUFFDIFF). Only the
// inflated output of deflate segments counts against puffdiffCacheLimit;
// copied and inserted bytes are not bounded by it.
func applyPuffdiff(req Request) error {
	srcList := manifest.ExtentsToCore(req.Op.SrcExtents)
	src, err := readFull(req.Src, srcList)
	if err != nil {
		return errors.Wrap(err, "executor: puffdiff source read failed")
	}

	out, err := applyPuffdiffPatch(src, req.Data)
	if err != nil {
		return errors.Wrap(err, "executor: puffdiff patch application failed")
	}

	dstList := manifest.ExtentsToCore(req.Op.DstExtents)
	w := extent.NewWriter(req.Dst, dstList)
	if _, err := w.Write(out); err != nil {
		return errors.Wrap(err, "executor: puffdiff write failed")
	}
	return nil
}

func applyPuffdiffPatch(src, patch []byte) ([]byte, error) {
	if len(patch) < len(puffdiffMagic)+16 || string(patch[:len(puffdiffMagic)]) != puffdiffMagic {
		return nil, errors.New("puffdiff: bad magic")
	}
	p := patch[len(puffdiffMagic):]
	newSize := binary.BigEndian.Uint64(p[0:8])
	opCount := binary.BigEndian.Uint64(p[8:16])
	p = p[16:]

	var out bytes.Buffer
	cacheBudget := &utils.BoundedWriter{Dest: &out, Remaining: puffdiffCacheLimit}

	for i := uint64(0); i < opCount; i++ {
		if len(p) < 1 {
			return nil, errors.New("puffdiff: truncated op stream")
		}
		op := p[0]
		p = p[1:]

		switch op {
		case puffOpCopy:
			if len(p) < 16 {
				return nil, errors.New("puffdiff: truncated copy op")
			}
			offset := binary.BigEndian.Uint64(p[0:8])
			length := binary.BigEndian.Uint64(p[8:16])
			p = p[16:]
			if offset+length > uint64(len(src)) {
				return nil, errors.New("puffdiff: copy op out of source range")
			}
			if _, err := out.Write(src[offset : offset+length]); err != nil {
				return nil, err
			}

		case puffOpInsert:
			if len(p) < 8 {
				return nil, errors.New("puffdiff: truncated insert op")
			}
			length := binary.BigEndian.Uint64(p[0:8])
			p = p[8:]
			if uint64(len(p)) < length {
				return nil, errors.New("puffdiff: truncated insert payload")
			}
			if _, err := out.Write(p[:length]); err != nil {
				return nil, err
			}
			p = p[length:]

		case puffOpDeflate:
			if len(p) < 8 {
				return nil, errors.New("puffdiff: truncated deflate op")
			}
			length := binary.BigEndian.Uint64(p[0:8])
			p = p[8:]
			if uint64(len(p)) < length {
				return nil, errors.New("puffdiff: truncated deflate payload")
			}
			segment := p[:length]
			p = p[length:]

			fr := flate.NewReader(bytes.NewReader(segment))
			if _, err := io.Copy(cacheBudget, fr); err != nil {
				fr.Close()
				return nil, errors.Wrap(err, "puffdiff: deflate segment exceeds cache budget or is corrupt")
			}
			fr.Close()

		default:
			return nil, errors.Errorf("puffdiff: unknown op %d", op)
		}
	}

	if uint64(out.Len()) != newSize {
		return nil, errors.Errorf("puffdiff: assembled %d bytes, manifest declared %d", out.Len(), newSize)
	}
	return out.Bytes(), nil
}
