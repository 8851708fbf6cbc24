package executor

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"io"
	"io/ioutil"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"

	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/manifest"
)

// bsdiffMagic identifies a classic bsdiff40 patch container: a header
// naming the compressed lengths of the control, diff, and extra streams,
// followed by those three streams back to back.
const bsdiffMagic = "BSDIFF40"

// brotliBsdiffMagic differs only in the sub-stream codec (spec.md §4.3:
// "BROTLI_BSDIFF differs only in the patch container's compression
// codec").
const brotliBsdiffMagic = "BSDIFFB1"

// applyBsdiff reads the source extents fully into memory, applies the
// bsdiff patch in req.Data, and writes the result to the destination
// extents. Source and destination are presented to the bsdiff algorithm
// as plain byte slices — "abstract random-access streams" per spec.md
// §4.3 — since a decoded partition-sized patch target comfortably fits in
// memory for the block counts this system deals with.
func applyBsdiff(req Request, brotliCodec bool) error {
	srcList := manifest.ExtentsToCore(req.Op.SrcExtents)
	src, err := readFull(req.Src, srcList)
	if err != nil {
		return errors.Wrap(err, "executor: bsdiff source read failed")
	}

	dst, err := applyBsdiffPatch(src, req.Data, brotliCodec, int(req.Op.DstLength))
	if err != nil {
		return errors.Wrap(err, "executor: bsdiff patch application failed")
	}

	dstList := manifest.ExtentsToCore(req.Op.DstExtents)
	w := extent.NewWriter(req.Dst, dstList)
	if _, err := w.Write(dst); err != nil {
		return errors.Wrap(err, "executor: bsdiff write failed")
	}
	return nil
}

func readFull(fd extent.FileDescriptor, list extent.List) ([]byte, error) {
	if fd == nil {
		return nil, errors.New("executor: no source file descriptor")
	}
	r := extent.NewReader(fd, list)
	buf := make([]byte, extent.BytesIn(list))
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// applyBsdiffPatch implements the classic bsdiff40 apply algorithm: a
// control stream of (diff_len, extra_len, seek) triples drives copying
// diff_len bytes of old and diff added together bytewise, then extra_len bytes of
// extra verbatim, then seeking forward in old by seek bytes.
func applyBsdiffPatch(oldData, patch []byte, brotliCodec bool, newSize int) ([]byte, error) {
	wantMagic := bsdiffMagic
	if brotliCodec {
		wantMagic = brotliBsdiffMagic
	}
	if len(patch) < 32 || string(patch[0:8]) != wantMagic {
		return nil, errors.Errorf("bsdiff: bad magic, want %q", wantMagic)
	}

	ctrlLen := int64(binary.LittleEndian.Uint64(patch[8:16]))
	diffLen := int64(binary.LittleEndian.Uint64(patch[16:24]))
	if newSize == 0 {
		newSize = int(binary.LittleEndian.Uint64(patch[24:32]))
	}

	ctrlStart := int64(32)
	diffStart := ctrlStart + ctrlLen
	extraStart := diffStart + diffLen
	if extraStart > int64(len(patch)) {
		return nil, errors.New("bsdiff: truncated patch header")
	}

	ctrlReader, err := decodeStream(patch[ctrlStart:diffStart], brotliCodec)
	if err != nil {
		return nil, errors.Wrap(err, "bsdiff: control stream")
	}
	diffReader, err := decodeStream(patch[diffStart:extraStart], brotliCodec)
	if err != nil {
		return nil, errors.Wrap(err, "bsdiff: diff stream")
	}
	extraReader, err := decodeStream(patch[extraStart:], brotliCodec)
	if err != nil {
		return nil, errors.Wrap(err, "bsdiff: extra stream")
	}

	out := make([]byte, 0, newSize)
	oldPos := 0
	for len(out) < newSize {
		var triple [24]byte
		if _, err := io.ReadFull(ctrlReader, triple[:]); err != nil {
			return nil, errors.Wrap(err, "bsdiff: truncated control stream")
		}
		diffCount := int64(binary.LittleEndian.Uint64(triple[0:8]))
		extraCount := int64(binary.LittleEndian.Uint64(triple[8:16]))
		seek := int64(binary.LittleEndian.Uint64(triple[16:24]))

		diffBytes := make([]byte, diffCount)
		if _, err := io.ReadFull(diffReader, diffBytes); err != nil {
			return nil, errors.Wrap(err, "bsdiff: truncated diff stream")
		}
		for i := range diffBytes {
			if oldPos+i < len(oldData) {
				diffBytes[i] += oldData[oldPos+i]
			}
		}
		out = append(out, diffBytes...)
		oldPos += int(diffCount)

		extraBytes := make([]byte, extraCount)
		if _, err := io.ReadFull(extraReader, extraBytes); err != nil {
			return nil, errors.Wrap(err, "bsdiff: truncated extra stream")
		}
		out = append(out, extraBytes...)

		oldPos += int(seek)
	}

	if len(out) > newSize {
		out = out[:newSize]
	}
	return out, nil
}

func decodeStream(b []byte, brotliCodec bool) (io.Reader, error) {
	if brotliCodec {
		return brotli.NewReader(bytes.NewReader(b)), nil
	}
	r := bzip2.NewReader(bytes.NewReader(b))
	// bzip2.Reader has no explicit error-on-open; read eagerly so a
	// malformed stream fails here rather than mid-patch.
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
