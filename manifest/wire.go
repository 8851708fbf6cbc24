package manifest

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers follow the update_metadata.proto schema this system's
// payload format is modeled on (spec.md §6.1). There is no .proto codegen
// available in this module, so messages are hand-decoded/encoded with
// protowire at the tag/varint level.
const (
	fieldExtentStartBlock = 1
	fieldExtentNumBlocks  = 2

	fieldOpType           = 1
	fieldOpDataOffset     = 2
	fieldOpDataLength     = 3
	fieldOpSrcExtents     = 4
	fieldOpSrcLength      = 5
	fieldOpDstExtents     = 6
	fieldOpDstLength      = 7
	fieldOpDataSha256     = 8
	fieldOpSrcSha256      = 9

	fieldPartInfoSize = 1
	fieldPartInfoHash = 2

	fieldPUPartitionName    = 1
	fieldPURunPostinstall   = 2
	fieldPUPostinstallPath  = 3
	fieldPUFilesystemType   = 4
	fieldPUOldPartitionInfo = 6
	fieldPUNewPartitionInfo = 7
	fieldPUOperations       = 8
	fieldPUPostinstallOpt   = 9
	fieldPUHashTreeExtent     = 10
	fieldPUHashTreeDataExtent = 11
	fieldPUHashTreeAlgorithm  = 12
	fieldPUHashTreeSalt       = 13
	fieldPUFecExtent          = 14
	fieldPUFecDataExtent      = 15
	fieldPUFecRoots           = 16
	fieldPUVersion            = 17

	fieldDPGName           = 1
	fieldDPGSize           = 2
	fieldDPGPartitionNames = 3

	fieldDPMGroups          = 1
	fieldDPMSnapshotEnabled = 2

	fieldManifestBlockSize       = 3
	fieldManifestSignaturesOff   = 4
	fieldManifestSignaturesSize  = 5
	fieldManifestMinorVersion    = 12
	fieldManifestPartitions      = 13
	fieldManifestDynPartMeta     = 15
	fieldManifestPartialUpdate   = 16
)

func marshalExtent(e Extent) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldExtentStartBlock, protowire.VarintType)
	b = protowire.AppendVarint(b, e.StartBlock)
	b = protowire.AppendTag(b, fieldExtentNumBlocks, protowire.VarintType)
	b = protowire.AppendVarint(b, e.NumBlocks)
	return b
}

func unmarshalExtent(buf []byte) (Extent, error) {
	var e Extent
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return e, errors.New("manifest: bad extent tag")
		}
		buf = buf[n:]
		switch num {
		case fieldExtentStartBlock:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, errors.New("manifest: bad extent.start_block")
			}
			e.StartBlock = v
			buf = buf[n:]
		case fieldExtentNumBlocks:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, errors.New("manifest: bad extent.num_blocks")
			}
			e.NumBlocks = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return e, errors.New("manifest: bad extent field")
			}
			buf = buf[n:]
		}
	}
	return e, nil
}

func marshalOperation(op InstallOperation) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOpType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Type))
	b = protowire.AppendTag(b, fieldOpDataOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DataOffset)
	b = protowire.AppendTag(b, fieldOpDataLength, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DataLength)
	for _, e := range op.SrcExtents {
		b = protowire.AppendTag(b, fieldOpSrcExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(e))
	}
	b = protowire.AppendTag(b, fieldOpSrcLength, protowire.VarintType)
	b = protowire.AppendVarint(b, op.SrcLength)
	for _, e := range op.DstExtents {
		b = protowire.AppendTag(b, fieldOpDstExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(e))
	}
	b = protowire.AppendTag(b, fieldOpDstLength, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DstLength)
	if len(op.DataSha256Hash) > 0 {
		b = protowire.AppendTag(b, fieldOpDataSha256, protowire.BytesType)
		b = protowire.AppendBytes(b, op.DataSha256Hash)
	}
	if len(op.SrcSha256Hash) > 0 {
		b = protowire.AppendTag(b, fieldOpSrcSha256, protowire.BytesType)
		b = protowire.AppendBytes(b, op.SrcSha256Hash)
	}
	return b
}

func unmarshalOperation(buf []byte) (InstallOperation, error) {
	var op InstallOperation
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return op, errors.New("manifest: bad operation tag")
		}
		buf = buf[n:]
		switch num {
		case fieldOpType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.type")
			}
			op.Type = OperationType(v)
			buf = buf[n:]
		case fieldOpDataOffset:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.data_offset")
			}
			op.DataOffset = v
			buf = buf[n:]
		case fieldOpDataLength:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.data_length")
			}
			op.DataLength = v
			buf = buf[n:]
		case fieldOpSrcExtents:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.src_extents")
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return op, err
			}
			op.SrcExtents = append(op.SrcExtents, e)
			buf = buf[n:]
		case fieldOpSrcLength:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.src_length")
			}
			op.SrcLength = v
			buf = buf[n:]
		case fieldOpDstExtents:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.dst_extents")
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return op, err
			}
			op.DstExtents = append(op.DstExtents, e)
			buf = buf[n:]
		case fieldOpDstLength:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.dst_length")
			}
			op.DstLength = v
			buf = buf[n:]
		case fieldOpDataSha256:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.data_sha256_hash")
			}
			op.DataSha256Hash = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldOpSrcSha256:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation.src_sha256_hash")
			}
			op.SrcSha256Hash = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return op, errors.New("manifest: bad operation field")
			}
			buf = buf[n:]
		}
	}
	return op, nil
}
