package manifest

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// PartitionInfo describes one side (old or new) of a partition's declared
// size and content hash (spec.md §6.1).
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

func marshalPartitionInfo(pi PartitionInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPartInfoSize, protowire.VarintType)
	b = protowire.AppendVarint(b, pi.Size)
	if len(pi.Hash) > 0 {
		b = protowire.AppendTag(b, fieldPartInfoHash, protowire.BytesType)
		b = protowire.AppendBytes(b, pi.Hash)
	}
	return b
}

func unmarshalPartitionInfo(buf []byte) (PartitionInfo, error) {
	var pi PartitionInfo
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return pi, errors.New("manifest: bad partition_info tag")
		}
		buf = buf[n:]
		switch num {
		case fieldPartInfoSize:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return pi, errors.New("manifest: bad partition_info.size")
			}
			pi.Size = v
			buf = buf[n:]
		case fieldPartInfoHash:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return pi, errors.New("manifest: bad partition_info.hash")
			}
			pi.Hash = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return pi, errors.New("manifest: bad partition_info field")
			}
			buf = buf[n:]
		}
	}
	return pi, nil
}

// PartitionUpdate is one partition's entry in the manifest: its identity,
// old/new info, operation list, and the verity/FEC placement spec.md
// §6.1 groups under hash_tree_*/fec_*.
type PartitionUpdate struct {
	PartitionName      string
	RunPostinstall     bool
	PostinstallPath    string
	PostinstallOptional bool
	FilesystemType     string
	Version            string
	OldPartitionInfo   *PartitionInfo
	NewPartitionInfo   *PartitionInfo
	Operations         []InstallOperation

	HashTreeExtent     *Extent
	HashTreeDataExtent *Extent
	HashTreeAlgorithm  string
	HashTreeSalt       []byte

	FecExtent     *Extent
	FecDataExtent *Extent
	FecRoots      uint32
}

// HasVerity reports whether this partition carries a hash tree to build
// (spec.md §4.4).
func (p *PartitionUpdate) HasVerity() bool {
	return p.HashTreeExtent != nil && p.HashTreeDataExtent != nil
}

// HasFec reports whether this partition carries FEC data to build.
func (p *PartitionUpdate) HasFec() bool {
	return p.FecExtent != nil && p.FecDataExtent != nil && p.FecRoots > 0
}

func marshalPartitionUpdate(p PartitionUpdate) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPUPartitionName, protowire.BytesType)
	b = protowire.AppendString(b, p.PartitionName)
	b = protowire.AppendTag(b, fieldPURunPostinstall, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(p.RunPostinstall))
	if p.PostinstallPath != "" {
		b = protowire.AppendTag(b, fieldPUPostinstallPath, protowire.BytesType)
		b = protowire.AppendString(b, p.PostinstallPath)
	}
	if p.FilesystemType != "" {
		b = protowire.AppendTag(b, fieldPUFilesystemType, protowire.BytesType)
		b = protowire.AppendString(b, p.FilesystemType)
	}
	if p.OldPartitionInfo != nil {
		b = protowire.AppendTag(b, fieldPUOldPartitionInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPartitionInfo(*p.OldPartitionInfo))
	}
	if p.NewPartitionInfo != nil {
		b = protowire.AppendTag(b, fieldPUNewPartitionInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPartitionInfo(*p.NewPartitionInfo))
	}
	for _, op := range p.Operations {
		b = protowire.AppendTag(b, fieldPUOperations, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOperation(op))
	}
	b = protowire.AppendTag(b, fieldPUPostinstallOpt, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(p.PostinstallOptional))
	if p.HashTreeExtent != nil {
		b = protowire.AppendTag(b, fieldPUHashTreeExtent, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(*p.HashTreeExtent))
	}
	if p.HashTreeDataExtent != nil {
		b = protowire.AppendTag(b, fieldPUHashTreeDataExtent, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(*p.HashTreeDataExtent))
	}
	if p.HashTreeAlgorithm != "" {
		b = protowire.AppendTag(b, fieldPUHashTreeAlgorithm, protowire.BytesType)
		b = protowire.AppendString(b, p.HashTreeAlgorithm)
	}
	if len(p.HashTreeSalt) > 0 {
		b = protowire.AppendTag(b, fieldPUHashTreeSalt, protowire.BytesType)
		b = protowire.AppendBytes(b, p.HashTreeSalt)
	}
	if p.FecExtent != nil {
		b = protowire.AppendTag(b, fieldPUFecExtent, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(*p.FecExtent))
	}
	if p.FecDataExtent != nil {
		b = protowire.AppendTag(b, fieldPUFecDataExtent, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(*p.FecDataExtent))
	}
	if p.FecRoots > 0 {
		b = protowire.AppendTag(b, fieldPUFecRoots, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.FecRoots))
	}
	if p.Version != "" {
		b = protowire.AppendTag(b, fieldPUVersion, protowire.BytesType)
		b = protowire.AppendString(b, p.Version)
	}
	return b
}

func unmarshalPartitionUpdate(buf []byte) (PartitionUpdate, error) {
	var p PartitionUpdate
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return p, errors.New("manifest: bad partition_update tag")
		}
		buf = buf[n:]
		switch num {
		case fieldPUPartitionName:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.partition_name")
			}
			p.PartitionName = string(v)
			buf = buf[n:]
		case fieldPURunPostinstall:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.run_postinstall")
			}
			p.RunPostinstall = v != 0
			buf = buf[n:]
		case fieldPUPostinstallPath:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.postinstall_path")
			}
			p.PostinstallPath = string(v)
			buf = buf[n:]
		case fieldPUFilesystemType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.filesystem_type")
			}
			p.FilesystemType = string(v)
			buf = buf[n:]
		case fieldPUOldPartitionInfo:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.old_partition_info")
			}
			pi, err := unmarshalPartitionInfo(v)
			if err != nil {
				return p, err
			}
			p.OldPartitionInfo = &pi
			buf = buf[n:]
		case fieldPUNewPartitionInfo:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.new_partition_info")
			}
			pi, err := unmarshalPartitionInfo(v)
			if err != nil {
				return p, err
			}
			p.NewPartitionInfo = &pi
			buf = buf[n:]
		case fieldPUOperations:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.operations")
			}
			op, err := unmarshalOperation(v)
			if err != nil {
				return p, err
			}
			p.Operations = append(p.Operations, op)
			buf = buf[n:]
		case fieldPUPostinstallOpt:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.postinstall_optional")
			}
			p.PostinstallOptional = v != 0
			buf = buf[n:]
		case fieldPUHashTreeExtent:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.hash_tree_extent")
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return p, err
			}
			p.HashTreeExtent = &e
			buf = buf[n:]
		case fieldPUHashTreeDataExtent:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.hash_tree_data_extent")
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return p, err
			}
			p.HashTreeDataExtent = &e
			buf = buf[n:]
		case fieldPUHashTreeAlgorithm:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.hash_tree_algorithm")
			}
			p.HashTreeAlgorithm = string(v)
			buf = buf[n:]
		case fieldPUHashTreeSalt:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.hash_tree_salt")
			}
			p.HashTreeSalt = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldPUFecExtent:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.fec_extent")
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return p, err
			}
			p.FecExtent = &e
			buf = buf[n:]
		case fieldPUFecDataExtent:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.fec_data_extent")
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return p, err
			}
			p.FecDataExtent = &e
			buf = buf[n:]
		case fieldPUFecRoots:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.fec_roots")
			}
			p.FecRoots = uint32(v)
			buf = buf[n:]
		case fieldPUVersion:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update.version")
			}
			p.Version = string(v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return p, errors.New("manifest: bad partition_update field")
			}
			buf = buf[n:]
		}
	}
	return p, nil
}

// DynamicPartitionGroup is one named group inside dynamic_partition_metadata
// (spec.md §6.1): a size budget and the partitions that share it.
type DynamicPartitionGroup struct {
	Name           string
	Size           uint64
	PartitionNames []string
}

func marshalDynamicPartitionGroup(g DynamicPartitionGroup) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDPGName, protowire.BytesType)
	b = protowire.AppendString(b, g.Name)
	b = protowire.AppendTag(b, fieldDPGSize, protowire.VarintType)
	b = protowire.AppendVarint(b, g.Size)
	for _, n := range g.PartitionNames {
		b = protowire.AppendTag(b, fieldDPGPartitionNames, protowire.BytesType)
		b = protowire.AppendString(b, n)
	}
	return b
}

func unmarshalDynamicPartitionGroup(buf []byte) (DynamicPartitionGroup, error) {
	var g DynamicPartitionGroup
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return g, errors.New("manifest: bad dynamic_partition_group tag")
		}
		buf = buf[n:]
		switch num {
		case fieldDPGName:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return g, errors.New("manifest: bad group.name")
			}
			g.Name = string(v)
			buf = buf[n:]
		case fieldDPGSize:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return g, errors.New("manifest: bad group.size")
			}
			g.Size = v
			buf = buf[n:]
		case fieldDPGPartitionNames:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return g, errors.New("manifest: bad group.partition_names")
			}
			g.PartitionNames = append(g.PartitionNames, string(v))
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return g, errors.New("manifest: bad group field")
			}
			buf = buf[n:]
		}
	}
	return g, nil
}

// DynamicPartitionMetadata declares whether the target uses Virtual-A/B
// snapshots and the group layout DPC enforces (spec.md §3, §6.1).
type DynamicPartitionMetadata struct {
	Groups           []DynamicPartitionGroup
	SnapshotEnabled  bool
}

func marshalDynamicPartitionMetadata(m DynamicPartitionMetadata) []byte {
	var b []byte
	for _, g := range m.Groups {
		b = protowire.AppendTag(b, fieldDPMGroups, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDynamicPartitionGroup(g))
	}
	b = protowire.AppendTag(b, fieldDPMSnapshotEnabled, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(m.SnapshotEnabled))
	return b
}

func unmarshalDynamicPartitionMetadata(buf []byte) (DynamicPartitionMetadata, error) {
	var m DynamicPartitionMetadata
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return m, errors.New("manifest: bad dynamic_partition_metadata tag")
		}
		buf = buf[n:]
		switch num {
		case fieldDPMGroups:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return m, errors.New("manifest: bad dynamic_partition_metadata.groups")
			}
			g, err := unmarshalDynamicPartitionGroup(v)
			if err != nil {
				return m, err
			}
			m.Groups = append(m.Groups, g)
			buf = buf[n:]
		case fieldDPMSnapshotEnabled:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return m, errors.New("manifest: bad dynamic_partition_metadata.snapshot_enabled")
			}
			m.SnapshotEnabled = v != 0
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return m, errors.New("manifest: bad dynamic_partition_metadata field")
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

// Manifest is the parsed form of the protobuf manifest embedded in a
// payload file (spec.md §6.1).
type Manifest struct {
	MinorVersion    uint32
	BlockSize       uint32
	PartialUpdate   bool
	SignaturesOffset uint64
	SignaturesSize   uint64

	DynamicPartitionMetadata *DynamicPartitionMetadata
	Partitions               []PartitionUpdate
}

// Marshal serializes the manifest to its protobuf wire form.
func (m *Manifest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldManifestBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.BlockSize))
	b = protowire.AppendTag(b, fieldManifestSignaturesOff, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SignaturesOffset)
	b = protowire.AppendTag(b, fieldManifestSignaturesSize, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SignaturesSize)
	b = protowire.AppendTag(b, fieldManifestMinorVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MinorVersion))
	for _, p := range m.Partitions {
		b = protowire.AppendTag(b, fieldManifestPartitions, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPartitionUpdate(p))
	}
	if m.DynamicPartitionMetadata != nil {
		b = protowire.AppendTag(b, fieldManifestDynPartMeta, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDynamicPartitionMetadata(*m.DynamicPartitionMetadata))
	}
	b = protowire.AppendTag(b, fieldManifestPartialUpdate, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(m.PartialUpdate))
	return b
}

// Unmarshal parses a manifest from its protobuf wire form, validating
// block_size and minor_version per spec.md §6.1.
func Unmarshal(buf []byte) (*Manifest, error) {
	m := &Manifest{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.New("manifest: bad manifest tag")
		}
		buf = buf[n:]
		switch num {
		case fieldManifestBlockSize:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.New("manifest: bad manifest.block_size")
			}
			m.BlockSize = uint32(v)
			buf = buf[n:]
		case fieldManifestSignaturesOff:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.New("manifest: bad manifest.signatures_offset")
			}
			m.SignaturesOffset = v
			buf = buf[n:]
		case fieldManifestSignaturesSize:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.New("manifest: bad manifest.signatures_size")
			}
			m.SignaturesSize = v
			buf = buf[n:]
		case fieldManifestMinorVersion:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.New("manifest: bad manifest.minor_version")
			}
			m.MinorVersion = uint32(v)
			buf = buf[n:]
		case fieldManifestPartitions:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.New("manifest: bad manifest.partitions")
			}
			p, err := unmarshalPartitionUpdate(v)
			if err != nil {
				return nil, err
			}
			m.Partitions = append(m.Partitions, p)
			buf = buf[n:]
		case fieldManifestDynPartMeta:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.New("manifest: bad manifest.dynamic_partition_metadata")
			}
			dpm, err := unmarshalDynamicPartitionMetadata(v)
			if err != nil {
				return nil, err
			}
			m.DynamicPartitionMetadata = &dpm
			buf = buf[n:]
		case fieldManifestPartialUpdate:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.New("manifest: bad manifest.partial_update")
			}
			m.PartialUpdate = v != 0
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, errors.New("manifest: bad manifest field")
			}
			buf = buf[n:]
		}
	}

	if err := ValidateMinorVersion(m.MinorVersion); err != nil {
		return nil, err
	}
	if m.BlockSize != 0 && m.BlockSize != 4096 {
		return nil, errors.Errorf("manifest: block_size %d must be 4096", m.BlockSize)
	}
	return m, nil
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
