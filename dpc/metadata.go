package dpc

import (
	"encoding/binary"
	"encoding/json"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

// metadataMagic/metadataMajorVersion mimic liblp's geometry header enough
// to let two instances of this module recognize each other's super
// partition; the partition/group table itself is kept opaque (spec.md
// §6.2 says the engine treats the serialized form as opaque), so it is
// carried as a length-prefixed JSON blob rather than the real liblp
// binary layout.
const (
	metadataMagic        uint32 = 0x414c5030 // "0PLA"
	metadataMajorVersion uint16 = 1
)

// geometryHeader is the fixed-size prefix of an exported metadata blob,
// decoded with restruct the way manifest/header.go's fixed payload header
// is decoded with protowire — a small binary struct describing what
// follows, ahead of a larger variable-length body.
type geometryHeader struct {
	Magic        uint32
	MajorVersion uint16
	MinorVersion uint16
	BodySize     uint32
}

// Partition is one partition entry inside a Group, carrying the
// name-with-slot-suffix spec.md §3 describes.
type Partition struct {
	Name       string
	Attributes uint32
	Size       uint64
}

// ReadOnlyAttr marks a partition AddPartition creates as read-only,
// mirroring LP_PARTITION_ATTR_READONLY in dynamic_partition_control_android.cc.
const ReadOnlyAttr uint32 = 1 << 0

// Group is a named byte budget and the partitions sharing it
// (spec.md §3's Super-partition metadata). Partitions is a slice of
// pointers rather than values so a *Partition returned by AddPartition
// stays valid across later AddPartition calls on the same group — those
// only append a pointer to the slice, never relocate a Partition struct
// the caller is still holding.
type Group struct {
	Name       string
	Size       uint64
	Partitions []*Partition
}

// MetadataBuilder is the engine's opaque handle onto one super-partition's
// metadata table, matching the collaborator contract spec.md §6.2 names
// (New/NewForUpdate/FindPartition/AddGroup/AddPartition/ResizePartition/
// RemoveGroupAndPartitions/ListGroups/ListPartitionsInGroup/
// AllocatableSpace/Export). Grounded on
// dynamic_partition_control_android.cc's use of android::fs_mgr::
// MetadataBuilder, adapted from a liblp-backed C++ object to a small
// in-memory Go struct with its own opaque serialization.
type MetadataBuilder struct {
	superSize uint64
	groups    []Group
}

// New loads (or, if absent, starts empty for) the metadata stored at
// source_slot's copy of the super partition.
func New(superSize uint64, existing []byte) (*MetadataBuilder, error) {
	b := &MetadataBuilder{superSize: superSize}
	if len(existing) == 0 {
		return b, nil
	}
	if err := b.importFrom(existing); err != nil {
		return nil, err
	}
	return b, nil
}

// NewForUpdate loads source_slot's metadata as the seed for target_slot's
// new table; keepSource controls whether the source slot's own groups are
// left untouched (the caller still needs to strip the target suffix's
// leftover groups itself via RemoveGroupAndPartitions, matching
// UpdatePartitionMetadata's explicit DeleteGroupsWithSuffix call in
// dynamic_partition_control_android.cc rather than doing it implicitly
// here).
func NewForUpdate(superSize uint64, existing []byte, keepSource bool) (*MetadataBuilder, error) {
	return New(superSize, existing)
}

func (b *MetadataBuilder) FindPartition(name string) (*Partition, *Group) {
	for gi := range b.groups {
		for _, p := range b.groups[gi].Partitions {
			if p.Name == name {
				return p, &b.groups[gi]
			}
		}
	}
	return nil, nil
}

func (b *MetadataBuilder) findGroup(name string) *Group {
	for gi := range b.groups {
		if b.groups[gi].Name == name {
			return &b.groups[gi]
		}
	}
	return nil
}

// AddGroup adds a new named group with the given size budget. Fails if a
// group by that name already exists.
func (b *MetadataBuilder) AddGroup(name string, size uint64) error {
	if b.findGroup(name) != nil {
		return errors.Errorf("dpc: group %q already exists", name)
	}
	b.groups = append(b.groups, Group{Name: name, Size: size})
	return nil
}

// AddPartition adds a zero-size partition to group, returning a pointer
// the caller then sizes via ResizePartition — mirroring
// MetadataBuilder::AddPartition followed by ResizePartition in
// dynamic_partition_control_android.cc's UpdatePartitionMetadata.
func (b *MetadataBuilder) AddPartition(name, group string, attrs uint32) (*Partition, error) {
	g := b.findGroup(group)
	if g == nil {
		return nil, errors.Errorf("dpc: group %q does not exist", group)
	}
	if p, _ := b.FindPartition(name); p != nil {
		return nil, errors.Errorf("dpc: partition %q already exists", name)
	}
	p := &Partition{Name: name, Attributes: attrs}
	g.Partitions = append(g.Partitions, p)
	return p, nil
}

// ResizePartition sets p's size, failing if doing so would push its
// group's partitions over the group's own size budget (spec.md §3's
// ∑partition.size ≤ group.size invariant).
func (b *MetadataBuilder) ResizePartition(p *Partition, size uint64) error {
	_, g := b.FindPartition(p.Name)
	if g == nil {
		return errors.Errorf("dpc: partition %q is not tracked by this builder", p.Name)
	}
	var total uint64
	for _, other := range g.Partitions {
		if other == p {
			continue
		}
		total += other.Size
	}
	if total+size > g.Size {
		return errors.Errorf("dpc: resizing %q to %d would exceed group %q's budget of %d",
			p.Name, size, g.Name, g.Size)
	}
	p.Size = size
	return nil
}

// RemoveGroupAndPartitions removes the named group and every partition in
// it, matching DeleteGroupsWithSuffix's per-group removal in
// dynamic_partition_control_android.cc.
func (b *MetadataBuilder) RemoveGroupAndPartitions(name string) {
	for i, g := range b.groups {
		if g.Name == name {
			b.groups = append(b.groups[:i], b.groups[i+1:]...)
			return
		}
	}
}

// ListGroups returns every group's name.
func (b *MetadataBuilder) ListGroups() []string {
	names := make([]string, 0, len(b.groups))
	for _, g := range b.groups {
		names = append(names, g.Name)
	}
	return names
}

// ListPartitionsInGroup returns the names of every partition belonging to
// the named group.
func (b *MetadataBuilder) ListPartitionsInGroup(group string) []string {
	g := b.findGroup(group)
	if g == nil {
		return nil
	}
	names := make([]string, 0, len(g.Partitions))
	for _, p := range g.Partitions {
		names = append(names, p.Name)
	}
	return names
}

// AllocatableSpace returns the super partition's raw size; callers apply
// the DP/VAB policy table (spec.md §4.1) on top of this to get the actual
// usable budget.
func (b *MetadataBuilder) AllocatableSpace() uint64 {
	return b.superSize
}

// Export serializes the metadata table into the opaque blob the engine
// writes back to the super partition, prefixed by a small fixed geometry
// header restruct can pack/unpack, the way manifest/header.go packs its
// fixed-size header distinctly from the variable protobuf body that
// follows it.
func (b *MetadataBuilder) Export() ([]byte, error) {
	body, err := json.Marshal(b.groups)
	if err != nil {
		return nil, errors.Wrap(err, "dpc: failed to serialize partition table")
	}
	hdr := geometryHeader{
		Magic:        metadataMagic,
		MajorVersion: metadataMajorVersion,
		BodySize:     uint32(len(body)),
	}
	hdrBytes, err := restruct.Pack(binary.BigEndian, &hdr)
	if err != nil {
		return nil, errors.Wrap(err, "dpc: failed to pack geometry header")
	}
	return append(hdrBytes, body...), nil
}

func (b *MetadataBuilder) importFrom(blob []byte) error {
	var hdr geometryHeader
	hdrSize := binary.Size(hdr)
	if len(blob) < hdrSize {
		return errors.New("dpc: metadata blob too small for geometry header")
	}
	if err := restruct.Unpack(blob[:hdrSize], binary.BigEndian, &hdr); err != nil {
		return errors.Wrap(err, "dpc: failed to unpack geometry header")
	}
	if hdr.Magic != metadataMagic {
		return errors.Errorf("dpc: bad metadata magic %#x", hdr.Magic)
	}
	if hdr.MajorVersion != metadataMajorVersion {
		return errors.Errorf("dpc: unsupported metadata major version %d", hdr.MajorVersion)
	}
	body := blob[hdrSize:]
	if uint32(len(body)) < hdr.BodySize {
		return errors.New("dpc: metadata blob truncated")
	}
	body = body[:hdr.BodySize]
	if err := json.Unmarshal(body, &b.groups); err != nil {
		return errors.Wrap(err, "dpc: failed to parse partition table")
	}
	return nil
}
