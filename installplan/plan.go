package installplan

import "github.com/mendersoftware/payloadcore/manifest"

// BuildInstallPlan assembles an InstallPlan from a parsed manifest (spec.md
// §3's "Install-plan assembly"): one Partition entry per
// manifest.PartitionUpdate, in manifest order, carrying forward the
// old/new size and hash declarations and, where present, the verity/FEC
// extents converted from (start_block, num_blocks) to byte offsets/sizes
// using the manifest's block size.
func BuildInstallPlan(m *manifest.Manifest, sourceSlot, targetSlot uint32, writeVerity, isResume, hashChecksMandatory bool) *InstallPlan {
	plan := &InstallPlan{
		SourceSlot:          sourceSlot,
		TargetSlot:          targetSlot,
		WriteVerity:         writeVerity,
		IsResume:            isResume,
		HashChecksMandatory: hashChecksMandatory,
		Partitions:          make([]Partition, 0, len(m.Partitions)),
	}

	blockSize := uint64(m.BlockSize)
	for _, pu := range m.Partitions {
		part := Partition{Name: pu.PartitionName}

		if pu.OldPartitionInfo != nil {
			part.SourceSize = pu.OldPartitionInfo.Size
			part.SourceSha256 = pu.OldPartitionInfo.Hash
		}
		if pu.NewPartitionInfo != nil {
			part.TargetSize = pu.NewPartitionInfo.Size
			part.TargetSha256 = pu.NewPartitionInfo.Hash
		}

		if pu.HasVerity() {
			part.HashTreeDataOffset = pu.HashTreeDataExtent.StartBlock * blockSize
			part.HashTreeDataSize = pu.HashTreeDataExtent.NumBlocks * blockSize
			part.HashTreeOffset = pu.HashTreeExtent.StartBlock * blockSize
			part.HashTreeSize = pu.HashTreeExtent.NumBlocks * blockSize
			part.HashTreeAlgorithm = pu.HashTreeAlgorithm
			part.HashTreeSalt = pu.HashTreeSalt
		}
		if pu.HasFec() {
			part.FecDataOffset = pu.FecDataExtent.StartBlock * blockSize
			part.FecDataSize = pu.FecDataExtent.NumBlocks * blockSize
			part.FecOffset = pu.FecExtent.StartBlock * blockSize
			part.FecSize = pu.FecExtent.NumBlocks * blockSize
			part.FecRoots = pu.FecRoots
		}

		plan.Partitions = append(plan.Partitions, part)
	}

	return plan
}
