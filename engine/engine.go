// Package engine wires the other packages together into the full
// per-update flow spec.md §2 describes: an InstallPlan is handed to the
// Dynamic Partition Controller, which allocates target devices and
// snapshots; the payload stream is fed through the Delta Performer, which
// dispatches operations through the Executors into the device handles DPC
// provided; once every partition has applied, the Filesystem Verifier
// re-reads each one and checks its declared hash (sealing the verity hash
// tree/FEC region along the way); on success DPC finalizes the update and
// BootControl is told to make the new slot active.
package engine

import (
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/payloadcore/bootctl"
	"github.com/mendersoftware/payloadcore/dpc"
	"github.com/mendersoftware/payloadcore/executor"
	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/fsverify"
	"github.com/mendersoftware/payloadcore/installplan"
	"github.com/mendersoftware/payloadcore/manifest"
	"github.com/mendersoftware/payloadcore/payload"
	"github.com/mendersoftware/payloadcore/prefs"
)

// Config holds the engine's tunables, threaded down into the Delta
// Performer and Filesystem Verifier.
type Config struct {
	HashChecksMandatory    bool
	MaxOperationDataLength uint64
	VerifyChunkSize        int
}

// Engine drives one device's updates end to end. One Engine instance is
// reused across updates; Apply is not safe to call concurrently with
// itself (spec.md §5: "one logical task at a time per update").
type Engine struct {
	DPC      *dpc.Controller
	BootCtl  bootctl.BootControl
	Store    *prefs.Store
	Verifier payload.Verifier
	Config   Config

	// Stats collects executor-level counters (currently SOURCE_COPY's
	// ECC-recovery count) across the whole apply; may be left nil.
	Stats *executor.Stats
}

// Apply runs one InstallPlan to completion: prepare -> stream -> verify ->
// finalize -> activate. stream must support seeking, since the engine
// peeks the manifest ahead of the Delta Performer and the Performer itself
// seeks while reading operation data and signatures.
func (e *Engine) Apply(plan *installplan.InstallPlan, stream io.ReadSeeker) error {
	runID := uuid.New().String()
	logger := log.WithField("update_id", runID)
	logger.Infof("engine: applying update, slot %d -> %d", plan.SourceSlot, plan.TargetSlot)

	if err := e.Store.SetPowerwashRequired(plan.PowerwashRequired); err != nil {
		return errors.Wrap(err, "engine: failed to persist powerwash flag")
	}

	m, err := e.peekManifest(stream)
	if err != nil {
		return errors.Wrap(err, "engine: failed to read manifest ahead of performer")
	}

	if _, err := e.DPC.PreparePartitionsForUpdate(plan.SourceSlot, plan.TargetSlot, m.DynamicPartitionMetadata, nil); err != nil {
		return errors.Wrap(err, "engine: PreparePartitionsForUpdate failed")
	}

	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "engine: failed to rewind payload stream")
	}

	resolver := &installplan.Resolver{
		DPC:        e.DPC,
		BootCtl:    e.BootCtl,
		SourceSlot: bootctl.Slot(plan.SourceSlot),
		TargetSlot: bootctl.Slot(plan.TargetSlot),
		IsResume:   plan.IsResume,
	}

	performer := payload.NewPerformer(stream, e.Store, e.Verifier, resolver, payload.Config{
		HashChecksMandatory:    e.Config.HashChecksMandatory || plan.HashChecksMandatory,
		MaxOperationDataLength: e.Config.MaxOperationDataLength,
	})
	performer.Stats = e.Stats
	if err := performer.Run(); err != nil {
		return errors.Wrap(err, "engine: payload apply failed")
	}

	if err := e.verifyAll(plan, resolver, m.BlockSize); err != nil {
		return errors.Wrap(err, "engine: filesystem verification failed")
	}

	if err := e.DPC.FinishUpdate(plan.PowerwashRequired); err != nil {
		return errors.Wrap(err, "engine: FinishUpdate failed")
	}
	if err := e.DPC.Commit(); err != nil {
		return errors.Wrap(err, "engine: Commit failed")
	}

	if err := e.BootCtl.SetActiveBootSlot(bootctl.Slot(plan.TargetSlot)); err != nil {
		return errors.Wrap(err, "engine: failed to set active boot slot")
	}
	e.BootCtl.MarkBootSuccessfulAsync(func(err error) {
		if err != nil {
			logger.WithError(err).Warn("engine: failed to record boot-successful flag")
		}
	})
	logger.Info("engine: update applied successfully")

	return nil
}

// peekManifest reads the header and manifest off stream the same way
// payload.Performer does internally, without touching resume state, so
// PreparePartitionsForUpdate can see dynamic_partition_metadata before the
// Performer itself starts consuming the stream. The caller must rewind
// stream afterwards.
func (e *Engine) peekManifest(stream io.ReadSeeker) (*manifest.Manifest, error) {
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	h, err := manifest.ReadHeader(stream)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, h.ManifestSize)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return manifest.Unmarshal(buf)
}

// verifyAll re-reads every partition in plan order (spec.md §5: "the
// Filesystem Verifier runs after all partitions finish applying, and
// verifies partitions in plan order"), building the verity hash tree/FEC
// region for partitions that declare one along the way.
func (e *Engine) verifyAll(plan *installplan.InstallPlan, resolver *installplan.Resolver, blockSize uint32) error {
	for _, part := range plan.Partitions {
		if err := e.verifyOne(plan, resolver, part, blockSize); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) verifyOne(plan *installplan.InstallPlan, resolver *installplan.Resolver, part installplan.Partition, blockSize uint32) error {
	writeVerity := plan.WriteVerity && part.HashTreeDataSize > 0

	read, verityWrite, err := resolver.ResolveForVerify(part.Name, writeVerity)
	if err != nil {
		return errors.Wrapf(err, "resolve partition %q for verify", part.Name)
	}
	defer read.Close()
	if verityWrite != nil {
		defer verityWrite.Close()
	}

	sourceFD, err := e.openSourceForVerify(plan, part)
	if err != nil {
		return errors.Wrapf(err, "resolve partition %q source for verify", part.Name)
	}
	if sourceFD != nil {
		defer sourceFD.Close()
	}

	vp := fsverify.Partition{
		Name:         part.Name,
		Target:       read,
		TargetSize:   part.TargetSize,
		TargetSha256: part.TargetSha256,
		Source:       sourceFD,
		SourceSize:   part.SourceSize,
		SourceSha256: part.SourceSha256,
		WriteVerity:  writeVerity,
		ChunkSize:    e.Config.VerifyChunkSize,
	}
	if writeVerity {
		vp.Verity = fsverify.VerityPlan{
			HashTreeDataOffset: part.HashTreeDataOffset,
			HashTreeDataSize:   part.HashTreeDataSize,
			HashTreeOffset:     part.HashTreeOffset,
			HashTreeAlgorithm:  part.HashTreeAlgorithm,
			HashTreeSalt:       part.HashTreeSalt,
			FecDataOffset:      part.FecDataOffset,
			FecDataSize:        part.FecDataSize,
			FecOffset:          part.FecOffset,
			FecRoots:           part.FecRoots,
			BlockSize:          blockSize,
		}
		vp.VerityWriteFD = verityWrite
	}

	return fsverify.VerifyPartition(vp)
}

// openSourceForVerify opens the source partition's read descriptor used
// for classifyMismatch's fallback check (fsverify needs to tell a bad
// payload apart from local corruption). Partitions with no declared
// source hash (new partitions with no prior-slot counterpart) return nil.
func (e *Engine) openSourceForVerify(plan *installplan.InstallPlan, part installplan.Partition) (extent.FileDescriptor, error) {
	if len(part.SourceSha256) == 0 {
		return nil, nil
	}
	dev, err := e.BootCtl.GetPartitionDevice(part.Name, bootctl.Slot(plan.SourceSlot), bootctl.Slot(plan.SourceSlot), false)
	if err != nil {
		return nil, err
	}
	return installplan.OpenOsFile(dev.Path, os.O_RDONLY)
}
