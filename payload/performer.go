// Package payload implements the Delta Performer (spec.md §4.2): the
// resumable state machine that consumes a payload byte stream, verifies its
// signatures, and dispatches each InstallOperation to the executor package.
package payload

import (
	"bytes"
	"crypto/sha256"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/payloadcore/executor"
	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/manifest"
	"github.com/mendersoftware/payloadcore/prefs"
)

// PartitionIO bundles the file descriptors and optimizer hook one
// partition's operations need, obtained from the caller (engine/dpc/
// installplan) via PartitionResolver.
type PartitionIO struct {
	Src               extent.FileDescriptor
	ErrorCorrectedSrc extent.FileDescriptor
	Dst               extent.FileDescriptor
	Optimizer         executor.SourceCopyOptimizer
}

// PartitionResolver hands the performer live file descriptors for a
// partition the first time one of its operations is dispatched, and is
// told when that partition's operations are all applied so it can finalize
// the partition's COW (flush/close), per spec.md §4.2 state 6.
type PartitionResolver interface {
	Resolve(p manifest.PartitionUpdate) (PartitionIO, error)
	Finish(p manifest.PartitionUpdate, io PartitionIO) error
}

// Config holds the Delta Performer's tunables.
type Config struct {
	// HashChecksMandatory makes a missing (not merely mismatched) hash or
	// signature a hard failure, rather than a logged pass-through
	// (spec.md §4.2 state 3, §7).
	HashChecksMandatory bool

	// MaxOperationDataLength bounds a single operation's data_length
	// (spec.md §4.2 "Dispatch rules"). Zero means "use the owning
	// partition's new_partition_info.size", the spec's stated default.
	MaxOperationDataLength uint64
}

// Performer drives one payload stream through ReadHeader -> ReadManifest ->
// ValidateMetadataSignature -> ReadOperations -> ReadSignatures ->
// WriteEndMarker.
type Performer struct {
	Stream   io.ReadSeeker
	Store    *prefs.Store
	Verifier Verifier
	Resolver PartitionResolver
	Config   Config
	Stats    *executor.Stats

	header          *manifest.Header
	manifest        *manifest.Manifest
	manifestBytes   []byte
	sigBytes        []byte
	dataRegionStart uint64
}

// NewPerformer constructs a Performer ready for Run.
func NewPerformer(stream io.ReadSeeker, store *prefs.Store, verifier Verifier, resolver PartitionResolver, cfg Config) *Performer {
	return &Performer{
		Stream:   stream,
		Store:    store,
		Verifier: verifier,
		Resolver: resolver,
		Config:   cfg,
	}
}

// Run drives the full state machine to completion, or returns the first
// error encountered. Terminal errors (spec.md §7) wipe resume state before
// returning so the next attempt starts clean; recoverable errors leave
// prefs untouched so the next attempt resumes from the last checkpoint.
func (p *Performer) Run() error {
	steps := []func() error{
		p.readHeader,
		p.readManifest,
		p.validateMetadataSignature,
		p.readOperations,
		p.readSignatures,
		p.writeEndMarker,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return p.abortIfTerminal(err)
		}
	}
	return nil
}

func (p *Performer) abortIfTerminal(err error) error {
	var perr *PerformerError
	if errors.As(err, &perr) && perr.Terminal {
		if wipeErr := p.Store.Wipe(); wipeErr != nil {
			log.WithError(wipeErr).Warn("payload: failed to wipe resume state after terminal error")
		}
	}
	return err
}

func (p *Performer) isResuming() (bool, error) {
	idx, err := p.Store.NextOperationIndex()
	if err != nil {
		return false, err
	}
	return idx > 0, nil
}

// readHeader implements state 1 (spec.md §4.2.1).
func (p *Performer) readHeader() error {
	h, err := manifest.ReadHeader(p.Stream)
	if err != nil {
		return newErr(PayloadMismatchedType, true, err)
	}
	p.header = h
	return nil
}

// readManifest implements state 2. On resume it never re-reads the
// manifest bytes from the stream: it reuses the bytes cached at first
// start, which also structurally enforces the "refuse to resume if
// minor_version or any target_sha256 differs from first start" rule
// (spec.md §4.2 "Resume") since the parsed manifest can only ever be the
// one originally recorded.
func (p *Performer) readManifest() error {
	metaSize := p.header.ManifestSize
	sigSize := uint64(p.header.ManifestSigSize)

	resuming, err := p.isResuming()
	if err != nil {
		return newErr(Io, false, err)
	}

	cachedMeta, cachedSig, cacheOK, err := p.Store.ManifestSizes()
	if err != nil {
		return newErr(Io, false, err)
	}

	var manifestBytes []byte
	if resuming {
		if !cacheOK {
			return newErr(DownloadManifestParseError, true,
				errors.New("resume requested but no cached manifest state found"))
		}
		if cachedMeta != metaSize || cachedSig != sigSize {
			return newErr(DownloadManifestParseError, true,
				errors.New("manifest size changed since first start, refusing resume"))
		}
		manifestBytes, err = p.Store.ManifestBytes()
		if err != nil {
			return newErr(Io, false, err)
		}
		if uint64(len(manifestBytes)) != metaSize {
			return newErr(DownloadManifestParseError, true,
				errors.New("cached manifest length does not match its recorded size"))
		}
		// Skip the network/stream read entirely (spec.md §4.2.2): just
		// advance the stream position past the manifest bytes.
		if _, err := p.Stream.Seek(int64(metaSize), io.SeekCurrent); err != nil {
			return newErr(Io, false, err)
		}
	} else {
		manifestBytes = make([]byte, metaSize)
		if _, err := io.ReadFull(p.Stream, manifestBytes); err != nil {
			return newErr(DownloadManifestParseError, true, err)
		}
		if err := p.Store.SetManifestSizes(metaSize, sigSize); err != nil {
			return newErr(Io, false, err)
		}
		if err := p.Store.SetManifestBytes(manifestBytes); err != nil {
			return newErr(Io, false, err)
		}
	}

	sigBytes := make([]byte, sigSize)
	if sigSize > 0 {
		if _, err := io.ReadFull(p.Stream, sigBytes); err != nil {
			return newErr(DownloadManifestParseError, true, err)
		}
	}

	m, err := manifest.Unmarshal(manifestBytes)
	if err != nil {
		// manifest.Unmarshal already rejects an out-of-range minor_version,
		// tagging the error text with the kind name.
		if strings.Contains(err.Error(), UnsupportedMinorPayloadVersion.String()) {
			return newErr(UnsupportedMinorPayloadVersion, true, err)
		}
		return newErr(DownloadManifestParseError, true, err)
	}
	if err := manifest.ValidateMinorVersion(m.MinorVersion); err != nil {
		return newErr(UnsupportedMinorPayloadVersion, true, err)
	}

	p.manifest = m
	p.manifestBytes = manifestBytes
	p.sigBytes = sigBytes
	p.dataRegionStart = uint64(manifest.MaxHeaderSize) + metaSize + sigSize
	return nil
}

// validateMetadataSignature implements state 3.
func (p *Performer) validateMetadataSignature() error {
	sigs, err := parseSignatures(p.sigBytes)
	if err != nil {
		return newErr(DownloadManifestParseError, true, err)
	}

	if len(sigs) == 0 {
		if p.Config.HashChecksMandatory {
			return newErr(DownloadMetadataSignatureMissing, true,
				errors.New("no metadata signature present"))
		}
		log.Warn("payload: manifest carries no metadata signature, proceeding (hash_checks_mandatory=false)")
		return nil
	}

	if p.Verifier == nil {
		return newErr(DownloadMetadataSignatureMissing, true,
			errors.New("metadata signature present but no verifier configured"))
	}

	for _, sig := range sigs {
		if err := p.Verifier.Verify(p.manifestBytes, sig); err == nil {
			return nil
		}
	}
	return newErr(DownloadMetadataSignatureMismatch, true,
		errors.New("no metadata signature verified against the device public key"))
}

// opEntry flattens the manifest's partitions/operations into one ordered
// sequence, matching the single (payload_index, next_operation_index) resume
// counter spec.md §6.3 names: operations run in manifest order within a
// partition, partitions run in the order the manifest lists them (spec.md §5).
type opEntry struct {
	partitionIndex int
	opIndexInPart  int
	op             manifest.InstallOperation
}

func (p *Performer) flattenOperations() []opEntry {
	var out []opEntry
	for pi, part := range p.manifest.Partitions {
		for oi, op := range part.Operations {
			out = append(out, opEntry{partitionIndex: pi, opIndexInPart: oi, op: op})
		}
	}
	return out
}

// readOperations implements state 4.
func (p *Performer) readOperations() error {
	entries := p.flattenOperations()

	startIdx, err := p.Store.NextOperationIndex()
	if err != nil {
		return newErr(Io, false, err)
	}
	if startIdx > uint64(len(entries)) {
		startIdx = uint64(len(entries))
	}

	resolved := make(map[int]PartitionIO)

	for idx := startIdx; idx < uint64(len(entries)); idx++ {
		entry := entries[idx]
		part := p.manifest.Partitions[entry.partitionIndex]

		pio, ok := resolved[entry.partitionIndex]
		if !ok {
			pio, err = p.Resolver.Resolve(part)
			if err != nil {
				return newErr(DownloadOperationExecutionError, false,
					errors.Wrapf(err, "resolve partition %q", part.PartitionName))
			}
			resolved[entry.partitionIndex] = pio
		}

		if err := p.applyOperation(part, entry.op, pio); err != nil {
			return err
		}

		if err := p.Store.SetNextOperationIndex(idx + 1); err != nil {
			return newErr(Io, false, err)
		}
		if err := p.Store.SetNextDataOffset(entry.op.DataOffset + entry.op.DataLength); err != nil {
			return newErr(Io, false, err)
		}

		if entry.opIndexInPart == len(part.Operations)-1 {
			if err := p.Resolver.Finish(part, pio); err != nil {
				return newErr(DownloadOperationExecutionError, true,
					errors.Wrapf(err, "finish partition %q", part.PartitionName))
			}
		}
	}
	return nil
}

func (p *Performer) applyOperation(part manifest.PartitionUpdate, op manifest.InstallOperation, pio PartitionIO) error {
	maxLen := p.Config.MaxOperationDataLength
	if maxLen == 0 && part.NewPartitionInfo != nil {
		maxLen = part.NewPartitionInfo.Size
	}
	if maxLen > 0 && op.DataLength > maxLen {
		return newErr(DownloadOperationExecutionError, true,
			errors.Errorf("operation data_length %d exceeds sanity limit %d for partition %q",
				op.DataLength, maxLen, part.PartitionName))
	}

	// This wire format carries no "signature-op" sentinel type (that was
	// a legacy full-payload marker in the original); every operation this
	// manifest schema can express writes somewhere, so empty dst_extents
	// is always rejected.
	if len(op.DstExtents) == 0 {
		return newErr(DownloadOperationExecutionError, true,
			errors.Errorf("operation %s has empty dst_extents", op.Type.Name()))
	}

	var data []byte
	if op.DataLength > 0 {
		offset := int64(p.dataRegionStart + op.DataOffset)
		if _, err := p.Stream.Seek(offset, io.SeekStart); err != nil {
			return newErr(Io, false, err)
		}
		data = make([]byte, op.DataLength)
		if _, err := io.ReadFull(p.Stream, data); err != nil {
			return newErr(Io, false, err)
		}

		if len(op.DataSha256Hash) > 0 {
			sum := sha256.Sum256(data)
			if !bytes.Equal(sum[:], op.DataSha256Hash) {
				return newErr(DownloadOperationHashMismatch, false,
					errors.Errorf("operation data hash mismatch in partition %q", part.PartitionName))
			}
		} else if p.Config.HashChecksMandatory {
			return newErr(DownloadOperationHashMissing, false,
				errors.Errorf("operation data hash missing in partition %q", part.PartitionName))
		}
	}

	req := executor.Request{
		Op:                op,
		Data:              data,
		Src:               pio.Src,
		ErrorCorrectedSrc: pio.ErrorCorrectedSrc,
		Dst:               pio.Dst,
		Optimizer:         pio.Optimizer,
	}
	if err := executor.Apply(req, p.Stats); err != nil {
		return newErr(DownloadOperationExecutionError, false,
			errors.Wrapf(err, "apply %s in partition %q", op.Type.Name(), part.PartitionName))
	}
	return nil
}

// readSignatures implements state 5: verify the trailing payload signature
// against the whole-payload hash (everything up to the trailing signature
// blob itself). Unlike the original's incrementally-maintained running
// hash (threaded through ReadOperations via an opaque serialized hasher
// state), this implementation recomputes the digest in one streaming pass
// here, seeking the payload stream back to its start — a simplification
// the design notes explicitly permit (spec.md §9: "restart hashing from
// scratch on resume if the hash implementation cannot serialize state").
func (p *Performer) readSignatures() error {
	if p.manifest.SignaturesSize == 0 {
		if p.Config.HashChecksMandatory {
			return newErr(PayloadHashMismatchError, true, errors.New("no payload signature present"))
		}
		log.Warn("payload: manifest carries no trailing payload signature, proceeding (hash_checks_mandatory=false)")
		return nil
	}

	sigOffset := int64(p.dataRegionStart) + int64(p.manifest.SignaturesOffset)
	sigBuf := make([]byte, p.manifest.SignaturesSize)
	if _, err := p.Stream.Seek(sigOffset, io.SeekStart); err != nil {
		return newErr(Io, false, err)
	}
	if _, err := io.ReadFull(p.Stream, sigBuf); err != nil {
		return newErr(Io, false, err)
	}

	sigs, err := parseSignatures(sigBuf)
	if err != nil {
		return newErr(DownloadManifestParseError, true, err)
	}
	if len(sigs) == 0 {
		if p.Config.HashChecksMandatory {
			return newErr(PayloadHashMismatchError, true,
				errors.New("payload signature blob carried no signatures"))
		}
		return nil
	}
	if p.Verifier == nil {
		return newErr(PayloadHashMismatchError, true,
			errors.New("payload signature present but no verifier configured"))
	}

	digestVerifier, canDigest := p.Verifier.(DigestVerifier)

	for _, sig := range sigs {
		var verifyErr error
		if canDigest {
			digest, err := p.hashPayloadRegion(sigOffset)
			if err != nil {
				return newErr(Io, false, err)
			}
			verifyErr = digestVerifier.VerifyDigest(digest, sig)
		} else {
			region, err := p.readPayloadRegion(sigOffset)
			if err != nil {
				return newErr(Io, false, err)
			}
			verifyErr = p.Verifier.Verify(region, sig)
		}
		if verifyErr == nil {
			return nil
		}
	}
	return newErr(PayloadHashMismatchError, true,
		errors.New("no payload signature verified against the device public key"))
}

func (p *Performer) hashPayloadRegion(limit int64) ([]byte, error) {
	if _, err := p.Stream.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	h := sha256.New()
	if _, err := io.CopyN(h, p.Stream, limit); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func (p *Performer) readPayloadRegion(limit int64) ([]byte, error) {
	if _, err := p.Stream.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, limit)
	if _, err := io.ReadFull(p.Stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeEndMarker implements state 6: once every partition has applied and
// the trailing signature has verified, resume state is no longer needed.
// Per-partition COW finalization already happened in readOperations as
// each partition's last operation completed.
func (p *Performer) writeEndMarker() error {
	if err := p.Store.Wipe(); err != nil {
		return newErr(Io, false, err)
	}
	return nil
}
