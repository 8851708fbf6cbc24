package payload

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/manifest"
	"github.com/mendersoftware/payloadcore/prefs"
)

// memFD is a minimal in-memory extent.FileDescriptor, mirroring the
// executor package's own test double.
type memFD struct {
	data []byte
}

func newMemFD(size int) *memFD { return &memFD{data: make([]byte, size)} }

func (m *memFD) Open(string, int, os.FileMode) error { return nil }
func (m *memFD) Read(buf []byte) (int, error)        { return 0, io.EOF }
func (m *memFD) Write(buf []byte) (int, error)       { return 0, io.EOF }
func (m *memFD) PRead(buf []byte, offset int64) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, io.EOF
	}
	return copy(buf, m.data[offset:]), nil
}
func (m *memFD) PWrite(buf []byte, offset int64) (int, error) {
	end := offset + int64(len(buf))
	if int64(len(m.data)) < end {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[offset:], buf), nil
}
func (m *memFD) Seek(int64, int) (int64, error) { return 0, nil }
func (m *memFD) Close() error                   { return nil }
func (m *memFD) Flush() error                   { return nil }
func (m *memFD) BlockDevSize() (uint64, error)  { return uint64(len(m.data)), nil }
func (m *memFD) BlkIoctl(uint32, uint64, uint64) error {
	return nil
}

// recordingResolver hands out one memFD per partition and records Finish
// calls, standing in for the engine/dpc/installplan wiring this package
// does not own.
type recordingResolver struct {
	dsts        map[string]*memFD
	finishCalls []string
}

func newRecordingResolver() *recordingResolver {
	return &recordingResolver{dsts: make(map[string]*memFD)}
}

func (r *recordingResolver) Resolve(p manifest.PartitionUpdate) (PartitionIO, error) {
	dst := newMemFD(int(p.NewPartitionInfo.Size))
	r.dsts[p.PartitionName] = dst
	return PartitionIO{Dst: dst}, nil
}

func (r *recordingResolver) Finish(p manifest.PartitionUpdate, _ PartitionIO) error {
	r.finishCalls = append(r.finishCalls, p.PartitionName)
	return nil
}

func openTestStore(t *testing.T) *prefs.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := prefs.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// buildPayload assembles a minimal, well-formed payload byte stream for one
// partition carrying a single REPLACE operation, per spec.md §6.1's wire
// layout. Returns the full stream plus the operation's content for
// assertions.
func buildPayload(t *testing.T, signer *RSASigner) ([]byte, []byte) {
	t.Helper()

	content := bytes.Repeat([]byte{0x5A}, extent.BlockSize)
	dataHash := sha256.Sum256(content)

	op := manifest.InstallOperation{
		Type:           manifest.OpReplace,
		DataOffset:     0,
		DataLength:     uint64(len(content)),
		DstExtents:     []manifest.Extent{{StartBlock: 0, NumBlocks: 1}},
		DataSha256Hash: dataHash[:],
	}
	pu := manifest.PartitionUpdate{
		PartitionName:    "boot",
		NewPartitionInfo: &manifest.PartitionInfo{Size: uint64(len(content))},
		Operations:       []manifest.InstallOperation{op},
	}
	m := &manifest.Manifest{
		MinorVersion: 2,
		BlockSize:    extent.BlockSize,
		Partitions:   []manifest.PartitionUpdate{pu},
	}
	manifestBytes := m.Marshal()

	var manifestSig []byte
	if signer != nil {
		sig, err := signer.Sign(manifestBytes)
		require.NoError(t, err)
		manifestSig = encodeSignatures(t, sig)
	}

	header := &manifest.Header{
		MajorVersion:    manifest.BrilloMajorVersion,
		ManifestSize:    uint64(len(manifestBytes)),
		ManifestSigSize: uint32(len(manifestSig)),
	}

	var buf bytes.Buffer
	buf.Write(header.Bytes())
	buf.Write(manifestBytes)
	buf.Write(manifestSig)
	buf.Write(content)

	return buf.Bytes(), content
}

// encodeSignatures wraps a single raw signature into the minimal
// Signatures-message wire form payload/signatures.go decodes.
func encodeSignatures(t *testing.T, sig []byte) []byte {
	t.Helper()
	return mustMarshalSignatures(sig)
}

func TestPerformerRunFreshInstall(t *testing.T) {
	stream := bytes.NewReader(mustBuildPlainPayload(t))
	store := openTestStore(t)
	resolver := newRecordingResolver()

	perf := NewPerformer(stream, store, nil, resolver, Config{})
	require.NoError(t, perf.Run())

	dst := resolver.dsts["boot"]
	require.NotNil(t, dst)
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, extent.BlockSize), dst.data)
	assert.Equal(t, []string{"boot"}, resolver.finishCalls)

	idx, err := store.NextOperationIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx, "WriteEndMarker wipes resume state")
}

func TestPerformerRunWithValidMetadataSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := NewRSASigner(key)
	verifier := mustVerifierFromKey(&key.PublicKey)

	payloadBytes, _ := buildPayload(t, signer)
	stream := bytes.NewReader(payloadBytes)
	store := openTestStore(t)
	resolver := newRecordingResolver()

	// HashChecksMandatory is false here because this fixture carries only
	// a metadata signature, not a trailing payload signature; with it set,
	// readSignatures would fail on the missing payload signature.
	perf := NewPerformer(stream, store, &verifier, resolver, Config{HashChecksMandatory: false})
	require.NoError(t, perf.Run())
	assert.Equal(t, []string{"boot"}, resolver.finishCalls)
}

func TestPerformerRejectsTamperedMetadataSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := NewRSASigner(otherKey) // signs with the WRONG key
	verifier := mustVerifierFromKey(&key.PublicKey)

	payloadBytes, _ := buildPayload(t, signer)
	stream := bytes.NewReader(payloadBytes)
	store := openTestStore(t)
	resolver := newRecordingResolver()

	perf := NewPerformer(stream, store, &verifier, resolver, Config{HashChecksMandatory: true})
	err = perf.Run()
	require.Error(t, err)
	var perr *PerformerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DownloadMetadataSignatureMismatch, perr.Kind)
	assert.True(t, perr.Terminal)
}

func TestPerformerRejectsMissingSignatureWhenMandatory(t *testing.T) {
	payloadBytes := mustBuildPlainPayload(t)
	stream := bytes.NewReader(payloadBytes)
	store := openTestStore(t)
	resolver := newRecordingResolver()

	perf := NewPerformer(stream, store, nil, resolver, Config{HashChecksMandatory: true})
	err := perf.Run()
	require.Error(t, err)
	var perr *PerformerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DownloadMetadataSignatureMissing, perr.Kind)
}

func TestPerformerRejectsOperationDataHashMismatch(t *testing.T) {
	content := bytes.Repeat([]byte{0x11}, extent.BlockSize)
	wrongHash := sha256.Sum256(bytes.Repeat([]byte{0x22}, extent.BlockSize))

	op := manifest.InstallOperation{
		Type:           manifest.OpReplace,
		DataOffset:     0,
		DataLength:     uint64(len(content)),
		DstExtents:     []manifest.Extent{{StartBlock: 0, NumBlocks: 1}},
		DataSha256Hash: wrongHash[:],
	}
	pu := manifest.PartitionUpdate{
		PartitionName:    "boot",
		NewPartitionInfo: &manifest.PartitionInfo{Size: uint64(len(content))},
		Operations:       []manifest.InstallOperation{op},
	}
	m := &manifest.Manifest{MinorVersion: 2, BlockSize: extent.BlockSize, Partitions: []manifest.PartitionUpdate{pu}}
	manifestBytes := m.Marshal()
	header := &manifest.Header{MajorVersion: manifest.BrilloMajorVersion, ManifestSize: uint64(len(manifestBytes))}

	var buf bytes.Buffer
	buf.Write(header.Bytes())
	buf.Write(manifestBytes)
	buf.Write(content)

	stream := bytes.NewReader(buf.Bytes())
	store := openTestStore(t)
	resolver := newRecordingResolver()

	perf := NewPerformer(stream, store, nil, resolver, Config{})
	err := perf.Run()
	require.Error(t, err)
	var perr *PerformerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DownloadOperationHashMismatch, perr.Kind)
}

func TestPerformerRejectsEmptyDstExtents(t *testing.T) {
	op := manifest.InstallOperation{Type: manifest.OpReplace, DstExtents: nil}
	pu := manifest.PartitionUpdate{
		PartitionName:    "boot",
		NewPartitionInfo: &manifest.PartitionInfo{Size: 4096},
		Operations:       []manifest.InstallOperation{op},
	}
	m := &manifest.Manifest{MinorVersion: 2, BlockSize: extent.BlockSize, Partitions: []manifest.PartitionUpdate{pu}}
	manifestBytes := m.Marshal()
	header := &manifest.Header{MajorVersion: manifest.BrilloMajorVersion, ManifestSize: uint64(len(manifestBytes))}

	var buf bytes.Buffer
	buf.Write(header.Bytes())
	buf.Write(manifestBytes)

	stream := bytes.NewReader(buf.Bytes())
	store := openTestStore(t)
	resolver := newRecordingResolver()

	perf := NewPerformer(stream, store, nil, resolver, Config{})
	err := perf.Run()
	require.Error(t, err)
	var perr *PerformerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DownloadOperationExecutionError, perr.Kind)
}

func TestPerformerResumesFromSecondOperation(t *testing.T) {
	contentA := bytes.Repeat([]byte{0xA1}, extent.BlockSize)
	contentB := bytes.Repeat([]byte{0xB2}, extent.BlockSize)
	hashA := sha256.Sum256(contentA)
	hashB := sha256.Sum256(contentB)

	opA := manifest.InstallOperation{
		Type: manifest.OpReplace, DataOffset: 0, DataLength: uint64(len(contentA)),
		DstExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 1}}, DataSha256Hash: hashA[:],
	}
	opB := manifest.InstallOperation{
		Type: manifest.OpReplace, DataOffset: uint64(len(contentA)), DataLength: uint64(len(contentB)),
		DstExtents: []manifest.Extent{{StartBlock: 1, NumBlocks: 1}}, DataSha256Hash: hashB[:],
	}
	pu := manifest.PartitionUpdate{
		PartitionName:    "boot",
		NewPartitionInfo: &manifest.PartitionInfo{Size: uint64(len(contentA) + len(contentB))},
		Operations:       []manifest.InstallOperation{opA, opB},
	}
	m := &manifest.Manifest{MinorVersion: 2, BlockSize: extent.BlockSize, Partitions: []manifest.PartitionUpdate{pu}}
	manifestBytes := m.Marshal()
	header := &manifest.Header{MajorVersion: manifest.BrilloMajorVersion, ManifestSize: uint64(len(manifestBytes))}

	var buf bytes.Buffer
	buf.Write(header.Bytes())
	buf.Write(manifestBytes)
	buf.Write(contentA)
	buf.Write(contentB)
	payloadBytes := buf.Bytes()

	store := openTestStore(t)

	// A single shared destination FD stands in for the persistent target
	// block device: it survives across both attempts even though each
	// attempt builds its own Performer, the way a real partition device
	// would survive a process restart.
	sharedDst := newMemFD(len(contentA) + len(contentB))
	resolverFor := func() PartitionResolver {
		return partitionIOFunc(func(manifest.PartitionUpdate) (PartitionIO, error) {
			return PartitionIO{Dst: sharedDst}, nil
		})
	}

	// First attempt: manually drive state through op A only, as if
	// interrupted right after its prefs checkpoint (spec.md §8 scenario 3).
	stream1 := bytes.NewReader(payloadBytes)
	perf1 := NewPerformer(stream1, store, nil, resolverFor(), Config{})
	require.NoError(t, perf1.readHeader())
	require.NoError(t, perf1.readManifest())
	require.NoError(t, perf1.validateMetadataSignature())

	entries := perf1.flattenOperations()
	require.Len(t, entries, 2)
	part := perf1.manifest.Partitions[0]
	pio, err := perf1.Resolver.Resolve(part)
	require.NoError(t, err)
	require.NoError(t, perf1.applyOperation(part, entries[0].op, pio))
	require.NoError(t, store.SetNextOperationIndex(1))
	require.NoError(t, store.SetNextDataOffset(entries[0].op.DataOffset+entries[0].op.DataLength))

	// Second attempt: fresh Performer, same store and same underlying
	// device, resumes at op #2.
	stream2 := bytes.NewReader(payloadBytes)
	perf2 := NewPerformer(stream2, store, nil, resolverFor(), Config{})
	require.NoError(t, perf2.Run())

	assert.Equal(t, append(append([]byte{}, contentA...), contentB...), sharedDst.data)
}

// partitionIOFunc adapts a plain function to PartitionResolver for tests
// that don't need Finish bookkeeping.
type partitionIOFunc func(manifest.PartitionUpdate) (PartitionIO, error)

func (f partitionIOFunc) Resolve(p manifest.PartitionUpdate) (PartitionIO, error) { return f(p) }
func (f partitionIOFunc) Finish(manifest.PartitionUpdate, PartitionIO) error      { return nil }

func TestPerformerRejectsUnsupportedMinorVersion(t *testing.T) {
	pu := manifest.PartitionUpdate{PartitionName: "boot", NewPartitionInfo: &manifest.PartitionInfo{Size: 0}}
	m := &manifest.Manifest{MinorVersion: 99, BlockSize: extent.BlockSize, Partitions: []manifest.PartitionUpdate{pu}}
	manifestBytes := m.Marshal()
	header := &manifest.Header{MajorVersion: manifest.BrilloMajorVersion, ManifestSize: uint64(len(manifestBytes))}

	var buf bytes.Buffer
	buf.Write(header.Bytes())
	buf.Write(manifestBytes)

	stream := bytes.NewReader(buf.Bytes())
	store := openTestStore(t)
	resolver := newRecordingResolver()

	perf := NewPerformer(stream, store, nil, resolver, Config{})
	err := perf.Run()
	require.Error(t, err)
	var perr *PerformerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, UnsupportedMinorPayloadVersion, perr.Kind)
}

// --- helpers shared across the above tests ---

func mustBuildPlainPayload(t *testing.T) []byte {
	t.Helper()
	b, _ := buildPayload(t, nil)
	return b
}

func mustVerifierFromKey(pub *rsa.PublicKey) RSAVerifier {
	return RSAVerifier{key: pub}
}

func mustMarshalSignatures(sig []byte) []byte {
	// Hand-encodes one Signatures message with a single Signature entry,
	// matching payload/signatures.go's decode side.
	var entry []byte
	entry = appendTagLen(entry, fieldSignatureData, sig)
	var out []byte
	out = appendTagLen(out, fieldSignaturesEntries, entry)
	return out
}

func appendTagLen(buf []byte, field int, data []byte) []byte {
	tag := byte(field<<3) | 2 // wire type 2 (length-delimited)
	buf = append(buf, tag)
	buf = appendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

