package engine

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/payloadcore/bootctl"
	"github.com/mendersoftware/payloadcore/dpc"
	"github.com/mendersoftware/payloadcore/extent"
	"github.com/mendersoftware/payloadcore/installplan"
	"github.com/mendersoftware/payloadcore/manifest"
	"github.com/mendersoftware/payloadcore/prefs"
)

// fakeBootControl is a minimal bootctl.BootControl double resolving every
// partition under a temp directory and recording the activation calls the
// engine is expected to make on success.
type fakeBootControl struct {
	dir      string
	suffixes []string

	activeSlot      bootctl.Slot
	activeSetCalled bool
	markCalled      bool
}

var _ bootctl.BootControl = (*fakeBootControl)(nil)

func (f *fakeBootControl) NumSlots() uint32                  { return uint32(len(f.suffixes)) }
func (f *fakeBootControl) CurrentSlot() bootctl.Slot         { return 0 }
func (f *fakeBootControl) SuffixFor(slot bootctl.Slot) (string, error) {
	return f.suffixes[slot], nil
}
func (f *fakeBootControl) IsSlotBootable(slot bootctl.Slot) (bool, error) { return true, nil }
func (f *fakeBootControl) MarkSlotUnbootable(slot bootctl.Slot) error     { return nil }
func (f *fakeBootControl) SetActiveBootSlot(slot bootctl.Slot) error {
	f.activeSetCalled = true
	f.activeSlot = slot
	return nil
}
func (f *fakeBootControl) MarkBootSuccessfulAsync(callback func(err error)) {
	f.markCalled = true
	if callback != nil {
		callback(nil)
	}
}
func (f *fakeBootControl) GetPartitionDevice(name string, slot, currentSlot bootctl.Slot, notInPayload bool) (bootctl.PartitionDevice, error) {
	return bootctl.PartitionDevice{Path: filepath.Join(f.dir, name+f.suffixes[slot])}, nil
}

func testEngine(t *testing.T, bc *fakeBootControl) *Engine {
	d := dpc.NewController(dpc.Config{
		SuperPartitionSize: 1 << 20,
		Suffixes:           []string{"_a", "_b"},
		DeviceDir:          bc.dir,
		SnapshotDir:        t.TempDir(),
		Flags:              dpc.FeatureFlags{},
	})
	store, err := prefs.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &Engine{DPC: d, BootCtl: bc, Store: store}
}

// buildStaticPayload assembles a one-partition, one-REPLACE-operation
// payload stream targeting a static (non-dynamic) partition, the way
// payload/performer_test.go's buildPayload does for the Performer alone.
func buildStaticPayload(t *testing.T) ([]byte, []byte, [32]byte) {
	t.Helper()
	content := bytes.Repeat([]byte{0x7E}, extent.BlockSize)
	dataHash := sha256.Sum256(content)

	op := manifest.InstallOperation{
		Type:           manifest.OpReplace,
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
	header := &manifest.Header{MajorVersion: manifest.BrilloMajorVersion, ManifestSize: uint64(len(manifestBytes))}

	var buf bytes.Buffer
	buf.Write(header.Bytes())
	buf.Write(manifestBytes)
	buf.Write(content)

	return buf.Bytes(), content, dataHash
}

func TestEngineApplyStaticPartitionEndToEnd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boot_a"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boot_b"), nil, 0600))

	bc := &fakeBootControl{dir: dir, suffixes: []string{"_a", "_b"}}
	e := testEngine(t, bc)

	payloadBytes, content, dataHash := buildStaticPayload(t)

	plan := &installplan.InstallPlan{
		SourceSlot: 0,
		TargetSlot: 1,
		Partitions: []installplan.Partition{
			{Name: "boot", TargetSize: uint64(len(content)), TargetSha256: dataHash[:]},
		},
	}

	stream := bytes.NewReader(payloadBytes)
	require.NoError(t, e.Apply(plan, stream))

	got, err := os.ReadFile(filepath.Join(dir, "boot_b"))
	require.NoError(t, err)
	assert.Equal(t, content, got[:len(content)])

	assert.True(t, bc.activeSetCalled)
	assert.Equal(t, bootctl.Slot(1), bc.activeSlot)
	assert.True(t, bc.markCalled)
	assert.Equal(t, dpc.StateCommitted, e.DPC.State())
}

func TestEngineApplyFailsOnTargetHashMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boot_a"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boot_b"), nil, 0600))

	bc := &fakeBootControl{dir: dir, suffixes: []string{"_a", "_b"}}
	e := testEngine(t, bc)

	payloadBytes, content, _ := buildStaticPayload(t)
	wrongHash := sha256.Sum256(append(content, 0x01))

	plan := &installplan.InstallPlan{
		SourceSlot: 0,
		TargetSlot: 1,
		Partitions: []installplan.Partition{
			{Name: "boot", TargetSize: uint64(len(content)), TargetSha256: wrongHash[:]},
		},
	}

	stream := bytes.NewReader(payloadBytes)
	err := e.Apply(plan, stream)
	require.Error(t, err)
	assert.False(t, bc.activeSetCalled, "must not activate the target slot when verification fails")
}
