package bootctl

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnv is an in-memory EnvReadWriter standing in for fw_printenv/
// fw_setenv, so the slot/suffix/bootable logic in bootctl.go can be tested
// without shelling out.
type fakeEnv struct {
	mu   sync.Mutex
	vars EnvVars
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{vars: make(EnvVars)}
}

func (f *fakeEnv) ReadEnv(names ...string) (EnvVars, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(EnvVars)
	for _, n := range names {
		if v, ok := f.vars[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func (f *fakeEnv) WriteEnv(vars EnvVars) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range vars {
		f.vars[k] = v
	}
	return nil
}

func twoSlotConfig() Config {
	return Config{
		Suffixes:  []string{"_a", "_b"},
		DeviceDir: "/dev/disk/by-partlabel",
	}
}

func TestNumSlots(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), bc.NumSlots())
}

func TestCurrentSlotDefaultsToZero(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)
	assert.Equal(t, Slot(0), bc.CurrentSlot())
}

func TestSetActiveBootSlotUpdatesCurrentSlot(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)

	require.NoError(t, bc.SetActiveBootSlot(1))
	assert.Equal(t, Slot(1), bc.CurrentSlot())
}

func TestSetActiveBootSlotRejectsOutOfRange(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)
	assert.Error(t, bc.SetActiveBootSlot(7))
}

func TestSuffixFor(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)

	suffix, err := bc.SuffixFor(0)
	require.NoError(t, err)
	assert.Equal(t, "_a", suffix)

	suffix, err = bc.SuffixFor(1)
	require.NoError(t, err)
	assert.Equal(t, "_b", suffix)

	_, err = bc.SuffixFor(2)
	assert.Error(t, err)
}

func TestIsSlotBootableDefaultsTrue(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)

	bootable, err := bc.IsSlotBootable(1)
	require.NoError(t, err)
	assert.True(t, bootable)
}

func TestMarkSlotUnbootable(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)

	require.NoError(t, bc.MarkSlotUnbootable(1))
	bootable, err := bc.IsSlotBootable(1)
	require.NoError(t, err)
	assert.False(t, bootable)

	// the other slot is unaffected
	bootable, err = bc.IsSlotBootable(0)
	require.NoError(t, err)
	assert.True(t, bootable)
}

func TestSetActiveBootSlotClearsUnbootableFlag(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)

	require.NoError(t, bc.MarkSlotUnbootable(1))
	require.NoError(t, bc.SetActiveBootSlot(1))

	bootable, err := bc.IsSlotBootable(1)
	require.NoError(t, err)
	assert.True(t, bootable, "switching to a slot as active should clear its unbootable flag")
}

func TestMarkBootSuccessfulAsync(t *testing.T) {
	env := newFakeEnv()
	bc, err := NewBootControl(env, twoSlotConfig())
	require.NoError(t, err)

	done := make(chan error, 1)
	bc.MarkBootSuccessfulAsync(func(err error) {
		done <- err
	})
	assert.NoError(t, <-done)

	vars, err := env.ReadEnv(envSlotSuccessfulPf + "0")
	require.NoError(t, err)
	assert.Equal(t, "1", vars[envSlotSuccessfulPf+"0"])
}

func TestGetPartitionDeviceStatic(t *testing.T) {
	bc, err := NewBootControl(newFakeEnv(), twoSlotConfig())
	require.NoError(t, err)

	dev, err := bc.GetPartitionDevice("boot", 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "/dev/disk/by-partlabel/boot_a", dev.Path)
	assert.False(t, dev.IsDynamic)

	dev, err = bc.GetPartitionDevice("boot", 1, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "/dev/disk/by-partlabel/boot_b", dev.Path)
}

func TestGetPartitionDeviceDynamic(t *testing.T) {
	cfg := twoSlotConfig()
	cfg.DynamicPartitions = map[string]bool{"product": true}
	cfg.DynamicResolver = func(name string, slot Slot) (string, error) {
		return "/dev/mapper/" + name + "-" + cfg.Suffixes[slot], nil
	}
	bc, err := NewBootControl(newFakeEnv(), cfg)
	require.NoError(t, err)

	dev, err := bc.GetPartitionDevice("product", 1, 0, false)
	require.NoError(t, err)
	assert.True(t, dev.IsDynamic)
	assert.Equal(t, "/dev/mapper/product-_b", dev.Path)
}

func TestGetPartitionDeviceDynamicWithoutResolverFails(t *testing.T) {
	cfg := twoSlotConfig()
	cfg.DynamicPartitions = map[string]bool{"product": true}
	bc, err := NewBootControl(newFakeEnv(), cfg)
	require.NoError(t, err)

	_, err = bc.GetPartitionDevice("product", 0, 0, false)
	assert.Error(t, err)
}
