package bootctl

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Slot identifies one of the device's A/B boot slots by index.
type Slot uint32

// InvalidSlot is the all-ones Slot value, reserved to mean "no slot".
// CurrentSlot never returns it: an absent or unrecognized active-slot
// variable falls back to slot 0.
const InvalidSlot Slot = ^Slot(0)

// PartitionDevice is the resolved block device backing one partition on one
// slot, mirroring boot_control_android.cc's GetPartitionDevice result: a
// path plus whether it came from the dynamic-partition pool rather than a
// fixed physical slot partition.
type PartitionDevice struct {
	Path      string
	IsDynamic bool
}

// BootControl is the collaborator contract spec.md §6.4 names: slot
// topology, per-slot bootability, the active boot slot, and partition
// device resolution. It is the Go-native shape of AOSP's IBootControl HAL,
// adapted onto this module's own persistence mechanism rather than a HIDL
// boot_control HAL module.
type BootControl interface {
	NumSlots() uint32
	CurrentSlot() Slot
	SuffixFor(slot Slot) (string, error)
	IsSlotBootable(slot Slot) (bool, error)
	MarkSlotUnbootable(slot Slot) error
	SetActiveBootSlot(slot Slot) error
	MarkBootSuccessfulAsync(callback func(err error))
	GetPartitionDevice(name string, slot Slot, currentSlot Slot, notInPayload bool) (PartitionDevice, error)
}

// Config names the on-device layout a uBootControl instance manages:
// how many slots exist, what suffix each carries, and where partition
// device nodes live.
type Config struct {
	// Suffixes is ordered by slot index, e.g. []string{"_a", "_b"}.
	Suffixes []string
	// DeviceDir is the directory partition device nodes live under, e.g.
	// "/dev/disk/by-partlabel". GetPartitionDevice joins name+suffix onto
	// this directory for statically-partitioned devices.
	DeviceDir string
	// DynamicPartitions names the set of partitions carved out of the
	// super partition by dpc rather than addressed as their own device
	// node; GetPartitionDevice defers these to the dynamic resolver.
	DynamicPartitions map[string]bool
	// DynamicResolver looks up the current mapper device for a dynamic
	// partition on a given slot. Required when DynamicPartitions is
	// non-empty.
	DynamicResolver func(name string, slot Slot) (string, error)
}

// U-Boot environment variable names this controller owns. None of these
// are mender's own upgrade-tracking variables (mender_boot_part,
// upgrade_available, bootcount) — bootctl carves out its own namespace so
// it can sit next to an unrelated mender-style updater on the same board.
const (
	envActiveSlot       = "payloadcore_active_slot"
	envSlotUnbootablePf = "payloadcore_slot_unbootable_"
	envSlotSuccessfulPf = "payloadcore_slot_successful_"
)

type uBootControl struct {
	env    EnvReadWriter
	cfg    Config
	mu     sync.Mutex
	active Slot
	loaded bool
}

// NewBootControl builds a BootControl backed by U-Boot's environment store
// through env (see NewUBootEnv), using cfg to interpret slot/suffix/device
// layout.
func NewBootControl(env EnvReadWriter, cfg Config) (BootControl, error) {
	if len(cfg.Suffixes) == 0 {
		return nil, errors.New("bootctl: Config.Suffixes must name at least one slot")
	}
	return &uBootControl{env: env, cfg: cfg}, nil
}

func (b *uBootControl) NumSlots() uint32 {
	return uint32(len(b.cfg.Suffixes))
}

func (b *uBootControl) loadActiveSlot() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return nil
	}
	vars, err := b.env.ReadEnv(envActiveSlot)
	if err != nil {
		return errors.Wrap(err, "bootctl: failed to read active slot")
	}
	raw, ok := vars[envActiveSlot]
	if !ok || raw == "" {
		b.active = 0
		b.loaded = true
		return nil
	}
	idx, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || idx >= uint64(len(b.cfg.Suffixes)) {
		log.WithField("value", raw).Warn("bootctl: active slot variable unparseable, defaulting to slot 0")
		b.active = 0
		b.loaded = true
		return nil
	}
	b.active = Slot(idx)
	b.loaded = true
	return nil
}

func (b *uBootControl) CurrentSlot() Slot {
	if err := b.loadActiveSlot(); err != nil {
		log.WithError(err).Error("bootctl: CurrentSlot falling back to slot 0")
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *uBootControl) SuffixFor(slot Slot) (string, error) {
	if int(slot) >= len(b.cfg.Suffixes) {
		return "", errors.Errorf("bootctl: slot %d out of range (%d slots)", slot, len(b.cfg.Suffixes))
	}
	return b.cfg.Suffixes[slot], nil
}

func (b *uBootControl) unbootableVar(slot Slot) string {
	return fmt.Sprintf("%s%d", envSlotUnbootablePf, slot)
}

func (b *uBootControl) successfulVar(slot Slot) string {
	return fmt.Sprintf("%s%d", envSlotSuccessfulPf, slot)
}

func (b *uBootControl) IsSlotBootable(slot Slot) (bool, error) {
	if int(slot) >= len(b.cfg.Suffixes) {
		return false, errors.Errorf("bootctl: slot %d out of range", slot)
	}
	vars, err := b.env.ReadEnv(b.unbootableVar(slot))
	if err != nil {
		return false, errors.Wrap(err, "bootctl: failed to read slot bootable flag")
	}
	return vars[b.unbootableVar(slot)] != "1", nil
}

func (b *uBootControl) MarkSlotUnbootable(slot Slot) error {
	if int(slot) >= len(b.cfg.Suffixes) {
		return errors.Errorf("bootctl: slot %d out of range", slot)
	}
	return b.env.WriteEnv(EnvVars{b.unbootableVar(slot): "1"})
}

func (b *uBootControl) SetActiveBootSlot(slot Slot) error {
	if int(slot) >= len(b.cfg.Suffixes) {
		return errors.Errorf("bootctl: slot %d out of range", slot)
	}
	if err := b.env.WriteEnv(EnvVars{
		envActiveSlot:         strconv.FormatUint(uint64(slot), 10),
		b.unbootableVar(slot): "0",
		b.successfulVar(slot): "0",
	}); err != nil {
		return errors.Wrap(err, "bootctl: failed to set active boot slot")
	}
	b.mu.Lock()
	b.active = slot
	b.loaded = true
	b.mu.Unlock()
	return nil
}

// MarkBootSuccessfulAsync mirrors boot_control_android.cc's posting of the
// confirmation onto a message loop: the write happens on its own goroutine
// so a slow or wedged fw_setenv does not block the caller's update flow,
// and callback reports the outcome once it completes.
func (b *uBootControl) MarkBootSuccessfulAsync(callback func(err error)) {
	slot := b.CurrentSlot()
	go func() {
		err := b.env.WriteEnv(EnvVars{b.successfulVar(slot): "1"})
		if err != nil {
			err = errors.Wrap(err, "bootctl: failed to mark boot successful")
		}
		if callback != nil {
			callback(err)
		}
	}()
}

func (b *uBootControl) GetPartitionDevice(name string, slot Slot, currentSlot Slot, notInPayload bool) (PartitionDevice, error) {
	if int(slot) >= len(b.cfg.Suffixes) {
		return PartitionDevice{}, errors.Errorf("bootctl: slot %d out of range", slot)
	}

	if b.cfg.DynamicPartitions[name] {
		if b.cfg.DynamicResolver == nil {
			return PartitionDevice{}, errors.Errorf("bootctl: %s is a dynamic partition but no DynamicResolver is configured", name)
		}
		// notInPayload dynamic partitions (spec.md §6.4's "present on
		// device but absent from this payload") still resolve through
		// the dynamic mapper, since their backing device may be a
		// snapshot rather than a bare super-partition region.
		path, err := b.cfg.DynamicResolver(name, slot)
		if err != nil {
			return PartitionDevice{}, errors.Wrapf(err, "bootctl: failed to resolve dynamic partition %s on slot %d", name, slot)
		}
		return PartitionDevice{Path: path, IsDynamic: true}, nil
	}

	suffix := b.cfg.Suffixes[slot]
	path := fmt.Sprintf("%s/%s%s", b.cfg.DeviceDir, name, suffix)
	return PartitionDevice{Path: path, IsDynamic: false}, nil
}
