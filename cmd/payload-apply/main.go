// Command payload-apply is a thin example binary wiring this module's
// packages into one runnable update: read a payload file, build an
// InstallPlan from its manifest, and hand both to engine.Engine.Apply.
// It carries no Omaha/UI/update-check surface — spec.md §1 excludes the
// top-level state machine and CLI from this module's scope; this exists
// only to give the library a runnable shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/payloadcore/bootctl"
	"github.com/mendersoftware/payloadcore/dpc"
	"github.com/mendersoftware/payloadcore/engine"
	"github.com/mendersoftware/payloadcore/installplan"
	"github.com/mendersoftware/payloadcore/manifest"
	"github.com/mendersoftware/payloadcore/payload"
	"github.com/mendersoftware/payloadcore/prefs"
	"github.com/mendersoftware/payloadcore/system"
)

type runOptions struct {
	payloadFile         string
	publicKeyFile       string
	deviceDir           string
	snapshotDir         string
	prefsDir            string
	suffixes            string
	superPartitionSize  uint64
	writeVerity         bool
	hashChecksMandatory bool
	powerwashRequired   bool
	resume              bool
	reboot              bool
	logLevel            string
}

func argsParse(args []string) (runOptions, error) {
	var o runOptions
	fs := flag.NewFlagSet("payload-apply", flag.ContinueOnError)

	fs.StringVar(&o.payloadFile, "payload", "", "Path to the payload (.bin) file to apply.")
	fs.StringVar(&o.publicKeyFile, "public-key", "", "PEM-encoded RSA public key used to verify payload signatures.")
	fs.StringVar(&o.deviceDir, "device-dir", "/dev/disk/by-partlabel", "Directory static partition device nodes live under.")
	fs.StringVar(&o.snapshotDir, "snapshot-dir", "/data/payloadcore/snapshots", "Directory file-backed COW snapshots are created under.")
	fs.StringVar(&o.prefsDir, "prefs-dir", "/data/payloadcore/prefs", "Directory the resume/powerwash prefs store lives under.")
	fs.StringVar(&o.suffixes, "suffixes", "_a,_b", "Comma-separated slot suffixes, ordered by slot index.")
	fs.Uint64Var(&o.superPartitionSize, "super-size", 0, "Size in bytes of the dynamic-partitions super partition.")
	fs.BoolVar(&o.writeVerity, "write-verity", false, "Build and write the dm-verity hash tree/FEC region during verification.")
	fs.BoolVar(&o.hashChecksMandatory, "hash-checks-mandatory", true, "Fail the update if the metadata signature, an operation's data hash, or the payload signature is missing.")
	fs.BoolVar(&o.powerwashRequired, "powerwash", false, "Mark this update as requiring a factory data reset.")
	fs.BoolVar(&o.resume, "resume", false, "Resume a previously interrupted update instead of starting fresh.")
	fs.BoolVar(&o.reboot, "reboot", false, "Reboot into the new slot immediately after a successful apply.")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warning, error.")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.payloadFile == "" {
		return o, fmt.Errorf("payload-apply: -payload is required")
	}
	if o.publicKeyFile == "" {
		return o, fmt.Errorf("payload-apply: -public-key is required")
	}
	return o, nil
}

func doApply(o runOptions) error {
	level, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	keyPEM, err := os.ReadFile(o.publicKeyFile)
	if err != nil {
		return fmt.Errorf("payload-apply: failed to read public key: %w", err)
	}
	verifier, err := payload.NewRSAVerifier(keyPEM)
	if err != nil {
		return fmt.Errorf("payload-apply: failed to parse public key: %w", err)
	}

	store, err := prefs.Open(o.prefsDir)
	if err != nil {
		return fmt.Errorf("payload-apply: failed to open prefs store: %w", err)
	}
	defer store.Close()

	suffixes := strings.Split(o.suffixes, ",")
	env := bootctl.NewUBootEnv(system.Host{})
	bootCtl, err := bootctl.NewBootControl(env, bootctl.Config{
		Suffixes:  suffixes,
		DeviceDir: o.deviceDir,
	})
	if err != nil {
		return fmt.Errorf("payload-apply: failed to build boot control: %w", err)
	}

	dpcCtl := dpc.NewController(dpc.Config{
		SuperPartitionSize: o.superPartitionSize,
		Suffixes:           suffixes,
		DeviceDir:          o.deviceDir,
		SnapshotDir:        o.snapshotDir,
	})

	// spec.md §5: cleanup-previous-update runs on its own worker, never
	// touching in-progress-update state; cancelled once Apply returns so
	// it can't outlive this process.
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go func() {
		if err := dpcCtl.GetCleanupPreviousUpdateAction()(cleanupCtx); err != nil && err != context.Canceled {
			log.WithError(err).Warn("payload-apply: previous-update cleanup failed")
		}
	}()

	f, err := os.Open(o.payloadFile)
	if err != nil {
		return fmt.Errorf("payload-apply: failed to open payload file: %w", err)
	}
	defer f.Close()

	h, err := manifest.ReadHeader(f)
	if err != nil {
		return fmt.Errorf("payload-apply: failed to read payload header: %w", err)
	}
	manifestBytes := make([]byte, h.ManifestSize)
	if _, err := io.ReadFull(f, manifestBytes); err != nil {
		return fmt.Errorf("payload-apply: failed to read manifest: %w", err)
	}
	m, err := manifest.Unmarshal(manifestBytes)
	if err != nil {
		return fmt.Errorf("payload-apply: failed to parse manifest: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("payload-apply: failed to rewind payload file: %w", err)
	}

	plan := installplan.BuildInstallPlan(m, uint32(bootCtl.CurrentSlot()), targetSlotFor(bootCtl), o.writeVerity, o.resume, o.hashChecksMandatory)
	plan.PowerwashRequired = o.powerwashRequired

	e := &engine.Engine{
		DPC:      dpcCtl,
		BootCtl:  bootCtl,
		Store:    store,
		Verifier: verifier,
		Config: engine.Config{
			HashChecksMandatory: o.hashChecksMandatory,
		},
	}

	if err := e.Apply(plan, f); err != nil {
		return err
	}

	if o.reboot {
		log.Info("payload-apply: update applied, rebooting into the new slot")
		return system.NewRebooter(system.Host{}).Reboot()
	}
	return nil
}

// targetSlotFor picks the slot that is not currently active, mirroring
// boot_control_android.cc's "the other slot" convention for a two-slot
// device (spec.md §6.4).
func targetSlotFor(bc bootctl.BootControl) uint32 {
	current := bc.CurrentSlot()
	if bc.NumSlots() <= 1 {
		return uint32(current)
	}
	return (uint32(current) + 1) % bc.NumSlots()
}

func main() {
	o, err := argsParse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := doApply(o); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
