// Package bootctl implements the BootControl collaborator contract
// (spec.md §6.4): slot count/identity, per-slot bootability, the active
// boot slot, and partition device path resolution. The concrete
// implementation backs these onto U-Boot's environment store, adapted from
// the teacher's installer/bootenv.go fw_printenv/fw_setenv wrapper.
package bootctl

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/payloadcore/system"
)

// EnvVars is a flat U-Boot environment variable set.
type EnvVars map[string]string

// EnvReadWriter is the U-Boot environment access seam bootControl is built
// on, mirroring installer/bootenv.go's BootEnvReadWriter.
type EnvReadWriter interface {
	ReadEnv(names ...string) (EnvVars, error)
	WriteEnv(vars EnvVars) error
}

// uBootEnv drives fw_printenv/fw_setenv through a system.Runner, exactly as
// the teacher's UBootEnv does; this module only renames it and trims the
// canary diagnostics message to this repo's own variable names.
type uBootEnv struct {
	system.Runner
}

// NewUBootEnv constructs an EnvReadWriter backed by fw_printenv/fw_setenv.
func NewUBootEnv(runner system.Runner) EnvReadWriter {
	return &uBootEnv{runner}
}

// checkEnvCanary verifies, when the environment opts in via
// mender_check_saveenv_canary, that U-Boot actually wrote
// mender_saveenv_canary back — catching a misconfigured fw_env.config
// location or a boot script that never invoked the setup command.
func (e *uBootEnv) checkEnvCanary() error {
	getEnvCmd := e.Run("fw_printenv", "mender_check_saveenv_canary")
	vars, err := readEnvOutput(getEnvCmd)
	if err != nil {
		return nil
	}
	if v, ok := vars["mender_check_saveenv_canary"]; !ok || v != "1" {
		return nil
	}

	getEnvCmd = e.Run("fw_printenv", "mender_saveenv_canary")
	vars, err = readEnvOutput(getEnvCmd)
	if err != nil {
		return errors.Wrap(err, "bootctl: saveenv canary check failed, U-Boot environment setup is likely broken")
	}
	if v, ok := vars["mender_saveenv_canary"]; !ok || v != "1" {
		return errors.New("bootctl: mender_saveenv_canary variable could not be parsed")
	}
	return nil
}

func (e *uBootEnv) ReadEnv(names ...string) (EnvVars, error) {
	if err := e.checkEnvCanary(); err != nil {
		if os.Geteuid() != 0 {
			return nil, errors.Wrap(err, "bootctl: requires root privileges")
		}
		return nil, err
	}
	vars, err := readEnvOutput(e.Run("fw_printenv", names...))
	if err != nil && os.Geteuid() != 0 {
		return nil, errors.Wrap(err, "bootctl: requires root privileges")
	}
	return vars, err
}

// WriteEnv persists vars through fw_setenv, retrying a bounded number of
// times with backoff on a transient failure (the env backing store is
// often an MTD/SPI-flash device that can be briefly busy) before giving
// up. A permission failure is never retried.
func (e *uBootEnv) WriteEnv(vars EnvVars) error {
	if err := e.checkEnvCanary(); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 500 * time.Millisecond

	err := backoff.Retry(func() error {
		err := e.writeEnvOnce(vars)
		if err != nil && os.Geteuid() != 0 {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		if os.Geteuid() != 0 {
			return errors.Wrap(err, "bootctl: requires root privileges")
		}
		return errors.Wrap(err, "bootctl: fw_setenv returned failure")
	}
	return nil
}

func (e *uBootEnv) writeEnvOnce(vars EnvVars) error {
	setEnvCmd := e.Run("fw_setenv", "-s", "-")
	pipe, err := setEnvCmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := setEnvCmd.Start(); err != nil {
		pipe.Close()
		return err
	}
	for k, v := range vars {
		if _, err := fmt.Fprintf(pipe, "%s=%s\n", k, v); err != nil {
			log.WithError(err).Error("bootctl: failed writing U-Boot variable")
			pipe.Close()
			return err
		}
	}
	pipe.Close()
	return setEnvCmd.Wait()
}

// readEnvOutput scans fw_printenv's "key=value" lines directly: a variable
// appearing twice (fw_printenv can repeat a name when the environment has a
// redundant copy with a stale entry) keeps its last occurrence.
func readEnvOutput(cmd *system.Proc) (EnvVars, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "bootctl: failed to open fw_printenv stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	vars := make(EnvVars)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) < 2 {
			return nil, errors.Errorf("bootctl: malformed fw_printenv line %q", line)
		}
		vars[kv[0]] = kv[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "bootctl: failed reading fw_printenv output")
	}

	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	return vars, nil
}
