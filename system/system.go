// Copyright 2021 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package system wraps os/exec and os.Stat behind small interfaces so
// bootctl and the engine's example binary can swap in a scripted fake for
// tests, the way the teacher's system package backs installer/bootenv.go.
package system

import (
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Proc wraps an *exec.Cmd and resets its Stdout/Stderr fields before
// handing back a pipe, since exec.Cmd panics if both a pipe and a fixed
// Stdout/Stderr are set on the same command.
type Proc struct {
	*exec.Cmd
}

func (p *Proc) Output() ([]byte, error) {
	p.Stdout = nil
	return p.Cmd.Output()
}

func (p *Proc) CombinedOutput() ([]byte, error) {
	p.Stdout = nil
	p.Stderr = nil
	return p.Cmd.CombinedOutput()
}

func (p *Proc) StderrPipe() (io.ReadCloser, error) {
	p.Stderr = nil
	return p.Cmd.StderrPipe()
}

func (p *Proc) StdoutPipe() (io.ReadCloser, error) {
	p.Stdout = nil
	return p.Cmd.StdoutPipe()
}

// Spawn builds a Proc around exec.Command, wiring Stdout/Stderr to the
// process's own so a caller that never asks for a pipe still streams
// output the way a directly-invoked command would.
func Spawn(name string, arg ...string) *Proc {
	p := &Proc{Cmd: exec.Command(name, arg...)}
	p.Stdout = os.Stdout
	p.Stderr = os.Stderr
	return p
}

// Runner is the process-spawning seam every collaborator that shells out
// (U-Boot's fw_printenv/fw_setenv, `reboot`) is built against, so tests can
// substitute system/testing's scripted fake.
type Runner interface {
	Run(name string, arg ...string) *Proc
}

// Inspector adds file-existence checks to Runner, for collaborators that
// also need to probe for a partition device node or sysfs file.
type Inspector interface {
	Stat(string) (os.FileInfo, error)
	Runner
}

// Host is the real Runner/Inspector, backed directly onto os/exec and os.
type Host struct{}

func (Host) Run(name string, arg ...string) *Proc {
	return Spawn(name, arg...)
}

func (Host) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// Rebooter issues the device reboot spec.md §1 describes as outside this
// module's scope to decide when to trigger, but which the example
// payload-apply command still needs to be able to carry out once asked.
type Rebooter struct {
	runner Runner
}

func NewRebooter(runner Runner) *Rebooter {
	return &Rebooter{runner: runner}
}

// Reboot runs the reboot command and then blocks: a successful exit status
// from `reboot` only means the request was accepted, not that the kernel
// has actually torn the process down yet, so any return from this call
// (including the timeout below) is treated as failure by the caller.
func (r *Rebooter) Reboot() error {
	if err := r.runner.Run("reboot").Run(); err != nil {
		return errors.Wrap(err, "system: reboot command failed")
	}

	log.Warn("system: reboot command succeeded, waiting to be killed")
	time.Sleep(10 * time.Minute)
	return errors.New("system: process was not killed by reboot within the expected window")
}
