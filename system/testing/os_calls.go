// Copyright 2022 Northern.tech AS
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

// Package testing provides scripted stand-ins for the system package, so
// bootctl's fw_printenv/fw_setenv wrapper can be exercised without a real
// U-Boot environment or process table.
package testing

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/mendersoftware/payloadcore/system"
)

// ScriptedRunner replays a fixed stdout/exit-code pair for every command it
// runs, by shelling out to os_calls_helper.sh rather than the real binary
// the caller asked for.
type ScriptedRunner struct {
	Output   string
	ExitCode int
	File     os.FileInfo
	StatErr  error
}

func NewScriptedRunner(output string, exitCode int) *ScriptedRunner {
	return &ScriptedRunner{
		Output:   output,
		ExitCode: exitCode,
	}
}

func (r *ScriptedRunner) Stat(name string) (os.FileInfo, error) {
	return r.File, r.StatErr
}

func (r *ScriptedRunner) Run(name string, arg ...string) *system.Proc {
	_, thisFile, _, _ := runtime.Caller(0)
	helper := filepath.Join(filepath.Dir(thisFile), "os_calls_helper.sh")

	p := &system.Proc{Cmd: exec.Command(helper, strconv.Itoa(r.ExitCode), r.Output)}
	return p
}
