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
package testing

import (
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertNoZombieProcesses fails t if any zombie child of this process is
// still around. The file isn't named *_test.go on purpose, so go test
// doesn't pick it up as its own test; a package whose tests Start() a lot
// of subprocesses through ScriptedRunner (bootctl's env tests, which shell
// out to os_calls_helper.sh) calls this once at the end to catch a Start()
// that never got its matching Wait().
func AssertNoZombieProcesses(t *testing.T) {
	// Sanity-check the detector itself: spin up a process and confirm we
	// can see it as a zombie before it's reaped.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	require.Eventually(t, func() bool {
		_, _, found := zombiesPresent()
		return found
	},
		1*time.Second,
		100*time.Millisecond,
		"zombie detection didn't trigger on a known zombie; ps may behave differently on this platform",
	)
	require.NoError(t, cmd.Wait())

	// Run last among parallel tests, since Go schedules t.Parallel() tests
	// after every sequential one in the package.
	t.Parallel()

	var output string
	var err error
	assert.Eventuallyf(t, func() bool {
		var found bool
		output, err, found = zombiesPresent()
		return !found
	},
		60*time.Second,
		1*time.Second,
		"zombie processes are still present, likely a Start() without a matching Wait()",
	)
	if t.Failed() {
		t.Logf("ps output: %s, error: %v", output, err)
	}
}

func zombiesPresent() (string, error, bool) {
	cmdStr := fmt.Sprintf("ps -ef | grep %d | grep '<defunct>' | grep -v grep", os.Getpid())
	cmd := exec.Command("/bin/sh", "-c", cmdStr)
	output, err := cmd.Output()
	return string(output), err, err == nil
}
