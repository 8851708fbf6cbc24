// Copyright 2019 Northern.tech AS
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
package system

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// This is a bit weird, Syscall() says it accepts uintptr in the request field,
// but this in fact not true. By inspecting the calls with strace, it's clear
// that the pointer value is being passed as an int to ioctl(), which is just
// wrong. So write the ioctl request value (int) directly into the pointer value
// instead.
type ioctlRequestValue uintptr

var NotABlockDevice = errors.New("Not a block device.")

// Returns value in first return. Second returns error condition.
// If the device is not a block device NotABlockDevice error and
// value 0 will be returned.
func ioctlRead(fd uintptr, request ioctlRequestValue) (uint64, error) {
	var response uint64
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd,
		uintptr(unsafe.Pointer(request)),
		uintptr(unsafe.Pointer(&response)))

	if errno == syscall.ENOTTY {
		// This means the descriptor is not a block device.
		// ENOTTY... weird, I know.
		return 0, NotABlockDevice
	} else if errno != 0 {
		return 0, errno
	}

	return response, nil
}

// ioctlRange issues an ioctl whose argument is a [start, length) byte range,
// as used by BLKZEROOUT and BLKDISCARD.
func ioctlRange(fd uintptr, request ioctlRequestValue, start, length uint64) error {
	rng := [2]uint64{start, length}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd,
		uintptr(unsafe.Pointer(request)),
		uintptr(unsafe.Pointer(&rng)))

	if errno == syscall.ENOTTY {
		return NotABlockDevice
	} else if errno != 0 {
		return errno
	}
	return nil
}

func GetBlockDeviceSectorSize(file *os.File) (int, error) {
	blockSectorSize, err := ioctlRead(file.Fd(), ioctlRequestValue(unix.BLKSSZGET))
	if err != nil {
		return 0, err
	}
	return int(blockSectorSize), nil
}

func GetBlockDeviceSize(file *os.File) (uint64, error) {
	devSize, err := ioctlRead(file.Fd(), ioctlRequestValue(unix.BLKGETSIZE64))
	if err != nil {
		return 0, err
	}
	return devSize, nil
}

// ZeroOutRange issues BLKZEROOUT over [start, start+length) of the block
// device backing file. The ZERO executor (see the executor package) falls
// back to an explicit zero-buffer write when this returns NotABlockDevice
// or any other error.
func ZeroOutRange(file *os.File, start, length uint64) error {
	return ioctlRange(file.Fd(), ioctlRequestValue(unix.BLKZEROOUT), start, length)
}

// DiscardRange issues BLKDISCARD over [start, start+length) of the block
// device backing file. The DISCARD executor falls back the same way as
// ZeroOutRange.
func DiscardRange(file *os.File, start, length uint64) error {
	return ioctlRange(file.Fd(), ioctlRequestValue(unix.BLKDISCARD), start, length)
}
