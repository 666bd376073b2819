// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package blockdevice

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// AttachLoop attaches file to a free loop device and returns its path
// (e.g. "/dev/loop0"), so a disk image can be opened through BlockDevice
// like any other block device node.
func AttachLoop(file string) (string, error) {
	backingFile, err := os.OpenFile(file, os.O_RDWR, 0) // #nosec G304 -- caller-supplied disk image path
	if err != nil {
		return "", lukserr.New(lukserr.IOFailed, "AttachLoop", file, err)
	}
	defer func() { _ = backingFile.Close() }()

	loopControl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", lukserr.New(lukserr.IOFailed, "AttachLoop", "/dev/loop-control", err)
	}
	defer func() { _ = loopControl.Close() }()

	devNum, _, errno := unix.Syscall(unix.SYS_IOCTL, loopControl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errno != 0 {
		return "", lukserr.New(lukserr.IOFailed, "AttachLoop", "/dev/loop-control", fmt.Errorf("LOOP_CTL_GET_FREE: %v", errno))
	}

	loopDevice := fmt.Sprintf("/dev/loop%d", devNum)

	loopFile, err := os.OpenFile(loopDevice, os.O_RDWR, 0) // #nosec G304 -- loop device path derived from kernel-assigned number
	if err != nil {
		return "", lukserr.New(lukserr.IOFailed, "AttachLoop", loopDevice, err)
	}
	defer func() { _ = loopFile.Close() }()

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), unix.LOOP_SET_FD, backingFile.Fd())
	if errno != 0 {
		return "", lukserr.New(lukserr.IOFailed, "AttachLoop", loopDevice, fmt.Errorf("LOOP_SET_FD: %v", errno))
	}

	return loopDevice, nil
}

// DetachLoop detaches a loop device previously returned by AttachLoop.
func DetachLoop(device string) error {
	loopFile, err := os.OpenFile(device, os.O_RDWR, 0) // #nosec G304 -- loop device path from AttachLoop
	if err != nil {
		return lukserr.New(lukserr.IOFailed, "DetachLoop", device, err)
	}
	defer func() { _ = loopFile.Close() }()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), unix.LOOP_CLR_FD, 0)
	if errno != 0 {
		return lukserr.New(lukserr.IOFailed, "DetachLoop", device, fmt.Errorf("LOOP_CLR_FD: %v", errno))
	}
	return nil
}

// FindLoop locates the loop device currently backed by file, by scanning
// /sys/block for a matching backing_file.
func FindLoop(file string) (string, error) {
	absFile, err := filepath.Abs(file)
	if err != nil {
		return "", lukserr.New(lukserr.IOFailed, "FindLoop", file, err)
	}

	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", lukserr.New(lukserr.IOFailed, "FindLoop", "/sys/block", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if len(name) < 4 || name[:4] != "loop" {
			continue
		}

		backingFilePath := fmt.Sprintf("/sys/block/%s/loop/backing_file", name)
		data, err := os.ReadFile(backingFilePath) // #nosec G304 -- sysfs path constructed from known prefix
		if err != nil {
			continue
		}

		backingFile := string(data)
		if len(backingFile) > 0 && backingFile[len(backingFile)-1] == '\n' {
			backingFile = backingFile[:len(backingFile)-1]
		}

		absBackingFile, err := filepath.Abs(backingFile)
		if err != nil {
			continue
		}

		if absFile == absBackingFile {
			return "/dev/" + name, nil
		}
	}

	return "", lukserr.New(lukserr.IOFailed, "FindLoop", file, fmt.Errorf("no loop device found"))
}

const blkDiscard = 0x1277

// Discard issues a BLKDISCARD ioctl over [offset, offset+length) so an SSD
// can release the blocks backing a wiped keyslot or header area.
func Discard(f *os.File, offset, length uint64) error {
	rng := [2]uint64{offset, length}
	// #nosec G103 -- unsafe.Pointer required for ioctl syscall to pass array to kernel
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		f.Fd(),
		uintptr(blkDiscard),
		uintptr(unsafe.Pointer(&rng[0])),
	)
	if errno != 0 {
		return lukserr.New(lukserr.IOFailed, "Discard", f.Name(), fmt.Errorf("BLKDISCARD: %v", errno))
	}
	return nil
}
