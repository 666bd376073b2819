// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package luks2

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

const loopControlPath = "/dev/loop-control"

// SetupLoopDevice attaches file to a free loop device and returns its path
// (e.g. "/dev/loop0"), letting a LUKS2-on-file volume be opened like a
// block device.
func SetupLoopDevice(file string) (string, error) {
	backing, err := os.OpenFile(file, os.O_RDWR, 0) // #nosec G304 -- user-provided disk image path
	if err != nil {
		return "", lukserr.New(lukserr.IOFailed, "SetupLoopDevice", file, err)
	}
	defer func() { _ = backing.Close() }()

	control, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", lukserr.Wrap(lukserr.IOFailed, "SetupLoopDevice", fmt.Errorf("open %s: %w", loopControlPath, err))
	}
	defer func() { _ = control.Close() }()

	devNum, _, errno := unix.Syscall(unix.SYS_IOCTL, control.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errno != 0 {
		return "", lukserr.Wrap(lukserr.IOFailed, "SetupLoopDevice", fmt.Errorf("LOOP_CTL_GET_FREE: %w", errno))
	}
	loopDevice := fmt.Sprintf("/dev/loop%d", devNum)

	loopFile, err := os.OpenFile(loopDevice, os.O_RDWR, 0) // #nosec G304 -- loop device path from the kernel
	if err != nil {
		return "", lukserr.New(lukserr.IOFailed, "SetupLoopDevice", loopDevice, err)
	}
	defer func() { _ = loopFile.Close() }()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), unix.LOOP_SET_FD, backing.Fd()); errno != 0 {
		return "", lukserr.Wrap(lukserr.IOFailed, "SetupLoopDevice", fmt.Errorf("LOOP_SET_FD: %w", errno))
	}
	return loopDevice, nil
}

// DetachLoopDevice clears the backing file from a loop device created by
// SetupLoopDevice.
func DetachLoopDevice(device string) error {
	loopFile, err := os.OpenFile(device, os.O_RDWR, 0) // #nosec G304 -- loop device path from SetupLoopDevice
	if err != nil {
		return lukserr.New(lukserr.IOFailed, "DetachLoopDevice", device, err)
	}
	defer func() { _ = loopFile.Close() }()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), unix.LOOP_CLR_FD, 0); errno != 0 {
		return lukserr.Wrap(lukserr.IOFailed, "DetachLoopDevice", fmt.Errorf("LOOP_CLR_FD: %w", errno))
	}
	return nil
}

// FindLoopDevice scans /sys/block for a loop device already backed by file.
func FindLoopDevice(file string) (string, error) {
	absFile, err := filepath.Abs(file)
	if err != nil {
		return "", lukserr.Wrap(lukserr.BadParameter, "FindLoopDevice", err)
	}

	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", lukserr.Wrap(lukserr.IOFailed, "FindLoopDevice", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "loop") {
			continue
		}

		data, err := os.ReadFile(fmt.Sprintf("/sys/block/%s/loop/backing_file", name)) // #nosec G304 -- sysfs path from a known prefix
		if err != nil {
			continue
		}
		backing, err := filepath.Abs(strings.TrimSuffix(string(data), "\n"))
		if err != nil {
			continue
		}
		if backing == absFile {
			return "/dev/" + name, nil
		}
	}
	return "", lukserr.Wrap(lukserr.BadParameter, "FindLoopDevice", fmt.Errorf("no loop device backed by %s", file))
}
