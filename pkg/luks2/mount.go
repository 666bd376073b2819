// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks2

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// MountOptions describes a single mount(2) call against an unlocked volume.
type MountOptions struct {
	Device     string
	MountPoint string
	FSType     string
	Flags      uintptr
	Data       string
}

// Mount mounts the mapped device behind opts.Device at opts.MountPoint.
func Mount(opts MountOptions) error {
	devicePath, err := GetMappedDevicePath(opts.Device)
	if err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "Mount", fmt.Errorf("%s not unlocked: %w", opts.Device, err))
	}
	if _, err := os.Stat(devicePath); err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "Mount", fmt.Errorf("%s not unlocked: %w", devicePath, err))
	}
	if _, err := os.Stat(opts.MountPoint); os.IsNotExist(err) {
		return lukserr.Wrap(lukserr.BadParameter, "Mount", fmt.Errorf("mount point %s does not exist", opts.MountPoint))
	}

	if err := unix.Mount(devicePath, opts.MountPoint, opts.FSType, opts.Flags, opts.Data); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "Mount", err)
	}
	return nil
}

// Unmount detaches whatever is mounted at mountPoint.
func Unmount(mountPoint string, flags int) error {
	if err := unix.Unmount(mountPoint, flags); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "Unmount", err)
	}
	return nil
}

// IsMounted reports whether mountPoint appears as a mount target in
// /proc/mounts.
func IsMounted(mountPoint string) (bool, error) {
	file, err := os.Open("/proc/mounts")
	if err != nil {
		return false, lukserr.Wrap(lukserr.IOFailed, "IsMounted", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if fields := strings.Fields(scanner.Text()); len(fields) >= 2 && fields[1] == mountPoint {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, lukserr.Wrap(lukserr.IOFailed, "IsMounted", err)
	}
	return false, nil
}
