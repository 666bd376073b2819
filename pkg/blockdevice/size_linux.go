// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package blockdevice

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// blockDeviceByteSize tries BLKGETSIZE64 first (block devices), falling
// back to stat (regular files/disk images).
func blockDeviceByteSize(f *os.File) (int64, error) {
	var size int64
	// #nosec G103 -- unsafe.Pointer required for ioctl syscall
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno == 0 {
		return size, nil
	}

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
