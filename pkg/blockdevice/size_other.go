// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package blockdevice

import "os"

// blockDeviceByteSize falls back to stat on non-Linux hosts, where the
// BLKGETSIZE64 ioctl does not exist.
func blockDeviceByteSize(f *os.File) (int64, error) {
	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
