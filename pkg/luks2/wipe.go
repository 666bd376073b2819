// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks2

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// blkDiscard is the BLKDISCARD ioctl request number for issuing TRIM on a
// Linux block device.
const blkDiscard = 0x1277

// wipeChunkSize is the buffer size each overwrite pass streams through.
const wipeChunkSize = 1 << 20

// WipeOptions controls Wipe.
type WipeOptions struct {
	Device string
	// Passes is how many times the device is overwritten. Must be >= 1.
	Passes int
	// Random overwrites with random bytes instead of zeros.
	Random bool
	// HeaderOnly limits the wipe to the dual header region, leaving
	// payload data (now unrecoverable without the headers) untouched.
	HeaderOnly bool
	// Trim issues BLKDISCARD after overwriting, for SSDs.
	Trim bool
}

// Wipe destroys a LUKS2 volume's headers (and, unless HeaderOnly, its
// payload) by overwriting the device opts.Passes times.
func Wipe(opts WipeOptions) error {
	if err := ValidateDevicePath(opts.Device); err != nil {
		return err
	}
	if opts.Passes <= 0 {
		return lukserr.Wrap(lukserr.BadParameter, "Wipe", fmt.Errorf("passes %d must be >= 1", opts.Passes))
	}

	lock, err := AcquireFileLock(opts.Device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "Wipe", err)
	}
	defer func() { _ = lock.Release() }()

	f, err := os.OpenFile(opts.Device, os.O_RDWR, 0600) // #nosec G304 -- device path validated by caller
	if err != nil {
		return lukserr.New(lukserr.IOFailed, "Wipe", opts.Device, err)
	}
	defer func() { _ = f.Close() }()

	if opts.HeaderOnly {
		return wipeHeaderRegion(f)
	}

	size, err := getBlockDeviceSize(opts.Device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "Wipe", fmt.Errorf("device size: %w", err))
	}
	if size <= 0 {
		return lukserr.Wrap(lukserr.DeviceTooSmall, "Wipe", fmt.Errorf("device size %d", size))
	}

	for pass := 1; pass <= opts.Passes; pass++ {
		if err := overwritePass(f, size, opts.Random); err != nil {
			return lukserr.Wrap(lukserr.IOFailed, "Wipe", fmt.Errorf("pass %d/%d: %w", pass, opts.Passes, err))
		}
	}
	if err := f.Sync(); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "Wipe", err)
	}

	if opts.Trim {
		_ = discardRange(f, size) // best-effort; not every device supports TRIM
	}
	return nil
}

// wipeHeaderRegion zeros the 32KiB dual-header region at the start of the
// device, leaving ciphertext payload intact but unrecoverable.
func wipeHeaderRegion(f *os.File) error {
	if _, err := f.Seek(0, 0); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "wipeHeaderRegion", err)
	}
	if _, err := f.Write(make([]byte, keyslotAreaStart)); err != nil {
		return lukserr.Wrap(lukserr.HeaderWriteFailed, "wipeHeaderRegion", err)
	}
	return f.Sync()
}

// overwritePass streams wipeChunkSize-sized buffers of zeros or random bytes
// across the first size bytes of f.
func overwritePass(f *os.File, size int64, random bool) error {
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	buffer := make([]byte, wipeChunkSize)
	defer cryptoprim.Zero(buffer)

	for remaining := size; remaining > 0; {
		chunk := int64(wipeChunkSize)
		if remaining < chunk {
			chunk = remaining
		}

		if random {
			if err := cryptoprim.Random(buffer[:chunk]); err != nil {
				return fmt.Errorf("fill random buffer: %w", err)
			}
		} else {
			for i := range buffer[:chunk] {
				buffer[i] = 0
			}
		}

		n, err := f.Write(buffer[:chunk])
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		remaining -= int64(n)
	}
	return nil
}

// WipeKeyslot zeros one keyslot's area and drops it from the metadata,
// without requiring its passphrase.
func WipeKeyslot(device string, keyslot int) error {
	if err := ValidateDevicePath(device); err != nil {
		return err
	}

	lock, err := AcquireFileLock(device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "WipeKeyslot", err)
	}
	defer func() { _ = lock.Release() }()

	hdr, metadata, err := ReadHeader(device)
	if err != nil {
		return lukserr.Wrap(lukserr.HeaderReadFailed, "WipeKeyslot", err)
	}

	slotID := fmt.Sprintf("%d", keyslot)
	ks, ok := metadata.Keyslots[slotID]
	if !ok {
		return lukserr.Wrap(lukserr.BadParameter, "WipeKeyslot", fmt.Errorf("keyslot %d not found", keyslot))
	}

	if err := zeroKeyslotArea(device, ks); err != nil {
		return err
	}
	delete(metadata.Keyslots, slotID)
	unbindKeyslotFromDigests(metadata, slotID)

	return writeHeaderInternal(device, hdr, metadata)
}

// discardRange issues a BLKDISCARD ioctl over [0, size) so an SSD's FTL can
// reclaim the overwritten blocks. Best-effort: many devices and all regular
// files reject it, which is not treated as an error by the caller.
func discardRange(f *os.File, size int64) error {
	if size <= 0 {
		return fmt.Errorf("invalid discard size: %d", size)
	}
	discardRange := [2]uint64{0, uint64(size)}
	// #nosec G103 -- unsafe.Pointer required to pass the range to BLKDISCARD
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(blkDiscard), uintptr(unsafe.Pointer(&discardRange[0])))
	if errno != 0 {
		return fmt.Errorf("BLKDISCARD: %w", errno)
	}
	return nil
}
