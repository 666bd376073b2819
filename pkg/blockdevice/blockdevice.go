// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package blockdevice defines the thin block-device interface the LUKS1 and
// LUKS2 codecs read and write sectors through. Sector I/O internals (real
// disks, multipath, partitioning) are a host concern; this package only
// provides the interface plus a file/loop-device-backed implementation
// sufficient for disk images and already-attached block devices.
package blockdevice

import (
	"fmt"
	"os"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// OpenFlag mirrors the open-mode vocabulary a caller uses to acquire a
// BlockDevice: read-only, write-only, read-write, optionally creating or
// truncating the backing file.
type OpenFlag int

const (
	RDONLY OpenFlag = 1 << iota
	WRONLY
	RDWR
	CREATE
	TRUNC
)

func (f OpenFlag) osFlags() int {
	var flags int
	switch {
	case f&RDWR != 0:
		flags = os.O_RDWR
	case f&WRONLY != 0:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if f&CREATE != 0 {
		flags |= os.O_CREATE
	}
	if f&TRUNC != 0 {
		flags |= os.O_TRUNC
	}
	return flags
}

const DefaultBlockSize = 512

// BlockDevice is the sector-addressed handle the codecs read and write
// headers, keyslot material, and payload sectors through.
type BlockDevice interface {
	Path() string
	BlockSize() uint32
	SetBlockSize(size uint32) error
	ByteSize() (int64, error)
	NumBlocks() (uint64, error)

	// Get reads nblocks of BlockSize() bytes starting at blockIndex into buf.
	Get(blockIndex uint64, buf []byte, nblocks uint32) error
	// Put writes nblocks of BlockSize() bytes from buf starting at blockIndex.
	Put(blockIndex uint64, buf []byte, nblocks uint32) error

	Close() error
}

// FileDevice is a BlockDevice backed by an *os.File: a disk image, a loop
// device, or an already-attached block device node.
type FileDevice struct {
	path      string
	file      *os.File
	blockSize uint32
}

// Open opens path with the given flags and permission bits (used only when
// CREATE is set), returning a FileDevice with the default 512-byte block
// size until SetBlockSize overrides it.
func Open(path string, flags OpenFlag, perm os.FileMode) (*FileDevice, error) {
	f, err := os.OpenFile(path, flags.osFlags(), perm) // #nosec G304 -- caller-supplied device/image path
	if err != nil {
		return nil, lukserr.New(lukserr.IOFailed, "Open", path, err)
	}
	return &FileDevice{path: path, file: f, blockSize: DefaultBlockSize}, nil
}

func (d *FileDevice) Path() string { return d.path }

func (d *FileDevice) BlockSize() uint32 { return d.blockSize }

func (d *FileDevice) SetBlockSize(size uint32) error {
	if size == 0 || size%DefaultBlockSize != 0 {
		return lukserr.New(lukserr.BadBlockSize, "SetBlockSize", d.path, fmt.Errorf("block size %d not a multiple of %d", size, DefaultBlockSize))
	}
	d.blockSize = size
	return nil
}

func (d *FileDevice) ByteSize() (int64, error) {
	size, err := blockDeviceByteSize(d.file)
	if err != nil {
		return 0, lukserr.New(lukserr.IOFailed, "ByteSize", d.path, err)
	}
	return size, nil
}

func (d *FileDevice) NumBlocks() (uint64, error) {
	size, err := d.ByteSize()
	if err != nil {
		return 0, err
	}
	return uint64(size) / uint64(d.blockSize), nil
}

func (d *FileDevice) Get(blockIndex uint64, buf []byte, nblocks uint32) error {
	want := int(nblocks) * int(d.blockSize)
	if len(buf) < want {
		return lukserr.New(lukserr.BufferTooSmall, "Get", d.path, fmt.Errorf("buffer len %d < %d", len(buf), want))
	}
	off := int64(blockIndex) * int64(d.blockSize)
	if _, err := d.file.ReadAt(buf[:want], off); err != nil {
		return lukserr.New(lukserr.IOFailed, "Get", d.path, err)
	}
	return nil
}

func (d *FileDevice) Put(blockIndex uint64, buf []byte, nblocks uint32) error {
	want := int(nblocks) * int(d.blockSize)
	if len(buf) < want {
		return lukserr.New(lukserr.BufferTooSmall, "Put", d.path, fmt.Errorf("buffer len %d < %d", len(buf), want))
	}
	off := int64(blockIndex) * int64(d.blockSize)
	if _, err := d.file.WriteAt(buf[:want], off); err != nil {
		return lukserr.New(lukserr.IOFailed, "Put", d.path, err)
	}
	return nil
}

func (d *FileDevice) Close() error {
	if err := d.file.Close(); err != nil {
		return lukserr.New(lukserr.IOFailed, "Close", d.path, err)
	}
	return nil
}

// Sync flushes pending writes to stable storage, used by the LUKS2 header
// update protocol between writing the secondary and primary headers.
func (d *FileDevice) Sync() error {
	if err := d.file.Sync(); err != nil {
		return lukserr.New(lukserr.IOFailed, "Sync", d.path, err)
	}
	return nil
}

// File exposes the underlying *os.File for callers (loop device attach,
// flock) that need the raw descriptor.
func (d *FileDevice) File() *os.File { return d.file }
