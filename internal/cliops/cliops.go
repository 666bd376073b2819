// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package cliops collects the operation seams shared by the command-line
// front ends: the LUKS1/LUKS2 device operations each CLI drives, the
// terminal/filesystem abstractions that let their tests run without a
// real tty or disk, and small helpers both front ends format output with.
package cliops

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/jeremyhahn/go-diskcrypt/pkg/activation"
	"github.com/jeremyhahn/go-diskcrypt/pkg/blockdevice"
	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/luks1"
	"github.com/jeremyhahn/go-diskcrypt/pkg/luks2"
)

// LuksV2Operations is the LUKS2 surface a CLI drives directly.
type LuksV2Operations interface {
	Format(opts luks2.FormatOptions) error
	Unlock(device string, passphrase []byte, name string) error
	Lock(name string) error
	Mount(opts luks2.MountOptions) error
	Unmount(mountPoint string, flags int) error
	GetVolumeInfo(device string) (*luks2.VolumeInfo, error)
	Wipe(opts luks2.WipeOptions) error
	SetupLoopDevice(filename string) (string, error)
	DetachLoopDevice(loopDev string) error
	IsMounted(mountPoint string) (bool, error)
	IsUnlocked(name string) bool
}

// LuksV1Operations is the legacy LUKS1 surface: format a fresh volume,
// recover its master key and activate it, tear activation down, and
// report header contents without unlocking anything.
type LuksV1Operations interface {
	Format(device string, passphrase []byte, opts luks1.FormatOptions) error
	Open(device string, passphrase []byte, name string) error
	Close(name string) error
	Stat(device string) (luks1.Dump, error)
}

// Terminal reads a passphrase from a tty without echoing it.
type Terminal interface {
	ReadPassword(fd int) ([]byte, error)
}

// FileSystem is the slice of os operations a CLI needs to stage file
// volumes and mountpoints.
type FileSystem interface {
	Create(name string) (*os.File, error)
	Stat(name string) (os.FileInfo, error)
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
}

// DefaultLuksV2Operations implements LuksV2Operations against the real
// luks2 package.
type DefaultLuksV2Operations struct{}

func (d *DefaultLuksV2Operations) Format(opts luks2.FormatOptions) error { return luks2.Format(opts) }

func (d *DefaultLuksV2Operations) Unlock(device string, passphrase []byte, name string) error {
	return luks2.Unlock(device, passphrase, name)
}

func (d *DefaultLuksV2Operations) Lock(name string) error { return luks2.Lock(name) }

func (d *DefaultLuksV2Operations) Mount(opts luks2.MountOptions) error { return luks2.Mount(opts) }

func (d *DefaultLuksV2Operations) Unmount(mountPoint string, flags int) error {
	return luks2.Unmount(mountPoint, flags)
}

func (d *DefaultLuksV2Operations) GetVolumeInfo(device string) (*luks2.VolumeInfo, error) {
	return luks2.GetVolumeInfo(device)
}

func (d *DefaultLuksV2Operations) Wipe(opts luks2.WipeOptions) error { return luks2.Wipe(opts) }

func (d *DefaultLuksV2Operations) SetupLoopDevice(filename string) (string, error) {
	return luks2.SetupLoopDevice(filename)
}

func (d *DefaultLuksV2Operations) DetachLoopDevice(loopDev string) error {
	return luks2.DetachLoopDevice(loopDev)
}

func (d *DefaultLuksV2Operations) IsMounted(mountPoint string) (bool, error) {
	return luks2.IsMounted(mountPoint)
}

func (d *DefaultLuksV2Operations) IsUnlocked(name string) bool { return luks2.IsUnlocked(name) }

// DefaultLuksV1Operations implements LuksV1Operations directly against the
// luks1 package and the block-device/activation layers the luks2 package
// keeps private to itself.
type DefaultLuksV1Operations struct{}

func (d *DefaultLuksV1Operations) Format(device string, passphrase []byte, opts luks1.FormatOptions) error {
	dev, err := blockdevice.Open(device, blockdevice.RDWR, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	mk, err := cryptoprim.RandomBytes(opts.KeyBytes)
	if err != nil {
		return err
	}
	defer cryptoprim.Zero(mk)

	_, err = luks1.Format(dev, mk, passphrase, opts)
	return err
}

func (d *DefaultLuksV1Operations) Open(device string, passphrase []byte, name string) error {
	dev, err := blockdevice.Open(device, blockdevice.RDONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	hdr, err := luks1.ReadHeader(dev)
	if err != nil {
		return err
	}

	mk, err := luks1.RecoverMasterKey(dev, hdr, passphrase)
	if err != nil {
		return err
	}
	defer cryptoprim.Zero(mk)

	stat := luks1.GetStat(hdr)
	byteSize, err := dev.ByteSize()
	if err != nil {
		return err
	}
	payloadSectors := uint64(byteSize)/luks1.SectorSize - stat.PayloadOffset

	encryption := stat.CipherName
	if stat.CipherMode != "" {
		encryption = stat.CipherName + "-" + stat.CipherMode
	}

	req := activation.BuildMapping(name, device, stat.PayloadOffset, payloadSectors, encryption, mk, 0, luks1.SectorSize)
	return activation.Activate(req, stat.UUID)
}

func (d *DefaultLuksV1Operations) Close(name string) error {
	return activation.Deactivate(name)
}

func (d *DefaultLuksV1Operations) Stat(device string) (luks1.Dump, error) {
	dev, err := blockdevice.Open(device, blockdevice.RDONLY, 0)
	if err != nil {
		return luks1.Dump{}, err
	}
	defer func() { _ = dev.Close() }()

	hdr, err := luks1.ReadHeader(dev)
	if err != nil {
		return luks1.Dump{}, err
	}
	return luks1.GetDump(hdr), nil
}

// DefaultTerminal implements Terminal using golang.org/x/term.
type DefaultTerminal struct{}

func (d *DefaultTerminal) ReadPassword(fd int) ([]byte, error) {
	return term.ReadPassword(fd)
}

// DefaultFileSystem implements FileSystem using the os package.
type DefaultFileSystem struct{}

func (d *DefaultFileSystem) Create(name string) (*os.File, error) {
	return os.Create(name) // #nosec G304 -- CLI tool intentionally creates files at user-specified paths
}

func (d *DefaultFileSystem) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (d *DefaultFileSystem) Remove(name string) error { return os.Remove(name) }

func (d *DefaultFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// ParseSize parses a size string like "100M" into bytes.
func ParseSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty size")
	}

	suffix := s[len(s)-1]
	var multiplier int64 = 1
	valueStr := s
	switch suffix {
	case 'K', 'k':
		multiplier = 1024
		valueStr = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		valueStr = s[:len(s)-1]
	case 'G', 'g':
		multiplier = 1024 * 1024 * 1024
		valueStr = s[:len(s)-1]
	case 'T', 't':
		multiplier = 1024 * 1024 * 1024 * 1024
		valueStr = s[:len(s)-1]
	}

	var value int64
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid size value: %s", s)
	}

	return value * multiplier, nil
}

// ClearBytes zeroes b in place.
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
