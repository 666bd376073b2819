// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package luks2

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// FilesystemType names a filesystem MakeFilesystem knows how to create.
type FilesystemType string

const (
	FilesystemExt2  FilesystemType = "ext2"
	FilesystemExt3  FilesystemType = "ext3"
	FilesystemExt4  FilesystemType = "ext4"
	FilesystemXFS   FilesystemType = "xfs"
	FilesystemZFS   FilesystemType = "zfs"
	FilesystemFAT32 FilesystemType = "vfat"
)

// unlockPollInterval/unlockPollAttempts bound how long MakeFilesystem waits
// for device-mapper to materialize the mapped device node.
const (
	unlockPollInterval = 100 * time.Millisecond
	unlockPollAttempts = 50
)

// FilesystemOptions controls MakeFilesystemWithOptions.
type FilesystemOptions struct {
	Label     string
	BlockSize int
	Force     bool

	Ext4Options *Ext4Options
	XFSOptions  *XFSOptions
	ZFSOptions  *ZFSOptions
}

// Ext4Options are mkfs.ext4-specific tuning knobs.
type Ext4Options struct {
	JournalSize              int
	InodeSize                int
	InodesPerGroup           int
	ReservedBlocksPercent    float64
	StrideSize               int
	StripeWidth              int
	DisableMetadataChecksums bool
	EnableLargeDir           bool
	Enable64bit              bool
}

// args renders the ext4-specific flags this option set implies.
func (e *Ext4Options) args() []string {
	var args []string
	if e.JournalSize > 0 {
		args = append(args, "-J", fmt.Sprintf("size=%d", e.JournalSize))
	}
	if e.InodeSize > 0 {
		args = append(args, "-I", fmt.Sprintf("%d", e.InodeSize))
	}
	if e.ReservedBlocksPercent > 0 {
		args = append(args, "-m", fmt.Sprintf("%.1f", e.ReservedBlocksPercent))
	}

	var extended []string
	if e.StrideSize > 0 {
		extended = append(extended, fmt.Sprintf("stride=%d", e.StrideSize))
	}
	if e.StripeWidth > 0 {
		extended = append(extended, fmt.Sprintf("stripe_width=%d", e.StripeWidth))
	}
	if len(extended) > 0 {
		args = append(args, "-E", strings.Join(extended, ","))
	}

	var features []string
	if e.Enable64bit {
		features = append(features, "64bit")
	}
	if e.EnableLargeDir {
		features = append(features, "dir_index", "large_dir")
	}
	if e.DisableMetadataChecksums {
		features = append(features, "^metadata_csum")
	}
	if len(features) > 0 {
		args = append(args, "-O", strings.Join(features, ","))
	}
	return args
}

// XFSOptions are mkfs.xfs-specific tuning knobs.
type XFSOptions struct {
	AgCount    int
	BlockSize  int
	InodeSize  int
	SectorSize int
	LogSize    int
	RealTime   bool
	RefLink    bool
	BigTime    bool
	NoAlign    bool
}

func (x *XFSOptions) args() []string {
	var args []string
	if x.BlockSize > 0 {
		args = append(args, "-b", fmt.Sprintf("size=%d", x.BlockSize))
	}
	if x.SectorSize > 0 {
		args = append(args, "-s", fmt.Sprintf("size=%d", x.SectorSize))
	}
	if x.InodeSize > 0 {
		args = append(args, "-i", fmt.Sprintf("size=%d", x.InodeSize))
	}
	if x.AgCount > 0 {
		args = append(args, "-d", fmt.Sprintf("agcount=%d", x.AgCount))
	}
	if x.LogSize > 0 {
		args = append(args, "-l", fmt.Sprintf("size=%dm", x.LogSize))
	}

	var meta []string
	if x.RefLink {
		meta = append(meta, "reflink=1")
	}
	if x.BigTime {
		meta = append(meta, "bigtime=1")
	}
	if len(meta) > 0 {
		args = append(args, "-m", strings.Join(meta, ","))
	}
	if x.NoAlign {
		args = append(args, "-d", "noalign")
	}
	return args
}

// ZFSOptions describe the pool and dataset `makeZFS` creates.
type ZFSOptions struct {
	PoolName    string
	DatasetName string
	Compression string
	Ashift      int
	RecordSize  string
	EnableDedup bool
	MountPoint  string
	Features    []string
	Properties  map[string]string
}

func (z *ZFSOptions) datasetProperties() []string {
	var props []string
	if z.Compression != "" {
		props = append(props, fmt.Sprintf("compression=%s", z.Compression))
	}
	if z.RecordSize != "" {
		props = append(props, fmt.Sprintf("recordsize=%s", z.RecordSize))
	}
	if z.EnableDedup {
		props = append(props, "dedup=on")
	}
	return props
}

// SupportedFilesystems lists the filesystem types MakeFilesystem can create.
func SupportedFilesystems() []FilesystemType {
	return []FilesystemType{FilesystemExt2, FilesystemExt3, FilesystemExt4, FilesystemXFS, FilesystemZFS, FilesystemFAT32}
}

// IsFilesystemSupported reports whether fstype is in SupportedFilesystems.
func IsFilesystemSupported(fstype FilesystemType) bool {
	for _, fs := range SupportedFilesystems() {
		if fs == fstype {
			return true
		}
	}
	return false
}

// MakeFilesystem creates fstype on device with the given volume label.
func MakeFilesystem(device, fstype, label string) error {
	return MakeFilesystemWithOptions(device, FilesystemType(fstype), &FilesystemOptions{Label: label})
}

// MakeFilesystemWithOptions waits for device's mapped node to appear, then
// formats it as fstype using opts.
func MakeFilesystemWithOptions(device string, fstype FilesystemType, opts *FilesystemOptions) error {
	if opts == nil {
		opts = &FilesystemOptions{}
	}

	if !awaitUnlocked(device) {
		return lukserr.Wrap(lukserr.BadParameter, "MakeFilesystemWithOptions", fmt.Errorf("%s is not unlocked", device))
	}

	devicePath, err := GetMappedDevicePath(device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "MakeFilesystemWithOptions", fmt.Errorf("mapped device path: %w", err))
	}

	switch fstype {
	case FilesystemExt2:
		return makeExtFS(devicePath, "mkfs.ext2", opts)
	case FilesystemExt3:
		return makeExtFS(devicePath, "mkfs.ext3", opts)
	case FilesystemExt4:
		return makeExt4(devicePath, opts)
	case FilesystemXFS:
		return makeXFS(devicePath, opts)
	case FilesystemZFS:
		return makeZFS(devicePath, opts)
	case FilesystemFAT32:
		return makeFAT32(devicePath, opts)
	default:
		return lukserr.Wrap(lukserr.Unsupported, "MakeFilesystemWithOptions", fmt.Errorf("filesystem type %q", fstype))
	}
}

// awaitUnlocked polls IsUnlocked for up to unlockPollAttempts *
// unlockPollInterval, since device-mapper creates the mapped node
// asynchronously after Unlock returns.
func awaitUnlocked(device string) bool {
	for i := 0; i < unlockPollAttempts; i++ {
		if IsUnlocked(device) {
			return true
		}
		time.Sleep(unlockPollInterval)
	}
	return false
}

// runTool runs name with args, wrapping any failure with its combined
// stdout/stderr for diagnosis.
func runTool(op, name string, args ...string) error {
	output, err := exec.Command(name, args...).CombinedOutput() // #nosec G204 -- args built from validated FilesystemOptions
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, op, fmt.Errorf("%s: %w: %s", name, err, output))
	}
	return nil
}

func makeExt4(devicePath string, opts *FilesystemOptions) error {
	args := commonMkfsArgs(opts)
	if opts.Ext4Options != nil {
		args = append(args, opts.Ext4Options.args()...)
	}
	args = append(args, devicePath)
	return runTool("makeExt4", "mkfs.ext4", args...)
}

// makeExtFS creates an ext2 or ext3 filesystem with the given mkfs binary.
func makeExtFS(devicePath, mkfsCmd string, opts *FilesystemOptions) error {
	args := append(commonMkfsArgs(opts), devicePath)
	return runTool("makeExtFS", mkfsCmd, args...)
}

// commonMkfsArgs renders the label/block-size/force flags every ext* mkfs
// binary shares.
func commonMkfsArgs(opts *FilesystemOptions) []string {
	var args []string
	if opts.Label != "" {
		args = append(args, "-L", opts.Label)
	}
	if opts.BlockSize > 0 {
		args = append(args, "-b", fmt.Sprintf("%d", opts.BlockSize))
	}
	if opts.Force {
		args = append(args, "-F")
	}
	return args
}

func makeXFS(devicePath string, opts *FilesystemOptions) error {
	var args []string
	if opts.Label != "" {
		args = append(args, "-L", opts.Label)
	}
	if opts.Force {
		args = append(args, "-f")
	}
	if opts.XFSOptions != nil {
		args = append(args, opts.XFSOptions.args()...)
	}
	args = append(args, devicePath)
	return runTool("makeXFS", "mkfs.xfs", args...)
}

func makeZFS(devicePath string, opts *FilesystemOptions) error {
	if opts.ZFSOptions == nil {
		return lukserr.Wrap(lukserr.BadParameter, "makeZFS", fmt.Errorf("ZFSOptions required"))
	}
	zfs := opts.ZFSOptions
	if zfs.PoolName == "" {
		return lukserr.Wrap(lukserr.BadParameter, "makeZFS", fmt.Errorf("pool name required"))
	}

	args := []string{"create"}
	if opts.Force {
		args = append(args, "-f")
	}
	if zfs.MountPoint != "" {
		args = append(args, "-m", zfs.MountPoint)
	}
	if zfs.Ashift > 0 {
		args = append(args, "-o", fmt.Sprintf("ashift=%d", zfs.Ashift))
	}
	for key, val := range zfs.Properties {
		args = append(args, "-o", fmt.Sprintf("%s=%s", key, val))
	}

	datasetProps := zfs.datasetProperties()
	for _, prop := range datasetProps {
		args = append(args, "-O", prop)
	}
	for _, feature := range zfs.Features {
		args = append(args, "-o", fmt.Sprintf("feature@%s=enabled", feature))
	}
	args = append(args, zfs.PoolName, devicePath)

	if err := runTool("makeZFS", "zpool", args...); err != nil {
		return err
	}

	if zfs.DatasetName != "" && zfs.DatasetName != "root" {
		dsArgs := []string{"create"}
		for _, prop := range datasetProps {
			dsArgs = append(dsArgs, "-o", prop)
		}
		dsArgs = append(dsArgs, fmt.Sprintf("%s/%s", zfs.PoolName, zfs.DatasetName))
		return runTool("makeZFS", "zfs", dsArgs...)
	}
	return nil
}

func makeFAT32(devicePath string, opts *FilesystemOptions) error {
	args := []string{"-F", "32"}
	if opts.Label != "" {
		args = append(args, "-n", opts.Label)
	}
	args = append(args, devicePath)
	return runTool("makeFAT32", "mkfs.fat", args...)
}

// CheckFilesystem runs the filesystem-appropriate consistency checker
// against devicePath, optionally repairing what it finds.
func CheckFilesystem(devicePath string, fstype FilesystemType, repair bool) error {
	switch fstype {
	case FilesystemExt4:
		args := []string{"-n"}
		if repair {
			args = []string{"-p"}
		}
		return runTool("CheckFilesystem", "e2fsck", append(args, devicePath)...)

	case FilesystemXFS:
		var args []string
		if !repair {
			args = []string{"-n"}
		}
		return runTool("CheckFilesystem", "xfs_repair", append(args, devicePath)...)

	case FilesystemZFS:
		return runTool("CheckFilesystem", "zpool", "scrub", devicePath)

	default:
		return lukserr.Wrap(lukserr.Unsupported, "CheckFilesystem", fmt.Errorf("filesystem type %q", fstype))
	}
}

// FilesystemInfo is what GetFilesystemInfo reports about a formatted device.
type FilesystemInfo struct {
	Type       FilesystemType
	Label      string
	UUID       string
	BlockSize  int
	TotalSize  uint64
	UsedSize   uint64
	FreeSize   uint64
	MountPoint string
}

// GetFilesystemInfo runs blkid against devicePath and parses its
// export-format key=value output.
func GetFilesystemInfo(devicePath string) (*FilesystemInfo, error) {
	output, err := exec.Command("blkid", "-o", "export", devicePath).Output()
	if err != nil {
		return nil, lukserr.Wrap(lukserr.IOFailed, "GetFilesystemInfo", fmt.Errorf("blkid: %w", err))
	}

	info := &FilesystemInfo{}
	for _, line := range strings.Split(string(output), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "TYPE":
			info.Type = FilesystemType(value)
		case "LABEL":
			info.Label = value
		case "UUID":
			info.UUID = value
		case "BLOCK_SIZE":
			_, _ = fmt.Sscanf(value, "%d", &info.BlockSize)
		}
	}
	return info, nil
}
