// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeremyhahn/go-diskcrypt/internal/cliops"
	"github.com/jeremyhahn/go-diskcrypt/pkg/luks1"
	"github.com/jeremyhahn/go-diskcrypt/pkg/luks2"
)

// CLI represents the command-line interface application
type CLI struct {
	Args       []string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	LuksV2     cliops.LuksV2Operations
	LuksV1     cliops.LuksV1Operations
	Terminal   cliops.Terminal
	FS         cliops.FileSystem
	ExitFunc   func(code int)
	stdinFd    int
	getStdinFd func() int
}

// NewCLI creates a new CLI instance with default dependencies
func NewCLI() *CLI {
	return &CLI{
		Args:       os.Args,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		LuksV2:     &cliops.DefaultLuksV2Operations{},
		LuksV1:     &cliops.DefaultLuksV1Operations{},
		Terminal:   &cliops.DefaultTerminal{},
		FS:         &cliops.DefaultFileSystem{},
		ExitFunc:   os.Exit,
		getStdinFd: func() int { return int(os.Stdin.Fd()) },
	}
}

// Run executes the CLI with the given arguments
func (c *CLI) Run() int {
	if len(c.Args) < 2 {
		c.showBanner()
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 1
	}

	command := c.Args[1]

	switch command {
	case "format":
		return c.cmdFormat()
	case "open":
		return c.cmdOpen()
	case "close":
		return c.cmdClose()
	case "mount":
		return c.cmdMount()
	case "unmount":
		return c.cmdUnmount()
	case "info":
		return c.cmdInfo()
	case "wipe":
		return c.cmdWipe()
	case "help", "--help", "-h":
		c.showBanner()
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 0
	case "version", "--version", "-v":
		_, _ = fmt.Fprintf(c.Stdout, "diskcryptctl version %s\n", Version)
		return 0
	default:
		_, _ = fmt.Fprintf(c.Stderr, "Unknown command: %s\n\n", command)
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 1
	}
}

func (c *CLI) showBanner() { _, _ = fmt.Fprint(c.Stdout, banner) }

// parseFormatArgs pulls the --v1 flag out of the remaining positional args.
func parseFormatArgs(args []string) (rest []string, v1 bool) {
	for _, a := range args {
		if a == "--v1" {
			v1 = true
			continue
		}
		rest = append(rest, a)
	}
	return rest, v1
}

// cmdFormat handles the format command for both LUKS1 and LUKS2 volumes
func (c *CLI) cmdFormat() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: diskcryptctl format [--v1] <path> [size]")
		_, _ = fmt.Fprintln(c.Stdout, "\nFor block devices:")
		_, _ = fmt.Fprintln(c.Stdout, "  diskcryptctl format /dev/sdb1")
		_, _ = fmt.Fprintln(c.Stdout, "\nFor file volumes:")
		_, _ = fmt.Fprintln(c.Stdout, "  diskcryptctl format encrypted.img 100M")
		_, _ = fmt.Fprintln(c.Stdout, "  diskcryptctl format --v1 legacy.img 64M")
		_, _ = fmt.Fprintln(c.Stdout, "\nSize suffixes: K, M, G, T")
		return 1
	}

	rest, v1 := parseFormatArgs(c.Args[2:])
	if len(rest) < 1 {
		_, _ = fmt.Fprintln(c.Stderr, "Error: path required")
		return 1
	}

	path := rest[0]
	var sizeStr string
	if len(rest) > 1 {
		sizeStr = rest[1]
	}
	isBlockDevice := strings.HasPrefix(path, "/dev/")

	if v1 {
		return c.cmdFormatV1(path, sizeStr, isBlockDevice)
	}
	if isBlockDevice {
		return c.cmdFormatV2BlockDevice(path)
	}
	return c.cmdFormatV2File(path, sizeStr)
}

func (c *CLI) cmdFormatV2File(filename, sizeStr string) int {
	if sizeStr == "" {
		_, _ = fmt.Fprintln(c.Stdout, "Error: Size required for file volumes")
		_, _ = fmt.Fprintln(c.Stdout, "Usage: diskcryptctl format <file> <size>")
		return 1
	}

	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Creating LUKS2 encrypted file: %s (%s)\n\n", filename, sizeStr)

	size, err := cliops.ParseSize(sizeStr)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Invalid size: %v\n", err)
		return 1
	}

	if _, err := c.FS.Stat(filename); err == nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: File already exists: %s\n", filename)
		return 1
	}

	f, err := c.FS.Create(filename)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to create file: %v\n", err)
		return 1
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = c.FS.Remove(filename)
		_, _ = fmt.Fprintf(c.Stderr, "Failed to set file size: %v\n", err)
		return 1
	}
	_ = f.Close()

	passphrase, err := c.promptPassphrase("Enter passphrase for new volume: ", true)
	if err != nil {
		_ = c.FS.Remove(filename)
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(passphrase)

	opts := luks2.FormatOptions{
		Device:     filename,
		Passphrase: passphrase,
		KDFType:    "argon2id",
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nFormatting as LUKS2 volume (AES-XTS-256, Argon2id)...")
	if err := c.LuksV2.Format(opts); err != nil {
		_ = c.FS.Remove(filename)
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to format volume: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nLUKS2 encrypted file created successfully!")
	loopDev, err := c.LuksV2.SetupLoopDevice(filename)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Warning: Failed to setup loop device: %v\n", err)
		return 0
	}
	_, _ = fmt.Fprintf(c.Stdout, "Loop device created: %s\n", loopDev)
	_, _ = fmt.Fprintf(c.Stdout, "Open with: sudo diskcryptctl open %s myvolume\n", loopDev)

	return 0
}

func (c *CLI) cmdFormatV2BlockDevice(device string) int {
	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Creating LUKS2 volume on block device: %s\n\n", device)

	passphrase, err := c.promptPassphrase("Enter passphrase for new volume: ", true)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(passphrase)

	opts := luks2.FormatOptions{
		Device:     device,
		Passphrase: passphrase,
		KDFType:    "argon2id",
	}

	if err := c.LuksV2.Format(opts); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to create volume: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nLUKS2 volume created successfully!")
	_, _ = fmt.Fprintf(c.Stdout, "Open with: sudo diskcryptctl open %s myvolume\n", device)
	return 0
}

func (c *CLI) cmdFormatV1(path, sizeStr string, isBlockDevice bool) int {
	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Creating LUKS1 volume: %s\n\n", path)

	if !isBlockDevice {
		if sizeStr == "" {
			_, _ = fmt.Fprintln(c.Stderr, "Error: Size required for file volumes")
			return 1
		}
		size, err := cliops.ParseSize(sizeStr)
		if err != nil {
			_, _ = fmt.Fprintf(c.Stderr, "Invalid size: %v\n", err)
			return 1
		}
		if _, err := c.FS.Stat(path); err == nil {
			_, _ = fmt.Fprintf(c.Stderr, "Error: File already exists: %s\n", path)
			return 1
		}
		f, err := c.FS.Create(path)
		if err != nil {
			_, _ = fmt.Fprintf(c.Stderr, "Failed to create file: %v\n", err)
			return 1
		}
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			_ = c.FS.Remove(path)
			_, _ = fmt.Fprintf(c.Stderr, "Failed to set file size: %v\n", err)
			return 1
		}
		_ = f.Close()
	}

	passphrase, err := c.promptPassphrase("Enter passphrase for new volume: ", true)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(passphrase)

	opts := luks1.FormatOptions{
		CipherName: "aes",
		CipherMode: "xts-plain64",
		HashSpec:   "sha256",
		KeyBytes:   64,
	}

	_, _ = fmt.Fprintln(c.Stdout, "\n  Cipher: AES-XTS-512")
	_, _ = fmt.Fprintln(c.Stdout, "  KDF: PBKDF2-SHA256")
	_, _ = fmt.Fprintln(c.Stdout, "\nThis may take a few seconds...")

	if err := c.LuksV1.Format(path, passphrase, opts); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to format volume: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nLUKS1 volume created successfully!")
	_, _ = fmt.Fprintf(c.Stdout, "Open with: sudo diskcryptctl open %s myvolume\n", path)
	return 0
}

// cmdOpen unlocks a volume, trying LUKS2 metadata first and falling back
// to the LUKS1 binary header if that fails.
func (c *CLI) cmdOpen() int {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: diskcryptctl open <device> <name>")
		return 1
	}

	device := c.Args[2]
	name := c.Args[3]

	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Opening volume: %s -> %s\n\n", device, name)

	passphrase, err := c.promptPassphrase("Enter passphrase: ", false)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(passphrase)

	_, _ = fmt.Fprintln(c.Stdout, "\nUnlocking volume...")

	if err := c.LuksV2.Unlock(device, passphrase, name); err == nil {
		_, _ = fmt.Fprintln(c.Stdout, "\nVolume unlocked successfully!")
		_, _ = fmt.Fprintf(c.Stdout, "Device mapper created: /dev/mapper/%s\n", name)
		return 0
	}

	if err := c.LuksV1.Open(device, passphrase, name); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to unlock volume: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nVolume unlocked successfully (LUKS1)!")
	_, _ = fmt.Fprintf(c.Stdout, "Device mapper created: /dev/mapper/%s\n", name)
	return 0
}

// cmdClose tears down an active mapping, LUKS1 or LUKS2.
func (c *CLI) cmdClose() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: diskcryptctl close <name>")
		return 1
	}

	name := c.Args[2]

	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Closing volume: %s\n\n", name)

	mounted, err := c.LuksV2.IsMounted("/dev/mapper/" + name)
	if err == nil && mounted {
		_, _ = fmt.Fprintln(c.Stderr, "Volume is still mounted! Unmount first.")
		return 1
	}

	if err := c.LuksV2.Lock(name); err == nil {
		_, _ = fmt.Fprintln(c.Stdout, "\nVolume locked successfully!")
		return 0
	}

	if err := c.LuksV1.Close(name); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to close volume: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nVolume locked successfully!")
	return 0
}

// cmdMount mounts an unlocked LUKS2 volume
func (c *CLI) cmdMount() int {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: diskcryptctl mount <name> <mountpoint>")
		return 1
	}

	name := c.Args[2]
	mountpoint := c.Args[3]

	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Mounting volume: %s -> %s\n\n", name, mountpoint)

	mounted, _ := c.LuksV2.IsMounted(mountpoint)
	if mounted {
		_, _ = fmt.Fprintf(c.Stderr, "Mountpoint already in use: %s\n", mountpoint)
		return 1
	}

	if _, err := c.FS.Stat(mountpoint); os.IsNotExist(err) {
		if err := c.FS.MkdirAll(mountpoint, 0750); err != nil {
			_, _ = fmt.Fprintf(c.Stderr, "Failed to create mountpoint: %v\n", err)
			return 1
		}
	}

	opts := luks2.MountOptions{
		Device:     name,
		MountPoint: mountpoint,
		FSType:     "ext4",
	}

	if err := c.LuksV2.Mount(opts); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to mount: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nVolume mounted successfully!")
	return 0
}

// cmdUnmount unmounts a volume
func (c *CLI) cmdUnmount() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: diskcryptctl unmount <mountpoint>")
		return 1
	}

	mountpoint := c.Args[2]

	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Unmounting: %s\n\n", mountpoint)

	mounted, _ := c.LuksV2.IsMounted(mountpoint)
	if !mounted {
		_, _ = fmt.Fprintf(c.Stderr, "Not mounted: %s\n", mountpoint)
		return 1
	}

	if err := c.LuksV2.Unmount(mountpoint, 0); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to unmount: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nVolume unmounted successfully!")
	return 0
}

// cmdInfo displays header information, trying LUKS2 metadata first and
// falling back to the LUKS1 binary header.
func (c *CLI) cmdInfo() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: diskcryptctl info <device>")
		return 1
	}

	device := c.Args[2]

	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Volume Information: %s\n", device)
	_, _ = fmt.Fprintln(c.Stdout, "===========================================================")

	if info, err := c.LuksV2.GetVolumeInfo(device); err == nil {
		_, _ = fmt.Fprintf(c.Stdout, "\nUUID:           %s\n", info.UUID)
		_, _ = fmt.Fprintf(c.Stdout, "Label:          %s\n", info.Label)
		_, _ = fmt.Fprintf(c.Stdout, "Version:        LUKS%d\n", info.Version)
		_, _ = fmt.Fprintf(c.Stdout, "Cipher:         %s\n", info.Cipher)
		_, _ = fmt.Fprintf(c.Stdout, "Sector Size:    %d bytes\n", info.SectorSize)
		_, _ = fmt.Fprintf(c.Stdout, "Active Keyslots: %v\n", info.ActiveKeyslots)
		return 0
	}

	dump, err := c.LuksV1.Stat(device)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to read volume: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(c.Stdout, "\nUUID:           %s\n", dump.UUID)
	_, _ = fmt.Fprintf(c.Stdout, "Version:        LUKS1\n")
	_, _ = fmt.Fprintf(c.Stdout, "Cipher:         %s-%s\n", dump.CipherName, dump.CipherMode)
	_, _ = fmt.Fprintf(c.Stdout, "Hash:           %s\n", dump.HashSpec)
	_, _ = fmt.Fprintf(c.Stdout, "Key Bytes:      %d\n", dump.KeyBytes)
	_, _ = fmt.Fprintf(c.Stdout, "Payload Offset: %d sectors\n", dump.PayloadOffset)
	_, _ = fmt.Fprintf(c.Stdout, "Active Slots:   %v\n", dump.ActiveSlots)
	return 0
}

// cmdWipe securely wipes a LUKS2 volume
func (c *CLI) cmdWipe() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: diskcryptctl wipe [options] <device>")
		_, _ = fmt.Fprintln(c.Stdout, "Options: --full, --passes N, --random, --trim")
		return 1
	}

	opts := luks2.WipeOptions{Passes: 1, HeaderOnly: true}
	var device string
	for i := 2; i < len(c.Args); i++ {
		switch c.Args[i] {
		case "--full":
			opts.HeaderOnly = false
		case "--random":
			opts.Random = true
		case "--trim":
			opts.Trim = true
		case "--passes":
			if i+1 < len(c.Args) {
				i++
				var passes int
				if _, err := fmt.Sscanf(c.Args[i], "%d", &passes); err != nil || passes < 1 {
					_, _ = fmt.Fprintf(c.Stderr, "Invalid passes value: %s\n", c.Args[i])
					return 1
				}
				opts.Passes = passes
			} else {
				_, _ = fmt.Fprintln(c.Stderr, "--passes requires a value")
				return 1
			}
		default:
			if c.Args[i][0] == '-' {
				_, _ = fmt.Fprintf(c.Stderr, "Unknown option: %s\n", c.Args[i])
				return 1
			}
			device = c.Args[i]
		}
	}

	if device == "" {
		_, _ = fmt.Fprintln(c.Stderr, "Error: device path required")
		return 1
	}
	opts.Device = device

	c.showBanner()
	_, _ = fmt.Fprintln(c.Stdout, "*** WARNING: DESTRUCTIVE OPERATION ***")
	_, _ = fmt.Fprintf(c.Stdout, "\nThis will PERMANENTLY DESTROY all data on: %s\n", device)

	_, _ = fmt.Fprint(c.Stdout, "\nType 'YES' to confirm wipe: ")
	var confirm string
	_, _ = fmt.Fscanln(c.Stdin, &confirm)
	if confirm != "YES" {
		_, _ = fmt.Fprintln(c.Stdout, "\nWipe cancelled")
		return 0
	}

	if err := c.LuksV2.Wipe(opts); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to wipe: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(c.Stdout, "\nVolume wiped successfully!")
	return 0
}

// promptPassphrase prompts for passphrase with hidden input
func (c *CLI) promptPassphrase(prompt string, confirm bool) ([]byte, error) {
	_, _ = fmt.Fprint(c.Stdout, prompt)

	fd := c.stdinFd
	if c.getStdinFd != nil {
		fd = c.getStdinFd()
	}

	passphrase, err := c.Terminal.ReadPassword(fd)
	_, _ = fmt.Fprintln(c.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}

	if confirm {
		_, _ = fmt.Fprint(c.Stdout, "Confirm passphrase: ")
		confirmation, err := c.Terminal.ReadPassword(fd)
		_, _ = fmt.Fprintln(c.Stdout)
		if err != nil {
			return nil, fmt.Errorf("failed to read confirmation: %w", err)
		}
		if string(passphrase) != string(confirmation) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}

	return passphrase, nil
}
