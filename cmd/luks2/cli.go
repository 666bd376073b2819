// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-diskcrypt/internal/cliops"
	"github.com/jeremyhahn/go-diskcrypt/pkg/luks2"
)

// CLI is the luks2ctl command-line application. It drives the same
// LuksV2Operations lifecycle diskcryptctl uses, plus the keyslot/token/
// recovery-key surface that tool leaves to crypttab-style callers.
type CLI struct {
	Args       []string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	LuksV2     cliops.LuksV2Operations
	KeyMgmt    cliops.KeyManagementOperations
	Terminal   cliops.Terminal
	FS         cliops.FileSystem
	ExitFunc   func(code int)
	stdinFd    int
	getStdinFd func() int
}

// NewCLI creates a new CLI instance with default dependencies.
func NewCLI() *CLI {
	return &CLI{
		Args:       os.Args,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		LuksV2:     &cliops.DefaultLuksV2Operations{},
		KeyMgmt:    &cliops.DefaultKeyManagementOperations{},
		Terminal:   &cliops.DefaultTerminal{},
		FS:         &cliops.DefaultFileSystem{},
		ExitFunc:   os.Exit,
		getStdinFd: func() int { return int(os.Stdin.Fd()) },
	}
}

// Run executes the CLI with the given arguments.
func (c *CLI) Run() int {
	if len(c.Args) < 2 {
		c.showBanner()
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 1
	}

	switch c.Args[1] {
	case "create":
		return c.cmdCreate()
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
	case "addkey":
		return c.cmdAddKey()
	case "removekey":
		return c.cmdRemoveKey()
	case "changekey":
		return c.cmdChangeKey()
	case "killkeyslot":
		return c.cmdKillKeyslot()
	case "keyslots":
		return c.cmdKeyslots()
	case "recovery":
		return c.cmdRecovery()
	case "token":
		return c.cmdToken()
	case "benchmark":
		return c.cmdBenchmark()
	case "help", "--help", "-h":
		c.showBanner()
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 0
	case "version", "--version", "-v":
		_, _ = fmt.Fprintf(c.Stdout, "luks2ctl version %s\n", Version)
		return 0
	default:
		_, _ = fmt.Fprintf(c.Stderr, "Unknown command: %s\n\n", c.Args[1])
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 1
	}
}

func (c *CLI) showBanner() { _, _ = fmt.Fprint(c.Stdout, banner) }

// cmdCreate formats a fresh LUKS2 volume, on a block device or a
// newly-sized file that it then attaches to a loop device.
func (c *CLI) cmdCreate() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl create <path> [size]")
		_, _ = fmt.Fprintln(c.Stdout, "Size suffixes: K, M, G, T")
		return 1
	}

	path := c.Args[2]
	var sizeStr string
	if len(c.Args) > 3 {
		sizeStr = c.Args[3]
	}

	c.showBanner()
	if strings.HasPrefix(path, "/dev/") {
		return c.createBlockDevice(path)
	}
	return c.createFile(path, sizeStr)
}

func (c *CLI) createFile(filename, sizeStr string) int {
	if sizeStr == "" {
		_, _ = fmt.Fprintln(c.Stderr, "Error: size required for file volumes")
		return 1
	}
	size, err := cliops.ParseSize(sizeStr)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Invalid size: %v\n", err)
		return 1
	}
	if _, err := c.FS.Stat(filename); err == nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: file already exists: %s\n", filename)
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

	if err := c.LuksV2.Format(luks2.FormatOptions{Device: filename, Passphrase: passphrase, KDFType: "argon2id"}); err != nil {
		_ = c.FS.Remove(filename)
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to format volume: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout, "\nLUKS2 encrypted file created successfully!")

	loopDev, err := c.LuksV2.SetupLoopDevice(filename)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Warning: failed to set up loop device: %v\n", err)
		return 0
	}
	_, _ = fmt.Fprintf(c.Stdout, "Loop device created: %s\n", loopDev)
	_, _ = fmt.Fprintf(c.Stdout, "Open with: sudo luks2ctl open %s myvolume\n", loopDev)
	return 0
}

func (c *CLI) createBlockDevice(device string) int {
	passphrase, err := c.promptPassphrase("Enter passphrase for new volume: ", true)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(passphrase)

	if err := c.LuksV2.Format(luks2.FormatOptions{Device: device, Passphrase: passphrase, KDFType: "argon2id"}); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to create volume: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout, "\nLUKS2 volume created successfully!")
	_, _ = fmt.Fprintf(c.Stdout, "Open with: sudo luks2ctl open %s myvolume\n", device)
	return 0
}

func (c *CLI) cmdOpen() int {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl open <device> <name>")
		return 1
	}
	device, name := c.Args[2], c.Args[3]

	c.showBanner()
	passphrase, err := c.promptPassphrase("Enter passphrase: ", false)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(passphrase)

	if err := c.LuksV2.Unlock(device, passphrase, name); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to unlock volume: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout, "\nVolume unlocked successfully!")
	_, _ = fmt.Fprintf(c.Stdout, "Device mapper created: /dev/mapper/%s\n", name)
	return 0
}

func (c *CLI) cmdClose() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl close <name>")
		return 1
	}
	name := c.Args[2]

	c.showBanner()
	if mounted, err := c.LuksV2.IsMounted("/dev/mapper/" + name); err == nil && mounted {
		_, _ = fmt.Fprintln(c.Stderr, "Volume is still mounted! Unmount first.")
		return 1
	}
	if err := c.LuksV2.Lock(name); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to close volume: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout, "\nVolume locked successfully!")
	return 0
}

func (c *CLI) cmdMount() int {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl mount <name> <mountpoint>")
		return 1
	}
	name, mountpoint := c.Args[2], c.Args[3]

	c.showBanner()
	if mounted, _ := c.LuksV2.IsMounted(mountpoint); mounted {
		_, _ = fmt.Fprintf(c.Stderr, "Mountpoint already in use: %s\n", mountpoint)
		return 1
	}
	if _, err := c.FS.Stat(mountpoint); os.IsNotExist(err) {
		if err := c.FS.MkdirAll(mountpoint, 0750); err != nil {
			_, _ = fmt.Fprintf(c.Stderr, "Failed to create mountpoint: %v\n", err)
			return 1
		}
	}
	if err := c.LuksV2.Mount(luks2.MountOptions{Device: name, MountPoint: mountpoint, FSType: "ext4"}); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to mount: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout, "\nVolume mounted successfully!")
	return 0
}

func (c *CLI) cmdUnmount() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl unmount <mountpoint>")
		return 1
	}
	mountpoint := c.Args[2]

	c.showBanner()
	if mounted, _ := c.LuksV2.IsMounted(mountpoint); !mounted {
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

func (c *CLI) cmdInfo() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl info <device>")
		return 1
	}
	device := c.Args[2]

	c.showBanner()
	info, err := c.LuksV2.GetVolumeInfo(device)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to read volume: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "UUID:            %s\n", info.UUID)
	_, _ = fmt.Fprintf(c.Stdout, "Label:           %s\n", info.Label)
	_, _ = fmt.Fprintf(c.Stdout, "Version:         LUKS%d\n", info.Version)
	_, _ = fmt.Fprintf(c.Stdout, "Cipher:          %s\n", info.Cipher)
	_, _ = fmt.Fprintf(c.Stdout, "Sector Size:     %d bytes\n", info.SectorSize)
	_, _ = fmt.Fprintf(c.Stdout, "Active Keyslots: %v\n", info.ActiveKeyslots)
	return 0
}

func (c *CLI) cmdWipe() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl wipe [options] <device>")
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
			if i+1 >= len(c.Args) {
				_, _ = fmt.Fprintln(c.Stderr, "--passes requires a value")
				return 1
			}
			i++
			passes, err := strconv.Atoi(c.Args[i])
			if err != nil || passes < 1 {
				_, _ = fmt.Fprintf(c.Stderr, "Invalid passes value: %s\n", c.Args[i])
				return 1
			}
			opts.Passes = passes
		default:
			if strings.HasPrefix(c.Args[i], "-") {
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
	_, _ = fmt.Fprintf(c.Stdout, "This will PERMANENTLY DESTROY all data on: %s\n", device)
	_, _ = fmt.Fprint(c.Stdout, "Type 'YES' to confirm wipe: ")
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

func (c *CLI) cmdAddKey() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl addkey <device>")
		return 1
	}
	device := c.Args[2]

	c.showBanner()
	existing, err := c.promptPassphrase("Enter existing passphrase: ", false)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(existing)

	newPass, err := c.promptPassphrase("Enter new passphrase: ", true)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(newPass)

	if err := c.KeyMgmt.AddKey(device, existing, newPass, nil); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to enroll new keyslot: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout, "\nNew passphrase enrolled successfully!")
	return 0
}

func (c *CLI) cmdRemoveKey() int {
	slot, ok := c.parseDeviceAndSlot("removekey")
	if !ok {
		return 1
	}

	c.showBanner()
	passphrase, err := c.promptPassphrase("Enter a passphrase that still unlocks the volume: ", false)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(passphrase)

	if err := c.KeyMgmt.RemoveKey(c.Args[2], passphrase, slot); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to remove keyslot %d: %v\n", slot, err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "\nKeyslot %d removed successfully!\n", slot)
	return 0
}

func (c *CLI) cmdChangeKey() int {
	slot, ok := c.parseDeviceAndSlot("changekey")
	if !ok {
		return 1
	}

	c.showBanner()
	oldPass, err := c.promptPassphrase("Enter current passphrase for this keyslot: ", false)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(oldPass)

	newPass, err := c.promptPassphrase("Enter new passphrase: ", true)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(newPass)

	if err := c.KeyMgmt.ChangeKey(c.Args[2], oldPass, newPass, slot); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to change keyslot %d: %v\n", slot, err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "\nKeyslot %d re-keyed successfully!\n", slot)
	return 0
}

func (c *CLI) cmdKillKeyslot() int {
	slot, ok := c.parseDeviceAndSlot("killkeyslot")
	if !ok {
		return 1
	}

	c.showBanner()
	_, _ = fmt.Fprintln(c.Stdout, "*** WARNING: this erases the keyslot without verifying any passphrase ***")
	_, _ = fmt.Fprint(c.Stdout, "Type 'YES' to confirm: ")
	var confirm string
	_, _ = fmt.Fscanln(c.Stdin, &confirm)
	if confirm != "YES" {
		_, _ = fmt.Fprintln(c.Stdout, "\nCancelled")
		return 0
	}

	if err := c.KeyMgmt.KillKeyslot(c.Args[2], slot); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to kill keyslot %d: %v\n", slot, err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "\nKeyslot %d erased.\n", slot)
	return 0
}

func (c *CLI) cmdKeyslots() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl keyslots <device>")
		return 1
	}
	slots, err := c.KeyMgmt.ListKeyslots(c.Args[2])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to list keyslots: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "%-6s%-10s%-10s%-10s%-16s%s\n", "ID", "TYPE", "KEYSIZE", "PRIORITY", "KDF", "ENCRYPTION")
	for _, s := range slots {
		_, _ = fmt.Fprintf(c.Stdout, "%-6d%-10s%-10d%-10d%-16s%s\n", s.ID, s.Type, s.KeySize, s.Priority, s.KDFType, s.Encryption)
	}
	return 0
}

func (c *CLI) cmdRecovery() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl recovery <generate|add|verify> ...")
		return 1
	}
	switch c.Args[2] {
	case "generate":
		return c.cmdRecoveryGenerate()
	case "add":
		return c.cmdRecoveryAdd()
	case "verify":
		return c.cmdRecoveryVerify()
	default:
		_, _ = fmt.Fprintf(c.Stderr, "Unknown recovery subcommand: %s\n", c.Args[2])
		return 1
	}
}

func (c *CLI) cmdRecoveryGenerate() int {
	length := luks2.RecoveryKeyLength
	format := luks2.RecoveryKeyFormatDashed
	if len(c.Args) > 3 {
		n, err := strconv.Atoi(c.Args[3])
		if err != nil || n <= 0 {
			_, _ = fmt.Fprintf(c.Stderr, "Invalid length: %s\n", c.Args[3])
			return 1
		}
		length = n
	}
	if len(c.Args) > 4 {
		format = luks2.RecoveryKeyFormat(c.Args[4])
	}

	key, err := luks2.GenerateRecoveryKey(length, format)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to generate recovery key: %v\n", err)
		return 1
	}
	defer key.Clear()

	c.showBanner()
	_, _ = fmt.Fprintf(c.Stdout, "Recovery key (%s):\n%s\n", key.Format, key.Formatted)
	_, _ = fmt.Fprintf(c.Stdout, "SHA-256: %s\n", key.KeyHash)
	return 0
}

func (c *CLI) cmdRecoveryAdd() int {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl recovery add <device> [output-path]")
		return 1
	}
	device := c.Args[3]
	var outputPath string
	if len(c.Args) > 4 {
		outputPath = c.Args[4]
	}

	c.showBanner()
	existing, err := c.promptPassphrase("Enter existing passphrase: ", false)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(existing)

	key, err := c.KeyMgmt.AddRecoveryKey(device, existing, &luks2.RecoveryKeyOptions{OutputPath: outputPath})
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "\nFailed to enroll recovery key: %v\n", err)
		return 1
	}
	defer key.Clear()

	_, _ = fmt.Fprintf(c.Stdout, "\nRecovery key enrolled in keyslot %d:\n%s\n", key.Keyslot, key.Formatted)
	if key.SaveError != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Warning: %v\n", key.SaveError)
	} else if outputPath != "" {
		_, _ = fmt.Fprintf(c.Stdout, "Saved to %s\n", outputPath)
	}
	return 0
}

func (c *CLI) cmdRecoveryVerify() int {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl recovery verify <device>")
		return 1
	}
	device := c.Args[3]

	c.showBanner()
	_, _ = fmt.Fprint(c.Stdout, "Enter recovery key: ")
	var formatted string
	if _, err := fmt.Fscanln(c.Stdin, &formatted); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Error: %v\n", err)
		return 1
	}

	key, err := luks2.ParseRecoveryKey(formatted)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to parse recovery key: %v\n", err)
		return 1
	}
	defer cliops.ClearBytes(key)

	ok, err := c.KeyMgmt.VerifyRecoveryKey(device, key)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to verify recovery key: %v\n", err)
		return 1
	}
	if !ok {
		_, _ = fmt.Fprintln(c.Stdout, "Recovery key does NOT unlock this volume")
		return 1
	}
	_, _ = fmt.Fprintln(c.Stdout, "Recovery key unlocks this volume")
	return 0
}

func (c *CLI) cmdToken() int {
	if len(c.Args) < 3 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl token <list|get|import|remove|free> ...")
		return 1
	}
	switch c.Args[2] {
	case "list":
		return c.cmdTokenList()
	case "get":
		return c.cmdTokenGet()
	case "import":
		return c.cmdTokenImport()
	case "remove":
		return c.cmdTokenRemove()
	case "free":
		return c.cmdTokenFree()
	default:
		_, _ = fmt.Fprintf(c.Stderr, "Unknown token subcommand: %s\n", c.Args[2])
		return 1
	}
}

func (c *CLI) cmdTokenList() int {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl token list <device>")
		return 1
	}
	tokens, err := c.KeyMgmt.ListTokens(c.Args[3])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to list tokens: %v\n", err)
		return 1
	}
	for id, t := range tokens {
		_, _ = fmt.Fprintf(c.Stdout, "%d: type=%s keyslots=%v\n", id, t.Type, t.Keyslots)
	}
	return 0
}

func (c *CLI) cmdTokenGet() int {
	if len(c.Args) < 5 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl token get <device> <id>")
		return 1
	}
	id, err := strconv.Atoi(c.Args[4])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Invalid token id: %s\n", c.Args[4])
		return 1
	}
	token, err := c.KeyMgmt.GetToken(c.Args[3], id)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to read token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "type=%s keyslots=%v\n", token.Type, token.Keyslots)
	return 0
}

func (c *CLI) cmdTokenImport() int {
	if len(c.Args) < 6 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl token import <device> <id> <json-file>")
		return 1
	}
	id, err := strconv.Atoi(c.Args[4])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Invalid token id: %s\n", c.Args[4])
		return 1
	}
	data, err := os.ReadFile(c.Args[5]) // #nosec G304 -- CLI-provided token file path
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to read token file: %v\n", err)
		return 1
	}
	if err := c.KeyMgmt.ImportTokenJSON(c.Args[3], id, data); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to import token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "Token imported into slot %d\n", id)
	return 0
}

func (c *CLI) cmdTokenRemove() int {
	if len(c.Args) < 5 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl token remove <device> <id>")
		return 1
	}
	id, err := strconv.Atoi(c.Args[4])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Invalid token id: %s\n", c.Args[4])
		return 1
	}
	if err := c.KeyMgmt.RemoveToken(c.Args[3], id); err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to remove token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "Token %d removed\n", id)
	return 0
}

func (c *CLI) cmdTokenFree() int {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl token free <device>")
		return 1
	}
	id, err := c.KeyMgmt.FindFreeTokenSlot(c.Args[3])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Failed to find a free token slot: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "%d\n", id)
	return 0
}

func (c *CLI) cmdBenchmark() int {
	if len(c.Args) < 5 {
		_, _ = fmt.Fprintln(c.Stdout, "Usage: luks2ctl benchmark <hash> <key-bits> <target-ms>")
		return 1
	}
	keyBits, err := strconv.Atoi(c.Args[3])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Invalid key size: %s\n", c.Args[3])
		return 1
	}
	targetMs, err := strconv.Atoi(c.Args[4])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Invalid target ms: %s\n", c.Args[4])
		return 1
	}
	iterations, err := c.KeyMgmt.BenchmarkPBKDF2(c.Args[2], keyBits/8, targetMs)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Benchmark failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "%d iterations\n", iterations)
	return 0
}

// parseDeviceAndSlot validates "<cmd> <device> <slot>" style arguments,
// printing cmd's usage and returning ok=false on any failure.
func (c *CLI) parseDeviceAndSlot(cmd string) (slot int, ok bool) {
	if len(c.Args) < 4 {
		_, _ = fmt.Fprintf(c.Stdout, "Usage: luks2ctl %s <device> <slot>\n", cmd)
		return 0, false
	}
	slot, err := strconv.Atoi(c.Args[3])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "Invalid slot: %s\n", c.Args[3])
		return 0, false
	}
	return slot, true
}

// promptPassphrase prompts for a passphrase with hidden input.
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
