// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

// Version is set at build time via -ldflags
var Version = "dev"

const banner = `
diskcryptctl
LUKS1/LUKS2 Volume Control
`

const usage = `
USAGE:
    diskcryptctl <command> [options]

COMMANDS:
    format <path> [size]         Create a new encrypted volume
                                  - Block device: diskcryptctl format /dev/sdb1
                                  - File volume:  diskcryptctl format encrypted.img 100M
                                  Options: --v1 (legacy LUKS1 header, default LUKS2)
    open <device> <name>         Unlock a volume and activate it under
                                  /dev/mapper/<name>
    close <name>                 Deactivate a previously opened volume
    mount <name> <mountpoint>    Mount an opened LUKS2 volume
    unmount <mountpoint>         Unmount a volume
    info <device>                Show header information without unlocking
    wipe [options] <device>      Securely wipe a LUKS2 volume
                                  Options: --full, --passes N, --random, --trim
    help                          Show this help message
    version                       Show version information

EXAMPLES:
    sudo diskcryptctl format /dev/sdb1
    sudo diskcryptctl format --v1 legacy.img 64M
    sudo diskcryptctl open /dev/sdb1 myvolume
    sudo diskcryptctl mount myvolume /mnt/encrypted
    sudo diskcryptctl unmount /mnt/encrypted
    sudo diskcryptctl close myvolume
    sudo diskcryptctl info /dev/sdb1

NOTE:
    - Requires root privileges for most operations against real devices
    - Passphrases are never logged or displayed
    - LUKS1 volumes support exactly one on-disk format; LUKS2 is the
      default for new volumes
`

func main() {
	cli := NewCLI()
	code := cli.Run()
	if code != 0 {
		cli.ExitFunc(code)
	}
}
