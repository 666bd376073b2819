// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

// Version is set at build time via -ldflags
var Version = "dev"

const banner = `
luks2ctl
LUKS2 Keyslot, Token and Recovery Key Administration
`

const usage = `
USAGE:
    luks2ctl <command> [options]

VOLUME LIFECYCLE:
    create <path> [size]              Create a new LUKS2 volume
    open <device> <name>              Unlock and activate a volume
    close <name>                      Deactivate a volume
    mount <name> <mountpoint>         Mount an unlocked volume
    unmount <mountpoint>              Unmount a volume
    info <device>                     Show volume information
    wipe [options] <device>           Securely wipe a volume

KEYSLOT ADMINISTRATION:
    addkey <device>                   Enroll a new passphrase
    removekey <device> <slot>         Remove a keyslot (passphrase verified)
    changekey <device> <slot>         Re-key a keyslot under a new passphrase
    killkeyslot <device> <slot>       Erase a keyslot without verification
    keyslots <device>                 List active keyslots

RECOVERY KEYS:
    recovery generate [length] [fmt]  Generate a standalone recovery key
    recovery add <device>             Enroll a generated recovery key
    recovery verify <device>          Check whether a key unlocks a volume

TOKENS:
    token list <device>               List metadata tokens
    token get <device> <id>           Show one token's type and keyslots
    token import <device> <id> <file> Import a token from a JSON file
    token remove <device> <id>        Remove a token
    token free <device>               Report the lowest unused token id

OTHER:
    benchmark <hash> <bits> <ms>      Calibrate PBKDF2 iterations
    help                              Show this help message
    version                           Show version information

NOTE:
    - Requires root privileges for most operations against real devices
    - Passphrases are never logged or displayed
    - A recovery key is printed once, when it is generated or enrolled
`

func main() {
	cli := NewCLI()
	code := cli.Run()
	if code != 0 {
		cli.ExitFunc(code)
	}
}
