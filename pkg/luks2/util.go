// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks2

import (
	"fmt"
	"strconv"

	"github.com/jeremyhahn/go-diskcrypt/pkg/af"
	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// nextPowerOf2 returns the next power of 2 >= n, used to size the JSON
// metadata area.
func nextPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}

// clearBytes zeros a secret buffer in place.
func clearBytes(b []byte) {
	cryptoprim.Zero(b)
}

// randomBytes returns n cryptographically strong random bytes.
func randomBytes(n int) ([]byte, error) {
	return cryptoprim.RandomBytes(n)
}

// parseSize parses a decimal byte-offset/size string as stored in the JSON
// metadata (offsets and sizes are always serialized as strings, never
// JSON numbers, per the on-disk format).
func parseSize(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// formatSize formats a byte offset/size the same way.
func formatSize(size int64) string {
	return strconv.FormatInt(size, 10)
}

// alignTo rounds value up to the nearest multiple of alignment.
func alignTo(value, alignment int64) int64 {
	if value%alignment == 0 {
		return value
	}
	return ((value / alignment) + 1) * alignment
}

// AFSplit runs the AF splitter for a LUKS2 keyslot's material, keyed off
// the hash algorithm name stored in the keyslot's af.hash JSON field
// (sha256 or sha512).
func AFSplit(data []byte, stripes int, hashAlgo string) ([]byte, error) {
	if hashAlgo != "sha256" && hashAlgo != "sha512" {
		return nil, lukserr.Wrap(lukserr.Unsupported, "AFSplit", fmt.Errorf("af hash %q", hashAlgo))
	}
	return af.Split(data, stripes, cryptoprim.HashSpec(hashAlgo))
}

// AFMerge runs the AF merger for a LUKS2 keyslot's material.
func AFMerge(splitData []byte, stripes, blockSize int, hashAlgo string) ([]byte, error) {
	if hashAlgo != "sha256" && hashAlgo != "sha512" {
		return nil, lukserr.Wrap(lukserr.Unsupported, "AFMerge", fmt.Errorf("af hash %q", hashAlgo))
	}
	return af.Merge(splitData, stripes, blockSize, cryptoprim.HashSpec(hashAlgo))
}
