// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package verity provides the small slice of dm-verity support this module
// shares with LUKS: root-hash computation over an already-built hash tree
// and its lowercase-hex text encoding, plus the mapping-table line an
// activation bridge hands to device-mapper. Building the hash tree itself
// is a host/caller concern (see RootHashFromTree's leafHashes parameter).
package verity

import (
	"encoding/hex"
	"fmt"

	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// Salt is random data mixed into every hash-tree block hash; stored
// alongside the root hash so a verifier can recompute the tree.
type Salt []byte

// NewSalt generates a random salt of the given length.
func NewSalt(length int) (Salt, error) {
	b, err := cryptoprim.RandomBytes(length)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.IOFailed, "NewSalt", err)
	}
	return Salt(b), nil
}

func (s Salt) String() string { return hex.EncodeToString(s) }

// RootHash is the final hash at the top of a dm-verity hash tree.
type RootHash []byte

func (r RootHash) String() string { return hex.EncodeToString(r) }

// ParseRootHash decodes a lowercase-hex root hash, the text form the
// kernel dm-verity table and the reference userland both use.
func ParseRootHash(s string) (RootHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.BadParameter, "ParseRootHash", fmt.Errorf("invalid root hash hex: %w", err))
	}
	return RootHash(b), nil
}

// RootHashFromTree computes the root hash over the top level of an
// already-built hash tree: leafHashes is the final level's concatenated
// block digests, salted with salt. Constructing the tree levels below
// this one is a caller/host concern.
func RootHashFromTree(spec cryptoprim.HashSpec, salt Salt, leafHashes []byte) (RootHash, error) {
	h, err := cryptoprim.Hash(spec, append(append([]byte{}, leafHashes...), salt...))
	if err != nil {
		return nil, lukserr.Wrap(lukserr.HeaderWriteFailed, "RootHashFromTree", err)
	}
	return RootHash(h), nil
}

// MappingTable is the dm-verity table line "version data_dev hash_dev
// data_block_size hash_block_size num_data_blocks hash_start_block
// algorithm root_hash salt", built for the activation bridge.
func MappingTable(dataDev, hashDev string, dataBlockSize, hashBlockSize uint32, numDataBlocks, hashStartBlock uint64, algo string, root RootHash, salt Salt) string {
	return fmt.Sprintf("1 %s %s %d %d %d %d %s %s %s",
		dataDev, hashDev, dataBlockSize, hashBlockSize, numDataBlocks, hashStartBlock, algo, root, salt)
}
