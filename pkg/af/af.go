// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package af implements the LUKS anti-forensic information splitter and
// merger: Split spreads a secret over many stripes so that recovering it
// requires every stripe, Merge is its inverse. Used by both the LUKS1 and
// LUKS2 keyslot pipelines to store the master key (or its split form) in a
// keyslot's key material area.
package af

import (
	"encoding/binary"
	"hash"

	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// Split runs the AF splitter over data, producing len(data)*stripes bytes:
// stripes-1 blocks of random filler diffused together, XORed against data
// in the final block. Merge(Split(data, n, h), n, h) reconstructs data.
func Split(data []byte, stripes int, spec cryptoprim.HashSpec) ([]byte, error) {
	if stripes <= 0 {
		return nil, lukserr.Wrap(lukserr.AFSplitFailed, "Split", errStripes(stripes))
	}

	hashFunc, err := cryptoprim.HashFunc(spec)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.AFSplitFailed, "Split", err)
	}

	blockSize := len(data)
	result := make([]byte, blockSize*stripes)

	randomSize := blockSize * (stripes - 1)
	if err := cryptoprim.Random(result[:randomSize]); err != nil {
		return nil, lukserr.Wrap(lukserr.AFSplitFailed, "Split", err)
	}

	buffer := make([]byte, blockSize)
	defer cryptoprim.Zero(buffer)

	for i := 0; i < stripes-1; i++ {
		block := result[i*blockSize : (i+1)*blockSize]
		xorBytes(block, buffer, buffer)
		diffuse(buffer, hashFunc, blockSize)
	}

	xorBytes(data, buffer, result[randomSize:])

	return result, nil
}

// Merge reverses Split: given the stripes*blockSize bytes Split produced,
// it recovers the original blockSize-byte secret.
func Merge(splitData []byte, stripes, blockSize int, spec cryptoprim.HashSpec) ([]byte, error) {
	if stripes <= 0 || blockSize <= 0 || len(splitData) != blockSize*stripes {
		return nil, lukserr.Wrap(lukserr.AFMergeFailed, "Merge", errSplitSize(len(splitData), blockSize, stripes))
	}

	hashFunc, err := cryptoprim.HashFunc(spec)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.AFMergeFailed, "Merge", err)
	}

	buffer := make([]byte, blockSize)
	defer cryptoprim.Zero(buffer)

	for i := 0; i < stripes-1; i++ {
		block := splitData[i*blockSize : (i+1)*blockSize]
		xorBytes(block, buffer, buffer)
		diffuse(buffer, hashFunc, blockSize)
	}

	result := make([]byte, blockSize)
	lastBlock := splitData[(stripes-1)*blockSize:]
	xorBytes(lastBlock, buffer, result)

	return result, nil
}

// diffuse is the hash-based diffuser D_h: it hashes data in digest-sized
// chunks, each salted with a big-endian chunk index, and reassembles the
// digests (truncating the final chunk) back into data in place.
func diffuse(data []byte, hashFunc func() hash.Hash, blockSize int) {
	h := hashFunc()
	digestSize := h.Size()
	numBlocks := blockSize / digestSize

	result := make([]byte, 0, blockSize)

	for i := 0; i < numBlocks; i++ {
		block := data[i*digestSize : (i+1)*digestSize]
		result = append(result, hashBlock(block, h, i)...)
	}

	if remainder := blockSize % digestSize; remainder != 0 {
		lastBlock := data[blockSize-remainder:]
		hashed := hashBlock(lastBlock, h, numBlocks)
		result = append(result, hashed[:remainder]...)
	}

	copy(data, result)
	cryptoprim.Zero(result)
}

func hashBlock(block []byte, h hash.Hash, iv int) []byte {
	h.Reset()

	ivBytes := make([]byte, 4)
	defer cryptoprim.Zero(ivBytes)
	binary.BigEndian.PutUint32(ivBytes, uint32(iv)) // #nosec G115 - iv bounded by stripe count (max ~4000)
	h.Write(ivBytes)
	h.Write(block)

	return h.Sum(nil)
}

func xorBytes(a, b, dest []byte) {
	for i := range dest {
		dest[i] = a[i] ^ b[i]
	}
}
