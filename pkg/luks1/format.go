// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks1

import (
	"fmt"

	"github.com/jeremyhahn/go-diskcrypt/pkg/blockdevice"
	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

const defaultMKDigestIterMs = 1000

// keyslotAreaSectors is the number of sectors one keyslot's AF-split
// material occupies for a given key size, fixed at 4000 stripes.
func keyslotAreaSectors(keyBytes int) int64 {
	return int64(StripesDefault) * int64(keyBytes) / SectorSize
}

// Format writes a fresh LUKS1 header to dev and enrolls passphrase into
// slot 0. mk must be exactly opts.KeyBytes long.
func Format(dev blockdevice.BlockDevice, mk, passphrase []byte, opts FormatOptions) (*Header, error) {
	switch opts.KeyBytes {
	case 16, 32, 64:
	default:
		return nil, lukserr.New(lukserr.BadParameter, "Format", dev.Path(), fmt.Errorf("unsupported key_bytes %d", opts.KeyBytes))
	}
	if len(mk) != opts.KeyBytes {
		return nil, lukserr.New(lukserr.KeyTooBig, "Format", dev.Path(), fmt.Errorf("master key length %d != key_bytes %d", len(mk), opts.KeyBytes))
	}

	byteSize, err := dev.ByteSize()
	if err != nil {
		return nil, lukserr.New(lukserr.IOFailed, "Format", dev.Path(), err)
	}

	var hdr Header
	copy(hdr.Magic[:], Magic)
	hdr.Version = Version
	stringToField(hdr.CipherName[:], opts.CipherName)
	stringToField(hdr.CipherMode[:], opts.CipherMode)
	stringToField(hdr.HashSpec[:], opts.HashSpec)
	hdr.KeyBytes = uint32(opts.KeyBytes) // #nosec G115 - validated against {16,32,64} above

	theUUID := opts.UUID
	if theUUID == "" {
		var raw [40]byte = newUUID()
		hdr.UUID = raw
	} else {
		stringToField(hdr.UUID[:], theUUID)
	}

	for i := range hdr.Keyslots {
		hdr.Keyslots[i].Active = SlotDisabled
	}

	headerSectors := int64(HeaderSize+SectorSize-1) / SectorSize
	keyAreaSectors := keyslotAreaSectors(opts.KeyBytes)
	payloadOffsetSectors := headerSectors
	for i := range hdr.Keyslots {
		hdr.Keyslots[i].KeyMaterialOffset = uint32(payloadOffsetSectors) // #nosec G115 - offsets stay within a realistic device size
		payloadOffsetSectors += keyAreaSectors
	}
	hdr.PayloadOffset = uint32(payloadOffsetSectors) // #nosec G115 - offsets stay within a realistic device size

	if byteSize < payloadOffsetSectors*SectorSize {
		return nil, lukserr.New(lukserr.DeviceTooSmall, "Format", dev.Path(),
			fmt.Errorf("device size %d too small for header+keyslots (need >= %d)", byteSize, payloadOffsetSectors*SectorSize))
	}

	mkDigestIterMs := opts.MKDigestIterMs
	if mkDigestIterMs <= 0 {
		mkDigestIterMs = defaultMKDigestIterMs
	}
	hashSpec := cryptoprim.HashSpec(opts.HashSpec)
	iterations, err := cryptoprim.BenchmarkPBKDF2Iterations(hashSpec, len(hdr.MKDigest), mkDigestIterMs)
	if err != nil {
		return nil, lukserr.New(lukserr.KDFFailed, "Format", dev.Path(), err)
	}
	hdr.MKDigestIter = uint32(iterations) // #nosec G115 - iteration counts stay well within uint32 range

	salt, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return nil, lukserr.New(lukserr.IOFailed, "Format", dev.Path(), err)
	}
	copy(hdr.MKDigestSalt[:], salt)

	digest, err := cryptoprim.PBKDF2(mk, hdr.MKDigestSalt[:], int(hdr.MKDigestIter), hashSpec, len(hdr.MKDigest))
	if err != nil {
		return nil, lukserr.New(lukserr.KDFFailed, "Format", dev.Path(), err)
	}
	copy(hdr.MKDigest[:], digest)

	if err := WriteHeader(dev, &hdr); err != nil {
		return nil, err
	}

	if _, err := EnrollPassphrase(dev, &hdr, mk, passphrase, EnrollOptions{}); err != nil {
		return nil, err
	}

	if err := WriteHeader(dev, &hdr); err != nil {
		return nil, err
	}

	return &hdr, nil
}
