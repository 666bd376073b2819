// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks1

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-diskcrypt/pkg/blockdevice"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// ReadHeader reads and validates the 592-byte header at offset 0.
func ReadHeader(dev blockdevice.BlockDevice) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if err := readAt(dev, 0, buf); err != nil {
		return nil, lukserr.New(lukserr.HeaderReadFailed, "ReadHeader", dev.Path(), err)
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &hdr); err != nil {
		return nil, lukserr.New(lukserr.HeaderReadFailed, "ReadHeader", dev.Path(), err)
	}

	if err := validateHeader(&hdr); err != nil {
		return nil, lukserr.New(errKindFor(err), "ReadHeader", dev.Path(), err)
	}

	return &hdr, nil
}

// WriteHeader serializes and writes hdr to offset 0.
func WriteHeader(dev blockdevice.BlockDevice, hdr *Header) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, hdr); err != nil {
		return lukserr.New(lukserr.HeaderWriteFailed, "WriteHeader", dev.Path(), err)
	}
	if err := writeAt(dev, 0, buf.Bytes()); err != nil {
		return lukserr.New(lukserr.HeaderWriteFailed, "WriteHeader", dev.Path(), err)
	}
	return nil
}

func validateHeader(hdr *Header) error {
	if string(hdr.Magic[:]) != Magic {
		return fmt.Errorf("bad magic %q", hdr.Magic[:])
	}
	if hdr.Version != Version {
		return fmt.Errorf("unsupported version %d", hdr.Version)
	}
	if hdr.MKDigestIter == 0 {
		return fmt.Errorf("mk_digest_iter must be > 0")
	}
	switch hdr.KeyBytes {
	case 16, 32, 64:
	default:
		return fmt.Errorf("unsupported key_bytes %d", hdr.KeyBytes)
	}

	payloadStart := int64(hdr.PayloadOffset) * SectorSize
	areas := make([]struct{ start, end int64 }, 0, NumKeyslots)
	for i, slot := range hdr.Keyslots {
		if slot.Active != SlotActive {
			continue
		}
		start := int64(slot.KeyMaterialOffset) * SectorSize
		end := start + int64(slot.Stripes)*int64(hdr.KeyBytes)
		if end > payloadStart {
			return fmt.Errorf("keyslot %d key material overlaps payload area", i)
		}
		if start < HeaderSize {
			return fmt.Errorf("keyslot %d key material overlaps header", i)
		}
		for _, other := range areas {
			if start < other.end && other.start < end {
				return fmt.Errorf("keyslot %d key material overlaps another keyslot", i)
			}
		}
		areas = append(areas, struct{ start, end int64 }{start, end})
	}

	return nil
}

func errKindFor(err error) lukserr.Kind {
	// validateHeader never distinguishes error kinds beyond signature vs.
	// version vs. everything else, matching the three invariants §4.3
	// actually calls out by name.
	msg := err.Error()
	switch {
	case bytes.Contains([]byte(msg), []byte("magic")):
		return lukserr.BadSignature
	case bytes.Contains([]byte(msg), []byte("version")):
		return lukserr.BadVersion
	default:
		return lukserr.BadParameter
	}
}

// newUUID generates a canonical 36-character text UUID, NUL-terminated and
// padded to fit the 40-byte fixed field.
func newUUID() [40]byte {
	var out [40]byte
	copy(out[:], uuid.NewString())
	return out
}

func readAt(dev blockdevice.BlockDevice, byteOffset int64, buf []byte) error {
	bs := int64(dev.BlockSize())
	blockIndex := uint64(byteOffset / bs)
	blockOff := byteOffset % bs
	nblocks := uint32((int64(blockOff)+int64(len(buf))+bs-1) / bs)

	scratch := make([]byte, int64(nblocks)*bs)
	if err := dev.Get(blockIndex, scratch, nblocks); err != nil {
		return err
	}
	copy(buf, scratch[blockOff:])
	return nil
}

func writeAt(dev blockdevice.BlockDevice, byteOffset int64, data []byte) error {
	bs := int64(dev.BlockSize())
	blockIndex := uint64(byteOffset / bs)
	blockOff := byteOffset % bs
	nblocks := uint32((int64(blockOff)+int64(len(data))+bs-1) / bs)

	scratch := make([]byte, int64(nblocks)*bs)
	if blockOff != 0 || int64(len(data))%bs != 0 {
		if err := dev.Get(blockIndex, scratch, nblocks); err != nil {
			return err
		}
	}
	copy(scratch[blockOff:], data)
	return dev.Put(blockIndex, scratch, nblocks)
}
