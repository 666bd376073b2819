// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks1

import (
	"fmt"

	"github.com/jeremyhahn/go-diskcrypt/pkg/af"
	"github.com/jeremyhahn/go-diskcrypt/pkg/blockdevice"
	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

const defaultIterMs = 1000

// ReadSlotMaterial reads the ciphertext AF-split material for slot from
// dev.
func ReadSlotMaterial(dev blockdevice.BlockDevice, hdr *Header, slotIdx int) ([]byte, error) {
	slot := hdr.Keyslots[slotIdx]
	size := int64(slot.Stripes) * int64(hdr.KeyBytes)
	if size%SectorSize != 0 {
		return nil, lukserr.New(lukserr.KeyMaterialReadFailed, "ReadSlotMaterial", dev.Path(),
			fmt.Errorf("keyslot %d material size %d not a multiple of sector size", slotIdx, size))
	}

	buf := make([]byte, size)
	if err := readAt(dev, int64(slot.KeyMaterialOffset)*SectorSize, buf); err != nil {
		return nil, lukserr.New(lukserr.KeyMaterialReadFailed, "ReadSlotMaterial", dev.Path(), err)
	}
	return buf, nil
}

// WriteSlotMaterial writes the ciphertext AF-split material for slot to
// dev.
func WriteSlotMaterial(dev blockdevice.BlockDevice, hdr *Header, slotIdx int, data []byte) error {
	slot := hdr.Keyslots[slotIdx]
	if err := writeAt(dev, int64(slot.KeyMaterialOffset)*SectorSize, data); err != nil {
		return lukserr.New(lukserr.KeyMaterialWriteFailed, "WriteSlotMaterial", dev.Path(), err)
	}
	return nil
}

// keyslotCipher applies the header's AES cipher mode (xts-plain64,
// cbc-plain/cbc-plain64 or ecb) to keyslot material: the cipher matches the
// payload cipher (§4.5 step 4), sector-indexed relative to the keyslot area
// start.
func keyslotCipher(hdr *Header, key []byte, sectorIndex uint64, data []byte, encrypt bool) ([]byte, error) {
	cipherName := fieldToString(hdr.CipherName[:])
	cipherMode := fieldToString(hdr.CipherMode[:])
	if cipherName != "aes" {
		return nil, lukserr.Wrap(lukserr.Unsupported, "keyslotCipher", fmt.Errorf("unsupported cipher %q", cipherName))
	}

	switch cipherMode {
	case "xts-plain64":
		if encrypt {
			return cryptoprim.AESXTSEncrypt(key, sectorIndex, data)
		}
		return cryptoprim.AESXTSDecrypt(key, sectorIndex, data)
	case "cbc-plain", "cbc-plain64":
		if encrypt {
			return cryptoprim.AESCBCEncrypt(key, sectorIndex, data)
		}
		return cryptoprim.AESCBCDecrypt(key, sectorIndex, data)
	case "ecb":
		if encrypt {
			return cryptoprim.AESECBEncrypt(key, data)
		}
		return cryptoprim.AESECBDecrypt(key, data)
	default:
		return nil, lukserr.Wrap(lukserr.Unsupported, "keyslotCipher", fmt.Errorf("unsupported cipher mode %q", cipherMode))
	}
}

// EnrollPassphrase derives a key from passphrase, AF-splits mk, encrypts
// and persists the material into the first free slot, then marks it
// active in hdr (the caller still owns writing hdr back to disk).
func EnrollPassphrase(dev blockdevice.BlockDevice, hdr *Header, mk, passphrase []byte, opts EnrollOptions) (int, error) {
	slotIdx := FindFreeSlot(hdr)
	if slotIdx < 0 {
		return -1, lukserr.New(lukserr.OutOfKeyslots, "EnrollPassphrase", dev.Path(), fmt.Errorf("no free keyslot"))
	}

	salt, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return -1, lukserr.New(lukserr.KDFFailed, "EnrollPassphrase", dev.Path(), err)
	}

	iterMs := opts.IterMs
	if iterMs <= 0 {
		iterMs = defaultIterMs
	}
	hashSpec := cryptoprim.HashSpec(fieldToString(hdr.HashSpec[:]))
	iterations, err := cryptoprim.BenchmarkPBKDF2Iterations(hashSpec, int(hdr.KeyBytes), iterMs)
	if err != nil {
		return -1, lukserr.New(lukserr.KDFFailed, "EnrollPassphrase", dev.Path(), err)
	}

	dk, err := cryptoprim.PBKDF2(passphrase, salt, iterations, hashSpec, int(hdr.KeyBytes))
	if err != nil {
		return -1, lukserr.New(lukserr.KDFFailed, "EnrollPassphrase", dev.Path(), err)
	}
	defer cryptoprim.Zero(dk)

	split, err := af.Split(mk, StripesDefault, hashSpec)
	if err != nil {
		return -1, lukserr.New(lukserr.AFSplitFailed, "EnrollPassphrase", dev.Path(), err)
	}
	defer cryptoprim.Zero(split)

	ciphertext := make([]byte, len(split))
	numSectors := len(split) / SectorSize
	for i := 0; i < numSectors; i++ {
		block := split[i*SectorSize : (i+1)*SectorSize]
		enc, err := keyslotCipher(hdr, dk, uint64(i), block, true)
		if err != nil {
			return -1, lukserr.New(lukserr.EncryptFailed, "EnrollPassphrase", dev.Path(), err)
		}
		copy(ciphertext[i*SectorSize:(i+1)*SectorSize], enc)
	}

	slot := &hdr.Keyslots[slotIdx]
	slot.Iterations = uint32(iterations) // #nosec G115 - iteration counts stay well within uint32 range
	copy(slot.Salt[:], salt)
	slot.Stripes = StripesDefault

	if err := WriteSlotMaterial(dev, hdr, slotIdx, ciphertext); err != nil {
		return -1, err
	}
	slot.Active = SlotActive

	return slotIdx, nil
}

// RecoverMasterKey tries every active keyslot against passphrase, in slot
// order, returning the master key on the first match. The digest compare
// never branches on which byte (or which slot) almost matched.
func RecoverMasterKey(dev blockdevice.BlockDevice, hdr *Header, passphrase []byte) ([]byte, error) {
	hashSpec := cryptoprim.HashSpec(fieldToString(hdr.HashSpec[:]))

	for _, slotIdx := range FindFilledSlots(hdr) {
		cand, err := recoverSlot(dev, hdr, slotIdx, passphrase, hashSpec)
		if err != nil {
			continue
		}
		return cand, nil
	}

	return nil, lukserr.New(lukserr.KeyLookupFailed, "RecoverMasterKey", dev.Path(), fmt.Errorf("no keyslot matched"))
}

func recoverSlot(dev blockdevice.BlockDevice, hdr *Header, slotIdx int, passphrase []byte, hashSpec cryptoprim.HashSpec) ([]byte, error) {
	slot := hdr.Keyslots[slotIdx]

	dk, err := cryptoprim.PBKDF2(passphrase, slot.Salt[:], int(slot.Iterations), hashSpec, int(hdr.KeyBytes))
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zero(dk)

	ciphertext, err := ReadSlotMaterial(dev, hdr, slotIdx)
	if err != nil {
		return nil, err
	}

	split := make([]byte, len(ciphertext))
	numSectors := len(ciphertext) / SectorSize
	for i := 0; i < numSectors; i++ {
		block := ciphertext[i*SectorSize : (i+1)*SectorSize]
		dec, err := keyslotCipher(hdr, dk, uint64(i), block, false)
		if err != nil {
			return nil, err
		}
		copy(split[i*SectorSize:(i+1)*SectorSize], dec)
	}
	defer cryptoprim.Zero(split)

	cand, err := af.Merge(split, int(slot.Stripes), int(hdr.KeyBytes), hashSpec)
	if err != nil {
		return nil, err
	}

	digest, err := cryptoprim.PBKDF2(cand, hdr.MKDigestSalt[:], int(hdr.MKDigestIter), hashSpec, len(hdr.MKDigest))
	if err != nil {
		cryptoprim.Zero(cand)
		return nil, err
	}

	if !cryptoprim.ConstantTimeEqual(digest, hdr.MKDigest[:]) {
		cryptoprim.Zero(cand)
		return nil, lukserr.Wrap(lukserr.KeyLookupFailed, "recoverSlot", fmt.Errorf("digest mismatch"))
	}

	return cand, nil
}

// RemoveSlot overwrites slotIdx's key material with random bytes, then
// marks it disabled and zeros its salt. Refuses to remove the last active
// slot.
func RemoveSlot(dev blockdevice.BlockDevice, hdr *Header, slotIdx int) error {
	filled := FindFilledSlots(hdr)
	if len(filled) <= 1 {
		return lukserr.New(lukserr.LastKeyslot, "RemoveSlot", dev.Path(), fmt.Errorf("refusing to remove the last active keyslot"))
	}

	slot := &hdr.Keyslots[slotIdx]
	if slot.Active != SlotActive {
		return lukserr.New(lukserr.BadParameter, "RemoveSlot", dev.Path(), fmt.Errorf("keyslot %d is not active", slotIdx))
	}

	size := int64(slot.Stripes) * int64(hdr.KeyBytes)
	randomFill, err := cryptoprim.RandomBytes(int(size))
	if err != nil {
		return lukserr.New(lukserr.IOFailed, "RemoveSlot", dev.Path(), err)
	}
	if err := WriteSlotMaterial(dev, hdr, slotIdx, randomFill); err != nil {
		return err
	}

	slot.Active = SlotDisabled
	for i := range slot.Salt {
		slot.Salt[i] = 0
	}
	slot.Iterations = 0

	return nil
}

// ChangePassphrase recovers mk with oldPassphrase, enrolls newPassphrase
// into a free slot, then removes the slot oldPassphrase used — in that
// order, so a crash never leaves the device unrecoverable.
func ChangePassphrase(dev blockdevice.BlockDevice, hdr *Header, oldPassphrase, newPassphrase []byte, opts EnrollOptions) error {
	var oldSlot = -1
	hashSpec := cryptoprim.HashSpec(fieldToString(hdr.HashSpec[:]))
	for _, slotIdx := range FindFilledSlots(hdr) {
		if _, err := recoverSlot(dev, hdr, slotIdx, oldPassphrase, hashSpec); err == nil {
			oldSlot = slotIdx
			break
		}
	}
	if oldSlot < 0 {
		return lukserr.New(lukserr.KeyLookupFailed, "ChangePassphrase", dev.Path(), fmt.Errorf("old passphrase does not match any keyslot"))
	}

	mk, err := recoverSlot(dev, hdr, oldSlot, oldPassphrase, hashSpec)
	if err != nil {
		return lukserr.New(lukserr.KeyLookupFailed, "ChangePassphrase", dev.Path(), err)
	}
	defer cryptoprim.Zero(mk)

	if _, err := EnrollPassphrase(dev, hdr, mk, newPassphrase, opts); err != nil {
		return err
	}

	return RemoveSlot(dev, hdr, oldSlot)
}
