// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks2

import (
	"fmt"
	"os"
	"strconv"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// MaxKeyslots is the number of keyslot ids a LUKS2 volume can address ("0"
// through strconv.Itoa(MaxKeyslots-1)).
const MaxKeyslots = 32

// KeyslotAreaAlignment is the byte boundary every keyslot area is padded to.
const KeyslotAreaAlignment = 4096

// AddKeyOptions controls how AddKey derives the new keyslot's KDF. A nil
// *AddKeyOptions falls back to argon2id with the package defaults.
type AddKeyOptions struct {
	Keyslot *int

	KDFType string

	Argon2Time     int
	Argon2Memory   int
	Argon2Parallel int

	PBKDFIterTime int
}

// KeyslotInfo is the caller-facing summary ListKeyslots returns for an
// active keyslot.
type KeyslotInfo struct {
	ID         int
	Type       string
	KeySize    int
	Priority   int
	KDFType    string
	Encryption string
}

// keyslotMaterial is the on-disk payload and companion metadata AddKey and
// ChangeKey both need to assemble before anything touches the device.
type keyslotMaterial struct {
	kdf       *KDF
	encrypted []byte
}

// AddKey enrolls newPassphrase into an unused keyslot, using
// existingPassphrase to recover the master key it will be bound to.
func AddKey(device string, existingPassphrase, newPassphrase []byte, opts *AddKeyOptions) error {
	if err := ValidateDevicePath(device); err != nil {
		return err
	}
	if err := ValidatePassphrase(existingPassphrase); err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "AddKey", fmt.Errorf("existing passphrase: %w", err))
	}
	if err := ValidatePassphrase(newPassphrase); err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "AddKey", fmt.Errorf("new passphrase: %w", err))
	}

	lock, err := AcquireFileLock(device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "AddKey", err)
	}
	defer func() { _ = lock.Release() }()

	hdr, metadata, err := ReadHeader(device)
	if err != nil {
		return lukserr.Wrap(lukserr.HeaderReadFailed, "AddKey", err)
	}

	masterKey, err := getMasterKey(device, existingPassphrase, metadata)
	if err != nil {
		return lukserr.Wrap(lukserr.KeyLookupFailed, "AddKey", err)
	}
	defer clearBytes(masterKey)

	slot, err := selectKeyslot(metadata, opts)
	if err != nil {
		return err
	}

	reference := anyKeyslot(metadata)
	if reference == nil {
		return lukserr.Wrap(lukserr.BadParameter, "AddKey", fmt.Errorf("no existing keyslot to copy cipher/size from"))
	}

	offset, err := nextKeyslotAreaOffset(metadata)
	if err != nil {
		return err
	}

	material, err := buildKeyslotMaterial(masterKey, newPassphrase, reference.KeySize, DefaultHashAlgo, addKeyFormatOptions(opts))
	if err != nil {
		return err
	}
	defer clearBytes(material.encrypted)

	areaSize := alignTo(int64(len(material.encrypted)), KeyslotAreaAlignment)
	slotID := strconv.Itoa(slot)
	priority := 2
	metadata.Keyslots[slotID] = &Keyslot{
		Type:     "luks2",
		KeySize:  reference.KeySize,
		Priority: &priority,
		Area: &KeyslotArea{
			Type:       "raw",
			KeySize:    reference.KeySize,
			Offset:     formatSize(offset),
			Size:       formatSize(areaSize),
			Encryption: reference.Area.Encryption,
		},
		KDF: material.kdf,
		AF: &AntiForensic{
			Type:    "luks1",
			Stripes: AFStripes,
			Hash:    DefaultHashAlgo,
		},
	}
	bindKeyslotToDigests(metadata, slotID)
	metadata.Config.KeyslotsSize = formatSize(offset + areaSize)
	hdr.SequenceID++

	if err := persistKeyslotArea(device, offset, areaSize, material.encrypted); err != nil {
		return err
	}
	return writeHeaderInternal(device, hdr, metadata)
}

// RemoveKey erases the keyslot at the given id, provided passphrase
// actually unlocks it and at least one other keyslot remains.
func RemoveKey(device string, passphrase []byte, keyslot int) error {
	if err := ValidateDevicePath(device); err != nil {
		return err
	}
	if err := ValidatePassphrase(passphrase); err != nil {
		return err
	}
	slotID, err := validKeyslotID(keyslot)
	if err != nil {
		return err
	}

	lock, err := AcquireFileLock(device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "RemoveKey", err)
	}
	defer func() { _ = lock.Release() }()

	hdr, metadata, err := ReadHeader(device)
	if err != nil {
		return lukserr.Wrap(lukserr.HeaderReadFailed, "RemoveKey", err)
	}

	target, exists := metadata.Keyslots[slotID]
	if !exists {
		return lukserr.Wrap(lukserr.BadParameter, "RemoveKey", fmt.Errorf("keyslot %d", keyslot))
	}
	if _, err := unlockKeyslot(device, passphrase, target, metadata.Digests); err != nil {
		return lukserr.Wrap(lukserr.KeyLookupFailed, "RemoveKey", fmt.Errorf("keyslot %d: %w", keyslot, err))
	}
	if len(metadata.Keyslots) <= 1 {
		return lukserr.Wrap(lukserr.BadParameter, "RemoveKey", fmt.Errorf("cannot remove the last keyslot"))
	}

	if err := zeroKeyslotArea(device, target); err != nil {
		return err
	}
	delete(metadata.Keyslots, slotID)
	unbindKeyslotFromDigests(metadata, slotID)
	hdr.SequenceID++

	return writeHeaderInternal(device, hdr, metadata)
}

// ChangeKey re-derives the keyslot at the given id under newPassphrase,
// keeping its existing KDF family (pbkdf2 vs argon2i vs argon2id) and area.
func ChangeKey(device string, oldPassphrase, newPassphrase []byte, keyslot int) error {
	if err := ValidateDevicePath(device); err != nil {
		return err
	}
	if err := ValidatePassphrase(oldPassphrase); err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "ChangeKey", fmt.Errorf("old passphrase: %w", err))
	}
	if err := ValidatePassphrase(newPassphrase); err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "ChangeKey", fmt.Errorf("new passphrase: %w", err))
	}
	slotID, err := validKeyslotID(keyslot)
	if err != nil {
		return err
	}

	lock, err := AcquireFileLock(device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "ChangeKey", err)
	}
	defer func() { _ = lock.Release() }()

	hdr, metadata, err := ReadHeader(device)
	if err != nil {
		return lukserr.Wrap(lukserr.HeaderReadFailed, "ChangeKey", err)
	}

	target, exists := metadata.Keyslots[slotID]
	if !exists {
		return lukserr.Wrap(lukserr.BadParameter, "ChangeKey", fmt.Errorf("keyslot %d", keyslot))
	}

	masterKey, err := unlockKeyslot(device, oldPassphrase, target, metadata.Digests)
	if err != nil {
		return lukserr.Wrap(lukserr.KeyLookupFailed, "ChangeKey", fmt.Errorf("keyslot %d: %w", keyslot, err))
	}
	defer clearBytes(masterKey)

	material, err := buildKeyslotMaterial(masterKey, newPassphrase, target.KeySize, target.AF.Hash, rotateKeyFormatOptions(target.KDF))
	if err != nil {
		return err
	}
	defer clearBytes(material.encrypted)

	offset, err := parseSize(target.Area.Offset)
	if err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "ChangeKey", fmt.Errorf("keyslot offset: %w", err))
	}
	areaSize, err := parseSize(target.Area.Size)
	if err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "ChangeKey", fmt.Errorf("keyslot size: %w", err))
	}
	if int64(len(material.encrypted)) > areaSize {
		return lukserr.Wrap(lukserr.BufferTooSmall, "ChangeKey", fmt.Errorf("new key material exceeds existing keyslot area"))
	}

	if err := zeroKeyslotArea(device, target); err != nil {
		return err
	}
	if err := persistKeyslotArea(device, offset, areaSize, material.encrypted); err != nil {
		return err
	}

	target.KDF = material.kdf
	hdr.SequenceID++
	return writeHeaderInternal(device, hdr, metadata)
}

// KillKeyslot erases a keyslot without verifying any passphrase against it.
// Irreversible: any passphrase bound only to that keyslot is lost.
func KillKeyslot(device string, keyslot int) error {
	if err := ValidateDevicePath(device); err != nil {
		return err
	}
	slotID, err := validKeyslotID(keyslot)
	if err != nil {
		return err
	}

	lock, err := AcquireFileLock(device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "KillKeyslot", err)
	}
	defer func() { _ = lock.Release() }()

	hdr, metadata, err := ReadHeader(device)
	if err != nil {
		return lukserr.Wrap(lukserr.HeaderReadFailed, "KillKeyslot", err)
	}

	target, exists := metadata.Keyslots[slotID]
	if !exists {
		return lukserr.Wrap(lukserr.BadParameter, "KillKeyslot", fmt.Errorf("keyslot %d", keyslot))
	}
	if len(metadata.Keyslots) <= 1 {
		return lukserr.Wrap(lukserr.BadParameter, "KillKeyslot", fmt.Errorf("cannot remove the last keyslot"))
	}

	if err := zeroKeyslotArea(device, target); err != nil {
		return err
	}
	delete(metadata.Keyslots, slotID)
	unbindKeyslotFromDigests(metadata, slotID)
	hdr.SequenceID++

	return writeHeaderInternal(device, hdr, metadata)
}

// ListKeyslots summarizes every active keyslot on device.
func ListKeyslots(device string) ([]KeyslotInfo, error) {
	if err := ValidateDevicePath(device); err != nil {
		return nil, err
	}

	_, metadata, err := ReadHeader(device)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.HeaderReadFailed, "ListKeyslots", err)
	}

	slots := make([]KeyslotInfo, 0, len(metadata.Keyslots))
	for idStr, ks := range metadata.Keyslots {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		priority := 0
		if ks.Priority != nil {
			priority = *ks.Priority
		}
		slots = append(slots, KeyslotInfo{
			ID:         id,
			Type:       ks.Type,
			KeySize:    ks.KeySize,
			Priority:   priority,
			KDFType:    ks.KDF.Type,
			Encryption: ks.Area.Encryption,
		})
	}
	return slots, nil
}

// getMasterKey tries passphrase against every luks2 keyslot in metadata and
// returns the master key recovered from whichever one accepts it.
func getMasterKey(device string, passphrase []byte, metadata *LUKS2Metadata) ([]byte, error) {
	for _, keyslot := range metadata.Keyslots {
		if keyslot.Type != "luks2" {
			continue
		}
		if masterKey, err := unlockKeyslot(device, passphrase, keyslot, metadata.Digests); err == nil {
			return masterKey, nil
		}
	}
	return nil, lukserr.Wrap(lukserr.KeyLookupFailed, "getMasterKey", fmt.Errorf("no keyslot accepted the passphrase"))
}

// buildKeyslotMaterial derives a fresh KDF from formatOpts, keys it with
// passphrase, AF-splits masterKey under hashAlgo, and encrypts the split
// under the derived key -- the full payload a new or rotated keyslot needs.
func buildKeyslotMaterial(masterKey, passphrase []byte, keySize int, hashAlgo string, formatOpts FormatOptions) (*keyslotMaterial, error) {
	kdf, err := CreateKDF(formatOpts, keySize)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.KDFFailed, "buildKeyslotMaterial", err)
	}

	passphraseKey, err := DeriveKey(passphrase, kdf, keySize)
	if err != nil {
		return nil, err
	}
	defer clearBytes(passphraseKey)

	afData, err := AFSplit(masterKey, AFStripes, hashAlgo)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.KDFFailed, "buildKeyslotMaterial", fmt.Errorf("af-split: %w", err))
	}
	defer clearBytes(afData)

	encrypted, err := encryptKeyMaterial(afData, passphraseKey, DefaultCipher)
	if err != nil {
		return nil, err
	}
	return &keyslotMaterial{kdf: kdf, encrypted: encrypted}, nil
}

// addKeyFormatOptions turns AddKeyOptions (nil meaning "all defaults") into
// the FormatOptions CreateKDF expects.
func addKeyFormatOptions(opts *AddKeyOptions) FormatOptions {
	fo := FormatOptions{
		KDFType:        kdfArgon2id,
		HashAlgo:       DefaultHashAlgo,
		Argon2Time:     defaultArgon2Time,
		Argon2Memory:   defaultArgon2MemoryKB,
		Argon2Parallel: defaultArgon2Lanes,
	}
	if opts == nil {
		return fo
	}
	if opts.KDFType != "" {
		fo.KDFType = opts.KDFType
	}
	if opts.Argon2Time > 0 {
		fo.Argon2Time = opts.Argon2Time
	}
	if opts.Argon2Memory > 0 {
		fo.Argon2Memory = opts.Argon2Memory
	}
	if opts.Argon2Parallel > 0 {
		fo.Argon2Parallel = opts.Argon2Parallel
	}
	if opts.PBKDFIterTime > 0 {
		fo.PBKDFIterTime = opts.PBKDFIterTime
	}
	return fo
}

// rotateKeyFormatOptions keeps an existing keyslot's KDF type for ChangeKey.
// Argon2 slots also keep their time/memory/cpus costs; a PBKDF2 slot gets a
// freshly benchmarked iteration count under DefaultHashAlgo.
func rotateKeyFormatOptions(existing *KDF) FormatOptions {
	fo := FormatOptions{KDFType: existing.Type, HashAlgo: DefaultHashAlgo}
	if existing.Type != kdfArgon2i && existing.Type != kdfArgon2id {
		return fo
	}
	fo.Argon2Time, fo.Argon2Memory, fo.Argon2Parallel = defaultArgon2Time, defaultArgon2MemoryKB, defaultArgon2Lanes
	if existing.Time != nil {
		fo.Argon2Time = *existing.Time
	}
	if existing.Memory != nil {
		fo.Argon2Memory = *existing.Memory
	}
	if existing.CPUs != nil {
		fo.Argon2Parallel = *existing.CPUs
	}
	return fo
}

// selectKeyslot resolves the keyslot id AddKey should populate, honoring an
// explicit request in opts or else picking the lowest unused id.
func selectKeyslot(metadata *LUKS2Metadata, opts *AddKeyOptions) (int, error) {
	if opts != nil && opts.Keyslot != nil {
		slot := *opts.Keyslot
		if slot < 0 || slot >= MaxKeyslots {
			return 0, lukserr.Wrap(lukserr.BadParameter, "selectKeyslot", fmt.Errorf("keyslot %d out of range [0,%d)", slot, MaxKeyslots))
		}
		if _, exists := metadata.Keyslots[strconv.Itoa(slot)]; exists {
			return 0, lukserr.Wrap(lukserr.BadParameter, "selectKeyslot", fmt.Errorf("keyslot %d already in use", slot))
		}
		return slot, nil
	}
	for i := 0; i < MaxKeyslots; i++ {
		if _, exists := metadata.Keyslots[strconv.Itoa(i)]; !exists {
			return i, nil
		}
	}
	return 0, lukserr.Wrap(lukserr.BadParameter, "selectKeyslot", fmt.Errorf("no free keyslots"))
}

// validKeyslotID range-checks a caller-supplied keyslot id and returns its
// string form for metadata map lookups.
func validKeyslotID(keyslot int) (string, error) {
	if keyslot < 0 || keyslot >= MaxKeyslots {
		return "", lukserr.Wrap(lukserr.BadParameter, "validKeyslotID", fmt.Errorf("keyslot %d out of range [0,%d)", keyslot, MaxKeyslots))
	}
	return strconv.Itoa(keyslot), nil
}

// anyKeyslot returns an arbitrary existing keyslot, used as a cipher/key-size
// template for a freshly enrolled one.
func anyKeyslot(metadata *LUKS2Metadata) *Keyslot {
	for _, ks := range metadata.Keyslots {
		return ks
	}
	return nil
}

// bindKeyslotToDigests adds slotID to every digest's keyslot list it isn't
// already part of.
func bindKeyslotToDigests(metadata *LUKS2Metadata, slotID string) {
	for _, digest := range metadata.Digests {
		for _, ks := range digest.Keyslots {
			if ks == slotID {
				return
			}
		}
		digest.Keyslots = append(digest.Keyslots, slotID)
	}
}

// unbindKeyslotFromDigests removes slotID from every digest's keyslot list.
func unbindKeyslotFromDigests(metadata *LUKS2Metadata, slotID string) {
	for _, digest := range metadata.Digests {
		kept := digest.Keyslots[:0]
		for _, ks := range digest.Keyslots {
			if ks != slotID {
				kept = append(kept, ks)
			}
		}
		digest.Keyslots = kept
	}
}

// nextKeyslotAreaOffset finds the first 4KiB-aligned offset past every
// existing keyslot area.
func nextKeyslotAreaOffset(metadata *LUKS2Metadata) (int64, error) {
	maxEnd := int64(keyslotAreaStart)
	for _, ks := range metadata.Keyslots {
		offset, err := parseSize(ks.Area.Offset)
		if err != nil {
			continue
		}
		size, err := parseSize(ks.Area.Size)
		if err != nil {
			continue
		}
		if end := offset + size; end > maxEnd {
			maxEnd = end
		}
	}
	return alignTo(maxEnd, KeyslotAreaAlignment), nil
}

// persistKeyslotArea writes data at offset, zero-pads it out to areaSize,
// and fsyncs the device.
func persistKeyslotArea(device string, offset, areaSize int64, data []byte) error {
	f, err := os.OpenFile(device, os.O_RDWR, 0600) // #nosec G304 -- device path validated by caller
	if err != nil {
		return lukserr.New(lukserr.IOFailed, "persistKeyslotArea", device, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, 0); err != nil {
		return lukserr.Wrap(lukserr.KeyMaterialWriteFailed, "persistKeyslotArea", fmt.Errorf("seek: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		return lukserr.Wrap(lukserr.KeyMaterialWriteFailed, "persistKeyslotArea", fmt.Errorf("write: %w", err))
	}
	if remaining := areaSize - int64(len(data)); remaining > 0 {
		if _, err := f.Write(make([]byte, remaining)); err != nil {
			return lukserr.Wrap(lukserr.KeyMaterialWriteFailed, "persistKeyslotArea", fmt.Errorf("pad: %w", err))
		}
	}
	if err := f.Sync(); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "persistKeyslotArea", err)
	}
	return nil
}

// zeroKeyslotArea overwrites a keyslot's entire area with zeros.
func zeroKeyslotArea(device string, keyslot *Keyslot) error {
	offset, err := parseSize(keyslot.Area.Offset)
	if err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "zeroKeyslotArea", err)
	}
	size, err := parseSize(keyslot.Area.Size)
	if err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "zeroKeyslotArea", err)
	}

	f, err := os.OpenFile(device, os.O_RDWR, 0600) // #nosec G304 -- device path validated by caller
	if err != nil {
		return lukserr.New(lukserr.IOFailed, "zeroKeyslotArea", device, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, 0); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "zeroKeyslotArea", err)
	}
	if _, err := f.Write(make([]byte, size)); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "zeroKeyslotArea", err)
	}
	return f.Sync()
}
