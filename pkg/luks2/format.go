// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks2

import (
	"fmt"
	"os"

	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// keyslotAreaStart is the fixed offset of the first keyslot's encrypted key
// material: immediately after both 16KiB binary+JSON header copies.
const keyslotAreaStart = 0x8000

// keyMaterialSectorSize is the sector granularity the keyslot-area AES-XTS
// cipher operates over, independent of the volume's own SectorSize.
const keyMaterialSectorSize = 512

// digestIterations is the PBKDF2 iteration count for the volume digest
// (NIST SP 800-132 minimum guidance for a non-interactive verification
// step, as opposed to the interactive per-keyslot unlock KDF).
const digestIterations = 600000

// Format lays out a brand-new LUKS2 volume on opts.Device: a master key,
// one keyslot holding it AF-split and passphrase-encrypted, one segment
// describing the payload, one digest binding keyslot to segment, and the
// dual binary+JSON headers that describe all of it.
func Format(opts FormatOptions) error {
	if err := ValidateFormatOptions(opts); err != nil {
		return err
	}
	opts = applyFormatDefaults(opts)

	lock, err := AcquireFileLock(opts.Device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "Format", err)
	}
	defer func() { _ = lock.Release() }()

	f, err := os.OpenFile(opts.Device, os.O_RDWR, 0600) // #nosec G304 -- caller-supplied volume path
	if err != nil {
		return lukserr.New(lukserr.IOFailed, "Format", opts.Device, err)
	}
	defer func() { _ = f.Close() }()

	layout, err := formatVolume(f, opts)
	if err != nil {
		return err
	}

	if err := writeHeaderInternal(opts.Device, layout.header, layout.metadata); err != nil {
		return err
	}
	if err := writeKeyMaterial(f, layout.encryptedKeyMaterial); err != nil {
		return err
	}
	return f.Sync()
}

func applyFormatDefaults(opts FormatOptions) FormatOptions {
	if opts.Cipher == "" {
		opts.Cipher = DefaultCipher
	}
	if opts.CipherMode == "" {
		opts.CipherMode = DefaultCipherMode
	}
	if opts.KeySize == 0 {
		opts.KeySize = DefaultKeySize
	}
	if opts.HashAlgo == "" {
		opts.HashAlgo = DefaultHashAlgo
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = DefaultSectorSize
	}
	return opts
}

// formatVolumeLayout is the set of on-disk artifacts Format assembles in
// memory before anything is written to the device.
type formatVolumeLayout struct {
	header               *LUKS2BinaryHeader
	metadata             *LUKS2Metadata
	encryptedKeyMaterial []byte
}

func formatVolume(f *os.File, opts FormatOptions) (*formatVolumeLayout, error) {
	masterKeySize := opts.KeySize / 8
	masterKey, err := cryptoprim.RandomBytes(masterKeySize)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.IOFailed, "formatVolume", err)
	}
	defer cryptoprim.Zero(masterKey)

	hdr, err := CreateBinaryHeader(opts)
	if err != nil {
		return nil, err
	}

	kdf, err := CreateKDF(opts, masterKeySize)
	if err != nil {
		return nil, err
	}

	passphraseKey, err := DeriveKey(opts.Passphrase, kdf, masterKeySize)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zero(passphraseKey)

	digestKDF, digestValue, err := deriveVolumeDigest(masterKey, opts.HashAlgo)
	if err != nil {
		return nil, err
	}

	afData, err := AFSplit(masterKey, AFStripes, opts.HashAlgo)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zero(afData)

	encryptedKeyMaterial, err := cryptoprim.AESXTSEncrypt(passphraseKey, 0, afData)
	if err != nil {
		return nil, err
	}

	keyMaterialSize := len(encryptedKeyMaterial)
	alignedKeyMaterialSize := alignTo(int64(keyMaterialSize), 4096)
	dataOffset := keyslotAreaStart + alignedKeyMaterialSize

	metadata := buildFormatMetadata(kdf, digestKDF, digestValue, opts, masterKeySize,
		keyslotAreaStart, int(alignedKeyMaterialSize), int(dataOffset))

	padded := make([]byte, alignedKeyMaterialSize)
	copy(padded, encryptedKeyMaterial)

	return &formatVolumeLayout{header: hdr, metadata: metadata, encryptedKeyMaterial: padded}, nil
}

func writeKeyMaterial(f *os.File, padded []byte) error {
	if _, err := f.Seek(keyslotAreaStart, 0); err != nil {
		return lukserr.Wrap(lukserr.HeaderWriteFailed, "writeKeyMaterial", fmt.Errorf("seek to keyslot area: %w", err))
	}
	if _, err := f.Write(padded); err != nil {
		return lukserr.Wrap(lukserr.KeyMaterialWriteFailed, "writeKeyMaterial", err)
	}
	return nil
}

// buildFormatMetadata assembles the JSON metadata document for a freshly
// formatted volume: one keyslot, one segment, one digest, one config block.
func buildFormatMetadata(kdf, digestKDF *KDF, digestValue string, opts FormatOptions,
	masterKeySize, keyslotOffset, keyslotSize, dataOffset int) *LUKS2Metadata {

	priority := 1
	keyslots := map[string]*Keyslot{
		"0": {
			Type:     "luks2",
			KeySize:  masterKeySize,
			Priority: &priority,
			Area: &KeyslotArea{
				Type:       "raw",
				KeySize:    masterKeySize,
				Offset:     formatSize(int64(keyslotOffset)),
				Size:       formatSize(int64(keyslotSize)),
				Encryption: opts.Cipher + "-" + opts.CipherMode,
			},
			KDF: kdf,
			AF: &AntiForensic{
				Type:    "luks1",
				Stripes: AFStripes,
				Hash:    opts.HashAlgo,
			},
		},
	}

	segments := map[string]*Segment{
		"0": {
			Type:       "crypt",
			Offset:     formatSize(int64(dataOffset)),
			Size:       "dynamic",
			IVTweak:    "0",
			Encryption: opts.Cipher + "-" + opts.CipherMode,
			SectorSize: opts.SectorSize,
		},
	}

	digests := map[string]*Digest{
		"0": {
			Type:       "pbkdf2",
			Keyslots:   []string{"0"},
			Segments:   []string{"0"},
			Hash:       digestKDF.Hash,
			Iterations: *digestKDF.Iterations,
			Salt:       digestKDF.Salt,
			Digest:     digestValue,
		},
	}

	config := &Config{
		JSONSize:     formatSize(int64(LUKS2DefaultSize)),
		KeyslotsSize: formatSize(int64(keyslotOffset + keyslotSize)),
	}

	return &LUKS2Metadata{Keyslots: keyslots, Segments: segments, Digests: digests, Config: config}
}

// deriveVolumeDigest computes the PBKDF2 digest binding the recovered
// master key to its expected value, the check unlockMasterKey uses to
// confirm a candidate keyslot actually yielded the right key.
func deriveVolumeDigest(masterKey []byte, hashAlgo string) (*KDF, string, error) {
	if hashAlgo != "sha256" && hashAlgo != "sha512" {
		return nil, "", lukserr.Wrap(lukserr.Unsupported, "deriveVolumeDigest", fmt.Errorf("digest hash %q", hashAlgo))
	}
	salt, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return nil, "", lukserr.Wrap(lukserr.IOFailed, "deriveVolumeDigest", err)
	}

	iterations := digestIterations
	kdf := &KDF{
		Type:       kdfPBKDF2,
		Hash:       hashAlgo,
		Salt:       encodeBase64(salt),
		Iterations: &iterations,
	}

	const digestSize = 32
	digest, err := DeriveKey(masterKey, kdf, digestSize)
	if err != nil {
		return nil, "", err
	}
	defer cryptoprim.Zero(digest)

	return kdf, encodeBase64(digest), nil
}

// encryptKeyMaterial wraps a keyslot's AF-split master key in AES-XTS, the
// cipher keyslot areas are always encrypted with regardless of the volume's
// own payload cipher.
func encryptKeyMaterial(data, key []byte, cipherAlgo string) ([]byte, error) {
	if cipherAlgo != "aes" {
		return nil, lukserr.Wrap(lukserr.Unsupported, "encryptKeyMaterial", fmt.Errorf("keyslot cipher %q", cipherAlgo))
	}
	return cryptoprim.AESXTSEncrypt(key, 0, data)
}

// decryptKeyMaterial reverses encryptKeyMaterial. Keyslot areas are always
// chunked at keyMaterialSectorSize bytes; any other sectorSize is rejected.
func decryptKeyMaterial(data, key []byte, cipherAlgo string, sectorSize int) ([]byte, error) {
	if cipherAlgo != "aes" {
		return nil, lukserr.Wrap(lukserr.Unsupported, "decryptKeyMaterial", fmt.Errorf("keyslot cipher %q", cipherAlgo))
	}
	if sectorSize != keyMaterialSectorSize {
		return nil, lukserr.Wrap(lukserr.BadParameter, "decryptKeyMaterial", fmt.Errorf("keyslot sector size %d unsupported", sectorSize))
	}
	return cryptoprim.AESXTSDecrypt(key, 0, data)
}
