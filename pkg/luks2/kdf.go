// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks2

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// KDF type strings stored in a keyslot's "kdf.type" field. The pbkdf2-shaNNN
// forms are convenience aliases accepted from FormatOptions.KDFType and
// always normalized down to plain "pbkdf2" + an explicit Hash before being
// written out, since that's the only form LUKS2 metadata itself allows.
const (
	kdfPBKDF2       = "pbkdf2"
	kdfPBKDF2SHA1   = "pbkdf2-sha1"
	kdfPBKDF2SHA256 = "pbkdf2-sha256"
	kdfPBKDF2SHA384 = "pbkdf2-sha384"
	kdfPBKDF2SHA512 = "pbkdf2-sha512"
	kdfArgon2i      = "argon2i"
	kdfArgon2id     = "argon2id"

	defaultPBKDFIterMs    = 2000
	defaultArgon2Time     = 4
	defaultArgon2MemoryKB = 1048576
	defaultArgon2Lanes    = 4
)

// IsFIPSCompliantKDF reports whether kdfType is one of the PBKDF2 forms;
// Argon2i/Argon2id are not FIPS-approved constructions.
func IsFIPSCompliantKDF(kdfType string) bool {
	_, pbkdf2Variant := pbkdf2HashForAlias(normalizeKDFType(kdfType))
	return pbkdf2Variant
}

func normalizeKDFType(kdfType string) string {
	return strings.ToLower(strings.TrimSpace(kdfType))
}

// pbkdf2HashForAlias maps a (possibly aliased) KDF type string to the hash
// algorithm it implies, e.g. "pbkdf2-sha512" -> "sha512". Plain "pbkdf2"
// resolves to "" (caller falls back to FormatOptions.HashAlgo).
func pbkdf2HashForAlias(kdfType string) (hashAlgo string, ok bool) {
	switch kdfType {
	case kdfPBKDF2:
		return "", true
	case kdfPBKDF2SHA1:
		return "sha1", true
	case kdfPBKDF2SHA256:
		return "sha256", true
	case kdfPBKDF2SHA384:
		return "sha384", true
	case kdfPBKDF2SHA512:
		return "sha512", true
	default:
		return "", false
	}
}

// DeriveKey runs the key-derivation function described by kdf against
// passphrase, producing keySize bytes. Dispatches to cryptoprim's PBKDF2 or
// Argon2 primitives depending on kdf.Type.
func DeriveKey(passphrase []byte, kdf *KDF, keySize int) ([]byte, error) {
	salt, err := decodeBase64(kdf.Salt)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.KDFFailed, "DeriveKey", fmt.Errorf("invalid salt: %w", err))
	}

	switch kdf.Type {
	case kdfPBKDF2:
		return derivePBKDF2Key(passphrase, salt, kdf, keySize)
	case kdfArgon2i:
		return deriveArgon2Key(cryptoprim.Argon2I, passphrase, salt, kdf, keySize)
	case kdfArgon2id:
		return deriveArgon2Key(cryptoprim.Argon2ID, passphrase, salt, kdf, keySize)
	default:
		return nil, lukserr.Wrap(lukserr.Unsupported, "DeriveKey", fmt.Errorf("kdf type %q", kdf.Type))
	}
}

func derivePBKDF2Key(passphrase, salt []byte, kdf *KDF, keySize int) ([]byte, error) {
	if kdf.Iterations == nil {
		return nil, lukserr.Wrap(lukserr.BadParameter, "derivePBKDF2Key", fmt.Errorf("pbkdf2 kdf missing iterations"))
	}
	spec, err := pbkdf2HashSpec(kdf.Hash)
	if err != nil {
		return nil, err
	}
	return cryptoprim.PBKDF2(passphrase, salt, *kdf.Iterations, spec, keySize)
}

func deriveArgon2Key(variant cryptoprim.Argon2Variant, passphrase, salt []byte, kdf *KDF, keySize int) ([]byte, error) {
	if kdf.Time == nil || kdf.Memory == nil || kdf.CPUs == nil {
		return nil, lukserr.Wrap(lukserr.BadParameter, "deriveArgon2Key", fmt.Errorf("argon2 kdf missing time/memory/cpus"))
	}
	lanes, err := argon2Lanes(*kdf.CPUs)
	if err != nil {
		return nil, err
	}
	return cryptoprim.Argon2(variant, passphrase, salt, uint32(*kdf.Time), uint32(*kdf.Memory), lanes, uint32(keySize)) // #nosec G115 -- Time/Memory are caller-configured small positive costs
}

func argon2Lanes(cpus int) (uint8, error) {
	if cpus < 1 || cpus > 255 {
		return 0, lukserr.Wrap(lukserr.BadParameter, "argon2Lanes", fmt.Errorf("argon2 parallelism %d out of range [1,255]", cpus))
	}
	return uint8(cpus), nil // #nosec G115 -- bounds checked above
}

func pbkdf2HashSpec(hashAlgo string) (cryptoprim.HashSpec, error) {
	switch strings.ToLower(hashAlgo) {
	case "sha1", "sha256", "sha384", "sha512":
		return cryptoprim.HashSpec(strings.ToLower(hashAlgo)), nil
	default:
		return "", lukserr.Wrap(lukserr.Unsupported, "pbkdf2HashSpec", fmt.Errorf("hash algorithm %q", hashAlgo))
	}
}

// BenchmarkPBKDF2 calibrates an iteration count that costs roughly targetMs
// milliseconds on this host, for the given hash and output length.
func BenchmarkPBKDF2(hashAlgo string, keySize, targetMs int) (int, error) {
	spec, err := pbkdf2HashSpec(hashAlgo)
	if err != nil {
		return 0, err
	}
	return cryptoprim.BenchmarkPBKDF2Iterations(spec, keySize, targetMs)
}

// CreateKDF builds the KDF metadata for a fresh keyslot from FormatOptions,
// defaulting to Argon2id when opts.KDFType is unset.
func CreateKDF(opts FormatOptions, keySize int) (*KDF, error) {
	kdfType := normalizeKDFType(opts.KDFType)
	if kdfType == "" {
		kdfType = kdfArgon2id
	}

	salt, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.IOFailed, "CreateKDF", err)
	}
	saltB64 := encodeBase64(salt)

	if aliasHash, isPBKDF2 := pbkdf2HashForAlias(kdfType); isPBKDF2 {
		hashAlgo := opts.HashAlgo
		if aliasHash != "" {
			hashAlgo = aliasHash
		}
		if hashAlgo == "" {
			hashAlgo = "sha256"
		}
		return buildPBKDF2KDF(hashAlgo, opts.PBKDFIterTime, saltB64, keySize)
	}

	switch kdfType {
	case kdfArgon2i, kdfArgon2id:
		return buildArgon2KDF(kdfType, opts, saltB64), nil
	default:
		return nil, lukserr.Wrap(lukserr.Unsupported, "CreateKDF", fmt.Errorf("kdf type %q", kdfType))
	}
}

func buildPBKDF2KDF(hashAlgo string, iterTimeMs int, saltB64 string, keySize int) (*KDF, error) {
	if iterTimeMs <= 0 {
		iterTimeMs = defaultPBKDFIterMs
	}
	iterations, err := BenchmarkPBKDF2(hashAlgo, keySize, iterTimeMs)
	if err != nil {
		return nil, err
	}
	return &KDF{
		Type:       kdfPBKDF2,
		Hash:       strings.ToLower(hashAlgo),
		Salt:       saltB64,
		Iterations: &iterations,
	}, nil
}

func buildArgon2KDF(kdfType string, opts FormatOptions, saltB64 string) *KDF {
	timeCost := opts.Argon2Time
	if timeCost == 0 {
		timeCost = defaultArgon2Time
	}
	memory := opts.Argon2Memory
	if memory == 0 {
		memory = defaultArgon2MemoryKB
	}
	lanes := opts.Argon2Parallel
	if lanes == 0 {
		lanes = defaultArgon2Lanes
	}
	return &KDF{
		Type:   kdfType,
		Salt:   saltB64,
		Time:   &timeCost,
		Memory: &memory,
		CPUs:   &lanes,
	}
}

func encodeBase64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
