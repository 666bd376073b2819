// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package cryptoprim implements the primitive operations the LUKS1/LUKS2
// codecs and the AF splitter build on: hashing, HMAC, PBKDF2, Argon2, and a
// single CSPRNG source. Nothing here knows about headers or keyslots.
package cryptoprim

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - SHA-1 is a supported LUKS1 hash spec, not used for signatures
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"hash"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required LUKS1 hash spec

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// HashSpec names a supported hash algorithm. LUKS1 volumes in the wild use
// sha1, sha256, sha512 or ripemd160 as the keyslot/digest hash. The
// primitive accepts every spec below; the LUKS2 codec accepts only sha256
// and sha512 for its AF and volume-digest hashes.
type HashSpec string

const (
	SHA1      HashSpec = "sha1"
	SHA256    HashSpec = "sha256"
	SHA384    HashSpec = "sha384"
	SHA512    HashSpec = "sha512"
	RIPEMD160 HashSpec = "ripemd160"
)

// HashFunc resolves a HashSpec to a constructor, the shape every hash-based
// primitive below (HMAC, PBKDF2, the AF diffuser) needs.
func HashFunc(spec HashSpec) (func() hash.Hash, error) {
	switch spec {
	case SHA1:
		return sha1.New, nil
	case SHA256:
		return sha256.New, nil
	case SHA384:
		return sha512.New384, nil
	case SHA512:
		return sha512.New, nil
	case RIPEMD160:
		return ripemd160.New, nil
	default:
		return nil, lukserr.Wrap(lukserr.Unsupported, "HashFunc", fmt.Errorf("unknown hash spec %q", spec))
	}
}

// Hash computes hash(spec, data).
func Hash(spec HashSpec, data []byte) ([]byte, error) {
	hf, err := HashFunc(spec)
	if err != nil {
		return nil, err
	}
	h := hf()
	h.Write(data)
	return h.Sum(nil), nil
}

// HMAC computes hmac(spec, key, data).
func HMAC(spec HashSpec, key, data []byte) ([]byte, error) {
	hf, err := HashFunc(spec)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(hf, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Random fills buf with cryptographically strong bytes from the single
// CSPRNG source the whole core uses for salts, AF random stripes, and
// (when requested) master keys.
func Random(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "Random", err)
	}
	return nil
}

// RandomBytes allocates and fills n random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := Random(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PBKDF2 derives outLen bytes from password/salt via RFC 2898 PBKDF2.
// Fails with KDFFailed on zero iterations or an unknown hash spec.
func PBKDF2(password, salt []byte, iterations int, spec HashSpec, outLen int) ([]byte, error) {
	if iterations <= 0 {
		return nil, lukserr.Wrap(lukserr.KDFFailed, "PBKDF2", fmt.Errorf("iterations must be positive, got %d", iterations))
	}
	hf, err := HashFunc(spec)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.KDFFailed, "PBKDF2", err)
	}
	return pbkdf2.Key(password, salt, iterations, outLen, hf), nil
}

// Argon2Variant selects between the two Argon2 constructions LUKS2 allows.
type Argon2Variant string

const (
	Argon2I  Argon2Variant = "i"
	Argon2ID Argon2Variant = "id"
)

// Argon2 derives outLen bytes using the given variant, time cost, memory
// cost (KiB), and lane count.
func Argon2(variant Argon2Variant, password, salt []byte, tCost, mCostKiB uint32, lanes uint8, outLen uint32) ([]byte, error) {
	switch variant {
	case Argon2I:
		return argon2.Key(password, salt, tCost, mCostKiB, lanes, outLen), nil
	case Argon2ID:
		return argon2.IDKey(password, salt, tCost, mCostKiB, lanes, outLen), nil
	default:
		return nil, lukserr.Wrap(lukserr.KDFFailed, "Argon2", fmt.Errorf("unknown argon2 variant %q", variant))
	}
}

// BenchmarkPBKDF2Iterations measures how many PBKDF2 iterations this host
// can do in roughly targetMs milliseconds, the same calibration the LUKS1
// and LUKS2 formatters use to pick an MK-digest / keyslot iteration count
// when the caller does not supply one explicitly.
func BenchmarkPBKDF2Iterations(spec HashSpec, outLen, targetMs int) (int, error) {
	hf, err := HashFunc(spec)
	if err != nil {
		return 0, err
	}
	const probe = 1000
	salt := make([]byte, 32)
	start := time.Now()
	_ = pbkdf2.Key([]byte("benchmark"), salt, probe, outLen, hf)
	elapsed := time.Since(start)

	if elapsed.Milliseconds() <= 0 {
		return 200_000, nil
	}
	iterations := int(float64(probe) * (float64(targetMs) / float64(elapsed.Milliseconds())))
	if iterations < 1000 {
		iterations = 1000
	}
	return iterations, nil
}

// ConstantTimeEqual compares two digests without branching on mismatch
// position, so a failed unlock attempt never reveals which keyslot (or
// which byte of it) almost matched.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// Zero wipes a secret buffer in place. Every owned secret buffer (master
// keys, derived keys, AF buffers) must be zeroed on release.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
