// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/xts"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// CipherSpec is the parsed form of a string like "aes-xts-plain64":
// algo-mode-iv. LUKS stores the unparsed string in the header/JSON; this is
// only ever the in-memory form used to pick an implementation.
type CipherSpec struct {
	Algo string // "aes"
	Mode string // "xts", "cbc", "ecb"
	IV   string // "plain64", "plain", "" (ecb has none)
}

func (c CipherSpec) String() string {
	if c.IV == "" {
		return fmt.Sprintf("%s-%s", c.Algo, c.Mode)
	}
	return fmt.Sprintf("%s-%s-%s", c.Algo, c.Mode, c.IV)
}

// ParseCipherSpec splits "aes-xts-plain64" into {aes, xts, plain64} and
// validates the tuple. Only the algo/mode/iv combinations this core
// actually implements are accepted; everything else is UNSUPPORTED.
func ParseCipherSpec(s string) (CipherSpec, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 2 {
		return CipherSpec{}, lukserr.Wrap(lukserr.Unsupported, "ParseCipherSpec", fmt.Errorf("malformed cipher spec %q", s))
	}

	spec := CipherSpec{Algo: parts[0], Mode: parts[1]}
	if len(parts) >= 3 {
		spec.IV = parts[2]
	}

	if spec.Algo != "aes" {
		return CipherSpec{}, lukserr.Wrap(lukserr.Unsupported, "ParseCipherSpec", fmt.Errorf("unsupported cipher algorithm %q", spec.Algo))
	}

	switch spec.Mode {
	case "xts":
		if spec.IV != "plain64" && spec.IV != "" {
			return CipherSpec{}, lukserr.Wrap(lukserr.Unsupported, "ParseCipherSpec", fmt.Errorf("aes-xts requires plain64 iv, got %q", spec.IV))
		}
		spec.IV = "plain64"
	case "cbc":
		if spec.IV != "plain" && spec.IV != "plain64" && spec.IV != "" {
			return CipherSpec{}, lukserr.Wrap(lukserr.Unsupported, "ParseCipherSpec", fmt.Errorf("unsupported aes-cbc iv %q", spec.IV))
		}
		if spec.IV == "" {
			spec.IV = "plain"
		}
	case "ecb":
		if spec.IV != "" {
			return CipherSpec{}, lukserr.Wrap(lukserr.Unsupported, "ParseCipherSpec", fmt.Errorf("aes-ecb takes no iv, got %q", spec.IV))
		}
	default:
		return CipherSpec{}, lukserr.Wrap(lukserr.Unsupported, "ParseCipherSpec", fmt.Errorf("unsupported cipher mode %q", spec.Mode))
	}

	return spec, nil
}

// AESXTSEncrypt encrypts plaintext sector-by-sector (512 bytes) with
// AES-XTS, key = key1||key2 (64 bytes for AES-256-XTS). sectorIndex is the
// IV for "plain64" mode and advances by one per 512-byte sector.
func AESXTSEncrypt(key []byte, sectorIndex uint64, plaintext []byte) ([]byte, error) {
	return xtsTransform(key, sectorIndex, plaintext, true)
}

// AESXTSDecrypt is the inverse of AESXTSEncrypt.
func AESXTSDecrypt(key []byte, sectorIndex uint64, ciphertext []byte) ([]byte, error) {
	return xtsTransform(key, sectorIndex, ciphertext, false)
}

const xtsSectorSize = 512

func xtsTransform(key []byte, sectorIndex uint64, data []byte, encrypt bool) ([]byte, error) {
	x, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		kind := lukserr.EncryptFailed
		if !encrypt {
			kind = lukserr.DecryptFailed
		}
		return nil, lukserr.Wrap(kind, "xtsTransform", err)
	}

	out := make([]byte, len(data))
	numSectors := (len(data) + xtsSectorSize - 1) / xtsSectorSize
	sector := make([]byte, xtsSectorSize)
	result := make([]byte, xtsSectorSize)
	defer Zero(sector)
	defer Zero(result)

	for i := 0; i < numSectors; i++ {
		start := i * xtsSectorSize
		end := start + xtsSectorSize
		if end > len(data) {
			end = len(data)
		}

		Zero(sector)
		copy(sector, data[start:end])

		if encrypt {
			x.Encrypt(result, sector, sectorIndex+uint64(i))
		} else {
			x.Decrypt(result, sector, sectorIndex+uint64(i))
		}
		copy(out[start:end], result[:end-start])
	}

	return out, nil
}

// AESCBCEncrypt/Decrypt implement aes-cbc-plain(64): the IV is sectorIndex
// as a little-endian uint64, zero-padded to the block size, and the whole
// buffer is one CBC chain under that IV. Used by the LUKS1 keyslot-cipher
// path for volumes whose cipher mode is cbc-plain or cbc-plain64.
func AESCBCEncrypt(key []byte, sectorIndex uint64, plaintext []byte) ([]byte, error) {
	return cbcTransform(key, sectorIndex, plaintext, true)
}

func AESCBCDecrypt(key []byte, sectorIndex uint64, ciphertext []byte) ([]byte, error) {
	return cbcTransform(key, sectorIndex, ciphertext, false)
}

func cbcIV(sectorIndex uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint64(iv[:8], sectorIndex)
	return iv
}

func cbcTransform(key []byte, sectorIndex uint64, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		kind := lukserr.EncryptFailed
		if !encrypt {
			kind = lukserr.DecryptFailed
		}
		return nil, lukserr.Wrap(kind, "cbcTransform", err)
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, lukserr.Wrap(lukserr.BufferTooSmall, "cbcTransform", fmt.Errorf("data length %d not a multiple of block size", len(data)))
	}

	out := make([]byte, len(data))
	iv := cbcIV(sectorIndex)
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

// AESECBEncrypt/Decrypt implement the degenerate aes-ecb cipher, retained
// only because some legacy LUKS1 keyslot areas on real-world disks were
// formatted with it; never used by Format for new volumes.
func AESECBEncrypt(key, plaintext []byte) ([]byte, error) {
	return ecbTransform(key, plaintext, true)
}

func AESECBDecrypt(key, ciphertext []byte) ([]byte, error) {
	return ecbTransform(key, ciphertext, false)
}

func ecbTransform(key, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		kind := lukserr.EncryptFailed
		if !encrypt {
			kind = lukserr.DecryptFailed
		}
		return nil, lukserr.Wrap(kind, "ecbTransform", err)
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, lukserr.Wrap(lukserr.BufferTooSmall, "ecbTransform", fmt.Errorf("data length %d not a multiple of block size", len(data)))
	}

	out := make([]byte, len(data))
	for off := 0; off < len(data); off += aes.BlockSize {
		block := data[off : off+aes.BlockSize]
		dst := out[off : off+aes.BlockSize]
		if encrypt {
			newAESBlockCipher(key).Encrypt(dst, block)
		} else {
			newAESBlockCipher(key).Decrypt(dst, block)
		}
	}
	return out, nil
}

func newAESBlockCipher(key []byte) cipher.Block {
	block, _ := aes.NewCipher(key)
	return block
}
