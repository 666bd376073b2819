// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks2

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// RecoveryKeyLength is the default recovery-key length in bytes (256 bits).
const RecoveryKeyLength = 32

// RecoveryKeyFormat is the textual encoding a recovery key is printed or
// stored in.
type RecoveryKeyFormat string

const (
	RecoveryKeyFormatHex    RecoveryKeyFormat = "hex"
	RecoveryKeyFormatBase64 RecoveryKeyFormat = "base64"
	// RecoveryKeyFormatDashed groups hex digits like a BitLocker recovery
	// key: XXXXXX-XXXXXX-...
	RecoveryKeyFormatDashed RecoveryKeyFormat = "dashed"
)

// encode renders key in this format.
func (f RecoveryKeyFormat) encode(key []byte) string {
	switch f {
	case RecoveryKeyFormatHex:
		return hex.EncodeToString(key)
	case RecoveryKeyFormatBase64:
		return base64.StdEncoding.EncodeToString(key)
	default:
		return dashedHexGroups(key)
	}
}

// RecoveryKey is a generated recovery passphrase plus the bookkeeping needed
// to present and re-verify it later.
type RecoveryKey struct {
	Key       []byte
	Formatted string
	Format    RecoveryKeyFormat
	KeyHash   string
	CreatedAt time.Time

	VolumeUUID string
	Keyslot    int

	// SaveError is set if the key was enrolled but writing it to
	// RecoveryKeyOptions.OutputPath failed; the volume change still stands.
	SaveError error
}

// Clear zeros the raw key material; call once the caller is done with it.
func (r *RecoveryKey) Clear() {
	if r.Key != nil {
		cryptoprim.Zero(r.Key)
		r.Key = nil
	}
	r.Formatted = ""
}

// RecoveryKeyOptions controls GenerateRecoveryKey/AddRecoveryKey.
type RecoveryKeyOptions struct {
	Length     int
	Format     RecoveryKeyFormat
	Keyslot    *int
	OutputPath string

	KDFType        string
	Argon2Time     int
	Argon2Memory   int
	Argon2Parallel int
}

func (o *RecoveryKeyOptions) withDefaults() *RecoveryKeyOptions {
	if o == nil {
		o = &RecoveryKeyOptions{}
	}
	clone := *o
	if clone.Length <= 0 {
		clone.Length = RecoveryKeyLength
	}
	if clone.Format == "" {
		clone.Format = RecoveryKeyFormatDashed
	}
	return &clone
}

// GenerateRecoveryKey produces length random bytes and renders them in the
// requested format, along with a SHA-256 hash for later verification.
func GenerateRecoveryKey(length int, format RecoveryKeyFormat) (*RecoveryKey, error) {
	if length <= 0 {
		length = RecoveryKeyLength
	}
	if format == "" {
		format = RecoveryKeyFormatDashed
	}

	key, err := cryptoprim.RandomBytes(length)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.IOFailed, "GenerateRecoveryKey", err)
	}

	hash, err := cryptoprim.Hash(cryptoprim.SHA256, key)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.KDFFailed, "GenerateRecoveryKey", err)
	}

	return &RecoveryKey{
		Key:       key,
		Formatted: format.encode(key),
		Format:    format,
		KeyHash:   hex.EncodeToString(hash),
		CreatedAt: time.Now(),
	}, nil
}

// AddRecoveryKey generates a recovery key and enrolls it into a fresh
// keyslot, authorized by existingPassphrase.
func AddRecoveryKey(device string, existingPassphrase []byte, opts *RecoveryKeyOptions) (*RecoveryKey, error) {
	opts = opts.withDefaults()

	recoveryKey, err := GenerateRecoveryKey(opts.Length, opts.Format)
	if err != nil {
		return nil, err
	}

	addOpts := &AddKeyOptions{
		Keyslot:        opts.Keyslot,
		KDFType:        opts.KDFType,
		Argon2Time:     opts.Argon2Time,
		Argon2Memory:   opts.Argon2Memory,
		Argon2Parallel: opts.Argon2Parallel,
	}
	if err := AddKey(device, existingPassphrase, recoveryKey.Key, addOpts); err != nil {
		recoveryKey.Clear()
		return nil, lukserr.Wrap(lukserr.KeyLookupFailed, "AddRecoveryKey", err)
	}

	if info, err := GetVolumeInfo(device); err == nil {
		recoveryKey.VolumeUUID = info.UUID
	}
	recoveryKey.Keyslot = resolveEnrolledSlot(device, opts.Keyslot)

	if opts.OutputPath != "" {
		if err := SaveRecoveryKey(recoveryKey, opts.OutputPath); err != nil {
			recoveryKey.SaveError = fmt.Errorf("save recovery key to %s: %w", opts.OutputPath, err)
		}
	}

	return recoveryKey, nil
}

// resolveEnrolledSlot reports which keyslot AddRecoveryKey just populated:
// the caller's explicit choice, or else the highest-numbered active slot.
func resolveEnrolledSlot(device string, requested *int) int {
	if requested != nil {
		return *requested
	}
	slots, err := ListKeyslots(device)
	if err != nil {
		return 0
	}
	max := 0
	for _, s := range slots {
		if s.ID > max {
			max = s.ID
		}
	}
	return max
}

// SaveRecoveryKey writes key to path as an owner-readable text file with a
// descriptive header, suitable for printing or handing to a user.
func SaveRecoveryKey(key *RecoveryKey, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "SaveRecoveryKey", fmt.Errorf("create directory: %w", err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# LUKS Recovery Key\n")
	fmt.Fprintf(&b, "# Store this key somewhere safe. It unlocks the volume if the primary\n")
	fmt.Fprintf(&b, "# passphrase is lost.\n#\n")
	fmt.Fprintf(&b, "# Volume UUID: %s\n", key.VolumeUUID)
	fmt.Fprintf(&b, "# Keyslot: %d\n", key.Keyslot)
	fmt.Fprintf(&b, "# Created: %s\n", key.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "# Key Hash (SHA-256): %s\n#\n", key.KeyHash)
	fmt.Fprintf(&b, "# Recovery Key:\n%s\n", key.Formatted)

	if err := os.WriteFile(path, []byte(b.String()), 0400); err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "SaveRecoveryKey", err)
	}
	return nil
}

// LoadRecoveryKey reads the first non-comment, non-blank line of a file
// written by SaveRecoveryKey and decodes it back to raw key bytes.
func LoadRecoveryKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- user-provided recovery key file path
	if err != nil {
		return nil, lukserr.Wrap(lukserr.IOFailed, "LoadRecoveryKey", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseRecoveryKey(line)
	}
	return nil, lukserr.Wrap(lukserr.BadParameter, "LoadRecoveryKey", fmt.Errorf("no recovery key found in %s", path))
}

// ParseRecoveryKey decodes a recovery key from any of the three formats
// GenerateRecoveryKey can produce, inferring which one from its shape.
func ParseRecoveryKey(formatted string) ([]byte, error) {
	formatted = strings.TrimSpace(formatted)

	if strings.Contains(formatted, "-") {
		return decodeHex(strings.ReplaceAll(formatted, "-", ""))
	}

	isHex := true
	for _, c := range strings.ToLower(formatted) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			isHex = false
			break
		}
	}
	if isHex && len(formatted)%2 == 0 {
		if key, err := decodeHex(formatted); err == nil {
			return key, nil
		}
	}
	if strings.HasSuffix(formatted, "=") || !isHex {
		if key, err := base64.StdEncoding.DecodeString(formatted); err == nil {
			return key, nil
		}
	}
	return decodeHex(formatted)
}

// VerifyRecoveryKey reports whether key unlocks any keyslot on device.
func VerifyRecoveryKey(device string, key []byte) (bool, error) {
	if err := ValidateDevicePath(device); err != nil {
		return false, err
	}
	_, metadata, err := ReadHeader(device)
	if err != nil {
		return false, lukserr.Wrap(lukserr.HeaderReadFailed, "VerifyRecoveryKey", err)
	}
	_, err = getMasterKey(device, key, metadata)
	return err == nil, nil
}

func dashedHexGroups(key []byte) string {
	hexStr := strings.ToUpper(hex.EncodeToString(key))
	const groupSize = 6
	groups := make([]string, 0, (len(hexStr)+groupSize-1)/groupSize)
	for i := 0; i < len(hexStr); i += groupSize {
		end := i + groupSize
		if end > len(hexStr) {
			end = len(hexStr)
		}
		groups = append(groups, hexStr[i:end])
	}
	return strings.Join(groups, "-")
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ToLower(strings.TrimSpace(s)))
}
