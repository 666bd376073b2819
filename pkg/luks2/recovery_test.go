// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package luks2

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateRecoveryKeyAcrossFormatsAndLengths(t *testing.T) {
	cases := []struct {
		name     string
		length   int
		format   RecoveryKeyFormat
		wantLen  int
	}{
		{"length 0 falls back to RecoveryKeyLength", 0, RecoveryKeyFormatHex, RecoveryKeyLength},
		{"32 bytes hex", 32, RecoveryKeyFormatHex, 32},
		{"64 bytes base64", 64, RecoveryKeyFormatBase64, 64},
		{"32 bytes dashed", 32, RecoveryKeyFormatDashed, 32},
		{"empty format defaults to dashed", 32, "", 32},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := GenerateRecoveryKey(tc.length, tc.format)
			if err != nil {
				t.Fatalf("GenerateRecoveryKey: %v", err)
			}

			if len(key.Key) != tc.wantLen {
				t.Errorf("len(Key) = %d, want %d", len(key.Key), tc.wantLen)
			}
			if key.Formatted == "" {
				t.Error("Formatted should not be empty")
			}
			if key.KeyHash == "" {
				t.Error("KeyHash should not be empty")
			}
			if key.CreatedAt.IsZero() {
				t.Error("CreatedAt should be set")
			}

			wantFormat := tc.format
			if wantFormat == "" {
				wantFormat = RecoveryKeyFormatDashed
			}
			if key.Format != wantFormat {
				t.Errorf("Format = %s, want %s", key.Format, wantFormat)
			}
		})
	}
}

func TestFormatDashedKeyGroupsIntoTriplets(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
		want string
	}{
		{"six bytes", []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, "010203-040506"},
		{"twelve bytes", []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, "AABBCC-DDEEFF-112233-445566"},
		{"uneven remainder", []byte{0x01, 0x02, 0x03, 0x04, 0x05}, "010203-0405"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := dashedHexGroups(tc.key); got != tc.want {
				t.Errorf("dashedHexGroups(%x) = %q, want %q", tc.key, got, tc.want)
			}
		})
	}
}

func TestParseRecoveryKeyInfersFormat(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{"dashed", "AABBCC-DDEEFF-112233-445566", 12, false},
		{"bare hex", "aabbccddeeff112233445566", 12, false},
		{"base64", "qrvM3e7/ESIzRFVm", 12, false},
		{"hex with surrounding whitespace", "  aabbccddeeff  ", 6, false},
		{"invalid hex characters", "gghhii", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ParseRecoveryKey(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRecoveryKey: %v", err)
			}
			if len(key) != tc.wantLen {
				t.Errorf("len(key) = %d, want %d", len(key), tc.wantLen)
			}
		})
	}
}

func TestRecoveryKeyGenerateParseRoundTrip(t *testing.T) {
	original, err := GenerateRecoveryKey(32, RecoveryKeyFormatDashed)
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}

	parsed, err := ParseRecoveryKey(original.Formatted)
	if err != nil {
		t.Fatalf("ParseRecoveryKey: %v", err)
	}

	if hex.EncodeToString(original.Key) != hex.EncodeToString(parsed) {
		t.Error("parsed key does not match the key that was generated")
	}
}

func TestSaveRecoveryKeySetsRestrictivePermissionsAndLoadsBack(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "diskcrypt-recovery-key-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	key, err := GenerateRecoveryKey(32, RecoveryKeyFormatDashed)
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	key.VolumeUUID = "diskcrypt-test-uuid"
	key.Keyslot = 2

	keyPath := filepath.Join(tmpDir, "recovery-key.txt")
	if err := SaveRecoveryKey(key, keyPath); err != nil {
		t.Fatalf("SaveRecoveryKey: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0400 {
		t.Errorf("file mode = %o, want 0400", info.Mode().Perm())
	}

	loaded, err := LoadRecoveryKey(keyPath)
	if err != nil {
		t.Fatalf("LoadRecoveryKey: %v", err)
	}
	if hex.EncodeToString(key.Key) != hex.EncodeToString(loaded) {
		t.Error("loaded key does not match the saved key")
	}
}

func TestSaveRecoveryKeyWritesHumanReadableContent(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "diskcrypt-recovery-key-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	key := &RecoveryKey{
		Key:        []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		Formatted:  "010203-040506",
		Format:     RecoveryKeyFormatDashed,
		KeyHash:    "testhash",
		VolumeUUID: "diskcrypt-test-uuid",
		Keyslot:    1,
	}

	keyPath := filepath.Join(tmpDir, "recovery-key.txt")
	if err := SaveRecoveryKey(key, keyPath); err != nil {
		t.Fatalf("SaveRecoveryKey: %v", err)
	}

	content, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	contentStr := string(content)

	if !strings.Contains(contentStr, "LUKS Recovery Key") {
		t.Error("missing expected header")
	}
	if !strings.Contains(contentStr, "diskcrypt-test-uuid") {
		t.Error("missing volume UUID")
	}
	if !strings.Contains(contentStr, "Keyslot: 1") {
		t.Error("missing keyslot")
	}
	if !strings.Contains(contentStr, "010203-040506") {
		t.Error("missing formatted recovery key")
	}
}

func TestRecoveryKeyClearZeroesFields(t *testing.T) {
	key, err := GenerateRecoveryKey(32, RecoveryKeyFormatHex)
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	if len(key.Key) == 0 || key.Formatted == "" {
		t.Fatal("key should be populated before Clear")
	}

	key.Clear()

	if key.Key != nil {
		t.Error("Key should be nil after Clear")
	}
	if key.Formatted != "" {
		t.Error("Formatted should be empty after Clear")
	}
}

func TestRecoveryKeyFormatConstants(t *testing.T) {
	if RecoveryKeyFormatHex != "hex" {
		t.Errorf("RecoveryKeyFormatHex = %s, want hex", RecoveryKeyFormatHex)
	}
	if RecoveryKeyFormatBase64 != "base64" {
		t.Errorf("RecoveryKeyFormatBase64 = %s, want base64", RecoveryKeyFormatBase64)
	}
	if RecoveryKeyFormatDashed != "dashed" {
		t.Errorf("RecoveryKeyFormatDashed = %s, want dashed", RecoveryKeyFormatDashed)
	}
	if RecoveryKeyLength != 32 {
		t.Errorf("RecoveryKeyLength = %d, want 32", RecoveryKeyLength)
	}
}

func TestRecoveryKeyOptionsFieldAssignment(t *testing.T) {
	opts := &RecoveryKeyOptions{
		Length:         64,
		Format:         RecoveryKeyFormatHex,
		Keyslot:        intPtr(5),
		OutputPath:     "/tmp/diskcrypt-recovery-key.txt",
		KDFType:        "argon2id",
		Argon2Time:     4,
		Argon2Memory:   1048576,
		Argon2Parallel: 4,
	}

	if opts.Length != 64 {
		t.Errorf("Length = %d, want 64", opts.Length)
	}
	if opts.Format != RecoveryKeyFormatHex {
		t.Errorf("Format = %s, want hex", opts.Format)
	}
	if *opts.Keyslot != 5 {
		t.Errorf("Keyslot = %d, want 5", *opts.Keyslot)
	}
	if opts.OutputPath != "/tmp/diskcrypt-recovery-key.txt" {
		t.Errorf("OutputPath = %s", opts.OutputPath)
	}
}

func TestDecodeHexTrimsAndValidates(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"lowercase", "aabbccdd", []byte{0xAA, 0xBB, 0xCC, 0xDD}, false},
		{"uppercase", "AABBCCDD", []byte{0xAA, 0xBB, 0xCC, 0xDD}, false},
		{"surrounding whitespace", "  aabbccdd  ", []byte{0xAA, 0xBB, 0xCC, 0xDD}, false},
		{"invalid characters", "gghhii", nil, true},
		{"odd length", "aabbc", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeHex(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeHex: %v", err)
			}
			if hex.EncodeToString(got) != hex.EncodeToString(tc.want) {
				t.Errorf("decodeHex(%q) = %x, want %x", tc.input, got, tc.want)
			}
		})
	}
}

func TestLoadRecoveryKeyRejectsMissingOrEmptyFile(t *testing.T) {
	if _, err := LoadRecoveryKey("/nonexistent/path/key.txt"); err == nil {
		t.Error("expected an error for a missing file")
	}

	tmpDir, err := os.MkdirTemp("", "diskcrypt-recovery-key-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	keyPath := filepath.Join(tmpDir, "empty-key.txt")
	if err := os.WriteFile(keyPath, []byte("# Comment only\n"), 0400); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadRecoveryKey(keyPath); err == nil {
		t.Error("expected an error for a comment-only file")
	}
}
