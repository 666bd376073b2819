// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package luks2

import (
	"os"
	"strings"
	"testing"
)

// TestTokenLifecycle exercises the token administration surface end to end
// against a single formatted volume: listing, importing, exporting, updating,
// and removing FIDO2, TPM2, and raw-JSON tokens. Subtests share state and
// must run in order.
func TestTokenLifecycle(t *testing.T) {
	device := "/tmp/diskcrypt-token-lifecycle.img"
	defer os.Remove(device)
	createTempVolume(t, device, 32*1024*1024)

	opts := FormatOptions{
		Device:     device,
		Passphrase: []byte("diskcrypt-token-pass"),
		Label:      "token-lifecycle",
		KDFType:    "pbkdf2",
	}
	if err := Format(opts); err != nil {
		t.Fatalf("Format: %v", err)
	}

	t.Run("starts with no tokens", func(t *testing.T) {
		tokens, err := ListTokens(device)
		if err != nil {
			t.Fatalf("ListTokens: %v", err)
		}
		if len(tokens) != 0 {
			t.Errorf("len(tokens) = %d, want 0", len(tokens))
		}

		count, err := CountTokens(device)
		if err != nil {
			t.Fatalf("CountTokens: %v", err)
		}
		if count != 0 {
			t.Errorf("CountTokens = %d, want 0", count)
		}
	})

	t.Run("first free slot is zero", func(t *testing.T) {
		slot, err := FindFreeTokenSlot(device)
		if err != nil {
			t.Fatalf("FindFreeTokenSlot: %v", err)
		}
		if slot != 0 {
			t.Errorf("slot = %d, want 0", slot)
		}
	})

	t.Run("imports a FIDO2 token", func(t *testing.T) {
		token := &Token{
			Type:            "fido2-manual",
			Keyslots:        []string{"0"},
			FIDO2Credential: "dGVzdC1jcmVkZW50aWFs",
			FIDO2Salt:       "dGVzdC1zYWx0",
			FIDO2RP:         "test.example.com",
			FIDO2UPRequired: true,
		}
		if err := ImportToken(device, 0, token); err != nil {
			t.Fatalf("ImportToken: %v", err)
		}

		exists, err := TokenExists(device, 0)
		if err != nil {
			t.Fatalf("TokenExists: %v", err)
		}
		if !exists {
			t.Error("token 0 should exist after import")
		}
	})

	t.Run("reads the imported FIDO2 token back", func(t *testing.T) {
		token, err := GetToken(device, 0)
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		if token.Type != "fido2-manual" {
			t.Errorf("Type = %q, want fido2-manual", token.Type)
		}
		if token.FIDO2RP != "test.example.com" {
			t.Errorf("FIDO2RP = %q, want test.example.com", token.FIDO2RP)
		}
		if token.FIDO2Credential != "dGVzdC1jcmVkZW50aWFs" {
			t.Errorf("FIDO2Credential = %q", token.FIDO2Credential)
		}
		if !token.FIDO2UPRequired {
			t.Error("FIDO2UPRequired should be true")
		}
	})

	t.Run("exports the token as JSON", func(t *testing.T) {
		jsonData, err := ExportToken(device, 0)
		if err != nil {
			t.Fatalf("ExportToken: %v", err)
		}
		if len(jsonData) == 0 {
			t.Fatal("exported JSON is empty")
		}
		jsonStr := string(jsonData)
		if !strings.Contains(jsonStr, "fido2-manual") {
			t.Error("exported JSON missing token type")
		}
		if !strings.Contains(jsonStr, "test.example.com") {
			t.Error("exported JSON missing FIDO2 RP")
		}
	})

	t.Run("next free slot advances past slot zero", func(t *testing.T) {
		slot, err := FindFreeTokenSlot(device)
		if err != nil {
			t.Fatalf("FindFreeTokenSlot: %v", err)
		}
		if slot != 1 {
			t.Errorf("slot = %d, want 1", slot)
		}
	})

	t.Run("imports a TPM2 token at slot 5", func(t *testing.T) {
		token := &Token{
			Type:           "systemd-tpm2",
			Keyslots:       []string{"1"},
			TPM2Hash:       "sha256",
			TPM2PolicyHash: "dGVzdC1wb2xpY3ktaGFzaA==",
			TPM2PCRBank:    "sha256",
			TPM2PCRs:       []int{0, 1, 2, 3, 7},
			TPM2Blob:       "dGVzdC1ibG9i",
		}
		if err := ImportToken(device, 5, token); err != nil {
			t.Fatalf("ImportToken: %v", err)
		}
	})

	t.Run("lists both imported tokens", func(t *testing.T) {
		tokens, err := ListTokens(device)
		if err != nil {
			t.Fatalf("ListTokens: %v", err)
		}
		if len(tokens) != 2 {
			t.Errorf("len(tokens) = %d, want 2", len(tokens))
		}
		if _, ok := tokens[0]; !ok {
			t.Error("token 0 missing from list")
		}
		if _, ok := tokens[5]; !ok {
			t.Error("token 5 missing from list")
		}
	})

	t.Run("counts two tokens", func(t *testing.T) {
		count, err := CountTokens(device)
		if err != nil {
			t.Fatalf("CountTokens: %v", err)
		}
		if count != 2 {
			t.Errorf("CountTokens = %d, want 2", count)
		}
	})

	t.Run("imports a token from raw JSON", func(t *testing.T) {
		tokenJSON := []byte(`{
			"type": "custom-token",
			"keyslots": ["2"],
			"fido2-rp": "json-import.example.com"
		}`)
		if err := ImportTokenJSON(device, 10, tokenJSON); err != nil {
			t.Fatalf("ImportTokenJSON: %v", err)
		}

		token, err := GetToken(device, 10)
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		if token.Type != "custom-token" {
			t.Errorf("Type = %q, want custom-token", token.Type)
		}
	})

	t.Run("removes the TPM2 token", func(t *testing.T) {
		if err := RemoveToken(device, 5); err != nil {
			t.Fatalf("RemoveToken: %v", err)
		}
		exists, err := TokenExists(device, 5)
		if err != nil {
			t.Fatalf("TokenExists: %v", err)
		}
		if exists {
			t.Error("token 5 should not exist after removal")
		}
	})

	t.Run("removing an already-removed token reports ErrTokenNotFound", func(t *testing.T) {
		if err := RemoveToken(device, 5); err != ErrTokenNotFound {
			t.Errorf("err = %v, want ErrTokenNotFound", err)
		}
	})

	t.Run("reading an unused slot reports ErrTokenNotFound", func(t *testing.T) {
		if _, err := GetToken(device, 31); err != ErrTokenNotFound {
			t.Errorf("err = %v, want ErrTokenNotFound", err)
		}
	})

	t.Run("re-importing overwrites an existing token", func(t *testing.T) {
		token := &Token{
			Type:            "fido2-manual",
			Keyslots:        []string{"0"},
			FIDO2Credential: "dXBkYXRlZC1jcmVk",
			FIDO2Salt:       "dXBkYXRlZC1zYWx0",
			FIDO2RP:         "updated.example.com",
			FIDO2UPRequired: false,
		}
		if err := ImportToken(device, 0, token); err != nil {
			t.Fatalf("ImportToken: %v", err)
		}

		updated, err := GetToken(device, 0)
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		if updated.FIDO2RP != "updated.example.com" {
			t.Errorf("FIDO2RP = %q, want updated.example.com", updated.FIDO2RP)
		}
		if updated.FIDO2UPRequired {
			t.Error("FIDO2UPRequired should be false after overwrite")
		}
	})

	t.Run("final count reflects tokens 0 and 10", func(t *testing.T) {
		count, err := CountTokens(device)
		if err != nil {
			t.Fatalf("CountTokens: %v", err)
		}
		if count != 2 {
			t.Errorf("CountTokens = %d, want 2", count)
		}
	})
}
