// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package af

import (
	"bytes"
	"testing"

	"github.com/jeremyhahn/go-diskcrypt/pkg/cryptoprim"
)

func TestSplitMergeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		dataSize int
		stripes  int
		spec     cryptoprim.HashSpec
	}{
		{"16byte_4stripes_sha256", 16, 4, cryptoprim.SHA256},
		{"32byte_2stripes_sha256", 32, 2, cryptoprim.SHA256},
		{"32byte_4000stripes_sha256", 32, 4000, cryptoprim.SHA256},
		{"64byte_4stripes_sha512", 64, 4, cryptoprim.SHA512},
		{"64byte_10stripes_sha512", 64, 10, cryptoprim.SHA512},
		{"20byte_8stripes_sha1", 20, 8, cryptoprim.SHA1},
		{"48byte_8stripes_sha384", 48, 8, cryptoprim.SHA384},
		{"20byte_4stripes_ripemd160", 20, 4, cryptoprim.RIPEMD160},
		{"128byte_64stripes_sha512", 128, 64, cryptoprim.SHA512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := cryptoprim.RandomBytes(tt.dataSize)
			if err != nil {
				t.Fatalf("RandomBytes: %v", err)
			}

			split, err := Split(data, tt.stripes, tt.spec)
			if err != nil {
				t.Fatalf("Split: %v", err)
			}
			if len(split) != tt.dataSize*tt.stripes {
				t.Fatalf("expected split size %d, got %d", tt.dataSize*tt.stripes, len(split))
			}

			merged, err := Merge(split, tt.stripes, tt.dataSize, tt.spec)
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}
			if !bytes.Equal(merged, data) {
				t.Fatalf("round trip mismatch: got %x, want %x", merged, data)
			}
		})
	}
}

func TestSplitInvalidStripes(t *testing.T) {
	data := make([]byte, 32)
	for _, stripes := range []int{0, -1, -100} {
		if _, err := Split(data, stripes, cryptoprim.SHA256); err == nil {
			t.Fatalf("expected error for stripes=%d, got nil", stripes)
		}
	}
}

func TestSplitUnsupportedHash(t *testing.T) {
	data := make([]byte, 32)
	if _, err := Split(data, 4, cryptoprim.HashSpec("md5")); err == nil {
		t.Fatal("expected error for unsupported hash spec, got nil")
	}
}

func TestMergeRejectsWrongSize(t *testing.T) {
	if _, err := Merge(make([]byte, 10), 4, 4, cryptoprim.SHA256); err == nil {
		t.Fatal("expected error for mismatched split data size, got nil")
	}
}

func TestSplitProducesDistinctStripesOnEachCall(t *testing.T) {
	data := make([]byte, 32)
	a, err := Split(data, 4, cryptoprim.SHA256)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	b, err := Split(data, 4, cryptoprim.SHA256)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two Split calls over the same data produced identical output")
	}
}
