// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package luks2

import (
	"os"
	"testing"
)

func TestFormatProducesReadableHeader(t *testing.T) {
	volumePath := "/tmp/diskcrypt-format-basic.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	opts := FormatOptions{
		Device:     volumePath,
		Passphrase: []byte("format-basic-pass"),
		Label:      "diskcrypt-basic",
		KDFType:    "argon2id",
	}
	if err := Format(opts); err != nil {
		t.Fatalf("Format: %v", err)
	}

	if _, _, err := ReadHeader(volumePath); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
}

func TestFormatAcrossKDFTypes(t *testing.T) {
	kdfTypes := []string{"pbkdf2", "argon2i", "argon2id"}

	for _, kdfType := range kdfTypes {
		t.Run(kdfType, func(t *testing.T) {
			volumePath := "/tmp/diskcrypt-format-kdf-" + kdfType + ".img"
			defer os.Remove(volumePath)
			createTempVolume(t, volumePath, 50*1024*1024)

			passphrase := []byte("format-kdf-pass-" + kdfType)
			opts := FormatOptions{
				Device:        volumePath,
				Passphrase:    passphrase,
				KDFType:       kdfType,
				PBKDFIterTime: 100,
				Argon2Time:    1,
				Argon2Memory:  65536,
			}
			if err := Format(opts); err != nil {
				t.Fatalf("Format: %v", err)
			}

			loopDev, err := SetupLoopDevice(volumePath)
			if err != nil {
				t.Fatalf("SetupLoopDevice: %v", err)
			}
			defer DetachLoopDevice(loopDev)

			volumeName := "diskcrypt-format-kdf-" + kdfType
			_ = Lock(volumeName)

			if err := Unlock(loopDev, passphrase, volumeName); err != nil {
				t.Fatalf("Unlock with KDF %s: %v", kdfType, err)
			}
			if err := Lock(volumeName); err != nil {
				t.Fatalf("Lock: %v", err)
			}
		})
	}
}

func TestFormatPersistsLabelAndSubsystem(t *testing.T) {
	volumePath := "/tmp/diskcrypt-format-metadata.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	const label = "MyDiskcryptVolume"
	const subsystem = "diskcrypt-subsystem"

	opts := FormatOptions{
		Device:     volumePath,
		Passphrase: []byte("format-metadata-pass"),
		Label:      label,
		Subsystem:  subsystem,
		KDFType:    "pbkdf2",
	}
	if err := Format(opts); err != nil {
		t.Fatalf("Format: %v", err)
	}

	hdr, _, err := ReadHeader(volumePath)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	if got := string(hdr.Label[:len(label)]); got != label {
		t.Errorf("header label = %q, want %q", got, label)
	}
	if got := string(hdr.SubsystemLabel[:len(subsystem)]); got != subsystem {
		t.Errorf("header subsystem label = %q, want %q", got, subsystem)
	}
}

func TestFormatRejectsBadDevices(t *testing.T) {
	cases := []struct {
		name string
		opts FormatOptions
	}{
		{"device path empty", FormatOptions{Device: "", Passphrase: []byte("whatever")}},
		{"device does not exist", FormatOptions{Device: "/nonexistent/diskcrypt/device", Passphrase: []byte("whatever")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Format(tc.opts); err == nil {
				t.Fatal("expected Format to return an error")
			}
		})
	}
}
