// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package luks2

import (
	"os"
	"testing"
	"time"
)

func TestGetVolumeInfoReportsFormatParameters(t *testing.T) {
	volumePath := "/tmp/diskcrypt-info-basic.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	opts := FormatOptions{
		Device:     volumePath,
		Passphrase: []byte("diskcrypt-info-pass"),
		KDFType:    "pbkdf2",
		Cipher:     "aes",
		CipherMode: "xts-plain64",
		KeySize:    512,
		SectorSize: 512,
		HashAlgo:   "sha256",
	}
	if err := Format(opts); err != nil {
		t.Fatalf("Format: %v", err)
	}

	info, err := GetVolumeInfo(volumePath)
	if err != nil {
		t.Fatalf("GetVolumeInfo: %v", err)
	}

	if info.UUID == "" {
		t.Error("UUID should not be empty")
	}
	if info.Version != LUKS2Version {
		t.Errorf("Version = %d, want %d", info.Version, LUKS2Version)
	}
	if info.Cipher != "aes-xts-plain64" {
		t.Errorf("Cipher = %q, want aes-xts-plain64", info.Cipher)
	}
	if info.SectorSize != 512 {
		t.Errorf("SectorSize = %d, want 512", info.SectorSize)
	}
	if len(info.ActiveKeyslots) == 0 {
		t.Fatal("expected at least one active keyslot")
	}

	hasKeyslot0 := false
	for _, slot := range info.ActiveKeyslots {
		if slot == 0 {
			hasKeyslot0 = true
			break
		}
	}
	if !hasKeyslot0 {
		t.Error("expected keyslot 0 to be active")
	}

	if info.Metadata == nil {
		t.Fatal("Metadata should not be nil")
	}
	if len(info.Metadata.Keyslots) == 0 {
		t.Error("expected metadata to contain keyslots")
	}
	if len(info.Metadata.Segments) == 0 {
		t.Error("expected metadata to contain segments")
	}
	if len(info.Metadata.Digests) == 0 {
		t.Error("expected metadata to contain digests")
	}
	if info.Metadata.Config == nil {
		t.Error("expected metadata config to be present")
	}
}

func TestGetVolumeInfoReportsLabel(t *testing.T) {
	volumePath := "/tmp/diskcrypt-info-label.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	const label = "diskcrypt-volume"
	opts := FormatOptions{
		Device:     volumePath,
		Passphrase: []byte("diskcrypt-info-pass"),
		Label:      label,
		KDFType:    "pbkdf2",
	}
	if err := Format(opts); err != nil {
		t.Fatalf("Format: %v", err)
	}

	info, err := GetVolumeInfo(volumePath)
	if err != nil {
		t.Fatalf("GetVolumeInfo: %v", err)
	}
	if info.Label != label {
		t.Errorf("Label = %q, want %q", info.Label, label)
	}
}

func TestGetVolumeInfoPersistsSubsystemInHeader(t *testing.T) {
	volumePath := "/tmp/diskcrypt-info-subsystem.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	const subsystem = "diskcrypt-subsystem"
	opts := FormatOptions{
		Device:     volumePath,
		Passphrase: []byte("diskcrypt-info-pass"),
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

	got := string(hdr.SubsystemLabel[:])
	for i, b := range got {
		if b == 0 {
			got = got[:i]
			break
		}
	}
	if got != subsystem {
		t.Errorf("subsystem label = %q, want %q", got, subsystem)
	}
}

func TestGetVolumeInfoReportsKDFParameters(t *testing.T) {
	kdfTypes := []string{"pbkdf2", "argon2id"}

	for _, kdfType := range kdfTypes {
		t.Run(kdfType, func(t *testing.T) {
			volumePath := "/tmp/diskcrypt-info-kdf-" + kdfType + ".img"
			defer os.Remove(volumePath)
			createTempVolume(t, volumePath, 50*1024*1024)

			opts := FormatOptions{
				Device:     volumePath,
				Passphrase: []byte("diskcrypt-info-pass"),
				KDFType:    kdfType,
			}
			if err := Format(opts); err != nil {
				t.Fatalf("Format: %v", err)
			}

			info, err := GetVolumeInfo(volumePath)
			if err != nil {
				t.Fatalf("GetVolumeInfo: %v", err)
			}
			if info.Metadata == nil {
				t.Fatal("Metadata should not be nil")
			}

			keyslot, ok := info.Metadata.Keyslots["0"]
			if !ok {
				t.Fatal("expected keyslot 0 to exist")
			}
			if keyslot.KDF == nil {
				t.Fatal("KDF should not be nil")
			}
			if keyslot.KDF.Type != kdfType {
				t.Errorf("KDF.Type = %q, want %q", keyslot.KDF.Type, kdfType)
			}

			switch kdfType {
			case "pbkdf2":
				if keyslot.KDF.Hash == "" {
					t.Error("pbkdf2 keyslot should report a hash")
				}
				if keyslot.KDF.Iterations == nil || *keyslot.KDF.Iterations <= 0 {
					t.Error("pbkdf2 keyslot should report positive iterations")
				}
			case "argon2id":
				if keyslot.KDF.Time == nil || *keyslot.KDF.Time <= 0 {
					t.Error("argon2id keyslot should report positive time cost")
				}
				if keyslot.KDF.Memory == nil || *keyslot.KDF.Memory <= 0 {
					t.Error("argon2id keyslot should report positive memory cost")
				}
				if keyslot.KDF.CPUs == nil || *keyslot.KDF.CPUs <= 0 {
					t.Error("argon2id keyslot should report a positive CPU count")
				}
			}
		})
	}
}

func TestGetVolumeInfoRejectsUnreadableVolumes(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{
			name: "file does not exist",
			setup: func(t *testing.T) string {
				return "/tmp/diskcrypt-info-missing.img"
			},
		},
		{
			name: "file is not a LUKS volume",
			setup: func(t *testing.T) string {
				path := "/tmp/diskcrypt-info-not-luks.img"
				data := make([]byte, 8192)
				for i := range data {
					data[i] = byte(i % 256)
				}
				if err := os.WriteFile(path, data, 0600); err != nil {
					t.Fatalf("WriteFile: %v", err)
				}
				return path
			},
		},
		{
			name: "both header checksums are corrupted",
			setup: func(t *testing.T) string {
				path := "/tmp/diskcrypt-info-corrupted.img"
				createTempVolume(t, path, 50*1024*1024)
				if err := Format(FormatOptions{Device: path, Passphrase: []byte("diskcrypt-corrupt-pass"), KDFType: "pbkdf2"}); err != nil {
					t.Fatalf("Format: %v", err)
				}

				f, err := os.OpenFile(path, os.O_RDWR, 0600)
				if err != nil {
					t.Fatalf("OpenFile: %v", err)
				}
				defer f.Close()
				garbage := make([]byte, 64)
				for i := range garbage {
					garbage[i] = 0xFF
				}
				if _, err := f.WriteAt(garbage, 0x1C0); err != nil {
					t.Fatalf("WriteAt: %v", err)
				}
				if _, err := f.WriteAt(garbage, LUKS2SecondaryOffset+0x1C0); err != nil {
					t.Fatalf("WriteAt: %v", err)
				}
				return path
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			device := tc.setup(t)
			defer os.Remove(device)

			if _, err := GetVolumeInfo(device); err == nil {
				t.Fatal("expected GetVolumeInfo to return an error")
			}
		})
	}
}

func TestIsUnlockedTracksDeviceMapperState(t *testing.T) {
	volumePath := "/tmp/diskcrypt-info-unlocked.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	passphrase := []byte("diskcrypt-info-pass")
	if err := Format(FormatOptions{Device: volumePath, Passphrase: passphrase, KDFType: "pbkdf2"}); err != nil {
		t.Fatalf("Format: %v", err)
	}

	loopDev, err := SetupLoopDevice(volumePath)
	if err != nil {
		t.Fatalf("SetupLoopDevice: %v", err)
	}
	defer DetachLoopDevice(loopDev)

	volumeName := "diskcrypt-info-unlocked"
	_ = Lock(volumeName)

	if err := Unlock(loopDev, passphrase, volumeName); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer Lock(volumeName)

	if !waitFor(5*time.Second, 100*time.Millisecond, func() bool { return IsUnlocked(volumeName) }) {
		t.Error("IsUnlocked should report true for an unlocked volume")
	}
}

func TestIsUnlockedReportsFalseBeforeUnlock(t *testing.T) {
	volumePath := "/tmp/diskcrypt-info-locked.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	if err := Format(FormatOptions{Device: volumePath, Passphrase: []byte("diskcrypt-info-pass"), KDFType: "pbkdf2"}); err != nil {
		t.Fatalf("Format: %v", err)
	}

	loopDev, err := SetupLoopDevice(volumePath)
	if err != nil {
		t.Fatalf("SetupLoopDevice: %v", err)
	}
	defer DetachLoopDevice(loopDev)

	if IsUnlocked("diskcrypt-info-never-unlocked") {
		t.Error("IsUnlocked should report false before Unlock is ever called")
	}
}

func TestIsUnlockedReportsFalseForUnknownVolume(t *testing.T) {
	if IsUnlocked("diskcrypt-info-nonexistent-12345") {
		t.Error("IsUnlocked should report false for a volume that was never created")
	}
}

func TestVolumeLockUnlockStateTransitions(t *testing.T) {
	volumePath := "/tmp/diskcrypt-info-transitions.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	passphrase := []byte("diskcrypt-info-pass")
	if err := Format(FormatOptions{Device: volumePath, Passphrase: passphrase, KDFType: "pbkdf2"}); err != nil {
		t.Fatalf("Format: %v", err)
	}

	loopDev, err := SetupLoopDevice(volumePath)
	if err != nil {
		t.Fatalf("SetupLoopDevice: %v", err)
	}
	defer DetachLoopDevice(loopDev)

	volumeName := "diskcrypt-info-transitions"
	_ = Lock(volumeName)

	if IsUnlocked(volumeName) {
		t.Fatal("volume should start locked")
	}

	if err := Unlock(loopDev, passphrase, volumeName); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !waitFor(5*time.Second, 100*time.Millisecond, func() bool { return IsUnlocked(volumeName) }) {
		t.Fatal("volume should report unlocked after Unlock")
	}

	if info, err := GetVolumeInfo(volumePath); err != nil || info.UUID == "" {
		t.Fatalf("GetVolumeInfo while unlocked: info=%+v err=%v", info, err)
	}

	if err := Lock(volumeName); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !waitFor(5*time.Second, 100*time.Millisecond, func() bool { return !IsUnlocked(volumeName) }) {
		t.Fatal("volume should report locked after Lock")
	}

	if info, err := GetVolumeInfo(volumePath); err != nil || info.UUID == "" {
		t.Fatalf("GetVolumeInfo while locked: info=%+v err=%v", info, err)
	}

	if err := Unlock(loopDev, passphrase, volumeName); err != nil {
		t.Fatalf("second Unlock: %v", err)
	}
	if !waitFor(5*time.Second, 100*time.Millisecond, func() bool { return IsUnlocked(volumeName) }) {
		t.Fatal("volume should report unlocked after second Unlock")
	}

	if err := Lock(volumeName); err != nil {
		t.Fatalf("final Lock: %v", err)
	}
}
