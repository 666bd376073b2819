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

func waitFor(timeout time.Duration, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

func createTempVolume(t *testing.T, path string, size int64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate %s: %v", path, err)
	}
}

func TestUnlockAndLockRoundTrip(t *testing.T) {
	volumePath := "/tmp/diskcrypt-unlock-roundtrip.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	passphrase := []byte("roundtrip-pass")
	if err := Format(FormatOptions{Device: volumePath, Passphrase: passphrase, KDFType: "pbkdf2"}); err != nil {
		t.Fatalf("Format: %v", err)
	}

	loopDev, err := SetupLoopDevice(volumePath)
	if err != nil {
		t.Fatalf("SetupLoopDevice: %v", err)
	}
	defer DetachLoopDevice(loopDev)

	volumeName := "diskcrypt-unlock-roundtrip"
	_ = Lock(volumeName)

	if err := Unlock(loopDev, passphrase, volumeName); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !waitFor(5*time.Second, 100*time.Millisecond, func() bool { return IsUnlocked(volumeName) }) {
		t.Fatal("volume never reported unlocked")
	}

	if err := Lock(volumeName); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !waitFor(5*time.Second, 100*time.Millisecond, func() bool { return !IsUnlocked(volumeName) }) {
		t.Fatal("volume never reported locked")
	}
}

func TestUnlockRejectsWrongPassphrase(t *testing.T) {
	volumePath := "/tmp/diskcrypt-unlock-wrongpass.img"
	defer os.Remove(volumePath)
	createTempVolume(t, volumePath, 50*1024*1024)

	if err := Format(FormatOptions{Device: volumePath, Passphrase: []byte("the-real-passphrase"), KDFType: "pbkdf2"}); err != nil {
		t.Fatalf("Format: %v", err)
	}

	loopDev, err := SetupLoopDevice(volumePath)
	if err != nil {
		t.Fatalf("SetupLoopDevice: %v", err)
	}
	defer DetachLoopDevice(loopDev)

	volumeName := "diskcrypt-unlock-wrongpass"
	if err := Unlock(loopDev, []byte("an-incorrect-passphrase"), volumeName); err == nil {
		_ = Lock(volumeName)
		t.Fatal("expected Unlock to reject the wrong passphrase")
	}
}

func TestUnlockRejectsBadInputs(t *testing.T) {
	cases := []struct {
		name       string
		device     string
		passphrase []byte
		volumeName string
	}{
		{"device does not exist", "/dev/diskcrypt-nonexistent", []byte("whatever"), "diskcrypt-bad-input-a"},
		{"volume name is empty", "/dev/loop0", []byte("whatever"), ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Unlock(tc.device, tc.passphrase, tc.volumeName); err == nil {
				_ = Lock(tc.volumeName)
				t.Fatal("expected Unlock to return an error")
			}
		})
	}
}

func TestLockRejectsUnknownVolume(t *testing.T) {
	if err := Lock("diskcrypt-this-volume-was-never-opened"); err == nil {
		t.Fatal("expected Lock to fail for a volume that was never unlocked")
	}
}
