// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package cliops

import "github.com/jeremyhahn/go-diskcrypt/pkg/luks2"

// KeyManagementOperations is the keyslot/token/recovery-key surface a LUKS2
// administration CLI drives on top of the base LuksV2Operations lifecycle.
type KeyManagementOperations interface {
	AddKey(device string, existingPassphrase, newPassphrase []byte, opts *luks2.AddKeyOptions) error
	RemoveKey(device string, passphrase []byte, keyslot int) error
	ChangeKey(device string, oldPassphrase, newPassphrase []byte, keyslot int) error
	KillKeyslot(device string, keyslot int) error
	ListKeyslots(device string) ([]luks2.KeyslotInfo, error)

	AddRecoveryKey(device string, existingPassphrase []byte, opts *luks2.RecoveryKeyOptions) (*luks2.RecoveryKey, error)
	VerifyRecoveryKey(device string, key []byte) (bool, error)

	GetToken(device string, tokenID int) (*luks2.Token, error)
	ListTokens(device string) (map[int]*luks2.Token, error)
	ImportTokenJSON(device string, tokenID int, tokenJSON []byte) error
	RemoveToken(device string, tokenID int) error
	FindFreeTokenSlot(device string) (int, error)

	BenchmarkPBKDF2(hashAlgo string, keySize, targetMs int) (int, error)
}

// DefaultKeyManagementOperations implements KeyManagementOperations against
// the real luks2 package.
type DefaultKeyManagementOperations struct{}

func (d *DefaultKeyManagementOperations) AddKey(device string, existingPassphrase, newPassphrase []byte, opts *luks2.AddKeyOptions) error {
	return luks2.AddKey(device, existingPassphrase, newPassphrase, opts)
}

func (d *DefaultKeyManagementOperations) RemoveKey(device string, passphrase []byte, keyslot int) error {
	return luks2.RemoveKey(device, passphrase, keyslot)
}

func (d *DefaultKeyManagementOperations) ChangeKey(device string, oldPassphrase, newPassphrase []byte, keyslot int) error {
	return luks2.ChangeKey(device, oldPassphrase, newPassphrase, keyslot)
}

func (d *DefaultKeyManagementOperations) KillKeyslot(device string, keyslot int) error {
	return luks2.KillKeyslot(device, keyslot)
}

func (d *DefaultKeyManagementOperations) ListKeyslots(device string) ([]luks2.KeyslotInfo, error) {
	return luks2.ListKeyslots(device)
}

func (d *DefaultKeyManagementOperations) AddRecoveryKey(device string, existingPassphrase []byte, opts *luks2.RecoveryKeyOptions) (*luks2.RecoveryKey, error) {
	return luks2.AddRecoveryKey(device, existingPassphrase, opts)
}

func (d *DefaultKeyManagementOperations) VerifyRecoveryKey(device string, key []byte) (bool, error) {
	return luks2.VerifyRecoveryKey(device, key)
}

func (d *DefaultKeyManagementOperations) GetToken(device string, tokenID int) (*luks2.Token, error) {
	return luks2.GetToken(device, tokenID)
}

func (d *DefaultKeyManagementOperations) ListTokens(device string) (map[int]*luks2.Token, error) {
	return luks2.ListTokens(device)
}

func (d *DefaultKeyManagementOperations) ImportTokenJSON(device string, tokenID int, tokenJSON []byte) error {
	return luks2.ImportTokenJSON(device, tokenID, tokenJSON)
}

func (d *DefaultKeyManagementOperations) RemoveToken(device string, tokenID int) error {
	return luks2.RemoveToken(device, tokenID)
}

func (d *DefaultKeyManagementOperations) FindFreeTokenSlot(device string) (int, error) {
	return luks2.FindFreeTokenSlot(device)
}

func (d *DefaultKeyManagementOperations) BenchmarkPBKDF2(hashAlgo string, keySize, targetMs int) (int, error) {
	return luks2.BenchmarkPBKDF2(hashAlgo, keySize, targetMs)
}
