// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package activation assembles a device-mapper crypt mapping request from a
// recovered master key and hands it off to the host-provided device-mapper
// mechanism. It owns none of the kernel DM RPC itself — that is
// github.com/anatol/devmapper.go's job — only the translation from LUKS
// master key + cipher spec into the mapping request shape DM expects.
package activation

import (
	"fmt"
	"strings"

	"github.com/anatol/devmapper.go"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// MappingRequest is the fully assembled device-mapper crypt target
// request: everything needed to activate one LUKS volume.
type MappingRequest struct {
	Name          string
	BackendDevice string
	Start         uint64 // sectors
	Length        uint64 // sectors
	BackendOffset uint64 // sectors
	Encryption    string // e.g. "aes-xts-plain64" or the integrity-composed form
	Key           []byte
	IVTweak       uint64
	SectorSize    uint64
}

// IntegritySpec composes an authenticated-encryption cipher string from a
// base cipher and a dm-integrity algorithm, producing the form
// "capi:authenc(<integrity>,xts(aes))-plain64".
func IntegritySpec(baseEncryption, integrityAlgo string) (string, error) {
	parts := strings.SplitN(baseEncryption, "-", 3)
	if len(parts) < 2 || parts[0] != "aes" || parts[1] != "xts" {
		return "", lukserr.Wrap(lukserr.Unsupported, "IntegritySpec", fmt.Errorf("integrity composition requires an aes-xts base cipher, got %q", baseEncryption))
	}
	iv := "plain64"
	if len(parts) == 3 {
		iv = parts[2]
	}
	return fmt.Sprintf("capi:authenc(%s,xts(aes))-%s", integrityAlgo, iv), nil
}

// BuildMapping assembles a MappingRequest for a plain (non-integrity)
// crypt segment: cipher, master key, and sector offsets relative to the
// backend device.
func BuildMapping(name, backendDevice string, backendOffsetSectors, lengthSectors uint64, encryption string, key []byte, ivTweak, sectorSize uint64) MappingRequest {
	return MappingRequest{
		Name:          name,
		BackendDevice: backendDevice,
		Start:         0,
		Length:        lengthSectors,
		BackendOffset: backendOffsetSectors,
		Encryption:    encryption,
		Key:           key,
		IVTweak:       ivTweak,
		SectorSize:    sectorSize,
	}
}

// Activate hands a MappingRequest to the device-mapper mechanism,
// creating and loading the "crypt" target under /dev/mapper/<name>.
func Activate(req MappingRequest, uuid string) error {
	table := devmapper.CryptTable{
		Start:         req.Start,
		Length:        req.Length,
		BackendDevice: req.BackendDevice,
		BackendOffset: req.BackendOffset,
		Encryption:    req.Encryption,
		Key:           req.Key,
		IVTweak:       req.IVTweak,
		SectorSize:    req.SectorSize,
	}

	if err := devmapper.CreateAndLoad(req.Name, uuid, 0, table); err != nil {
		return lukserr.New(lukserr.IOFailed, "Activate", req.BackendDevice, fmt.Errorf("device-mapper create failed: %w", err))
	}
	return nil
}

// Deactivate tears down a mapping previously created by Activate.
func Deactivate(name string) error {
	if err := devmapper.Remove(name); err != nil {
		return lukserr.New(lukserr.IOFailed, "Deactivate", name, err)
	}
	return nil
}

// IsActive reports whether name already has a device-mapper mapping.
func IsActive(name string) bool {
	_, err := devmapper.InfoByName(name)
	return err == nil
}
