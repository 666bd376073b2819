// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks1

// Stat summarizes a LUKS1 header without unlocking any keyslot.
type Stat struct {
	UUID          string
	CipherName    string
	CipherMode    string
	HashSpec      string
	KeyBytes      int
	PayloadOffset uint64 // sectors
	ActiveSlots   []int
}

// GetStat reports hdr's identity and layout, no secret material involved.
func GetStat(hdr *Header) Stat {
	return Stat{
		UUID:          fieldToString(hdr.UUID[:]),
		CipherName:    fieldToString(hdr.CipherName[:]),
		CipherMode:    fieldToString(hdr.CipherMode[:]),
		HashSpec:      fieldToString(hdr.HashSpec[:]),
		KeyBytes:      int(hdr.KeyBytes),
		PayloadOffset: uint64(hdr.PayloadOffset),
		ActiveSlots:   FindFilledSlots(hdr),
	}
}

// Dump is a structured, no-secrets view of the full header, used by
// diagnostics/info commands.
type Dump struct {
	Stat
	Keyslots [NumKeyslots]KeyslotDump
}

// KeyslotDump is the no-secret-material view of one keyslot record.
type KeyslotDump struct {
	Active            bool
	Iterations        uint32
	KeyMaterialOffset uint32
	Stripes           uint32
}

// GetDump reports everything about hdr except the salts and MK digest.
func GetDump(hdr *Header) Dump {
	d := Dump{Stat: GetStat(hdr)}
	for i, slot := range hdr.Keyslots {
		d.Keyslots[i] = KeyslotDump{
			Active:            slot.Active == SlotActive,
			Iterations:        slot.Iterations,
			KeyMaterialOffset: slot.KeyMaterialOffset,
			Stripes:           slot.Stripes,
		}
	}
	return d
}
