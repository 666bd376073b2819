// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks2

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jeremyhahn/go-diskcrypt/pkg/lukserr"
)

// MaxTokenSlots is the number of token ids a LUKS2 volume can address.
const MaxTokenSlots = 32

// ErrTokenNotFound is returned by token lookups that find nothing at the
// requested id.
var ErrTokenNotFound = fmt.Errorf("token not found")

// ErrNoFreeTokenSlot is returned by FindFreeTokenSlot when every id is taken.
var ErrNoFreeTokenSlot = fmt.Errorf("no free token slots available")

func tokenSlotID(tokenID int) (string, error) {
	if tokenID < 0 || tokenID >= MaxTokenSlots {
		return "", lukserr.Wrap(lukserr.BadParameter, "tokenSlotID", fmt.Errorf("token id %d out of range [0,%d)", tokenID, MaxTokenSlots))
	}
	return strconv.Itoa(tokenID), nil
}

// GetToken reads the token stored at tokenID.
func GetToken(device string, tokenID int) (*Token, error) {
	slotID, err := tokenSlotID(tokenID)
	if err != nil {
		return nil, err
	}

	_, metadata, err := ReadHeader(device)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.HeaderReadFailed, "GetToken", err)
	}

	token, exists := metadata.Tokens[slotID]
	if !exists {
		return nil, ErrTokenNotFound
	}
	return token, nil
}

// ListTokens returns every token on device, keyed by id.
func ListTokens(device string) (map[int]*Token, error) {
	_, metadata, err := ReadHeader(device)
	if err != nil {
		return nil, lukserr.Wrap(lukserr.HeaderReadFailed, "ListTokens", err)
	}

	result := make(map[int]*Token, len(metadata.Tokens))
	for key, token := range metadata.Tokens {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		result[id] = token
	}
	return result, nil
}

// ExportToken renders the token at tokenID as indented JSON.
func ExportToken(device string, tokenID int) ([]byte, error) {
	token, err := GetToken(device, tokenID)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return nil, lukserr.Wrap(lukserr.Unknown, "ExportToken", err)
	}
	return data, nil
}

// ImportToken writes token into slot tokenID, replacing whatever was there.
func ImportToken(device string, tokenID int, token *Token) error {
	slotID, err := tokenSlotID(tokenID)
	if err != nil {
		return err
	}
	if token == nil {
		return lukserr.Wrap(lukserr.BadParameter, "ImportToken", fmt.Errorf("token is nil"))
	}
	if token.Type == "" {
		return lukserr.Wrap(lukserr.BadParameter, "ImportToken", fmt.Errorf("token type is empty"))
	}
	if err := ValidateDevicePath(device); err != nil {
		return err
	}

	lock, err := AcquireFileLock(device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "ImportToken", err)
	}
	defer func() { _ = lock.Release() }()

	hdr, metadata, err := ReadHeader(device)
	if err != nil {
		return lukserr.Wrap(lukserr.HeaderReadFailed, "ImportToken", err)
	}
	if metadata.Tokens == nil {
		metadata.Tokens = make(map[string]*Token)
	}
	metadata.Tokens[slotID] = token
	hdr.SequenceID++

	return writeHeaderInternal(device, hdr, metadata)
}

// ImportTokenJSON parses tokenJSON and imports it at tokenID.
func ImportTokenJSON(device string, tokenID int, tokenJSON []byte) error {
	var token Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return lukserr.Wrap(lukserr.BadParameter, "ImportTokenJSON", err)
	}
	return ImportToken(device, tokenID, &token)
}

// RemoveToken deletes the token at tokenID.
func RemoveToken(device string, tokenID int) error {
	slotID, err := tokenSlotID(tokenID)
	if err != nil {
		return err
	}
	if err := ValidateDevicePath(device); err != nil {
		return err
	}

	lock, err := AcquireFileLock(device)
	if err != nil {
		return lukserr.Wrap(lukserr.IOFailed, "RemoveToken", err)
	}
	defer func() { _ = lock.Release() }()

	hdr, metadata, err := ReadHeader(device)
	if err != nil {
		return lukserr.Wrap(lukserr.HeaderReadFailed, "RemoveToken", err)
	}
	if _, exists := metadata.Tokens[slotID]; !exists {
		return ErrTokenNotFound
	}

	delete(metadata.Tokens, slotID)
	if len(metadata.Tokens) == 0 {
		metadata.Tokens = nil
	}
	hdr.SequenceID++

	return writeHeaderInternal(device, hdr, metadata)
}

// FindFreeTokenSlot returns the lowest unused token id.
func FindFreeTokenSlot(device string) (int, error) {
	_, metadata, err := ReadHeader(device)
	if err != nil {
		return -1, lukserr.Wrap(lukserr.HeaderReadFailed, "FindFreeTokenSlot", err)
	}
	for i := 0; i < MaxTokenSlots; i++ {
		if _, exists := metadata.Tokens[strconv.Itoa(i)]; !exists {
			return i, nil
		}
	}
	return -1, ErrNoFreeTokenSlot
}

// TokenExists reports whether a token is present at tokenID.
func TokenExists(device string, tokenID int) (bool, error) {
	slotID, err := tokenSlotID(tokenID)
	if err != nil {
		return false, err
	}
	_, metadata, err := ReadHeader(device)
	if err != nil {
		return false, lukserr.Wrap(lukserr.HeaderReadFailed, "TokenExists", err)
	}
	_, exists := metadata.Tokens[slotID]
	return exists, nil
}

// CountTokens returns how many tokens are on device.
func CountTokens(device string) (int, error) {
	_, metadata, err := ReadHeader(device)
	if err != nil {
		return 0, lukserr.Wrap(lukserr.HeaderReadFailed, "CountTokens", err)
	}
	return len(metadata.Tokens), nil
}
