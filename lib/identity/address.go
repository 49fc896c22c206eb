// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

var (
	// ErrInvalidAddress is returned for strings that are not a
	// well-formed bech32 address with a known prefix and key length.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidSignature is returned when a signature is malformed or
	// does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

const (
	compressedKeySize = 33
	signatureSize     = 64
)

// EncodeAddress bech32-encodes a compressed public key under prefix.
func EncodeAddress(prefix string, publicKey []byte) (string, error) {
	if len(publicKey) != compressedKeySize {
		return "", fmt.Errorf("%w: public key has %d bytes, want %d", ErrInvalidAddress, len(publicKey), compressedKeySize)
	}
	converted, err := bech32.ConvertBits(publicKey, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("converting public key to base32: %w", err)
	}
	address, err := bech32.Encode(prefix, converted)
	if err != nil {
		return "", fmt.Errorf("bech32 encoding address: %w", err)
	}
	return address, nil
}

// DecodeAddress returns the prefix and 33-byte public key of an
// address.
func DecodeAddress(address string) (string, []byte, error) {
	prefix, data, err := bech32.Decode(address)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	publicKey, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(publicKey) != compressedKeySize {
		return "", nil, fmt.Errorf("%w: decoded key has %d bytes, want %d", ErrInvalidAddress, len(publicKey), compressedKeySize)
	}
	return prefix, publicKey, nil
}

// ValidateAddress returns nil if address is a well-formed agent or
// user address.
func ValidateAddress(address string) error {
	prefix, _, err := DecodeAddress(address)
	if err != nil {
		return err
	}
	if prefix != AgentPrefix && prefix != UserPrefix {
		return fmt.Errorf("%w: unknown prefix %q", ErrInvalidAddress, prefix)
	}
	return nil
}

// IsAgentAddress reports whether address is a well-formed agent
// address.
func IsAgentAddress(address string) bool {
	prefix, _, err := DecodeAddress(address)
	return err == nil && prefix == AgentPrefix
}

// IsUserAddress reports whether address is a well-formed user address.
func IsUserAddress(address string) bool {
	prefix, _, err := DecodeAddress(address)
	return err == nil && prefix == UserPrefix
}

func encodeSignature(raw []byte) (string, error) {
	converted, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("converting signature to base32: %w", err)
	}
	encoded, err := bech32.Encode(SignaturePrefix, converted)
	if err != nil {
		return "", fmt.Errorf("bech32 encoding signature: %w", err)
	}
	return encoded, nil
}

// decodeSignature accepts strings longer than the 90-character BIP-173
// limit, which every 64-byte signature exceeds.
func decodeSignature(signature string) ([]byte, error) {
	prefix, data, err := bech32.DecodeNoLimit(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if prefix != SignaturePrefix {
		return nil, fmt.Errorf("%w: prefix %q", ErrInvalidSignature, prefix)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != signatureSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidSignature, len(raw), signatureSize)
	}
	return raw, nil
}
