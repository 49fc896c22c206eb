// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Human-readable parts for the bech32 encodings used by the runtime.
const (
	AgentPrefix     = "agent"
	UserPrefix      = "user"
	SignaturePrefix = "sig"
)

// derivationPrefix is mixed into seed derivation so that seeds shared
// with other key-derivation schemes yield unrelated keys.
const derivationPrefix = "agent"

// PrivateKeySize is the length of a raw secp256k1 private key.
const PrivateKeySize = 32

// Identity is an agent's signing key and derived address. It is
// immutable after construction and safe for concurrent use.
type Identity struct {
	key     *secp256k1.PrivateKey
	address string
}

// FromSeed derives an identity from a seed phrase and index. The
// derivation is deterministic; see the package documentation.
func FromSeed(seed string, index uint32) (*Identity, error) {
	if seed == "" {
		return nil, errors.New("identity: empty seed")
	}
	return FromPrivateKey(deriveKey(seed, index))
}

func deriveKey(seed string, index uint32) []byte {
	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)

	prefixHash := sha256.New()
	prefixHash.Write([]byte(derivationPrefix))
	prefixHash.Write(indexBytes[:])

	seedHash := sha256.Sum256([]byte(seed))

	outer := sha256.New()
	outer.Write(prefixHash.Sum(nil))
	outer.Write(seedHash[:])
	return outer.Sum(nil)
}

// Generate creates an identity from a fresh random key.
func Generate() (*Identity, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return newIdentity(key)
}

// FromPrivateKey wraps a raw 32-byte private key. The input slice is
// not retained.
func FromPrivateKey(raw []byte) (*Identity, error) {
	if len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("identity: private key has %d bytes, want %d", len(raw), PrivateKeySize)
	}
	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, errors.New("identity: private key is zero modulo the group order")
	}
	return newIdentity(key)
}

func newIdentity(key *secp256k1.PrivateKey) (*Identity, error) {
	address, err := EncodeAddress(AgentPrefix, key.PubKey().SerializeCompressed())
	if err != nil {
		return nil, err
	}
	return &Identity{key: key, address: address}, nil
}

// Address returns the agent address ("agent1...").
func (i *Identity) Address() string { return i.address }

// UserAddress returns the address of the same public key under the
// user prefix. Useful for clients that want a stable sender address
// without being treated as an agent.
func (i *Identity) UserAddress() string {
	address, _ := EncodeAddress(UserPrefix, i.PublicKey())
	return address
}

// PublicKey returns the 33-byte compressed public key.
func (i *Identity) PublicKey() []byte { return i.key.PubKey().SerializeCompressed() }

// SignDigest signs a 32-byte digest and returns the bech32 signature.
func (i *Identity) SignDigest(digest []byte) (string, error) {
	if len(digest) != sha256.Size {
		return "", fmt.Errorf("identity: digest has %d bytes, want %d", len(digest), sha256.Size)
	}
	// SignCompact prefixes a recovery byte; the wire form carries only
	// r||s since the verifier recovers the key from the address.
	compact := ecdsa.SignCompact(i.key, digest, true)
	return encodeSignature(compact[1:])
}

// Sign hashes data with SHA-256 and signs the result.
func (i *Identity) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	return i.SignDigest(digest[:])
}

// Zero overwrites the private scalar. The identity must not be used
// afterwards.
func (i *Identity) Zero() { i.key.Zero() }

// VerifyDigest checks that signature is a valid signature of digest by
// the key behind address. Returns ErrInvalidSignature for well-formed
// inputs that do not verify and a wrapped decoding error otherwise.
func VerifyDigest(address string, digest []byte, signature string) error {
	prefix, publicBytes, err := DecodeAddress(address)
	if err != nil {
		return err
	}
	if prefix != AgentPrefix && prefix != UserPrefix {
		return fmt.Errorf("%w: prefix %q cannot sign", ErrInvalidAddress, prefix)
	}
	publicKey, err := secp256k1.ParsePubKey(publicBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	raw, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow || r.IsZero() {
		return ErrInvalidSignature
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow || s.IsZero() {
		return ErrInvalidSignature
	}
	if !ecdsa.NewSignature(&r, &s).Verify(digest, publicKey) {
		return ErrInvalidSignature
	}
	return nil
}
