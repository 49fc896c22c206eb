// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the wire container for one message between
// two agent addresses.
//
// An envelope is JSON:
//
//	{
//	  "version": 1,
//	  "sender": "agent1q...",
//	  "target": "agent1q...",
//	  "session": "8c5b7a3e-...",
//	  "schema_digest": "model:...",
//	  "protocol_digest": "proto:...",
//	  "payload": "eyJhbW91bnQiOjV9",
//	  "expires": 1767225600,
//	  "nonce": 42,
//	  "signature": "sig1..."
//	}
//
// The payload is the message's JSON encoding, base64-encoded. The
// signature covers a SHA-256 digest of the sender, target, session,
// schema digest, decoded payload bytes and (when present) the expiry
// and nonce as 8-byte big-endian integers. The protocol digest is
// advisory and not signed.
package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/identity"
	"github.com/bureau-foundation/courier/lib/model"
)

// Version is the envelope format version written by this package.
const Version = 1

var (
	// ErrMissingSignature is returned when an envelope from an agent
	// address carries no signature.
	ErrMissingSignature = errors.New("envelope is not signed")

	// ErrInvalidSignature is returned when a signature does not verify
	// against the sender address and envelope digest.
	ErrInvalidSignature = errors.New("envelope signature is invalid")
)

// Envelope is one addressed, optionally signed message.
type Envelope struct {
	Version        int       `json:"version"`
	Sender         string    `json:"sender"`
	Target         string    `json:"target"`
	Session        uuid.UUID `json:"session"`
	SchemaDigest   string    `json:"schema_digest"`
	ProtocolDigest string    `json:"protocol_digest,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	Expires        *int64    `json:"expires,omitempty"`
	Nonce          *uint64   `json:"nonce,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// New builds an unsigned envelope carrying message. The schema digest
// is computed from message's type.
func New(sender, target string, session uuid.UUID, message any) (*Envelope, error) {
	envelope := &Envelope{
		Version: Version,
		Sender:  sender,
		Target:  target,
		Session: session,
	}
	if err := envelope.EncodePayload(message); err != nil {
		return nil, err
	}
	return envelope, nil
}

// EncodePayload JSON-encodes message into the payload and sets the
// schema digest to match.
func (e *Envelope) EncodePayload(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", model.Name(message), err)
	}
	e.SchemaDigest = model.Digest(message)
	e.Payload = base64.StdEncoding.EncodeToString(data)
	return nil
}

// RawPayload returns the decoded payload bytes (the message JSON).
func (e *Envelope) RawPayload() ([]byte, error) {
	if e.Payload == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals the payload JSON into target.
func (e *Envelope) DecodePayload(target any) error {
	data, err := e.RawPayload()
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding %s payload: %w", model.Name(target), err)
	}
	return nil
}

// SetExpiry makes the envelope expire at deadline.
func (e *Envelope) SetExpiry(deadline time.Time) {
	unix := deadline.Unix()
	e.Expires = &unix
}

// Expired reports whether the envelope carries an expiry at or before
// now. Envelopes without an expiry never expire.
func (e *Envelope) Expired(now time.Time) bool {
	return e.Expires != nil && now.Unix() >= *e.Expires
}

// Digest is the SHA-256 digest covered by the signature. The payload
// is length-prefixed and each optional field is preceded by a presence
// byte, so no signed value can be moved into a neighbouring field.
func (e *Envelope) Digest() ([]byte, error) {
	hasher := sha256.New()
	hasher.Write([]byte(e.Sender))
	hasher.Write([]byte(e.Target))
	hasher.Write([]byte(e.Session.String()))
	hasher.Write([]byte(e.SchemaDigest))
	payload, err := e.RawPayload()
	if err != nil {
		return nil, err
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(len(payload)))
	hasher.Write(scratch[:])
	hasher.Write(payload)

	writeOptional := func(present bool, value uint64) {
		if !present {
			hasher.Write([]byte{0})
			return
		}
		hasher.Write([]byte{1})
		binary.BigEndian.PutUint64(scratch[:], value)
		hasher.Write(scratch[:])
	}
	var expires, nonce uint64
	if e.Expires != nil {
		expires = uint64(*e.Expires)
	}
	if e.Nonce != nil {
		nonce = *e.Nonce
	}
	writeOptional(e.Expires != nil, expires)
	writeOptional(e.Nonce != nil, nonce)
	return hasher.Sum(nil), nil
}

// Sign signs the envelope with signer. The sender must already be the
// signer's address.
func (e *Envelope) Sign(signer *identity.Identity) error {
	if e.Sender != signer.Address() {
		return fmt.Errorf("signing envelope: sender %s is not the signer %s", e.Sender, signer.Address())
	}
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	signature, err := signer.SignDigest(digest)
	if err != nil {
		return fmt.Errorf("signing envelope: %w", err)
	}
	e.Signature = signature
	return nil
}

// Verify checks the signature. An unsigned envelope fails with
// ErrMissingSignature.
func (e *Envelope) Verify() error {
	if e.Signature == "" {
		return ErrMissingSignature
	}
	digest, err := e.Digest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := identity.VerifyDigest(e.Sender, digest, e.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Authenticate applies the acceptance policy for inbound envelopes.
// Unsigned envelopes are accepted only from user addresses. A present
// signature must verify regardless of the sender kind.
func (e *Envelope) Authenticate() error {
	if e.Signature == "" {
		if identity.IsUserAddress(e.Sender) {
			return nil
		}
		return ErrMissingSignature
	}
	return e.Verify()
}

// Verified reports whether Authenticate would accept the envelope as
// coming from a genuine agent: a signed envelope from an agent address
// whose signature verifies.
func (e *Envelope) Verified() bool {
	return identity.IsAgentAddress(e.Sender) && e.Verify() == nil
}
