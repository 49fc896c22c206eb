// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package almanac

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/bureau-foundation/courier/lib/identity"
)

// Endpoint is one advertised delivery URL with a relative weight.
// Weight 0 is treated as 1 by resolvers.
type Endpoint struct {
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

// Agent is a directory entry.
type Agent struct {
	Address   string     `json:"address"`
	Endpoints []Endpoint `json:"endpoints"`
	Protocols []string   `json:"protocols,omitempty"`
	Expiry    time.Time  `json:"expiry"`
}

// Expired reports whether the registration lapsed at or before now. A
// zero expiry never lapses.
func (a *Agent) Expired(now time.Time) bool {
	return !a.Expiry.IsZero() && !now.Before(a.Expiry)
}

// Registration is the signed body an agent posts to advertise itself.
// Timestamp is a unix-seconds sequence number: the directory rejects
// registrations that do not advance it.
type Registration struct {
	Address   string     `json:"agent_address"`
	Endpoints []Endpoint `json:"endpoints"`
	Protocols []string   `json:"protocols"`
	Timestamp int64      `json:"timestamp"`
	Signature string     `json:"signature"`
}

// Digest is the SHA-256 digest the signature covers: address, each
// endpoint URL and weight, each protocol digest in sorted order, and
// the timestamp as 8 big-endian bytes.
func (r *Registration) Digest() []byte {
	hasher := sha256.New()
	hasher.Write([]byte(r.Address))
	for _, endpoint := range r.Endpoints {
		fmt.Fprintf(hasher, "%s|%d|", endpoint.URL, endpoint.Weight)
	}
	protocols := append([]string(nil), r.Protocols...)
	sort.Strings(protocols)
	for _, protocol := range protocols {
		hasher.Write([]byte(protocol))
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(r.Timestamp))
	hasher.Write(scratch[:])
	return hasher.Sum(nil)
}

// Sign sets Address to the signer's address and signs the digest.
func (r *Registration) Sign(signer *identity.Identity) error {
	r.Address = signer.Address()
	signature, err := signer.SignDigest(r.Digest())
	if err != nil {
		return fmt.Errorf("signing registration: %w", err)
	}
	r.Signature = signature
	return nil
}

// Verify checks the registration signature against its address.
func (r *Registration) Verify() error {
	return identity.VerifyDigest(r.Address, r.Digest(), r.Signature)
}

type searchRequest struct {
	ProtocolDigest string `json:"protocol_digest"`
	Limit          int    `json:"limit"`
}
