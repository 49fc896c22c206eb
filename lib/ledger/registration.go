// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bureau-foundation/courier/lib/identity"
)

// RegistrationDigest is the SHA-256 digest a registration signature
// covers: the literal "ledger-registration", the address, each
// endpoint, the sorted protocol digests and the sequence number.
func RegistrationDigest(registration Registration) []byte {
	hasher := sha256.New()
	hasher.Write([]byte("ledger-registration"))
	hasher.Write([]byte(registration.Address))
	for _, endpoint := range registration.Endpoints {
		fmt.Fprintf(hasher, "%s|%d|", endpoint.URL, endpoint.Weight)
	}
	protocols := append([]string(nil), registration.Protocols...)
	sort.Strings(protocols)
	for _, protocol := range protocols {
		hasher.Write([]byte(protocol))
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(registration.Sequence))
	hasher.Write(scratch[:])
	return hasher.Sum(nil)
}

// SignRegistration fills in the address and signature of registration.
func SignRegistration(signer *identity.Identity, registration *Registration) error {
	registration.Address = signer.Address()
	signature, err := signer.SignDigest(RegistrationDigest(*registration))
	if err != nil {
		return fmt.Errorf("signing ledger registration: %w", err)
	}
	registration.Signature = signature
	return nil
}
