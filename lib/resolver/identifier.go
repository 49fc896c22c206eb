// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/courier/lib/identity"
)

// ErrUnknownPrefix is returned for identifiers with a scheme other
// than "agent" or "test-agent".
var ErrUnknownPrefix = errors.New("resolver: unknown identifier prefix")

// ErrEmptyIdentifier is returned for identifiers naming nothing.
var ErrEmptyIdentifier = errors.New("resolver: empty identifier")

var knownPrefixes = map[string]bool{"": true, "agent": true, "test-agent": true}

// Identifier is a parsed destination.
type Identifier struct {
	Prefix  string
	Name    string
	Address string
}

// ParseIdentifier splits an identifier into prefix, name and address.
// At least one of Name and Address is set on success.
func ParseIdentifier(raw string) (Identifier, error) {
	var parsed Identifier
	rest := strings.TrimSpace(raw)
	if prefix, remainder, found := strings.Cut(rest, "://"); found {
		parsed.Prefix = prefix
		rest = remainder
	}
	if !knownPrefixes[parsed.Prefix] {
		return Identifier{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, parsed.Prefix)
	}

	if name, address, found := strings.Cut(rest, "/"); found {
		parsed.Name = name
		parsed.Address = address
		if !identity.IsAgentAddress(address) {
			return Identifier{}, fmt.Errorf("resolver: %q: %w", address, identity.ErrInvalidAddress)
		}
	} else if identity.IsAgentAddress(rest) {
		parsed.Address = rest
	} else {
		parsed.Name = rest
	}

	if parsed.Name == "" && parsed.Address == "" {
		return Identifier{}, ErrEmptyIdentifier
	}
	return parsed, nil
}
