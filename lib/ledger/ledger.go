// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger defines the on-chain registry collaborators: the
// agent registry contract that records endpoints per address, and the
// name service that maps human-readable names to addresses.
//
// The runtime consumes these through the [Ledger] and [NameService]
// interfaces. Chain clients live outside this module; [Memory]
// implements both interfaces in process for tests and for local
// topologies that have no chain at all.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for an address or
	// name.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrInsufficientFunds is returned by Register when the paying
	// address holds less than the registration fee.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// Endpoint is one endpoint stored in a registry record.
type Endpoint struct {
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

// Record is the registry's current view of one agent.
type Record struct {
	Endpoints []Endpoint
	Protocols []string
	// Expiry is when the record lapses. Agents re-register before it.
	Expiry time.Time
	// Sequence is the registration sequence number. Each registration
	// must strictly increase it.
	Sequence int64
}

// Registration is a signed registry update.
type Registration struct {
	Address   string
	Endpoints []Endpoint
	Protocols []string
	Sequence  int64
	Signature string
}

// NameRecord is one address registered under a name.
type NameRecord struct {
	Address string
	Weight  int
}

// Ledger is the agent registry contract.
type Ledger interface {
	// QueryRecord returns the current record for address, or
	// ErrNotFound.
	QueryRecord(ctx context.Context, address string) (*Record, error)

	// Balance returns the spendable balance of address in the chain's
	// smallest denomination.
	Balance(ctx context.Context, address string) (uint64, error)

	// Register submits a registration transaction and waits for it to
	// be included.
	Register(ctx context.Context, registration Registration) error
}

// NameService resolves names to addresses.
type NameService interface {
	// Lookup returns every address registered under name with its
	// weight, or ErrNotFound.
	Lookup(ctx context.Context, name string) ([]NameRecord, error)
}
