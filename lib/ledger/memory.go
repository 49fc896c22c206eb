// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/identity"
)

// MemoryConfig configures a Memory ledger.
type MemoryConfig struct {
	// Clock stamps record expiry. Defaults to the real clock.
	Clock clock.Clock
	// RecordTTL is how long a registration stays valid. Defaults to
	// 48 hours.
	RecordTTL time.Duration
	// Fee is debited from the registering address on each Register.
	Fee uint64
}

// Memory is an in-process Ledger and NameService. Registrations must
// carry a valid signature over RegistrationDigest. Safe for concurrent
// use.
type Memory struct {
	clock clock.Clock
	ttl   time.Duration
	fee   uint64

	mu       sync.Mutex
	records  map[string]Record
	balances map[string]uint64
	names    map[string][]NameRecord
	queries  map[string]int
}

// NewMemory returns an empty in-memory ledger.
func NewMemory(config MemoryConfig) *Memory {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.RecordTTL == 0 {
		config.RecordTTL = 48 * time.Hour
	}
	return &Memory{
		clock:    config.Clock,
		ttl:      config.RecordTTL,
		fee:      config.Fee,
		records:  make(map[string]Record),
		balances: make(map[string]uint64),
		names:    make(map[string][]NameRecord),
		queries:  make(map[string]int),
	}
}

// QueryRecord implements Ledger.
func (m *Memory) QueryRecord(_ context.Context, address string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[address]++
	record, ok := m.records[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return &record, nil
}

// Balance implements Ledger.
func (m *Memory) Balance(_ context.Context, address string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}

// Register implements Ledger.
func (m *Memory) Register(_ context.Context, registration Registration) error {
	if err := identity.VerifyDigest(registration.Address, RegistrationDigest(registration), registration.Signature); err != nil {
		return fmt.Errorf("ledger: registration for %s: %w", registration.Address, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[registration.Address]; ok && registration.Sequence <= existing.Sequence {
		return fmt.Errorf("ledger: sequence %d does not advance %d", registration.Sequence, existing.Sequence)
	}
	if m.balances[registration.Address] < m.fee {
		return fmt.Errorf("%w: %s holds %d, fee is %d",
			ErrInsufficientFunds, registration.Address, m.balances[registration.Address], m.fee)
	}
	m.balances[registration.Address] -= m.fee
	m.records[registration.Address] = Record{
		Endpoints: append([]Endpoint(nil), registration.Endpoints...),
		Protocols: append([]string(nil), registration.Protocols...),
		Expiry:    m.clock.Now().Add(m.ttl),
		Sequence:  registration.Sequence,
	}
	return nil
}

// Lookup implements NameService.
func (m *Memory) Lookup(_ context.Context, name string) ([]NameRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, ok := m.names[name]
	if !ok || len(records) == 0 {
		return nil, fmt.Errorf("%w: name %q", ErrNotFound, name)
	}
	return append([]NameRecord(nil), records...), nil
}

// SetBalance sets the balance of address.
func (m *Memory) SetBalance(address string, balance uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = balance
}

// SetName replaces the addresses registered under name.
func (m *Memory) SetName(name string, records ...NameRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[name] = append([]NameRecord(nil), records...)
}

// SetRecord installs a record directly, bypassing signature checks.
func (m *Memory) SetRecord(address string, record Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[address] = record
}

// QueryCount returns how many times QueryRecord was called for address.
func (m *Memory) QueryCount(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[address]
}
