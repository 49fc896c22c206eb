// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/courier/lib/almanac"
	"github.com/bureau-foundation/courier/lib/ledger"
)

func (a *Agent) registrationLoop(ctx context.Context) {
	ticker := a.clock.NewTicker(a.registrationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Register(ctx); err != nil {
				a.logger.Warn("registration incomplete, retrying next cycle",
					"error", err, "retry_in", a.registrationInterval)
			}
		}
	}
}

// Register refreshes the agent's ledger record (when a ledger is
// configured and the record needs it) and its directory registration
// (when a directory is configured). Errors from both are joined.
func (a *Agent) Register(ctx context.Context) error {
	var errs []error
	if a.ledger != nil {
		if err := a.registerLedger(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ledger: %w", err))
		}
	}
	if a.directory != nil {
		if err := a.registerDirectory(ctx); err != nil {
			errs = append(errs, fmt.Errorf("directory: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) ledgerEndpoints() []ledger.Endpoint {
	endpoints := make([]ledger.Endpoint, len(a.endpoints))
	for index, endpoint := range a.endpoints {
		endpoints[index] = ledger.Endpoint{URL: endpoint.URL, Weight: endpoint.Weight}
	}
	return endpoints
}

// ledgerRegistrationNeeded reports whether record no longer matches
// what the agent would register, or expires within the margin.
func (a *Agent) ledgerRegistrationNeeded(record *ledger.Record, endpoints []ledger.Endpoint, protocols []string) bool {
	if record == nil {
		return true
	}
	if !slices.Equal(record.Endpoints, endpoints) {
		return true
	}
	recorded := slices.Clone(record.Protocols)
	slices.Sort(recorded)
	if !slices.Equal(recorded, protocols) {
		return true
	}
	return !a.clock.Now().Add(a.expiryMargin).Before(record.Expiry)
}

func (a *Agent) registerLedger(ctx context.Context) error {
	address := a.Address()
	endpoints := a.ledgerEndpoints()
	protocols := a.ProtocolDigests()

	record, err := a.ledger.QueryRecord(ctx, address)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("querying record: %w", err)
	}
	if !a.ledgerRegistrationNeeded(record, endpoints, protocols) {
		a.logger.Debug("ledger registration is current", "expiry", record.Expiry)
		return nil
	}

	balance, err := a.ledger.Balance(ctx, address)
	if err != nil {
		return fmt.Errorf("querying balance: %w", err)
	}
	if balance < a.minimumBalance {
		a.logger.Warn("balance too low for ledger registration",
			"balance", balance, "minimum", a.minimumBalance)
		return fmt.Errorf("%w: balance %d below minimum %d", ledger.ErrInsufficientFunds, balance, a.minimumBalance)
	}

	sequence := a.clock.Now().Unix()
	if record != nil && record.Sequence >= sequence {
		sequence = record.Sequence + 1
	}
	registration := ledger.Registration{
		Address:   address,
		Endpoints: endpoints,
		Protocols: protocols,
		Sequence:  sequence,
	}
	if err := ledger.SignRegistration(a.identity, &registration); err != nil {
		return err
	}

	// Ledger transactions are slow; the registry bounds how many run
	// at once across the process.
	if err := a.registry.registrations.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.registry.registrations.Release(1)
	if err := a.ledger.Register(ctx, registration); err != nil {
		return fmt.Errorf("submitting registration: %w", err)
	}
	a.logger.Info("ledger registration submitted", "sequence", sequence, "protocols", len(protocols))
	return nil
}

func (a *Agent) registerDirectory(ctx context.Context) error {
	registration := &almanac.Registration{
		Address:   a.Address(),
		Endpoints: a.Endpoints(),
		Protocols: a.ProtocolDigests(),
		Timestamp: a.clock.Now().Unix(),
	}
	if err := registration.Sign(a.identity); err != nil {
		return err
	}
	if err := a.directory.RegisterAgent(ctx, registration); err != nil {
		return err
	}
	a.logger.Debug("directory registration refreshed")
	return nil
}
