// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bureau-foundation/courier/lib/almanac"
	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/identity"
	"github.com/bureau-foundation/courier/lib/ledger"
)

// DefaultMaxEndpoints caps endpoint lists when Options leaves it zero.
const DefaultMaxEndpoints = 10

// Resolver maps a destination identifier to an address and endpoint
// URLs. A miss returns ("", nil); resolvers never fail hard.
type Resolver interface {
	Resolve(ctx context.Context, destination string) (string, []string)
}

// Candidate is one endpoint before sampling.
type Candidate struct {
	URL    string
	Weight int
}

// Source is a Resolver that can also report every live endpoint
// behind a resolution, before the MaxEndpoints cap is applied. Cache
// stores candidates so that each cached hit is sampled afresh.
type Source interface {
	Resolver
	Candidates(ctx context.Context, destination string) (string, []Candidate)
}

// candidatesOf asks r for its candidates, treating a plain Resolver's
// endpoints as equally weighted.
func candidatesOf(ctx context.Context, r Resolver, destination string) (string, []Candidate) {
	if source, ok := r.(Source); ok {
		return source.Candidates(ctx, destination)
	}
	address, endpoints := r.Resolve(ctx, destination)
	candidates := make([]Candidate, len(endpoints))
	for index, url := range endpoints {
		candidates[index] = Candidate{URL: url, Weight: 1}
	}
	return address, candidates
}

// Directory is the subset of the almanac client used for lookups.
type Directory interface {
	GetAgent(ctx context.Context, address string) (*almanac.Agent, error)
}

// Options are shared by the address resolvers.
type Options struct {
	// MaxEndpoints caps the returned endpoint count. Zero means
	// DefaultMaxEndpoints.
	MaxEndpoints int
	// Clock judges record expiry. Defaults to the real clock.
	Clock clock.Clock
	// Logger receives fail-soft diagnostics. Defaults to discard.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxEndpoints <= 0 {
		o.MaxEndpoints = DefaultMaxEndpoints
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// addressOf parses destination and returns its address part, or ""
// when the destination is not (or does not pin) an address.
func addressOf(destination string, logger *slog.Logger) string {
	parsed, err := ParseIdentifier(destination)
	if err != nil {
		logger.Warn("unparseable destination", "destination", destination, "error", err)
		return ""
	}
	return parsed.Address
}

// sampleEndpoints applies the weighted cap. Weight 0 counts as 1.
func sampleEndpoints(urls []string, weights []int, limit int) []string {
	floats := make([]float64, len(weights))
	for index, weight := range weights {
		if weight <= 0 {
			weight = 1
		}
		floats[index] = float64(weight)
	}
	return WeightedRandomSample(urls, floats, limit)
}

func sampleCandidates(candidates []Candidate, limit int) []string {
	urls := make([]string, len(candidates))
	weights := make([]int, len(candidates))
	for index, candidate := range candidates {
		urls[index] = candidate.URL
		weights[index] = candidate.Weight
	}
	return sampleEndpoints(urls, weights, limit)
}

// AlmanacAPIResolver resolves addresses through the directory API.
type AlmanacAPIResolver struct {
	directory Directory
	options   Options
}

// NewAlmanacAPIResolver returns a resolver backed by directory.
func NewAlmanacAPIResolver(directory Directory, options Options) *AlmanacAPIResolver {
	return &AlmanacAPIResolver{directory: directory, options: options.withDefaults()}
}

// Resolve implements Resolver.
func (r *AlmanacAPIResolver) Resolve(ctx context.Context, destination string) (string, []string) {
	address, candidates := r.Candidates(ctx, destination)
	if len(candidates) == 0 {
		return "", nil
	}
	return address, sampleCandidates(candidates, r.options.MaxEndpoints)
}

// Candidates implements Source.
func (r *AlmanacAPIResolver) Candidates(ctx context.Context, destination string) (string, []Candidate) {
	address := addressOf(destination, r.options.Logger)
	if address == "" {
		return "", nil
	}
	agent, err := r.directory.GetAgent(ctx, address)
	if err != nil {
		if !errors.Is(err, almanac.ErrNotFound) {
			r.options.Logger.Warn("directory lookup failed", "address", address, "error", err)
		}
		return "", nil
	}
	if agent.Expired(r.options.Clock.Now()) {
		r.options.Logger.Debug("directory record expired", "address", address, "expiry", agent.Expiry)
		return "", nil
	}
	if len(agent.Endpoints) == 0 {
		return "", nil
	}
	candidates := make([]Candidate, len(agent.Endpoints))
	for index, endpoint := range agent.Endpoints {
		candidates[index] = Candidate{URL: endpoint.URL, Weight: endpoint.Weight}
	}
	return address, candidates
}

// LedgerResolver resolves addresses through the on-chain registry.
type LedgerResolver struct {
	ledger  ledger.Ledger
	options Options
}

// NewLedgerResolver returns a resolver backed by registry.
func NewLedgerResolver(registry ledger.Ledger, options Options) *LedgerResolver {
	return &LedgerResolver{ledger: registry, options: options.withDefaults()}
}

// Resolve implements Resolver.
func (r *LedgerResolver) Resolve(ctx context.Context, destination string) (string, []string) {
	address, candidates := r.Candidates(ctx, destination)
	if len(candidates) == 0 {
		return "", nil
	}
	return address, sampleCandidates(candidates, r.options.MaxEndpoints)
}

// Candidates implements Source.
func (r *LedgerResolver) Candidates(ctx context.Context, destination string) (string, []Candidate) {
	address := addressOf(destination, r.options.Logger)
	if address == "" {
		return "", nil
	}
	record, err := r.ledger.QueryRecord(ctx, address)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			r.options.Logger.Warn("ledger query failed", "address", address, "error", err)
		}
		return "", nil
	}
	if !record.Expiry.IsZero() && !r.options.Clock.Now().Before(record.Expiry) {
		r.options.Logger.Debug("ledger record expired", "address", address, "expiry", record.Expiry)
		return "", nil
	}
	if len(record.Endpoints) == 0 {
		return "", nil
	}
	candidates := make([]Candidate, len(record.Endpoints))
	for index, endpoint := range record.Endpoints {
		candidates[index] = Candidate{URL: endpoint.URL, Weight: endpoint.Weight}
	}
	return address, candidates
}

// AlmanacResolver tries a primary resolver and, on a miss, a fallback
// exactly once.
type AlmanacResolver struct {
	primary  Resolver
	fallback Resolver
	logger   *slog.Logger
}

// NewAlmanacResolver chains the directory API in front of the ledger.
func NewAlmanacResolver(api, fallback Resolver, logger *slog.Logger) *AlmanacResolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AlmanacResolver{primary: api, fallback: fallback, logger: logger}
}

// Resolve implements Resolver.
func (r *AlmanacResolver) Resolve(ctx context.Context, destination string) (string, []string) {
	if address, endpoints := r.primary.Resolve(ctx, destination); len(endpoints) > 0 {
		return address, endpoints
	}
	r.logger.Debug("directory miss, falling back to ledger", "destination", destination)
	if r.fallback == nil {
		return "", nil
	}
	return r.fallback.Resolve(ctx, destination)
}

// Candidates implements Source with the same fallback order.
func (r *AlmanacResolver) Candidates(ctx context.Context, destination string) (string, []Candidate) {
	if address, candidates := candidatesOf(ctx, r.primary, destination); len(candidates) > 0 {
		return address, candidates
	}
	r.logger.Debug("directory miss, falling back to ledger", "destination", destination)
	if r.fallback == nil {
		return "", nil
	}
	return candidatesOf(ctx, r.fallback, destination)
}

// NameServiceResolver maps names to addresses and delegates address
// resolution.
type NameServiceResolver struct {
	names  ledger.NameService
	next   Resolver
	logger *slog.Logger
}

// NewNameServiceResolver returns a resolver that looks names up in
// names and resolves the chosen address with next.
func NewNameServiceResolver(names ledger.NameService, next Resolver, logger *slog.Logger) *NameServiceResolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NameServiceResolver{names: names, next: next, logger: logger}
}

// Resolve implements Resolver. When several addresses share the name,
// one is chosen by weight.
func (r *NameServiceResolver) Resolve(ctx context.Context, destination string) (string, []string) {
	address := r.choose(ctx, destination)
	if address == "" {
		return "", nil
	}
	return r.next.Resolve(ctx, address)
}

// Candidates implements Source. The name is mapped to one address on
// every call, so only that address's endpoints are reported.
func (r *NameServiceResolver) Candidates(ctx context.Context, destination string) (string, []Candidate) {
	address := r.choose(ctx, destination)
	if address == "" {
		return "", nil
	}
	return candidatesOf(ctx, r.next, address)
}

// choose returns the address destination pins, or one registered for
// its name, or "".
func (r *NameServiceResolver) choose(ctx context.Context, destination string) string {
	parsed, err := ParseIdentifier(destination)
	if err != nil {
		r.logger.Warn("unparseable destination", "destination", destination, "error", err)
		return ""
	}
	if parsed.Address != "" {
		return parsed.Address
	}

	records, err := r.names.Lookup(ctx, parsed.Name)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			r.logger.Warn("name service lookup failed", "name", parsed.Name, "error", err)
		}
		return ""
	}
	addresses := make([]string, 0, len(records))
	weights := make([]int, 0, len(records))
	for _, record := range records {
		if !identity.IsAgentAddress(record.Address) {
			r.logger.Warn("name service returned an invalid address", "name", parsed.Name, "address", record.Address)
			continue
		}
		addresses = append(addresses, record.Address)
		weights = append(weights, record.Weight)
	}
	chosen := sampleEndpoints(addresses, weights, 1)
	if len(chosen) == 0 {
		return ""
	}
	return chosen[0]
}

// GlobalResolver routes addresses to one resolver and names to another.
type GlobalResolver struct {
	addresses Resolver
	names     Resolver
	logger    *slog.Logger
}

// NewGlobalResolver returns the standard resolution chain. names may
// be nil when no name service is configured.
func NewGlobalResolver(addresses, names Resolver, logger *slog.Logger) *GlobalResolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GlobalResolver{addresses: addresses, names: names, logger: logger}
}

// Resolve implements Resolver.
func (r *GlobalResolver) Resolve(ctx context.Context, destination string) (string, []string) {
	parsed, err := ParseIdentifier(destination)
	if err != nil {
		r.logger.Warn("unparseable destination", "destination", destination, "error", err)
		return "", nil
	}
	if parsed.Address != "" {
		return r.addresses.Resolve(ctx, parsed.Address)
	}
	if r.names == nil {
		r.logger.Warn("no name service configured", "name", parsed.Name)
		return "", nil
	}
	return r.names.Resolve(ctx, destination)
}

// Candidates implements Source.
func (r *GlobalResolver) Candidates(ctx context.Context, destination string) (string, []Candidate) {
	parsed, err := ParseIdentifier(destination)
	if err != nil {
		r.logger.Warn("unparseable destination", "destination", destination, "error", err)
		return "", nil
	}
	if parsed.Address != "" {
		return candidatesOf(ctx, r.addresses, parsed.Address)
	}
	if r.names == nil {
		r.logger.Warn("no name service configured", "name", parsed.Name)
		return "", nil
	}
	return candidatesOf(ctx, r.names, destination)
}

// RulesResolver serves a static address-to-endpoints table.
type RulesResolver struct {
	rules map[string][]string
}

// NewRulesResolver copies rules into a resolver.
func NewRulesResolver(rules map[string][]string) *RulesResolver {
	copied := make(map[string][]string, len(rules))
	for address, endpoints := range rules {
		copied[address] = append([]string(nil), endpoints...)
	}
	return &RulesResolver{rules: copied}
}

// Resolve implements Resolver.
func (r *RulesResolver) Resolve(_ context.Context, destination string) (string, []string) {
	parsed, err := ParseIdentifier(destination)
	if err != nil || parsed.Address == "" {
		return "", nil
	}
	endpoints, ok := r.rules[parsed.Address]
	if !ok || len(endpoints) == 0 {
		return "", nil
	}
	return parsed.Address, append([]string(nil), endpoints...)
}
