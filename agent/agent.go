// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/courier/lib/almanac"
	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/envelope"
	"github.com/bureau-foundation/courier/lib/identity"
	"github.com/bureau-foundation/courier/lib/ledger"
	"github.com/bureau-foundation/courier/lib/protocol"
	"github.com/bureau-foundation/courier/lib/resolver"
	"github.com/bureau-foundation/courier/lib/storage"
	"github.com/bureau-foundation/courier/lib/version"
)

// Directory is the part of the directory service an agent talks to.
// *almanac.Client implements it.
type Directory interface {
	SearchAgents(ctx context.Context, protocolDigest string, limit int) ([]string, error)
	PublishManifest(ctx context.Context, manifest any) error
	RegisterAgent(ctx context.Context, registration *almanac.Registration) error
}

// LifecycleHandler runs at agent startup or shutdown.
type LifecycleHandler func(ctx protocol.Context) error

// Config configures an Agent.
type Config struct {
	// Name is a human-readable label used in logs, metrics and
	// /agent_info. Required.
	Name string

	// Identity signs outbound envelopes and registrations. Required.
	Identity *identity.Identity

	// Endpoints are advertised in registrations.
	Endpoints []almanac.Endpoint

	// Registry is the process-wide switchboard. Required; New adds
	// the agent to it.
	Registry *Registry

	// Store is the agent's key-value storage. Defaults to memory.
	Store storage.Store

	// Resolver turns destinations into endpoints. Defaults to a
	// resolver that knows no remote agents.
	Resolver resolver.Resolver

	// Delivery posts envelopes to remote endpoints.
	Delivery *delivery.Client

	// Directory is searched by Broadcast and receives registrations
	// and manifests. Optional.
	Directory Directory

	// Ledger receives funded registrations. Optional.
	Ledger ledger.Ledger

	// MinimumBalance is the balance below which ledger registration
	// is skipped.
	MinimumBalance uint64

	// RegistrationInterval is how often registrations are refreshed.
	// Defaults to one hour.
	RegistrationInterval time.Duration

	// ExpiryMargin re-registers on the ledger when the record expires
	// within this margin. Defaults to ten minutes.
	ExpiryMargin time.Duration

	// QueueSize bounds the inbound queue. Defaults to 256.
	QueueSize int

	// SyncTimeout bounds SendAndReceive calls made with a zero
	// timeout. Defaults to 30 seconds.
	SyncTimeout time.Duration

	Metrics *Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Agent is one hosted agent.
type Agent struct {
	name      string
	identity  *identity.Identity
	endpoints []almanac.Endpoint

	registry  *Registry
	store     storage.Store
	resolver  resolver.Resolver
	delivery  *delivery.Client
	directory Directory
	ledger    ledger.Ledger

	minimumBalance       uint64
	registrationInterval time.Duration
	expiryMargin         time.Duration
	syncTimeout          time.Duration

	metrics *Metrics
	clock   clock.Clock
	logger  *slog.Logger

	queue   chan Inbound
	running atomic.Bool

	own *protocol.Protocol

	mu        sync.RWMutex
	protocols []*protocol.Protocol
	publish   []*protocol.Protocol
	startup   []LifecycleHandler
	shutdown  []LifecycleHandler
	rest      map[restKey]restRoute
}

// New builds an agent and adds it to config.Registry.
func New(config Config) (*Agent, error) {
	if config.Name == "" {
		return nil, errors.New("agent: Name is required")
	}
	if config.Identity == nil {
		return nil, errors.New("agent: Identity is required")
	}
	if config.Registry == nil {
		return nil, errors.New("agent: Registry is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Store == nil {
		config.Store = storage.NewMemory()
	}
	if config.Resolver == nil {
		config.Resolver = resolver.NewRulesResolver(nil)
	}
	if config.Delivery == nil {
		config.Delivery = delivery.NewClient(delivery.ClientConfig{Logger: config.Logger})
	}
	if config.RegistrationInterval <= 0 {
		config.RegistrationInterval = time.Hour
	}
	if config.ExpiryMargin <= 0 {
		config.ExpiryMargin = 10 * time.Minute
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 30 * time.Second
	}

	address := config.Identity.Address()
	a := &Agent{
		name:                 config.Name,
		identity:             config.Identity,
		endpoints:            append([]almanac.Endpoint(nil), config.Endpoints...),
		registry:             config.Registry,
		store:                config.Store,
		resolver:             config.Resolver,
		delivery:             config.Delivery,
		directory:            config.Directory,
		ledger:               config.Ledger,
		minimumBalance:       config.MinimumBalance,
		registrationInterval: config.RegistrationInterval,
		expiryMargin:         config.ExpiryMargin,
		syncTimeout:          config.SyncTimeout,
		metrics:              config.Metrics,
		clock:                config.Clock,
		logger:               config.Logger.With("agent", config.Name, "address", address),
		queue:                make(chan Inbound, config.QueueSize),
		own:                  protocol.New(config.Name, "0.1.0"),
		rest:                 make(map[restKey]restRoute),
	}
	a.protocols = []*protocol.Protocol{a.own}
	if err := config.Registry.Add(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Name returns the configured name.
func (a *Agent) Name() string { return a.name }

// Address returns the agent address.
func (a *Agent) Address() string { return a.identity.Address() }

// Endpoints returns the advertised endpoints.
func (a *Agent) Endpoints() []almanac.Endpoint {
	return append([]almanac.Endpoint(nil), a.endpoints...)
}

// Storage returns the agent's store.
func (a *Agent) Storage() storage.Store { return a.store }

// Logger returns the agent-scoped logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Protocol returns the agent's own protocol. Handlers registered on it
// are served without a separate Include.
func (a *Agent) Protocol() *protocol.Protocol { return a.own }

// Include serves every handler and interval of p. A schema digest may
// be handled by only one included protocol. When publish is set, the
// manifest is sent to the directory at startup.
func (a *Agent) Include(p *protocol.Protocol, publish bool) error {
	if a.running.Load() {
		return fmt.Errorf("agent %s: Include after Run", a.name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.protocols {
		if existing == p {
			return fmt.Errorf("agent %s: protocol %s already included", a.name, p.CanonicalName())
		}
		for _, digest := range p.Digests() {
			if _, taken := existing.Route(digest); taken {
				return fmt.Errorf("%w: %s is handled by both %s and %s",
					protocol.ErrDuplicateHandler, digest, existing.CanonicalName(), p.CanonicalName())
			}
		}
	}
	if err := p.Verify(); err != nil {
		return fmt.Errorf("agent %s: protocol %s: %w", a.name, p.CanonicalName(), err)
	}
	a.protocols = append(a.protocols, p)
	if publish {
		a.publish = append(a.publish, p)
	}
	return nil
}

// OnInterval runs handler every period, first at startup. messages
// declares the message types the handler may send.
func (a *Agent) OnInterval(period time.Duration, handler protocol.IntervalHandler, messages ...any) error {
	return a.own.RegisterIntervalHandler(period, handler, messages...)
}

// OnStartup runs handler after the first registration attempt and
// before any message is dispatched.
func (a *Agent) OnStartup(handler LifecycleHandler) {
	a.mu.Lock()
	a.startup = append(a.startup, handler)
	a.mu.Unlock()
}

// OnShutdown runs handler after Run's context is cancelled.
func (a *Agent) OnShutdown(handler LifecycleHandler) {
	a.mu.Lock()
	a.shutdown = append(a.shutdown, handler)
	a.mu.Unlock()
}

// ProtocolDigests returns the digests of every included protocol that
// handles at least one message, sorted.
func (a *Agent) ProtocolDigests() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var digests []string
	for _, p := range a.protocols {
		if len(p.Digests()) > 0 {
			digests = append(digests, p.Digest())
		}
	}
	sort.Strings(digests)
	return digests
}

// route finds the handler for digest across included protocols.
func (a *Agent) route(digest string) (protocol.Route, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.protocols {
		if route, ok := p.Route(digest); ok {
			return route, true
		}
	}
	return protocol.Route{}, false
}

// intervalMessages is the union of every protocol's interval
// messages.
func (a *Agent) intervalMessages() map[string]struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	messages := make(map[string]struct{})
	for _, p := range a.protocols {
		for _, digest := range p.IntervalMessages() {
			messages[digest] = struct{}{}
		}
	}
	return messages
}

func (a *Agent) intervals() []protocol.Interval {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var intervals []protocol.Interval
	for _, p := range a.protocols {
		intervals = append(intervals, p.Intervals()...)
	}
	return intervals
}

// Run starts the agent and blocks until ctx is cancelled. It registers
// once, publishes manifests, runs startup handlers, and then runs the
// dispatch loop, every interval task, and the registration loop
// concurrently. Shutdown handlers run after ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent %s: already running", a.name)
	}

	if err := a.Register(ctx); err != nil {
		a.logger.Warn("initial registration incomplete", "error", err)
	}
	a.publishManifests(ctx)

	a.mu.RLock()
	startup := append([]LifecycleHandler(nil), a.startup...)
	shutdown := append([]LifecycleHandler(nil), a.shutdown...)
	a.mu.RUnlock()

	for _, handler := range startup {
		a.runLifecycle(ctx, "startup", handler)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.dispatchLoop(groupCtx)
		return nil
	})
	intervalMessages := a.intervalMessages()
	for _, interval := range a.intervals() {
		group.Go(func() error {
			a.runInterval(groupCtx, interval, intervalMessages)
			return nil
		})
	}
	group.Go(func() error {
		a.registrationLoop(groupCtx)
		return nil
	})
	a.logger.Info("agent running", "protocols", len(a.ProtocolDigests()), "endpoints", len(a.endpoints))
	err := group.Wait()

	// Shutdown handlers still need a live context for sends.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.syncTimeout)
	defer cancel()
	for _, handler := range shutdown {
		a.runLifecycle(shutdownCtx, "shutdown", handler)
	}
	a.logger.Info("agent stopped")
	return err
}

func (a *Agent) runLifecycle(ctx context.Context, phase string, handler LifecycleHandler) {
	handlerCtx := a.newContext(ctx, uuid.Nil, "", nil)
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("lifecycle handler panicked", "phase", phase, "panic", recovered)
		}
	}()
	if err := handler(handlerCtx); err != nil {
		a.logger.Error("lifecycle handler failed", "phase", phase, "error", err)
	}
}

func (a *Agent) runInterval(ctx context.Context, interval protocol.Interval, messages map[string]struct{}) {
	var allowed map[string]struct{}
	if len(messages) > 0 {
		allowed = messages
	}
	ticker := a.clock.NewTicker(interval.Period)
	defer ticker.Stop()
	for {
		a.invokeInterval(ctx, interval, allowed)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) invokeInterval(ctx context.Context, interval protocol.Interval, allowed map[string]struct{}) {
	handlerCtx := a.newContext(ctx, uuid.Nil, "", allowed)
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("interval handler panicked", "period", interval.Period, "panic", recovered)
		}
	}()
	if err := interval.Handler(handlerCtx); err != nil {
		a.logger.Error("interval handler failed", "period", interval.Period, "error", err)
	}
}

func (a *Agent) publishManifests(ctx context.Context) {
	a.mu.RLock()
	publish := append([]*protocol.Protocol(nil), a.publish...)
	a.mu.RUnlock()
	if a.directory == nil || len(publish) == 0 {
		return
	}
	for _, p := range publish {
		if err := a.directory.PublishManifest(ctx, p.Manifest()); err != nil {
			a.logger.Warn("publishing manifest failed", "protocol", p.CanonicalName(), "error", err)
			continue
		}
		a.logger.Debug("manifest published", "protocol", p.CanonicalName(), "digest", p.Digest())
	}
}

// NewEnvelope builds an envelope from this agent, signed.
func (a *Agent) NewEnvelope(target string, session uuid.UUID, message any) (*envelope.Envelope, error) {
	outbound, err := envelope.New(a.Address(), target, session, message)
	if err != nil {
		return nil, err
	}
	if err := outbound.Sign(a.identity); err != nil {
		return nil, err
	}
	return outbound, nil
}

// Info is the /agent_info document.
type Info struct {
	Address   string             `json:"address"`
	Name      string             `json:"name"`
	Endpoints []almanac.Endpoint `json:"endpoints"`
	Protocols []string           `json:"protocols"`
	Version   string             `json:"version"`
}

// Info describes the agent.
func (a *Agent) Info() Info {
	return Info{
		Address:   a.Address(),
		Name:      a.name,
		Endpoints: a.Endpoints(),
		Protocols: a.ProtocolDigests(),
		Version:   version.Version,
	}
}
