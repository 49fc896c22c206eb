// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/courier/lib/envelope"
)

var (
	// ErrUnroutable is returned by Dispatch when no local agent has
	// the target address.
	ErrUnroutable = errors.New("unable to route envelope")

	// ErrQueueFull is returned by Dispatch when the target agent's
	// inbound queue has no room.
	ErrQueueFull = errors.New("agent inbound queue is full")

	// ErrDuplicateAgent is returned when two agents with the same
	// address join one registry.
	ErrDuplicateAgent = errors.New("agent address already registered")
)

// Inbound is one message waiting in an agent's queue.
type Inbound struct {
	Sender       string
	Target       string
	Session      uuid.UUID
	SchemaDigest string
	// Payload is the message JSON.
	Payload []byte
	// Verified is true when the sender is a genuine agent: either the
	// envelope signature verified against an agent address, or the
	// message came from an agent in this process.
	Verified bool
}

// InboundFromEnvelope unpacks an authenticated envelope.
func InboundFromEnvelope(message *envelope.Envelope) (Inbound, error) {
	payload, err := message.RawPayload()
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{
		Sender:       message.Sender,
		Target:       message.Target,
		Session:      message.Session,
		SchemaDigest: message.SchemaDigest,
		Payload:      payload,
		Verified:     message.Verified(),
	}, nil
}

// pendingKey identifies a caller waiting for a reply: the address the
// reply will be sent to and the session it belongs to.
type pendingKey struct {
	address string
	session uuid.UUID
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// RegistrationWorkers bounds how many ledger registrations run at
	// once across every agent in the registry. Defaults to 4.
	RegistrationWorkers int64

	Logger *slog.Logger
}

// Registry maps addresses to the agents hosted in this process and
// tracks callers waiting for synchronous replies.
type Registry struct {
	logger *slog.Logger

	// registrations bounds concurrent ledger registration work.
	registrations *semaphore.Weighted

	mu      sync.RWMutex
	agents  map[string]*Agent
	pending map[pendingKey][]chan *envelope.Envelope
}

// NewRegistry returns an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.RegistrationWorkers <= 0 {
		config.RegistrationWorkers = 4
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:        config.Logger,
		registrations: semaphore.NewWeighted(config.RegistrationWorkers),
		agents:        make(map[string]*Agent),
		pending:       make(map[pendingKey][]chan *envelope.Envelope),
	}
}

// Add makes agent reachable by address.
func (r *Registry) Add(agent *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.Address()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, agent.Address())
	}
	r.agents[agent.Address()] = agent
	return nil
}

// Remove forgets the agent with address.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	delete(r.agents, address)
	r.mu.Unlock()
}

// Lookup returns the local agent with address.
func (r *Registry) Lookup(address string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[address]
	return agent, ok
}

// Agents returns every hosted agent ordered by address.
func (r *Registry) Agents() []*Agent {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	r.mu.RUnlock()
	sort.Slice(agents, func(i, j int) bool { return agents[i].Address() < agents[j].Address() })
	return agents
}

// Dispatch queues message on its target agent. It never blocks: a
// full queue is reported as ErrQueueFull.
func (r *Registry) Dispatch(message Inbound) error {
	agent, ok := r.Lookup(message.Target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnroutable, message.Target)
	}
	select {
	case agent.queue <- message:
		return nil
	default:
		agent.metrics.received(agent.name, outcomeDropped)
		return fmt.Errorf("%w: %s", ErrQueueFull, message.Target)
	}
}

// AwaitReply registers a waiter for the next reply sent to address in
// session. Waiters for the same key are served in registration order.
// The returned cancel function must be called once the caller stops
// waiting; it is a no-op if the reply was already delivered.
func (r *Registry) AwaitReply(address string, session uuid.UUID) (<-chan *envelope.Envelope, func()) {
	key := pendingKey{address: address, session: session}
	reply := make(chan *envelope.Envelope, 1)

	r.mu.Lock()
	r.pending[key] = append(r.pending[key], reply)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		waiters := r.pending[key]
		for index, waiter := range waiters {
			if waiter == reply {
				waiters = append(waiters[:index], waiters[index+1:]...)
				break
			}
		}
		if len(waiters) == 0 {
			delete(r.pending, key)
		} else {
			r.pending[key] = waiters
		}
	}
	return reply, cancel
}

// Fulfill hands reply to the oldest waiter for (address, session). It
// reports whether a waiter was found.
func (r *Registry) Fulfill(address string, session uuid.UUID, reply *envelope.Envelope) bool {
	key := pendingKey{address: address, session: session}
	r.mu.Lock()
	waiters := r.pending[key]
	if len(waiters) == 0 {
		r.mu.Unlock()
		return false
	}
	waiter := waiters[0]
	if len(waiters) == 1 {
		delete(r.pending, key)
	} else {
		r.pending[key] = waiters[1:]
	}
	r.mu.Unlock()

	waiter <- reply
	return true
}

// Pending reports how many callers wait on (address, session).
func (r *Registry) Pending(address string, session uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending[pendingKey{address: address, session: session}])
}
