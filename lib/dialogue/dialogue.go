// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/protocol"
	"github.com/bureau-foundation/courier/lib/storage"
)

// Config configures a Dialogue.
type Config struct {
	Name    string
	Version string
	Graph   *Graph

	// Timeout is how long a session may sit idle before the sweep
	// removes it. Zero keeps sessions until Cleanup.
	Timeout time.Duration

	// SweepInterval is how often the sweep runs. Defaults to Timeout.
	// Ignored when Timeout is zero.
	SweepInterval time.Duration

	// Store persists transcripts and states. Defaults to an in-memory
	// store.
	Store storage.Store

	// AllowUnverified admits senders that are not verified agents on
	// every edge.
	AllowUnverified bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dialogue is a protocol whose messages must follow a graph.
type Dialogue struct {
	*protocol.Protocol

	graph           *compiled
	timeout         time.Duration
	allowUnverified bool
	clock           clock.Clock
	logger          *slog.Logger

	handlersMu sync.RWMutex
	handlers   []protocol.Handler

	sessions *sessionStore
}

// New compiles the graph and registers a handler for every edge. The
// handlers enforce the graph and then call whatever OnEdge installed.
func New(config Config) (*Dialogue, error) {
	graph, err := compile(config.Graph)
	if err != nil {
		return nil, err
	}
	if config.Name == "" {
		return nil, fmt.Errorf("dialogue: name is required")
	}
	if config.Timeout < 0 {
		return nil, fmt.Errorf("dialogue: negative timeout %v", config.Timeout)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Store == nil {
		config.Store = storage.NewMemory()
	}

	d := &Dialogue{
		Protocol:        protocol.New(config.Name, config.Version),
		graph:           graph,
		timeout:         config.Timeout,
		allowUnverified: config.AllowUnverified,
		clock:           config.Clock,
		logger:          config.Logger.With("dialogue", config.Name),
		handlers:        make([]protocol.Handler, len(graph.edges)),
		sessions:        newSessionStore(config.Store, config.Name),
	}

	for index, edge := range graph.edges {
		replies := make([]any, 0, len(graph.rules[index]))
		for _, next := range graph.rules[index] {
			replies = append(replies, graph.edges[next].Model)
		}
		if err := d.RegisterMessageHandler(edge.Model, d.edgeHandler(index), replies, config.AllowUnverified); err != nil {
			return nil, fmt.Errorf("dialogue: edge %q: %w", edge.Name, err)
		}
	}

	if config.Timeout > 0 {
		interval := config.SweepInterval
		if interval <= 0 {
			interval = config.Timeout
		}
		err := d.RegisterIntervalHandler(interval, func(ctx protocol.Context) error {
			_, err := d.Sweep(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// OnEdge installs handler for the named edge, replacing any previous
// handler. The edge's Func, if any, still runs first.
func (d *Dialogue) OnEdge(name string, handler protocol.Handler) error {
	index, ok := d.graph.byName[name]
	if !ok {
		return fmt.Errorf("dialogue %s: no edge named %q", d.Name(), name)
	}
	d.handlersMu.Lock()
	d.handlers[index] = handler
	d.handlersMu.Unlock()
	return nil
}

// Starter returns the name of the edge that opens a conversation.
func (d *Dialogue) Starter() string { return d.graph.edges[d.graph.starter].Name }

// Enders returns the names of the edges that close a conversation.
func (d *Dialogue) Enders() []string {
	var names []string
	for index, ender := range d.graph.ender {
		if ender {
			names = append(names, d.graph.edges[index].Name)
		}
	}
	return names
}

// Rules returns the names of the edges that may follow the named edge.
func (d *Dialogue) Rules(name string) []string {
	index, ok := d.graph.byName[name]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(d.graph.rules[index]))
	for _, next := range d.graph.rules[index] {
		names = append(names, d.graph.edges[next].Name)
	}
	return names
}

// IsFinal reports whether the named node has no outgoing edges.
func (d *Dialogue) IsFinal(node string) bool {
	for index, candidate := range d.graph.nodes {
		if candidate.Name == node {
			return d.graph.final[index]
		}
	}
	return false
}

// IsValidMessage reports whether a message with digest may be sent or
// received next in session. A session with no history accepts only the
// starter; otherwise the message's edge must follow the session's
// current edge.
func (d *Dialogue) IsValidMessage(ctx context.Context, session uuid.UUID, digest string) bool {
	edge, ok := d.graph.byDigest[digest]
	if !ok {
		return false
	}
	state, err := d.sessions.state(ctx, session)
	if err != nil {
		d.logger.Error("loading dialogue state", "session", session, "error", err)
		return false
	}
	if state == "" {
		return edge == d.graph.starter
	}
	current, ok := d.graph.byDigest[state]
	if !ok {
		return false
	}
	for _, next := range d.graph.rules[current] {
		if next == edge {
			return true
		}
	}
	return false
}

// Start opens a conversation by sending the starter message from ctx's
// agent to destination in ctx's session.
func (d *Dialogue) Start(ctx protocol.Context, destination string, message any) error {
	digest := model.Digest(message)
	if edge, ok := d.graph.byDigest[digest]; !ok || edge != d.graph.starter {
		return fmt.Errorf("dialogue %s: %s is not the starter message", d.Name(), model.Name(message))
	}
	status := d.guard(ctx).Send(destination, message)
	if status.Status == delivery.StatusFailed {
		return fmt.Errorf("dialogue %s: starting session %s: %s", d.Name(), ctx.Session(), status.Detail)
	}
	return nil
}

// Transcript returns the recorded messages of session, oldest first.
func (d *Dialogue) Transcript(ctx context.Context, session uuid.UUID) ([]Record, error) {
	return d.sessions.transcript(ctx, session)
}

// Sessions returns the ids of every live session.
func (d *Dialogue) Sessions(ctx context.Context) ([]uuid.UUID, error) {
	return d.sessions.list(ctx)
}

// Cleanup forgets session in memory and in storage.
func (d *Dialogue) Cleanup(ctx context.Context, session uuid.UUID) error {
	return d.sessions.remove(ctx, session)
}

// Sweep removes every session whose last record is older than that
// record's timeout. Records with a zero timeout never expire. It
// returns the number of sessions removed.
func (d *Dialogue) Sweep(ctx context.Context) (int, error) {
	now := d.clock.Now()
	expired, err := d.sessions.expired(ctx, now)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, session := range expired {
		if err := d.sessions.remove(ctx, session); err != nil {
			return removed, err
		}
		removed++
		d.logger.Debug("dialogue session expired", "session", session)
	}
	return removed, nil
}

func (d *Dialogue) edgeHandler(index int) protocol.Handler {
	edge := d.graph.edges[index]
	digest := d.graph.digests[index]
	return func(ctx protocol.Context, sender string, message any) error {
		session := ctx.Session()
		if !d.IsValidMessage(ctx, session, digest) {
			d.logger.Warn("message out of dialogue order",
				"session", session, "edge", edge.Name, "sender", sender)
			ctx.Send(sender, model.ErrorMessage{
				Error: fmt.Sprintf("message %s is not valid in the current state of dialogue %s", model.Name(message), d.Name()),
			})
			return nil
		}
		if err := d.record(ctx, session, digest, sender, ctx.Address(), message); err != nil {
			return err
		}

		guarded := d.guard(ctx)
		if edge.Func != nil {
			if err := edge.Func(guarded, sender, message); err != nil {
				return fmt.Errorf("edge %s: %w", edge.Name, err)
			}
		}
		d.handlersMu.RLock()
		handler := d.handlers[index]
		d.handlersMu.RUnlock()
		if handler == nil {
			return nil
		}
		return handler(guarded, sender, message)
	}
}

func (d *Dialogue) record(ctx context.Context, session uuid.UUID, digest, sender, receiver string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("dialogue %s: encoding %s: %w", d.Name(), model.Name(message), err)
	}
	return d.sessions.append(ctx, session, Record{
		Type:      model.Name(message),
		Digest:    digest,
		Sender:    sender,
		Receiver:  receiver,
		Payload:   payload,
		Timestamp: d.clock.Now(),
		Timeout:   d.timeout,
	})
}
