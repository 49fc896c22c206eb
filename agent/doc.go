// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the courier runtime: it hosts agents, dispatches
// their inbound messages, runs their interval tasks, and keeps their
// directory and ledger registrations fresh.
//
// A [Registry] is the in-process switchboard shared by every agent in
// a process and by the transport server. It maps addresses to agents,
// queues inbound messages onto the right agent, and correlates
// synchronous replies with the callers waiting for them. Messages
// between two agents in the same Registry never touch the network.
//
// Each [Agent] owns one bounded inbound queue drained by a single
// dispatch goroutine, so handlers for one agent run one at a time and
// dialogue state transitions within a session are linearized. Handler
// code reaches the runtime through a protocol.Context: Send resolves
// the destination (local agent, pending synchronous caller, or remote
// endpoints via the resolver), wraps the message in a signed envelope
// and delivers it. Replies sent from a message handler must be among
// the handler's declared replies; sends from an interval task must be
// among the agent's declared interval messages. Anything else fails
// without I/O.
//
// Registration runs once at startup and then on a fixed interval.
// Ledger registration is only submitted when the on-ledger record is
// missing, stale, or near expiry, and is skipped with a warning when
// the agent's balance is below the configured minimum. Directory
// registration is refreshed every cycle. Failures are logged and
// retried on the next cycle.
package agent
