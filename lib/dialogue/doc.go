// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dialogue layers a conversation state machine over a
// protocol.
//
// A [Graph] is an arena of nodes (states) and edges (transitions).
// Every edge carries exactly one message type. [New] compiles the
// graph into a [Dialogue]: it finds the single starter edge, marks
// nodes with no outgoing edges final and the edges entering them
// enders, and derives the rules table mapping each edge to the edges
// that may follow it.
//
// The Dialogue registers a handler for every edge on its embedded
// protocol. Inbound messages are checked against the session's
// current state before any user code runs: an out-of-order message
// leaves the session untouched and earns the sender a
// model.ErrorMessage reply. Valid messages are appended to the
// session transcript, which is persisted through a storage.Store so a
// restarted agent resumes its conversations. Replies sent from edge
// handlers are checked against the same rules; an illegal reply is
// reported as a failed delivery and never leaves the agent.
//
// A Dialogue instance holds per-session state for one agent. Agents
// that speak the same dialogue each build their own instance from a
// shared Graph.
package dialogue
