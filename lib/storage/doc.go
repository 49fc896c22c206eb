// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage is the key-value store behind agent state.
//
// Each agent gets a [Store] scoped to its address; handlers reach it
// through their context, and dialogues persist session transcripts
// through it so that conversations survive restarts.
//
// Three backends implement Store:
//
//   - [Memory]: process-local map, for tests and ephemeral agents
//   - [SQLite]: a single-file database through a zombiezen sqlitex
//     pool (WAL mode, one kv table)
//   - [Redis]: a shared Redis server, for agents that move between
//     hosts
//
// Stores hold opaque bytes. [GetValue] and [SetValue] layer typed
// access on top using Core Deterministic CBOR, so equal values always
// produce equal bytes on every backend.
//
// [Prefixed] scopes a Store to one namespace by prefixing keys; the
// runtime uses "<agent address>:" as the namespace.
package storage
