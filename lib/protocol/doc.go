// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol declares which messages an agent understands, which
// replies each message permits, and which messages interval tasks may
// emit.
//
// A [Protocol] is a set of explicit registration tables built during
// setup:
//
//	proto := protocol.New("payments", "1.0.0")
//	err := protocol.OnMessage(proto, func(ctx protocol.Context, sender string, request PaymentRequest) error {
//	    ctx.Send(sender, PaymentCommitment{...})
//	    return nil
//	}, protocol.Replies(PaymentCommitment{}))
//
// Each incoming schema digest maps to at most one handler per
// protocol; a second registration fails with [ErrDuplicateHandler].
// A handler is either signed-only (the default: the sender must be a
// verified agent) or accepts unverified senders too.
//
// # Manifest and digest
//
// [Protocol.Manifest] describes the protocol as ordered sequences:
// models sorted by digest, interactions sorted by request digest, each
// interaction's responses sorted. [Protocol.Digest] hashes the
// canonical encoding of name, version, models and interactions, so
// two processes that declare the same interactions derive the same
// "proto:..." digest whatever order they registered them in.
//
// # Locked protocols
//
// [FromSpec] builds a protocol from a [Spec], usually loaded from a
// JSONC file with [ReadSpecFile]. A locked protocol rejects handlers
// for messages the spec does not declare and handlers whose reply set
// differs from the spec's, both with [ErrLocked]. [Protocol.Verify]
// reports spec interactions still lacking a handler.
package protocol
