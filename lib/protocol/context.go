// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/storage"
)

// ErrSchemaMismatch is returned when decoding a message into a type
// whose schema digest differs from the message's.
var ErrSchemaMismatch = errors.New("protocol: schema digest mismatch")

// Context is the facade handlers use to reach the runtime. It is bound
// to one agent, one session and (for message handlers) one received
// message. Send validates outbound messages: in a message handler
// against the received message's declared replies, in an interval
// handler against the protocol's interval messages.
type Context interface {
	context.Context

	// Address is the handling agent's address.
	Address() string
	// Name is the handling agent's configured name.
	Name() string
	// Session is the conversation id. Interval and startup contexts
	// generate one on first use.
	Session() uuid.UUID
	// Sender is the address that sent the message being handled, or
	// "" outside a message handler.
	Sender() string
	// Logger is scoped to the agent and session.
	Logger() *slog.Logger
	// Storage is the agent's key-value store.
	Storage() storage.Store

	// Send delivers message to destination (an address or a name) and
	// returns without waiting for a reply.
	Send(destination string, message any) delivery.MsgStatus
	// SendAndReceive delivers message and waits up to timeout for a
	// reply in the same session. On timeout the status is
	// StatusFailed and the reply is nil.
	SendAndReceive(destination string, message any, timeout time.Duration) (*Message, delivery.MsgStatus)
	// Broadcast sends message to up to limit agents advertising
	// protocolDigest in the directory.
	Broadcast(protocolDigest string, message any, limit int, timeout time.Duration) []delivery.MsgStatus
}

// Message is a received message whose Go type is resolved lazily.
type Message struct {
	Sender       string
	Session      uuid.UUID
	SchemaDigest string
	Payload      []byte
}

// Decode unmarshals the payload into target after checking that
// target's type has the message's schema digest.
func (m *Message) Decode(target any) error {
	if digest := model.Digest(target); digest != m.SchemaDigest {
		return fmt.Errorf("%w: message is %s, target %s is %s",
			ErrSchemaMismatch, m.SchemaDigest, model.Name(target), digest)
	}
	if err := json.Unmarshal(m.Payload, target); err != nil {
		return fmt.Errorf("decoding %s: %w", model.Name(target), err)
	}
	return nil
}

// IsError reports whether the message is a model.ErrorMessage.
func (m *Message) IsError() bool { return m.SchemaDigest == model.ErrorDigest }
