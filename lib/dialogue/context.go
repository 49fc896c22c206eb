// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"time"

	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/protocol"
)

// guardedContext checks every outbound dialogue message against the
// session state and records the ones that go out. Error messages pass
// through unrecorded.
type guardedContext struct {
	protocol.Context
	dialogue *Dialogue
}

func (d *Dialogue) guard(ctx protocol.Context) protocol.Context {
	if guarded, ok := ctx.(*guardedContext); ok && guarded.dialogue == d {
		return guarded
	}
	return &guardedContext{Context: ctx, dialogue: d}
}

func (g *guardedContext) Send(destination string, message any) delivery.MsgStatus {
	digest := model.Digest(message)
	if digest == model.ErrorDigest {
		return g.Context.Send(destination, message)
	}
	session := g.Session()
	if !g.dialogue.IsValidMessage(g, session, digest) {
		return delivery.Failed(destination, session,
			"%s is not valid in the current state of dialogue %s", model.Name(message), g.dialogue.Name())
	}
	status := g.Context.Send(destination, message)
	if status.Status != delivery.StatusFailed {
		g.recordOutbound(destination, digest, message)
	}
	return status
}

func (g *guardedContext) SendAndReceive(destination string, message any, timeout time.Duration) (*protocol.Message, delivery.MsgStatus) {
	digest := model.Digest(message)
	if digest == model.ErrorDigest {
		return g.Context.SendAndReceive(destination, message, timeout)
	}
	session := g.Session()
	if !g.dialogue.IsValidMessage(g, session, digest) {
		return nil, delivery.Failed(destination, session,
			"%s is not valid in the current state of dialogue %s", model.Name(message), g.dialogue.Name())
	}
	// Record before sending: the reply is delivered straight back to
	// this call, and checking it needs the state to have advanced.
	g.recordOutbound(destination, digest, message)
	reply, status := g.Context.SendAndReceive(destination, message, timeout)
	if reply == nil || reply.IsError() {
		return reply, status
	}
	if !g.dialogue.IsValidMessage(g, session, reply.SchemaDigest) {
		g.Logger().Warn("reply out of dialogue order",
			"session", session, "schema_digest", reply.SchemaDigest, "sender", reply.Sender)
		return reply, status
	}
	err := g.dialogue.sessions.append(g, session, Record{
		Type:      model.Name(g.dialogue.graph.edges[g.dialogue.graph.byDigest[reply.SchemaDigest]].Model),
		Digest:    reply.SchemaDigest,
		Sender:    reply.Sender,
		Receiver:  g.Address(),
		Payload:   reply.Payload,
		Timestamp: g.dialogue.clock.Now(),
		Timeout:   g.dialogue.timeout,
	})
	if err != nil {
		g.Logger().Error("recording dialogue reply", "session", session, "error", err)
	}
	return reply, status
}

// Broadcast is not part of a two-party dialogue; only error messages
// may be broadcast through a dialogue handler's context.
func (g *guardedContext) Broadcast(protocolDigest string, message any, limit int, timeout time.Duration) []delivery.MsgStatus {
	if model.Digest(message) == model.ErrorDigest {
		return g.Context.Broadcast(protocolDigest, message, limit, timeout)
	}
	g.Logger().Warn("broadcast from dialogue handler refused",
		"dialogue", g.dialogue.Name(), "message", model.Name(message))
	return nil
}

func (g *guardedContext) recordOutbound(destination, digest string, message any) {
	if err := g.dialogue.record(g, g.Session(), digest, g.Address(), destination, message); err != nil {
		g.Logger().Error("recording dialogue message", "session", g.Session(), "error", err)
	}
}
