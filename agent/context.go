// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/envelope"
	"github.com/bureau-foundation/courier/lib/identity"
	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/protocol"
	"github.com/bureau-foundation/courier/lib/resolver"
	"github.com/bureau-foundation/courier/lib/storage"
)

// broadcastConcurrency bounds the sends one Broadcast runs at once.
const broadcastConcurrency = 16

// handlerContext implements protocol.Context for one handler
// invocation.
type handlerContext struct {
	context.Context
	agent  *Agent
	sender string

	// allowed restricts outbound schema digests. nil means any.
	allowed map[string]struct{}

	sessionOnce sync.Once
	session     uuid.UUID
}

var _ protocol.Context = (*handlerContext)(nil)

// newContext binds a handler context. A nil session is generated on
// first use.
func (a *Agent) newContext(ctx context.Context, session uuid.UUID, sender string, allowed map[string]struct{}) *handlerContext {
	return &handlerContext{
		Context: ctx,
		agent:   a,
		sender:  sender,
		allowed: allowed,
		session: session,
	}
}

func (c *handlerContext) Address() string        { return c.agent.Address() }
func (c *handlerContext) Name() string           { return c.agent.name }
func (c *handlerContext) Sender() string         { return c.sender }
func (c *handlerContext) Storage() storage.Store { return c.agent.store }

func (c *handlerContext) Session() uuid.UUID {
	c.sessionOnce.Do(func() {
		if c.session == uuid.Nil {
			c.session = uuid.New()
		}
	})
	return c.session
}

func (c *handlerContext) Logger() *slog.Logger {
	return c.agent.logger.With("session", c.Session())
}

// permitted applies the outbound restriction. Error messages are
// always permitted.
func (c *handlerContext) permitted(digest string) bool {
	if c.allowed == nil || digest == model.ErrorDigest {
		return true
	}
	_, ok := c.allowed[digest]
	return ok
}

func (c *handlerContext) Send(destination string, message any) delivery.MsgStatus {
	digest := model.Digest(message)
	if !c.permitted(digest) {
		return c.refuse(destination, message)
	}
	status := c.agent.send(c, destination, c.Session(), message)
	c.agent.metrics.sent(c.agent.name, status.Status)
	return status
}

func (c *handlerContext) SendAndReceive(destination string, message any, timeout time.Duration) (*protocol.Message, delivery.MsgStatus) {
	digest := model.Digest(message)
	if !c.permitted(digest) {
		return nil, c.refuse(destination, message)
	}
	if timeout <= 0 {
		timeout = c.agent.syncTimeout
	}
	reply, status := c.agent.sendAndReceive(c, destination, c.Session(), message, timeout)
	c.agent.metrics.sent(c.agent.name, status.Status)
	return reply, status
}

func (c *handlerContext) Broadcast(protocolDigest string, message any, limit int, timeout time.Duration) []delivery.MsgStatus {
	if !c.permitted(model.Digest(message)) {
		return []delivery.MsgStatus{c.refuse(protocolDigest, message)}
	}
	if c.agent.directory == nil {
		c.Logger().Error("broadcast without a directory", "protocol", protocolDigest)
		return []delivery.MsgStatus{}
	}
	addresses, err := c.agent.directory.SearchAgents(c, protocolDigest, limit)
	if err != nil || len(addresses) == 0 {
		c.Logger().Error("no agents found for broadcast", "protocol", protocolDigest, "error", err)
		return []delivery.MsgStatus{}
	}

	broadcastCtx := context.Context(c)
	if timeout > 0 {
		var cancel context.CancelFunc
		broadcastCtx, cancel = context.WithTimeout(c, timeout)
		defer cancel()
	}
	session := c.Session()
	statuses := make([]delivery.MsgStatus, len(addresses))
	var group errgroup.Group
	group.SetLimit(broadcastConcurrency)
	for index, address := range addresses {
		group.Go(func() error {
			statuses[index] = c.agent.send(broadcastCtx, address, session, message)
			c.agent.metrics.sent(c.agent.name, statuses[index].Status)
			return nil
		})
	}
	group.Wait()
	return statuses
}

func (c *handlerContext) refuse(destination string, message any) delivery.MsgStatus {
	c.Logger().Warn("outbound message not permitted here",
		"destination", destination, "message", model.Name(message))
	status := delivery.Failed(destination, c.Session(), "%s is not a permitted message in this context", model.Name(message))
	c.agent.metrics.sent(c.agent.name, status.Status)
	return status
}

// destinationAddress returns the address destination names directly,
// or "" if it must be resolved.
func destinationAddress(destination string) string {
	if identity.ValidateAddress(destination) == nil {
		return destination
	}
	if parsed, err := resolver.ParseIdentifier(destination); err == nil {
		return parsed.Address
	}
	return ""
}

// send delivers one message: to a caller awaiting a synchronous reply,
// to a local agent, or to remote endpoints.
func (a *Agent) send(ctx context.Context, destination string, session uuid.UUID, message any) delivery.MsgStatus {
	address := destinationAddress(destination)
	var endpoints []string
	if address == "" {
		address, endpoints = a.resolver.Resolve(ctx, destination)
		if address == "" {
			return delivery.Failed(destination, session, "unable to resolve destination")
		}
	}

	outbound, err := a.NewEnvelope(address, session, message)
	if err != nil {
		return delivery.Failed(address, session, "%v", err)
	}

	if a.registry.Fulfill(address, session, outbound) {
		return delivery.MsgStatus{Status: delivery.StatusDelivered, Destination: address, Session: session, Detail: "sync reply"}
	}
	if _, local := a.registry.Lookup(address); local {
		return a.dispatchLocal(outbound)
	}

	if endpoints == nil {
		_, endpoints = a.resolver.Resolve(ctx, address)
	}
	if len(endpoints) == 0 {
		return delivery.Failed(address, session, "no endpoints for destination")
	}
	status, _ := a.delivery.Post(ctx, outbound, endpoints, false)
	return status
}

func (a *Agent) dispatchLocal(outbound *envelope.Envelope) delivery.MsgStatus {
	payload, err := outbound.RawPayload()
	if err != nil {
		return delivery.Failed(outbound.Target, outbound.Session, "%v", err)
	}
	err = a.registry.Dispatch(Inbound{
		Sender:       outbound.Sender,
		Target:       outbound.Target,
		Session:      outbound.Session,
		SchemaDigest: outbound.SchemaDigest,
		Payload:      payload,
		Verified:     true,
	})
	if err != nil {
		return delivery.Failed(outbound.Target, outbound.Session, "%v", err)
	}
	return delivery.MsgStatus{Status: delivery.StatusSent, Destination: outbound.Target, Session: outbound.Session}
}

// sendAndReceive delivers message and waits for the reply in the same
// session. Local destinations reply through the registry; remote ones
// answer the synchronous HTTP post.
func (a *Agent) sendAndReceive(ctx context.Context, destination string, session uuid.UUID, message any, timeout time.Duration) (*protocol.Message, delivery.MsgStatus) {
	address := destinationAddress(destination)
	var endpoints []string
	if address == "" {
		address, endpoints = a.resolver.Resolve(ctx, destination)
		if address == "" {
			return nil, delivery.Failed(destination, session, "unable to resolve destination")
		}
	}

	outbound, err := a.NewEnvelope(address, session, message)
	if err != nil {
		return nil, delivery.Failed(address, session, "%v", err)
	}

	if _, local := a.registry.Lookup(address); local {
		replies, cancel := a.registry.AwaitReply(a.Address(), session)
		defer cancel()
		status := a.dispatchLocal(outbound)
		if status.Status == delivery.StatusFailed {
			return nil, status
		}
		select {
		case reply := <-replies:
			return a.acceptReply(reply, status)
		case <-a.clock.After(timeout):
		case <-ctx.Done():
		}
		return nil, delivery.Failed(address, session, "timed out waiting for reply")
	}

	if endpoints == nil {
		_, endpoints = a.resolver.Resolve(ctx, address)
	}
	if len(endpoints) == 0 {
		return nil, delivery.Failed(address, session, "no endpoints for destination")
	}
	outbound.SetExpiry(a.clock.Now().Add(timeout))
	if err := outbound.Sign(a.identity); err != nil {
		return nil, delivery.Failed(address, session, "%v", err)
	}
	postCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, reply := a.delivery.Post(postCtx, outbound, endpoints, true)
	if status.Status == delivery.StatusFailed || reply == nil {
		if status.Status != delivery.StatusFailed {
			status = delivery.Failed(address, session, "no reply received")
		}
		return nil, status
	}
	if err := reply.Authenticate(); err != nil {
		return nil, delivery.Failed(address, session, "reply rejected: %v", err)
	}
	return a.acceptReply(reply, status)
}

func (a *Agent) acceptReply(reply *envelope.Envelope, status delivery.MsgStatus) (*protocol.Message, delivery.MsgStatus) {
	payload, err := reply.RawPayload()
	if err != nil {
		return nil, delivery.Failed(status.Destination, status.Session, "reply payload: %v", err)
	}
	if !json.Valid(payload) && len(payload) > 0 {
		return nil, delivery.Failed(status.Destination, status.Session, "reply payload is not JSON")
	}
	return &protocol.Message{
		Sender:       reply.Sender,
		Session:      reply.Session,
		SchemaDigest: reply.SchemaDigest,
		Payload:      payload,
	}, status
}
