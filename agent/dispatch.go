// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/protocol"
)

// unverifiedSenderError is the reply to an unverified sender that
// reached a handler requiring a verified agent.
const unverifiedSenderError = "Message must be sent from verified agent address"

func (a *Agent) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-a.queue:
			a.handle(ctx, message)
		}
	}
}

// handle runs one inbound message to completion. Nothing a handler
// does can stop the loop.
func (a *Agent) handle(ctx context.Context, message Inbound) {
	logger := a.logger.With("session", message.Session, "sender", message.Sender, "schema_digest", message.SchemaDigest)

	route, ok := a.route(message.SchemaDigest)
	if !ok {
		logger.Debug("dropping message with unknown schema")
		a.metrics.received(a.name, outcomeUnknown)
		return
	}

	handlerCtx := a.newContext(ctx, message.Session, message.Sender, route.Replies)

	value := reflect.New(route.Model)
	payload := message.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, value.Interface()); err != nil {
		logger.Warn("rejecting message with invalid payload", "error", err)
		a.metrics.received(a.name, outcomeInvalid)
		handlerCtx.Send(message.Sender, model.ErrorMessage{
			Error: fmt.Sprintf("invalid %s payload: %v", route.Model.Name(), err),
		})
		return
	}

	if !route.AllowUnverified && !message.Verified {
		logger.Warn("rejecting message from unverified sender")
		a.metrics.received(a.name, outcomeUnverified)
		handlerCtx.Send(message.Sender, model.ErrorMessage{Error: unverifiedSenderError})
		return
	}

	start := a.clock.Now()
	err := invoke(route.Handler, handlerCtx, message.Sender, value.Elem().Interface())
	a.metrics.observeHandler(a.name, a.clock.Now().Sub(start))
	if err != nil {
		logger.Error("message handler failed", "error", err)
		a.metrics.received(a.name, outcomeFailed)
		return
	}
	a.metrics.received(a.name, outcomeHandled)
}

func invoke(handler protocol.Handler, ctx protocol.Context, sender string, message any) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()
	return handler(ctx, sender, message)
}
