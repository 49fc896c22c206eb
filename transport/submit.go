// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bureau-foundation/courier/agent"
	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/envelope"
	"github.com/bureau-foundation/courier/lib/identity"
	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/netutil"
)

const (
	timeoutError = "timeout waiting for response"
	expiredError = "envelope expired"
)

// submit ingests one envelope.
func (s *Server) submit(c echo.Context) error {
	request := c.Request()

	contentType := request.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		if netutil.IsBrowser(request) {
			return c.String(http.StatusOK, "agent is running")
		}
		return respondError(c, http.StatusBadRequest, "missing content-type")
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType != echo.MIMEApplicationJSON {
		return respondError(c, http.StatusBadRequest, "content-type must be application/json")
	}

	body, err := netutil.ReadBody(request.Body)
	if err != nil {
		if errors.Is(err, netutil.ErrBodyTooLarge) {
			return respondError(c, http.StatusRequestEntityTooLarge, err.Error())
		}
		return respondError(c, http.StatusBadRequest, err.Error())
	}
	var inbound envelope.Envelope
	if err := json.Unmarshal(body, &inbound); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid envelope: "+err.Error())
	}
	if err := validate(&inbound); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid envelope: "+err.Error())
	}

	// Register the waiter before anything can dispatch, so a fast
	// handler cannot reply before we listen.
	sync := request.Header.Get(delivery.HeaderConnection) == delivery.ConnectionSync
	var replies <-chan *envelope.Envelope
	if sync {
		var cancel func()
		replies, cancel = s.registry.AwaitReply(inbound.Sender, inbound.Session)
		defer cancel()
	}

	if err := inbound.Authenticate(); err != nil {
		s.logger.Warn("rejecting envelope", "sender", inbound.Sender, "error", err)
		return respondError(c, http.StatusBadRequest, "signature verification failed")
	}

	target, ok := s.registry.Lookup(inbound.Target)
	if !ok {
		return respondError(c, http.StatusBadRequest, agent.ErrUnroutable.Error())
	}

	if inbound.Expired(s.clock.Now()) {
		if sync {
			return s.syntheticReply(c, target, &inbound, expiredError)
		}
		return respondError(c, http.StatusBadRequest, expiredError)
	}

	message, err := agent.InboundFromEnvelope(&inbound)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid envelope: "+err.Error())
	}
	if err := s.registry.Dispatch(message); err != nil {
		if errors.Is(err, agent.ErrQueueFull) {
			return respondError(c, http.StatusServiceUnavailable, err.Error())
		}
		return respondError(c, http.StatusBadRequest, err.Error())
	}

	if !sync {
		return c.JSON(http.StatusOK, struct{}{})
	}

	// The server's write deadline is sized from syncTimeout, so a
	// later expiry cannot extend the wait past it.
	wait := s.syncTimeout
	if inbound.Expires != nil {
		wait = min(wait, s.clockUntil(*inbound.Expires))
	}
	select {
	case reply := <-replies:
		return c.JSON(http.StatusOK, reply)
	case <-s.clock.After(wait):
	case <-request.Context().Done():
	}
	return s.syntheticReply(c, target, &inbound, timeoutError)
}

// clockUntil is the time left before the unix-seconds deadline.
func (s *Server) clockUntil(deadline int64) time.Duration {
	return time.Unix(deadline, 0).Sub(s.clock.Now())
}

// syntheticReply answers a synchronous caller with a signed error from
// the target agent in place of the reply it never produced.
func (s *Server) syntheticReply(c echo.Context, target *agent.Agent, inbound *envelope.Envelope, reason string) error {
	reply, err := target.NewEnvelope(inbound.Sender, inbound.Session, model.ErrorMessage{Error: reason})
	if err != nil {
		return respondError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, reply)
}

// validate checks the fields routing and authentication depend on.
func validate(inbound *envelope.Envelope) error {
	if err := identity.ValidateAddress(inbound.Sender); err != nil {
		return errors.New("sender: " + err.Error())
	}
	if err := identity.ValidateAddress(inbound.Target); err != nil {
		return errors.New("target: " + err.Error())
	}
	if inbound.SchemaDigest == "" {
		return errors.New("schema_digest is required")
	}
	if _, err := inbound.RawPayload(); err != nil {
		return err
	}
	return nil
}
