// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery posts envelopes to remote agent endpoints and
// reports the outcome as a [MsgStatus].
//
// An envelope is offered to each resolved endpoint in turn until one
// accepts it with a 2xx response. A synchronous post sets the
// "x-uagents-connection: sync" header; the receiving transport then
// holds the request open and answers with the reply envelope, which
// [Client.Post] decodes and returns.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/envelope"
	"github.com/bureau-foundation/courier/lib/netutil"
)

// Header names shared by senders and the transport server.
const (
	HeaderConnection = "x-uagents-connection"
	HeaderAddress    = "x-uagents-address"
	ConnectionSync   = "sync"
)

// Status is the delivery outcome of one send.
type Status string

const (
	// StatusSent means the message was handed to an in-process agent's
	// queue.
	StatusSent Status = "sent"
	// StatusDelivered means a remote endpoint accepted the envelope.
	StatusDelivered Status = "delivered"
	// StatusFailed means the message was not delivered.
	StatusFailed Status = "failed"
)

// MsgStatus describes what happened to one outbound message.
type MsgStatus struct {
	Status      Status    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	Destination string    `json:"destination"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Session     uuid.UUID `json:"session"`
}

// Failed builds a StatusFailed result.
func Failed(destination string, session uuid.UUID, format string, args ...any) MsgStatus {
	return MsgStatus{
		Status:      StatusFailed,
		Detail:      fmt.Sprintf(format, args...),
		Destination: destination,
		Session:     session,
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// HTTPClient performs the posts. Defaults to a client with a
	// 30-second timeout.
	HTTPClient *http.Client
	// Logger receives per-endpoint failures. Defaults to discard.
	Logger *slog.Logger
}

// Client posts envelopes. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a delivery client.
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{httpClient: httpClient, logger: logger}
}

// Post offers the envelope to endpoints in order. When sync is set and
// an endpoint answers with a reply envelope, the reply is returned
// alongside a StatusDelivered result. The reply is not authenticated
// here; callers apply their own policy.
func (c *Client) Post(ctx context.Context, message *envelope.Envelope, endpoints []string, sync bool) (MsgStatus, *envelope.Envelope) {
	if len(endpoints) == 0 {
		return Failed(message.Target, message.Session, "no endpoints for %s", message.Target), nil
	}
	body, err := json.Marshal(message)
	if err != nil {
		return Failed(message.Target, message.Session, "encoding envelope: %v", err), nil
	}

	var lastErr error
	for _, endpoint := range endpoints {
		reply, err := c.postOne(ctx, endpoint, body, sync)
		if err != nil {
			lastErr = err
			c.logger.Warn("endpoint rejected envelope",
				"destination", message.Target, "endpoint", endpoint, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return MsgStatus{
			Status:      StatusDelivered,
			Destination: message.Target,
			Endpoint:    endpoint,
			Session:     message.Session,
		}, reply
	}
	return Failed(message.Target, message.Session, "delivery failed: %v", lastErr), nil
}

func (c *Client) postOne(ctx context.Context, endpoint string, body []byte, sync bool) (*envelope.Envelope, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if sync {
		request.Header.Set(HeaderConnection, ConnectionSync)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadBody(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", response.StatusCode, bytes.TrimSpace(responseBody))
	}
	if !sync {
		return nil, nil
	}

	var reply envelope.Envelope
	if err := json.Unmarshal(responseBody, &reply); err != nil || reply.Sender == "" {
		// A sync post to a peer that answered "{}" still counts as
		// delivered; there is just no reply to hand back.
		return nil, nil
	}
	return &reply, nil
}
