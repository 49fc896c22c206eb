// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/protocol"
)

// ReservedPaths are first path segments owned by the transport. REST
// routes may shadow them, but only loopback callers reach such routes.
var ReservedPaths = map[string]bool{
	"submit":     true,
	"messages":   true,
	"prove":      true,
	"agent_info": true,
	"metrics":    true,
}

// IsReserved reports whether path starts with a reserved segment.
func IsReserved(path string) bool {
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return ReservedPaths[first]
}

type restKey struct {
	method string
	path   string
}

// restRoute decodes the raw body and runs the typed handler.
type restRoute func(ctx *handlerContext, body []byte) (any, error)

// RequestError marks a REST failure caused by the request itself; the
// transport answers it with 400.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// HandleGet serves GET path with handler. Sends from a REST handler
// are unrestricted.
func HandleGet[Response any](a *Agent, path string, handler func(ctx protocol.Context) (Response, error)) error {
	return a.addREST(http.MethodGet, path, func(ctx *handlerContext, _ []byte) (any, error) {
		return handler(ctx)
	})
}

// HandlePost serves POST path. The body is decoded strictly into a
// Request; unknown fields and malformed JSON are request errors.
func HandlePost[Request, Response any](a *Agent, path string, handler func(ctx protocol.Context, request Request) (Response, error)) error {
	return a.addREST(http.MethodPost, path, func(ctx *handlerContext, body []byte) (any, error) {
		var request Request
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			return nil, &RequestError{Err: fmt.Errorf("decoding request: %w", err)}
		}
		return handler(ctx, request)
	})
}

func (a *Agent) addREST(method, path string, route restRoute) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("agent %s: REST path %q must start with /", a.name, path)
	}
	key := restKey{method: method, path: path}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.rest[key]; exists {
		return fmt.Errorf("agent %s: duplicate REST route %s %s", a.name, method, path)
	}
	a.rest[key] = route
	return nil
}

// HasREST reports whether the agent serves method on path.
func (a *Agent) HasREST(method, path string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.rest[restKey{method: method, path: path}]
	return ok
}

// ServeREST runs the handler for method and path. A *RequestError
// means the body did not decode.
func (a *Agent) ServeREST(ctx context.Context, method, path string, body []byte) (any, error) {
	a.mu.RLock()
	route, ok := a.rest[restKey{method: method, path: path}]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s: no REST route %s %s", a.name, method, path)
	}
	return route(a.newContext(ctx, uuid.Nil, "", nil), body)
}
