// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP body I/O and caller
// classification for the courier transport and its clients.
//
// Envelope submissions, directory responses and REST bodies are all
// small JSON documents. Every read goes through a limit so that a
// misbehaving peer cannot make the agent allocate without bound.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// MaxBodySize bounds every JSON body read: 8 MB. Envelopes carry one
// message each, so legitimate bodies are orders of magnitude smaller.
const MaxBodySize int64 = 8 << 20

// ErrBodyTooLarge is returned when a body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("body exceeds size limit")

// ReadBody reads at most MaxBodySize bytes. A body that does not fit
// fails with ErrBodyTooLarge instead of being silently truncated,
// since a truncated envelope would fail to parse with a misleading
// error.
func ReadBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// DecodeResponse reads a bounded JSON body and decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadBody(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns a bounded error response body for diagnostics.
// Read errors are ignored; a partial body is still useful in a message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxBodySize))
	return string(data)
}

// IsLoopback reports whether an http.Request RemoteAddr ("host:port")
// is a loopback address.
func IsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsBrowser reports whether the request's User-Agent looks like an
// interactive browser.
func IsBrowser(request *http.Request) bool {
	agent := request.UserAgent()
	return len(agent) >= 8 && agent[:8] == "Mozilla/"
}
