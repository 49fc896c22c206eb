// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package almanac

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is matched by lookups for addresses the directory does
// not know.
var ErrNotFound = errors.New("almanac: agent not found")

// APIError is a non-2xx directory response. Callers extract it with
// errors.As:
//
//	var apiErr *almanac.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict { ... }
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// Message is the server's "detail" or "error" text, or the raw
	// body when the response was not JSON.
	Message string `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("almanac: HTTP %d: %s", e.StatusCode, e.Message)
}

// Is makes a 404 APIError match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}
