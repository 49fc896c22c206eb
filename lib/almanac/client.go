// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package almanac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/courier/lib/netutil"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the directory API root, e.g.
	// "https://agentverse.example/v1/almanac".
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger receives request-level debug logs. If nil, logs are
	// discarded.
	Logger *slog.Logger
}

// Client talks to the directory service. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("almanac: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("almanac: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GetAgent returns the directory entry for address. Unknown addresses
// fail with an error matching ErrNotFound.
func (c *Client) GetAgent(ctx context.Context, address string) (*Agent, error) {
	body, err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(address), nil)
	if err != nil {
		return nil, err
	}
	var agent Agent
	if err := json.Unmarshal(body, &agent); err != nil {
		return nil, fmt.Errorf("almanac: decoding agent %s: %w", address, err)
	}
	if agent.Address == "" {
		agent.Address = address
	}
	return &agent, nil
}

// SearchAgents returns up to limit addresses of agents advertising
// protocolDigest.
func (c *Client) SearchAgents(ctx context.Context, protocolDigest string, limit int) ([]string, error) {
	body, err := c.do(ctx, http.MethodPost, "/search/agents-by-protocol",
		searchRequest{ProtocolDigest: protocolDigest, Limit: limit})
	if err != nil {
		return nil, err
	}
	var addresses []string
	if err := json.Unmarshal(body, &addresses); err != nil {
		return nil, fmt.Errorf("almanac: decoding search result: %w", err)
	}
	if limit > 0 && len(addresses) > limit {
		addresses = addresses[:limit]
	}
	return addresses, nil
}

// PublishManifest posts a protocol manifest.
func (c *Client) PublishManifest(ctx context.Context, manifest any) error {
	_, err := c.do(ctx, http.MethodPost, "/manifests", manifest)
	return err
}

// RegisterAgent posts a signed registration.
func (c *Client) RegisterAgent(ctx context.Context, registration *Registration) error {
	if registration.Signature == "" {
		return fmt.Errorf("almanac: registration for %s is not signed", registration.Address)
	}
	_, err := c.do(ctx, http.MethodPost, "/agents", registration)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("almanac: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("almanac: creating request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("almanac: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadBody(response.Body)
	if err != nil {
		return nil, fmt.Errorf("almanac: reading response body: %w", err)
	}
	c.logger.Debug("almanac request", "method", method, "path", path, "status", response.StatusCode)

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return body, nil
	}
	return nil, &APIError{StatusCode: response.StatusCode, Message: errorMessage(body)}
}

// errorMessage extracts "detail" or "error" from a JSON error body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var shaped struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		if shaped.Detail != "" {
			return shaped.Detail
		}
		if shaped.Error != "" {
			return shaped.Error
		}
	}
	return strings.TrimSpace(string(body))
}
