// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package almanac is a client for the agent directory service.
//
// The directory maps agent addresses to their current endpoints,
// protocol digests and registration expiry. Agents register
// themselves with a signed [Registration], publish the manifests of
// the protocols they speak, and look each other up by address or by
// protocol digest.
//
// API surface consumed (paths relative to the configured base URL):
//
//	GET  /agents/{address}                 -> Agent, or 404
//	POST /agents                           <- Registration
//	POST /search/agents-by-protocol        <- {protocol_digest, limit} -> [address]
//	POST /manifests                        <- protocol manifest
//
// Non-2xx responses become [*APIError]. A 404 on agent lookup also
// matches [ErrNotFound] through errors.Is.
package almanac
