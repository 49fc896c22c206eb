// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport serves the agents of one agent.Registry over HTTP.
//
// Routes:
//
//	POST /submit       envelope ingestion
//	HEAD /submit       readiness probe for the agent named by x-uagents-address
//	GET  /submit       the same probe with a JSON body
//	GET  /agent_info   address, name, endpoints and protocols of hosted agents
//	GET  /metrics      Prometheus exposition
//	*    /*            REST routes registered with agent.HandleGet/HandlePost
//
// Envelope ingestion authenticates the envelope, routes it to the
// target agent's queue and answers "{}". When the caller sets
// x-uagents-connection: sync, the request instead waits for the
// target's reply in the same session, up to the envelope's expiry or
// the configured sync timeout, and answers with the reply envelope.
// A caller whose deadline passes receives a signed error message in
// place of a reply; the request never hangs.
//
// Every error response is a JSON object with an "error" field.
package transport
