// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package almanactest provides an in-memory directory server for
// tests of components that consume the almanac API.
package almanactest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"

	"github.com/bureau-foundation/courier/lib/almanac"
)

// Server is a fake directory backed by maps. Create with NewServer;
// it is closed automatically through the test's cleanup.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	agents        map[string]almanac.Agent
	registrations []almanac.Registration
	manifests     []json.RawMessage
	lookups       map[string]int
	failLookups   bool
}

// NewServer starts a fake directory.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	server := &Server{
		agents:  make(map[string]almanac.Agent),
		lookups: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agents/{address}", server.getAgent)
	mux.HandleFunc("POST /agents", server.postAgent)
	mux.HandleFunc("POST /search/agents-by-protocol", server.search)
	mux.HandleFunc("POST /manifests", server.postManifest)
	server.Server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// Client returns an almanac client pointed at the server.
func (s *Server) Client() *almanac.Client {
	client, err := almanac.NewClient(almanac.ClientConfig{BaseURL: s.URL})
	if err != nil {
		panic(err)
	}
	return client
}

// SetAgent installs or replaces a directory entry.
func (s *Server) SetAgent(agent almanac.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.Address] = agent
}

// FailLookups makes every GET /agents request return 503.
func (s *Server) FailLookups(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLookups = fail
}

// Lookups returns how many times address was requested.
func (s *Server) Lookups(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[address]
}

// Registrations returns every registration received, in order.
func (s *Server) Registrations() []almanac.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]almanac.Registration(nil), s.registrations...)
}

// Manifests returns every published manifest body, in order.
func (s *Server) Manifests() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.manifests...)
}

func (s *Server) getAgent(writer http.ResponseWriter, request *http.Request) {
	address := request.PathValue("address")
	s.mu.Lock()
	s.lookups[address]++
	agent, ok := s.agents[address]
	fail := s.failLookups
	s.mu.Unlock()

	switch {
	case fail:
		writeJSON(writer, http.StatusServiceUnavailable, map[string]string{"detail": "directory unavailable"})
	case !ok:
		writeJSON(writer, http.StatusNotFound, map[string]string{"detail": "agent not found"})
	default:
		writeJSON(writer, http.StatusOK, agent)
	}
}

func (s *Server) postAgent(writer http.ResponseWriter, request *http.Request) {
	var registration almanac.Registration
	if err := json.NewDecoder(request.Body).Decode(&registration); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	if err := registration.Verify(); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"detail": "invalid signature"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations = append(s.registrations, registration)
	s.agents[registration.Address] = almanac.Agent{
		Address:   registration.Address,
		Endpoints: registration.Endpoints,
		Protocols: registration.Protocols,
	}
	writeJSON(writer, http.StatusOK, map[string]string{})
}

func (s *Server) search(writer http.ResponseWriter, request *http.Request) {
	var query struct {
		ProtocolDigest string `json:"protocol_digest"`
		Limit          int    `json:"limit"`
	}
	if err := json.NewDecoder(request.Body).Decode(&query); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addresses := []string{}
	for address, agent := range s.agents {
		for _, protocol := range agent.Protocols {
			if protocol == query.ProtocolDigest {
				addresses = append(addresses, address)
				break
			}
		}
	}
	// Map iteration order is random; sort for stable results.
	slices.Sort(addresses)
	if query.Limit > 0 && len(addresses) > query.Limit {
		addresses = addresses[:query.Limit]
	}
	writeJSON(writer, http.StatusOK, addresses)
}

func (s *Server) postManifest(writer http.ResponseWriter, request *http.Request) {
	var manifest json.RawMessage
	if err := json.NewDecoder(request.Body).Decode(&manifest); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = append(s.manifests, manifest)
	writeJSON(writer, http.StatusOK, map[string]string{})
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(body)
}
