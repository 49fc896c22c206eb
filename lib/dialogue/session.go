// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/storage"
)

// Record is one message in a session transcript.
type Record struct {
	Type      string        `json:"type"`
	Digest    string        `json:"digest"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver"`
	Payload   []byte        `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
	Timeout   time.Duration `json:"timeout"`
}

type session struct {
	transcript []Record
	// state is the digest of the last valid message.
	state string
}

// sessionStore caches sessions in memory and writes every change
// through to storage. The first access loads whatever a previous
// process left behind.
//
// Keys:
//
//	dialogue:<name>:sessions               []string session ids
//	dialogue:<name>:transcript:<session>   []Record
//	dialogue:<name>:state:<session>        string digest
type sessionStore struct {
	store  storage.Store
	prefix string

	mu       sync.Mutex
	loaded   bool
	sessions map[uuid.UUID]*session
}

func newSessionStore(store storage.Store, name string) *sessionStore {
	return &sessionStore{
		store:    store,
		prefix:   "dialogue:" + name + ":",
		sessions: make(map[uuid.UUID]*session),
	}
}

func (s *sessionStore) indexKey() string { return s.prefix + "sessions" }

func (s *sessionStore) transcriptKey(id uuid.UUID) string {
	return s.prefix + "transcript:" + id.String()
}

func (s *sessionStore) stateKey(id uuid.UUID) string {
	return s.prefix + "state:" + id.String()
}

// loadLocked reads every persisted session the first time it is
// called. Caller holds s.mu.
func (s *sessionStore) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	ids, _, err := storage.GetValue[[]string](ctx, s.store, s.indexKey())
	if err != nil {
		return fmt.Errorf("loading session index: %w", err)
	}
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("session index entry %q: %w", raw, err)
		}
		transcript, _, err := storage.GetValue[[]Record](ctx, s.store, s.transcriptKey(id))
		if err != nil {
			return err
		}
		state, _, err := storage.GetValue[string](ctx, s.store, s.stateKey(id))
		if err != nil {
			return err
		}
		s.sessions[id] = &session{transcript: transcript, state: state}
	}
	s.loaded = true
	return nil
}

func (s *sessionStore) state(ctx context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return "", err
	}
	if entry, ok := s.sessions[id]; ok {
		return entry.state, nil
	}
	return "", nil
}

func (s *sessionStore) transcript(ctx context.Context, id uuid.UUID) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	entry, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return slices.Clone(entry.transcript), nil
}

func (s *sessionStore) list(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	return s.idsLocked(), nil
}

func (s *sessionStore) idsLocked() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	return ids
}

// append adds record to the session transcript and makes its digest
// the session state.
func (s *sessionStore) append(ctx context.Context, id uuid.UUID, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	entry, exists := s.sessions[id]
	if !exists {
		entry = &session{}
		s.sessions[id] = entry
	}
	entry.transcript = append(entry.transcript, record)
	entry.state = record.Digest

	if err := storage.SetValue(ctx, s.store, s.transcriptKey(id), entry.transcript); err != nil {
		return fmt.Errorf("persisting transcript: %w", err)
	}
	if err := storage.SetValue(ctx, s.store, s.stateKey(id), entry.state); err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}
	if !exists {
		return s.writeIndexLocked(ctx)
	}
	return nil
}

func (s *sessionStore) remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)
	if err := s.store.Delete(ctx, s.transcriptKey(id)); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, s.stateKey(id)); err != nil {
		return err
	}
	return s.writeIndexLocked(ctx)
}

// expired lists sessions whose last record's timeout has elapsed.
func (s *sessionStore) expired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	var expired []uuid.UUID
	for _, id := range s.idsLocked() {
		transcript := s.sessions[id].transcript
		if len(transcript) == 0 {
			continue
		}
		last := transcript[len(transcript)-1]
		if last.Timeout > 0 && !now.Before(last.Timestamp.Add(last.Timeout)) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *sessionStore) writeIndexLocked(ctx context.Context) error {
	ids := s.idsLocked()
	raw := make([]string, len(ids))
	for index, id := range ids {
		raw[index] = id.String()
	}
	if err := storage.SetValue(ctx, s.store, s.indexKey(), raw); err != nil {
		return fmt.Errorf("persisting session index: %w", err)
	}
	return nil
}
