// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/envelope"
	"github.com/bureau-foundation/courier/lib/identity"
)

type ping struct {
	Count int `json:"count"`
}

func testEnvelope(t *testing.T) (*envelope.Envelope, *identity.Identity) {
	t.Helper()
	sender, err := identity.FromSeed("sender", 0)
	if err != nil {
		t.Fatal(err)
	}
	target, err := identity.FromSeed("target", 0)
	if err != nil {
		t.Fatal(err)
	}
	message, err := envelope.New(sender.Address(), target.Address(), uuid.New(), ping{Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := message.Sign(sender); err != nil {
		t.Fatal(err)
	}
	return message, target
}

func TestPostFallsThroughEndpoints(t *testing.T) {
	var failing atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		failing.Add(1)
		http.Error(writer, `{"error":"nope"}`, http.StatusInternalServerError)
	}))
	defer broken.Close()

	var received envelope.Envelope
	working := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", request.Header.Get("Content-Type"))
		}
		if request.Header.Get(HeaderConnection) != "" {
			t.Errorf("async post carried %s header", HeaderConnection)
		}
		json.NewDecoder(request.Body).Decode(&received)
		writer.Write([]byte("{}"))
	}))
	defer working.Close()

	message, _ := testEnvelope(t)
	client := NewClient(ClientConfig{})
	status, reply := client.Post(context.Background(), message, []string{broken.URL, working.URL}, false)

	if status.Status != StatusDelivered {
		t.Fatalf("Status = %s (%s)", status.Status, status.Detail)
	}
	if status.Endpoint != working.URL || status.Destination != message.Target || status.Session != message.Session {
		t.Errorf("status = %+v", status)
	}
	if reply != nil {
		t.Errorf("async post returned a reply")
	}
	if failing.Load() != 1 {
		t.Errorf("broken endpoint hit %d times", failing.Load())
	}
	if err := received.Verify(); err != nil {
		t.Errorf("received envelope does not verify: %v", err)
	}
}

func TestPostAllFail(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		http.Error(writer, "bad", http.StatusBadRequest)
	}))
	defer broken.Close()

	message, _ := testEnvelope(t)
	status, _ := NewClient(ClientConfig{}).Post(context.Background(), message, []string{broken.URL}, false)
	if status.Status != StatusFailed || status.Detail == "" {
		t.Errorf("status = %+v", status)
	}

	status, _ = NewClient(ClientConfig{}).Post(context.Background(), message, nil, false)
	if status.Status != StatusFailed {
		t.Errorf("no endpoints: status = %+v", status)
	}
}

func TestPostSyncReturnsReply(t *testing.T) {
	message, target := testEnvelope(t)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get(HeaderConnection) != ConnectionSync {
			t.Errorf("sync post missing %s header", HeaderConnection)
		}
		var inbound envelope.Envelope
		json.NewDecoder(request.Body).Decode(&inbound)
		reply, _ := envelope.New(target.Address(), inbound.Sender, inbound.Session, ping{Count: 2})
		reply.Sign(target)
		json.NewEncoder(writer).Encode(reply)
	}))
	defer server.Close()

	status, reply := NewClient(ClientConfig{}).Post(context.Background(), message, []string{server.URL}, true)
	if status.Status != StatusDelivered {
		t.Fatalf("status = %+v", status)
	}
	if reply == nil {
		t.Fatal("no reply")
	}
	var decoded ping
	if err := reply.DecodePayload(&decoded); err != nil || decoded.Count != 2 {
		t.Errorf("reply payload = %+v, %v", decoded, err)
	}
	if reply.Session != message.Session {
		t.Error("reply session differs")
	}
}
