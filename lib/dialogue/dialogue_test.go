// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/protocol"
	"github.com/bureau-foundation/courier/lib/storage"
)

type PaymentRequest struct {
	Amount int `json:"amount"`
}

type PaymentCommitment struct {
	TransactionID string `json:"transaction_id"`
}

type PaymentComplete struct {
	Receipt string `json:"receipt"`
}

type PaymentReject struct {
	Reason string `json:"reason"`
}

const (
	seller = "agent1qseller"
	buyer  = "agent1qbuyer"
)

// paymentGraph: request -> requested; commit requested -> committed;
// complete committed -> completed; reject requested -> rejected.
func paymentGraph() *Graph {
	g := NewGraph()
	requested := g.AddNode("requested", "payment requested", false)
	committed := g.AddNode("committed", "funds committed", false)
	completed := g.AddNode("completed", "payment settled", false)
	rejected := g.AddNode("rejected", "payment refused", false)
	g.AddEdge(Edge{Name: "request", Parent: NoParent, Child: requested, Model: PaymentRequest{}})
	g.AddEdge(Edge{Name: "commit", Parent: requested, Child: committed, Model: PaymentCommitment{}})
	g.AddEdge(Edge{Name: "complete", Parent: committed, Child: completed, Model: PaymentComplete{}})
	g.AddEdge(Edge{Name: "reject", Parent: requested, Child: rejected, Model: PaymentReject{}})
	return g
}

type sentMessage struct {
	destination string
	message     any
}

// stubContext is a protocol.Context that records sends instead of
// delivering them.
type stubContext struct {
	context.Context
	address string
	session uuid.UUID
	sender  string
	store   storage.Store
	sent    []sentMessage
	reply   *protocol.Message
}

func newStubContext(t *testing.T, address string, session uuid.UUID) *stubContext {
	return &stubContext{
		Context: t.Context(),
		address: address,
		session: session,
		store:   storage.NewMemory(),
	}
}

func (s *stubContext) Address() string        { return s.address }
func (s *stubContext) Name() string           { return "stub" }
func (s *stubContext) Session() uuid.UUID     { return s.session }
func (s *stubContext) Sender() string         { return s.sender }
func (s *stubContext) Logger() *slog.Logger   { return slog.New(slog.DiscardHandler) }
func (s *stubContext) Storage() storage.Store { return s.store }

func (s *stubContext) Send(destination string, message any) delivery.MsgStatus {
	s.sent = append(s.sent, sentMessage{destination: destination, message: message})
	return delivery.MsgStatus{Status: delivery.StatusSent, Destination: destination, Session: s.session}
}

func (s *stubContext) SendAndReceive(destination string, message any, _ time.Duration) (*protocol.Message, delivery.MsgStatus) {
	return s.reply, s.Send(destination, message)
}

func (s *stubContext) Broadcast(string, any, int, time.Duration) []delivery.MsgStatus {
	return nil
}

func newPaymentDialogue(t *testing.T, config Config) *Dialogue {
	t.Helper()
	config.Name = "payments"
	config.Version = "1.0"
	config.Graph = paymentGraph()
	d, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func deliver(t *testing.T, d *Dialogue, ctx protocol.Context, sender string, message any) error {
	t.Helper()
	route, ok := d.Route(model.Digest(message))
	if !ok {
		t.Fatalf("no route for %s", model.Name(message))
	}
	return route.Handler(ctx, sender, message)
}

func TestTopology(t *testing.T) {
	d := newPaymentDialogue(t, Config{})

	if d.Starter() != "request" {
		t.Errorf("starter = %q, want request", d.Starter())
	}
	enders := d.Enders()
	slices.Sort(enders)
	if !slices.Equal(enders, []string{"complete", "reject"}) {
		t.Errorf("enders = %v", enders)
	}
	rules := d.Rules("request")
	slices.Sort(rules)
	if !slices.Equal(rules, []string{"commit", "reject"}) {
		t.Errorf("rules[request] = %v", rules)
	}
	if len(d.Rules("complete")) != 0 {
		t.Errorf("rules[complete] = %v, want none", d.Rules("complete"))
	}
	if !d.IsFinal("completed") || d.IsFinal("requested") {
		t.Error("final flags not derived from outgoing edges")
	}

	route, ok := d.Route(model.Digest(PaymentRequest{}))
	if !ok {
		t.Fatal("starter edge not registered on the protocol")
	}
	if len(route.Replies) != 2 {
		t.Errorf("starter replies = %v, want commit and reject", route.Replies)
	}
	route, _ = d.Route(model.Digest(PaymentComplete{}))
	if route.Replies == nil || len(route.Replies) != 0 {
		t.Errorf("ender replies = %v, want empty set", route.Replies)
	}
}

func TestInitialNodeEntry(t *testing.T) {
	g := NewGraph()
	idle := g.AddNode("idle", "", true)
	asked := g.AddNode("asked", "", false)
	g.AddEdge(Edge{Name: "ask", Parent: idle, Child: asked, Model: PaymentRequest{}})
	g.AddEdge(Edge{Name: "answer", Parent: asked, Child: idle, Model: PaymentComplete{}})

	d, err := New(Config{Name: "loop", Graph: g})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Starter() != "ask" {
		t.Errorf("starter = %q, want ask", d.Starter())
	}
	if len(d.Enders()) != 0 {
		t.Errorf("cyclic graph has enders %v", d.Enders())
	}
}

func TestInvalidGraphs(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Graph
	}{
		{"empty", NewGraph},
		{"no entry point", func() *Graph {
			g := NewGraph()
			a := g.AddNode("a", "", false)
			b := g.AddNode("b", "", false)
			g.AddEdge(Edge{Name: "ab", Parent: a, Child: b, Model: PaymentRequest{}})
			g.AddEdge(Edge{Name: "ba", Parent: b, Child: a, Model: PaymentComplete{}})
			return g
		}},
		{"two parentless edges", func() *Graph {
			g := NewGraph()
			a := g.AddNode("a", "", false)
			g.AddEdge(Edge{Name: "one", Parent: NoParent, Child: a, Model: PaymentRequest{}})
			g.AddEdge(Edge{Name: "two", Parent: NoParent, Child: a, Model: PaymentComplete{}})
			return g
		}},
		{"parentless edge and initial node", func() *Graph {
			g := NewGraph()
			a := g.AddNode("a", "", true)
			b := g.AddNode("b", "", false)
			g.AddEdge(Edge{Name: "one", Parent: NoParent, Child: a, Model: PaymentRequest{}})
			g.AddEdge(Edge{Name: "two", Parent: a, Child: b, Model: PaymentComplete{}})
			return g
		}},
		{"initial node with two edges", func() *Graph {
			g := NewGraph()
			a := g.AddNode("a", "", true)
			b := g.AddNode("b", "", false)
			g.AddEdge(Edge{Name: "one", Parent: a, Child: b, Model: PaymentRequest{}})
			g.AddEdge(Edge{Name: "two", Parent: a, Child: b, Model: PaymentComplete{}})
			return g
		}},
		{"duplicate message", func() *Graph {
			g := NewGraph()
			a := g.AddNode("a", "", false)
			b := g.AddNode("b", "", false)
			g.AddEdge(Edge{Name: "one", Parent: NoParent, Child: a, Model: PaymentRequest{}})
			g.AddEdge(Edge{Name: "two", Parent: a, Child: b, Model: PaymentRequest{}})
			return g
		}},
		{"duplicate name", func() *Graph {
			g := NewGraph()
			a := g.AddNode("a", "", false)
			b := g.AddNode("b", "", false)
			g.AddEdge(Edge{Name: "one", Parent: NoParent, Child: a, Model: PaymentRequest{}})
			g.AddEdge(Edge{Name: "one", Parent: a, Child: b, Model: PaymentComplete{}})
			return g
		}},
		{"child out of range", func() *Graph {
			g := NewGraph()
			g.AddNode("a", "", false)
			g.AddEdge(Edge{Name: "one", Parent: NoParent, Child: 3, Model: PaymentRequest{}})
			return g
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(Config{Name: "bad", Graph: test.build()})
			if !errors.Is(err, ErrInvalidGraph) {
				t.Errorf("got %v, want ErrInvalidGraph", err)
			}
		})
	}
}

func TestIsValidMessageFreshSession(t *testing.T) {
	d := newPaymentDialogue(t, Config{})
	session := uuid.New()
	for _, message := range []any{PaymentRequest{}, PaymentCommitment{}, PaymentComplete{}, PaymentReject{}} {
		want := model.Digest(message) == model.Digest(PaymentRequest{})
		if got := d.IsValidMessage(t.Context(), session, model.Digest(message)); got != want {
			t.Errorf("%s on fresh session: valid = %v, want %v", model.Name(message), got, want)
		}
	}
	if d.IsValidMessage(t.Context(), session, model.ErrorDigest) {
		t.Error("digest outside the dialogue reported valid")
	}
}

func TestOutOfOrderMessageRejected(t *testing.T) {
	d := newPaymentDialogue(t, Config{})
	var handled []string
	for _, name := range []string{"request", "commit", "complete"} {
		if err := d.OnEdge(name, func(_ protocol.Context, _ string, message any) error {
			handled = append(handled, model.Name(message))
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	session := uuid.New()
	ctx := newStubContext(t, seller, session)
	if err := deliver(t, d, ctx, buyer, PaymentRequest{Amount: 10}); err != nil {
		t.Fatalf("request: %v", err)
	}
	transcript, _ := d.Transcript(t.Context(), session)
	if len(transcript) != 1 {
		t.Fatalf("transcript after request has %d records", len(transcript))
	}

	if err := deliver(t, d, ctx, buyer, PaymentComplete{Receipt: "r"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	after, _ := d.Transcript(t.Context(), session)
	if len(after) != 1 {
		t.Errorf("out-of-order message changed the transcript: %d records", len(after))
	}
	if !slices.Equal(handled, []string{"PaymentRequest"}) {
		t.Errorf("handled = %v, out-of-order handler ran", handled)
	}
	if len(ctx.sent) != 1 {
		t.Fatalf("sent %d messages, want one error reply", len(ctx.sent))
	}
	if ctx.sent[0].destination != buyer {
		t.Errorf("error reply went to %q", ctx.sent[0].destination)
	}
	if _, ok := ctx.sent[0].message.(model.ErrorMessage); !ok {
		t.Errorf("reply is %T, want model.ErrorMessage", ctx.sent[0].message)
	}

	if err := deliver(t, d, ctx, buyer, PaymentCommitment{TransactionID: "tx"}); err != nil {
		t.Fatal(err)
	}
	if err := deliver(t, d, ctx, buyer, PaymentComplete{Receipt: "r"}); err != nil {
		t.Fatal(err)
	}
	final, _ := d.Transcript(t.Context(), session)
	if len(final) != 3 {
		t.Fatalf("transcript has %d records, want 3", len(final))
	}
	if final[2].Type != "PaymentComplete" || final[2].Sender != buyer || final[2].Receiver != seller {
		t.Errorf("last record = %+v", final[2])
	}
	if d.IsValidMessage(t.Context(), session, model.Digest(PaymentRequest{})) {
		t.Error("finished session accepted a new starter")
	}
}

func TestReplyGuard(t *testing.T) {
	d := newPaymentDialogue(t, Config{})
	var completeStatus, commitStatus delivery.MsgStatus
	if err := d.OnEdge("request", func(ctx protocol.Context, sender string, _ any) error {
		completeStatus = ctx.Send(sender, PaymentComplete{})
		commitStatus = ctx.Send(sender, PaymentCommitment{TransactionID: "tx"})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	session := uuid.New()
	ctx := newStubContext(t, seller, session)
	if err := deliver(t, d, ctx, buyer, PaymentRequest{Amount: 5}); err != nil {
		t.Fatal(err)
	}
	if completeStatus.Status != delivery.StatusFailed {
		t.Errorf("illegal reply status = %s, want failed", completeStatus.Status)
	}
	if commitStatus.Status != delivery.StatusSent {
		t.Errorf("legal reply status = %s (%s)", commitStatus.Status, commitStatus.Detail)
	}
	if len(ctx.sent) != 1 {
		t.Errorf("%d messages left the agent, want 1", len(ctx.sent))
	}
	transcript, _ := d.Transcript(t.Context(), session)
	if len(transcript) != 2 || transcript[1].Sender != seller || transcript[1].Receiver != buyer {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestEdgeFuncRunsFirst(t *testing.T) {
	var order []string
	g := NewGraph()
	done := g.AddNode("done", "", false)
	g.AddEdge(Edge{
		Name: "only", Parent: NoParent, Child: done, Model: PaymentRequest{},
		Func: func(protocol.Context, string, any) error {
			order = append(order, "func")
			return nil
		},
	})
	d, err := New(Config{Name: "single", Graph: g})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.OnEdge("only", func(protocol.Context, string, any) error {
		order = append(order, "handler")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := d.OnEdge("missing", nil); err == nil {
		t.Error("OnEdge accepted an unknown edge")
	}
	if err := deliver(t, d, newStubContext(t, seller, uuid.New()), buyer, PaymentRequest{}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(order, []string{"func", "handler"}) {
		t.Errorf("order = %v", order)
	}
}

func TestStart(t *testing.T) {
	d := newPaymentDialogue(t, Config{})
	session := uuid.New()
	ctx := newStubContext(t, buyer, session)

	if err := d.Start(ctx, seller, PaymentCommitment{}); err == nil {
		t.Error("Start accepted a non-starter message")
	}
	if err := d.Start(ctx, seller, PaymentRequest{Amount: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !d.IsValidMessage(t.Context(), session, model.Digest(PaymentCommitment{})) {
		t.Error("commitment not valid after starting the session")
	}
	if err := d.Start(ctx, seller, PaymentRequest{Amount: 1}); err == nil {
		t.Error("Start succeeded twice in one session")
	}
}

func TestSendAndReceiveRecordsReply(t *testing.T) {
	d := newPaymentDialogue(t, Config{})
	session := uuid.New()
	ctx := newStubContext(t, buyer, session)
	ctx.reply = &protocol.Message{
		Sender:       seller,
		Session:      session,
		SchemaDigest: model.Digest(PaymentCommitment{}),
		Payload:      []byte(`{"transaction_id":"tx"}`),
	}

	reply, status := d.guard(ctx).SendAndReceive(seller, PaymentRequest{Amount: 3}, time.Second)
	if status.Status == delivery.StatusFailed || reply == nil {
		t.Fatalf("status = %+v", status)
	}
	transcript, _ := d.Transcript(t.Context(), session)
	if len(transcript) != 2 || transcript[1].Type != "PaymentCommitment" {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestSweep(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("timeout expires idle sessions", func(t *testing.T) {
		fake := clock.Fake(start)
		store := storage.NewMemory()
		d := newPaymentDialogue(t, Config{Timeout: time.Minute, Clock: fake, Store: store})
		if len(d.Intervals()) != 1 {
			t.Fatalf("sweep interval not registered: %d intervals", len(d.Intervals()))
		}

		session := uuid.New()
		if err := deliver(t, d, newStubContext(t, seller, session), buyer, PaymentRequest{}); err != nil {
			t.Fatal(err)
		}

		fake.Advance(30 * time.Second)
		removed, err := d.Sweep(t.Context())
		if err != nil || removed != 0 {
			t.Fatalf("early sweep removed %d (err %v)", removed, err)
		}

		fake.Advance(31 * time.Second)
		removed, err = d.Sweep(t.Context())
		if err != nil || removed != 1 {
			t.Fatalf("sweep removed %d (err %v), want 1", removed, err)
		}
		transcript, _ := d.Transcript(t.Context(), session)
		if transcript != nil {
			t.Errorf("transcript survived the sweep: %+v", transcript)
		}
		if has, _ := store.Has(t.Context(), "dialogue:payments:transcript:"+session.String()); has {
			t.Error("transcript still in storage")
		}
		if has, _ := store.Has(t.Context(), "dialogue:payments:state:"+session.String()); has {
			t.Error("state still in storage")
		}
		if !d.IsValidMessage(t.Context(), session, model.Digest(PaymentRequest{})) {
			t.Error("swept session does not accept a fresh starter")
		}
	})

	t.Run("zero timeout never expires", func(t *testing.T) {
		fake := clock.Fake(start)
		d := newPaymentDialogue(t, Config{Clock: fake})
		if len(d.Intervals()) != 0 {
			t.Errorf("sweep registered with zero timeout")
		}
		session := uuid.New()
		if err := deliver(t, d, newStubContext(t, seller, session), buyer, PaymentRequest{}); err != nil {
			t.Fatal(err)
		}
		fake.Advance(365 * 24 * time.Hour)
		removed, err := d.Sweep(t.Context())
		if err != nil || removed != 0 {
			t.Errorf("sweep removed %d (err %v), want 0", removed, err)
		}
	})
}

func TestPersistenceAcrossInstances(t *testing.T) {
	store := storage.NewMemory()
	first := newPaymentDialogue(t, Config{Store: store})
	session := uuid.New()
	ctx := newStubContext(t, seller, session)
	if err := deliver(t, first, ctx, buyer, PaymentRequest{Amount: 7}); err != nil {
		t.Fatal(err)
	}

	second := newPaymentDialogue(t, Config{Store: store})
	sessions, err := second.Sessions(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0] != session {
		t.Fatalf("sessions = %v", sessions)
	}
	if !second.IsValidMessage(t.Context(), session, model.Digest(PaymentCommitment{})) {
		t.Error("restored session lost its state")
	}

	if err := second.Cleanup(t.Context(), session); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	transcript, _ := second.Transcript(t.Context(), session)
	if transcript != nil {
		t.Errorf("transcript after Cleanup = %+v", transcript)
	}
	third := newPaymentDialogue(t, Config{Store: store})
	if sessions, _ := third.Sessions(t.Context()); len(sessions) != 0 {
		t.Errorf("cleaned session reloaded: %v", sessions)
	}
}
