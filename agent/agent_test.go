// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/almanac"
	"github.com/bureau-foundation/courier/lib/almanac/almanactest"
	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/envelope"
	"github.com/bureau-foundation/courier/lib/identity"
	"github.com/bureau-foundation/courier/lib/ledger"
	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/protocol"
	"github.com/bureau-foundation/courier/lib/testutil"
)

type Ping struct {
	Text string `json:"text"`
}

type Pong struct {
	Text string `json:"text"`
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAgent(t *testing.T, registry *Registry, name string, configure ...func(*Config)) *Agent {
	t.Helper()
	id, err := identity.FromSeed("courier agent test seed "+name, 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	config := Config{
		Name:      name,
		Identity:  id,
		Registry:  registry,
		Endpoints: []almanac.Endpoint{{URL: "http://127.0.0.1:8000/submit", Weight: 1}},
		Logger:    testutil.Logger(t),
	}
	for _, apply := range configure {
		apply(&config)
	}
	a, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func newUser(t *testing.T) string {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return id.UserAddress()
}

// captureReply registers a waiter for the next message sent to
// address in session.
func captureReply(t *testing.T, registry *Registry, address string, session uuid.UUID) <-chan *envelope.Envelope {
	t.Helper()
	replies, cancel := registry.AwaitReply(address, session)
	t.Cleanup(cancel)
	return replies
}

func decodeError(t *testing.T, reply *envelope.Envelope) string {
	t.Helper()
	if reply.SchemaDigest != model.ErrorDigest {
		t.Fatalf("reply schema = %s, want the error message schema", reply.SchemaDigest)
	}
	var message model.ErrorMessage
	if err := reply.DecodePayload(&message); err != nil {
		t.Fatal(err)
	}
	return message.Error
}

func inbound(sender, target string, session uuid.UUID, message any, verified bool) Inbound {
	outbound, _ := envelope.New(sender, target, session, message)
	payload, _ := outbound.RawPayload()
	return Inbound{
		Sender:       sender,
		Target:       target,
		Session:      session,
		SchemaDigest: model.Digest(message),
		Payload:      payload,
		Verified:     verified,
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice", func(c *Config) { c.QueueSize = 1 })

	t.Run("duplicate address", func(t *testing.T) {
		_, err := New(Config{Name: "again", Identity: alice.identity, Registry: registry})
		if !errors.Is(err, ErrDuplicateAgent) {
			t.Errorf("got %v, want ErrDuplicateAgent", err)
		}
	})

	t.Run("unroutable", func(t *testing.T) {
		err := registry.Dispatch(Inbound{Target: "agent1qnobody"})
		if !errors.Is(err, ErrUnroutable) {
			t.Errorf("got %v, want ErrUnroutable", err)
		}
	})

	t.Run("queue full", func(t *testing.T) {
		message := Inbound{Target: alice.Address()}
		if err := registry.Dispatch(message); err != nil {
			t.Fatalf("first dispatch: %v", err)
		}
		if err := registry.Dispatch(message); !errors.Is(err, ErrQueueFull) {
			t.Errorf("second dispatch: got %v, want ErrQueueFull", err)
		}
		<-alice.queue
	})

	t.Run("pending replies are FIFO", func(t *testing.T) {
		session := uuid.New()
		first, cancelFirst := registry.AwaitReply("user1", session)
		second, cancelSecond := registry.AwaitReply("user1", session)
		defer cancelFirst()
		defer cancelSecond()
		if registry.Pending("user1", session) != 2 {
			t.Fatalf("pending = %d", registry.Pending("user1", session))
		}

		one := &envelope.Envelope{Sender: "one"}
		two := &envelope.Envelope{Sender: "two"}
		if !registry.Fulfill("user1", session, one) || !registry.Fulfill("user1", session, two) {
			t.Fatal("Fulfill found no waiter")
		}
		if got := testutil.RequireReceive(t, first, time.Second); got != one {
			t.Errorf("first waiter got %s", got.Sender)
		}
		if got := testutil.RequireReceive(t, second, time.Second); got != two {
			t.Errorf("second waiter got %s", got.Sender)
		}
		if registry.Fulfill("user1", session, one) {
			t.Error("Fulfill succeeded with no waiters")
		}
	})

	t.Run("cancel removes the waiter", func(t *testing.T) {
		session := uuid.New()
		_, cancel := registry.AwaitReply("user2", session)
		cancel()
		if registry.Fulfill("user2", session, &envelope.Envelope{}) {
			t.Error("cancelled waiter received a reply")
		}
	})
}

func TestDispatchUnknownSchema(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice")
	user := newUser(t)
	session := uuid.New()
	captureReply(t, registry, user, session)

	alice.handle(t.Context(), Inbound{Sender: user, Target: alice.Address(), Session: session, SchemaDigest: "model:ffff"})
	if registry.Pending(user, session) != 1 {
		t.Error("unknown schema produced a reply")
	}
}

func TestDispatchInvalidPayload(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice")
	called := false
	err := protocol.OnMessage(alice.Protocol(), func(protocol.Context, string, Ping) error {
		called = true
		return nil
	}, protocol.AllowUnverified())
	if err != nil {
		t.Fatal(err)
	}

	user := newUser(t)
	session := uuid.New()
	replies := captureReply(t, registry, user, session)
	message := inbound(user, alice.Address(), session, Ping{}, false)
	message.Payload = []byte(`{"text": 5}`)
	alice.handle(t.Context(), message)

	reply := testutil.RequireReceive(t, replies, time.Second, "waiting for error reply")
	if text := decodeError(t, reply); !strings.Contains(text, "invalid Ping payload") {
		t.Errorf("error = %q", text)
	}
	if called {
		t.Error("handler ran on an invalid payload")
	}
	if reply.Sender != alice.Address() || reply.Verify() != nil {
		t.Error("error reply is not signed by the agent")
	}
}

func TestDispatchVerification(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice")
	var senders []string
	if err := protocol.OnMessage(alice.Protocol(), func(_ protocol.Context, sender string, _ Ping) error {
		senders = append(senders, sender)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	user := newUser(t)
	session := uuid.New()
	replies := captureReply(t, registry, user, session)
	alice.handle(t.Context(), inbound(user, alice.Address(), session, Ping{Text: "hi"}, false))
	reply := testutil.RequireReceive(t, replies, time.Second)
	if text := decodeError(t, reply); text != "Message must be sent from verified agent address" {
		t.Errorf("error = %q", text)
	}
	if len(senders) != 0 {
		t.Fatal("signed-only handler ran for an unverified sender")
	}

	alice.handle(t.Context(), inbound("agent1qverified", alice.Address(), session, Ping{Text: "hi"}, true))
	if len(senders) != 1 || senders[0] != "agent1qverified" {
		t.Errorf("senders = %v", senders)
	}
}

func TestDispatchSurvivesPanics(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice")
	handled := 0
	if err := protocol.OnMessage(alice.Protocol(), func(_ protocol.Context, _ string, message Ping) error {
		if message.Text == "boom" {
			panic("boom")
		}
		handled++
		return nil
	}, protocol.AllowUnverified()); err != nil {
		t.Fatal(err)
	}
	if err := protocol.OnMessage(alice.Protocol(), func(protocol.Context, string, Pong) error {
		return errors.New("handler error")
	}, protocol.AllowUnverified()); err != nil {
		t.Fatal(err)
	}

	user := newUser(t)
	alice.handle(t.Context(), inbound(user, alice.Address(), uuid.New(), Ping{Text: "boom"}, false))
	alice.handle(t.Context(), inbound(user, alice.Address(), uuid.New(), Pong{}, false))
	alice.handle(t.Context(), inbound(user, alice.Address(), uuid.New(), Ping{Text: "fine"}, false))
	if handled != 1 {
		t.Errorf("handled = %d after a panic, want 1", handled)
	}
}

func TestReplyRestriction(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice")
	var wrong, right delivery.MsgStatus
	err := protocol.OnMessage(alice.Protocol(), func(ctx protocol.Context, sender string, message Ping) error {
		wrong = ctx.Send(sender, Ping{Text: "echo"})
		right = ctx.Send(sender, Pong{Text: message.Text})
		return nil
	}, protocol.Replies(Pong{}), protocol.AllowUnverified())
	if err != nil {
		t.Fatal(err)
	}

	user := newUser(t)
	session := uuid.New()
	replies := captureReply(t, registry, user, session)
	alice.handle(t.Context(), inbound(user, alice.Address(), session, Ping{Text: "hi"}, false))

	if wrong.Status != delivery.StatusFailed {
		t.Errorf("undeclared reply status = %s", wrong.Status)
	}
	if right.Status != delivery.StatusDelivered {
		t.Errorf("declared reply status = %s (%s)", right.Status, right.Detail)
	}
	reply := testutil.RequireReceive(t, replies, time.Second)
	var pong Pong
	if err := reply.DecodePayload(&pong); err != nil || pong.Text != "hi" {
		t.Errorf("reply = %+v (%v)", pong, err)
	}
	if reply.Session != session || reply.Target != user {
		t.Errorf("reply addressed to %s in %s", reply.Target, reply.Session)
	}
}

func startAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "agent did not stop")
	})
}

func TestLocalSendAndReceive(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	fake := clock.Fake(epoch)
	alice := newTestAgent(t, registry, "alice", func(c *Config) { c.Clock = fake })
	bob := newTestAgent(t, registry, "bob", func(c *Config) { c.Clock = fake })

	if err := protocol.OnMessage(bob.Protocol(), func(ctx protocol.Context, sender string, message Ping) error {
		ctx.Send(sender, Pong{Text: strings.ToUpper(message.Text)})
		return nil
	}, protocol.Replies(Pong{})); err != nil {
		t.Fatal(err)
	}
	startAgent(t, bob)

	ctx := alice.newContext(t.Context(), uuid.Nil, "", nil)
	reply, status := ctx.SendAndReceive(bob.Address(), Ping{Text: "hello"}, time.Minute)
	if status.Status != delivery.StatusSent {
		t.Fatalf("status = %+v", status)
	}
	if reply == nil {
		t.Fatal("no reply")
	}
	var pong Pong
	if err := reply.Decode(&pong); err != nil {
		t.Fatal(err)
	}
	if pong.Text != "HELLO" || reply.Sender != bob.Address() || reply.Session != ctx.Session() {
		t.Errorf("reply = %+v from %s in %s", pong, reply.Sender, reply.Session)
	}
}

func TestSendUnresolvable(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice")
	ctx := alice.newContext(t.Context(), uuid.Nil, "", nil)
	status := ctx.Send("nobody-by-this-name", Ping{})
	if status.Status != delivery.StatusFailed {
		t.Errorf("status = %+v", status)
	}
}

func TestIntervals(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	fake := clock.Fake(epoch)
	alice := newTestAgent(t, registry, "alice", func(c *Config) { c.Clock = fake })
	bob := newTestAgent(t, registry, "bob", func(c *Config) { c.Clock = fake })

	type tick struct {
		declared, undeclared delivery.MsgStatus
	}
	ticks := make(chan tick, 4)
	err := alice.OnInterval(time.Minute, func(ctx protocol.Context) error {
		ticks <- tick{
			declared:   ctx.Send(bob.Address(), Ping{Text: "tick"}),
			undeclared: ctx.Send(bob.Address(), Pong{}),
		}
		return nil
	}, Ping{})
	if err != nil {
		t.Fatal(err)
	}
	startAgent(t, alice)

	first := testutil.RequireReceive[tick](t, ticks, 5*time.Second, "interval did not run at startup")
	if first.declared.Status != delivery.StatusSent {
		t.Errorf("declared interval message status = %+v", first.declared)
	}
	if first.undeclared.Status != delivery.StatusFailed {
		t.Errorf("undeclared interval message status = %s", first.undeclared.Status)
	}

	// Interval ticker and registration ticker.
	fake.WaitForTimers(2)
	fake.Advance(time.Minute)
	testutil.RequireReceive[tick](t, ticks, 5*time.Second, "interval did not run after one period")

	queued := testutil.RequireReceive[Inbound](t, bob.queue, time.Second)
	if queued.Sender != alice.Address() || !queued.Verified {
		t.Errorf("bob received %+v", queued)
	}
}

func TestStartupAndShutdown(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice", func(c *Config) { c.Clock = clock.Fake(epoch) })
	phases := make(chan string, 2)
	alice.OnStartup(func(protocol.Context) error { phases <- "startup"; return nil })
	alice.OnShutdown(func(protocol.Context) error { phases <- "shutdown"; return nil })

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		alice.Run(ctx)
	}()
	if phase := testutil.RequireReceive[string](t, phases, 5*time.Second); phase != "startup" {
		t.Fatalf("phase = %s", phase)
	}
	cancel()
	testutil.RequireClosed(t, done, 5*time.Second)
	if phase := testutil.RequireReceive[string](t, phases, time.Second); phase != "shutdown" {
		t.Errorf("phase = %s", phase)
	}
	if err := alice.Run(t.Context()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestIncludeDuplicateDigest(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice")
	handler := func(protocol.Context, string, Ping) error { return nil }

	first := protocol.New("first", "1.0")
	if err := protocol.OnMessage(first, handler); err != nil {
		t.Fatal(err)
	}
	second := protocol.New("second", "1.0")
	if err := protocol.OnMessage(second, handler); err != nil {
		t.Fatal(err)
	}
	if err := alice.Include(first, false); err != nil {
		t.Fatalf("Include: %v", err)
	}
	if err := alice.Include(second, false); !errors.Is(err, protocol.ErrDuplicateHandler) {
		t.Errorf("got %v, want ErrDuplicateHandler", err)
	}
	if err := alice.Include(first, false); err == nil {
		t.Error("including the same protocol twice succeeded")
	}

	locked := protocol.FromSpec(protocol.NewSpec("locked", "1.0", protocol.Expect(Pong{})))
	if err := alice.Include(locked, false); err == nil {
		t.Error("included a locked protocol with unimplemented interactions")
	}
}

func TestRegisterLedger(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	fake := clock.Fake(epoch)
	chain := ledger.NewMemory(ledger.MemoryConfig{Clock: fake, RecordTTL: 48 * time.Hour, Fee: 10})
	alice := newTestAgent(t, registry, "alice", func(c *Config) {
		c.Clock = fake
		c.Ledger = chain
		c.MinimumBalance = 100
	})
	if err := protocol.OnMessage(alice.Protocol(), func(protocol.Context, string, Ping) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if err := alice.Register(t.Context()); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("unfunded registration: got %v, want ErrInsufficientFunds", err)
	}
	if _, err := chain.QueryRecord(t.Context(), alice.Address()); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatal("unfunded registration reached the ledger")
	}

	chain.SetBalance(alice.Address(), 1000)
	if err := alice.Register(t.Context()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	record, err := chain.QueryRecord(t.Context(), alice.Address())
	if err != nil {
		t.Fatal(err)
	}
	if len(record.Endpoints) != 1 || len(record.Protocols) != 1 || record.Protocols[0] != alice.Protocol().Digest() {
		t.Errorf("record = %+v", record)
	}

	balance := func() uint64 {
		value, _ := chain.Balance(t.Context(), alice.Address())
		return value
	}
	if balance() != 990 {
		t.Fatalf("balance = %d", balance())
	}

	if err := alice.Register(t.Context()); err != nil {
		t.Fatal(err)
	}
	if balance() != 990 {
		t.Error("registered again although the record is current")
	}

	fake.Advance(48*time.Hour - 5*time.Minute)
	if err := alice.Register(t.Context()); err != nil {
		t.Fatal(err)
	}
	if balance() != 980 {
		t.Errorf("record near expiry was not renewed: balance %d", balance())
	}

	extra := protocol.New("extra", "1.0")
	if err := protocol.OnMessage(extra, func(protocol.Context, string, Pong) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := alice.Include(extra, false); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Second)
	if err := alice.Register(t.Context()); err != nil {
		t.Fatal(err)
	}
	if balance() != 970 {
		t.Errorf("protocol change did not trigger registration: balance %d", balance())
	}
}

func TestRegisterDirectoryAndBroadcast(t *testing.T) {
	directory := almanactest.NewServer(t)
	registry := NewRegistry(RegistryConfig{})
	withDirectory := func(c *Config) { c.Directory = directory.Client() }
	alice := newTestAgent(t, registry, "alice", withDirectory)
	bob := newTestAgent(t, registry, "bob", withDirectory)
	carol := newTestAgent(t, registry, "carol", withDirectory)

	pings := protocol.New("pings", "1.0")
	if err := protocol.OnMessage(pings, func(protocol.Context, string, Ping) error { return nil }); err != nil {
		t.Fatal(err)
	}
	for _, a := range []*Agent{bob, carol} {
		listener := protocol.New("pings", "1.0")
		if err := protocol.OnMessage(listener, func(protocol.Context, string, Ping) error { return nil }); err != nil {
			t.Fatal(err)
		}
		if err := a.Include(listener, false); err != nil {
			t.Fatal(err)
		}
		if err := a.Register(t.Context()); err != nil {
			t.Fatalf("Register %s: %v", a.Name(), err)
		}
	}
	registrations := directory.Registrations()
	if len(registrations) != 2 || registrations[0].Address != bob.Address() {
		t.Fatalf("registrations = %+v", registrations)
	}

	ctx := alice.newContext(t.Context(), uuid.Nil, "", nil)
	statuses := ctx.Broadcast(pings.Digest(), Ping{Text: "all"}, 10, time.Second)
	if len(statuses) != 2 {
		t.Fatalf("broadcast reached %d agents, want 2", len(statuses))
	}
	for _, status := range statuses {
		if status.Status != delivery.StatusSent {
			t.Errorf("status = %+v", status)
		}
	}
	testutil.RequireReceive[Inbound](t, bob.queue, time.Second)
	testutil.RequireReceive[Inbound](t, carol.queue, time.Second)

	if statuses := ctx.Broadcast("proto:unknown", Ping{}, 10, time.Second); len(statuses) != 0 {
		t.Errorf("broadcast to an unknown protocol returned %v", statuses)
	}
}

func TestPublishManifest(t *testing.T) {
	directory := almanactest.NewServer(t)
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice", func(c *Config) {
		c.Directory = directory.Client()
		c.Clock = clock.Fake(epoch)
	})
	pings := protocol.New("pings", "1.0")
	if err := protocol.OnMessage(pings, func(protocol.Context, string, Ping) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := alice.Include(pings, true); err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	alice.OnStartup(func(protocol.Context) error { close(started); return nil })
	startAgent(t, alice)
	testutil.RequireClosed(t, started, 5*time.Second)

	if manifests := directory.Manifests(); len(manifests) != 1 || !strings.Contains(string(manifests[0]), pings.Digest()) {
		t.Errorf("manifests = %s", manifests)
	}
	info := alice.Info()
	if info.Address != alice.Address() || len(info.Protocols) != 1 || info.Protocols[0] != pings.Digest() {
		t.Errorf("info = %+v", info)
	}
}

func TestREST(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	alice := newTestAgent(t, registry, "alice")
	err := HandlePost(alice, "/echo", func(_ protocol.Context, request Ping) (Pong, error) {
		return Pong{Text: request.Text}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := HandleGet(alice, "/status", func(ctx protocol.Context) (map[string]string, error) {
		return map[string]string{"address": ctx.Address()}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := HandlePost(alice, "/echo", func(protocol.Context, Ping) (Pong, error) { return Pong{}, nil }); err == nil {
		t.Error("duplicate route accepted")
	}

	response, err := alice.ServeREST(t.Context(), "POST", "/echo", []byte(`{"text":"ok"}`))
	if err != nil {
		t.Fatal(err)
	}
	if response.(Pong).Text != "ok" {
		t.Errorf("response = %+v", response)
	}

	_, err = alice.ServeREST(t.Context(), "POST", "/echo", []byte(`{"unexpected":1}`))
	var requestErr *RequestError
	if !errors.As(err, &requestErr) {
		t.Errorf("got %v, want *RequestError", err)
	}

	if !alice.HasREST("GET", "/status") || alice.HasREST("POST", "/status") {
		t.Error("route table lookup is wrong")
	}
	if !IsReserved("/submit") || !IsReserved("/metrics/extra") || IsReserved("/echo") {
		t.Error("IsReserved is wrong")
	}
}
