// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/courier/lib/model"
)

var (
	// ErrDuplicateHandler is returned when a schema digest already has
	// a handler in the protocol.
	ErrDuplicateHandler = errors.New("protocol: duplicate handler")

	// ErrLocked is returned when a registration departs from a locked
	// protocol's spec.
	ErrLocked = errors.New("protocol: locked by spec")

	// ErrPointerModel is returned by OnMessage when the message type
	// parameter is a pointer. Handlers receive models by value.
	ErrPointerModel = errors.New("protocol: message type must not be a pointer")
)

// Handler processes one decoded message. message has the registered
// model's Go type (a value, not a pointer).
type Handler func(ctx Context, sender string, message any) error

// IntervalHandler runs once per interval tick.
type IntervalHandler func(ctx Context) error

// Route is everything the runtime needs to dispatch one schema digest.
type Route struct {
	// Model is the registered Go type; payloads decode into a new
	// value of it.
	Model reflect.Type
	// Handler is the registered handler.
	Handler Handler
	// AllowUnverified is true when senders without a verified agent
	// signature may reach Handler.
	AllowUnverified bool
	// Replies are the digests a handler may send in response. A nil
	// map means replies are unrestricted.
	Replies map[string]struct{}
}

// Interval is a periodic task registered on a protocol.
type Interval struct {
	Period   time.Duration
	Handler  IntervalHandler
	Messages []string
}

// Protocol holds the registration tables. Registration is safe to call
// concurrently with lookups, although in practice it all happens
// during setup.
type Protocol struct {
	name    string
	version string

	mu               sync.RWMutex
	models           map[string]reflect.Type
	routes           map[string]Route
	intervals        []Interval
	intervalMessages map[string]struct{}
	spec             *Spec
}

// New returns an empty, unlocked protocol.
func New(name, version string) *Protocol {
	return &Protocol{
		name:             name,
		version:          version,
		models:           make(map[string]reflect.Type),
		routes:           make(map[string]Route),
		intervalMessages: make(map[string]struct{}),
	}
}

// FromSpec returns a locked protocol that only accepts handlers for
// the interactions spec declares.
func FromSpec(spec *Spec) *Protocol {
	p := New(spec.Name, spec.Version)
	p.spec = spec
	return p
}

// Name returns the protocol name.
func (p *Protocol) Name() string { return p.name }

// Version returns the protocol version.
func (p *Protocol) Version() string { return p.version }

// CanonicalName is "name:version".
func (p *Protocol) CanonicalName() string { return p.name + ":" + p.version }

// Locked reports whether the protocol was built from a spec.
func (p *Protocol) Locked() bool { return p.spec != nil }

// RegisterMessageHandler routes messages of model's type to handler.
// replies lists example values of the types the handler may respond
// with; nil leaves replies unrestricted. allowUnverified admits
// senders that are not verified agents (user addresses).
func (p *Protocol) RegisterMessageHandler(modelValue any, handler Handler, replies []any, allowUnverified bool) error {
	if modelValue == nil || handler == nil {
		return errors.New("protocol: model and handler are required")
	}
	digest := model.Digest(modelValue)

	var replyDigests map[string]struct{}
	replyTypes := make(map[string]reflect.Type, len(replies))
	if replies != nil {
		replyDigests = make(map[string]struct{}, len(replies))
		for _, reply := range replies {
			replyDigest := model.Digest(reply)
			replyDigests[replyDigest] = struct{}{}
			replyTypes[replyDigest] = modelType(reply)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.routes[digest]; exists {
		return fmt.Errorf("%w: %s (%s) in %s", ErrDuplicateHandler, model.Name(modelValue), digest, p.CanonicalName())
	}
	if p.spec != nil {
		if err := p.spec.check(digest, replyDigests); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrLocked, model.Name(modelValue), err)
		}
	}

	p.models[digest] = modelType(modelValue)
	for replyDigest, replyType := range replyTypes {
		p.models[replyDigest] = replyType
	}
	p.routes[digest] = Route{
		Model:           modelType(modelValue),
		Handler:         handler,
		AllowUnverified: allowUnverified,
		Replies:         replyDigests,
	}
	return nil
}

// RegisterIntervalHandler runs handler every period. messages lists
// example values of the types the handler may send.
func (p *Protocol) RegisterIntervalHandler(period time.Duration, handler IntervalHandler, messages ...any) error {
	if period <= 0 {
		return fmt.Errorf("protocol: interval period must be positive, got %v", period)
	}
	if handler == nil {
		return errors.New("protocol: interval handler is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	digests := make([]string, 0, len(messages))
	for _, message := range messages {
		digest := model.Digest(message)
		p.models[digest] = modelType(message)
		p.intervalMessages[digest] = struct{}{}
		digests = append(digests, digest)
	}
	p.intervals = append(p.intervals, Interval{Period: period, Handler: handler, Messages: digests})
	return nil
}

// Route returns the dispatch entry for digest.
func (p *Protocol) Route(digest string) (Route, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	route, ok := p.routes[digest]
	return route, ok
}

// Digests returns every schema digest with a handler, sorted.
func (p *Protocol) Digests() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	digests := make([]string, 0, len(p.routes))
	for digest := range p.routes {
		digests = append(digests, digest)
	}
	sort.Strings(digests)
	return digests
}

// Intervals returns the registered interval tasks.
func (p *Protocol) Intervals() []Interval {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Interval(nil), p.intervals...)
}

// IntervalMessages returns the digests interval handlers may send.
func (p *Protocol) IntervalMessages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	digests := make([]string, 0, len(p.intervalMessages))
	for digest := range p.intervalMessages {
		digests = append(digests, digest)
	}
	sort.Strings(digests)
	return digests
}

// Verify returns an error naming every spec interaction that has no
// handler. Unlocked protocols always verify.
func (p *Protocol) Verify() error {
	if p.spec == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var missing []error
	for _, interaction := range p.spec.Interactions {
		if _, ok := p.routes[interaction.Request]; !ok {
			missing = append(missing, fmt.Errorf("no handler for %s", interaction.Request))
		}
	}
	return errors.Join(missing...)
}

// OnMessage registers a typed handler. Options set replies and
// verification policy.
func OnMessage[T any](p *Protocol, handler func(ctx Context, sender string, message T) error, options ...Option) error {
	if typ := reflect.TypeFor[T](); typ.Kind() == reflect.Pointer {
		return fmt.Errorf("%w: %s (register %s instead)", ErrPointerModel, typ, typ.Elem())
	}
	var settings registration
	for _, option := range options {
		option(&settings)
	}
	var zero T
	return p.RegisterMessageHandler(zero, func(ctx Context, sender string, message any) error {
		return handler(ctx, sender, message.(T))
	}, settings.replies, settings.allowUnverified)
}

// Option adjusts an OnMessage registration.
type Option func(*registration)

type registration struct {
	replies         []any
	allowUnverified bool
}

// Replies declares the message types the handler may respond with.
// Calling it with no arguments declares that no reply is allowed
// (other than model.ErrorMessage).
func Replies(replies ...any) Option {
	return func(settings *registration) {
		settings.replies = append(make([]any, 0, len(replies)), replies...)
	}
}

// AllowUnverified admits senders that are not verified agents.
func AllowUnverified() Option {
	return func(settings *registration) { settings.allowUnverified = true }
}

func modelType(value any) reflect.Type {
	typ, ok := value.(reflect.Type)
	if !ok {
		typ = reflect.TypeOf(value)
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return typ
}
