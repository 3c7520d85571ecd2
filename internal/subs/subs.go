// Package subs distributes inbound envelopes to channel subscribers.
//
// A subscription names a channel (or "*" for all channels) and may
// carry a filter and a transform. Subscriptions are independent of
// connection state and survive reconnects.
package subs

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sockline/sockline/internal/wire"
)

// Wildcard subscribes to every channel.
const Wildcard = "*"

// Handler receives envelopes delivered to a subscription.
type Handler func(env *wire.Envelope)

// Filter decides whether an envelope is delivered; false skips it.
type Filter func(env *wire.Envelope) bool

// Transform substitutes the envelope before delivery.
type Transform func(env *wire.Envelope) *wire.Envelope

// Options carries the optional per-subscription filter and transform.
type Options struct {
	Filter    Filter
	Transform Transform
}

type subscription struct {
	id        string
	channel   string
	handler   Handler
	filter    Filter
	transform Transform
}

// Router owns all subscriptions and fans inbound envelopes out to the
// ones whose channel matches.
type Router struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewRouter creates an empty subscription router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe registers a handler for a channel and returns the
// subscription identifier used for removal. A nil opts means no
// filter and no transform.
func (r *Router) Subscribe(channel string, handler Handler, opts *Options) string {
	sub := &subscription{
		id:      uuid.NewString(),
		channel: channel,
		handler: handler,
	}
	if opts != nil {
		sub.filter = opts.Filter
		sub.transform = opts.Transform
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a subscription by identifier. Returns the
// channel it was registered on and whether it existed.
func (r *Router) Unsubscribe(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return "", false
	}
	delete(r.subs, id)

	return sub.channel, true
}

// Dispatch delivers an envelope to every matching subscription. A
// panicking handler is isolated; remaining subscribers still receive
// the envelope. Returns the number of deliveries made.
func (r *Router) Dispatch(env *wire.Envelope) int {
	r.mu.RLock()
	matched := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.channel == Wildcard || sub.channel == env.Channel {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range matched {
		if r.deliver(sub, env) {
			delivered++
		}
	}

	return delivered
}

// Channels returns the distinct channels with at least one
// subscription, excluding the wildcard. Used to re-announce interest
// to the server after a reconnect.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var channels []string
	for _, sub := range r.subs {
		if sub.channel == Wildcard {
			continue
		}
		if _, ok := seen[sub.channel]; ok {
			continue
		}
		seen[sub.channel] = struct{}{}
		channels = append(channels, sub.channel)
	}

	return channels
}

// HasChannel reports whether any subscription remains on the channel.
func (r *Router) HasChannel(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		if sub.channel == channel {
			return true
		}
	}
	return false
}

// Count returns the number of active subscriptions.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Router) deliver(sub *subscription, env *wire.Envelope) (delivered bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panicked",
				"subscription", sub.id,
				"channel", sub.channel,
				"panic", rec,
			)
			delivered = false
		}
	}()

	if sub.filter != nil && !sub.filter(env) {
		return false
	}

	e := env
	if sub.transform != nil {
		e = sub.transform(env)
	}

	sub.handler(e)
	return true
}
