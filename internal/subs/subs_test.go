package subs

import (
	"encoding/json"
	"testing"

	"github.com/sockline/sockline/internal/wire"
)

func orderEnv(channel string) *wire.Envelope {
	return &wire.Envelope{Type: "order.created", Channel: channel}
}

func TestRouter_ChannelMatch(t *testing.T) {
	r := NewRouter(nil)

	var orders, payments, all int
	r.Subscribe("orders", func(*wire.Envelope) { orders++ }, nil)
	r.Subscribe("payments", func(*wire.Envelope) { payments++ }, nil)
	r.Subscribe(Wildcard, func(*wire.Envelope) { all++ }, nil)

	if n := r.Dispatch(orderEnv("orders")); n != 2 {
		t.Errorf("Dispatch = %d deliveries, want 2", n)
	}

	if orders != 1 {
		t.Errorf("orders handler called %d times, want 1", orders)
	}
	if payments != 0 {
		t.Errorf("payments handler called %d times, want 0", payments)
	}
	if all != 1 {
		t.Errorf("wildcard handler called %d times, want 1", all)
	}
}

func TestRouter_Unsubscribe(t *testing.T) {
	r := NewRouter(nil)

	var calls int
	id := r.Subscribe("orders", func(*wire.Envelope) { calls++ }, nil)

	channel, ok := r.Unsubscribe(id)
	if !ok {
		t.Fatal("Unsubscribe returned false for live subscription")
	}
	if channel != "orders" {
		t.Errorf("channel = %q, want %q", channel, "orders")
	}

	r.Dispatch(orderEnv("orders"))
	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe, want 0", calls)
	}

	if _, ok := r.Unsubscribe(id); ok {
		t.Error("second Unsubscribe should return false")
	}
}

func TestRouter_Filter(t *testing.T) {
	r := NewRouter(nil)

	var got []string
	r.Subscribe("orders", func(e *wire.Envelope) { got = append(got, e.Type) }, &Options{
		Filter: func(e *wire.Envelope) bool { return e.Type == "order.created" },
	})

	r.Dispatch(&wire.Envelope{Type: "order.created", Channel: "orders"})
	r.Dispatch(&wire.Envelope{Type: "order.deleted", Channel: "orders"})

	if len(got) != 1 || got[0] != "order.created" {
		t.Errorf("delivered types = %v, want [order.created]", got)
	}
}

func TestRouter_Transform(t *testing.T) {
	r := NewRouter(nil)

	var got *wire.Envelope
	r.Subscribe("orders", func(e *wire.Envelope) { got = e }, &Options{
		Transform: func(e *wire.Envelope) *wire.Envelope {
			out := *e
			out.Data = json.RawMessage(`{"redacted":true}`)
			return &out
		},
	})

	original := &wire.Envelope{Type: "order.created", Channel: "orders", Data: json.RawMessage(`{"secret":1}`)}
	r.Dispatch(original)

	if got == nil {
		t.Fatal("handler never called")
	}
	if string(got.Data) != `{"redacted":true}` {
		t.Errorf("Data = %s, want transformed payload", got.Data)
	}
	if string(original.Data) != `{"secret":1}` {
		t.Error("transform mutated the original envelope")
	}
}

func TestRouter_PanicIsolation(t *testing.T) {
	r := NewRouter(nil)

	var survived int
	r.Subscribe("orders", func(*wire.Envelope) { panic("boom") }, nil)
	r.Subscribe("orders", func(*wire.Envelope) { survived++ }, nil)
	r.Subscribe(Wildcard, func(*wire.Envelope) { survived++ }, nil)

	r.Dispatch(orderEnv("orders"))

	if survived != 2 {
		t.Errorf("surviving handlers called %d times, want 2", survived)
	}
}

func TestRouter_Channels(t *testing.T) {
	r := NewRouter(nil)
	r.Subscribe("orders", func(*wire.Envelope) {}, nil)
	r.Subscribe("orders", func(*wire.Envelope) {}, nil)
	r.Subscribe("payments", func(*wire.Envelope) {}, nil)
	r.Subscribe(Wildcard, func(*wire.Envelope) {}, nil)

	channels := r.Channels()
	if len(channels) != 2 {
		t.Fatalf("Channels = %v, want 2 distinct channels", channels)
	}

	seen := map[string]bool{}
	for _, ch := range channels {
		seen[ch] = true
	}
	if !seen["orders"] || !seen["payments"] {
		t.Errorf("Channels = %v, want orders and payments", channels)
	}
}

func TestRouter_HasChannel(t *testing.T) {
	r := NewRouter(nil)
	id := r.Subscribe("orders", func(*wire.Envelope) {}, nil)

	if !r.HasChannel("orders") {
		t.Error("HasChannel(orders) = false, want true")
	}

	r.Unsubscribe(id)
	if r.HasChannel("orders") {
		t.Error("HasChannel(orders) = true after unsubscribe")
	}
}
