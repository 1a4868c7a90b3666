package hub

import (
	"sort"
	"testing"
)

func newClient(id, businessID string, active bool) *Client {
	return &Client{ID: id, Send: make(chan []byte, 1), BusinessID: businessID, Active: active}
}

func TestBroadcastScopesByBusiness(t *testing.T) {
	h := New(nil)
	a := newClient("a", "b-1", true)
	b := newClient("b", "b-2", true)
	idle := newClient("c", "b-1", false)
	h.Register(a)
	h.Register(b)
	h.Register(idle)
	defer h.Unregister(a)
	defer h.Unregister(b)
	defer h.Unregister(idle)

	if n := h.Broadcast("b-1", []byte("x")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(a.Send) != 1 || len(b.Send) != 0 || len(idle.Send) != 0 {
		t.Fatalf("message leaked across businesses")
	}

	// full buffer drops instead of blocking
	if n := h.Broadcast("b-1", []byte("y")); n != 0 {
		t.Fatalf("expected drop on full buffer, got %d", n)
	}
}

func TestBusinessesListsActiveSubscribers(t *testing.T) {
	h := New(nil)
	h.Register(newClient("a", "b-1", true))
	h.Register(newClient("b", "b-1", true))
	c := newClient("c", "b-2", false)
	h.Register(c)

	got := h.Businesses()
	if len(got) != 1 || got[0] != "b-1" {
		t.Fatalf("unexpected businesses %v", got)
	}
	h.SetActive(c, true)
	got = h.Businesses()
	sort.Strings(got)
	if len(got) != 2 || got[1] != "b-2" {
		t.Fatalf("unexpected businesses %v", got)
	}
}

func TestUnregisterClosesOnce(t *testing.T) {
	h := New(nil)
	c := newClient("a", "b-1", true)
	h.Register(c)
	h.Unregister(c)
	h.Unregister(c)
	if _, ok := <-c.Send; ok {
		t.Fatalf("expected closed send channel")
	}
	if h.Len() != 0 {
		t.Fatalf("expected empty hub")
	}
}

func TestParseSubscribe(t *testing.T) {
	if _, ok := ParseSubscribe([]byte(`{"action":"subscribe"}`)); !ok {
		t.Fatalf("expected subscribe to parse")
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"dance"}`)); ok {
		t.Fatalf("unknown action must be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`nope`)); ok {
		t.Fatalf("invalid json must be rejected")
	}
}
