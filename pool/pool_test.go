package pool

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tkhumush/nostrtv/nostr"
)

// fakeRelay is a minimal in-process relay: it records inbound frames and
// lets the test inject outbound ones on every live connection.
type fakeRelay struct {
	server *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	reqs  []string // subscription ids from REQ frames
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{}
	fr.server = httptest.NewServer(fr.handler())
	t.Cleanup(fr.server.Close)
	return fr
}

// newFakeRelayAt binds the relay to a specific address, for tests that need
// a relay to come up where a previous dial failed.
func newFakeRelayAt(t *testing.T, addr string) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	fr.server = httptest.NewUnstartedServer(fr.handler())
	fr.server.Listener.Close()
	fr.server.Listener = ln
	fr.server.Start()
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRelay) handler() http.Handler {
	upgrader := websocket.Upgrader{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.conns = append(fr.conns, conn)
		fr.mu.Unlock()

		for {
			var frame []interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if len(frame) >= 2 {
				if verb, _ := frame[0].(string); verb == "REQ" {
					if id, ok := frame[1].(string); ok {
						fr.mu.Lock()
						fr.reqs = append(fr.reqs, id)
						fr.mu.Unlock()
					}
				}
			}
		}
	})
}

func (fr *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(fr.server.URL, "http")
}

func (fr *fakeRelay) send(t *testing.T, frame []interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, conn := range fr.conns {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (fr *fakeRelay) reqCount() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.reqs)
}

func (fr *fakeRelay) closeConns() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, conn := range fr.conns {
		conn.Close()
	}
	fr.conns = nil
}

func eventFrame(subID string) []interface{} {
	return []interface{}{"EVENT", subID, map[string]interface{}{
		"id":         strings.Repeat("ab", 32),
		"pubkey":     strings.Repeat("cd", 32),
		"created_at": float64(1700000000),
		"kind":       float64(1311),
		"content":    "gm",
		"sig":        strings.Repeat("ef", 64),
		"tags":       []interface{}{},
	}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectFailsWithoutRelays(t *testing.T) {
	p := New(Config{})
	if err := p.Connect(context.Background()); err == nil {
		t.Error("Connect with no relays should fail")
	}
}

func TestConnectFailsWhenAllUnreachable(t *testing.T) {
	p := New(Config{
		Relays:      []string{"ws://127.0.0.1:1"},
		DialTimeout: 200 * time.Millisecond,
	})
	if err := p.Connect(context.Background()); err == nil {
		t.Error("Connect should fail when every relay is unreachable")
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	fr := newFakeRelay(t)
	p := New(Config{Relays: []string{fr.url()}})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Disconnect()

	subID, err := p.Subscribe(nostr.Filter{Kinds: []int{1311}}, "chat")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !strings.HasPrefix(subID, "chat-") {
		t.Errorf("sub id %q should carry its purpose prefix", subID)
	}
	waitFor(t, 2*time.Second, func() bool { return fr.reqCount() >= 1 })

	fr.send(t, eventFrame(subID))

	select {
	case evt := <-p.Events():
		if evt.Kind != 1311 || evt.Content != "gm" {
			t.Errorf("wrong event delivered: %+v", evt)
		}
		if len(evt.RelaysSeen) != 1 {
			t.Errorf("RelaysSeen not recorded: %v", evt.RelaysSeen)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fr := newFakeRelay(t)
	p := New(Config{Relays: []string{fr.url()}})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Disconnect()

	subID, _ := p.Subscribe(nostr.Filter{Kinds: []int{1311}}, "chat")
	waitFor(t, 2*time.Second, func() bool { return fr.reqCount() >= 1 })

	p.Unsubscribe(subID)
	if p.SubscriptionCount() != 0 {
		t.Error("subscription should be forgotten")
	}

	fr.send(t, eventFrame(subID))
	select {
	case evt := <-p.Events():
		t.Errorf("event for closed subscription delivered: %+v", evt)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReconnectReissuesSubscriptions(t *testing.T) {
	fr := newFakeRelay(t)
	p := New(Config{
		Relays:           []string{fr.url()},
		HealthInterval:   30 * time.Millisecond,
		SilenceThreshold: 80 * time.Millisecond,
		BackoffInitial:   10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
	})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Disconnect()

	subID, _ := p.Subscribe(nostr.Filter{Kinds: []int{1311}}, "chat")
	waitFor(t, 2*time.Second, func() bool { return fr.reqCount() >= 1 })

	// Kill the transport and go silent; the health loop must dial back in
	// and reissue the same subscription id.
	fr.closeConns()
	waitFor(t, 5*time.Second, func() bool { return fr.reqCount() >= 2 })

	fr.mu.Lock()
	last := fr.reqs[len(fr.reqs)-1]
	fr.mu.Unlock()
	if last != subID {
		t.Errorf("reissued sub id = %q, want %q", last, subID)
	}
	if p.State() != StateReconnecting {
		t.Log("pool already healthy again; acceptable if a message raced in")
	}

	// Traffic on the new connection flips the pool healthy.
	fr.send(t, eventFrame(subID))
	waitFor(t, 2*time.Second, func() bool { return p.State() == StateHealthy })
}

func TestHealthLoopStartsOnRetriedConnect(t *testing.T) {
	// Reserve an address with nothing listening on it yet.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := New(Config{
		Relays:           []string{"ws://" + addr},
		DialTimeout:      200 * time.Millisecond,
		HealthInterval:   30 * time.Millisecond,
		SilenceThreshold: 80 * time.Millisecond,
		BackoffInitial:   10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
	})
	if err := p.Connect(context.Background()); err == nil {
		t.Fatal("Connect with nothing listening should fail")
	}

	fr := newFakeRelayAt(t, addr)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("retried Connect: %v", err)
	}
	defer p.Disconnect()

	subID, _ := p.Subscribe(nostr.Filter{Kinds: []int{1311}}, "chat")
	waitFor(t, 2*time.Second, func() bool { return fr.reqCount() >= 1 })

	// Silence detection must be live even though the first Connect failed:
	// kill the transport and expect the reissued subscription.
	fr.closeConns()
	waitFor(t, 5*time.Second, func() bool { return fr.reqCount() >= 2 })

	fr.mu.Lock()
	last := fr.reqs[len(fr.reqs)-1]
	fr.mu.Unlock()
	if last != subID {
		t.Errorf("reissued sub id = %q, want %q", last, subID)
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	p := New(Config{Relays: []string{"ws://127.0.0.1:1"}, DialTimeout: 100 * time.Millisecond})
	// Never connected: no conns, publish must fail.
	evt := &nostr.Event{Kind: 1, Content: "x"}
	if err := p.Publish(evt); err == nil {
		t.Error("Publish with no connections should fail")
	}
}

func TestDisconnectClosesEventStream(t *testing.T) {
	fr := newFakeRelay(t)
	p := New(Config{Relays: []string{fr.url()}})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.Disconnect()
	p.Disconnect() // idempotent

	select {
	case _, ok := <-p.Events():
		if ok {
			t.Error("no event should be pending after Disconnect")
		}
	case <-time.After(time.Second):
		t.Error("event channel should be closed after Disconnect")
	}
}
