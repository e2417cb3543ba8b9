package router

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/tkhumush/nostrtv/nostr"
)

func signedEvent(t *testing.T, kind int, tags [][]string, content string) nostr.Event {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := nostr.GetPublicKey(priv)
	evt := nostr.Event{
		PubKey:    hex.EncodeToString(pub),
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := evt.Sign(priv); err != nil {
		t.Fatal(err)
	}
	return evt
}

func TestDispatchCallsKindHandler(t *testing.T) {
	r := New()

	var got nostr.Event
	r.Register(1311, func(evt nostr.Event) { got = evt })

	coord := "30311:" + strings.Repeat("ab", 32) + ":stream"
	evt := signedEvent(t, 1311, [][]string{{"a", coord}}, "gm")
	r.Dispatch(evt)

	if got.ID != evt.ID {
		t.Errorf("handler not called with the event, got %+v", got)
	}
	validated, discarded := r.Stats()
	if validated != 1 || discarded != 0 {
		t.Errorf("stats = %d/%d, want 1/0", validated, discarded)
	}
}

func TestDispatchDropsUnknownKind(t *testing.T) {
	r := New()
	called := false
	r.Register(1311, func(nostr.Event) { called = true })

	r.Dispatch(signedEvent(t, 1, nil, "note"))
	if called {
		t.Error("handler for a different kind must not run")
	}
	if validated, _ := r.Stats(); validated != 1 {
		t.Error("unknown kind still counts as validated")
	}
}

func TestDispatchDropsInvalidEvent(t *testing.T) {
	r := New()
	called := false
	r.Register(1311, func(nostr.Event) { called = true })

	evt := signedEvent(t, 1311, [][]string{{"a", "30311:" + strings.Repeat("ab", 32) + ":s"}}, "gm")
	evt.Content = "tampered"
	r.Dispatch(evt)

	if called {
		t.Error("invalid event must never reach a handler")
	}
	if _, discarded := r.Stats(); discarded != 1 {
		t.Error("discard not counted")
	}
}

func TestDispatchSkipSignatureCheck(t *testing.T) {
	r := New()
	r.SkipSignatureCheck = true
	called := false
	r.Register(1, func(nostr.Event) { called = true })

	evt := signedEvent(t, 1, nil, "note")
	evt.Sig = strings.Repeat("00", 64) // structurally fine, cryptographically wrong
	r.Dispatch(evt)

	if !called {
		t.Error("fast path should dispatch without verifying the signature")
	}
}

func TestRegisterReplacesHandler(t *testing.T) {
	r := New()
	r.Register(1, func(nostr.Event) { t.Error("replaced handler must not run") })
	called := false
	r.Register(1, func(nostr.Event) { called = true })

	r.Dispatch(signedEvent(t, 1, nil, "x"))
	if !called {
		t.Error("replacement handler should run")
	}
}

func TestRunStopsOnClosedChannel(t *testing.T) {
	r := New()
	events := make(chan nostr.Event)
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), events)
		close(done)
	}()

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return when the stream closes")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan nostr.Event)
	done := make(chan struct{})
	go func() {
		r.Run(ctx, events)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return when ctx is cancelled")
	}
}
