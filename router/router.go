// Package router consumes the pool's merged event stream, validates each
// event and dispatches it by kind through a registered handler table.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tkhumush/nostrtv/nostr"
)

// Handler processes a single validated event of a registered kind. Handlers
// must not block: work that can suspend (crypto, network) belongs on the
// handler's own goroutine or queue.
type Handler func(evt nostr.Event)

// Router validates inbound events and dispatches each to exactly one handler
// chosen by numeric kind. Unknown kinds are dropped without error; invalid
// events never reach a handler.
type Router struct {
	validator *nostr.Validator

	// SkipSignatureCheck selects the lighter validation path for
	// trusted-source deployments. Callers opt in explicitly.
	SkipSignatureCheck bool

	mu       sync.RWMutex
	handlers map[int]Handler

	validated atomic.Int64
	discarded atomic.Int64
}

// New creates a router with a default validator and an empty dispatch table.
func New() *Router {
	return &Router{
		validator: nostr.NewValidator(),
		handlers:  make(map[int]Handler),
	}
}

// Register installs the handler for a kind, replacing any previous one. The
// table is open for extension; no router change is needed for new kinds.
func (r *Router) Register(kind int, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Run consumes events until the stream closes or ctx is cancelled.
func (r *Router) Run(ctx context.Context, events <-chan nostr.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.Dispatch(evt)
		}
	}
}

// Dispatch validates one event and hands it to its kind handler. Exposed for
// consumers that feed events from their own source.
func (r *Router) Dispatch(evt nostr.Event) {
	var err error
	if r.SkipSignatureCheck {
		err = r.validator.ValidateWithoutSignature(&evt)
	} else {
		err = r.validator.Validate(&evt)
	}
	if err != nil {
		r.discarded.Add(1)
		slog.Debug("router: event discarded",
			"event_id", nostr.ShortID(evt.ID), "kind", evt.Kind, "reason", err)
		return
	}
	r.validated.Add(1)

	r.mu.RLock()
	h := r.handlers[evt.Kind]
	r.mu.RUnlock()

	if h == nil {
		return
	}
	h(evt)
}

// Stats reports how many events passed validation and how many were
// discarded.
func (r *Router) Stats() (validated, discarded int64) {
	return r.validated.Load(), r.discarded.Load()
}
