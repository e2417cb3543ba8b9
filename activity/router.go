// Package activity demultiplexes live-activity traffic (chat and zaps) to
// per-stream handlers keyed by the stream's coordinate, and keeps the
// underlying subscriptions alive with its own heartbeat.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tkhumush/nostrtv/nostr"
	"github.com/tkhumush/nostrtv/types"
)

// Transport is the slice of the relay pool the router needs.
type Transport interface {
	Subscribe(filter nostr.Filter, purpose string) (string, error)
	Unsubscribe(id string)
}

// Handlers receives the activity for one stream. Nil callbacks are skipped.
type Handlers struct {
	OnChat func(types.ChatMessage)
	OnZap  func(types.ZapReceipt)
}

// Config tunes the heartbeat. Zero values take defaults.
type Config struct {
	CheckInterval    time.Duration // how often silence is evaluated
	SilenceThreshold time.Duration // quiet time before reissuing subscriptions
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

func (c *Config) applyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 15 * time.Second
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Subscription is a live registration for one coordinate. Close is
// idempotent and detaches the handlers.
type Subscription struct {
	router     *Router
	coordinate string
	closeOnce  sync.Once
}

// Close cancels the registration. Closing a subscription that was already
// replaced by a newer one for the same coordinate is a no-op.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.router.remove(s.coordinate, s)
	})
}

type entry struct {
	sub      *Subscription
	handlers Handlers
	subID    string
}

// Router fans events for kind-1311 chat and kind-9735 zaps out to the
// handler registered for the event's stream coordinate.
type Router struct {
	transport Transport
	cfg       Config

	mu      sync.Mutex
	entries map[string]*entry // keyed by normalized coordinate

	lastMessage atomic.Int64 // unix nanos

	dispatched uint64
	unmatched  uint64
	statsMu    sync.Mutex
}

// New creates an activity router over the given transport.
func New(transport Transport, cfg Config) *Router {
	cfg.applyDefaults()
	r := &Router{
		transport: transport,
		cfg:       cfg,
		entries:   make(map[string]*entry),
	}
	r.lastMessage.Store(time.Now().UnixNano())
	return r
}

// Subscribe registers handlers for one stream coordinate and opens a relay
// subscription for its chat and zap traffic. A second Subscribe for the
// same coordinate replaces the first: the old registration stops receiving
// and its relay subscription is closed.
func (r *Router) Subscribe(coordinate string, h Handlers) (*Subscription, error) {
	coord := nostr.NormalizeCoordinate(coordinate)
	if !nostr.IsValidCoordinate(coord) {
		return nil, nostr.ErrBadCoordinate
	}

	subID, err := r.transport.Subscribe(nostr.Filter{
		Kinds: []int{nostr.KindLiveChatMessage, nostr.KindZapReceipt},
		ATags: []string{coord},
	}, "activity")
	if err != nil {
		return nil, err
	}

	sub := &Subscription{router: r, coordinate: coord}

	r.mu.Lock()
	prev := r.entries[coord]
	r.entries[coord] = &entry{sub: sub, handlers: h, subID: subID}
	r.mu.Unlock()

	if prev != nil {
		r.transport.Unsubscribe(prev.subID)
		slog.Debug("activity: replaced subscription", "coordinate", coord)
	}
	return sub, nil
}

// remove drops the registration if it is still the current one for its
// coordinate. A registration already superseded by a newer Subscribe must
// not tear down its replacement.
func (r *Router) remove(coordinate string, sub *Subscription) {
	r.mu.Lock()
	cur, ok := r.entries[coordinate]
	if !ok || cur.sub != sub {
		r.mu.Unlock()
		return
	}
	delete(r.entries, coordinate)
	r.mu.Unlock()

	r.transport.Unsubscribe(cur.subID)
}

// HandleChat routes one chat message to the handler for its coordinate.
func (r *Router) HandleChat(msg types.ChatMessage) {
	r.lastMessage.Store(time.Now().UnixNano())

	h, ok := r.lookup(msg.Coordinate)
	if !ok || h.OnChat == nil {
		r.note(false)
		return
	}
	r.note(true)
	h.OnChat(msg)
}

// HandleZap routes one zap receipt to the handler for its coordinate.
func (r *Router) HandleZap(zap types.ZapReceipt) {
	r.lastMessage.Store(time.Now().UnixNano())

	h, ok := r.lookup(zap.Coordinate)
	if !ok || h.OnZap == nil {
		r.note(false)
		return
	}
	r.note(true)
	h.OnZap(zap)
}

func (r *Router) lookup(coordinate string) (Handlers, bool) {
	coord := nostr.NormalizeCoordinate(coordinate)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[coord]
	if !ok {
		return Handlers{}, false
	}
	return e.handlers, true
}

func (r *Router) note(matched bool) {
	r.statsMu.Lock()
	if matched {
		r.dispatched++
	} else {
		r.unmatched++
	}
	r.statsMu.Unlock()
}

// Stats reports routed and unmatched activity events.
func (r *Router) Stats() (dispatched, unmatched uint64) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.dispatched, r.unmatched
}

// Len reports the number of registered coordinates.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run drives the heartbeat until ctx is cancelled. When activity traffic
// goes silent past the threshold while streams are registered, the
// subscriptions are reissued under exponential backoff. Any routed message
// resets the backoff.
func (r *Router) Run(ctx context.Context) {
	delay := r.cfg.BackoffInitial
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		silence := time.Since(time.Unix(0, r.lastMessage.Load()))
		if silence < r.cfg.SilenceThreshold {
			delay = r.cfg.BackoffInitial
			continue
		}
		if r.Len() == 0 {
			continue
		}

		slog.Warn("activity: traffic silent, reissuing subscriptions",
			"silence", silence.Round(time.Second),
			"coordinates", r.Len(),
			"retry_delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		r.reissue()
		r.lastMessage.Store(time.Now().UnixNano())

		delay *= 2
		if delay > r.cfg.BackoffMax {
			delay = r.cfg.BackoffMax
		}
	}
}

// reissue replaces the relay subscription of every registered coordinate.
func (r *Router) reissue() {
	r.mu.Lock()
	coords := make([]string, 0, len(r.entries))
	for coord := range r.entries {
		coords = append(coords, coord)
	}
	r.mu.Unlock()

	for _, coord := range coords {
		subID, err := r.transport.Subscribe(nostr.Filter{
			Kinds: []int{nostr.KindLiveChatMessage, nostr.KindZapReceipt},
			ATags: []string{coord},
		}, "activity")
		if err != nil {
			slog.Warn("activity: reissue failed", "coordinate", coord, "error", err)
			continue
		}

		r.mu.Lock()
		e, ok := r.entries[coord]
		var old string
		if ok {
			old = e.subID
			e.subID = subID
		}
		r.mu.Unlock()

		if !ok {
			r.transport.Unsubscribe(subID)
			continue
		}
		if old != "" {
			r.transport.Unsubscribe(old)
		}
	}
}
