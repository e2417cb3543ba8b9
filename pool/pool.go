// Package pool maintains concurrent connections to a set of Nostr relays,
// multiplexes their inbound frames into one merged event stream, and keeps
// subscriptions alive across reconnects with exponential backoff.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tkhumush/nostrtv/nostr"
)

// Pool states reported by State().
const (
	StateHealthy int32 = iota
	StateReconnecting
)

// Config tunes the pool. Zero values take the documented defaults.
type Config struct {
	Relays           []string
	DialTimeout      time.Duration // default 10s
	HealthInterval   time.Duration // default 5s
	SilenceThreshold time.Duration // default 60s
	BackoffInitial   time.Duration // default 1s
	BackoffMax       time.Duration // default 30s
	EventBuffer      int           // default 512
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 60 * time.Second
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 512
	}
}

// subRecord retains the full filter so every subscription can be reissued
// automatically after a reconnect.
type subRecord struct {
	id      string
	purpose string
	filter  nostr.Filter
}

// Pool owns N relay connections. One merged stream of inbound events is
// exposed through Events(); connection failures are recovered internally and
// never surfaced per-call.
type Pool struct {
	cfg Config

	mu     sync.Mutex // guards conns, started, closed
	conns  map[string]*relayConn
	connWG sync.WaitGroup

	subMu sync.Mutex // guards subs only; never held across conn writes
	subs  map[string]*subRecord

	events      chan nostr.Event
	lastMessage atomic.Int64 // unix nanos
	state       atomic.Int32
	dropped     atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	started   bool
	closed    bool

	// Optional frame callbacks. Set before Connect.
	OnEOSE   func(subID, relayURL string)
	OnOK     func(eventID string, accepted bool, reason string)
	OnNotice func(relayURL, text string)
}

var errNoRelays = errors.New("no relays configured")

// New creates a pool for the configured relays. Call Connect to open them.
func New(cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:    cfg,
		conns:  make(map[string]*relayConn),
		subs:   make(map[string]*subRecord),
		events: make(chan nostr.Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the merged inbound event stream. Duplicate delivery of the
// same event from independent relays is expected; consumers dedupe by ID
// where it matters.
func (p *Pool) Events() <-chan nostr.Event {
	return p.events
}

// State returns StateHealthy or StateReconnecting.
func (p *Pool) State() int32 {
	return p.state.Load()
}

// Connect opens all configured relay connections and starts the health loop.
// Individual dial failures are logged; Connect fails only when every relay
// is unreachable.
func (p *Pool) Connect(ctx context.Context) error {
	if len(p.cfg.Relays) == 0 {
		return errNoRelays
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("pool is closed")
	}
	p.mu.Unlock()

	opened := p.dialAll(ctx)
	if opened == 0 {
		return errors.New("all relay connections failed")
	}

	p.noteMessage()

	// Mark started only once at least one connection is up, so a fully
	// failed Connect leaves the health loop for a later retry to launch.
	p.mu.Lock()
	alreadyStarted := p.started
	p.started = true
	p.mu.Unlock()
	if !alreadyStarted {
		go p.healthLoop()
	}
	return nil
}

// Disconnect closes every connection, clears all subscriptions and stops the
// health loop. The merged event channel is closed once all readers drain.
func (p *Pool) Disconnect() {
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		p.closed = true
		conns := p.conns
		p.conns = make(map[string]*relayConn)
		p.mu.Unlock()

		for _, rc := range conns {
			rc.markClosed()
		}

		p.subMu.Lock()
		p.subs = make(map[string]*subRecord)
		p.subMu.Unlock()

		p.connWG.Wait()
		close(p.events)
	})
}

// Subscribe records the filter under the given purpose tag and issues the
// REQ on every open connection. The returned subscription id is stable
// across reconnects.
func (p *Pool) Subscribe(filter nostr.Filter, purpose string) (string, error) {
	id := purpose + "-" + randomID(8)

	p.subMu.Lock()
	p.subs[id] = &subRecord{id: id, purpose: purpose, filter: filter}
	p.subMu.Unlock()

	p.broadcast([]interface{}{"REQ", id, filter.ToWire()})
	return id, nil
}

// Unsubscribe closes the subscription on every connection and forgets it.
func (p *Pool) Unsubscribe(id string) {
	p.subMu.Lock()
	_, exists := p.subs[id]
	delete(p.subs, id)
	p.subMu.Unlock()

	if exists {
		p.broadcast([]interface{}{"CLOSE", id})
	}
}

// Publish sends a signed event to every connected relay. Per-relay send
// failures are logged, not returned; an error means no connection accepted
// the write at all.
func (p *Pool) Publish(evt *nostr.Event) error {
	if p.broadcast([]interface{}{"EVENT", evt}) == 0 {
		return errors.New("no relay accepted the publish")
	}
	return nil
}

// SubscriptionCount returns the number of active subscriptions.
func (p *Pool) SubscriptionCount() int {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return len(p.subs)
}

// Stats reports open connections and events dropped due to a full consumer.
func (p *Pool) Stats() (conns int, droppedEvents int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns), p.dropped.Load()
}

// broadcast writes a frame to every open connection, returning how many
// writes succeeded.
func (p *Pool) broadcast(frame []interface{}) int {
	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		conns = append(conns, rc)
	}
	p.mu.Unlock()

	sent := 0
	for _, rc := range conns {
		if rc.isClosed() {
			continue
		}
		if err := rc.writeJSON(frame); err != nil {
			slog.Warn("pool: send failed", "relay", rc.relayURL, "error", err)
			rc.markClosed()
			continue
		}
		sent++
	}
	return sent
}

// dialAll opens a connection to every configured relay that is not already
// open. Returns the number of live connections.
func (p *Pool) dialAll(ctx context.Context) int {
	opened := 0
	for _, relayURL := range p.cfg.Relays {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return opened
		}
		if rc, ok := p.conns[relayURL]; ok && !rc.isClosed() {
			p.mu.Unlock()
			opened++
			continue
		}
		p.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, relayURL, nil)
		cancel()
		if err != nil {
			slog.Warn("pool: dial failed", "relay", relayURL, "error", err)
			continue
		}

		rc := &relayConn{conn: conn, relayURL: relayURL, pool: p}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return opened
		}
		p.conns[relayURL] = rc
		p.connWG.Add(1)
		p.mu.Unlock()

		go rc.readLoop()
		opened++
		slog.Debug("pool: connected", "relay", relayURL)
	}
	return opened
}

// deliver pushes a validated-later event into the merged stream when its
// subscription is still active. A full channel drops the event rather than
// stalling the reader.
func (p *Pool) deliver(subID string, evt nostr.Event) {
	p.subMu.Lock()
	_, active := p.subs[subID]
	p.subMu.Unlock()
	if !active {
		return
	}

	select {
	case p.events <- evt:
	case <-p.done:
	default:
		p.dropped.Add(1)
	}
}

// noteMessage records transport liveness. The first message after a
// reconnect flips the pool back to healthy and resets the backoff schedule
// (the health loop observes the state change).
func (p *Pool) noteMessage() {
	p.lastMessage.Store(time.Now().UnixNano())
	p.state.CompareAndSwap(StateReconnecting, StateHealthy)
}

func (p *Pool) notifyEOSE(subID, relayURL string) {
	if p.OnEOSE != nil {
		p.OnEOSE(subID, relayURL)
	}
}

func (p *Pool) notifyOK(eventID string, accepted bool, reason string) {
	if p.OnOK != nil {
		p.OnOK(eventID, accepted, reason)
	}
}

func (p *Pool) notifyNotice(relayURL, text string) {
	if p.OnNotice != nil {
		p.OnNotice(relayURL, text)
	}
}

// healthLoop watches for transport silence. When nothing has arrived for
// SilenceThreshold and at least one subscription is active, it tears down
// all connections and re-establishes them with exponential backoff, then
// reissues every recorded subscription.
func (p *Pool) healthLoop() {
	bo := newBackoff(p.cfg.BackoffInitial, p.cfg.BackoffMax)
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		if p.state.Load() == StateHealthy {
			bo.Reset()
		}

		silence := time.Since(time.Unix(0, p.lastMessage.Load()))
		if silence < p.cfg.SilenceThreshold || p.SubscriptionCount() == 0 {
			continue
		}

		p.state.Store(StateReconnecting)
		delay := bo.Next()
		slog.Warn("pool: silent too long, reconnecting",
			"silence", silence.Round(time.Second), "delay", delay)

		p.closeAllConns()

		select {
		case <-p.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
		opened := p.dialAll(ctx)
		cancel()
		if opened == 0 {
			// Next tick retries with a doubled delay.
			continue
		}

		p.resubscribeAll()
		// Healthy again only once the next message actually arrives.
	}
}

func (p *Pool) closeAllConns() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}

// resubscribeAll reissues every recorded subscription by purpose. Filters
// are retained in full, so restoration needs no external re-trigger.
func (p *Pool) resubscribeAll() {
	p.subMu.Lock()
	records := make([]*subRecord, 0, len(p.subs))
	for _, rec := range p.subs {
		records = append(records, rec)
	}
	p.subMu.Unlock()

	for _, rec := range records {
		p.broadcast([]interface{}{"REQ", rec.id, rec.filter.ToWire()})
		slog.Debug("pool: resubscribed", "purpose", rec.purpose, "sub_id", rec.id)
	}
}

func randomID(n int) string {
	b := make([]byte, (n+1)/2)
	rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
