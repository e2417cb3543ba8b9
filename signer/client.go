package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/tkhumush/nostrtv/nip44"
	"github.com/tkhumush/nostrtv/nostr"
)

// RPC and handshake errors surfaced to the single waiting caller.
var (
	ErrTimeout      = errors.New("rpc timeout")
	ErrDisconnected = errors.New("signer disconnected")
	ErrNotConnected = errors.New("not connected to signer")
	ErrAuthFailed   = errors.New("handshake secret mismatch")
	ErrRateLimited  = errors.New("too many sign requests")
	errAlreadyInUse = errors.New("connect already in progress")
)

// DefaultRPCTimeout bounds every outstanding request.
const DefaultRPCTimeout = 30 * time.Second

// Sign-request rate limit (sliding window).
const (
	signRateLimit  = 10
	signRateWindow = time.Minute
)

// Transport is the slice of the relay pool the client needs.
type Transport interface {
	Subscribe(filter nostr.Filter, purpose string) (string, error)
	Unsubscribe(id string)
	Publish(evt *nostr.Event) error
}

// request and response are the NIP-46 JSON-RPC payloads carried encrypted
// inside kind-24133 events.
type request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// UnsignedEvent is what callers hand to SignEvent.
type UnsignedEvent struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
}

type rpcOutcome struct {
	result string
	err    error
}

// pendingRequest tracks one outstanding RPC call. It is resolved exactly
// once: by a matching response or by its timeout, whichever wins the
// LoadAndDelete race on the pending table.
type pendingRequest struct {
	method string
	sentAt time.Time
	ch     chan rpcOutcome
	timer  *time.Timer
}

// Client is a NIP-46 remote-signer client. One Client manages one signer
// connection; construct a new one per session.
type Client struct {
	transport Transport
	timeout   time.Duration

	mu      sync.Mutex // guards session fields and approval channel
	session *Session
	subID   string

	state   atomic.Int32
	pending *xsync.MapOf[string, *pendingRequest]

	// approval resolves the caller blocked in Connect/AwaitApproval.
	approval chan error

	signTimes   []time.Time
	signTimesMu sync.Mutex
}

// New creates a client for the direct (bunker://) flow.
func New(transport Transport, bunkerURL string) (*Client, error) {
	session, err := ParseBunkerURL(bunkerURL)
	if err != nil {
		return nil, err
	}
	return newClient(transport, session), nil
}

// NewReverse creates a client for the reverse flow. The returned URI is the
// connection descriptor the counterpart must scan or paste; the client's
// identity is learned from the first inbound reply.
func NewReverse(transport Transport, relays []string, appName string) (*Client, string, error) {
	secretBytes := make([]byte, 16)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	session, err := newSession(relays, hex.EncodeToString(secretBytes))
	if err != nil {
		return nil, "", err
	}
	return newClient(transport, session), session.ConnectURI(appName), nil
}

func newClient(transport Transport, session *Session) *Client {
	c := &Client{
		transport: transport,
		timeout:   DefaultRPCTimeout,
		session:   session,
		pending:   xsync.NewMapOf[string, *pendingRequest](),
	}
	c.state.Store(StateDisconnected)
	return c
}

// State returns the current connection state.
func (c *Client) State() int32 {
	return c.state.Load()
}

// Session returns a snapshot of the handshake state. The handshake mutates
// the live session under the client lock, so callers get a copy.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := *c.session
	return &snap
}

// SetTimeout overrides the per-request timeout. Call before issuing RPCs.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Connect runs the direct flow: subscribe for replies, send the connect
// request and wait for approval, then learn the user identity. A secret
// mismatch is fatal and leaves the client in the error state.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(StateDisconnected, StateConnecting) {
		return errAlreadyInUse
	}

	if err := c.openReplySubscription(); err != nil {
		c.state.Store(StateError)
		return err
	}

	c.state.Store(StateWaitingForApproval)

	c.mu.Lock()
	secret := c.session.Secret
	remote := c.session.RemotePubKeyHex()
	c.mu.Unlock()

	params := []string{remote}
	if secret != "" {
		params = append(params, secret)
	}
	echo, err := c.call(ctx, "connect", params)
	if err != nil {
		c.state.Store(StateError)
		return fmt.Errorf("connect failed: %w", err)
	}

	c.mu.Lock()
	ok := c.session.secretMatches(echo)
	if ok {
		c.session.Secret = "" // validated, not needed again
	}
	c.mu.Unlock()
	if !ok {
		c.state.Store(StateError)
		return ErrAuthFailed
	}

	return c.finishHandshake(ctx)
}

// AwaitApproval runs the reverse flow: the descriptor from NewReverse has
// been handed to the counterpart, and the first inbound RPC message both
// identifies it and must echo the handshake secret. A mismatch is fatal;
// the state never passes through connected.
func (c *Client) AwaitApproval(ctx context.Context) error {
	if !c.state.CompareAndSwap(StateDisconnected, StateConnecting) {
		return errAlreadyInUse
	}

	if err := c.openReplySubscription(); err != nil {
		c.state.Store(StateError)
		return err
	}

	approval := make(chan error, 1)
	c.mu.Lock()
	c.approval = approval
	c.mu.Unlock()

	c.state.Store(StateWaitingForScan)

	select {
	case err := <-approval:
		if err != nil {
			c.state.Store(StateError)
			return err
		}
	case <-ctx.Done():
		c.state.Store(StateError)
		return ctx.Err()
	}

	return c.finishHandshake(ctx)
}

// finishHandshake fetches the user identity and completes the transition to
// connected.
func (c *Client) finishHandshake(ctx context.Context) error {
	userHex, err := c.call(ctx, "get_public_key", []string{})
	if err != nil {
		c.state.Store(StateError)
		return fmt.Errorf("get_public_key failed: %w", err)
	}
	user, err := hex.DecodeString(userHex)
	if err != nil || len(user) != 32 {
		c.state.Store(StateError)
		return fmt.Errorf("invalid user pubkey %q", nostr.ShortID(userHex))
	}

	c.mu.Lock()
	c.session.UserPubKey = user
	c.mu.Unlock()

	c.state.Store(StateConnected)
	slog.Info("signer: connected", "user_pubkey", nostr.ShortID(userHex))
	return nil
}

// Disconnect tears the session down: the reply subscription is closed, all
// pending timeouts are cancelled and every outstanding waiter fails with
// ErrDisconnected.
func (c *Client) Disconnect() {
	c.state.Store(StateDisconnected)

	c.mu.Lock()
	subID := c.subID
	c.subID = ""
	approval := c.approval
	c.approval = nil
	c.mu.Unlock()

	if subID != "" {
		c.transport.Unsubscribe(subID)
	}
	if approval != nil {
		select {
		case approval <- ErrDisconnected:
		default:
		}
	}

	c.pending.Range(func(id string, _ *pendingRequest) bool {
		if pr, ok := c.pending.LoadAndDelete(id); ok {
			pr.timer.Stop()
			pr.ch <- rpcOutcome{err: ErrDisconnected}
		}
		return true
	})
}

// GetPublicKey asks the signer for the identity it signs for.
func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	if c.state.Load() != StateConnected {
		return "", ErrNotConnected
	}
	return c.call(ctx, "get_public_key", []string{})
}

// Ping checks the signer is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", []string{})
	return err
}

// SignEvent asks the remote signer to sign an event on the user's behalf.
func (c *Client) SignEvent(ctx context.Context, unsigned UnsignedEvent) (*nostr.Event, error) {
	if c.state.Load() != StateConnected {
		return nil, ErrNotConnected
	}
	if err := c.checkSignRate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	result, err := c.call(ctx, "sign_event", []string{string(payload)})
	if err != nil {
		return nil, fmt.Errorf("sign_event failed: %w", err)
	}

	var signed nostr.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return nil, fmt.Errorf("parse signed event: %w", err)
	}
	return &signed, nil
}

// PendingCount reports outstanding RPC requests.
func (c *Client) PendingCount() int {
	return c.pending.Size()
}

// HandleEvent ingests a kind-24133 event from the router's dispatch. Crypto
// runs off the ingestion path.
func (c *Client) HandleEvent(evt nostr.Event) {
	go c.processEvent(evt)
}

// call issues one RPC: serialize, encrypt, wrap, sign, publish, then block
// this caller until the response or the timeout resolves it.
func (c *Client) call(ctx context.Context, method string, params []string) (string, error) {
	c.mu.Lock()
	session := c.session
	convKey := session.ConversationKey
	remote := session.RemotePubKey
	c.mu.Unlock()
	if convKey == nil {
		return "", ErrNotConnected
	}

	id := uuid.NewString()
	pr := &pendingRequest{
		method: method,
		sentAt: time.Now(),
		ch:     make(chan rpcOutcome, 1),
	}
	// The timeout and the response path race on LoadAndDelete; exactly
	// one of them resolves the waiter. The timer is armed before the
	// entry is published so Disconnect never sees a half-built request.
	pr.timer = time.AfterFunc(c.timeout, func() {
		if p, ok := c.pending.LoadAndDelete(id); ok {
			slog.Debug("signer: rpc timed out", "method", p.method, "id", id)
			p.ch <- rpcOutcome{err: ErrTimeout}
		}
	})
	c.pending.Store(id, pr)

	if err := c.publishRequest(id, method, params, convKey, remote, session); err != nil {
		if p, ok := c.pending.LoadAndDelete(id); ok {
			p.timer.Stop()
		}
		return "", err
	}

	select {
	case out := <-pr.ch:
		return out.result, out.err
	case <-ctx.Done():
		if p, ok := c.pending.LoadAndDelete(id); ok {
			p.timer.Stop()
		}
		return "", ctx.Err()
	}
}

func (c *Client) publishRequest(id, method string, params []string, convKey, remote []byte, session *Session) error {
	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	ciphertext, err := nip44.Encrypt(string(payload), convKey)
	if err != nil {
		return fmt.Errorf("encrypt request: %w", err)
	}

	evt := &nostr.Event{
		PubKey:    hex.EncodeToString(session.ClientPubKey),
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindNostrConnect,
		Tags:      [][]string{{"p", hex.EncodeToString(remote)}},
		Content:   ciphertext,
	}
	if err := evt.Sign(session.ClientPrivKey); err != nil {
		return fmt.Errorf("sign request event: %w", err)
	}

	return c.transport.Publish(evt)
}

// processEvent decrypts and routes one inbound RPC-kind event: either a
// handshake reply that establishes the counterpart (reverse flow) or a
// response to a pending request.
func (c *Client) processEvent(evt nostr.Event) {
	c.mu.Lock()
	session := c.session
	convKey := session.ConversationKey
	remoteHex := session.RemotePubKeyHex()
	c.mu.Unlock()

	state := c.state.Load()

	if state == StateWaitingForScan {
		c.handleScanReply(evt)
		return
	}

	// Established counterpart: only its messages count.
	if convKey == nil || evt.PubKey != remoteHex {
		return
	}

	plaintext, err := nip44.Decrypt(evt.Content, convKey)
	if err != nil {
		slog.Debug("signer: cannot decrypt reply", "event_id", nostr.ShortID(evt.ID), "error", err)
		return
	}

	var resp response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		slog.Debug("signer: cannot parse reply", "event_id", nostr.ShortID(evt.ID), "error", err)
		return
	}
	c.resolve(resp)
}

// handleScanReply processes the first inbound message of the reverse flow:
// it names the previously-unknown counterpart and must echo the secret.
func (c *Client) handleScanReply(evt nostr.Event) {
	remote, err := hex.DecodeString(evt.PubKey)
	if err != nil || len(remote) != 32 {
		return
	}

	c.mu.Lock()
	session := c.session
	convKey, err := nip44.ConversationKey(session.ClientPrivKey, remote)
	c.mu.Unlock()
	if err != nil {
		return
	}

	plaintext, err := nip44.Decrypt(evt.Content, convKey)
	if err != nil {
		// Not for us; another client may share the relay.
		return
	}

	var resp response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil || resp.Result == "" {
		return
	}

	c.mu.Lock()
	approval := c.approval
	if approval == nil {
		c.mu.Unlock()
		return
	}
	c.approval = nil

	if !session.secretMatches(resp.Result) {
		c.mu.Unlock()
		slog.Warn("signer: handshake secret mismatch", "counterpart", nostr.ShortID(evt.PubKey))
		approval <- ErrAuthFailed
		return
	}

	session.Secret = ""
	session.RemotePubKey = remote
	session.ConversationKey = convKey
	c.mu.Unlock()

	c.state.Store(StateWaitingForApproval)
	slog.Info("signer: counterpart identified", "remote", nostr.ShortID(evt.PubKey))
	approval <- nil
}

// resolve matches a response to its pending request. LoadAndDelete makes
// the removal atomic against the timeout: one outcome, never both, never
// neither.
func (c *Client) resolve(resp response) {
	pr, ok := c.pending.LoadAndDelete(resp.ID)
	if !ok {
		return
	}
	pr.timer.Stop()

	if resp.Error != "" {
		pr.ch <- rpcOutcome{err: errors.New(resp.Error)}
		return
	}
	pr.ch <- rpcOutcome{result: resp.Result}
}

func (c *Client) openReplySubscription() error {
	c.mu.Lock()
	clientPubHex := hex.EncodeToString(c.session.ClientPubKey)
	c.mu.Unlock()

	subID, err := c.transport.Subscribe(nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		PTags: []string{clientPubHex},
	}, "nip46-replies")
	if err != nil {
		return fmt.Errorf("subscribe for replies: %w", err)
	}

	c.mu.Lock()
	c.subID = subID
	c.mu.Unlock()
	return nil
}

func (c *Client) checkSignRate() error {
	c.signTimesMu.Lock()
	defer c.signTimesMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-signRateWindow)
	live := c.signTimes[:0]
	for _, t := range c.signTimes {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	c.signTimes = live

	if len(c.signTimes) >= signRateLimit {
		return ErrRateLimited
	}
	c.signTimes = append(c.signTimes, now)
	return nil
}
