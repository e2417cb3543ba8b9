// Package signer implements the NIP-46 remote-signing client: bunker and
// nostrconnect handshakes, then end-to-end-encrypted RPC over the relay
// pool for delegated event signing.
package signer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tkhumush/nostrtv/nip44"
	"github.com/tkhumush/nostrtv/nostr"
)

// Connection states. Transitions: Disconnected -> Connecting ->
// {WaitingForScan | WaitingForApproval} -> Connected | Error.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateWaitingForScan     // reverse flow: descriptor published, nothing scanned yet
	StateWaitingForApproval // counterpart known, approval outstanding
	StateConnected
	StateError
)

// StateName renders a state for logs.
func StateName(s int32) string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaitingForScan:
		return "waiting_for_scan"
	case StateWaitingForApproval:
		return "waiting_for_approval"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session holds the handshake state for one remote-signer connection.
type Session struct {
	ClientPrivKey []byte // ephemeral local key
	ClientPubKey  []byte

	// RemotePubKey is the counterpart signer. In the reverse flow it is
	// learned only from the first inbound reply.
	RemotePubKey []byte

	// UserPubKey is the identity the signer signs for, established once
	// the handshake completes.
	UserPubKey []byte

	Relays []string

	// Secret must be echoed back by the counterpart (literally or as the
	// "ack" token). Cleared after validation.
	Secret string

	ConversationKey []byte
}

// ackToken is the fixed acknowledgment a counterpart may return instead of
// echoing the secret.
const ackToken = "ack"

var (
	ErrBadBunkerURL = errors.New("invalid bunker URL")
)

// newSession generates the ephemeral client keypair.
func newSession(relays []string, secret string) (*Session, error) {
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate client keypair: %w", err)
	}
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive client pubkey: %w", err)
	}
	return &Session{
		ClientPrivKey: priv,
		ClientPubKey:  pub,
		Relays:        relays,
		Secret:        secret,
	}, nil
}

// setRemote fixes the counterpart identity and precomputes the conversation
// key.
func (s *Session) setRemote(remotePubKey []byte) error {
	key, err := nip44.ConversationKey(s.ClientPrivKey, remotePubKey)
	if err != nil {
		return fmt.Errorf("compute conversation key: %w", err)
	}
	s.RemotePubKey = remotePubKey
	s.ConversationKey = key
	return nil
}

// secretMatches checks the counterpart's echo of the handshake secret. An
// empty local secret accepts any acknowledgment.
func (s *Session) secretMatches(echo string) bool {
	if s.Secret == "" {
		return true
	}
	return echo == s.Secret || echo == ackToken
}

// ParseBunkerURL parses bunker://<remote-pubkey>?relay=...&secret=... into a
// session for the direct flow.
func ParseBunkerURL(bunkerURL string) (*Session, error) {
	if !strings.HasPrefix(bunkerURL, "bunker://") {
		return nil, ErrBadBunkerURL
	}

	u, err := url.Parse(bunkerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBunkerURL, err)
	}

	remoteHex := u.Host
	if len(remoteHex) != 64 {
		return nil, fmt.Errorf("%w: bad remote pubkey", ErrBadBunkerURL)
	}
	remote, err := hex.DecodeString(remoteHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad remote pubkey hex", ErrBadBunkerURL)
	}

	relays := u.Query()["relay"]
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: no relay specified", ErrBadBunkerURL)
	}

	s, err := newSession(relays, u.Query().Get("secret"))
	if err != nil {
		return nil, err
	}
	if err := s.setRemote(remote); err != nil {
		return nil, err
	}
	return s, nil
}

// ConnectURI renders the nostrconnect:// descriptor the counterpart scans in
// the reverse flow.
func (s *Session) ConnectURI(appName string) string {
	u := url.URL{
		Scheme: "nostrconnect",
		Host:   hex.EncodeToString(s.ClientPubKey),
	}
	q := u.Query()
	for _, relay := range s.Relays {
		q.Add("relay", relay)
	}
	q.Set("secret", s.Secret)
	if appName != "" {
		q.Set("name", appName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RemotePubKeyHex returns the counterpart pubkey in hex, or "".
func (s *Session) RemotePubKeyHex() string {
	return hex.EncodeToString(s.RemotePubKey)
}

// UserPubKeyHex returns the signed-for identity in hex, or "".
func (s *Session) UserPubKeyHex() string {
	return hex.EncodeToString(s.UserPubKey)
}
