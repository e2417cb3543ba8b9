// Package nostr implements the wire-level Nostr event model: events,
// canonical identifiers, schnorr signatures, filters and coordinates.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// TagValue returns the value of the first tag with the given name, or "".
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// HasTag reports whether the event carries at least one tag with the given
// name and a non-empty value.
func (e *Event) HasTag(name string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] != "" {
			return true
		}
	}
	return false
}

// TagValues returns the values of every tag with the given name.
func (e *Event) TagValues(name string) []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// Serialize produces the canonical NIP-01 serialization
// [0, pubkey, created_at, kind, tags, content] used for the event ID.
func (e *Event) Serialize() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Canonical serialization must not escape <, > or & the way
	// encoding/json does by default, or IDs stop matching other clients.
	enc.SetEscapeHTML(false)

	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	enc.Encode([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})

	// Encode appends a trailing newline
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// ComputeID returns the sha256 of the canonical serialization, hex-encoded.
func (e *Event) ComputeID() string {
	hash := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(hash[:])
}

// Sign computes the event ID and schnorr-signs it with the given private key.
func (e *Event) Sign(privKey []byte) error {
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	if priv == nil {
		return ErrInvalidKey
	}

	e.ID = e.ComputeID()

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// VerifySignature checks the schnorr signature over the event ID against the
// event's pubkey.
func (e *Event) VerifySignature() bool {
	if len(e.Sig) != 128 || len(e.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ParseEventFromInterface converts raw websocket data to Event (avoids JSON
// re-encoding of the already-decoded frame).
func ParseEventFromInterface(data interface{}) (Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return Event{}, false
	}

	evt := Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	return evt, evt.ID != ""
}

// ShortID truncates an ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
