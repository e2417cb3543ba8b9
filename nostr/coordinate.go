package nostr

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadCoordinate is returned when an "a" tag value does not have the
// kind:pubkey:identifier shape.
var ErrBadCoordinate = errors.New("malformed coordinate")

// Coordinate addresses a specific addressable event (NIP-01 "a" tag):
// "<kind>:<pubkey>:<d-identifier>". Live streams use 30311 coordinates.
type Coordinate struct {
	Kind       int
	PubKey     string
	Identifier string
}

// ParseCoordinate parses and normalizes a coordinate string.
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Coordinate{}, ErrBadCoordinate
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return Coordinate{}, ErrBadCoordinate
	}
	pubkey := strings.ToLower(parts[1])
	if !isLowerHex64(pubkey) {
		return Coordinate{}, ErrBadCoordinate
	}
	return Coordinate{Kind: kind, PubKey: pubkey, Identifier: parts[2]}, nil
}

// String renders the normalized coordinate form.
func (c Coordinate) String() string {
	return strconv.Itoa(c.Kind) + ":" + c.PubKey + ":" + c.Identifier
}

// NormalizeCoordinate lower-cases only the pubkey segment. Idempotent; the
// result is the only valid map key form for coordinate lookups. Inputs that
// do not parse are returned unchanged.
func NormalizeCoordinate(s string) string {
	c, err := ParseCoordinate(s)
	if err != nil {
		return s
	}
	return c.String()
}

// IsValidCoordinate reports whether s has the <kind>:<64-hex-pubkey>:<id>
// shape.
func IsValidCoordinate(s string) bool {
	_, err := ParseCoordinate(s)
	return err == nil
}

// isLowerHex64 expects its input already lower-cased.
func isLowerHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
