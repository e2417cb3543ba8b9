package nostr

import (
	"encoding/json"
	"errors"
	"time"
)

// Validation errors. Events failing any of these are discarded before they
// reach a handler.
var (
	ErrMissingFields    = errors.New("missing required fields")
	ErrInvalidID        = errors.New("event id does not match canonical hash")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrFromFuture       = errors.New("created_at too far in the future")
	ErrBadMetadata      = errors.New("metadata content is not a JSON object")
	ErrMissingDTag      = errors.New("addressable event missing d tag")
	ErrMissingATag      = errors.New("chat message missing valid a tag")
	ErrBadZapReceipt    = errors.New("zap receipt missing invoice or description")
)

// DefaultFutureTolerance is how far ahead of the local clock an event's
// created_at may sit before it is rejected.
const DefaultFutureTolerance = 5 * time.Minute

// Validator checks structural integrity, signature and kind-specific shape of
// inbound events. Stateless and safe for concurrent use.
type Validator struct {
	FutureTolerance time.Duration

	// Now is swapped out in tests.
	Now func() time.Time
}

// NewValidator returns a Validator with default tolerances.
func NewValidator() *Validator {
	return &Validator{
		FutureTolerance: DefaultFutureTolerance,
		Now:             time.Now,
	}
}

// Validate runs the full check sequence: required fields, canonical ID,
// signature, timestamp, kind-specific shape.
func (v *Validator) Validate(evt *Event) error {
	return v.validate(evt, true)
}

// ValidateWithoutSignature skips the signature check. For trusted-source fast
// paths only; callers choose it explicitly.
func (v *Validator) ValidateWithoutSignature(evt *Event) error {
	return v.validate(evt, false)
}

func (v *Validator) validate(evt *Event, checkSig bool) error {
	if evt.ID == "" || evt.PubKey == "" || evt.CreatedAt == 0 || evt.Sig == "" {
		return ErrMissingFields
	}

	if evt.ComputeID() != evt.ID {
		return ErrInvalidID
	}

	if checkSig && !evt.VerifySignature() {
		return ErrInvalidSignature
	}

	if evt.CreatedAt > v.Now().Add(v.FutureTolerance).Unix() {
		return ErrFromFuture
	}

	return v.validateKindShape(evt)
}

func (v *Validator) validateKindShape(evt *Event) error {
	switch {
	case evt.Kind == KindProfileMetadata:
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(evt.Content), &obj); err != nil {
			return ErrBadMetadata
		}

	case IsAddressable(evt.Kind):
		if !evt.HasTag("d") {
			return ErrMissingDTag
		}

	case evt.Kind == KindLiveChatMessage:
		if !IsValidCoordinate(evt.TagValue("a")) {
			return ErrMissingATag
		}

	case evt.Kind == KindZapReceipt:
		if !evt.HasTag("bolt11") {
			return ErrBadZapReceipt
		}
		desc := evt.TagValue("description")
		if desc == "" {
			return ErrBadZapReceipt
		}
		var zapRequest struct {
			PubKey string `json:"pubkey"`
		}
		if err := json.Unmarshal([]byte(desc), &zapRequest); err != nil || zapRequest.PubKey == "" {
			return ErrBadZapReceipt
		}
	}

	return nil
}
