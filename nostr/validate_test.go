package nostr

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

// signedEvent builds a fully valid signed event for validator tests.
func signedEvent(t *testing.T, kind int, tags [][]string, content string) *Event {
	t.Helper()
	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	pub, err := GetPublicKey(priv)
	if err != nil {
		t.Fatalf("GetPublicKey failed: %v", err)
	}
	evt := &Event{
		PubKey:    hex.EncodeToString(pub),
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := evt.Sign(priv); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return evt
}

func TestValidateAcceptsGoodEvent(t *testing.T) {
	v := NewValidator()
	evt := signedEvent(t, 1, nil, "hello")
	if err := v.Validate(evt); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}
}

func TestValidateMissingFields(t *testing.T) {
	v := NewValidator()
	evt := signedEvent(t, 1, nil, "x")
	evt.Sig = ""
	if err := v.Validate(evt); !errors.Is(err, ErrMissingFields) {
		t.Errorf("want ErrMissingFields, got %v", err)
	}
}

func TestValidateBadID(t *testing.T) {
	v := NewValidator()
	evt := signedEvent(t, 1, nil, "x")
	evt.Content = "different"
	if err := v.Validate(evt); !errors.Is(err, ErrInvalidID) {
		t.Errorf("want ErrInvalidID, got %v", err)
	}
}

func TestValidateBadSignature(t *testing.T) {
	v := NewValidator()
	evt := signedEvent(t, 1, nil, "x")
	other := signedEvent(t, 1, nil, "y")
	evt.Sig = other.Sig
	if err := v.Validate(evt); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("want ErrInvalidSignature, got %v", err)
	}
}

func TestValidateFutureTimestamp(t *testing.T) {
	v := NewValidator()
	// Shift the validator's clock back so an honestly-stamped event looks
	// like it came from the future.
	v.Now = func() time.Time { return time.Now().Add(-time.Hour) }

	evt := signedEvent(t, 1, nil, "x")
	if err := v.Validate(evt); !errors.Is(err, ErrFromFuture) {
		t.Errorf("want ErrFromFuture, got %v", err)
	}

	// Within tolerance is fine.
	v.Now = func() time.Time { return time.Now().Add(-time.Minute) }
	if err := v.Validate(evt); err != nil {
		t.Errorf("event within tolerance rejected: %v", err)
	}
}

func TestValidateProfileContent(t *testing.T) {
	v := NewValidator()

	good := signedEvent(t, KindProfileMetadata, nil, `{"name":"alice"}`)
	if err := v.Validate(good); err != nil {
		t.Errorf("valid profile rejected: %v", err)
	}

	bad := signedEvent(t, KindProfileMetadata, nil, "not json")
	if err := v.Validate(bad); !errors.Is(err, ErrBadMetadata) {
		t.Errorf("want ErrBadMetadata, got %v", err)
	}
}

func TestValidateAddressableNeedsDTag(t *testing.T) {
	v := NewValidator()

	good := signedEvent(t, KindLiveEvent, [][]string{{"d", "stream"}}, "")
	if err := v.Validate(good); err != nil {
		t.Errorf("live event with d tag rejected: %v", err)
	}

	bad := signedEvent(t, KindLiveEvent, [][]string{{"status", "live"}}, "")
	if err := v.Validate(bad); !errors.Is(err, ErrMissingDTag) {
		t.Errorf("want ErrMissingDTag, got %v", err)
	}
}

func TestValidateChatNeedsCoordinate(t *testing.T) {
	v := NewValidator()
	pk := strings.Repeat("f", 64)

	good := signedEvent(t, KindLiveChatMessage, [][]string{{"a", "30311:" + pk + ":stream"}}, "gm")
	if err := v.Validate(good); err != nil {
		t.Errorf("chat with coordinate rejected: %v", err)
	}

	bad := signedEvent(t, KindLiveChatMessage, [][]string{{"a", "garbage"}}, "gm")
	if err := v.Validate(bad); !errors.Is(err, ErrMissingATag) {
		t.Errorf("want ErrMissingATag, got %v", err)
	}

	missing := signedEvent(t, KindLiveChatMessage, nil, "gm")
	if err := v.Validate(missing); !errors.Is(err, ErrMissingATag) {
		t.Errorf("want ErrMissingATag for missing a tag, got %v", err)
	}
}

func TestValidateZapReceiptShape(t *testing.T) {
	v := NewValidator()
	desc := `{"pubkey":"abc","kind":9734}`

	good := signedEvent(t, KindZapReceipt, [][]string{
		{"bolt11", "lnbc100n1..."},
		{"description", desc},
	}, "")
	if err := v.Validate(good); err != nil {
		t.Errorf("valid zap receipt rejected: %v", err)
	}

	noInvoice := signedEvent(t, KindZapReceipt, [][]string{{"description", desc}}, "")
	if err := v.Validate(noInvoice); !errors.Is(err, ErrBadZapReceipt) {
		t.Errorf("want ErrBadZapReceipt without bolt11, got %v", err)
	}

	noSender := signedEvent(t, KindZapReceipt, [][]string{
		{"bolt11", "lnbc100n1..."},
		{"description", `{"kind":9734}`},
	}, "")
	if err := v.Validate(noSender); !errors.Is(err, ErrBadZapReceipt) {
		t.Errorf("want ErrBadZapReceipt without sender pubkey, got %v", err)
	}
}

func TestValidateWithoutSignature(t *testing.T) {
	v := NewValidator()
	evt := signedEvent(t, 1, nil, "x")
	evt.Sig = "00" // structurally present, cryptographically wrong
	evt.ID = evt.ComputeID()

	if err := v.Validate(evt); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("full path should reject bad sig, got %v", err)
	}
	if err := v.ValidateWithoutSignature(evt); err != nil {
		t.Errorf("fast path should skip sig check, got %v", err)
	}
}
