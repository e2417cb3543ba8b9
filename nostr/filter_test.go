package nostr

import (
	"testing"
)

func TestFilterToWire(t *testing.T) {
	since := int64(100)
	f := Filter{
		Authors: []string{"pk1"},
		Kinds:   []int{0, 3},
		Limit:   30,
		Since:   &since,
		ATags:   []string{"30311:pk:stream"},
	}
	wire := f.ToWire()

	if _, ok := wire["ids"]; ok {
		t.Error("empty fields must be omitted")
	}
	if wire["limit"] != 30 {
		t.Errorf("limit = %v", wire["limit"])
	}
	if wire["since"] != since {
		t.Errorf("since = %v", wire["since"])
	}
	if tags, ok := wire["#a"].([]string); !ok || tags[0] != "30311:pk:stream" {
		t.Errorf("#a = %v", wire["#a"])
	}
}

func TestFilterToWireEmpty(t *testing.T) {
	if wire := (Filter{}).ToWire(); len(wire) != 0 {
		t.Errorf("empty filter should produce an empty object, got %v", wire)
	}
}

func TestFilterMatches(t *testing.T) {
	since := int64(50)
	until := int64(150)
	f := Filter{
		Kinds:   []int{1311},
		Authors: []string{"alice"},
		Since:   &since,
		Until:   &until,
		ATags:   []string{"30311:pk:stream"},
	}

	evt := &Event{
		PubKey:    "alice",
		Kind:      1311,
		CreatedAt: 100,
		Tags:      [][]string{{"a", "30311:pk:stream"}},
	}
	if !f.Matches(evt) {
		t.Error("matching event rejected")
	}

	wrongKind := *evt
	wrongKind.Kind = 1
	if f.Matches(&wrongKind) {
		t.Error("wrong kind matched")
	}

	wrongAuthor := *evt
	wrongAuthor.PubKey = "bob"
	if f.Matches(&wrongAuthor) {
		t.Error("wrong author matched")
	}

	tooOld := *evt
	tooOld.CreatedAt = 10
	if f.Matches(&tooOld) {
		t.Error("event before since matched")
	}

	tooNew := *evt
	tooNew.CreatedAt = 200
	if f.Matches(&tooNew) {
		t.Error("event after until matched")
	}

	noTag := *evt
	noTag.Tags = nil
	if f.Matches(&noTag) {
		t.Error("event without the a tag matched")
	}
}
