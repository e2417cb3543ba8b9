package nostr

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	PTags   []string // #p tag filter (recipients)
	ATags   []string // #a tag filter (addressable events)
	DTags   []string // #d tag filter
}

// ToWire converts the filter to the JSON object shape relays expect inside a
// ["REQ", id, filter] frame. Empty fields are omitted.
func (f Filter) ToWire() map[string]interface{} {
	obj := make(map[string]interface{})
	if len(f.IDs) > 0 {
		obj["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		obj["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		obj["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		obj["limit"] = f.Limit
	}
	if f.Since != nil {
		obj["since"] = *f.Since
	}
	if f.Until != nil {
		obj["until"] = *f.Until
	}
	if len(f.PTags) > 0 {
		obj["#p"] = f.PTags
	}
	if len(f.ATags) > 0 {
		obj["#a"] = f.ATags
	}
	if len(f.DTags) > 0 {
		obj["#d"] = f.DTags
	}
	return obj
}

// Matches reports whether an event satisfies the filter. Used by consumers
// that maintain local event sets; relays do the authoritative matching.
func (f Filter) Matches(evt *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.IDs) > 0 && !containsStr(f.IDs, evt.ID) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	if len(f.PTags) > 0 && !tagIntersects(evt, "p", f.PTags) {
		return false
	}
	if len(f.ATags) > 0 && !tagIntersects(evt, "a", f.ATags) {
		return false
	}
	if len(f.DTags) > 0 && !tagIntersects(evt, "d", f.DTags) {
		return false
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func tagIntersects(evt *Event, name string, values []string) bool {
	for _, tv := range evt.TagValues(name) {
		if containsStr(values, tv) {
			return true
		}
	}
	return false
}
