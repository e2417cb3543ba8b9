package router

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tkhumush/nostrtv/nostr"
	"github.com/tkhumush/nostrtv/types"
)

// Callbacks carries the typed notifications the core delivers to its
// consumers. Each receives a fully-parsed domain object, never raw wire
// data. Nil callbacks are skipped.
type Callbacks struct {
	OnProfile        func(pubkey string, profile *types.Profile)
	OnFollowList     func(list *types.FollowList)
	OnRelayList      func(list *types.RelayList)
	OnStreamMetadata func(meta *types.StreamMetadata)
	OnChatMessage    func(msg *types.ChatMessage)
	OnZapReceipt     func(zap *types.ZapReceipt)
	OnSignerMessage  func(evt nostr.Event)
}

// ProfileRequester triggers background metadata lookups for pubkeys the
// router has not seen yet. Satisfied by *profile.Fetcher.
type ProfileRequester interface {
	Request(pubkeys ...string)
}

// RegisterDefaults installs the built-in kind handlers that parse domain
// objects and invoke the typed callbacks. As a byproduct of dispatch,
// previously unseen sender pubkeys are queued for profile lookup.
func (r *Router) RegisterDefaults(cb Callbacks, profiles ProfileRequester) {
	lookup := func(pubkey string) {
		if profiles != nil {
			profiles.Request(pubkey)
		}
	}

	r.Register(nostr.KindProfileMetadata, func(evt nostr.Event) {
		profile, err := ParseProfile(&evt)
		if err != nil {
			slog.Debug("router: bad profile content", "pubkey", nostr.ShortID(evt.PubKey), "error", err)
			return
		}
		if cb.OnProfile != nil {
			cb.OnProfile(evt.PubKey, profile)
		}
	})

	r.Register(nostr.KindFollowList, func(evt nostr.Event) {
		if cb.OnFollowList != nil {
			cb.OnFollowList(ParseFollowList(&evt))
		}
	})

	r.Register(nostr.KindRelayListPut, func(evt nostr.Event) {
		if cb.OnRelayList != nil {
			cb.OnRelayList(ParseRelayList(&evt))
		}
	})

	r.Register(nostr.KindLiveEvent, func(evt nostr.Event) {
		meta := ParseStreamMetadata(&evt)
		if meta == nil {
			return
		}
		lookup(evt.PubKey)
		if cb.OnStreamMetadata != nil {
			cb.OnStreamMetadata(meta)
		}
	})

	r.Register(nostr.KindLiveChatMessage, func(evt nostr.Event) {
		msg := ParseChatMessage(&evt)
		if msg == nil {
			return
		}
		lookup(msg.PubKey)
		if cb.OnChatMessage != nil {
			cb.OnChatMessage(msg)
		}
	})

	r.Register(nostr.KindZapReceipt, func(evt nostr.Event) {
		zap := ParseZapReceipt(&evt)
		if zap == nil {
			return
		}
		if zap.SenderPubKey != "" {
			lookup(zap.SenderPubKey)
		}
		if cb.OnZapReceipt != nil {
			cb.OnZapReceipt(zap)
		}
	})

	r.Register(nostr.KindNostrConnect, func(evt nostr.Event) {
		if cb.OnSignerMessage != nil {
			cb.OnSignerMessage(evt)
		}
	})
}

// ParseProfile decodes kind-0 metadata content.
func ParseProfile(evt *nostr.Event) (*types.Profile, error) {
	var p types.Profile
	if err := json.Unmarshal([]byte(evt.Content), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseFollowList extracts the followed pubkeys from a kind-3 contact list.
func ParseFollowList(evt *nostr.Event) *types.FollowList {
	return &types.FollowList{
		PubKey:    evt.PubKey,
		Follows:   evt.TagValues("p"),
		UpdatedAt: evt.CreatedAt,
	}
}

// ParseRelayList extracts read/write relays from a kind-10002 relay list.
// An r tag with no marker counts as both.
func ParseRelayList(evt *nostr.Event) *types.RelayList {
	list := &types.RelayList{PubKey: evt.PubKey}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" || tag[1] == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			list.Read = append(list.Read, tag[1])
		case "write":
			list.Write = append(list.Write, tag[1])
		default:
			list.Read = append(list.Read, tag[1])
			list.Write = append(list.Write, tag[1])
		}
	}
	return list
}

// ParseStreamMetadata extracts live stream details from a kind-30311 event.
// Streams must carry a streaming or recording URL; events with neither are
// dropped.
func ParseStreamMetadata(evt *nostr.Event) *types.StreamMetadata {
	meta := &types.StreamMetadata{
		HostPubKey: evt.PubKey,
		UpdatedAt:  evt.CreatedAt,
	}

	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "d":
			meta.DTag = tag[1]
		case "title":
			meta.Title = tag[1]
		case "summary":
			meta.Summary = tag[1]
		case "image":
			meta.Image = tag[1]
		case "streaming":
			meta.StreamingURL = tag[1]
		case "recording":
			meta.RecordingURL = tag[1]
		case "status":
			meta.Status = tag[1]
		case "starts":
			meta.Starts, _ = strconv.ParseInt(tag[1], 10, 64)
		case "ends":
			meta.Ends, _ = strconv.ParseInt(tag[1], 10, 64)
		case "current_participants":
			meta.CurrentCount, _ = strconv.Atoi(tag[1])
		case "total_participants":
			meta.TotalCount, _ = strconv.Atoi(tag[1])
		case "t":
			meta.Hashtags = append(meta.Hashtags, tag[1])
		case "p":
			participant := types.StreamParticipant{PubKey: tag[1]}
			if len(tag) >= 3 {
				participant.Relay = tag[2]
			}
			if len(tag) >= 4 {
				participant.Role = tag[3]
			}
			meta.Participants = append(meta.Participants, participant)
		}
	}

	if meta.StreamingURL == "" && meta.RecordingURL == "" {
		return nil
	}
	return meta
}

// ParseChatMessage extracts a kind-1311 live chat message. The a tag is
// normalized; the validator already guaranteed its shape.
func ParseChatMessage(evt *nostr.Event) *types.ChatMessage {
	coord := nostr.NormalizeCoordinate(evt.TagValue("a"))
	if coord == "" {
		return nil
	}
	return &types.ChatMessage{
		ID:         evt.ID,
		Coordinate: coord,
		PubKey:     evt.PubKey,
		Content:    evt.Content,
		CreatedAt:  evt.CreatedAt,
	}
}

// ParseZapReceipt extracts a kind-9735 payment receipt. The description tag
// holds the sender's original zap request event as JSON; its pubkey is the
// actual zapper, not the LNURL provider that signed the receipt.
func ParseZapReceipt(evt *nostr.Event) *types.ZapReceipt {
	desc := evt.TagValue("description")
	var zapRequest struct {
		PubKey  string     `json:"pubkey"`
		Content string     `json:"content"`
		Tags    [][]string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(desc), &zapRequest); err != nil || zapRequest.PubKey == "" {
		return nil
	}

	zap := &types.ZapReceipt{
		ID:              evt.ID,
		SenderPubKey:    zapRequest.PubKey,
		RecipientPubKey: evt.TagValue("p"),
		ZappedEventID:   evt.TagValue("e"),
		Bolt11:          evt.TagValue("bolt11"),
		Comment:         zapRequest.Content,
		CreatedAt:       evt.CreatedAt,
	}

	if a := evt.TagValue("a"); a != "" && nostr.IsValidCoordinate(a) {
		zap.Coordinate = nostr.NormalizeCoordinate(a)
	}

	// Amount: prefer the zap request's amount tag, fall back to the
	// invoice's human-readable part.
	for _, tag := range zapRequest.Tags {
		if len(tag) >= 2 && tag[0] == "amount" {
			zap.AmountMsats, _ = strconv.ParseInt(tag[1], 10, 64)
		}
	}
	if zap.AmountMsats == 0 {
		zap.AmountMsats = bolt11AmountMsats(zap.Bolt11)
	}

	return zap
}

// bolt11AmountMsats parses the amount out of a BOLT-11 invoice prefix:
// ln<currency><amount><multiplier>. Returns 0 when absent or unparseable.
func bolt11AmountMsats(invoice string) int64 {
	s := strings.ToLower(invoice)
	for _, prefix := range []string{"lnbcrt", "lntbs", "lnbc", "lntb"} {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			goto amount
		}
	}
	return 0

amount:
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0
	}
	amount, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0
	}

	// Amount is denominated in BTC; the multiplier scales it down.
	msatsPerBTC := int64(100_000_000_000)
	if i >= len(s) {
		return amount * msatsPerBTC
	}
	switch s[i] {
	case 'm':
		return amount * msatsPerBTC / 1_000
	case 'u':
		return amount * msatsPerBTC / 1_000_000
	case 'n':
		return amount * msatsPerBTC / 1_000_000_000
	case 'p':
		return amount * msatsPerBTC / 1_000_000_000_000
	default:
		return amount * msatsPerBTC
	}
}
