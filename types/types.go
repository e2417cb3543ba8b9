// Package types provides the parsed domain objects delivered by the client's
// typed callbacks. Consumers receive these, never raw wire data.
package types

// Profile contains user profile metadata (kind 0)
type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
	Website     string `json:"website,omitempty"`
}

// BestName returns the most presentable name for display.
func (p *Profile) BestName(pubkey string) string {
	if p != nil {
		if p.DisplayName != "" {
			return p.DisplayName
		}
		if p.Name != "" {
			return p.Name
		}
	}
	if len(pubkey) >= 12 {
		return pubkey[:12]
	}
	return pubkey
}

// FollowList is a user's contact list (kind 3)
type FollowList struct {
	PubKey    string
	Follows   []string
	UpdatedAt int64
}

// RelayList represents a user's NIP-65 relay list (kind 10002)
type RelayList struct {
	PubKey string
	Read   []string
	Write  []string
}

// StreamStatus values carried in a live event's status tag.
const (
	StreamStatusPlanned = "planned"
	StreamStatusLive    = "live"
	StreamStatusEnded   = "ended"
)

// StreamMetadata describes a live stream (kind 30311)
type StreamMetadata struct {
	HostPubKey   string
	DTag         string
	Title        string
	Summary      string
	Image        string
	StreamingURL string
	RecordingURL string
	Status       string
	Starts       int64
	Ends         int64
	CurrentCount int
	TotalCount   int
	Hashtags     []string
	Participants []StreamParticipant
	UpdatedAt    int64
}

// StreamParticipant is a p-tag entry on a live event
type StreamParticipant struct {
	PubKey string
	Relay  string
	Role   string
}

// Coordinate returns the stream's addressable coordinate string.
func (s *StreamMetadata) Coordinate() string {
	return "30311:" + s.HostPubKey + ":" + s.DTag
}

// ChatMessage is a live activity chat message (kind 1311)
type ChatMessage struct {
	ID         string
	Coordinate string // normalized stream coordinate from the a tag
	PubKey     string
	Content    string
	CreatedAt  int64
}

// ZapReceipt is a parsed payment receipt (kind 9735)
type ZapReceipt struct {
	ID              string
	Coordinate      string // normalized, empty when the zap targets no stream
	SenderPubKey    string // from the embedded zap request, not the LNURL provider
	RecipientPubKey string
	ZappedEventID   string
	AmountMsats     int64
	Bolt11          string
	Comment         string
	CreatedAt       int64
}
