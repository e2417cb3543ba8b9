package nostr

// Event kinds handled by the client core.
const (
	KindProfileMetadata = 0     // user profile (NIP-01)
	KindFollowList      = 3     // contact list (NIP-02)
	KindLiveChatMessage = 1311  // live activity chat (NIP-53)
	KindZapReceipt      = 9735  // zap receipt (NIP-57)
	KindRelayListPut    = 10002 // relay list metadata (NIP-65)
	KindNostrConnect    = 24133 // remote signer RPC (NIP-46)
	KindLiveEvent       = 30311 // live stream metadata (NIP-53)
)

// IsAddressable reports whether a kind is parameterized-replaceable and must
// carry a "d" identifier tag.
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}
