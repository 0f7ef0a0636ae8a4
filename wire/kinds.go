// Package wire defines the kind numbers, tag names, and small JSON and
// text codecs the core reads and writes. It defines no event type of
// its own: every outer and inner record the ratchet produces is a
// github.com/nbd-wtf/go-nostr Event, so it is already a valid relay
// event.
package wire

// Event kinds fixed for cross-implementation interoperability.
const (
	KindInvite           = 30078 // parameterized replaceable: double-ratchet/invites/<device_id>
	KindInviteResponse   = 1059
	KindMessage          = 1060 // outer ciphertext of a one-to-one Double Ratchet message
	KindOneToMany        = 1062 // outer ciphertext of a group message
	KindSenderKeyDistrib = 10446
	KindGroupMetadata    = 40

	// Inner rumor kinds.
	KindChatMessage  = 1
	KindChatSettings = 41
	KindReaction     = 7
	KindReceipt      = 1261
	KindTyping       = 20100 // ephemeral range: ok for relays to drop
)

// Tag names used throughout the wire format.
const (
	TagIdentifier    = "d"
	TagLabel         = "l"
	TagEphemeralKey  = "ephemeralKey"
	TagSharedSecret  = "sharedSecret"
	TagPubkeyRef     = "p"
	TagEventRef      = "e"
	TagHeader        = "header"
	TagMillis        = "ms"
	TagSenderKeyID   = "key"
	TagMessageNumber = "n"
)

const (
	// InviteNamespace labels every invite event and its `d` tag.
	InviteNamespace = "double-ratchet/invites"
)
