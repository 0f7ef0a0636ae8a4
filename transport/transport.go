// Package transport defines the abstract pub/sub boundary the core
// consumes and the event values it emits when driving that boundary
// indirectly (no direct PubSub reference held).
package transport

import "github.com/nbd-wtf/go-nostr"

// PubSub is the relay-facing interface the core consumes. Relay
// selection, connection pooling, and transport authentication live
// entirely on the caller's side; this is only the shape a relay pool
// must expose.
type PubSub interface {
	Publish(event nostr.Event) error
	PublishSigned(event nostr.Event) error
	Subscribe(filterJSON string) (string, error)
	Unsubscribe(subscriptionID string) error
}

// EventKind identifies the variant of a ManagerEvent.
type EventKind int

const (
	EventPublish EventKind = iota
	EventPublishSigned
	EventSubscribe
	EventUnsubscribe
	EventDecryptedMessage
	EventReceivedEvent
)

// ManagerEvent is the sum type the session manager emits to its
// out-channel when it has no direct PubSub reference — the
// core never blocks waiting on a relay round trip, it just describes
// what the caller should do.
type ManagerEvent struct {
	Kind EventKind

	Unsigned       *nostr.Event    // EventPublish
	Signed         *nostr.Event    // EventPublishSigned
	SubscriptionID string          // EventSubscribe / EventUnsubscribe
	FilterJSON     string          // EventSubscribe
	Decrypted      *DecryptedMessage // EventDecryptedMessage
	Received       *nostr.Event    // EventReceivedEvent
}

// DecryptedMessage is emitted after a message-kind outer event
// successfully decrypts through some session.
type DecryptedMessage struct {
	Sender  string // peer identity pubkey
	Content string // the decrypted inner rumor, as JSON
	EventID string
}
