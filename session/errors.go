package session

import "errors"

// Errors returned by Session operations, covering both state-machine
// misuse and crypto/protocol failures.
var (
	// ErrNotInitiator is returned by Send/SendEvent when the session
	// cannot yet send (no sending chain, or the peer's next key is
	// unknown).
	ErrNotInitiator = errors.New("session: cannot send before can_send()")
	// ErrSessionNotReady covers operations attempted before the
	// relevant chain has been derived.
	ErrSessionNotReady = errors.New("session: chain not initialized")
	// ErrTooManySkippedMessages is returned when a gap would require
	// skipping more than the configured maximum.
	ErrTooManySkippedMessages = errors.New("session: too many skipped messages")
	// ErrInvalidHeader covers a missing header tag or a header that
	// fails to decrypt under either of our known keys.
	ErrInvalidHeader = errors.New("session: invalid or undecryptable header")
	// ErrUnexpectedSender is returned when an event's author is
	// neither the peer's current nor next known ephemeral key.
	ErrUnexpectedSender = errors.New("session: unexpected sender")
	// ErrDecryption covers AEAD/MAC failure on the message payload.
	ErrDecryption = errors.New("session: decryption failed")
)
