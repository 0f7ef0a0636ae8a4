// Package senderkey implements the Signal-style per-device sender key
// used to fan out group messages as one-to-many ciphertexts, plus the
// outer-content codec and outer-event builder for the one-to-many
// channel kind.
package senderkey

import (
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrchat/doubleratchet/kdf"
	"github.com/nostrchat/doubleratchet/wire"
)

// ErrTooManySkippedMessages mirrors session.ErrTooManySkippedMessages
// for the sender-key chain's own skip bound.
var ErrTooManySkippedMessages = fmt.Errorf("senderkey: too many skipped messages")

// ErrDecryption covers AEAD failure or an unresolvable message number.
var ErrDecryption = fmt.Errorf("senderkey: decryption failed")

// State is one device's iterating sender key for one group.
type State struct {
	KeyID     uint32 `json:"key_id"`
	ChainKey  []byte `json:"chain_key"`
	Iteration uint32 `json:"iteration"`

	skipped map[uint32][]byte
}

// New constructs a sender key state at a given starting iteration
// (0 for a freshly rotated key, or a received iteration from a
// distribution).
func New(keyID uint32, chainKey []byte, iteration uint32) *State {
	return &State{KeyID: keyID, ChainKey: chainKey, Iteration: iteration}
}

// Encrypt returns the ciphertext for plaintext at the current
// iteration and advances the chain.
func Encrypt(state *State, plaintext string) (messageNumber uint32, ciphertext string, err error) {
	nextChainKey, messageKey, err := kdf.StepChain(state.ChainKey)
	if err != nil {
		return 0, "", fmt.Errorf("senderkey: encrypt: %w", err)
	}
	ciphertext, err = kdf.Seal(messageKey, plaintext)
	if err != nil {
		return 0, "", fmt.Errorf("senderkey: encrypt: %w", err)
	}
	messageNumber = state.Iteration
	state.ChainKey = nextChainKey
	state.Iteration++
	return messageNumber, ciphertext, nil
}

// Decrypt resolves the message key for messageNumber (exact match,
// fast-forward, or cached skip) and decrypts ciphertext. maxSkip
// bounds how far ahead of state.Iteration a fast-forward may reach,
// mirroring config.Config.MaxSkippedKeysPerChain.
func Decrypt(state *State, messageNumber uint32, ciphertext string, maxSkip int) (string, error) {
	switch {
	case messageNumber == state.Iteration:
		nextChainKey, messageKey, err := kdf.StepChain(state.ChainKey)
		if err != nil {
			return "", fmt.Errorf("senderkey: decrypt: %w", err)
		}
		state.ChainKey = nextChainKey
		state.Iteration++
		pt, err := kdf.Open(messageKey, ciphertext)
		if err != nil {
			return "", ErrDecryption
		}
		return pt, nil

	case messageNumber > state.Iteration:
		if int(messageNumber-state.Iteration) > maxSkip {
			return "", ErrTooManySkippedMessages
		}
		if state.skipped == nil {
			state.skipped = make(map[uint32][]byte)
		}
		for state.Iteration < messageNumber {
			nextChainKey, messageKey, err := kdf.StepChain(state.ChainKey)
			if err != nil {
				return "", fmt.Errorf("senderkey: decrypt: %w", err)
			}
			state.ChainKey = nextChainKey
			state.skipped[state.Iteration] = messageKey
			state.Iteration++
		}
		nextChainKey, messageKey, err := kdf.StepChain(state.ChainKey)
		if err != nil {
			return "", fmt.Errorf("senderkey: decrypt: %w", err)
		}
		state.ChainKey = nextChainKey
		state.Iteration++
		pt, err := kdf.Open(messageKey, ciphertext)
		if err != nil {
			return "", ErrDecryption
		}
		return pt, nil

	default:
		if state.skipped == nil {
			return "", ErrDecryption
		}
		messageKey, ok := state.skipped[messageNumber]
		if !ok {
			return "", ErrDecryption
		}
		delete(state.skipped, messageNumber)
		pt, err := kdf.Open(messageKey, ciphertext)
		if err != nil {
			return "", ErrDecryption
		}
		return pt, nil
	}
}

// EncodeOuterContent packs (keyID, messageNumber, ciphertext) into the
// compact outer-content string.
func EncodeOuterContent(keyID, messageNumber uint32, ciphertext string) string {
	return wire.EncodeOuterContent(keyID, messageNumber, ciphertext)
}

// ParseOuterContent is the inverse of EncodeOuterContent.
func ParseOuterContent(content string) (keyID, messageNumber uint32, ciphertext string, err error) {
	return wire.ParseOuterContent(content)
}

// EncryptToOuterEvent encrypts innerRumorJSON under state, advances it,
// and builds the signed one-to-many outer event authored by
// senderEventPrivateKey.
func EncryptToOuterEvent(senderEventPrivateKey, groupID string, state *State, innerRumorJSON string, createdAt, createdAtMs int64) (nostr.Event, error) {
	number, ciphertext, err := Encrypt(state, innerRumorJSON)
	if err != nil {
		return nostr.Event{}, err
	}

	outer := nostr.Event{
		Kind:      wire.KindOneToMany,
		Content:   EncodeOuterContent(state.KeyID, number, ciphertext),
		CreatedAt: nostr.Timestamp(createdAt),
		Tags: nostr.Tags{
			nostr.Tag{wire.TagLabel, groupID},
			nostr.Tag{wire.TagSenderKeyID, strconv.FormatUint(uint64(state.KeyID), 10)},
			nostr.Tag{wire.TagMessageNumber, strconv.FormatUint(uint64(number), 10)},
			nostr.Tag{wire.TagMillis, strconv.FormatInt(createdAtMs, 10)},
		},
	}
	if err := outer.Sign(senderEventPrivateKey); err != nil {
		return nostr.Event{}, fmt.Errorf("senderkey: sign outer event: %w", err)
	}
	return outer, nil
}

// Distribution is the rumor a sender-key owner broadcasts pairwise to
// every other group member whenever its key is newly created or
// rotated.
type Distribution struct {
	GroupID           string `json:"group_id"`
	KeyID             uint32 `json:"key_id"`
	ChainKey          string `json:"chain_key"` // hex
	Iteration         uint32 `json:"iteration"`
	CreatedAt         int64  `json:"created_at"`
	SenderEventPubkey string `json:"sender_event_pubkey,omitempty"`
}
