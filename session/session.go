// Package session implements the per-direction Double Ratchet between
// two device endpoints: header encryption, the skipped-message-key
// cache, and the chat/reaction/receipt/typing message kinds that ride
// over it.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nostrchat/doubleratchet/kdf"
	"github.com/nostrchat/doubleratchet/wire"
)

// skippedKey identifies a cached message key by the sender's ephemeral
// public key at the time it was skipped and the message number within
// that chain — stable across a later ratchet step.
type skippedKey struct {
	senderPub string
	number    uint32
}

// Session encapsulates one asynchronous, ratcheted conversation between
// our device and one peer device. Send and Receive are serialized
// against each other by mu.
type Session struct {
	mu    sync.Mutex
	state State

	maxSkip int
	skipped *lru.Cache[skippedKey, []byte]
}

// defaultSkipCacheSize covers several ratchet steps' worth of skipped
// keys without retaining them forever; a single step is bounded by
// maxSkip so four steps is a generous, still-bounded ceiling.
func defaultSkipCacheSize(maxSkip int) int {
	return maxSkip*4 + 1
}

// Init constructs a SessionState. The initiator immediately derives a
// sending chain from sharedSecret combined with DH(ourNext,
// theirEphemeral); the responder defers chain derivation to its first
// Receive.
func Init(theirEphemeralPub string, ourEphemeralPriv string, isInitiator bool, sharedSecret []byte, maxSkip int) (*Session, error) {
	ourNext, err := kdf.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("session: init: %w", err)
	}

	st := State{
		TheirNextKey: theirEphemeralPub,
	}

	if isInitiator {
		ourCurrentPub, err := nostr.GetPublicKey(ourEphemeralPriv)
		if err != nil {
			return nil, fmt.Errorf("session: init: derive our current pubkey: %w", err)
		}
		ck, err := kdf.ConversationKey(ourNext.PrivateKey, theirEphemeralPub)
		if err != nil {
			return nil, fmt.Errorf("session: init: %w", err)
		}
		outs, err := kdf.Derive(sharedSecret, ck, 2)
		if err != nil {
			return nil, fmt.Errorf("session: init: %w", err)
		}
		st.RootKey = outs[0]
		st.SendingChainKey = outs[1]
		st.OurCurrentKey = &kdf.Keypair{PrivateKey: ourEphemeralPriv, PublicKey: ourCurrentPub}
		st.OurNextKey = ourNext
	} else {
		st.RootKey = sharedSecret
		st.OurNextKey = kdf.Keypair{PrivateKey: ourEphemeralPriv}
		pub, err := nostr.GetPublicKey(ourEphemeralPriv)
		if err != nil {
			return nil, fmt.Errorf("session: init: derive our next pubkey: %w", err)
		}
		st.OurNextKey.PublicKey = pub
	}

	cache, err := lru.New[skippedKey, []byte](defaultSkipCacheSize(maxSkip))
	if err != nil {
		return nil, fmt.Errorf("session: init: %w", err)
	}

	return &Session{state: st, maxSkip: maxSkip, skipped: cache}, nil
}

// Resume reconstructs a Session from previously exported state, e.g.
// after loading it from storage.
func Resume(state State, maxSkip int) (*Session, error) {
	cache, err := lru.New[skippedKey, []byte](defaultSkipCacheSize(maxSkip))
	if err != nil {
		return nil, fmt.Errorf("session: resume: %w", err)
	}
	return &Session{state: state, maxSkip: maxSkip, skipped: cache}, nil
}

// ExportState returns a deep copy of the current state, suitable for
// persistence or cross-device migration.
func (s *Session) ExportState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.state.Clone()
}

// CanSend reports whether the session can currently originate a
// message.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CanSend()
}

// AuthorFilter returns the peer ephemeral public keys this session
// should currently be subscribed to: their_current (if known) and
// their_next. SessionManager diffs this before/after Send/Receive to
// drive Subscribe/Unsubscribe events, realized here as an observable
// state transition rather than a literal channel field on Session, so
// the package stays free of any dependency on the manager's event type.
func (s *Session) AuthorFilter() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	if s.state.TheirCurrentKey != "" {
		out = append(out, s.state.TheirCurrentKey)
	}
	if s.state.TheirNextKey != "" {
		out = append(out, s.state.TheirNextKey)
	}
	return out
}

// Send encrypts plaintext as a chat-message rumor.
func (s *Session) Send(text string) (outer nostr.Event, rumor nostr.Event, err error) {
	return s.SendEvent(nostr.Event{Kind: wire.KindChatMessage, Content: text})
}

// SendReaction sends a reaction rumor referencing messageID.
func (s *Session) SendReaction(messageID, emoji string) (outer nostr.Event, rumor nostr.Event, err error) {
	return s.SendEvent(nostr.Event{
		Kind:    wire.KindReaction,
		Content: emoji,
		Tags:    nostr.Tags{nostr.Tag{wire.TagEventRef, messageID}},
	})
}

// SendReceipt sends a delivery/read receipt rumor for one or more
// message ids. receiptType is "delivered" or "seen".
func (s *Session) SendReceipt(receiptType string, messageIDs []string) (outer nostr.Event, rumor nostr.Event, err error) {
	tags := make(nostr.Tags, 0, len(messageIDs))
	for _, id := range messageIDs {
		tags = append(tags, nostr.Tag{wire.TagEventRef, id})
	}
	return s.SendEvent(nostr.Event{
		Kind:    wire.KindReceipt,
		Content: receiptType,
		Tags:    tags,
	})
}

// SendTyping sends a typing-indicator rumor.
func (s *Session) SendTyping() (outer nostr.Event, rumor nostr.Event, err error) {
	return s.SendEvent(nostr.Event{Kind: wire.KindTyping, Content: "typing"})
}

// SendChatSettings sends a disappearing-messages timer negotiation
// rumor. The rumor pipeline already supports arbitrary inner kinds, so
// it costs nothing extra to carry.
func (s *Session) SendChatSettings(ttlSeconds int) (outer nostr.Event, rumor nostr.Event, err error) {
	content, mErr := json.Marshal(map[string]int{"ttl": ttlSeconds})
	if mErr != nil {
		return nostr.Event{}, nostr.Event{}, fmt.Errorf("session: marshal chat settings: %w", mErr)
	}
	return s.SendEvent(nostr.Event{Kind: wire.KindChatSettings, Content: string(content)})
}

// SendEvent ratchet-encrypts an arbitrary inner rumor and returns the
// signed outer event ready for publication alongside the finalized
// rumor (with its stable id and ms tag set) for local bookkeeping.
func (s *Session) SendEvent(rumor nostr.Event) (outer nostr.Event, finalRumor nostr.Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanSend() {
		return nostr.Event{}, nostr.Event{}, ErrNotInitiator
	}

	now := time.Now()
	rumor.CreatedAt = nostr.Timestamp(now.Unix())

	ephemeral, err := kdf.GenerateKeypair()
	if err != nil {
		return nostr.Event{}, nostr.Event{}, fmt.Errorf("session: send: %w", err)
	}
	rumor.PubKey = ephemeral.PublicKey

	if _, ok := findTag(rumor.Tags, wire.TagMillis); !ok {
		rumor.Tags = append(rumor.Tags, nostr.Tag{wire.TagMillis, fmt.Sprintf("%d", now.UnixMilli())})
	}
	rumor.ID = rumor.GetID()

	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, nostr.Event{}, fmt.Errorf("session: send: marshal rumor: %w", err)
	}

	header, ciphertext, err := s.ratchetEncrypt(string(rumorJSON))
	if err != nil {
		return nostr.Event{}, nostr.Event{}, err
	}

	headerJSON, err := header.Encode()
	if err != nil {
		return nostr.Event{}, nostr.Event{}, err
	}
	encryptedHeader, err := kdf.SealWithKeys(s.state.OurCurrentKey.PrivateKey, s.state.TheirNextKey, headerJSON)
	if err != nil {
		return nostr.Event{}, nostr.Event{}, fmt.Errorf("session: send: encrypt header: %w", err)
	}

	outerEvt := nostr.Event{
		Kind:      wire.KindMessage,
		Content:   ciphertext,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags:      nostr.Tags{nostr.Tag{wire.TagHeader, encryptedHeader}},
	}
	if err := outerEvt.Sign(s.state.OurCurrentKey.PrivateKey); err != nil {
		return nostr.Event{}, nostr.Event{}, fmt.Errorf("session: send: sign outer event: %w", err)
	}

	return outerEvt, rumor, nil
}

// ratchetEncrypt advances the sending chain by one step and returns the
// header and NIP-44 ciphertext for plaintext.
func (s *Session) ratchetEncrypt(plaintext string) (wire.Header, string, error) {
	if s.state.SendingChainKey == nil {
		return wire.Header{}, "", ErrSessionNotReady
	}
	nextChainKey, messageKey, err := kdf.StepChain(s.state.SendingChainKey)
	if err != nil {
		return wire.Header{}, "", fmt.Errorf("session: ratchet encrypt: %w", err)
	}

	h := wire.Header{
		Number:              s.state.SendingNumber,
		NextPublicKey:       s.state.OurNextKey.PublicKey,
		PreviousChainLength: s.state.PreviousSendingChainLength,
	}
	s.state.SendingChainKey = nextChainKey
	s.state.SendingNumber++

	ciphertext, err := kdf.Seal(messageKey, plaintext)
	if err != nil {
		return wire.Header{}, "", fmt.Errorf("session: ratchet encrypt: %w", err)
	}
	return h, ciphertext, nil
}

// Receive attempts to decrypt an outer message-kind event. It returns
// the decrypted inner rumor JSON on success. A failed decrypt never
// mutates session state; receiving the same event twice decrypts at
// most once.
func (s *Session) Receive(outer nostr.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encryptedHeader, ok := findTag(outer.Tags, wire.TagHeader)
	if !ok {
		return "", ErrInvalidHeader
	}

	header, ratchetNeeded, err := s.decryptHeader(encryptedHeader, outer.PubKey)
	if err != nil {
		return "", ErrInvalidHeader
	}

	if outer.PubKey != s.state.TheirCurrentKey && outer.PubKey != s.state.TheirNextKey {
		return "", ErrUnexpectedSender
	}

	// Work against a scratch copy; only commit on a successful decrypt.
	scratch := s.state.Clone()
	scratchSkipped := make(map[skippedKey][]byte)

	if header.NextPublicKey != scratch.TheirNextKey {
		scratch.TheirCurrentKey = scratch.TheirNextKey
		scratch.TheirNextKey = header.NextPublicKey
	}

	if ratchetNeeded {
		if scratch.ReceivingChainKey != nil {
			if err := skipKeys(scratch, scratchSkipped, header.PreviousChainLength, outer.PubKey, s.maxSkip); err != nil {
				return "", err
			}
		}
		if err := ratchetStep(scratch, scratch.TheirNextKey); err != nil {
			return "", err
		}
	}

	plaintext, err := s.ratchetDecrypt(scratch, scratchSkipped, header, outer.Content, outer.PubKey)
	if err != nil {
		return "", err
	}

	for k, v := range scratchSkipped {
		s.skipped.Add(k, v)
	}
	s.state = *scratch
	return plaintext, nil
}

func (s *Session) decryptHeader(encryptedHeader, sender string) (wire.Header, bool, error) {
	if s.state.OurCurrentKey != nil {
		if pt, err := kdf.OpenWithKeys(s.state.OurCurrentKey.PrivateKey, sender, encryptedHeader); err == nil {
			h, err := wire.DecodeHeader(pt)
			if err != nil {
				return wire.Header{}, false, err
			}
			return h, false, nil
		}
	}
	pt, err := kdf.OpenWithKeys(s.state.OurNextKey.PrivateKey, sender, encryptedHeader)
	if err != nil {
		return wire.Header{}, false, err
	}
	h, err := wire.DecodeHeader(pt)
	if err != nil {
		return wire.Header{}, false, err
	}
	return h, true, nil
}

// ratchetDecrypt resolves the message key for header (trying the
// skipped-key cache first) and decrypts content.
func (s *Session) ratchetDecrypt(scratch *State, scratchSkipped map[skippedKey][]byte, header wire.Header, content, sender string) (string, error) {
	key := skippedKey{senderPub: sender, number: header.Number}
	if mk, ok := s.skipped.Get(key); ok {
		plaintext, err := kdf.Open(mk, content)
		if err != nil {
			return "", ErrDecryption
		}
		s.skipped.Remove(key)
		return plaintext, nil
	}

	if scratch.ReceivingChainKey == nil {
		return "", ErrSessionNotReady
	}
	if err := skipKeys(scratch, scratchSkipped, header.Number, sender, s.maxSkip); err != nil {
		return "", err
	}

	nextChainKey, messageKey, err := kdf.StepChain(scratch.ReceivingChainKey)
	if err != nil {
		return "", fmt.Errorf("session: ratchet decrypt: %w", err)
	}
	scratch.ReceivingChainKey = nextChainKey
	scratch.ReceivingNumber++

	plaintext, err := kdf.Open(messageKey, content)
	if err != nil {
		return "", ErrDecryption
	}
	return plaintext, nil
}

// skipKeys derives and caches message keys for [state.ReceivingNumber,
// until) on the receiving chain, bounded by maxSkip.
func skipKeys(state *State, cache map[skippedKey][]byte, until uint32, sender string, maxSkip int) error {
	if state.ReceivingChainKey == nil {
		return nil
	}
	if until <= state.ReceivingNumber {
		return nil
	}
	if int(until-state.ReceivingNumber) > maxSkip {
		return ErrTooManySkippedMessages
	}
	for state.ReceivingNumber < until {
		nextChainKey, messageKey, err := kdf.StepChain(state.ReceivingChainKey)
		if err != nil {
			return fmt.Errorf("session: skip keys: %w", err)
		}
		state.ReceivingChainKey = nextChainKey
		cache[skippedKey{senderPub: sender, number: state.ReceivingNumber}] = messageKey
		state.ReceivingNumber++
	}
	return nil
}

// ratchetStep performs the DH ratchet: rotate our_current <- our_next,
// generate a fresh our_next, and derive a new root/receiving/sending
// chain from DH(our_next, their_next).
func ratchetStep(state *State, theirNext string) error {
	state.PreviousSendingChainLength = state.SendingNumber
	state.SendingNumber = 0
	state.ReceivingNumber = 0

	ck1, err := kdf.ConversationKey(state.OurNextKey.PrivateKey, theirNext)
	if err != nil {
		return fmt.Errorf("session: ratchet step: %w", err)
	}
	nextRoot, receivingChainKey, err := kdf.StepRoot(state.RootKey, ck1)
	if err != nil {
		return fmt.Errorf("session: ratchet step: %w", err)
	}
	state.ReceivingChainKey = receivingChainKey

	state.OurCurrentKey = &kdf.Keypair{PrivateKey: state.OurNextKey.PrivateKey, PublicKey: state.OurNextKey.PublicKey}

	newNext, err := kdf.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("session: ratchet step: %w", err)
	}
	state.OurNextKey = newNext

	ck2, err := kdf.ConversationKey(newNext.PrivateKey, theirNext)
	if err != nil {
		return fmt.Errorf("session: ratchet step: %w", err)
	}
	nextRoot2, sendingChainKey, err := kdf.StepRoot(nextRoot, ck2)
	if err != nil {
		return fmt.Errorf("session: ratchet step: %w", err)
	}
	state.RootKey = nextRoot2
	state.SendingChainKey = sendingChainKey
	return nil
}

func findTag(tags nostr.Tags, name string) (string, bool) {
	for _, t := range tags {
		if len(t) > 1 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}
