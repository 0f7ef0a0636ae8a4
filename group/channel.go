package group

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrchat/doubleratchet/kdf"
	"github.com/nostrchat/doubleratchet/senderkey"
	"github.com/nostrchat/doubleratchet/storage"
	"github.com/nostrchat/doubleratchet/wire"
)

// DecryptedEvent is what a successfully decrypted one-to-many outer
// event yields, with enough sender provenance for the caller to route
// it.
type DecryptedEvent struct {
	GroupID            string
	SenderEventPubkey  string
	SenderDevicePubkey string
	SenderOwnerPubkey  string
	OuterEventID       string
	OuterCreatedAt     int64
	KeyID              uint32
	MessageNumber      uint32
	Inner              nostr.Event
}

type pendingKey struct {
	senderEventPubkey string
	keyID             uint32
}

// SendPairwiseFunc delivers a rumor to every device of one member
// owner pubkey over its pairwise sessions (implemented by the caller,
// typically sessionmanager.SendEvent).
type SendPairwiseFunc func(memberOwnerPubkey string, rumor nostr.Event) error

// PublishOuterFunc publishes a signed one-to-many outer event.
type PublishOuterFunc func(outer nostr.Event) error

// Channel owns one group's authoritative data and our own device's
// per-group sender-key lifecycle.
type Channel struct {
	mu sync.Mutex

	data                 Data
	ourOwnerPubkey       string
	ourDevicePubkey      string
	store                storage.Adapter
	allowLegacyBroadcast bool
	maxSkip              int

	initialized bool

	senderDeviceToEvent map[string]string
	senderEventToDevice map[string]string
	senderDeviceToOwner map[string]string
	pendingOuter        map[pendingKey][]nostr.Event
}

// NewChannel constructs a Channel for data, owned locally by
// ourOwnerPubkey/ourDevicePubkey. maxSkip bounds the sender-key chain's
// fast-forward window (config.Config.MaxSkippedKeysPerChain).
func NewChannel(data Data, ourOwnerPubkey, ourDevicePubkey string, store storage.Adapter, allowLegacyBroadcast bool, maxSkip int) *Channel {
	return &Channel{
		data:                 data,
		ourOwnerPubkey:       ourOwnerPubkey,
		ourDevicePubkey:      ourDevicePubkey,
		store:                store,
		allowLegacyBroadcast: allowLegacyBroadcast,
		maxSkip:              maxSkip,
		senderDeviceToEvent:  make(map[string]string),
		senderEventToDevice:  make(map[string]string),
		senderDeviceToOwner:  make(map[string]string),
		pendingOuter:         make(map[pendingKey][]nostr.Event),
	}
}

// SetData replaces the group's authoritative data (e.g. after an
// accepted metadata update), keeping sender-key state intact.
func (c *Channel) SetData(data Data) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
}

// Data returns a copy of the group's current authoritative data.
func (c *Channel) Data() Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *Channel) groupID() string { return c.data.ID }

const versionPrefix = "v1/broadcast-channel"

func (c *Channel) groupSenderPrefix(deviceHex string) string {
	return fmt.Sprintf("%s/group/%s/sender/%s", versionPrefix, c.groupID(), deviceHex)
}

func (c *Channel) senderEventSecretKeyKey(deviceHex string) string {
	return c.groupSenderPrefix(deviceHex) + "/sender-event-secret-key"
}
func (c *Channel) senderEventPubkeyKey(deviceHex string) string {
	return c.groupSenderPrefix(deviceHex) + "/sender-event-pubkey"
}
func (c *Channel) senderOwnerPubkeyKey(deviceHex string) string {
	return c.groupSenderPrefix(deviceHex) + "/sender-owner-pubkey"
}
func (c *Channel) latestKeyIDKey(deviceHex string) string {
	return c.groupSenderPrefix(deviceHex) + "/latest-key-id"
}
func (c *Channel) senderKeyStateKey(deviceHex string, keyID uint32) string {
	return fmt.Sprintf("%s/key/%d", c.groupSenderPrefix(deviceHex), keyID)
}

// init lazily loads persisted sender-event/owner mappings for every
// device this channel has ever seen, once per Channel lifetime.
func (c *Channel) init() error {
	if c.initialized {
		return nil
	}
	c.initialized = true

	prefix := fmt.Sprintf("%s/group/%s/sender/", versionPrefix, c.groupID())
	keys, err := c.store.List(prefix)
	if err != nil {
		return fmt.Errorf("group: init: %w", err)
	}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		deviceHex, suffix := parts[0], parts[1]

		switch suffix {
		case "sender-event-pubkey":
			val, err := c.store.Get(key)
			if err != nil {
				continue
			}
			c.setSenderEventMapping(deviceHex, val)
		case "sender-owner-pubkey":
			val, err := c.store.Get(key)
			if err != nil {
				continue
			}
			c.senderDeviceToOwner[deviceHex] = val
		}
	}
	return nil
}

func (c *Channel) setSenderEventMapping(devicePubkey, senderEventPubkey string) {
	if prev, ok := c.senderDeviceToEvent[devicePubkey]; ok && prev != senderEventPubkey {
		delete(c.senderEventToDevice, prev)
	}
	c.senderDeviceToEvent[devicePubkey] = senderEventPubkey
	c.senderEventToDevice[senderEventPubkey] = devicePubkey
}

// ensureOurSenderEventKeys loads (or generates and persists) the
// keypair that authors our outer one-to-many events for this group.
func (c *Channel) ensureOurSenderEventKeys() (kdf.Keypair, bool, error) {
	if err := c.init(); err != nil {
		return kdf.Keypair{}, false, err
	}

	if stored, err := c.store.Get(c.senderEventSecretKeyKey(c.ourDevicePubkey)); err == nil {
		pub, pubErr := nostr.GetPublicKey(stored)
		if pubErr == nil {
			c.setSenderEventMapping(c.ourDevicePubkey, pub)
			_ = c.store.Put(c.senderEventPubkeyKey(c.ourDevicePubkey), pub)
			return kdf.Keypair{PrivateKey: stored, PublicKey: pub}, false, nil
		}
	}

	keys, err := kdf.GenerateKeypair()
	if err != nil {
		return kdf.Keypair{}, false, fmt.Errorf("group: ensure sender event keys: %w", err)
	}
	if err := c.store.Put(c.senderEventSecretKeyKey(c.ourDevicePubkey), keys.PrivateKey); err != nil {
		return kdf.Keypair{}, false, fmt.Errorf("group: ensure sender event keys: %w", err)
	}
	if err := c.store.Put(c.senderEventPubkeyKey(c.ourDevicePubkey), keys.PublicKey); err != nil {
		return kdf.Keypair{}, false, fmt.Errorf("group: ensure sender event keys: %w", err)
	}
	c.setSenderEventMapping(c.ourDevicePubkey, keys.PublicKey)
	return keys, true, nil
}

func (c *Channel) loadSenderKeyState(deviceHex string, keyID uint32) (*senderkey.State, error) {
	data, err := c.store.Get(c.senderKeyStateKey(deviceHex, keyID))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var wire struct {
		KeyID     uint32 `json:"key_id"`
		ChainKey  string `json:"chain_key"`
		Iteration uint32 `json:"iteration"`
	}
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return nil, fmt.Errorf("group: load sender key state: %w", err)
	}
	chainKey, err := hex.DecodeString(wire.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("group: load sender key state: %w", err)
	}
	return senderkey.New(wire.KeyID, chainKey, wire.Iteration), nil
}

func (c *Channel) saveSenderKeyState(deviceHex string, state *senderkey.State) error {
	data, err := json.Marshal(struct {
		KeyID     uint32 `json:"key_id"`
		ChainKey  string `json:"chain_key"`
		Iteration uint32 `json:"iteration"`
	}{state.KeyID, hex.EncodeToString(state.ChainKey), state.Iteration})
	if err != nil {
		return fmt.Errorf("group: save sender key state: %w", err)
	}
	return c.store.Put(c.senderKeyStateKey(deviceHex, state.KeyID), string(data))
}

// ensureOurSenderKeyState loads our latest sender key, or allocates a
// fresh one when forceRotate is set or none exists yet.
func (c *Channel) ensureOurSenderKeyState(forceRotate bool) (*senderkey.State, bool, error) {
	if err := c.init(); err != nil {
		return nil, false, err
	}

	if !forceRotate {
		if latestStr, err := c.store.Get(c.latestKeyIDKey(c.ourDevicePubkey)); err == nil {
			if latestID, convErr := strconv.ParseUint(latestStr, 10, 32); convErr == nil {
				if existing, loadErr := c.loadSenderKeyState(c.ourDevicePubkey, uint32(latestID)); loadErr == nil && existing != nil {
					return existing, false, nil
				}
			}
		}
	}

	chainKey, err := kdf.RandomBytes32()
	if err != nil {
		return nil, false, fmt.Errorf("group: ensure sender key state: %w", err)
	}
	keyID := rand.Uint32()
	state := senderkey.New(keyID, chainKey, 0)
	if err := c.saveSenderKeyState(c.ourDevicePubkey, state); err != nil {
		return nil, false, err
	}
	if err := c.store.Put(c.latestKeyIDKey(c.ourDevicePubkey), strconv.FormatUint(uint64(keyID), 10)); err != nil {
		return nil, false, err
	}
	return state, true, nil
}

func (c *Channel) buildDistribution(nowSeconds int64, senderEventPubkey string, state *senderkey.State) senderkey.Distribution {
	return senderkey.Distribution{
		GroupID:           c.groupID(),
		KeyID:             state.KeyID,
		ChainKey:          hex.EncodeToString(state.ChainKey),
		Iteration:         state.Iteration,
		CreatedAt:         nowSeconds,
		SenderEventPubkey: senderEventPubkey,
	}
}

func (c *Channel) buildDistributionRumor(nowSeconds, nowMs int64, dist senderkey.Distribution) (nostr.Event, error) {
	content, err := json.Marshal(dist)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("group: build distribution rumor: %w", err)
	}
	return nostr.Event{
		Kind:      wire.KindSenderKeyDistrib,
		PubKey:    c.ourDevicePubkey,
		Content:   string(content),
		CreatedAt: nostr.Timestamp(nowSeconds),
		Tags: nostr.Tags{
			nostr.Tag{wire.TagLabel, c.groupID()},
			nostr.Tag{wire.TagSenderKeyID, strconv.FormatUint(uint64(dist.KeyID), 10)},
			nostr.Tag{wire.TagMillis, strconv.FormatInt(nowMs, 10)},
		},
	}, nil
}

// RotateSenderKey allocates a fresh (key_id, chain_key), publishes the
// distribution to every other member, and returns it so the caller can
// also persist/inspect it.
func (c *Channel) RotateSenderKey(sendPairwise SendPairwiseFunc, nowMs int64) (senderkey.Distribution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}
	nowSeconds := nowMs / 1000

	_, senderEventPubkey, _, err := c.resolveOurSenderEventPubkey()
	if err != nil {
		return senderkey.Distribution{}, err
	}
	state, _, err := c.ensureOurSenderKeyState(true)
	if err != nil {
		return senderkey.Distribution{}, err
	}

	dist := c.buildDistribution(nowSeconds, senderEventPubkey, state)
	rumor, err := c.buildDistributionRumor(nowSeconds, nowMs, dist)
	if err != nil {
		return senderkey.Distribution{}, err
	}

	for _, member := range c.data.Members {
		if member == c.ourOwnerPubkey {
			continue
		}
		if err := sendPairwise(member, rumor); err != nil {
			return senderkey.Distribution{}, fmt.Errorf("group: rotate sender key: %w", err)
		}
	}
	return dist, nil
}

func (c *Channel) resolveOurSenderEventPubkey() (kdf.Keypair, string, bool, error) {
	keys, changed, err := c.ensureOurSenderEventKeys()
	if err != nil {
		return kdf.Keypair{}, "", false, err
	}
	return keys, keys.PublicKey, changed, nil
}

// SendEvent ensures our sender-key state is current (distributing it
// first if newly created or rotated), encrypts event as a one-to-many
// outer ciphertext, and publishes it.
func (c *Channel) SendEvent(event nostr.Event, sendPairwise SendPairwiseFunc, publishOuter PublishOuterFunc, nowMs int64) (outer nostr.Event, inner nostr.Event, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}
	nowSeconds := nowMs / 1000

	senderEventKeys, senderEventPubkey, senderEventChanged, err := c.resolveOurSenderEventPubkey()
	if err != nil {
		return nostr.Event{}, nostr.Event{}, err
	}
	state, stateCreated, err := c.ensureOurSenderKeyState(false)
	if err != nil {
		return nostr.Event{}, nostr.Event{}, err
	}

	if stateCreated || senderEventChanged {
		dist := c.buildDistribution(nowSeconds, senderEventPubkey, state)
		rumor, err := c.buildDistributionRumor(nowSeconds, nowMs, dist)
		if err != nil {
			return nostr.Event{}, nostr.Event{}, err
		}
		for _, member := range c.data.Members {
			if member == c.ourOwnerPubkey {
				continue
			}
			if err := sendPairwise(member, rumor); err != nil {
				return nostr.Event{}, nostr.Event{}, fmt.Errorf("group: send event: distribute: %w", err)
			}
		}
	}

	inner = c.buildGroupInnerRumor(event, nowSeconds, nowMs)
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nostr.Event{}, nostr.Event{}, fmt.Errorf("group: send event: %w", err)
	}

	outer, err = senderkey.EncryptToOuterEvent(senderEventKeys.PrivateKey, c.groupID(), state, string(innerJSON), nowSeconds, nowMs)
	if err != nil {
		return nostr.Event{}, nostr.Event{}, fmt.Errorf("group: send event: %w", err)
	}

	if err := c.saveSenderKeyState(c.ourDevicePubkey, state); err != nil {
		return nostr.Event{}, nostr.Event{}, err
	}
	if err := publishOuter(outer); err != nil {
		return nostr.Event{}, nostr.Event{}, fmt.Errorf("group: send event: publish: %w", err)
	}

	return outer, inner, nil
}

func (c *Channel) buildGroupInnerRumor(event nostr.Event, nowSeconds, nowMs int64) nostr.Event {
	hasGroupTag, hasMsTag := false, false
	tags := make(nostr.Tags, 0, len(event.Tags)+2)
	for _, t := range event.Tags {
		if len(t) > 1 && t[0] == wire.TagLabel && t[1] == c.groupID() {
			hasGroupTag = true
		}
		if len(t) > 0 && t[0] == wire.TagMillis {
			hasMsTag = true
		}
		tags = append(tags, t)
	}
	if !hasGroupTag {
		tags = append(nostr.Tags{nostr.Tag{wire.TagLabel, c.groupID()}}, tags...)
	}
	if !hasMsTag {
		tags = append(tags, nostr.Tag{wire.TagMillis, strconv.FormatInt(nowMs, 10)})
	}

	rumor := nostr.Event{
		Kind:      event.Kind,
		Content:   event.Content,
		Tags:      tags,
		CreatedAt: nostr.Timestamp(nowSeconds),
		PubKey:    c.ourDevicePubkey,
	}
	rumor.ID = rumor.GetID()
	return rumor
}

// HandleIncomingSessionEvent processes a rumor delivered over a
// pairwise session (distribution or otherwise). Only distribution-kind
// rumors tagged for this group, from a known member owner, are acted
// on; learning a new sender-event binding drains any outer events
// already queued for it.
func (c *Channel) HandleIncomingSessionEvent(event nostr.Event, fromOwnerPubkey, fromSenderDevicePubkey string) []DecryptedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.init(); err != nil {
		return nil
	}
	if !c.isMemberOwner(fromOwnerPubkey) {
		return nil
	}
	groupTag, _ := findTag(event.Tags, wire.TagLabel)
	if groupTag != c.groupID() {
		return nil
	}
	if event.Kind != wire.KindSenderKeyDistrib {
		return nil
	}

	var dist senderkey.Distribution
	if err := json.Unmarshal([]byte(event.Content), &dist); err != nil || dist.GroupID != c.groupID() {
		return nil
	}
	if event.PubKey != fromSenderDevicePubkey {
		return nil
	}

	c.senderDeviceToOwner[fromSenderDevicePubkey] = fromOwnerPubkey
	_ = c.store.Put(c.senderOwnerPubkeyKey(fromSenderDevicePubkey), fromOwnerPubkey)

	if dist.SenderEventPubkey != "" {
		c.setSenderEventMapping(fromSenderDevicePubkey, dist.SenderEventPubkey)
		_ = c.store.Put(c.senderEventPubkeyKey(fromSenderDevicePubkey), dist.SenderEventPubkey)
	}

	if existing, _ := c.loadSenderKeyState(fromSenderDevicePubkey, dist.KeyID); existing == nil {
		chainKey, err := hex.DecodeString(dist.ChainKey)
		if err == nil {
			_ = c.saveSenderKeyState(fromSenderDevicePubkey, senderkey.New(dist.KeyID, chainKey, dist.Iteration))
		}
	}

	if dist.SenderEventPubkey == "" {
		return nil
	}
	return c.drainPending(dist.SenderEventPubkey, dist.KeyID)
}

func (c *Channel) isMemberOwner(pubkey string) bool {
	for _, m := range c.data.Members {
		if m == pubkey {
			return true
		}
	}
	return false
}

// HandleOuterEvent decrypts a received one-to-many outer event. If the
// sender-event binding or its key state is not yet known, the event is
// queued (bounded per (sender_event_pubkey, key_id)) and nil is
// returned; HandleIncomingSessionEvent later drains it.
func (c *Channel) HandleOuterEvent(outer nostr.Event) (*DecryptedEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.init(); err != nil {
		return nil, false
	}
	if outer.Kind != wire.KindOneToMany {
		return nil, false
	}
	if ok, _ := outer.CheckSignature(); !ok {
		return nil, false
	}

	keyID, messageNumber, ciphertext, err := senderkey.ParseOuterContent(outer.Content)
	if err != nil {
		return nil, false
	}
	senderEventPubkey := outer.PubKey

	senderDevicePubkey, ok := c.senderEventToDevice[senderEventPubkey]
	if !ok {
		senderDevicePubkey, ok = c.loadSenderDeviceFromStorage(senderEventPubkey)
		if !ok {
			c.queuePending(senderEventPubkey, keyID, outer)
			return nil, false
		}
	}

	state, err := c.loadSenderKeyState(senderDevicePubkey, keyID)
	if err != nil || state == nil {
		c.queuePending(senderEventPubkey, keyID, outer)
		return nil, false
	}

	plaintext, err := senderkey.Decrypt(state, messageNumber, ciphertext, c.maxSkip)
	if err != nil {
		return nil, false
	}
	_ = c.saveSenderKeyState(senderDevicePubkey, state)

	inner := c.parseInnerRumor(plaintext, senderDevicePubkey, int64(outer.CreatedAt))
	if innerGroup, ok := findTag(inner.Tags, wire.TagLabel); ok && innerGroup != c.groupID() {
		return nil, false
	}

	senderOwnerPubkey := c.senderDeviceToOwner[senderDevicePubkey]
	if senderOwnerPubkey == "" {
		if v, err := c.store.Get(c.senderOwnerPubkeyKey(senderDevicePubkey)); err == nil {
			senderOwnerPubkey = v
		}
	}

	return &DecryptedEvent{
		GroupID:            c.groupID(),
		SenderEventPubkey:  senderEventPubkey,
		SenderDevicePubkey: senderDevicePubkey,
		SenderOwnerPubkey:  senderOwnerPubkey,
		OuterEventID:       outer.ID,
		OuterCreatedAt:     int64(outer.CreatedAt),
		KeyID:              keyID,
		MessageNumber:      messageNumber,
		Inner:              inner,
	}, true
}

func (c *Channel) loadSenderDeviceFromStorage(senderEventPubkey string) (string, bool) {
	prefix := fmt.Sprintf("%s/group/%s/sender/", versionPrefix, c.groupID())
	keys, err := c.store.List(prefix)
	if err != nil {
		return "", false
	}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] != "sender-event-pubkey" {
			continue
		}
		stored, err := c.store.Get(key)
		if err != nil || stored != senderEventPubkey {
			continue
		}
		c.setSenderEventMapping(parts[0], senderEventPubkey)
		return parts[0], true
	}
	return "", false
}

// maxPendingPerSenderKey bounds each (sender_event_pubkey, key_id)
// queue; once full, the oldest queued event is dropped.
const maxPendingPerSenderKey = 128

func (c *Channel) queuePending(senderEventPubkey string, keyID uint32, outer nostr.Event) {
	k := pendingKey{senderEventPubkey, keyID}
	pending := c.pendingOuter[k]
	if len(pending) >= maxPendingPerSenderKey {
		pending = pending[1:]
	}
	c.pendingOuter[k] = append(pending, outer)
}

func (c *Channel) drainPending(senderEventPubkey string, keyID uint32) []DecryptedEvent {
	k := pendingKey{senderEventPubkey, keyID}
	pending := c.pendingOuter[k]
	if len(pending) == 0 {
		return nil
	}
	delete(c.pendingOuter, k)

	type numbered struct {
		outer  nostr.Event
		number uint32
	}
	withNumber := make([]numbered, 0, len(pending))
	for _, outer := range pending {
		_, n, _, err := senderkey.ParseOuterContent(outer.Content)
		if err != nil {
			n = 0
		}
		withNumber = append(withNumber, numbered{outer, n})
	}
	for i := 1; i < len(withNumber); i++ {
		for j := i; j > 0 && withNumber[j-1].number > withNumber[j].number; j-- {
			withNumber[j-1], withNumber[j] = withNumber[j], withNumber[j-1]
		}
	}

	var out []DecryptedEvent
	for _, n := range withNumber {
		if decrypted, ok := c.handleOuterEventLocked(n.outer); ok {
			out = append(out, *decrypted)
		}
	}
	return out
}

// handleOuterEventLocked runs HandleOuterEvent from code that already
// holds c.mu (draining queued events): it releases c.mu for the call
// and takes it again before returning.
func (c *Channel) handleOuterEventLocked(outer nostr.Event) (*DecryptedEvent, bool) {
	c.mu.Unlock()
	defer c.mu.Lock()
	return c.HandleOuterEvent(outer)
}

func (c *Channel) parseInnerRumor(plaintext string, senderDevicePubkey string, fallbackCreatedAt int64) nostr.Event {
	var inner nostr.Event
	if err := json.Unmarshal([]byte(plaintext), &inner); err == nil && inner.Kind != 0 {
		return inner
	}

	var minimal struct {
		Kind      int        `json:"kind"`
		Content   string     `json:"content"`
		Tags      nostr.Tags `json:"tags"`
		CreatedAt *int64     `json:"created_at"`
		PubKey    string     `json:"pubkey"`
	}
	if err := json.Unmarshal([]byte(plaintext), &minimal); err == nil && minimal.Kind != 0 {
		createdAt := fallbackCreatedAt
		if minimal.CreatedAt != nil {
			createdAt = *minimal.CreatedAt
		}
		pubkey := minimal.PubKey
		if pubkey == "" {
			pubkey = senderDevicePubkey
		}
		tags := minimal.Tags
		if _, ok := findTag(tags, wire.TagLabel); !ok {
			tags = append(tags, nostr.Tag{wire.TagLabel, c.groupID()})
		}
		return nostr.Event{Kind: minimal.Kind, Content: minimal.Content, Tags: tags, CreatedAt: nostr.Timestamp(createdAt), PubKey: pubkey}
	}

	return nostr.Event{
		Kind:      wire.KindChatMessage,
		Content:   plaintext,
		Tags:      nostr.Tags{nostr.Tag{wire.TagLabel, c.groupID()}},
		CreatedAt: nostr.Timestamp(fallbackCreatedAt),
		PubKey:    senderDevicePubkey,
	}
}

// ListSenderEventPubkeys returns the de-duplicated sender-event
// pubkeys known for this group (used by GroupManager to keep its
// reverse index current).
func (c *Channel) ListSenderEventPubkeys() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.init(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, v := range c.senderDeviceToEvent {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

// LegacyBroadcastEncrypt implements the non-forward-secret fallback
// transport gated behind config.AllowInsecureSharedChannelSenderKeys:
// AEAD under a key derived by HKDF from the group's static secret with
// a fixed label, no ratchet. The original keeps this for interop with
// clients that predate sender keys.
func (c *Channel) LegacyBroadcastEncrypt(plaintext string) (string, error) {
	if !c.allowLegacyBroadcast {
		return "", fmt.Errorf("group: legacy broadcast disabled")
	}
	secret, err := c.legacyBroadcastKey()
	if err != nil {
		return "", err
	}
	return kdf.Seal(secret, plaintext)
}

// LegacyBroadcastDecrypt is the inverse of LegacyBroadcastEncrypt.
func (c *Channel) LegacyBroadcastDecrypt(ciphertext string) (string, error) {
	if !c.allowLegacyBroadcast {
		return "", fmt.Errorf("group: legacy broadcast disabled")
	}
	secret, err := c.legacyBroadcastKey()
	if err != nil {
		return "", err
	}
	return kdf.Open(secret, ciphertext)
}

func (c *Channel) legacyBroadcastKey() ([]byte, error) {
	c.mu.Lock()
	secretHex := c.data.Secret
	c.mu.Unlock()
	if secretHex == "" {
		return nil, fmt.Errorf("group: legacy broadcast: group has no shared secret")
	}
	seed, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("group: legacy broadcast: %w", err)
	}
	outs, err := kdf.Derive(seed, []byte("double-ratchet/legacy-broadcast"), 1)
	if err != nil {
		return nil, fmt.Errorf("group: legacy broadcast: %w", err)
	}
	return outs[0], nil
}

func findTag(tags nostr.Tags, name string) (string, bool) {
	for _, t := range tags {
		if len(t) > 1 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}
