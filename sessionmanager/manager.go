package sessionmanager

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/nostrchat/doubleratchet/config"
	"github.com/nostrchat/doubleratchet/invite"
	"github.com/nostrchat/doubleratchet/session"
	"github.com/nostrchat/doubleratchet/storage"
	"github.com/nostrchat/doubleratchet/transport"
	"github.com/nostrchat/doubleratchet/wire"
)

// pendingMessage is a rumor queued for a recipient with no active
// session yet. It is retried after a session appears, and kept around
// briefly afterward so other devices of the same recipient that come
// online within the fan-out window also receive it (see
// config.SendMessageFanoutRetentionSeconds).
type pendingMessage struct {
	rumor       nostr.Event
	firstSentAt *int64
}

// Manager owns one device's own invite lifecycle and every per-peer,
// per-device session it holds, dispatching received relay events to
// the right session or invite handler without ever blocking on
// network I/O itself — it only emits transport.ManagerEvent values for
// the caller to act on.
type Manager struct {
	ourIdentityPub  string
	ourIdentityPriv string
	deviceID        string
	store           storage.Adapter
	cfg             config.Config
	logger          *zap.Logger

	mu          sync.Mutex
	initialized bool
	ourInvite   *invite.Invite

	peers           map[string]*peerRecord
	pendingInvites  map[string]bool
	pendingMessages map[string][]pendingMessage

	subKeyToSubID map[string]string

	events []transport.ManagerEvent
}

// New constructs a Manager for one local identity/device pair.
// logger may be nil, in which case a no-op logger is used (this
// package never logs plaintext regardless).
func New(ourIdentityPub, ourIdentityPriv, deviceID string, store storage.Adapter, cfg config.Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		ourIdentityPub:  ourIdentityPub,
		ourIdentityPriv: ourIdentityPriv,
		deviceID:        deviceID,
		store:           store,
		cfg:             cfg,
		logger:          logger,
		peers:           make(map[string]*peerRecord),
		pendingInvites:  make(map[string]bool),
		pendingMessages: make(map[string][]pendingMessage),
		subKeyToSubID:   make(map[string]string),
	}
}

// DeviceID returns this manager's own device id.
func (m *Manager) DeviceID() string { return m.deviceID }

// OurPubkey returns this manager's own identity public key.
func (m *Manager) OurPubkey() string { return m.ourIdentityPub }

// DrainEvents removes and returns every ManagerEvent queued so far.
// The caller is expected to act on each (publish, subscribe,
// unsubscribe, surface a decrypted message) against its own relay
// pool.
func (m *Manager) DrainEvents() []transport.ManagerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out
}

func (m *Manager) emit(evt transport.ManagerEvent) {
	m.events = append(m.events, evt)
}

func (m *Manager) inviteResponseFilter(pTag string) string {
	return subscribeFilter{Kinds: []int{wire.KindInviteResponse}, PTags: []string{pTag}}.json()
}

func (m *Manager) messageFilter(author string) string {
	return subscribeFilter{Kinds: []int{wire.KindMessage}, Authors: []string{author}}.json()
}

func (m *Manager) inviteFilter(author string) string {
	return subscribeFilter{Kinds: []int{wire.KindInvite}, Authors: []string{author}, LTags: []string{wire.InviteNamespace}}.json()
}

// applyAuthorFilterDiff subscribes to any author pubkey newly present
// in after and unsubscribes from any no longer present — the
// realization of Session's "observable AuthorFilter, diffed by the
// manager" design (see session package's own doc comment on
// AuthorFilter).
func (m *Manager) applyAuthorFilterDiff(before, after []string) {
	beforeSet := make(map[string]bool, len(before))
	for _, k := range before {
		beforeSet[k] = true
	}
	afterSet := make(map[string]bool, len(after))
	for _, k := range after {
		afterSet[k] = true
	}

	for _, k := range after {
		if beforeSet[k] {
			continue
		}
		if _, ok := m.subKeyToSubID[k]; ok {
			continue
		}
		subID := uuid.NewString()
		m.subKeyToSubID[k] = subID
		m.emit(transport.ManagerEvent{Kind: transport.EventSubscribe, SubscriptionID: subID, FilterJSON: m.messageFilter(k)})
	}
	for _, k := range before {
		if afterSet[k] {
			continue
		}
		subID, ok := m.subKeyToSubID[k]
		if !ok {
			continue
		}
		delete(m.subKeyToSubID, k)
		m.emit(transport.ManagerEvent{Kind: transport.EventUnsubscribe, SubscriptionID: subID})
	}
}

func (m *Manager) getOrCreatePeerLocked(identityPubkey string) *peerRecord {
	p, ok := m.peers[identityPubkey]
	if !ok {
		p = newPeerRecord()
		m.peers[identityPubkey] = p
	}
	return p
}

// Init loads persisted peer records and this device's own invite (or
// creates one), publishes it, and subscribes to invite responses and
// to every known session's current author keys. Calling Init more
// than once is a no-op.
func (m *Manager) Init() error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	if err := m.loadAllPeerRecords(); err != nil {
		return fmt.Errorf("sessionmanager: init: %w", err)
	}

	deviceInviteKey := fmt.Sprintf("device-invite/%s", m.deviceID)
	var inv *invite.Invite
	if data, err := m.store.Get(deviceInviteKey); err == nil {
		inv = &invite.Invite{}
		if jsonErr := json.Unmarshal([]byte(data), inv); jsonErr != nil {
			return fmt.Errorf("sessionmanager: init: decode invite: %w", jsonErr)
		}
	} else {
		created, createErr := invite.CreateNew(m.ourIdentityPub, m.deviceID, 0)
		if createErr != nil {
			return fmt.Errorf("sessionmanager: init: %w", createErr)
		}
		inv = created
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("sessionmanager: init: encode invite: %w", err)
	}
	if err := m.store.Put(deviceInviteKey, string(data)); err != nil {
		return fmt.Errorf("sessionmanager: init: persist invite: %w", err)
	}

	m.mu.Lock()
	m.ourInvite = inv
	subID := uuid.NewString()
	m.subKeyToSubID[inv.InviterEphemeralPublicKey] = subID
	m.emit(transport.ManagerEvent{Kind: transport.EventSubscribe, SubscriptionID: subID, FilterJSON: m.inviteResponseFilter(inv.InviterEphemeralPublicKey)})
	m.mu.Unlock()

	evt, err := inv.ToEvent(m.ourIdentityPriv)
	if err != nil {
		return fmt.Errorf("sessionmanager: init: build invite event: %w", err)
	}
	m.mu.Lock()
	m.emit(transport.ManagerEvent{Kind: transport.EventPublishSigned, Signed: &evt})

	for _, peer := range m.peers {
		for _, device := range peer.devices {
			for _, s := range device.allSessions() {
				after := s.AuthorFilter()
				m.applyAuthorFilterDiff(nil, after)
			}
		}
	}
	m.mu.Unlock()

	m.logger.Info("sessionmanager initialized", zap.String("device_id", m.deviceID))
	return nil
}

func (m *Manager) loadAllPeerRecords() error {
	keys, err := m.store.List("user/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		data, err := m.store.Get(key)
		if err != nil {
			continue
		}
		identityPubkey := strings.TrimPrefix(key, "user/")
		peer, err := peerRecordFromStored(data, m.cfg.MaxSkippedKeysPerChain, m.cfg.InactiveSessionRetention)
		if err != nil {
			m.logger.Warn("sessionmanager: dropping unreadable peer record", zap.String("peer", identityPubkey), zap.Error(err))
			continue
		}
		m.peers[identityPubkey] = peer
	}
	return nil
}

func (m *Manager) persistPeer(identityPubkey string) {
	m.mu.Lock()
	peer, ok := m.peers[identityPubkey]
	m.mu.Unlock()
	if !ok {
		return
	}
	data, err := json.Marshal(peer.toStored())
	if err != nil {
		m.logger.Warn("sessionmanager: encode peer record failed", zap.Error(err))
		return
	}
	if err := m.store.Put(peerStorageKey(identityPubkey), string(data)); err != nil {
		m.logger.Warn("sessionmanager: persist peer record failed", zap.Error(err))
	}
}

// SetupUser ensures we are listening for invites from userPubkey, if
// we have no session and no pending fetch for them yet.
func (m *Manager) SetupUser(userPubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if peer, ok := m.peers[userPubkey]; ok {
		peer.mu.Lock()
		hasAny := len(peer.devices) > 0
		peer.mu.Unlock()
		if hasAny {
			return nil
		}
	}
	if m.pendingInvites[userPubkey] {
		return nil
	}
	m.pendingInvites[userPubkey] = true
	subID := uuid.NewString()
	m.emit(transport.ManagerEvent{Kind: transport.EventSubscribe, SubscriptionID: subID, FilterJSON: m.inviteFilter(userPubkey)})
	return nil
}

func cloneRumor(rumor nostr.Event) nostr.Event {
	cp := rumor
	cp.Tags = append(nostr.Tags{}, rumor.Tags...)
	return cp
}

// SendText sends a plain chat-message rumor to recipient.
func (m *Manager) SendText(recipient, text string) ([]string, error) {
	return m.SendEvent(recipient, nostr.Event{Kind: wire.KindChatMessage, Content: text})
}

// SendReaction sends a reaction rumor referencing messageID.
func (m *Manager) SendReaction(recipient, messageID, emoji string) ([]string, error) {
	return m.SendEvent(recipient, nostr.Event{
		Kind:    wire.KindReaction,
		Content: emoji,
		Tags:    nostr.Tags{nostr.Tag{wire.TagEventRef, messageID}},
	})
}

// SendReceipt sends a delivered/seen receipt rumor for one or more messages.
func (m *Manager) SendReceipt(recipient, receiptType string, messageIDs []string) ([]string, error) {
	tags := make(nostr.Tags, 0, len(messageIDs))
	for _, id := range messageIDs {
		tags = append(tags, nostr.Tag{wire.TagEventRef, id})
	}
	return m.SendEvent(recipient, nostr.Event{Kind: wire.KindReceipt, Content: receiptType, Tags: tags})
}

// SendTyping sends a typing-indicator rumor.
func (m *Manager) SendTyping(recipient string) ([]string, error) {
	return m.SendEvent(recipient, nostr.Event{Kind: wire.KindTyping, Content: "typing"})
}

// SendEvent ratchet-encrypts rumor to every active session of
// recipient (and, unless recipient is ourselves, to every active
// session of our own other devices for multi-device sync). If
// recipient has no active session yet, rumor is queued and both
// recipient and our own identity are set up to fetch invites. Returns
// the outer event ids actually published.
func (m *Manager) SendEvent(recipient string, rumor nostr.Event) ([]string, error) {
	if rumor.Kind == wire.KindChatMessage && strings.TrimSpace(rumor.Content) == "" {
		return nil, nil
	}

	m.mu.Lock()
	peer := m.getOrCreatePeerLocked(recipient)
	hasSessions := peer.hasActiveSessions()
	m.mu.Unlock()

	if !hasSessions {
		if recipient != m.ourIdentityPub {
			if err := m.SetupUser(recipient); err != nil {
				return nil, err
			}
		}
		if err := m.SetupUser(m.ourIdentityPub); err != nil {
			return nil, err
		}
		m.queuePendingMessage(recipient, rumor)
		return nil, nil
	}

	ids := m.sendToPeerSessions(recipient, rumor)
	if recipient != m.ourIdentityPub {
		ids = append(ids, m.sendToPeerSessions(m.ourIdentityPub, rumor)...)
	}

	if len(ids) > 0 {
		m.persistPeer(recipient)
		if recipient != m.ourIdentityPub {
			m.persistPeer(m.ourIdentityPub)
		}
		m.flushPendingMessages(recipient)
	}
	return ids, nil
}

func (m *Manager) sendToPeerSessions(identityPubkey string, rumor nostr.Event) []string {
	m.mu.Lock()
	peer := m.getOrCreatePeerLocked(identityPubkey)
	m.mu.Unlock()

	var ids []string
	for _, s := range peer.activeSessions() {
		before := s.AuthorFilter()
		outer, _, err := s.SendEvent(cloneRumor(rumor))
		if err != nil {
			continue
		}
		after := s.AuthorFilter()

		m.mu.Lock()
		m.applyAuthorFilterDiff(before, after)
		m.emit(transport.ManagerEvent{Kind: transport.EventPublishSigned, Signed: &outer})
		m.mu.Unlock()

		ids = append(ids, outer.ID)
	}
	return ids
}

func (m *Manager) queuePendingMessage(recipient string, rumor nostr.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingMessages[recipient] = append(m.pendingMessages[recipient], pendingMessage{rumor: cloneRumor(rumor)})
}

// flushPendingMessages retries every message queued for recipient.
// A message that sends successfully is kept in the queue for
// cfg.SendMessageFanoutRetentionSeconds after its first successful
// send, so other devices of recipient appearing within that window
// also receive it; after that it is dropped.
func (m *Manager) flushPendingMessages(recipient string) {
	m.mu.Lock()
	queue := m.pendingMessages[recipient]
	delete(m.pendingMessages, recipient)
	m.mu.Unlock()

	if len(queue) == 0 {
		return
	}

	now := time.Now().Unix()
	var retained []pendingMessage
	for _, pm := range queue {
		ids := m.sendToPeerSessions(recipient, pm.rumor)
		if recipient != m.ourIdentityPub {
			ids = append(ids, m.sendToPeerSessions(m.ourIdentityPub, pm.rumor)...)
		}
		if len(ids) == 0 {
			retained = append(retained, pm)
			continue
		}
		if pm.firstSentAt == nil {
			pm.firstSentAt = &now
		}
		if now-*pm.firstSentAt < int64(m.cfg.SendMessageFanoutRetentionSeconds) {
			retained = append(retained, pm)
		}
	}

	if len(retained) > 0 {
		m.mu.Lock()
		m.pendingMessages[recipient] = append(m.pendingMessages[recipient], retained...)
		m.mu.Unlock()
	}

	m.persistPeer(recipient)
	if recipient != m.ourIdentityPub {
		m.persistPeer(m.ourIdentityPub)
	}
}

// ImportSessionState installs a session for peerPubkey/deviceID built
// from externally supplied state, e.g. a session migrated from
// another client.
func (m *Manager) ImportSessionState(peerPubkey, deviceID string, state session.State) error {
	sess, err := session.Resume(state, m.cfg.MaxSkippedKeysPerChain)
	if err != nil {
		return fmt.Errorf("sessionmanager: import session state: %w", err)
	}

	m.mu.Lock()
	peer := m.getOrCreatePeerLocked(peerPubkey)
	m.mu.Unlock()

	device, err := peer.device(deviceID, m.cfg.InactiveSessionRetention)
	if err != nil {
		return fmt.Errorf("sessionmanager: import session state: %w", err)
	}
	device.retire(sess)

	m.mu.Lock()
	m.applyAuthorFilterDiff(nil, sess.AuthorFilter())
	m.mu.Unlock()

	m.persistPeer(peerPubkey)
	return nil
}

// ExportActiveSessionState returns the first active session state
// found for peerPubkey, if any — used to migrate a session to another
// client.
func (m *Manager) ExportActiveSessionState(peerPubkey string) (*session.State, bool) {
	m.mu.Lock()
	peer, ok := m.peers[peerPubkey]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	for _, s := range peer.activeSessions() {
		st := s.ExportState()
		return &st, true
	}
	return nil, false
}

// ProcessReceivedEvent dispatches a relay event to the matching invite
// or session handler: invite-response (completes a handshake we
// initiated), invite (accepts a handshake offered to us), or message
// (tries every known session, in order, until one decrypts it).
func (m *Manager) ProcessReceivedEvent(evt nostr.Event) {
	switch evt.Kind {
	case wire.KindInviteResponse:
		m.handleInviteResponse(evt)
	case wire.KindInvite:
		m.handleInvite(evt)
	case wire.KindMessage:
		m.handleMessage(evt)
	}
}

func (m *Manager) handleInviteResponse(evt nostr.Event) {
	m.mu.Lock()
	inv := m.ourInvite
	m.mu.Unlock()
	if inv == nil {
		return
	}

	resp, err := invite.ProcessInviteResponse(inv, evt, m.ourIdentityPriv, m.cfg.MaxSkippedKeysPerChain)
	if err != nil {
		m.logger.Debug("sessionmanager: invite response not accepted", zap.Error(err))
		return
	}

	deviceInviteKey := fmt.Sprintf("device-invite/%s", m.deviceID)
	if data, mErr := json.Marshal(inv); mErr == nil {
		_ = m.store.Put(deviceInviteKey, string(data))
	}

	if resp.DeviceID == "" || resp.DeviceID == m.deviceID {
		return
	}

	acceptanceKey := fmt.Sprintf("invite-accept/%s/%s", resp.InviteeIdentity, resp.DeviceID)
	if _, getErr := m.store.Get(acceptanceKey); getErr == nil {
		return
	}
	_ = m.store.Put(acceptanceKey, "1")

	m.mu.Lock()
	peer := m.getOrCreatePeerLocked(resp.InviteeIdentity)
	m.mu.Unlock()
	device, err := peer.device(resp.DeviceID, m.cfg.InactiveSessionRetention)
	if err != nil {
		return
	}
	device.retire(resp.Session)

	m.mu.Lock()
	m.applyAuthorFilterDiff(nil, resp.Session.AuthorFilter())
	m.mu.Unlock()

	m.logger.Info("sessionmanager: accepted invite response", zap.String("peer", resp.InviteeIdentity[:16]))
	m.persistPeer(resp.InviteeIdentity)
	m.flushPendingMessages(resp.InviteeIdentity)
}

func (m *Manager) handleInvite(evt nostr.Event) {
	inv, err := invite.FromEvent(evt)
	if err != nil || inv.DeviceID == "" {
		return
	}

	m.mu.Lock()
	peer := m.getOrCreatePeerLocked(inv.Inviter)
	peer.mu.Lock()
	_, alreadyHave := peer.devices[inv.DeviceID]
	peer.mu.Unlock()
	m.mu.Unlock()
	if alreadyHave {
		return
	}

	sess, outer, err := invite.Accept(inv, m.ourIdentityPub, m.ourIdentityPriv, m.deviceID, "", m.cfg.MaxSkippedKeysPerChain)
	if err != nil {
		m.logger.Debug("sessionmanager: invite accept failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.emit(transport.ManagerEvent{Kind: transport.EventPublishSigned, Signed: &outer})
	m.mu.Unlock()

	device, err := peer.device(inv.DeviceID, m.cfg.InactiveSessionRetention)
	if err != nil {
		return
	}
	device.retire(sess)

	m.mu.Lock()
	m.applyAuthorFilterDiff(nil, sess.AuthorFilter())
	m.mu.Unlock()

	m.logger.Info("sessionmanager: accepted invite", zap.String("peer", inv.Inviter[:16]))
	m.persistPeer(inv.Inviter)
	m.flushPendingMessages(inv.Inviter)
}

func (m *Manager) handleMessage(evt nostr.Event) {
	m.mu.Lock()
	peersSnapshot := make(map[string]*peerRecord, len(m.peers))
	for k, v := range m.peers {
		peersSnapshot[k] = v
	}
	m.mu.Unlock()

	for identityPubkey, peer := range peersSnapshot {
		for _, entry := range peer.allSessionsWithDevice() {
			before := entry.session.AuthorFilter()
			plaintext, err := entry.session.Receive(evt)
			if err != nil {
				continue
			}
			after := entry.session.AuthorFilter()

			m.mu.Lock()
			m.applyAuthorFilterDiff(before, after)
			m.emit(transport.ManagerEvent{Kind: transport.EventDecryptedMessage, Decrypted: &transport.DecryptedMessage{
				Sender:  identityPubkey,
				Content: plaintext,
				EventID: evt.ID,
			}})
			m.mu.Unlock()

			m.persistPeer(identityPubkey)
			return
		}
	}
}
