// Package groupmanager multiplexes every group a device belongs to,
// keeping a manager-wide sender-event-pubkey -> group-id index so an
// incoming one-to-many outer event can be routed to the right
// group.Channel. An outer event whose author is not yet in the index
// is queued until a sender-key distribution binds it.
package groupmanager

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrchat/doubleratchet/group"
	"github.com/nostrchat/doubleratchet/senderkey"
	"github.com/nostrchat/doubleratchet/storage"
	"github.com/nostrchat/doubleratchet/wire"
)

// ErrUnknownGroup is returned when an operation names a group_id the
// manager has no Channel for.
var ErrUnknownGroup = fmt.Errorf("groupmanager: unknown group")

const maxPendingPerSenderEvent = 128

// Manager owns one Channel per group this device belongs to, plus the
// cross-group indices needed to route an outer event whose sender-key
// distribution it may not have processed yet.
type Manager struct {
	ourOwnerPubkey       string
	ourDevicePubkey      string
	store                storage.Adapter
	allowLegacyBroadcast bool
	maxSkip              int

	groups               map[string]*group.Channel
	senderEventToGroup   map[string]string
	groupToSenderEvents  map[string]map[string]bool
	pendingOuterBySender map[string][]nostr.Event
}

// New constructs an empty Manager. Groups are added via UpsertGroup.
// maxSkip bounds every Channel's sender-key fast-forward window
// (config.Config.MaxSkippedKeysPerChain).
func New(ourOwnerPubkey, ourDevicePubkey string, store storage.Adapter, allowLegacyBroadcast bool, maxSkip int) *Manager {
	return &Manager{
		ourOwnerPubkey:       ourOwnerPubkey,
		ourDevicePubkey:      ourDevicePubkey,
		store:                store,
		allowLegacyBroadcast: allowLegacyBroadcast,
		maxSkip:              maxSkip,
		groups:               make(map[string]*group.Channel),
		senderEventToGroup:   make(map[string]string),
		groupToSenderEvents:  make(map[string]map[string]bool),
		pendingOuterBySender: make(map[string][]nostr.Event),
	}
}

// UpsertGroup creates or updates the Channel for data.ID.
func (m *Manager) UpsertGroup(data group.Data) error {
	if ch, ok := m.groups[data.ID]; ok {
		ch.SetData(data)
	} else {
		m.groups[data.ID] = group.NewChannel(data, m.ourOwnerPubkey, m.ourDevicePubkey, m.store, m.allowLegacyBroadcast, m.maxSkip)
	}
	m.refreshGroupSenderMappings(data.ID)
	return nil
}

// RemoveGroup drops a group and every sender-event mapping pointing at it.
func (m *Manager) RemoveGroup(groupID string) {
	delete(m.groups, groupID)
	for senderEventPubkey := range m.groupToSenderEvents[groupID] {
		if m.senderEventToGroup[senderEventPubkey] == groupID {
			delete(m.senderEventToGroup, senderEventPubkey)
		}
	}
	delete(m.groupToSenderEvents, groupID)
}

// Channel returns the Channel for groupID, if known.
func (m *Manager) Channel(groupID string) (*group.Channel, bool) {
	ch, ok := m.groups[groupID]
	return ch, ok
}

// KnownSenderEventPubkeys returns the de-duplicated, sorted list of
// every sender-event pubkey known across all managed groups.
func (m *Manager) KnownSenderEventPubkeys() []string {
	for groupID := range m.groups {
		m.refreshGroupSenderMappings(groupID)
	}
	out := make([]string, 0, len(m.senderEventToGroup))
	for pub := range m.senderEventToGroup {
		out = append(out, pub)
	}
	sort.Strings(out)
	return out
}

// SendEvent encrypts and publishes rumor to groupID, refreshing the
// manager's sender-event index afterward.
func (m *Manager) SendEvent(groupID string, rumor nostr.Event, sendPairwise group.SendPairwiseFunc, publishOuter group.PublishOuterFunc, nowMs int64) (outer, inner nostr.Event, err error) {
	ch, ok := m.groups[groupID]
	if !ok {
		return nostr.Event{}, nostr.Event{}, ErrUnknownGroup
	}
	outer, inner, err = ch.SendEvent(rumor, sendPairwise, publishOuter, nowMs)
	m.refreshGroupSenderMappings(groupID)
	return outer, inner, err
}

// RotateSenderKey rotates groupID's sender key, refreshing the
// manager's sender-event index afterward.
func (m *Manager) RotateSenderKey(groupID string, sendPairwise group.SendPairwiseFunc, nowMs int64) (senderkey.Distribution, error) {
	ch, ok := m.groups[groupID]
	if !ok {
		return senderkey.Distribution{}, ErrUnknownGroup
	}
	dist, err := ch.RotateSenderKey(sendPairwise, nowMs)
	m.refreshGroupSenderMappings(groupID)
	return dist, err
}

func findTag(tags nostr.Tags, name string) (string, bool) {
	for _, t := range tags {
		if len(t) > 1 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// HandleIncomingSessionEvent routes a rumor delivered over a pairwise
// session to the group its "l" tag (or, for a distribution rumor, its
// parsed group_id) names, then binds any newly learned sender-event
// pubkey into the manager's index and drains anything that arrived
// for it before this binding existed.
func (m *Manager) HandleIncomingSessionEvent(event nostr.Event, fromOwnerPubkey, fromSenderDevicePubkey string) []group.DecryptedEvent {
	groupID, _ := findTag(event.Tags, wire.TagLabel)

	var senderEventPubkey string
	if event.Kind == wire.KindSenderKeyDistrib {
		var dist senderkey.Distribution
		if err := json.Unmarshal([]byte(event.Content), &dist); err == nil && dist.GroupID != "" {
			groupID = dist.GroupID
			senderEventPubkey = dist.SenderEventPubkey
		}
	}

	if groupID == "" {
		return nil
	}
	ch, ok := m.groups[groupID]
	if !ok {
		return nil
	}

	drained := ch.HandleIncomingSessionEvent(event, fromOwnerPubkey, fromSenderDevicePubkey)

	if senderEventPubkey != "" {
		m.bindSenderEventToGroup(groupID, senderEventPubkey)
		drained = append(drained, m.drainPendingOuterForSenderEvent(senderEventPubkey, ch)...)
	}

	m.refreshGroupSenderMappings(groupID)
	return drained
}

// HandleOuterEvent routes a received one-to-many outer event to the
// group its author (sender-event pubkey) is already bound to. If the
// binding is not yet known, the event is queued (bounded FIFO per
// sender-event pubkey) until HandleIncomingSessionEvent learns it.
func (m *Manager) HandleOuterEvent(outer nostr.Event) (*group.DecryptedEvent, bool) {
	senderEventPubkey := outer.PubKey
	groupID, ok := m.senderEventToGroup[senderEventPubkey]
	if !ok {
		m.queuePendingOuter(senderEventPubkey, outer)
		return nil, false
	}
	ch, ok := m.groups[groupID]
	if !ok {
		m.queuePendingOuter(senderEventPubkey, outer)
		return nil, false
	}
	return ch.HandleOuterEvent(outer)
}

func (m *Manager) bindSenderEventToGroup(groupID, senderEventPubkey string) {
	m.senderEventToGroup[senderEventPubkey] = groupID
	if m.groupToSenderEvents[groupID] == nil {
		m.groupToSenderEvents[groupID] = make(map[string]bool)
	}
	m.groupToSenderEvents[groupID][senderEventPubkey] = true
}

func (m *Manager) refreshGroupSenderMappings(groupID string) {
	ch, ok := m.groups[groupID]
	if !ok {
		return
	}
	nextList, err := ch.ListSenderEventPubkeys()
	if err != nil {
		return
	}
	next := make(map[string]bool, len(nextList))
	for _, p := range nextList {
		next[p] = true
	}
	prev := m.groupToSenderEvents[groupID]

	for senderEventPubkey := range prev {
		if next[senderEventPubkey] {
			continue
		}
		if m.senderEventToGroup[senderEventPubkey] == groupID {
			delete(m.senderEventToGroup, senderEventPubkey)
		}
	}
	for senderEventPubkey := range next {
		m.senderEventToGroup[senderEventPubkey] = groupID
	}
	m.groupToSenderEvents[groupID] = next
}

func (m *Manager) queuePendingOuter(senderEventPubkey string, outer nostr.Event) {
	pending := m.pendingOuterBySender[senderEventPubkey]
	if len(pending) >= maxPendingPerSenderEvent {
		pending = pending[1:]
	}
	m.pendingOuterBySender[senderEventPubkey] = append(pending, outer)
}

func (m *Manager) drainPendingOuterForSenderEvent(senderEventPubkey string, ch *group.Channel) []group.DecryptedEvent {
	pending := m.pendingOuterBySender[senderEventPubkey]
	if len(pending) == 0 {
		return nil
	}
	delete(m.pendingOuterBySender, senderEventPubkey)

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
	sort.Slice(withNumber, func(i, j int) bool { return withNumber[i].number < withNumber[j].number })

	var out []group.DecryptedEvent
	for _, n := range withNumber {
		if decrypted, ok := ch.HandleOuterEvent(n.outer); ok {
			out = append(out, *decrypted)
		}
	}
	return out
}
