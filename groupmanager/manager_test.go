package groupmanager

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nostrchat/doubleratchet/group"
	"github.com/nostrchat/doubleratchet/storage"
	"github.com/nostrchat/doubleratchet/wire"
)

func newManagers(t *testing.T) (alice, bob *Manager, data group.Data) {
	t.Helper()
	data, err := group.CreateNew("g", "alice-owner", []string{"bob-owner"})
	require.NoError(t, err)

	alice = New("alice-owner", "alice-device", storage.NewMemory(), false, 1000)
	bob = New("bob-owner", "bob-device", storage.NewMemory(), false, 1000)
	require.NoError(t, alice.UpsertGroup(data))
	require.NoError(t, bob.UpsertGroup(data))
	return alice, bob, data
}

func TestGroupManagerSendAndRoute(t *testing.T) {
	alice, bob, data := newManagers(t)

	sendPairwise := func(memberOwnerPubkey string, rumor nostr.Event) error {
		bob.HandleIncomingSessionEvent(rumor, "alice-owner", "alice-device")
		return nil
	}
	var published nostr.Event
	publishOuter := func(outer nostr.Event) error {
		published = outer
		return nil
	}

	outer, inner, err := alice.SendEvent(data.ID, nostr.Event{Kind: wire.KindChatMessage, Content: "hello group"}, sendPairwise, publishOuter, 1000)
	require.NoError(t, err)
	require.Equal(t, "hello group", inner.Content)
	require.Equal(t, outer.ID, published.ID)

	decrypted, ok := bob.HandleOuterEvent(outer)
	require.True(t, ok)
	require.Equal(t, "hello group", decrypted.Inner.Content)
	require.Equal(t, data.ID, decrypted.GroupID)
}

func TestGroupManagerQueuesOuterEventsForUnknownSender(t *testing.T) {
	alice, bob, data := newManagers(t)

	var distributionRumor nostr.Event
	sendPairwise := func(memberOwnerPubkey string, rumor nostr.Event) error {
		distributionRumor = rumor
		return nil
	}
	publishOuter := func(outer nostr.Event) error { return nil }

	outer, _, err := alice.SendEvent(data.ID, nostr.Event{Kind: wire.KindChatMessage, Content: "early bird"}, sendPairwise, publishOuter, 1000)
	require.NoError(t, err)

	_, ok := bob.HandleOuterEvent(outer)
	require.False(t, ok)

	drained := bob.HandleIncomingSessionEvent(distributionRumor, "alice-owner", "alice-device")
	require.Len(t, drained, 1)
	require.Equal(t, "early bird", drained[0].Inner.Content)
}

func TestGroupManagerUnknownGroupErrors(t *testing.T) {
	alice, _, _ := newManagers(t)
	_, _, err := alice.SendEvent("no-such-group", nostr.Event{Kind: wire.KindChatMessage, Content: "x"}, nil, nil, 1000)
	require.ErrorIs(t, err, ErrUnknownGroup)
}

func TestGroupManagerRemoveGroupDropsIndex(t *testing.T) {
	alice, bob, data := newManagers(t)

	sendPairwise := func(memberOwnerPubkey string, rumor nostr.Event) error {
		bob.HandleIncomingSessionEvent(rumor, "alice-owner", "alice-device")
		return nil
	}
	publishOuter := func(outer nostr.Event) error { return nil }

	outer, _, err := alice.SendEvent(data.ID, nostr.Event{Kind: wire.KindChatMessage, Content: "hi"}, sendPairwise, publishOuter, 1000)
	require.NoError(t, err)
	_, ok := bob.HandleOuterEvent(outer)
	require.True(t, ok)

	require.NotEmpty(t, bob.KnownSenderEventPubkeys())
	bob.RemoveGroup(data.ID)
	require.Empty(t, bob.KnownSenderEventPubkeys())

	_, ok = bob.Channel(data.ID)
	require.False(t, ok)
}
