package group

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nostrchat/doubleratchet/storage"
	"github.com/nostrchat/doubleratchet/wire"
)

// twoMemberChannels builds two Channels over the same group data, one
// per member, and wires their SendPairwiseFunc/PublishOuterFunc
// directly into each other's handlers (standing in for the pairwise
// sessions and relay a real deployment would route through).
func twoMemberChannels(t *testing.T) (alice, bob *Channel) {
	t.Helper()
	data, err := CreateNew("g", "alice-owner", []string{"bob-owner"})
	require.NoError(t, err)

	aliceStore := storage.NewMemory()
	bobStore := storage.NewMemory()

	alice = NewChannel(data, "alice-owner", "alice-device", aliceStore, false, 1000)
	bob = NewChannel(data, "bob-owner", "bob-device", bobStore, false, 1000)
	return alice, bob
}

func TestChannelSendEventDeliversToMember(t *testing.T) {
	alice, bob := twoMemberChannels(t)

	sendPairwise := func(memberOwnerPubkey string, rumor nostr.Event) error {
		require.Equal(t, "bob-owner", memberOwnerPubkey)
		bob.HandleIncomingSessionEvent(rumor, "alice-owner", "alice-device")
		return nil
	}
	var published nostr.Event
	publishOuter := func(outer nostr.Event) error {
		published = outer
		return nil
	}

	outer, inner, err := alice.SendEvent(nostr.Event{Kind: wire.KindChatMessage, Content: "hi group"}, sendPairwise, publishOuter, 1000)
	require.NoError(t, err)
	require.Equal(t, "hi group", inner.Content)
	require.Equal(t, outer.ID, published.ID)

	decrypted, ok := bob.HandleOuterEvent(outer)
	require.True(t, ok)
	require.Equal(t, "hi group", decrypted.Inner.Content)
	require.Equal(t, "alice-owner", decrypted.SenderOwnerPubkey)
}

func TestChannelOuterEventQueuedBeforeDistribution(t *testing.T) {
	alice, bob := twoMemberChannels(t)

	var distributionRumor nostr.Event
	sendPairwise := func(memberOwnerPubkey string, rumor nostr.Event) error {
		distributionRumor = rumor
		return nil
	}
	publishOuter := func(outer nostr.Event) error { return nil }

	outer, _, err := alice.SendEvent(nostr.Event{Kind: wire.KindChatMessage, Content: "early"}, sendPairwise, publishOuter, 1000)
	require.NoError(t, err)

	// Bob sees the outer event before the pairwise distribution arrives:
	// it must queue rather than fail outright.
	_, ok := bob.HandleOuterEvent(outer)
	require.False(t, ok)

	decrypted := bob.HandleIncomingSessionEvent(distributionRumor, "alice-owner", "alice-device")
	require.Len(t, decrypted, 1)
	require.Equal(t, "early", decrypted[0].Inner.Content)
}

func TestChannelRotateSenderKeyThenSend(t *testing.T) {
	alice, bob := twoMemberChannels(t)

	sendPairwise := func(memberOwnerPubkey string, rumor nostr.Event) error {
		bob.HandleIncomingSessionEvent(rumor, "alice-owner", "alice-device")
		return nil
	}
	publishOuter := func(outer nostr.Event) error { return nil }

	_, err := alice.RotateSenderKey(sendPairwise, 1000)
	require.NoError(t, err)

	outer, inner, err := alice.SendEvent(nostr.Event{Kind: wire.KindChatMessage, Content: "after rotation"}, sendPairwise, publishOuter, 2000)
	require.NoError(t, err)
	require.Equal(t, "after rotation", inner.Content)

	decrypted, ok := bob.HandleOuterEvent(outer)
	require.True(t, ok)
	require.Equal(t, "after rotation", decrypted.Inner.Content)
}

func TestChannelRemovedMemberCannotJoinMapping(t *testing.T) {
	alice, bob := twoMemberChannels(t)

	updatedData, ok, err := RemoveMember(alice.Data(), "bob-owner", "alice-owner")
	require.NoError(t, err)
	require.True(t, ok)
	alice.SetData(updatedData)

	sendCount := 0
	sendPairwise := func(memberOwnerPubkey string, rumor nostr.Event) error {
		sendCount++
		return nil
	}
	publishOuter := func(outer nostr.Event) error { return nil }

	_, _, err = alice.SendEvent(nostr.Event{Kind: wire.KindChatMessage, Content: "bob is gone"}, sendPairwise, publishOuter, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, sendCount)

	// Bob's channel still carries the old membership and would accept
	// session events from alice, but alice no longer addresses him.
	require.Contains(t, bob.Data().Members, "bob-owner")
}

func TestChannelLegacyBroadcastRoundTrip(t *testing.T) {
	data, err := CreateNew("g", "alice-owner", nil)
	require.NoError(t, err)
	store := storage.NewMemory()
	ch := NewChannel(data, "alice-owner", "alice-device", store, true, 1000)

	ciphertext, err := ch.LegacyBroadcastEncrypt("legacy payload")
	require.NoError(t, err)

	plaintext, err := ch.LegacyBroadcastDecrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, "legacy payload", plaintext)
}

func TestChannelLegacyBroadcastDisabledByDefault(t *testing.T) {
	data, err := CreateNew("g", "alice-owner", nil)
	require.NoError(t, err)
	store := storage.NewMemory()
	ch := NewChannel(data, "alice-owner", "alice-device", store, false, 1000)

	_, err = ch.LegacyBroadcastEncrypt("x")
	require.Error(t, err)
}
