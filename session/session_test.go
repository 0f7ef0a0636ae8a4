package session

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nostrchat/doubleratchet/kdf"
)

const testMaxSkip = 1000

// newTestPair builds a connected initiator/responder Session pair the
// same way the invite handshake does: a shared secret plus an ephemeral
// keypair exchanged in each direction (session_test mirrors invite.Accept
// / invite.ProcessInviteResponse's key wiring without going through the
// invite wire format).
func newTestPair(t *testing.T) (initiator, responder *Session) {
	t.Helper()
	sharedSecret, err := kdf.RandomBytes32()
	require.NoError(t, err)

	inviterEphemeral, err := kdf.GenerateKeypair()
	require.NoError(t, err)
	inviteeSessionKeys, err := kdf.GenerateKeypair()
	require.NoError(t, err)

	initiator, err = Init(inviterEphemeral.PublicKey, inviteeSessionKeys.PrivateKey, true, sharedSecret, testMaxSkip)
	require.NoError(t, err)
	responder, err = Init(inviteeSessionKeys.PublicKey, inviterEphemeral.PrivateKey, false, sharedSecret, testMaxSkip)
	require.NoError(t, err)
	return initiator, responder
}

func rumorText(t *testing.T, plaintext string) string {
	t.Helper()
	var rumor nostr.Event
	require.NoError(t, json.Unmarshal([]byte(plaintext), &rumor))
	return rumor.Content
}

func TestSessionRoundTrip(t *testing.T) {
	alice, bob := newTestPair(t)

	outer, _, err := alice.Send("hello bob")
	require.NoError(t, err)

	plaintext, err := bob.Receive(outer)
	require.NoError(t, err)
	require.Equal(t, "hello bob", rumorText(t, plaintext))
}

func TestSessionPingPong(t *testing.T) {
	alice, bob := newTestPair(t)

	for i := 0; i < 20; i++ {
		outer, _, err := alice.Send("from alice")
		require.NoError(t, err)
		plaintext, err := bob.Receive(outer)
		require.NoError(t, err)
		require.Equal(t, "from alice", rumorText(t, plaintext))

		outer, _, err = bob.Send("from bob")
		require.NoError(t, err)
		plaintext, err = alice.Receive(outer)
		require.NoError(t, err)
		require.Equal(t, "from bob", rumorText(t, plaintext))
	}
}

func TestSessionResponderCannotSendBeforeFirstReceive(t *testing.T) {
	_, bob := newTestPair(t)
	require.False(t, bob.CanSend())
}

func TestSessionOutOfOrderDelivery(t *testing.T) {
	alice, bob := newTestPair(t)

	var outers []nostr.Event
	for i := 0; i < 5; i++ {
		outer, _, err := alice.Send("msg")
		require.NoError(t, err)
		outers = append(outers, outer)
	}

	// Deliver in reverse order; every message still decrypts exactly
	// once via the skipped-message-key cache.
	for i := len(outers) - 1; i >= 0; i-- {
		_, err := bob.Receive(outers[i])
		require.NoError(t, err)
	}
}

func TestSessionReplayIsNotDecryptedTwice(t *testing.T) {
	alice, bob := newTestPair(t)

	outer, _, err := alice.Send("once only")
	require.NoError(t, err)

	_, err = bob.Receive(outer)
	require.NoError(t, err)

	_, err = bob.Receive(outer)
	require.Error(t, err)
}

func TestSessionTooManySkippedMessagesRejected(t *testing.T) {
	sharedSecret, err := kdf.RandomBytes32()
	require.NoError(t, err)
	inviterEphemeral, err := kdf.GenerateKeypair()
	require.NoError(t, err)
	inviteeSessionKeys, err := kdf.GenerateKeypair()
	require.NoError(t, err)

	const smallMaxSkip = 3
	alice, err := Init(inviterEphemeral.PublicKey, inviteeSessionKeys.PrivateKey, true, sharedSecret, smallMaxSkip)
	require.NoError(t, err)
	bob, err := Init(inviteeSessionKeys.PublicKey, inviterEphemeral.PrivateKey, false, sharedSecret, smallMaxSkip)
	require.NoError(t, err)

	var last nostr.Event
	for i := 0; i < smallMaxSkip+2; i++ {
		outer, _, err := alice.Send("msg")
		require.NoError(t, err)
		last = outer
	}

	_, err = bob.Receive(last)
	require.ErrorIs(t, err, ErrTooManySkippedMessages)
}

func TestSessionExportResumeRoundTrip(t *testing.T) {
	alice, bob := newTestPair(t)

	outer, _, err := alice.Send("hi")
	require.NoError(t, err)
	_, err = bob.Receive(outer)
	require.NoError(t, err)

	state := bob.ExportState()
	resumed, err := Resume(state, testMaxSkip)
	require.NoError(t, err)

	outer2, _, err := alice.Send("again")
	require.NoError(t, err)
	plaintext, err := resumed.Receive(outer2)
	require.NoError(t, err)
	require.Equal(t, "again", rumorText(t, plaintext))
}

func TestAuthorFilterTracksPeerKeys(t *testing.T) {
	alice, bob := newTestPair(t)
	require.NotEmpty(t, alice.AuthorFilter())

	outer, _, err := alice.Send("hi")
	require.NoError(t, err)
	_, err = bob.Receive(outer)
	require.NoError(t, err)
	require.NotEmpty(t, bob.AuthorFilter())
}
