package sessionmanager

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nostrchat/doubleratchet/config"
	"github.com/nostrchat/doubleratchet/storage"
	"github.com/nostrchat/doubleratchet/transport"
)

type testIdentity struct {
	priv string
	pub  string
}

func newTestIdentity(t *testing.T) testIdentity {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return testIdentity{priv: sk, pub: pk}
}

func findSigned(events []transport.ManagerEvent, kind transport.EventKind) *nostr.Event {
	for _, e := range events {
		if e.Kind == kind && e.Signed != nil {
			return e.Signed
		}
	}
	return nil
}

func findDecrypted(events []transport.ManagerEvent) *transport.DecryptedMessage {
	for _, e := range events {
		if e.Kind == transport.EventDecryptedMessage {
			return e.Decrypted
		}
	}
	return nil
}

// rumorContent returns the content field of the inner rumor JSON that a
// DecryptedMessage carries.
func rumorContent(t *testing.T, d *transport.DecryptedMessage) string {
	t.Helper()
	var rumor nostr.Event
	require.NoError(t, json.Unmarshal([]byte(d.Content), &rumor))
	return rumor.Content
}

// TestFullHandshakeAndMessageExchange walks through invite creation,
// acceptance, and a two-way chat exchange across two independent
// Managers.
func TestFullHandshakeAndMessageExchange(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	aliceMgr := New(alice.pub, alice.priv, "alice-device", storage.NewMemory(), config.Default(), nil)
	bobMgr := New(bob.pub, bob.priv, "bob-device", storage.NewMemory(), config.Default(), nil)

	require.NoError(t, aliceMgr.Init())
	require.NoError(t, bobMgr.Init())

	aliceInviteEvent := findSigned(aliceMgr.DrainEvents(), transport.EventPublishSigned)
	require.NotNil(t, aliceInviteEvent)
	bobMgr.DrainEvents()

	bobMgr.ProcessReceivedEvent(*aliceInviteEvent)
	bobResponseEvent := findSigned(bobMgr.DrainEvents(), transport.EventPublishSigned)
	require.NotNil(t, bobResponseEvent)

	aliceMgr.ProcessReceivedEvent(*bobResponseEvent)
	aliceMgr.DrainEvents()

	// Bob is the initiator side of the new session and can send first.
	ids, err := bobMgr.SendText(alice.pub, "hi alice")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	bobOuterEvent := findSigned(bobMgr.DrainEvents(), transport.EventPublishSigned)
	require.NotNil(t, bobOuterEvent)

	aliceMgr.ProcessReceivedEvent(*bobOuterEvent)
	decrypted := findDecrypted(aliceMgr.DrainEvents())
	require.NotNil(t, decrypted)
	require.Equal(t, "hi alice", rumorContent(t, decrypted))
	require.Equal(t, bob.pub, decrypted.Sender)

	// Alice's session is now ratcheted forward and can reply.
	ids, err = aliceMgr.SendText(bob.pub, "hi bob")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	aliceOuterEvent := findSigned(aliceMgr.DrainEvents(), transport.EventPublishSigned)
	require.NotNil(t, aliceOuterEvent)

	bobMgr.ProcessReceivedEvent(*aliceOuterEvent)
	decrypted = findDecrypted(bobMgr.DrainEvents())
	require.NotNil(t, decrypted)
	require.Equal(t, "hi bob", rumorContent(t, decrypted))
	require.Equal(t, alice.pub, decrypted.Sender)
}

func TestSendTextBeforeSessionQueuesPending(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	aliceMgr := New(alice.pub, alice.priv, "alice-device", storage.NewMemory(), config.Default(), nil)
	require.NoError(t, aliceMgr.Init())
	aliceMgr.DrainEvents()

	ids, err := aliceMgr.SendText(bob.pub, "nobody home yet")
	require.NoError(t, err)
	require.Empty(t, ids)

	// SetupUser emits subscribe events for bob's invites and for our
	// own identity's invites, rather than publishing anything.
	events := aliceMgr.DrainEvents()
	for _, e := range events {
		require.NotEqual(t, transport.EventPublishSigned, e.Kind)
	}
}

func TestSendTextIgnoresBlankContent(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	aliceMgr := New(alice.pub, alice.priv, "alice-device", storage.NewMemory(), config.Default(), nil)
	require.NoError(t, aliceMgr.Init())
	aliceMgr.DrainEvents()

	ids, err := aliceMgr.SendText(bob.pub, "   ")
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Empty(t, aliceMgr.DrainEvents())
}

func TestImportExportSessionState(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	aliceMgr := New(alice.pub, alice.priv, "alice-device", storage.NewMemory(), config.Default(), nil)
	bobMgr := New(bob.pub, bob.priv, "bob-device", storage.NewMemory(), config.Default(), nil)
	require.NoError(t, aliceMgr.Init())
	require.NoError(t, bobMgr.Init())

	aliceInviteEvent := findSigned(aliceMgr.DrainEvents(), transport.EventPublishSigned)
	bobMgr.DrainEvents()
	bobMgr.ProcessReceivedEvent(*aliceInviteEvent)
	bobResponseEvent := findSigned(bobMgr.DrainEvents(), transport.EventPublishSigned)
	aliceMgr.ProcessReceivedEvent(*bobResponseEvent)
	aliceMgr.DrainEvents()

	_, err := bobMgr.SendText(alice.pub, "seed a real session")
	require.NoError(t, err)
	bobOuterEvent := findSigned(bobMgr.DrainEvents(), transport.EventPublishSigned)
	aliceMgr.ProcessReceivedEvent(*bobOuterEvent)
	aliceMgr.DrainEvents()

	state, ok := aliceMgr.ExportActiveSessionState(bob.pub)
	require.True(t, ok)

	migratedMgr := New(alice.pub, alice.priv, "alice-second-device", storage.NewMemory(), config.Default(), nil)
	require.NoError(t, migratedMgr.Init())
	migratedMgr.DrainEvents()
	require.NoError(t, migratedMgr.ImportSessionState(bob.pub, "bob-device", *state))

	migratedState, ok := migratedMgr.ExportActiveSessionState(bob.pub)
	require.True(t, ok)
	require.Equal(t, state.RootKey, migratedState.RootKey)
}
