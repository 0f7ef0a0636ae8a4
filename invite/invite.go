// Package invite implements the handshake that bootstraps a Double
// Ratchet session from an identity public key.
package invite

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrchat/doubleratchet/kdf"
	"github.com/nostrchat/doubleratchet/session"
	"github.com/nostrchat/doubleratchet/wire"
)

// ErrInviteExhausted is returned by ProcessInviteResponse once
// used_by has reached max_uses.
var ErrInviteExhausted = errors.New("invite: exhausted")

// ErrDeviceIDRequired is returned by ToEvent when no device id is set.
var ErrDeviceIDRequired = errors.New("invite: device id required to build an event")

// Invite is a serializable record bootstrapping one session.
type Invite struct {
	Inviter                    string // identity pubkey, hex
	InviterEphemeralPublicKey  string
	InviterEphemeralPrivateKey string // only populated on the creating side
	SharedSecret               []byte

	DeviceID       string
	MaxUses        int // 0 means unlimited
	UsedBy         []string
	Purpose        string
	OwnerPublicKey string

	CreatedAt int64
}

// CreateNew generates a fresh invite for inviter.
func CreateNew(inviter, deviceID string, maxUses int) (*Invite, error) {
	ephemeral, err := kdf.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("invite: create: %w", err)
	}
	secret, err := kdf.RandomBytes32()
	if err != nil {
		return nil, fmt.Errorf("invite: create: %w", err)
	}
	return &Invite{
		Inviter:                    inviter,
		InviterEphemeralPublicKey:  ephemeral.PublicKey,
		InviterEphemeralPrivateKey: ephemeral.PrivateKey,
		SharedSecret:               secret,
		DeviceID:                   deviceID,
		MaxUses:                    maxUses,
		CreatedAt:                  time.Now().Unix(),
	}, nil
}

type urlPayload struct {
	Inviter      string `json:"inviter"`
	EphemeralKey string `json:"ephemeralKey"`
	SharedSecret string `json:"sharedSecret"`
	Purpose      string `json:"purpose,omitempty"`
	Owner        string `json:"owner,omitempty"`
}

// ToURL encodes the invite as a URL fragment on root.
func (i *Invite) ToURL(root string) (string, error) {
	p := urlPayload{
		Inviter:      i.Inviter,
		EphemeralKey: i.InviterEphemeralPublicKey,
		SharedSecret: hex.EncodeToString(i.SharedSecret),
		Purpose:      i.Purpose,
		Owner:        i.OwnerPublicKey,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("invite: to url: %w", err)
	}
	return root + "#" + url.QueryEscape(string(data)), nil
}

// FromURL decodes an invite previously produced by ToURL.
func FromURL(u string) (*Invite, error) {
	idx := -1
	for i, r := range u {
		if r == '#' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errors.New("invite: from url: no fragment")
	}
	decoded, err := url.QueryUnescape(u[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("invite: from url: %w", err)
	}
	var p urlPayload
	if err := json.Unmarshal([]byte(decoded), &p); err != nil {
		return nil, fmt.Errorf("invite: from url: %w", err)
	}
	secret, err := hex.DecodeString(p.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("invite: from url: shared secret: %w", err)
	}
	return &Invite{
		Inviter:                   p.Inviter,
		InviterEphemeralPublicKey: p.EphemeralKey,
		SharedSecret:              secret,
		Purpose:                   p.Purpose,
		OwnerPublicKey:            p.Owner,
	}, nil
}

// ToEvent builds the invite-kind event advertising this invite,
// signed with inviterPrivateKey.
func (i *Invite) ToEvent(inviterPrivateKey string) (nostr.Event, error) {
	if i.DeviceID == "" {
		return nostr.Event{}, ErrDeviceIDRequired
	}
	evt := nostr.Event{
		Kind:      wire.KindInvite,
		Content:   "",
		CreatedAt: nostr.Timestamp(i.CreatedAt),
		Tags: nostr.Tags{
			nostr.Tag{"ephemeralKey", i.InviterEphemeralPublicKey},
			nostr.Tag{"sharedSecret", hex.EncodeToString(i.SharedSecret)},
			nostr.Tag{wire.TagIdentifier, fmt.Sprintf("%s/%s", wire.InviteNamespace, i.DeviceID)},
			nostr.Tag{wire.TagLabel, wire.InviteNamespace},
		},
	}
	if err := evt.Sign(inviterPrivateKey); err != nil {
		return nostr.Event{}, fmt.Errorf("invite: to event: sign: %w", err)
	}
	return evt, nil
}

// FromEvent parses an invite-kind event back into an Invite.
func FromEvent(evt nostr.Event) (*Invite, error) {
	ephemeralKey, ok := findTag(evt.Tags, "ephemeralKey")
	if !ok {
		return nil, errors.New("invite: from event: missing ephemeralKey tag")
	}
	sharedSecretHex, ok := findTag(evt.Tags, "sharedSecret")
	if !ok {
		return nil, errors.New("invite: from event: missing sharedSecret tag")
	}
	secret, err := hex.DecodeString(sharedSecretHex)
	if err != nil {
		return nil, fmt.Errorf("invite: from event: shared secret: %w", err)
	}

	deviceID := ""
	if d, ok := findTag(evt.Tags, wire.TagIdentifier); ok {
		deviceID = deviceIDFromIdentifier(d)
	}

	return &Invite{
		Inviter:                   evt.PubKey,
		InviterEphemeralPublicKey: ephemeralKey,
		SharedSecret:              secret,
		DeviceID:                  deviceID,
		CreatedAt:                 int64(evt.CreatedAt),
	}, nil
}

func deviceIDFromIdentifier(d string) string {
	prefix := wire.InviteNamespace + "/"
	if len(d) > len(prefix) && d[:len(prefix)] == prefix {
		return d[len(prefix):]
	}
	return ""
}

type acceptPayload struct {
	SessionKey     string `json:"sessionKey"`
	DeviceID       string `json:"deviceId,omitempty"`
	OwnerPublicKey string `json:"ownerPublicKey,omitempty"`
}

type innerEnvelope struct {
	PubKey    string `json:"pubkey"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Accept builds a fresh initiator Session on the invitee side and the
// signed invite-response event to publish. The identity DH layer binds
// the payload to inviterIdentityPubkey; the shared-secret layer binds
// it to this specific invite; the outer envelope is signed by a
// throwaway keypair unrelated to either identity.
func Accept(inv *Invite, inviteeIdentityPub, inviteeIdentityPriv, deviceID, ownerPubkey string, maxSkip int) (*session.Session, nostr.Event, error) {
	sessionKeys, err := kdf.GenerateKeypair()
	if err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: %w", err)
	}

	sess, err := session.Init(inv.InviterEphemeralPublicKey, sessionKeys.PrivateKey, true, inv.SharedSecret, maxSkip)
	if err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: %w", err)
	}

	payload := acceptPayload{
		SessionKey:     sessionKeys.PublicKey,
		DeviceID:       deviceID,
		OwnerPublicKey: ownerPubkey,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: %w", err)
	}

	dhEncrypted, err := kdf.SealWithKeys(inviteeIdentityPriv, inv.Inviter, string(payloadJSON))
	if err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: identity layer: %w", err)
	}
	innerContent, err := kdf.Seal(inv.SharedSecret, dhEncrypted)
	if err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: shared-secret layer: %w", err)
	}

	envelope := innerEnvelope{
		PubKey:    inviteeIdentityPub,
		Content:   innerContent,
		CreatedAt: time.Now().Unix(),
	}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: %w", err)
	}

	randomKeys, err := kdf.GenerateKeypair()
	if err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: %w", err)
	}
	outerContent, err := kdf.SealWithKeys(randomKeys.PrivateKey, inv.InviterEphemeralPublicKey, string(envelopeJSON))
	if err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: envelope layer: %w", err)
	}

	const twoDaysSeconds = 2 * 24 * 60 * 60
	randomizedCreatedAt := time.Now().Unix() - rand.Int63n(twoDaysSeconds)

	outer := nostr.Event{
		Kind:      wire.KindInviteResponse,
		Content:   outerContent,
		CreatedAt: nostr.Timestamp(randomizedCreatedAt),
		Tags:      nostr.Tags{nostr.Tag{wire.TagPubkeyRef, inv.InviterEphemeralPublicKey}},
	}
	if err := outer.Sign(randomKeys.PrivateKey); err != nil {
		return nil, nostr.Event{}, fmt.Errorf("invite: accept: sign envelope: %w", err)
	}

	return sess, outer, nil
}

// Response is what the inviter learns from a successfully processed
// invite-response event.
type Response struct {
	Session        *session.Session
	InviteeIdentity string
	DeviceID       string
	OwnerPublicKey string
}

// ProcessInviteResponse unwraps an invite-response event on the
// inviter's side, constructing a non-initiator Session. Returns
// ErrInviteExhausted without touching inv.UsedBy if max_uses was
// already reached; otherwise appends the invitee identity to UsedBy on
// success.
func ProcessInviteResponse(inv *Invite, evt nostr.Event, inviterPrivateKey string, maxSkip int) (*Response, error) {
	if inv.MaxUses > 0 && len(inv.UsedBy) >= inv.MaxUses {
		return nil, ErrInviteExhausted
	}
	if inv.InviterEphemeralPrivateKey == "" {
		return nil, errors.New("invite: process response: ephemeral private key not available")
	}

	decrypted, err := kdf.OpenWithKeys(inv.InviterEphemeralPrivateKey, evt.PubKey, evt.Content)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: envelope layer: %w", err)
	}

	var envelope innerEnvelope
	if err := json.Unmarshal([]byte(decrypted), &envelope); err != nil {
		return nil, fmt.Errorf("invite: process response: envelope json: %w", err)
	}

	dhEncrypted, err := kdf.Open(inv.SharedSecret, envelope.Content)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: shared-secret layer: %w", err)
	}

	payloadJSON, err := kdf.OpenWithKeys(inviterPrivateKey, envelope.PubKey, dhEncrypted)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: identity layer: %w", err)
	}

	var sessionPubkey string
	var deviceID, ownerPubkey string

	var payload acceptPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err == nil && payload.SessionKey != "" {
		sessionPubkey = payload.SessionKey
		deviceID = payload.DeviceID
		ownerPubkey = payload.OwnerPublicKey
	} else {
		// Legacy compatibility: a raw hex session public key instead
		// of the JSON payload.
		sessionPubkey = payloadJSON
	}

	sess, err := session.Init(sessionPubkey, inv.InviterEphemeralPrivateKey, false, inv.SharedSecret, maxSkip)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: %w", err)
	}

	inv.UsedBy = append(inv.UsedBy, envelope.PubKey)

	return &Response{
		Session:         sess,
		InviteeIdentity: envelope.PubKey,
		DeviceID:        deviceID,
		OwnerPublicKey:  ownerPubkey,
	}, nil
}

func findTag(tags nostr.Tags, name string) (string, bool) {
	for _, t := range tags {
		if len(t) > 1 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}
