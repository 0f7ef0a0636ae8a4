package session

import "github.com/nostrchat/doubleratchet/kdf"

// State is the full persisted state of one Double Ratchet session.
type State struct {
	RootKey []byte

	SendingChainKey   []byte // nil until can_send()
	ReceivingChainKey []byte // nil until first receive

	OurCurrentKey *kdf.Keypair // nil for a non-initiator until first receive
	OurNextKey    kdf.Keypair

	TheirCurrentKey string // hex pubkey; "" until learned from a received header
	TheirNextKey    string // hex pubkey

	SendingNumber              uint32
	ReceivingNumber            uint32
	PreviousSendingChainLength uint32
}

// Clone performs a deep copy, used when a failed decrypt must not
// mutate the live state (receive paths try against a scratch copy and
// only commit on success).
func (s *State) Clone() *State {
	cp := *s
	if s.OurCurrentKey != nil {
		k := *s.OurCurrentKey
		cp.OurCurrentKey = &k
	}
	return &cp
}

// CanSend reports whether the session has a sending chain and knows
// the peer's next key — the two preconditions for Send/SendEvent.
func (s *State) CanSend() bool {
	return s.SendingChainKey != nil && s.TheirNextKey != ""
}
