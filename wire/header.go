package wire

import (
	"encoding/json"
	"fmt"
)

// Header is encrypted separately from the message payload and placed in
// the outer event's "header" tag. It names the ratchet step: the
// message's index within the current sending chain, the sender's next
// public key, and how long the previous sending chain ran.
type Header struct {
	Number              uint32 `json:"number"`
	NextPublicKey       string `json:"next_public_key"`
	PreviousChainLength uint32 `json:"previous_chain_length"`
}

// Encode serializes the header to JSON for NIP-44 encryption.
func (h Header) Encode() (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("wire: encode header: %w", err)
	}
	return string(b), nil
}

// DecodeHeader parses a header previously produced by Encode.
func DecodeHeader(data string) (Header, error) {
	var h Header
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return Header{}, fmt.Errorf("wire: decode header: %w", err)
	}
	return h, nil
}

// FindTag returns the value at index i of the first tag named name, or
// ("", false) if no such tag exists.
func FindTag(tags [][]string, name string, i int) (string, bool) {
	for _, t := range tags {
		if len(t) > 0 && t[0] == name && len(t) > i {
			return t[i], true
		}
	}
	return "", false
}
