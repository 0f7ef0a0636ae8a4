package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Number: 7, NextPublicKey: "abc123", PreviousChainLength: 3}
	encoded, err := h.Encode()
	require.NoError(t, err)

	decoded, err := DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	_, err := DecodeHeader("not json")
	require.Error(t, err)
}

func TestFindTag(t *testing.T) {
	tags := [][]string{
		{"e", "eventid"},
		{"p", "pubkeyval", "relay"},
	}
	v, ok := FindTag(tags, "p", 1)
	require.True(t, ok)
	require.Equal(t, "pubkeyval", v)

	_, ok = FindTag(tags, "missing", 0)
	require.False(t, ok)

	_, ok = FindTag(tags, "e", 5)
	require.False(t, ok)
}

func TestOuterContentEncodeParseRoundTrip(t *testing.T) {
	content := EncodeOuterContent(4, 11, "base64ciphertext==")
	keyID, messageNumber, ciphertext, err := ParseOuterContent(content)
	require.NoError(t, err)
	require.Equal(t, uint32(4), keyID)
	require.Equal(t, uint32(11), messageNumber)
	require.Equal(t, "base64ciphertext==", ciphertext)
}

func TestParseOuterContentRejectsMalformed(t *testing.T) {
	_, _, _, err := ParseOuterContent("not-enough-parts")
	require.Error(t, err)

	_, _, _, err = ParseOuterContent("x:1:cipher")
	require.Error(t, err)

	_, _, _, err = ParseOuterContent("1:x:cipher")
	require.Error(t, err)
}

func TestOuterContentCiphertextMayContainColons(t *testing.T) {
	content := EncodeOuterContent(1, 2, "part:with:colons")
	keyID, messageNumber, ciphertext, err := ParseOuterContent(content)
	require.NoError(t, err)
	require.Equal(t, uint32(1), keyID)
	require.Equal(t, uint32(2), messageNumber)
	require.Equal(t, "part:with:colons", ciphertext)
}
