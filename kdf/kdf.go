// Package kdf implements the chain-stepping and AEAD primitives shared by
// Session, SenderKeyState, and the invite handshake.
//
// The construction mirrors the Double Ratchet whitepaper's KDF chains:
// an HKDF-expand step keyed by a 32-byte input that produces N
// independent 32-byte outputs. Encryption is NIP-44 v2 (secp256k1 ECDH
// conversation key + ChaCha20 + HMAC-SHA256), never a raw AEAD over the
// derived key directly — every ciphertext this package produces is a
// NIP-44 payload so it can travel as the `content` field of a Nostr-shaped
// event.
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of every root key, chain key, and
// message key used by the ratchet.
const KeySize = 32

// Derive deterministically derives n independent KeySize-byte outputs
// from input keyed by salt. Knowing one output leaks nothing about the
// others: it is the HKDF-expand construction, generalized past the
// Double Ratchet whitepaper's fixed 2-output case so SenderKeyState and
// Session can share one implementation.
func Derive(input, salt []byte, n int) ([][]byte, error) {
	r := hkdf.New(sha256.New, input, salt, nil)
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, KeySize)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, fmt.Errorf("kdf: derive failed: %w", err)
		}
	}
	return out, nil
}

// StepChain advances a symmetric chain key one step, returning the next
// chain key and the message key for the step just consumed.
func StepChain(chainKey []byte) (nextChainKey, messageKey []byte, err error) {
	if len(chainKey) != KeySize {
		return nil, nil, fmt.Errorf("kdf: invalid chain key size: %d", len(chainKey))
	}
	out, err := Derive(chainKey, []byte{0x01}, 2)
	if err != nil {
		return nil, nil, err
	}
	return out[0], out[1], nil
}

// StepRoot advances the root chain given a root key and a Diffie-Hellman
// output (here, the byte representation of a NIP-44 conversation key),
// returning the next root key and a freshly derived chain key.
func StepRoot(rootKey, dhOutput []byte) (nextRootKey, chainKey []byte, err error) {
	if len(rootKey) != KeySize {
		return nil, nil, fmt.Errorf("kdf: invalid root key size: %d", len(rootKey))
	}
	out, err := Derive(rootKey, dhOutput, 2)
	if err != nil {
		return nil, nil, err
	}
	return out[0], out[1], nil
}

// ConversationKey derives the NIP-44 v2 conversation key shared between
// a local secp256k1 private key and a peer's x-only public key. Its
// byte representation is the "dh_out" fed to StepRoot.
func ConversationKey(ourPrivateKeyHex, theirPublicKeyHex string) ([]byte, error) {
	ck, err := nip44.GenerateConversationKey(theirPublicKeyHex, ourPrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("kdf: conversation key derivation failed: %w", err)
	}
	return ck, nil
}

// Seal encrypts plaintext under key (a 32-byte message key or shared
// channel secret, reused as a NIP-44 conversation key) and returns the
// base64 NIP-44 v2 payload suitable for an event's content field.
func Seal(key []byte, plaintext string) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("kdf: invalid key size: %d", len(key))
	}
	ciphertext, err := nip44.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("kdf: seal failed: %w", err)
	}
	return ciphertext, nil
}

// Open decrypts a base64 NIP-44 v2 payload produced by Seal. A MAC
// mismatch or malformed payload is reported as a decryption failure;
// no partial plaintext is ever returned.
func Open(key []byte, ciphertext string) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("kdf: invalid key size: %d", len(key))
	}
	plaintext, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("kdf: open failed: %w", err)
	}
	return plaintext, nil
}

// SealWithKeys encrypts plaintext from ourPrivateKeyHex to
// theirPublicKeyHex, deriving the conversation key and invoking NIP-44
// v2 in one step. Used for header encryption and the invite handshake's
// identity-DH layer, where the key is not an already-derived chain
// output.
func SealWithKeys(ourPrivateKeyHex, theirPublicKeyHex, plaintext string) (string, error) {
	ck, err := ConversationKey(ourPrivateKeyHex, theirPublicKeyHex)
	if err != nil {
		return "", err
	}
	ciphertext, err := nip44.Encrypt(plaintext, ck)
	if err != nil {
		return "", fmt.Errorf("kdf: seal-with-keys failed: %w", err)
	}
	return ciphertext, nil
}

// OpenWithKeys decrypts a payload produced by SealWithKeys.
func OpenWithKeys(ourPrivateKeyHex, theirPublicKeyHex, ciphertext string) (string, error) {
	ck, err := ConversationKey(ourPrivateKeyHex, theirPublicKeyHex)
	if err != nil {
		return "", err
	}
	plaintext, err := nip44.Decrypt(ciphertext, ck)
	if err != nil {
		return "", fmt.Errorf("kdf: open-with-keys failed: %w", err)
	}
	return plaintext, nil
}

// Keypair is a secp256k1 key pair in the hex encoding Nostr events use.
type Keypair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeypair creates a fresh ephemeral keypair. Every rotating
// author key in the system — session ratchet keys, invite ephemeral
// keys, group per-device sender author keys — is produced by this one
// function.
func GenerateKeypair() (Keypair, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Keypair{}, fmt.Errorf("kdf: keypair generation failed: %w", err)
	}
	return Keypair{PrivateKey: sk, PublicKey: pk}, nil
}

// RandomBytes32 reports a cryptographically random 32-byte string, used
// for invite shared secrets and legacy group channel seeds.
func RandomBytes32() ([]byte, error) {
	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	// A freshly generated secp256k1 private key is itself 32
	// uniformly random bytes; reuse GenerateKeypair rather than
	// introducing a second randomness source.
	b, err := hex.DecodeString(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("kdf: malformed generated key: %w", err)
	}
	return b, nil
}

// ConstantTimeEqual reports whether two byte slices are equal, in time
// independent of their contents.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
