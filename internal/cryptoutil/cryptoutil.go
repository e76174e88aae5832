// Package cryptoutil holds the two small cryptographic primitives the
// gateway needs directly: Ed25519 signature verification for caller
// identity assertions handed to the core by the auth collaborator, and a
// reversible (deliberately not cryptographically strong) obfuscation
// scheme for at-rest provider keys, per C10.
package cryptoutil

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
)

// VerifySignature checks that sig is a valid Ed25519 signature over msg
// under pub. It never returns partial/probabilistic results — a malformed
// key or signature is simply "not valid", never an error.
func VerifySignature(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ErrEmptyKey is returned when Obfuscate/Reveal is asked to operate on an
// empty plaintext or stored value — callers must not store empty keys.
var ErrEmptyKey = errors.New("cryptoutil: empty key material")

// stretch derives a keystream of length n from provider+salt by repeating
// and truncating the seed, matching §4.7's "stretch = repeat/truncate
// keyed material". This is intentionally not a KDF: the scheme is meant to
// be reversible without a secret beyond the fixed salt, not confidential
// against a reader of the source.
func stretch(provider, salt string, n int) []byte {
	seed := []byte(provider + "\x00" + salt)
	if len(seed) == 0 {
		seed = []byte{0}
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = seed[i%len(seed)]
	}
	return out
}

// Obfuscate returns hex(xor(plaintext, stretch(provider‖salt))), the
// at-rest encoding used when the key-log strategy is "masked" or "none".
func Obfuscate(provider, salt, plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyKey
	}
	ks := stretch(provider, salt, len(plaintext))
	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i++ {
		out[i] = plaintext[i] ^ ks[i]
	}
	return hex.EncodeToString(out), nil
}

// Deobfuscate reverses Obfuscate given the same (provider, salt) pair.
func Deobfuscate(provider, salt, stored string) (string, error) {
	if stored == "" {
		return "", ErrEmptyKey
	}
	raw, err := hex.DecodeString(stored)
	if err != nil {
		return "", err
	}
	ks := stretch(provider, salt, len(raw))
	out := make([]byte, len(raw))
	for i := range raw {
		out[i] = raw[i] ^ ks[i]
	}
	return string(out), nil
}
