package cryptoutil

import (
	"crypto/ed25519"
	"testing"
)

func TestObfuscateDeobfuscate_RoundTrip(t *testing.T) {
	stored, err := Obfuscate("openai", "salt", "sk-secret-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored == "sk-secret-key" {
		t.Fatal("expected obfuscated output to differ from plaintext")
	}
	plain, err := Deobfuscate("openai", "salt", stored)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain != "sk-secret-key" {
		t.Errorf("expected round-tripped plaintext, got %q", plain)
	}
}

func TestObfuscate_DifferentProviderDifferentOutput(t *testing.T) {
	a, err := Obfuscate("openai", "salt", "sk-secret-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Obfuscate("anthropic", "salt", "sk-secret-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Error("expected different providers to produce different obfuscated output for the same plaintext")
	}
}

func TestObfuscate_EmptyPlaintext(t *testing.T) {
	if _, err := Obfuscate("openai", "salt", ""); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestDeobfuscate_EmptyStored(t *testing.T) {
	if _, err := Deobfuscate("openai", "salt", ""); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestDeobfuscate_WrongSaltFailsRoundTrip(t *testing.T) {
	stored, err := Obfuscate("openai", "salt-a", "sk-secret-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plain, err := Deobfuscate("openai", "salt-b", stored)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain == "sk-secret-key" {
		t.Error("expected a mismatched salt to fail to recover the original plaintext")
	}
}

func TestVerifySignature_Valid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("unexpected error generating key: %v", err)
	}
	msg := []byte("hello")
	sig := ed25519.Sign(priv, msg)
	if !VerifySignature(pub, msg, sig) {
		t.Fatal("expected a valid signature to verify")
	}
}

func TestVerifySignature_TamperedMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("unexpected error generating key: %v", err)
	}
	sig := ed25519.Sign(priv, []byte("hello"))
	if VerifySignature(pub, []byte("goodbye"), sig) {
		t.Fatal("expected a tampered message to fail verification")
	}
}

func TestVerifySignature_MalformedKey(t *testing.T) {
	if VerifySignature(ed25519.PublicKey{0x01}, []byte("hello"), []byte{0x02}) {
		t.Fatal("expected malformed key/signature sizes to report false, not panic")
	}
}
