// Package vault implements C10: the single process-wide key-log policy
// governing both at-rest encoding of provider keys and their presentation
// in logs and admin reads.
package vault

import (
	"fmt"

	"github.com/nulpointcorp/aigateway/internal/cryptoutil"
)

// Strategy is the key_log_strategy config value (§4.7).
type Strategy string

const (
	StrategyNone   Strategy = "none"
	StrategyMasked Strategy = "masked"
	StrategyPlain  Strategy = "plain"
)

// Enc records which at-rest encoding a stored value uses, so migrating the
// policy later never requires a destructive rewrite.
type Enc string

const (
	EncPlain       Enc = "plain"
	EncObfuscated  Enc = "obfuscated"
)

// Vault applies Strategy to provider key material.
type Vault struct {
	strategy Strategy
	salt     string
}

// New builds a Vault for the given policy and fixed salt (configured once
// at startup, shared by every (provider, key) pair).
func New(strategy Strategy, salt string) *Vault {
	return &Vault{strategy: strategy, salt: salt}
}

// Strategy returns the configured policy.
func (v *Vault) Strategy() Strategy { return v.strategy }

// Store encodes plaintext for at-rest persistence, returning the stored
// value and the Enc it was written with. `plain` stores the literal key;
// `masked`/`none` store the reversible obfuscation.
func (v *Vault) Store(provider, plaintext string) (stored string, enc Enc, err error) {
	if v.strategy == StrategyPlain {
		return plaintext, EncPlain, nil
	}
	obf, err := cryptoutil.Obfuscate(provider, v.salt, plaintext)
	if err != nil {
		return "", "", err
	}
	return obf, EncObfuscated, nil
}

// Reveal decodes a stored value back to plaintext, using the enc tag
// recorded alongside it — not the current Strategy — so a value written
// under one policy still reveals correctly after a later policy change.
func (v *Vault) Reveal(provider string, stored string, enc Enc) (string, error) {
	switch enc {
	case EncPlain:
		return stored, nil
	case EncObfuscated:
		return cryptoutil.Deobfuscate(provider, v.salt, stored)
	default:
		return "", fmt.Errorf("vault: unknown encoding %q", enc)
	}
}

// Present renders plaintext for log/admin display per the current
// Strategy: none omits the field (empty string, caller must drop the key
// entirely rather than log an empty string as if it were the value), masked
// shows first4****last4, plain shows the literal value.
func (v *Vault) Present(plaintext string) string {
	switch v.strategy {
	case StrategyNone:
		return ""
	case StrategyPlain:
		return plaintext
	default: // masked
		return mask(plaintext)
	}
}

func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
