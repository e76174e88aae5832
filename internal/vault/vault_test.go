package vault

import "testing"

func TestStore_Plain(t *testing.T) {
	v := New(StrategyPlain, "")
	stored, enc, err := v.Store("openai", "sk-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc != EncPlain || stored != "sk-secret" {
		t.Errorf("expected literal plaintext storage, got stored=%q enc=%q", stored, enc)
	}
}

func TestStore_Masked_Obfuscates(t *testing.T) {
	v := New(StrategyMasked, "salt")
	stored, enc, err := v.Store("openai", "sk-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc != EncObfuscated || stored == "sk-secret" {
		t.Errorf("expected obfuscated storage, got stored=%q enc=%q", stored, enc)
	}
}

func TestStore_None_AlsoObfuscates(t *testing.T) {
	v := New(StrategyNone, "salt")
	stored, enc, err := v.Store("openai", "sk-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc != EncObfuscated || stored == "sk-secret" {
		t.Errorf("expected the 'none' strategy to still obfuscate at rest, got stored=%q enc=%q", stored, enc)
	}
}

func TestStoreAndReveal_RoundTrip(t *testing.T) {
	v := New(StrategyMasked, "salt")
	stored, enc, err := v.Store("openai", "sk-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plain, err := v.Reveal("openai", stored, enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain != "sk-secret" {
		t.Errorf("expected round-tripped plaintext 'sk-secret', got %q", plain)
	}
}

func TestReveal_UsesStoredEncNotCurrentStrategy(t *testing.T) {
	// Key written under "masked" must still reveal correctly after the
	// policy changes to "plain".
	writer := New(StrategyMasked, "salt")
	stored, enc, err := writer.Store("openai", "sk-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader := New(StrategyPlain, "salt")
	plain, err := reader.Reveal("openai", stored, enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain != "sk-secret" {
		t.Errorf("expected reveal to honor the stored Enc tag, got %q", plain)
	}
}

func TestReveal_UnknownEnc(t *testing.T) {
	v := New(StrategyPlain, "")
	if _, err := v.Reveal("openai", "whatever", Enc("bogus")); err == nil {
		t.Fatal("expected an error for an unknown encoding tag")
	}
}

func TestPresent(t *testing.T) {
	cases := []struct {
		strategy Strategy
		input    string
		want     string
	}{
		{StrategyNone, "sk-secret", ""},
		{StrategyPlain, "sk-secret", "sk-secret"},
		{StrategyMasked, "sk-1234567890", "sk-1****7890"},
		{StrategyMasked, "short", "****"},
	}
	for _, c := range cases {
		v := New(c.strategy, "salt")
		if got := v.Present(c.input); got != c.want {
			t.Errorf("Present(%q) under %q: got %q, want %q", c.input, c.strategy, got, c.want)
		}
	}
}
