package identity

import "testing"

func TestParse_BareModelName(t *testing.T) {
	id := Parse("gpt-4o", nil)
	if id.Provider != "" || id.UpstreamName != "gpt-4o" || id.DisplayName != "gpt-4o" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestParse_ProviderPrefixed(t *testing.T) {
	id := Parse("openai/gpt-4o", nil)
	if id.Provider != "openai" || id.UpstreamName != "gpt-4o" || id.DisplayName != "openai/gpt-4o" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestParse_AppliesRedirect(t *testing.T) {
	redirects := NewRedirects([]Rule{{From: "gpt-4", To: "openai/gpt-4-turbo"}})
	id := Parse("gpt-4", redirects)
	if id.Provider != "openai" || id.UpstreamName != "gpt-4-turbo" {
		t.Errorf("unexpected identity after redirect: %+v", id)
	}
}

func TestParse_RedirectAppliesOnce(t *testing.T) {
	// If a redirect target itself matched another rule, it must not be
	// re-resolved a second time.
	redirects := NewRedirects([]Rule{
		{From: "alias-a", To: "alias-b"},
		{From: "alias-b", To: "openai/gpt-4o"},
	})
	id := Parse("alias-a", redirects)
	if id.UpstreamName != "alias-b" {
		t.Errorf("expected exactly one redirect hop, got upstream name %q", id.UpstreamName)
	}
}

func TestNewRedirects_LastOneWins(t *testing.T) {
	redirects := NewRedirects([]Rule{
		{From: "gpt-4", To: "openai/gpt-4-first"},
		{From: "gpt-4", To: "openai/gpt-4-second"},
	})
	if redirects["gpt-4"] != "openai/gpt-4-second" {
		t.Errorf("expected the later rule to win, got %q", redirects["gpt-4"])
	}
}

func TestParse_NoMatchingRedirect(t *testing.T) {
	redirects := NewRedirects([]Rule{{From: "gpt-4", To: "openai/gpt-4-turbo"}})
	id := Parse("claude-3-5-sonnet", redirects)
	if id.UpstreamName != "claude-3-5-sonnet" || id.Provider != "" {
		t.Errorf("unexpected identity for unmatched input: %+v", id)
	}
}
