// Package identity implements C4: parsing a client-supplied model
// identifier into a provider hint plus upstream model name, and applying
// the static redirect table loaded at startup.
package identity

import "strings"

// Identity is the result of parsing a client-supplied model string.
type Identity struct {
	// Provider is the provider hint, empty if the client gave a bare model
	// name with no "provider/" prefix.
	Provider string
	// UpstreamName is what gets forwarded to the upstream API.
	UpstreamName string
	// DisplayName is what the client sent (post-redirect), used in logs —
	// always of the form "provider/model" once a provider is known, or the
	// bare model name when none is.
	DisplayName string
}

// Redirects is the startup-loaded, process-lifetime-immutable alias table
// (§3 RedirectRule, §6 "redirect" config section).
type Redirects map[string]string

// NewRedirects builds a lookup table from the ordered rule list loaded
// from config. Later entries for the same `from` override earlier ones,
// matching a last-one-wins read of an ordered file.
func NewRedirects(rules []Rule) Redirects {
	m := make(Redirects, len(rules))
	for _, r := range rules {
		m[r.From] = r.To
	}
	return m
}

// Rule mirrors config.RedirectRule without importing the config package,
// keeping this package dependency-free.
type Rule struct {
	From string
	To   string
}

// Parse implements §4.1's parse(input) operation, applying at most one
// redirect hop (redirect targets are never re-resolved against the table
// a second time — "re-parse once (no recursion)").
func Parse(input string, redirects Redirects) Identity {
	if to, ok := redirects[input]; ok {
		return parseSplit(to)
	}
	return parseSplit(input)
}

func parseSplit(input string) Identity {
	if idx := strings.IndexByte(input, '/'); idx >= 0 {
		provider := input[:idx]
		model := input[idx+1:]
		return Identity{
			Provider:     provider,
			UpstreamName: model,
			DisplayName:  provider + "/" + model,
		}
	}
	return Identity{
		Provider:     "",
		UpstreamName: input,
		DisplayName:  input,
	}
}
