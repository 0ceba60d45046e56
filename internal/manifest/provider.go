package manifest

import (
	"sort"
	"strings"
)

// Provider identifies a mirror that hosts a copy of every file.
type Provider string

const (
	Cloudflare   Provider = "cloudflare"
	DigitalOcean Provider = "digitalocean"
	// None is the origin server and the fallback when a preferred mirror
	// has no URL for a file.
	None Provider = "none"
	// Auto asks the engine to pick the fastest reachable mirror.
	Auto Provider = "auto"
)

// KnownProviders lists the built-in provider keys in display order.
func KnownProviders() []Provider {
	return []Provider{Cloudflare, DigitalOcean, None}
}

// ParseProvider normalizes a provider key; empty means None.
func ParseProvider(s string) Provider {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return None
	}
	return Provider(s)
}

// DisplayName is the label shown to users when choosing a mirror.
func (p Provider) DisplayName() string {
	switch p {
	case Cloudflare:
		return "Server #1"
	case DigitalOcean:
		return "Server #2"
	case None:
		return "Server #3 (Slowest)"
	default:
		return string(p)
	}
}

// SourcesFor returns the entry's source locations in the order they should
// be tried: the preferred provider, the None fallback, remaining providers by
// key, then the explicit Sources list. Duplicates are dropped.
func (e Entry) SourcesFor(preferred Provider) []string {
	out := make([]string, 0, len(e.URLs)+len(e.Sources))
	seen := make(map[string]bool, cap(out))
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	if preferred != "" && preferred != Auto {
		add(e.URLs[preferred])
	}
	add(e.URLs[None])

	rest := make([]string, 0, len(e.URLs))
	for p := range e.URLs {
		rest = append(rest, string(p))
	}
	sort.Strings(rest)
	for _, p := range rest {
		add(e.URLs[Provider(p)])
	}

	for _, s := range e.Sources {
		add(s)
	}
	return out
}

// Providers returns every provider key referenced by the manifest, sorted.
func (m *Manifest) Providers() []Provider {
	set := make(map[Provider]bool)
	for _, e := range m.entries {
		for p := range e.URLs {
			set[p] = true
		}
	}
	out := make([]Provider, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
