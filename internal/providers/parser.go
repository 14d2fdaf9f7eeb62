package providers

import "strings"

type ProviderRef struct {
	Raw      string
	Name     string
	KeyAlias string
}

func (r ProviderRef) String() string {
	if r.KeyAlias == "" {
		return r.Name
	}
	return r.Name + ":" + r.KeyAlias
}

// ParseProviderList reads "mock|openai:alias|groq" into ordered refs. Names are
// lower-cased; an empty list yields the mock provider.
func ParseProviderList(raw string) []ProviderRef {
	parts := strings.Split(raw, "|")
	out := make([]ProviderRef, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ref := ProviderRef{Raw: p}
		name, alias, _ := strings.Cut(p, ":")
		ref.Name = strings.ToLower(strings.TrimSpace(name))
		ref.KeyAlias = strings.TrimSpace(alias)
		out = append(out, ref)
	}
	if len(out) == 0 {
		out = append(out, ProviderRef{Raw: "mock", Name: "mock"})
	}
	return out
}
