package providers

import (
	"fmt"
	"strings"

	"gradeflow/internal/config"
)

type NamedLLMProvider struct {
	Ref      ProviderRef
	Provider LLMProvider
}

type Manager struct {
	llmProviders []NamedLLMProvider
}

func NewManager(cfg config.Config) (*Manager, error) {
	opts := ChatOptions{TextModel: cfg.TextModel, VisionModel: cfg.VisionModel, Store: cfg.StoreResponses}
	m := &Manager{}
	for _, ref := range ParseProviderList(cfg.LLMProviders) {
		p, err := buildProvider(ref, opts)
		if err != nil {
			return nil, err
		}
		m.llmProviders = append(m.llmProviders, NamedLLMProvider{Ref: ref, Provider: p})
	}
	return m, nil
}

// NewManagerWith wraps already-built providers, in order.
func NewManagerWith(named ...NamedLLMProvider) *Manager {
	return &Manager{llmProviders: named}
}

func (m *Manager) LLMProviderByIndex(i int) (LLMProvider, ProviderRef) {
	if len(m.llmProviders) == 0 {
		return NewMockProvider(), ProviderRef{Raw: "mock", Name: "mock"}
	}
	if i < 0 || i >= len(m.llmProviders) {
		i = 0
	}
	return m.llmProviders[i].Provider, m.llmProviders[i].Ref
}

// VisionProviderByIndex returns the provider at i when it can describe images.
func (m *Manager) VisionProviderByIndex(i int) (VisionProvider, ProviderRef, bool) {
	p, ref := m.LLMProviderByIndex(i)
	v, ok := p.(VisionProvider)
	return v, ref, ok
}

func (m *Manager) LLMCount() int {
	if len(m.llmProviders) == 0 {
		return 1
	}
	return len(m.llmProviders)
}

// PreferredLLMOrder lists real providers before the mock.
func (m *Manager) PreferredLLMOrder() []int {
	return preferredOrder(len(m.llmProviders), func(i int) string { return strings.ToLower(m.llmProviders[i].Ref.Name) })
}

func preferredOrder(n int, nameAt func(i int) string) []int {
	if n <= 0 {
		return []int{0}
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if nameAt(i) != "mock" {
			out = append(out, i)
		}
	}
	for i := 0; i < n; i++ {
		if nameAt(i) == "mock" {
			out = append(out, i)
		}
	}
	return out
}

func (m *Manager) FindLLMProviderByName(name string) (LLMProvider, ProviderRef, bool) {
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return nil, ProviderRef{}, false
	}
	for i := range m.llmProviders {
		ref := m.llmProviders[i].Ref
		if strings.ToLower(ref.Name) == target || strings.ToLower(ref.String()) == target {
			return m.llmProviders[i].Provider, ref, true
		}
	}
	return nil, ProviderRef{}, false
}

func buildProvider(ref ProviderRef, opts ChatOptions) (LLMProvider, error) {
	switch ref.Name {
	case "mock":
		return NewMockProvider(), nil
	case "openai":
		return NewOpenAIProvider(ref.KeyAlias, opts), nil
	case "groq":
		return NewGroqProvider(ref.KeyAlias, opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", ref.Name)
	}
}
