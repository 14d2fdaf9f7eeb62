package providers

import "context"

type ProviderInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Key   string `json:"key"`
}

type GenerateRequest struct {
	Operation string   `json:"operation"`
	System    string   `json:"system,omitempty"`
	Prompt    string   `json:"prompt"`
	Context   []string `json:"context,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

type GenerateResponse struct {
	Text string `json:"text"`
}

// VisionRequest carries one rendered visual. Format is the image subtype
// ("png", "jpeg"); an empty format is treated as png.
type VisionRequest struct {
	Operation string `json:"operation"`
	Prompt    string `json:"prompt"`
	Image     []byte `json:"-"`
	Format    string `json:"format"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type LLMProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error)
}

type VisionProvider interface {
	Describe(ctx context.Context, req VisionRequest) (GenerateResponse, ProviderInfo, error)
}
