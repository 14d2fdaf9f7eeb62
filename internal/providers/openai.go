package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultMaxTokens = 4096

// ChatOptions configures an OpenAI-compatible chat provider.
type ChatOptions struct {
	TextModel   string
	VisionModel string
	Store       bool
}

// chatProvider talks to any OpenAI-compatible chat completions endpoint.
type chatProvider struct {
	name        string
	keyName     string
	apiKey      string
	textModel   string
	visionModel string
	store       bool
	sendStore   bool
	client      openai.Client
}

func newChatProvider(name, keyName, apiKey, baseURL string, opts ChatOptions) *chatProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &chatProvider{
		name:        name,
		keyName:     keyName,
		apiKey:      apiKey,
		textModel:   opts.TextModel,
		visionModel: opts.VisionModel,
		store:       opts.Store,
		sendStore:   name == "openai",
		client:      openai.NewClient(reqOpts...),
	}
}

// NewOpenAIProvider uses the OpenAI API when keys are configured.
func NewOpenAIProvider(keyName string, opts ChatOptions) LLMProvider {
	if opts.TextModel == "" {
		opts.TextModel = "gpt-5-mini"
	}
	if opts.VisionModel == "" {
		opts.VisionModel = "gpt-4.1-mini"
	}
	return newChatProvider("openai", keyName, resolveOpenAIKey(keyName), "", opts)
}

func (c *chatProvider) info(model string) ProviderInfo {
	return ProviderInfo{Name: c.name, Model: model, Key: c.keyName}
}

func (c *chatProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	info := c.info(c.textModel)
	if c.apiKey == "" {
		return GenerateResponse{}, info, fmt.Errorf("%s key missing for alias %q", c.name, c.keyName)
	}
	prompt := req.Prompt
	if len(req.Context) > 0 {
		prompt += "\n\nContext:\n" + strings.Join(req.Context, "\n\n")
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(prompt))
	return c.complete(ctx, info, messages, req.MaxTokens)
}

func (c *chatProvider) Describe(ctx context.Context, req VisionRequest) (GenerateResponse, ProviderInfo, error) {
	info := c.info(c.visionModel)
	if c.apiKey == "" {
		return GenerateResponse{}, info, fmt.Errorf("%s key missing for alias %q", c.name, c.keyName)
	}
	if len(req.Image) == 0 {
		return GenerateResponse{}, info, fmt.Errorf("%s vision request has no image", c.name)
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	switch format {
	case "":
		format = "png"
	case "jpg":
		format = "jpeg"
	}
	dataURL := "data:image/" + format + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(req.Prompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	}
	messages := []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)}
	return c.complete(ctx, info, messages, req.MaxTokens)
}

func (c *chatProvider) complete(ctx context.Context, info ProviderInfo, messages []openai.ChatCompletionMessageParamUnion, maxTokens int) (GenerateResponse, ProviderInfo, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               info.Model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	// store is an OpenAI-side retention switch; it stays explicit so the
	// default never depends on account settings.
	if c.sendStore {
		params.Store = openai.Bool(c.store)
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return GenerateResponse{}, info, fmt.Errorf("%s chat completion failed: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return GenerateResponse{}, info, fmt.Errorf("%s returned empty choices", c.name)
	}
	return GenerateResponse{Text: resp.Choices[0].Message.Content}, info, nil
}

func resolveOpenAIKey(alias string) string {
	if alias != "" {
		k := os.Getenv("GRADEFLOW_OPENAI_KEY_" + strings.ToUpper(alias))
		if k != "" {
			return k
		}
	}
	return os.Getenv("OPENAI_API_KEY")
}
