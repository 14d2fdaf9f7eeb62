package providers

import (
	"os"
	"strings"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// NewGroqProvider supports generation via Groq's OpenAI-compatible API. Models
// come from GRADEFLOW_GROQ_MODEL and GRADEFLOW_GROQ_VISION_MODEL.
func NewGroqProvider(keyName string, opts ChatOptions) LLMProvider {
	opts.TextModel = strings.TrimSpace(os.Getenv("GRADEFLOW_GROQ_MODEL"))
	if opts.TextModel == "" {
		opts.TextModel = "llama-3.3-70b-versatile"
	}
	opts.VisionModel = strings.TrimSpace(os.Getenv("GRADEFLOW_GROQ_VISION_MODEL"))
	if opts.VisionModel == "" {
		opts.VisionModel = "meta-llama/llama-4-scout-17b-16e-instruct"
	}
	return newChatProvider("groq", keyName, resolveGroqKey(keyName), groqBaseURL, opts)
}

func resolveGroqKey(alias string) string {
	if alias != "" {
		if v := os.Getenv("GRADEFLOW_GROQ_KEY_" + strings.ToUpper(alias)); v != "" {
			return v
		}
	}
	return os.Getenv("GROQ_API_KEY")
}
