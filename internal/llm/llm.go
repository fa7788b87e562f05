// Package llm talks to the optional language model used to polish narrative text.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Provider generates text from a prompt.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured(ctx context.Context) bool
}

// Options selects and configures a provider.
type Options struct {
	Provider    string // "ollama" or "openai"
	Model       string
	OllamaURL   string
	OpenAIModel string
	OpenAIURL   string
	APIKeyEnv   string
}

// CreateProvider returns the first usable provider: Ollama when requested and
// reachable, then OpenAI when an API key is set. It returns nil when neither
// is available.
func CreateProvider(ctx context.Context, opts Options) Provider {
	log := zap.L()

	if strings.EqualFold(opts.Provider, "ollama") {
		p := NewOllamaProvider(opts.Model, opts.OllamaURL)
		if p.IsConfigured(ctx) {
			log.Info("using ollama", zap.String("model", opts.Model))
			return p
		}
		log.Warn("ollama not available, trying openai")
	}

	p := NewOpenAIProvider(opts.OpenAIModel, opts.APIKeyEnv)
	if opts.OpenAIURL != "" {
		p.BaseURL = opts.OpenAIURL
	}
	if p.IsConfigured(ctx) {
		log.Info("using openai", zap.String("model", opts.OpenAIModel))
		return p
	}

	log.Warn("no llm provider available", zap.String("api_key_env", opts.APIKeyEnv))
	return nil
}

// ParseJSON parses a JSON object from a model response, tolerating markdown
// code fences around it.
func ParseJSON(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, eris.New("llm: empty response")
	}

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		end := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				end = i
				break
			}
		}
		text = strings.Join(lines[1:end], "\n")
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, eris.Wrap(err, "llm: parse json response")
	}
	return out, nil
}
