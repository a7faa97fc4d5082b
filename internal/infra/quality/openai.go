package quality

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/vietddude/harvester/internal/core/fault"
)

// OpenAIConfig configures the vision-model provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Prompt  string `yaml:"prompt"`
}

const defaultPrompt = `Rate the photographic quality of the image between 0 and 1 and list short ` +
	`content labels. Include "nsfw", "watermark", "text" or "illustration" when they apply. ` +
	`Reply with JSON: {"score": number, "labels": [string]}.`

// OpenAI scores images with a chat completion on a vision-capable model.
type OpenAI struct {
	client *openai.Client
	model  string
	prompt string
}

// NewOpenAI creates an OpenAI-backed provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai quality provider requires an api key")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		prompt: prompt,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// Score implements Provider.
func (p *OpenAI) Score(ctx context.Context, data []byte, contentType string) (Result, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.prompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens:   200,
		Temperature: 0,
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai score: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fault.New(fault.KindMalformed, "openai score", "empty response")
	}
	return ParseResult(resp.Choices[0].Message.Content)
}

// ParseResult decodes a {"score","labels"} JSON reply and clamps the score.
func ParseResult(content string) (Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return Result{}, fault.Wrap(fault.KindMalformed, "parse quality result", err)
	}
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Score > 1 {
		r.Score = 1
	}
	return r, nil
}
