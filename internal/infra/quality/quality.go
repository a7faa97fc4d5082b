package quality

import (
	"context"
	"fmt"
	"strings"
)

// Result is a quality/classification verdict for one image.
type Result struct {
	Score  float64  `json:"score"`
	Labels []string `json:"labels"`
}

// HasLabel reports whether the result carries any of labels, case-insensitively.
func (r Result) HasLabel(labels ...string) (string, bool) {
	for _, have := range r.Labels {
		for _, want := range labels {
			if strings.EqualFold(have, want) {
				return have, true
			}
		}
	}
	return "", false
}

// Provider scores image bytes.
type Provider interface {
	// Score rates the image in [0,1] and returns classification labels.
	Score(ctx context.Context, data []byte, contentType string) (Result, error)

	// Name identifies the provider in logs.
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider    string       `yaml:"provider"` // static, openai, grpc
	StaticScore float64      `yaml:"static_score"`
	OpenAI      OpenAIConfig `yaml:"openai"`
	GRPC        GRPCConfig   `yaml:"grpc"`
}

// New builds the configured provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "static":
		score := cfg.StaticScore
		if score == 0 {
			score = 1
		}
		return &Static{Value: score}, nil
	case "openai":
		return NewOpenAI(cfg.OpenAI)
	case "grpc":
		return NewGRPC(ctx, cfg.GRPC)
	default:
		return nil, fmt.Errorf("unknown quality provider %q", cfg.Provider)
	}
}

// Static returns a fixed result. Used offline and in tests.
type Static struct {
	Value  float64
	Labels []string
}

func (s *Static) Score(ctx context.Context, data []byte, contentType string) (Result, error) {
	return Result{Score: s.Value, Labels: s.Labels}, nil
}

func (s *Static) Name() string { return "static" }
