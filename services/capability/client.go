package capability

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Generator defines the standard interface for any model backend.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
