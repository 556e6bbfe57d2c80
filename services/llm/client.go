package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// EmbeddingClient produces fixed-length vectors for query text. Backends
// must fail closed on malformed payloads rather than return partial vectors.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Float32Ptr is a convenience helper for GenerationParams literals.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr is a convenience helper for GenerationParams literals.
func IntPtr(v int) *int { return &v }
