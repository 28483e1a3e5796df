package llm

import (
	"context"
	"errors"
)

// GenerateParams tune a single generation call.
type GenerateParams struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// AgentID labels the call for the LLM service's accounting
	AgentID string
	// ModelTier selects small/medium/large models on the LLM service
	ModelTier string
}

// Completion is the text produced by a Generator.
type Completion struct {
	Text       string
	TokensUsed int
	Model      string
	Provider   string
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) (Completion, error)
}

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")
