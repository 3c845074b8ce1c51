// Package model is the boundary to the language model capability. The
// substrate treats a model as an opaque function from prompt text to
// response text plus token counts.
package model

import (
	"context"
	"errors"
)

// Request is one bounded model call.
type Request struct {
	SystemPrompt    string
	UserContent     string
	MaxOutputTokens int
}

// Response is what the model returned and what it cost in tokens.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int

	// Model is the model id the provider reports, which may be more
	// specific than the configured one.
	Model string
}

// Model invokes a language model. Implementations must honor ctx.
type Model interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Model.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ErrEmptyResponse is returned when the provider answers without content.
var ErrEmptyResponse = errors.New("model returned no content")
