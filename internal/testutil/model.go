package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/atomjob/internal/model"
)

// ErrScriptExhausted is returned when a ScriptedModel runs out of steps.
var ErrScriptExhausted = errors.New("scripted model: no more responses")

// Step is one scripted model reply.
type Step struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string

	// Err, if set, is returned instead of a response.
	Err error

	// Delay blocks the call, honouring ctx, before replying.
	Delay time.Duration

	// Block waits for ctx to end and returns its error.
	Block bool
}

// ScriptedModel replays steps in order and records every request.
//
// Thread-safety: safe for concurrent use; steps are consumed in call order.
type ScriptedModel struct {
	mu       sync.Mutex
	steps    []Step
	requests []model.Request

	// Repeat replays the last step once the script is exhausted.
	Repeat bool
}

// NewScriptedModel creates a model that answers with steps in order.
func NewScriptedModel(steps ...Step) *ScriptedModel {
	return &ScriptedModel{steps: steps}
}

// Invoke implements model.Model.
func (s *ScriptedModel) Invoke(ctx context.Context, req model.Request) (model.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var step Step
	switch {
	case len(s.steps) > 1 || (len(s.steps) == 1 && !s.Repeat):
		step = s.steps[0]
		s.steps = s.steps[1:]
	case len(s.steps) == 1:
		step = s.steps[0]
	default:
		s.mu.Unlock()
		return model.Response{}, ErrScriptExhausted
	}
	s.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return model.Response{}, ctx.Err()
	}
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if step.Err != nil {
		return model.Response{}, step.Err
	}

	name := step.Model
	if name == "" {
		name = "gpt-4o-mini"
	}
	return model.Response{
		Text:         step.Text,
		InputTokens:  step.InputTokens,
		OutputTokens: step.OutputTokens,
		Model:        name,
	}, nil
}

// Requests returns a copy of every request received so far.
func (s *ScriptedModel) Requests() []model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many times Invoke ran.
func (s *ScriptedModel) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
