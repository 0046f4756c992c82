package generator

import (
	"context"
	"strings"
	"sync"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

// Scripted replays fixed verses chunk by chunk. It backs tests and local
// demos without a model.
type Scripted struct {
	mu    sync.Mutex
	calls []Request
	Err   error

	// Verse returns the chunks for req. Defaults to a short verse naming the persona.
	Verse func(req Request) []string
}

func (s *Scripted) Generate(ctx context.Context, req Request, onToken func(string)) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}

	chunks := []string{req.Persona.Name, " on the mic,", " round ", "bars."}
	if s.Verse != nil {
		chunks = s.Verse(req)
	}

	var full strings.Builder
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		full.WriteString(c)
		if onToken != nil {
			onToken(c)
		}
	}
	return Result{
		Text:  full.String(),
		Usage: engine.Usage{PromptTokens: 10, CompletionTokens: len(chunks)},
	}, nil
}

func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}
