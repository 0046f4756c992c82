package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

func TestScripted_StreamsChunks(t *testing.T) {
	g := &Scripted{Verse: func(Request) []string { return []string{"a", "b", "c"} }}

	var got []string
	res, err := g.Generate(context.Background(), Request{Persona: engine.Persona{Name: "MC"}}, func(s string) {
		got = append(got, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, "abc", res.Text)
	assert.Len(t, g.Calls(), 1)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &Scripted{Err: errors.New("provider down")}
	b := WithBreaker(inner, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := b.Generate(context.Background(), Request{}, nil)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Generate(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, inner.Calls(), 3, "open breaker must not reach the provider")
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	inner := &Scripted{Err: context.Canceled}
	b := WithBreaker(inner, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, _ = b.Generate(context.Background(), Request{}, nil)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestNew_DisabledAndUnknown(t *testing.T) {
	g, err := New(Config{Provider: "none"}, zap.NewNop())
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = New(Config{Provider: "eliza"}, zap.NewNop())
	assert.Error(t, err)
}

func TestUserPrompt_IncludesHistory(t *testing.T) {
	req := Request{
		BattleTitle: "Clash",
		Persona:     engine.Persona{ID: "a", Name: "Alpha", Style: "boom bap"},
		Opponent:    engine.Persona{ID: "b", Name: "Beta"},
		Round:       2,
		MaxRounds:   3,
		Previous:    []engine.Verse{{PersonaID: "b", Round: 1, Text: "beta bars"}},
	}
	p := userPrompt(req)

	assert.True(t, strings.Contains(p, "You are Alpha (boom bap)"))
	assert.True(t, strings.Contains(p, "Round 2 of 3"))
	assert.True(t, strings.Contains(p, "[Round 1] Beta:\nbeta bars"))
}

func TestUsageFrom_ProviderKeys(t *testing.T) {
	assert.Equal(t, engine.Usage{PromptTokens: 12, CompletionTokens: 30},
		usageFrom(map[string]any{"PromptTokens": 12, "CompletionTokens": 30}))
	assert.Equal(t, engine.Usage{PromptTokens: 7, CompletionTokens: 9},
		usageFrom(map[string]any{"InputTokens": 7, "OutputTokens": 9}))
	assert.Equal(t, engine.Usage{}, usageFrom(nil))
}
