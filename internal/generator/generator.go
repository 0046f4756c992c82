package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

var ErrDisabled = errors.New("verse generation is not configured")

// Request describes the verse to write. Previous holds the battle's verses so
// far, oldest first.
type Request struct {
	BattleTitle string
	Persona     engine.Persona
	Opponent    engine.Persona
	Round       int
	MaxRounds   int
	Previous    []engine.Verse
}

type Result struct {
	Text  string
	Usage engine.Usage
}

// Generator writes one verse. onToken receives each chunk as it streams in;
// the returned Result holds the full text.
type Generator interface {
	Generate(ctx context.Context, req Request, onToken func(string)) (Result, error)
}

// Disabled rejects every request. It is used when no provider is configured.
type Disabled struct{}

func (Disabled) Generate(context.Context, Request, func(string)) (Result, error) {
	return Result{}, ErrDisabled
}

const systemPrompt = `You are a battle rapper in a live AI rap battle. ` +
	`Stay in character, answer your opponent directly, and keep it to 8-16 bars. ` +
	`Output only the verse lines, no titles or commentary.`

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Battle: %s\n", req.BattleTitle)
	fmt.Fprintf(&b, "You are %s", req.Persona.Name)
	if req.Persona.Style != "" {
		fmt.Fprintf(&b, " (%s)", req.Persona.Style)
	}
	fmt.Fprintf(&b, ". Your opponent is %s.\n", req.Opponent.Name)
	fmt.Fprintf(&b, "Round %d of %d.\n", req.Round, req.MaxRounds)

	if len(req.Previous) > 0 {
		names := map[string]string{req.Persona.ID: req.Persona.Name, req.Opponent.ID: req.Opponent.Name}
		b.WriteString("\nVerses so far:\n")
		for _, v := range req.Previous {
			fmt.Fprintf(&b, "[Round %d] %s:\n%s\n\n", v.Round, names[v.PersonaID], v.Text)
		}
	}
	b.WriteString("\nWrite your verse now.")
	return b.String()
}
