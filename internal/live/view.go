package live

import (
	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

// View converts a battle to its wire snapshot.
func View(b engine.Battle) protocol.Battle {
	v := protocol.Battle{
		ID:            b.ID,
		Title:         b.Title,
		Personas:      make([]protocol.Persona, 0, len(b.Personas)),
		CurrentRound:  b.CurrentRound,
		MaxRounds:     b.MaxRounds,
		Phase:         string(b.Phase),
		PhaseDuration: seconds(b.PhaseDuration.Seconds()),
		IsLive:        b.IsLive,
		Status:        string(b.Status),
		WinnerID:      b.WinnerID,
		AutoPlay:      autoPlayView(b.AutoPlay),
		Verses:        make([]protocol.Verse, 0, len(b.Verses)),
		Tallies:       make([]protocol.RoundTally, 0, b.CurrentRound),
		Comments:      make([]protocol.Comment, 0, len(b.Comments)),
	}
	if !b.PhaseStartedAt.IsZero() {
		v.PhaseStartedAt = b.PhaseStartedAt.UnixMilli()
	}
	for _, p := range b.Personas {
		v.Personas = append(v.Personas, protocol.Persona{ID: p.ID, Name: p.Name, Style: p.Style})
	}
	for _, vs := range b.Verses {
		v.Verses = append(v.Verses, protocol.Verse{
			PersonaID: vs.PersonaID,
			Round:     vs.Round,
			Text:      vs.Text,
			CreatedAt: vs.CreatedAt.UnixMilli(),
		})
	}
	for r := 1; r <= b.CurrentRound; r++ {
		v.Tallies = append(v.Tallies, protocol.RoundTally{Round: r, Votes: engine.Tally(b, r)})
	}
	for _, c := range b.Comments {
		v.Comments = append(v.Comments, commentView(c))
	}
	return v
}

func commentView(c engine.Comment) protocol.Comment {
	return protocol.Comment{
		ID:        c.ID,
		UserID:    c.UserID,
		Author:    c.Author,
		Text:      c.Text,
		Round:     c.Round,
		CreatedAt: c.CreatedAt.UnixMilli(),
	}
}

func autoPlayView(a engine.AutoPlay) protocol.AutoPlay {
	return protocol.AutoPlay{
		Enabled:         a.Enabled,
		VerseDelay:      seconds(a.VerseDelay.Seconds()),
		ReadingDuration: seconds(a.ReadingDuration.Seconds()),
		VotingDuration:  seconds(a.VotingDuration.Seconds()),
		AutoAdvance:     a.AutoAdvance,
	}
}

// seconds rounds up so a sub-second remainder never shows as 0.
func seconds(f float64) int {
	n := int(f)
	if float64(n) < f {
		n++
	}
	return n
}
