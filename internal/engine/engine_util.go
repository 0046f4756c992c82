package engine

import (
	"slices"
	"time"
)

const (
	DefaultVerseDelay      = 3 * time.Second
	DefaultReadingDuration = 20 * time.Second
	DefaultVotingDuration  = 10 * time.Second
	DefaultMaxRounds       = 3
)

func NewBattle(id, title string, personas []Persona, maxRounds int, now time.Time) Battle {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return Battle{
		ID:           id,
		Title:        title,
		Personas:     slices.Clone(personas),
		CurrentRound: 1,
		MaxRounds:    maxRounds,
		Phase:        PhaseIdle,
		Status:       StatusActive,
		AutoPlay: AutoPlay{
			VerseDelay:      DefaultVerseDelay,
			ReadingDuration: DefaultReadingDuration,
			VotingDuration:  DefaultVotingDuration,
			AutoAdvance:     true,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func HasVerse(s Battle, round int, personaID string) bool {
	return slices.ContainsFunc(s.Verses, func(v Verse) bool {
		return v.Round == round && v.PersonaID == personaID
	})
}

// RoundComplete reports whether every persona has a verse recorded for round.
func RoundComplete(s Battle, round int) bool {
	if len(s.Personas) == 0 {
		return false
	}
	for _, p := range s.Personas {
		if !HasVerse(s, round, p.ID) {
			return false
		}
	}
	return true
}

func ReadingDuration(s Battle) time.Duration {
	if s.AutoPlay.ReadingDuration > 0 {
		return s.AutoPlay.ReadingDuration
	}
	return DefaultReadingDuration
}

func VotingDuration(s Battle) time.Duration {
	if s.AutoPlay.VotingDuration > 0 {
		return s.AutoPlay.VotingDuration
	}
	return DefaultVotingDuration
}

// PhaseDeadline is zero for phases without a duration.
func PhaseDeadline(s Battle) time.Time {
	if s.PhaseDuration <= 0 || s.PhaseStartedAt.IsZero() {
		return time.Time{}
	}
	return s.PhaseStartedAt.Add(s.PhaseDuration)
}

func Tally(s Battle, round int) map[string]int {
	t := make(map[string]int, len(s.Personas))
	for _, p := range s.Personas {
		t[p.ID] = 0
	}
	for _, v := range s.Votes {
		if v.Round == round {
			t[v.PersonaID]++
		}
	}
	return t
}

// Winner is the persona with the most votes across all rounds, or "" on a tie.
func Winner(s Battle) string {
	totals := make(map[string]int, len(s.Personas))
	for _, v := range s.Votes {
		totals[v.PersonaID]++
	}
	best, bestVotes, tie := "", -1, false
	for _, p := range s.Personas {
		n := totals[p.ID]
		switch {
		case n > bestVotes:
			best, bestVotes, tie = p.ID, n, false
		case n == bestVotes:
			tie = true
		}
	}
	if tie {
		return ""
	}
	return best
}

func personaByID(s Battle, id string) (Persona, bool) {
	for _, p := range s.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

func hasVoted(s Battle, round int, userID string) bool {
	return slices.ContainsFunc(s.Votes, func(v Vote) bool {
		return v.Round == round && v.UserID == userID
	})
}
