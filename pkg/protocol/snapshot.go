package protocol

// Battle is the authoritative snapshot sent in state:sync, returned by the
// resync endpoint and embedded in events that change the whole battle.
//
//	phase:          "idle" | "generating" | "reading" | "voting"
//	status:         "active" | "completed"
//	phaseDuration:  seconds, 0 when the phase has no deadline
//	phaseStartedAt: unix ms, 0 when idle
type Battle struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Personas       []Persona    `json:"personas"`
	CurrentRound   int          `json:"currentRound"`
	MaxRounds      int          `json:"maxRounds"`
	Phase          string       `json:"phase"`
	PhaseDuration  int          `json:"phaseDuration,omitempty"`
	PhaseStartedAt int64        `json:"phaseStartedAt,omitempty"`
	IsLive         bool         `json:"isLive"`
	Status         string       `json:"status"`
	WinnerID       string       `json:"winnerId,omitempty"`
	AutoPlay       AutoPlay     `json:"autoPlay"`
	Verses         []Verse      `json:"verses"`
	Tallies        []RoundTally `json:"tallies"`
	Comments       []Comment    `json:"comments"`
}

type Persona struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Style string `json:"style,omitempty"`
}

type Verse struct {
	PersonaID string `json:"personaId"`
	Round     int    `json:"round"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

type RoundTally struct {
	Round int            `json:"round"`
	Votes map[string]int `json:"votes"`
}

type Comment struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Round     int    `json:"round,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// AutoPlay durations are seconds.
type AutoPlay struct {
	Enabled         bool `json:"enabled"`
	VerseDelay      int  `json:"verseDelay"`
	ReadingDuration int  `json:"readingDuration"`
	VotingDuration  int  `json:"votingDuration"`
	AutoAdvance     bool `json:"autoAdvance"`
}
