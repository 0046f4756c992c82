package engine

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var ErrBattleCompleted = errors.New("battle already completed")
var ErrNotLive = errors.New("battle is not live")
var ErrAlreadyLive = errors.New("battle is already live")
var ErrWrongPhase = errors.New("action not allowed in current phase")
var ErrWrongPerformer = errors.New("persona is not the next performer")
var ErrWrongRound = errors.New("round is not the current round")
var ErrStaleRound = errors.New("round already advanced")
var ErrRoundIncomplete = errors.New("round does not have both verses yet")
var ErrUnknownPersona = errors.New("unknown persona")
var ErrAlreadyVoted = errors.New("user already voted this round")
var ErrMissingUser = errors.New("user id required")
var ErrEmptyComment = errors.New("comment text required")
var ErrInvalidDuration = errors.New("duration must be positive")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGenerating Phase = "generating"
	PhaseReading    Phase = "reading"
	PhaseVoting     Phase = "voting"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type Persona struct {
	ID    string
	Name  string
	Style string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Verse struct {
	PersonaID string
	Round     int
	Text      string
	Usage     Usage
	CreatedAt time.Time
}

type Vote struct {
	Round     int
	PersonaID string
	UserID    string
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	UserID    string
	Author    string
	Text      string
	Round     int
	CreatedAt time.Time
}

// AutoPlay is read on every scheduling decision; admins may change it mid-run.
type AutoPlay struct {
	Enabled         bool
	VerseDelay      time.Duration
	ReadingDuration time.Duration
	VotingDuration  time.Duration
	AutoAdvance     bool
}

type Battle struct {
	ID             string
	Title          string
	Personas       []Persona
	CurrentRound   int
	MaxRounds      int
	Phase          Phase
	PhaseDuration  time.Duration
	PhaseStartedAt time.Time
	IsLive         bool
	Status         Status
	WinnerID       string
	AutoPlay       AutoPlay
	Verses         []Verse
	Votes          []Vote
	Comments       []Comment
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type CommandType string

const (
	CmdStartLive     CommandType = "StartLive"
	CmdStopLive      CommandType = "StopLive"
	CmdStartVerse    CommandType = "StartVerse"
	CmdAbortVerse    CommandType = "AbortVerse"
	CmdCompleteVerse CommandType = "CompleteVerse"
	CmdBeginPhase    CommandType = "BeginPhase"
	CmdAdvanceRound  CommandType = "AdvanceRound"
	CmdCastVote      CommandType = "CastVote"
	CmdPostComment   CommandType = "PostComment"
	CmdSetAutoPlay   CommandType = "SetAutoPlay"
)

/*
	CmdStartVerse    -> EvtVerseStarted
	CmdCompleteVerse -> EvtVerseCompleted (-> EvtReadingStarted when the round is complete)
	CmdBeginPhase    -> EvtReadingStarted | EvtVotingStarted
	CmdAdvanceRound  -> EvtRoundAdvanced | EvtBattleCompleted
	Round is the round the caller believes is current; 0 skips the staleness check.
*/

type Command struct {
	Type      CommandType
	PersonaID string
	Round     int
	Text      string
	Usage     Usage
	Phase     Phase
	Duration  time.Duration
	UserID    string
	Comment   Comment
	AutoPlay  AutoPlay
	Reason    string
	Initiator string
}

type EventType string

const (
	EvtLiveStarted     EventType = "LiveStarted"
	EvtLiveEnded       EventType = "LiveEnded"
	EvtVerseStarted    EventType = "VerseStarted"
	EvtVerseAborted    EventType = "VerseAborted"
	EvtVerseCompleted  EventType = "VerseCompleted"
	EvtReadingStarted  EventType = "ReadingStarted"
	EvtVotingStarted   EventType = "VotingStarted"
	EvtRoundAdvanced   EventType = "RoundAdvanced"
	EvtBattleCompleted EventType = "BattleCompleted"
	EvtVoteCast        EventType = "VoteCast"
	EvtCommentAdded    EventType = "CommentAdded"
	EvtAutoPlayChanged EventType = "AutoPlayChanged"
)

type Event struct {
	Type      EventType
	PersonaID string
	Round     int
	Text      string
	Duration  time.Duration
	Reason    string
	Initiator string
	WinnerID  string
	Comment   Comment
}

// Apply validates cmd against s and returns the resulting events and state.
// s is never mutated; on error the original state is returned.
func Apply(s Battle, cmd Command, now time.Time) ([]Event, Battle, error) {
	newState := s.clone()
	newState.UpdatedAt = now

	switch cmd.Type {
	case CmdStartLive:
		if s.Status == StatusCompleted {
			return nil, s, ErrBattleCompleted
		}
		if s.IsLive {
			return nil, s, ErrAlreadyLive
		}
		newState.IsLive = true
		return []Event{{Type: EvtLiveStarted}}, newState, nil

	case CmdStopLive:
		if !s.IsLive {
			return nil, s, ErrNotLive
		}
		newState.IsLive = false
		return []Event{{Type: EvtLiveEnded, Reason: cmd.Reason, Initiator: cmd.Initiator}}, newState, nil

	case CmdStartVerse:
		if s.Status == StatusCompleted {
			return nil, s, ErrBattleCompleted
		}
		if s.Phase != PhaseIdle {
			return nil, s, ErrWrongPhase
		}
		next, ok := NextPerformer(s)
		if !ok || (cmd.PersonaID != "" && cmd.PersonaID != next.ID) {
			return nil, s, ErrWrongPerformer
		}
		newState.Phase = PhaseGenerating
		newState.PhaseDuration = 0
		newState.PhaseStartedAt = now
		return []Event{{Type: EvtVerseStarted, PersonaID: next.ID, Round: s.CurrentRound}}, newState, nil

	case CmdAbortVerse:
		if s.Phase != PhaseGenerating {
			return nil, s, ErrWrongPhase
		}
		newState.Phase = PhaseIdle
		newState.PhaseStartedAt = time.Time{}
		return []Event{{Type: EvtVerseAborted, Round: s.CurrentRound}}, newState, nil

	case CmdCompleteVerse:
		if s.Phase != PhaseGenerating {
			return nil, s, ErrWrongPhase
		}
		if cmd.Round != s.CurrentRound {
			return nil, s, ErrWrongRound
		}
		next, ok := NextPerformer(s)
		if !ok || next.ID != cmd.PersonaID {
			return nil, s, ErrWrongPerformer
		}

		newState.Verses = append(newState.Verses, Verse{
			PersonaID: cmd.PersonaID,
			Round:     cmd.Round,
			Text:      cmd.Text,
			Usage:     cmd.Usage,
			CreatedAt: now,
		})
		events := []Event{{Type: EvtVerseCompleted, PersonaID: cmd.PersonaID, Round: cmd.Round, Text: cmd.Text}}

		if RoundComplete(newState, cmd.Round) {
			d := ReadingDuration(s)
			newState.Phase = PhaseReading
			newState.PhaseDuration = d
			newState.PhaseStartedAt = now
			events = append(events, Event{Type: EvtReadingStarted, Round: cmd.Round, Duration: d})
		} else {
			newState.Phase = PhaseIdle
			newState.PhaseDuration = 0
			newState.PhaseStartedAt = time.Time{}
		}
		return events, newState, nil

	case CmdBeginPhase:
		if s.Status == StatusCompleted {
			return nil, s, ErrBattleCompleted
		}
		if !s.IsLive {
			return nil, s, ErrNotLive
		}
		if cmd.Phase != PhaseReading && cmd.Phase != PhaseVoting {
			return nil, s, ErrWrongPhase
		}
		if cmd.Duration <= 0 {
			return nil, s, ErrInvalidDuration
		}
		if !RoundComplete(s, s.CurrentRound) {
			return nil, s, ErrRoundIncomplete
		}
		newState.Phase = cmd.Phase
		newState.PhaseDuration = cmd.Duration
		newState.PhaseStartedAt = now

		evt := EvtReadingStarted
		if cmd.Phase == PhaseVoting {
			evt = EvtVotingStarted
		}
		return []Event{{Type: evt, Round: s.CurrentRound, Duration: cmd.Duration}}, newState, nil

	case CmdAdvanceRound:
		if s.Status == StatusCompleted {
			return nil, s, ErrBattleCompleted
		}
		if cmd.Round != 0 && cmd.Round != s.CurrentRound {
			return nil, s, ErrStaleRound
		}
		if !RoundComplete(s, s.CurrentRound) {
			return nil, s, ErrRoundIncomplete
		}

		newState.Phase = PhaseIdle
		newState.PhaseDuration = 0
		newState.PhaseStartedAt = time.Time{}

		if s.CurrentRound >= s.MaxRounds {
			newState.Status = StatusCompleted
			newState.WinnerID = Winner(s)
			return []Event{{Type: EvtBattleCompleted, Round: s.CurrentRound, WinnerID: newState.WinnerID}}, newState, nil
		}
		newState.CurrentRound++
		return []Event{{Type: EvtRoundAdvanced, Round: newState.CurrentRound}}, newState, nil

	case CmdCastVote:
		if s.Status == StatusCompleted {
			return nil, s, ErrBattleCompleted
		}
		if cmd.UserID == "" {
			return nil, s, ErrMissingUser
		}
		if _, ok := personaByID(s, cmd.PersonaID); !ok {
			return nil, s, ErrUnknownPersona
		}
		if cmd.Round != s.CurrentRound {
			return nil, s, ErrWrongRound
		}
		if !RoundComplete(s, cmd.Round) {
			return nil, s, ErrRoundIncomplete
		}
		if hasVoted(s, cmd.Round, cmd.UserID) {
			return nil, s, ErrAlreadyVoted
		}
		newState.Votes = append(newState.Votes, Vote{
			Round:     cmd.Round,
			PersonaID: cmd.PersonaID,
			UserID:    cmd.UserID,
			CreatedAt: now,
		})
		return []Event{{Type: EvtVoteCast, PersonaID: cmd.PersonaID, Round: cmd.Round}}, newState, nil

	case CmdPostComment:
		c := cmd.Comment
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			return nil, s, ErrEmptyComment
		}
		if c.UserID == "" {
			return nil, s, ErrMissingUser
		}
		// Retried posts carry the same id and are accepted without a second event.
		if slices.ContainsFunc(s.Comments, func(e Comment) bool { return e.ID == c.ID }) {
			return nil, s, nil
		}
		if c.Round == 0 {
			c.Round = s.CurrentRound
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		newState.Comments = append(newState.Comments, c)
		return []Event{{Type: EvtCommentAdded, Comment: c}}, newState, nil

	case CmdSetAutoPlay:
		ap := cmd.AutoPlay
		if ap.VerseDelay < 0 || ap.ReadingDuration < 0 || ap.VotingDuration < 0 {
			return nil, s, ErrInvalidDuration
		}
		newState.AutoPlay = ap
		return []Event{{Type: EvtAutoPlayChanged}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func (s Battle) clone() Battle {
	c := s
	c.Personas = slices.Clone(s.Personas)
	c.Verses = slices.Clone(s.Verses)
	c.Votes = slices.Clone(s.Votes)
	c.Comments = slices.Clone(s.Comments)
	return c
}
