package client

import (
	"slices"

	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

// Streaming is the verse currently being generated.
type Streaming struct {
	PersonaID string
	Round     int
	Text      string
}

// View is the client's local picture of one battle.
type View struct {
	Battle         protocol.Battle
	Loaded         bool
	ViewerCount    int
	AdminConnected bool
	Streaming      *Streaming
	Warning        *protocol.Warning
	Ended          *protocol.LiveEnded
}

// HostEnded reports whether the last ending was the host's own decision, as
// opposed to a timeout or the server going away.
func (v View) HostEnded() bool {
	return v.Ended != nil && v.Ended.InitiatedBy == protocol.InitiatedByAdmin
}

// Reduce folds one server event into v. Events carrying a whole battle
// replace it, keeping any comments the snapshot does not know about.
func Reduce(v View, e protocol.Event) View {
	switch ev := e.(type) {
	case protocol.StateSync:
		v = replaceBattle(v, ev.Battle)
		v.ViewerCount = ev.ViewerCount
	case protocol.LiveStarted:
		v = replaceBattle(v, ev.Battle)
		v.Ended = nil
		v.Warning = nil
	case protocol.LiveEnded:
		v.Battle.IsLive = false
		v.Ended = &ev
		v.Warning = nil
		v.Streaming = nil
	case protocol.Completed:
		v = replaceBattle(v, ev.Battle)
		v.Streaming = nil
	case protocol.RoundAdvanced:
		v = replaceBattle(v, ev.Battle)
	case protocol.VoteCast:
		v = replaceBattle(v, ev.Battle)
	case protocol.VerseStreaming:
		v.Streaming = &Streaming{PersonaID: ev.PersonaID, Round: ev.Round, Text: ev.Text}
		v.Battle.Phase = "generating"
	case protocol.VerseComplete:
		v.Streaming = nil
		exists := slices.ContainsFunc(v.Battle.Verses, func(x protocol.Verse) bool {
			return x.PersonaID == ev.PersonaID && x.Round == ev.Round
		})
		if !exists {
			v.Battle.Verses = append(slices.Clone(v.Battle.Verses), protocol.Verse{
				PersonaID: ev.PersonaID,
				Round:     ev.Round,
				Text:      ev.VerseText,
				CreatedAt: ev.Timestamp,
			})
		}
		v.Battle.Phase = "idle"
		v.Battle.PhaseDuration = 0
		v.Battle.PhaseStartedAt = 0
	case protocol.PhaseReading:
		v.Battle.Phase = "reading"
		v.Battle.PhaseDuration = ev.Duration
		v.Battle.PhaseStartedAt = ev.Timestamp
	case protocol.PhaseVoting:
		v.Battle.Phase = "voting"
		v.Battle.PhaseDuration = ev.Duration
		v.Battle.PhaseStartedAt = ev.Timestamp
	case protocol.CommentAdded:
		v.Battle.Comments = MergeComments(v.Battle.Comments, []protocol.Comment{ev.Comment})
	case protocol.Warning:
		v.Warning = &ev
	case protocol.PresenceUpdated:
		v.ViewerCount = ev.ViewerCount
		v.AdminConnected = ev.AdminConnected
	case protocol.AutoPlayUpdated:
		v.Battle.AutoPlay = ev.AutoPlay
	case protocol.Pong, protocol.ErrorEvent, protocol.Join, protocol.Ping:
	}
	return v
}

func replaceBattle(v View, next protocol.Battle) View {
	next.Comments = MergeComments(v.Battle.Comments, next.Comments)
	v.Battle = next
	v.Loaded = true
	return v
}

// MergeComments returns the union of local and snapshot keyed by comment id.
// The snapshot's copy wins on conflict; the result is ordered by creation
// time, then id.
func MergeComments(local, snapshot []protocol.Comment) []protocol.Comment {
	byID := make(map[string]protocol.Comment, len(local)+len(snapshot))
	for _, c := range local {
		byID[c.ID] = c
	}
	for _, c := range snapshot {
		byID[c.ID] = c
	}
	out := make([]protocol.Comment, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b protocol.Comment) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt < b.CreatedAt {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
