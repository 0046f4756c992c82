package protocol

import "time"

// Type is the wire discriminant carried in every envelope's "type" field.
type Type string

// Server -> Client
const (
	TypeLiveStarted     Type = "battle:live_started"
	TypeLiveEnded       Type = "battle:live_ended"
	TypeCompleted       Type = "battle:completed"
	TypeStateSync       Type = "state:sync"
	TypeVerseStreaming  Type = "verse:streaming"
	TypeVerseComplete   Type = "verse:complete"
	TypePhaseReading    Type = "phase:reading"
	TypePhaseVoting     Type = "phase:voting"
	TypeRoundAdvanced   Type = "round:advanced"
	TypeVoteCast        Type = "vote:cast"
	TypeCommentAdded    Type = "comment:added"
	TypeWarning         Type = "warning"
	TypePresence        Type = "presence:updated"
	TypeAutoPlayUpdated Type = "autoplay:updated"
	TypePong            Type = "pong"
	TypeError           Type = "error"
)

// Client -> Server
const (
	TypeJoin Type = "join"
	TypePing Type = "ping"
)

type WarningReason string

const (
	WarnInactivity     WarningReason = "inactivity"
	WarnAdminTimeout   WarningReason = "admin_timeout"
	WarnServerShutdown WarningReason = "server_shutdown"
	WarnMaxLifetime    WarningReason = "max_lifetime"
)

// Initiator tells clients who ended a broadcast so the host-ended dialog is
// never shown for timeout endings.
type Initiator string

const (
	InitiatedByAdmin   Initiator = "admin"
	InitiatedByTimeout Initiator = "timeout"
	InitiatedBySystem  Initiator = "system"
)

// Event is the closed set of envelopes exchanged over the socket. Every
// variant is declared in this file; Encode and Decode switch over all of them.
type Event interface {
	EventType() Type
	Meta() Header
	isEvent()
}

// Header is embedded by every variant and flattens into the envelope.
type Header struct {
	Type      Type   `json:"type"`
	BattleID  string `json:"battleId"`
	Timestamp int64  `json:"timestamp"`
}

func (h Header) Meta() Header { return h }

func NewHeader(t Type, battleID string, at time.Time) Header {
	return Header{Type: t, BattleID: battleID, Timestamp: at.UnixMilli()}
}

type LiveStarted struct {
	Header
	Battle Battle `json:"battle"`
}

type LiveEnded struct {
	Header
	Reason      string    `json:"reason"`
	InitiatedBy Initiator `json:"initiatedBy"`
}

type Completed struct {
	Header
	Battle   Battle `json:"battle"`
	WinnerID string `json:"winnerId,omitempty"`
}

type StateSync struct {
	Header
	Battle      Battle `json:"battle"`
	ViewerCount int    `json:"viewerCount"`
}

type VerseStreaming struct {
	Header
	PersonaID  string `json:"personaId"`
	Round      int    `json:"round"`
	Text       string `json:"text"`
	IsComplete bool   `json:"isComplete"`
}

type VerseComplete struct {
	Header
	PersonaID string `json:"personaId"`
	VerseText string `json:"verseText"`
	Round     int    `json:"round"`
}

type PhaseReading struct {
	Header
	Round    int `json:"round"`
	Duration int `json:"duration"`
}

type PhaseVoting struct {
	Header
	Round    int `json:"round"`
	Duration int `json:"duration"`
}

type RoundAdvanced struct {
	Header
	NewRound int    `json:"newRound"`
	Battle   Battle `json:"battle"`
}

type VoteCast struct {
	Header
	Battle Battle `json:"battle"`
}

type CommentAdded struct {
	Header
	Comment Comment `json:"comment"`
}

type Warning struct {
	Header
	Reason           WarningReason `json:"reason"`
	SecondsRemaining int           `json:"secondsRemaining"`
	Message          string        `json:"message,omitempty"`
}

type PresenceUpdated struct {
	Header
	ViewerCount    int  `json:"viewerCount"`
	AdminConnected bool `json:"adminConnected"`
}

type AutoPlayUpdated struct {
	Header
	AutoPlay AutoPlay `json:"autoPlay"`
}

type Pong struct {
	Header
}

type ErrorEvent struct {
	Header
	Message string `json:"message"`
}

type Join struct {
	Header
	ClientID string `json:"clientId"`
	IsAdmin  bool   `json:"isAdmin"`
}

type Ping struct {
	Header
}

func (LiveStarted) EventType() Type     { return TypeLiveStarted }
func (LiveEnded) EventType() Type       { return TypeLiveEnded }
func (Completed) EventType() Type       { return TypeCompleted }
func (StateSync) EventType() Type       { return TypeStateSync }
func (VerseStreaming) EventType() Type  { return TypeVerseStreaming }
func (VerseComplete) EventType() Type   { return TypeVerseComplete }
func (PhaseReading) EventType() Type    { return TypePhaseReading }
func (PhaseVoting) EventType() Type     { return TypePhaseVoting }
func (RoundAdvanced) EventType() Type   { return TypeRoundAdvanced }
func (VoteCast) EventType() Type        { return TypeVoteCast }
func (CommentAdded) EventType() Type    { return TypeCommentAdded }
func (Warning) EventType() Type         { return TypeWarning }
func (PresenceUpdated) EventType() Type { return TypePresence }
func (AutoPlayUpdated) EventType() Type { return TypeAutoPlayUpdated }
func (Pong) EventType() Type            { return TypePong }
func (ErrorEvent) EventType() Type      { return TypeError }
func (Join) EventType() Type            { return TypeJoin }
func (Ping) EventType() Type            { return TypePing }

func (LiveStarted) isEvent()     {}
func (LiveEnded) isEvent()       {}
func (Completed) isEvent()       {}
func (StateSync) isEvent()       {}
func (VerseStreaming) isEvent()  {}
func (VerseComplete) isEvent()   {}
func (PhaseReading) isEvent()    {}
func (PhaseVoting) isEvent()     {}
func (RoundAdvanced) isEvent()   {}
func (VoteCast) isEvent()        {}
func (CommentAdded) isEvent()    {}
func (Warning) isEvent()         {}
func (PresenceUpdated) isEvent() {}
func (AutoPlayUpdated) isEvent() {}
func (Pong) isEvent()            {}
func (ErrorEvent) isEvent()      {}
func (Join) isEvent()            {}
func (Ping) isEvent()            {}
