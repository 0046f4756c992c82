package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrUnknownType = errors.New("unknown event type")
var ErrTypeMismatch = errors.New("event header type does not match variant")

// Encode serializes one event into its flat wire envelope.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil event")
	}
	if e.Meta().Type != e.EventType() {
		return nil, fmt.Errorf("%w: header %q, variant %q", ErrTypeMismatch, e.Meta().Type, e.EventType())
	}
	switch e.(type) {
	case LiveStarted, LiveEnded, Completed, StateSync, VerseStreaming, VerseComplete,
		PhaseReading, PhaseVoting, RoundAdvanced, VoteCast, CommentAdded, Warning,
		PresenceUpdated, AutoPlayUpdated, Pong, ErrorEvent, Join, Ping:
		return json.Marshal(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}
}

// Decode parses an envelope into its concrete variant.
func Decode(data []byte) (Event, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch h.Type {
	case TypeLiveStarted:
		return decodeAs[LiveStarted](data)
	case TypeLiveEnded:
		return decodeAs[LiveEnded](data)
	case TypeCompleted:
		return decodeAs[Completed](data)
	case TypeStateSync:
		return decodeAs[StateSync](data)
	case TypeVerseStreaming:
		return decodeAs[VerseStreaming](data)
	case TypeVerseComplete:
		return decodeAs[VerseComplete](data)
	case TypePhaseReading:
		return decodeAs[PhaseReading](data)
	case TypePhaseVoting:
		return decodeAs[PhaseVoting](data)
	case TypeRoundAdvanced:
		return decodeAs[RoundAdvanced](data)
	case TypeVoteCast:
		return decodeAs[VoteCast](data)
	case TypeCommentAdded:
		return decodeAs[CommentAdded](data)
	case TypeWarning:
		return decodeAs[Warning](data)
	case TypePresence:
		return decodeAs[PresenceUpdated](data)
	case TypeAutoPlayUpdated:
		return decodeAs[AutoPlayUpdated](data)
	case TypePong:
		return decodeAs[Pong](data)
	case TypeError:
		return decodeAs[ErrorEvent](data)
	case TypeJoin:
		return decodeAs[Join](data)
	case TypePing:
		return decodeAs[Ping](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
