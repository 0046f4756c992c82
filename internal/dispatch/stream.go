package dispatch

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

// Stream throttles verse:streaming for one verse. Every publish carries the
// full text so far, so a dropped intermediate publish loses nothing, and
// Finish always sends the complete text.
type Stream struct {
	ctx       context.Context
	d         *Dispatcher
	limiter   *rate.Limiter
	battleID  string
	personaID string
	round     int

	text     strings.Builder
	finished bool
}

// NewStream publishes at most once per interval. An interval <= 0 disables
// throttling. Once ctx is done the stream keeps accumulating but stops
// publishing.
func (d *Dispatcher) NewStream(ctx context.Context, battleID, personaID string, round int, interval time.Duration) *Stream {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Stream{
		ctx:       ctx,
		d:         d,
		limiter:   rate.NewLimiter(limit, 1),
		battleID:  battleID,
		personaID: personaID,
		round:     round,
	}
}

func (s *Stream) Append(chunk string) {
	if s.finished || chunk == "" {
		return
	}
	s.text.WriteString(chunk)
	if s.ctx.Err() != nil {
		return
	}
	if s.limiter.AllowN(s.d.clock.Now(), 1) {
		s.publish(false)
	}
}

func (s *Stream) Text() string { return s.text.String() }

// Finish flushes the final un-throttled publish and returns the full text.
func (s *Stream) Finish() string {
	if !s.finished {
		s.finished = true
		if s.ctx.Err() == nil {
			s.publish(true)
		}
	}
	return s.text.String()
}

func (s *Stream) publish(complete bool) {
	s.d.Publish(s.ctx, s.battleID, protocol.VerseStreaming{
		Header:     s.d.Header(protocol.TypeVerseStreaming, s.battleID),
		PersonaID:  s.personaID,
		Round:      s.round,
		Text:       s.text.String(),
		IsComplete: complete,
	})
}
