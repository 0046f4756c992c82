package live

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

// syncPhaseTimer arms the deadline of b's current phase, replacing whatever
// timer the battle had. Must be called with the battle lock held.
func (s *Service) syncPhaseTimer(b engine.Battle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[b.ID]; ok {
		t.Stop()
		delete(s.timers, b.ID)
	}

	if !b.IsLive || b.Status == engine.StatusCompleted {
		return
	}
	if b.Phase != engine.PhaseReading && b.Phase != engine.PhaseVoting {
		return
	}
	deadline := engine.PhaseDeadline(b)
	if deadline.IsZero() {
		return
	}

	remaining := deadline.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	id, phase, round, started := b.ID, b.Phase, b.CurrentRound, b.PhaseStartedAt
	s.timers[b.ID] = s.clock.AfterFunc(remaining, func() {
		s.onPhaseExpired(id, phase, round, started)
	})
}

// onPhaseExpired re-checks that the phase the timer was armed for is still
// the current one; anything else means the timer is stale.
func (s *Service) onPhaseExpired(battleID string, phase engine.Phase, round int, startedAt time.Time) {
	ctx := s.baseCtx
	log := s.log.With(zap.String("battle_id", battleID), zap.Int("round", round), zap.String("phase", string(phase)))

	unlock := s.lock(battleID)
	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		unlock()
		log.Error("phase timer: load battle", zap.Error(err))
		return
	}
	if !b.IsLive || b.Phase != phase || b.CurrentRound != round || b.PhaseStartedAt.UnixMilli() != startedAt.UnixMilli() {
		unlock()
		log.Debug("phase timer stale")
		return
	}

	var cmd engine.Command
	switch phase {
	case engine.PhaseReading:
		cmd = engine.Command{Type: engine.CmdBeginPhase, Phase: engine.PhaseVoting, Duration: engine.VotingDuration(b)}
	case engine.PhaseVoting:
		if !b.AutoPlay.AutoAdvance {
			// Voting stays open until the admin advances.
			unlock()
			return
		}
		cmd = engine.Command{Type: engine.CmdAdvanceRound, Round: round}
	default:
		unlock()
		return
	}

	_, events, err := s.applyLocked(ctx, battleID, cmd)
	unlock()
	switch {
	case errors.Is(err, engine.ErrStaleRound):
		log.Debug("phase timer lost the race to another advance")
	case err != nil:
		log.Error("phase timer transition", zap.Error(err))
	case len(events) > 0:
		s.notify(battleID)
	}
}
