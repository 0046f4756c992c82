package live

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
	"github.com/devhowyalike/rapgpt-sub001/internal/generator"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

// GenerateVerse starts the next performer's verse and returns once the
// battle is in the generating phase. The verse streams to the room in the
// background. Only one generation per battle may be in flight.
func (s *Service) GenerateVerse(ctx context.Context, battleID string) error {
	unlock := s.lock(battleID)
	if s.GenerationPending(battleID) {
		unlock()
		return ErrGenerationInFlight
	}

	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		unlock()
		return err
	}
	performer, ok := engine.NextPerformer(b)
	if !ok {
		unlock()
		if b.Status == engine.StatusCompleted {
			return engine.ErrBattleCompleted
		}
		return engine.ErrWrongPhase
	}

	started, _, err := s.applyLocked(ctx, battleID, engine.Command{Type: engine.CmdStartVerse, PersonaID: performer.ID})
	if err != nil {
		unlock()
		return err
	}
	s.mu.Lock()
	s.inflight[battleID] = true
	s.mu.Unlock()
	unlock()

	req := generator.Request{
		BattleTitle: started.Title,
		Persona:     performer,
		Opponent:    opponentOf(started, performer.ID),
		Round:       started.CurrentRound,
		MaxRounds:   started.MaxRounds,
		Previous:    slices.Clone(started.Verses),
	}
	s.log.Info("verse generation started",
		zap.String("battle_id", battleID),
		zap.String("persona_id", performer.ID),
		zap.Int("round", req.Round))

	s.spawn(func() { s.runGeneration(battleID, req) })
	return nil
}

func (s *Service) runGeneration(battleID string, req generator.Request) {
	ctx := s.baseCtx
	log := s.log.With(zap.String("battle_id", battleID), zap.String("persona_id", req.Persona.ID), zap.Int("round", req.Round))

	stream := s.disp.NewStream(ctx, battleID, req.Persona.ID, req.Round, s.opts.StreamThrottle)
	began := s.clock.Now()
	res, genErr := s.gen.Generate(ctx, req, stream.Append)
	s.metrics.GenerationObserved(s.clock.Now().Sub(began), genErr)

	if genErr == nil && res.Text == "" {
		res.Text = stream.Text()
	}
	if genErr == nil && res.Text == "" {
		genErr = errors.New("empty verse")
	}

	unlock := s.lock(battleID)
	var (
		events []engine.Event
		err    error
	)
	if genErr != nil {
		_, events, err = s.applyLocked(ctx, battleID, engine.Command{Type: engine.CmdAbortVerse})
		s.disp.Publish(ctx, battleID, protocol.ErrorEvent{
			Header:  s.disp.Header(protocol.TypeError, battleID),
			Message: "verse generation failed",
		})
	} else {
		// The final streaming frame goes out before verse:complete.
		stream.Finish()
		_, events, err = s.applyLocked(ctx, battleID, engine.Command{
			Type:      engine.CmdCompleteVerse,
			PersonaID: req.Persona.ID,
			Round:     req.Round,
			Text:      res.Text,
			Usage:     res.Usage,
		})
	}
	s.mu.Lock()
	delete(s.inflight, battleID)
	s.mu.Unlock()
	unlock()

	switch {
	case genErr != nil:
		// Auto-play stays paused until the next state change re-evaluates it.
		log.Error("verse generation failed", zap.Error(genErr))
		if err != nil {
			log.Error("reset after failed generation", zap.Error(err))
		}
	case err != nil:
		log.Error("complete verse", zap.Error(err))
	default:
		log.Info("verse generated",
			zap.Int("prompt_tokens", res.Usage.PromptTokens),
			zap.Int("completion_tokens", res.Usage.CompletionTokens))
	}
	if len(events) > 0 && genErr == nil {
		s.notify(battleID)
	}
}

func opponentOf(b engine.Battle, personaID string) engine.Persona {
	for _, p := range b.Personas {
		if p.ID != personaID {
			return p
		}
	}
	return engine.Persona{}
}
