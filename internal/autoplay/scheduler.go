// Package autoplay drives battles without an admin. It performs the same
// two actions an admin would (generate the next verse, advance the round)
// through the live service, so it never bypasses validation or persistence.
package autoplay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
	"github.com/devhowyalike/rapgpt-sub001/internal/live"
)

const DefaultRetryDelay = 2 * time.Second

type Action string

const (
	ActionGenerate Action = "generate"
	ActionAdvance  Action = "advance"
)

// Key identifies one scheduled action. Target is the persona for
// ActionGenerate and empty for ActionAdvance.
type Key struct {
	Round  int
	Action Action
	Target string
}

// Live is the part of live.Service the scheduler acts through.
type Live interface {
	Battle(ctx context.Context, battleID string) (engine.Battle, error)
	GenerationPending(battleID string) bool
	GenerateVerse(ctx context.Context, battleID string) error
	AdvanceRound(ctx context.Context, battleID string, fromRound int) (engine.Battle, error)
}

type entry struct {
	timer clock.Timer
	seq   uint64
}

// Scheduler is level-triggered: Evaluate derives the one action a battle
// wants from its current state and makes the armed timers match. Calling it
// again without a state change is a no-op.
type Scheduler struct {
	ctx   context.Context
	live  Live
	clock clock.Clock
	log   *zap.Logger

	RetryDelay time.Duration

	// evalLocks serialize load-and-reconcile per battle so an evaluation
	// holding an older snapshot cannot undo a newer one.
	evalMu    sync.Mutex
	evalLocks map[string]*sync.Mutex

	mu      sync.Mutex
	seq     uint64
	stopped bool
	battles map[string]map[Key]entry
}

func New(ctx context.Context, l Live, clk clock.Clock, log *zap.Logger) *Scheduler {
	return &Scheduler{
		ctx:        ctx,
		live:       l,
		clock:      clk,
		log:        log.Named("autoplay"),
		RetryDelay: DefaultRetryDelay,
		evalLocks:  make(map[string]*sync.Mutex),
		battles:    make(map[string]map[Key]entry),
	}
}

// Evaluate re-derives the scheduled action for battleID. It is registered as
// a live.Service change observer.
func (s *Scheduler) Evaluate(battleID string) {
	unlock := s.lockEval(battleID)
	defer unlock()

	b, err := s.live.Battle(s.ctx, battleID)
	if err != nil {
		s.log.Warn("evaluate: load battle", zap.String("battle_id", battleID), zap.Error(err))
		return
	}
	key, delay, ok := s.desired(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	keys := s.battles[battleID]
	for k, e := range keys {
		if ok && k == key {
			continue
		}
		e.timer.Stop()
		delete(keys, k)
	}
	if !ok {
		delete(s.battles, battleID)
		return
	}
	if _, armed := keys[key]; armed {
		return
	}
	s.armLocked(battleID, key, delay)
}

func (s *Scheduler) lockEval(battleID string) func() {
	s.evalMu.Lock()
	l, ok := s.evalLocks[battleID]
	if !ok {
		l = &sync.Mutex{}
		s.evalLocks[battleID] = l
	}
	s.evalMu.Unlock()
	l.Lock()
	return l.Unlock
}

// desired returns the action b wants next and how long to wait for it.
func (s *Scheduler) desired(b engine.Battle) (Key, time.Duration, bool) {
	if !b.IsLive || !b.AutoPlay.Enabled || b.Status == engine.StatusCompleted {
		return Key{}, 0, false
	}
	if p, ok := engine.NextPerformer(b); ok {
		if b.Phase != engine.PhaseIdle || s.live.GenerationPending(b.ID) {
			// Completion of the running verse re-triggers evaluation.
			return Key{}, 0, false
		}
		return Key{Round: b.CurrentRound, Action: ActionGenerate, Target: p.ID}, b.AutoPlay.VerseDelay, true
	}
	if engine.RoundComplete(b, b.CurrentRound) && b.AutoPlay.AutoAdvance {
		return Key{Round: b.CurrentRound, Action: ActionAdvance}, s.advanceDelay(b), true
	}
	return Key{}, 0, false
}

// advanceDelay is the time left until reading and voting have both run.
func (s *Scheduler) advanceDelay(b engine.Battle) time.Duration {
	now := s.clock.Now()
	var deadline time.Time
	switch b.Phase {
	case engine.PhaseReading:
		deadline = engine.PhaseDeadline(b).Add(engine.VotingDuration(b))
	case engine.PhaseVoting:
		deadline = engine.PhaseDeadline(b)
	}
	if deadline.IsZero() {
		return engine.ReadingDuration(b) + engine.VotingDuration(b)
	}
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Scheduler) armLocked(battleID string, key Key, delay time.Duration) {
	keys, ok := s.battles[battleID]
	if !ok {
		keys = make(map[Key]entry)
		s.battles[battleID] = keys
	}
	s.seq++
	seq := s.seq
	keys[key] = entry{
		seq:   seq,
		timer: s.clock.AfterFunc(delay, func() { s.fire(battleID, key, seq) }),
	}
	s.log.Debug("scheduled",
		zap.String("battle_id", battleID),
		zap.Int("round", key.Round),
		zap.String("action", string(key.Action)),
		zap.String("target", key.Target),
		zap.Duration("delay", delay))
}

// claim removes the entry for key if it is still the one armed with seq.
func (s *Scheduler) claim(battleID string, key Key, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.battles[battleID][key]
	if !ok || e.seq != seq || s.stopped {
		return false
	}
	delete(s.battles[battleID], key)
	return true
}

func (s *Scheduler) rearm(battleID string, key Key, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, armed := s.battles[battleID][key]; armed {
		return
	}
	s.armLocked(battleID, key, delay)
}

func (s *Scheduler) fire(battleID string, key Key, seq uint64) {
	if !s.claim(battleID, key, seq) {
		return
	}
	log := s.log.With(zap.String("battle_id", battleID), zap.Int("round", key.Round), zap.String("action", string(key.Action)))

	b, err := s.live.Battle(s.ctx, battleID)
	if err != nil {
		log.Warn("fire: load battle", zap.Error(err))
		return
	}
	if want, _, ok := s.desired(b); !ok || want != key {
		log.Debug("scheduled action no longer wanted")
		return
	}

	switch key.Action {
	case ActionGenerate:
		err = s.live.GenerateVerse(s.ctx, battleID)
		if errors.Is(err, live.ErrGenerationInFlight) {
			log.Debug("generation in flight, retrying", zap.Duration("delay", s.RetryDelay))
			s.rearm(battleID, key, s.RetryDelay)
			return
		}
	case ActionAdvance:
		// An admin may have restarted voting since this was armed.
		if d := s.advanceDelay(b); d > 0 && b.Phase != engine.PhaseIdle {
			s.rearm(battleID, key, d)
			return
		}
		_, err = s.live.AdvanceRound(s.ctx, battleID, key.Round)
		if errors.Is(err, engine.ErrStaleRound) {
			log.Debug("round already advanced")
			return
		}
	}
	if err != nil {
		log.Warn("scheduled action failed", zap.Error(err))
	}
}

// Scheduled lists the armed keys for battleID.
func (s *Scheduler) Scheduled(battleID string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.battles[battleID]))
	for k := range s.battles[battleID] {
		out = append(out, k)
	}
	return out
}

// Stop cancels every armed action. Later evaluations are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, keys := range s.battles {
		for _, e := range keys {
			e.timer.Stop()
		}
		delete(s.battles, id)
	}
}
