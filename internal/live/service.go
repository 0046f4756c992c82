package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/dispatch"
	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
	"github.com/devhowyalike/rapgpt-sub001/internal/generator"
	"github.com/devhowyalike/rapgpt-sub001/internal/hub"
	"github.com/devhowyalike/rapgpt-sub001/internal/metrics"
	"github.com/devhowyalike/rapgpt-sub001/internal/store"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

var ErrGenerationInFlight = errors.New("verse generation already in flight")
var ErrInvalidInput = errors.New("invalid input")

const ReasonAdminStopped = "admin_stopped"

type Options struct {
	StreamThrottle time.Duration
	// Spawn runs a verse generation. Defaults to a new goroutine.
	Spawn func(func())
}

// Service is the only writer of battle state. Every mutation of one battle
// runs under that battle's lock, is persisted, and is then published, so
// REST and WebSocket observers never diverge.
type Service struct {
	store   store.Store
	disp    *dispatch.Dispatcher
	gen     generator.Generator
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	// Generation outlives the HTTP request that started it.
	baseCtx context.Context
	spawn   func(func())

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu        sync.Mutex
	inflight  map[string]bool
	versions  map[string]uint64
	timers    map[string]clock.Timer
	observers []func(battleID string)

	snapshots singleflight.Group
}

func NewService(ctx context.Context, st store.Store, disp *dispatch.Dispatcher, gen generator.Generator, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, opts Options) *Service {
	if opts.Spawn == nil {
		opts.Spawn = func(f func()) { go f() }
	}
	return &Service{
		store:    st,
		disp:     disp,
		gen:      gen,
		clock:    clk,
		log:      log.Named("live"),
		metrics:  m,
		opts:     opts,
		baseCtx:  ctx,
		spawn:    opts.Spawn,
		locks:    make(map[string]*sync.Mutex),
		inflight: make(map[string]bool),
		versions: make(map[string]uint64),
		timers:   make(map[string]clock.Timer),
	}
}

// OnChange registers fn to run after every committed state change of a
// battle. Observers run outside all locks.
func (s *Service) OnChange(fn func(battleID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Service) notify(battleID string) {
	s.mu.Lock()
	obs := append([]func(string){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(battleID)
	}
}

// now is the clock at millisecond precision, the finest resolution that
// survives every store and the wire format unchanged.
func (s *Service) now() time.Time {
	return s.clock.Now().Truncate(time.Millisecond)
}

func (s *Service) lock(battleID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[battleID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[battleID] = l
	}
	s.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) CreateBattle(ctx context.Context, id, title string, personas []engine.Persona, maxRounds int) (engine.Battle, error) {
	if len(personas) != 2 {
		return engine.Battle{}, fmt.Errorf("%w: a battle needs exactly two personas", ErrInvalidInput)
	}
	b := engine.NewBattle(id, title, personas, maxRounds, s.now())
	if err := s.store.CreateBattle(ctx, b); err != nil {
		return engine.Battle{}, err
	}
	s.log.Info("battle created", zap.String("battle_id", id))
	return b, nil
}

func (s *Service) Battle(ctx context.Context, battleID string) (engine.Battle, error) {
	return s.store.GetBattle(ctx, battleID)
}

// Snapshot is the resync read. Concurrent reconnects for one battle share a
// single store load, but only with callers that arrived after the same
// commit, so no caller gets state older than an event it already saw.
func (s *Service) Snapshot(ctx context.Context, battleID string) (protocol.Battle, error) {
	s.mu.Lock()
	key := fmt.Sprintf("%s@%d", battleID, s.versions[battleID])
	s.mu.Unlock()
	v, err, _ := s.snapshots.Do(key, func() (interface{}, error) {
		b, err := s.store.GetBattle(ctx, battleID)
		if err != nil {
			return nil, err
		}
		return View(b), nil
	})
	if err != nil {
		return protocol.Battle{}, err
	}
	return v.(protocol.Battle), nil
}

// Attach loads the battle and hands its snapshot to attach while holding the
// battle lock. Every state change is published under that lock, so a
// connection registered inside attach receives exactly the events that
// follow the snapshot.
func (s *Service) Attach(ctx context.Context, battleID string, attach func(protocol.Battle) error) error {
	unlock := s.lock(battleID)
	defer unlock()
	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		return err
	}
	return attach(View(b))
}

func (s *Service) IsLive(ctx context.Context, battleID string) (bool, error) {
	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		return false, err
	}
	return b.IsLive, nil
}

func (s *Service) GenerationPending(battleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[battleID]
}

func (s *Service) StartLive(ctx context.Context, battleID string) (engine.Battle, error) {
	return s.run(ctx, battleID, engine.Command{Type: engine.CmdStartLive})
}

// StopLive is the admin ending. It fails with engine.ErrNotLive when the
// battle is not live.
func (s *Service) StopLive(ctx context.Context, battleID string) (engine.Battle, error) {
	b, err := s.run(ctx, battleID, engine.Command{
		Type:      engine.CmdStopLive,
		Reason:    ReasonAdminStopped,
		Initiator: string(protocol.InitiatedByAdmin),
	})
	if err == nil {
		s.metrics.LiveEnded(ReasonAdminStopped)
	}
	return b, err
}

// EndLive is the policy ending used by the supervisor and shutdown. It is a
// no-op on a battle that is not live, so a battle is ended at most once.
func (s *Service) EndLive(ctx context.Context, battleID, reason string, initiator protocol.Initiator) (bool, error) {
	_, err := s.run(ctx, battleID, engine.Command{
		Type:      engine.CmdStopLive,
		Reason:    reason,
		Initiator: string(initiator),
	})
	if errors.Is(err, engine.ErrNotLive) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.metrics.LiveEnded(reason)
	s.log.Info("live ended", zap.String("battle_id", battleID), zap.String("reason", reason))
	return true, nil
}

func (s *Service) BeginPhase(ctx context.Context, battleID string, phase engine.Phase, d time.Duration) (engine.Battle, error) {
	return s.run(ctx, battleID, engine.Command{Type: engine.CmdBeginPhase, Phase: phase, Duration: d})
}

// AdvanceRound advances past fromRound. fromRound 0 advances whatever round
// is current; any other value that is no longer current is rejected with
// engine.ErrStaleRound.
func (s *Service) AdvanceRound(ctx context.Context, battleID string, fromRound int) (engine.Battle, error) {
	return s.run(ctx, battleID, engine.Command{Type: engine.CmdAdvanceRound, Round: fromRound})
}

func (s *Service) CastVote(ctx context.Context, battleID string, round int, personaID, userID string) (engine.Battle, error) {
	return s.run(ctx, battleID, engine.Command{Type: engine.CmdCastVote, Round: round, PersonaID: personaID, UserID: userID})
}

// PostComment accepts a client-chosen id so retries are idempotent; an empty
// id gets a fresh one.
func (s *Service) PostComment(ctx context.Context, battleID string, c engine.Comment) (engine.Comment, error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Time{}
	b, err := s.run(ctx, battleID, engine.Command{Type: engine.CmdPostComment, Comment: c})
	if err != nil {
		return engine.Comment{}, err
	}
	for _, existing := range b.Comments {
		if existing.ID == c.ID {
			return existing, nil
		}
	}
	return c, nil
}

func (s *Service) SetAutoPlay(ctx context.Context, battleID string, ap engine.AutoPlay) (engine.Battle, error) {
	return s.run(ctx, battleID, engine.Command{Type: engine.CmdSetAutoPlay, AutoPlay: ap})
}

// run applies cmd under the battle lock, persists, publishes and then
// notifies observers.
func (s *Service) run(ctx context.Context, battleID string, cmd engine.Command) (engine.Battle, error) {
	unlock := s.lock(battleID)
	next, events, err := s.applyLocked(ctx, battleID, cmd)
	unlock()
	if err != nil {
		return next, err
	}
	if len(events) > 0 {
		s.notify(battleID)
	}
	return next, nil
}

// applyLocked must be called with the battle lock held.
func (s *Service) applyLocked(ctx context.Context, battleID string, cmd engine.Command) (engine.Battle, []engine.Event, error) {
	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		return engine.Battle{}, nil, err
	}
	events, next, err := engine.Apply(b, cmd, s.now())
	if err != nil {
		return b, nil, err
	}
	if len(events) == 0 {
		return next, nil, nil
	}
	if err := s.persist(ctx, cmd, next); err != nil {
		return b, nil, fmt.Errorf("persist %s: %w", cmd.Type, err)
	}
	s.mu.Lock()
	s.versions[battleID]++
	s.mu.Unlock()
	s.publish(ctx, next, events)
	s.syncPhaseTimer(next)
	return next, events, nil
}

func (s *Service) persist(ctx context.Context, cmd engine.Command, next engine.Battle) error {
	var c store.Change
	switch cmd.Type {
	case engine.CmdCastVote:
		c.Vote = &next.Votes[len(next.Votes)-1]
	case engine.CmdPostComment:
		c.Comment = &next.Comments[len(next.Comments)-1]
	case engine.CmdCompleteVerse:
		c.Verse = &next.Verses[len(next.Verses)-1]
	}
	return s.store.Commit(ctx, next, c)
}

// publish maps engine events onto wire events.
func (s *Service) publish(ctx context.Context, b engine.Battle, events []engine.Event) {
	id := b.ID
	for _, ev := range events {
		var out protocol.Event
		switch ev.Type {
		case engine.EvtLiveStarted:
			out = protocol.LiveStarted{Header: s.disp.Header(protocol.TypeLiveStarted, id), Battle: View(b)}
		case engine.EvtLiveEnded:
			out = protocol.LiveEnded{
				Header:      s.disp.Header(protocol.TypeLiveEnded, id),
				Reason:      ev.Reason,
				InitiatedBy: protocol.Initiator(ev.Initiator),
			}
		case engine.EvtVerseCompleted:
			out = protocol.VerseComplete{
				Header:    s.disp.Header(protocol.TypeVerseComplete, id),
				PersonaID: ev.PersonaID,
				VerseText: ev.Text,
				Round:     ev.Round,
			}
		case engine.EvtReadingStarted:
			out = protocol.PhaseReading{
				Header:   s.disp.Header(protocol.TypePhaseReading, id),
				Round:    ev.Round,
				Duration: seconds(ev.Duration.Seconds()),
			}
		case engine.EvtVotingStarted:
			out = protocol.PhaseVoting{
				Header:   s.disp.Header(protocol.TypePhaseVoting, id),
				Round:    ev.Round,
				Duration: seconds(ev.Duration.Seconds()),
			}
		case engine.EvtRoundAdvanced:
			out = protocol.RoundAdvanced{Header: s.disp.Header(protocol.TypeRoundAdvanced, id), NewRound: ev.Round, Battle: View(b)}
		case engine.EvtBattleCompleted:
			out = protocol.Completed{Header: s.disp.Header(protocol.TypeCompleted, id), Battle: View(b), WinnerID: ev.WinnerID}
		case engine.EvtVoteCast:
			out = protocol.VoteCast{Header: s.disp.Header(protocol.TypeVoteCast, id), Battle: View(b)}
		case engine.EvtCommentAdded:
			out = protocol.CommentAdded{Header: s.disp.Header(protocol.TypeCommentAdded, id), Comment: commentView(ev.Comment)}
		case engine.EvtAutoPlayChanged:
			out = protocol.AutoPlayUpdated{Header: s.disp.Header(protocol.TypeAutoPlayUpdated, id), AutoPlay: autoPlayView(b.AutoPlay)}
		case engine.EvtVerseStarted, engine.EvtVerseAborted:
			// Audiences learn about generation from verse:streaming.
			continue
		default:
			s.log.Warn("unmapped engine event", zap.String("type", string(ev.Type)))
			continue
		}
		s.disp.Publish(ctx, id, out)
	}
}

// RoomOpener opens the room of a battle. *hub.Hub implements it.
type RoomOpener interface {
	GetOrCreate(ctx context.Context, battleID string) (hub.RoomInfo, error)
}

// Recover rehydrates live battles after a restart: an interrupted generation
// goes back to idle, phase timers are re-armed with their remaining time and
// each battle gets its room back, so inactivity and lifetime limits apply
// even if nobody reconnects.
func (s *Service) Recover(ctx context.Context, rooms RoomOpener) error {
	battles, err := s.store.ListLiveBattles(ctx)
	if err != nil {
		return fmt.Errorf("list live battles: %w", err)
	}
	for _, b := range battles {
		unlock := s.lock(b.ID)
		if b.Phase == engine.PhaseGenerating && !s.GenerationPending(b.ID) {
			if next, _, err := s.applyLocked(ctx, b.ID, engine.Command{Type: engine.CmdAbortVerse}); err != nil {
				s.log.Error("reset interrupted generation", zap.String("battle_id", b.ID), zap.Error(err))
			} else {
				b = next
			}
		}
		s.syncPhaseTimer(b)
		unlock()

		if _, err := rooms.GetOrCreate(ctx, b.ID); err != nil {
			s.log.Error("reopen room", zap.String("battle_id", b.ID), zap.Error(err))
		}

		s.log.Info("recovered live battle",
			zap.String("battle_id", b.ID),
			zap.Int("round", b.CurrentRound),
			zap.String("phase", string(b.Phase)))
		s.notify(b.ID)
	}
	return nil
}

// Close stops every pending phase timer.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
