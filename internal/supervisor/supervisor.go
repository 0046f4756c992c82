// Package supervisor runs the periodic room sweep: connection liveness,
// inactivity, admin grace and max lifetime. Every check is level-triggered,
// so clearing the triggering condition before the deadline cancels the
// pending ending without any explicit cancel call.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/hub"
	"github.com/devhowyalike/rapgpt-sub001/internal/registry"
	"github.com/devhowyalike/rapgpt-sub001/internal/store"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

const maxConcurrentPings = 32

type Config struct {
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	AdminGracePeriod  time.Duration
	// MaxLifetime 0 disables the lifetime cap.
	MaxLifetime time.Duration
	WarningLead time.Duration
}

// Live is the part of live.Service the supervisor needs.
type Live interface {
	IsLive(ctx context.Context, battleID string) (bool, error)
	EndLive(ctx context.Context, battleID, reason string, initiator protocol.Initiator) (bool, error)
}

// countdown is a warning that went out and the deadline it announced.
type countdown struct {
	reason   protocol.WarningReason
	deadline time.Time
}

type Supervisor struct {
	cfg   Config
	hub   *hub.Hub
	reg   *registry.Registry
	live  Live
	clock clock.Clock
	log   *zap.Logger

	mu         sync.Mutex
	countdowns map[string]countdown
}

func New(cfg Config, h *hub.Hub, reg *registry.Registry, l Live, clk clock.Clock, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		hub:        h,
		reg:        reg,
		live:       l,
		clock:      clk,
		log:        log.Named("supervisor"),
		countdowns: make(map[string]countdown),
	}
}

func (s *Supervisor) Config() Config { return s.cfg }

// Run ticks every heartbeat interval until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor started",
		zap.Duration("interval", s.cfg.HeartbeatInterval),
		zap.Duration("inactivity", s.cfg.InactivityTimeout),
		zap.Duration("admin_grace", s.cfg.AdminGracePeriod),
		zap.Duration("max_lifetime", s.cfg.MaxLifetime))
	for {
		fired := make(chan struct{})
		t := s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() { close(fired) })
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("supervisor stopping")
			return nil
		case <-fired:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep.
func (s *Supervisor) Tick(ctx context.Context) {
	s.checkLiveness(ctx)

	rooms, err := s.hub.Rooms(ctx)
	if err != nil {
		s.log.Warn("list rooms", zap.Error(err))
		return
	}
	seen := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		seen[r.BattleID] = true
		s.checkRoom(ctx, r)
	}

	s.mu.Lock()
	for id := range s.countdowns {
		if !seen[id] {
			delete(s.countdowns, id)
		}
	}
	s.mu.Unlock()
}

// checkLiveness evicts connections silent for two intervals and pings the
// rest. A successful ping counts as a heartbeat.
func (s *Supervisor) checkLiveness(ctx context.Context) {
	now := s.clock.Now()
	limit := 2 * s.cfg.HeartbeatInterval

	var g errgroup.Group
	g.SetLimit(maxConcurrentPings)
	for _, c := range s.reg.Connections() {
		if now.Sub(c.LastHeartbeat()) > limit {
			s.log.Info("evicting silent connection",
				zap.String("conn_id", c.ID),
				zap.String("battle_id", c.RoomID),
				zap.Time("last_heartbeat", c.LastHeartbeat()))
			s.reg.Unregister(c.ID)
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
			defer cancel()
			if err := c.Ping(pctx); err != nil {
				s.log.Debug("ping failed", zap.String("conn_id", c.ID), zap.Error(err))
				return nil
			}
			s.reg.Heartbeat(c.ID)
			return nil
		})
	}
	_ = g.Wait()
}

type deadline struct {
	reason protocol.WarningReason
	at     time.Time
}

// earliest picks the first of the room's active deadlines. Ties go to the
// reason listed first.
func earliest(ds []deadline) (deadline, bool) {
	var best deadline
	found := false
	for _, d := range ds {
		if !found || d.at.Before(best.at) {
			best, found = d, true
		}
	}
	return best, found
}

func (s *Supervisor) deadlines(r hub.RoomInfo, live bool) []deadline {
	var ds []deadline
	if s.cfg.MaxLifetime > 0 {
		ds = append(ds, deadline{protocol.WarnMaxLifetime, r.CreatedAt.Add(s.cfg.MaxLifetime)})
	}
	if live && s.cfg.AdminGracePeriod > 0 && !r.AdminDisconnectedAt.IsZero() {
		ds = append(ds, deadline{protocol.WarnAdminTimeout, r.AdminDisconnectedAt.Add(s.cfg.AdminGracePeriod)})
	}
	if s.cfg.InactivityTimeout > 0 {
		ds = append(ds, deadline{protocol.WarnInactivity, r.LastActivityAt.Add(s.cfg.InactivityTimeout)})
	}
	return ds
}

func (s *Supervisor) checkRoom(ctx context.Context, r hub.RoomInfo) {
	log := s.log.With(zap.String("battle_id", r.BattleID))
	now := s.clock.Now()

	live, err := s.live.IsLive(ctx, r.BattleID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("check live", zap.Error(err))
		return
	}

	d, ok := earliest(s.deadlines(r, live))
	if !live {
		s.clearCountdown(r.BattleID)
		if ok && !now.Before(d.at) {
			log.Info("removing idle room", zap.String("reason", string(d.reason)))
			s.removeRoom(ctx, r.BattleID)
		}
		return
	}

	if !ok || now.Before(d.at.Add(-s.cfg.WarningLead)) {
		if s.clearCountdown(r.BattleID) {
			log.Info("pending ending cleared")
		}
		return
	}

	s.mu.Lock()
	cd, warned := s.countdowns[r.BattleID]
	if warned && cd.reason != d.reason {
		warned = false
	}
	if !warned {
		cd = countdown{reason: d.reason, deadline: d.at}
		// A deadline first seen already expired still gets a full warning.
		if !now.Before(d.at) {
			cd.deadline = now.Add(s.cfg.WarningLead)
		}
		s.countdowns[r.BattleID] = cd
	} else if d.at.After(cd.deadline) {
		cd.deadline = d.at
		s.countdowns[r.BattleID] = cd
	}
	s.mu.Unlock()

	if !warned {
		s.warn(r.BattleID, cd.reason, cd.deadline.Sub(now))
		return
	}
	if now.Before(cd.deadline) {
		return
	}
	s.end(ctx, r.BattleID, cd.reason)
}

func (s *Supervisor) clearCountdown(battleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.countdowns[battleID]
	delete(s.countdowns, battleID)
	return ok
}

func (s *Supervisor) warn(battleID string, reason protocol.WarningReason, remaining time.Duration) {
	secs := int((remaining + time.Second - 1) / time.Second)
	ev := protocol.Warning{
		Header:           protocol.NewHeader(protocol.TypeWarning, battleID, s.clock.Now()),
		Reason:           reason,
		SecondsRemaining: secs,
		Message:          warningMessage(reason, secs),
	}
	n, _ := s.reg.Broadcast(battleID, ev, registry.Passive())
	s.log.Info("ending warning sent",
		zap.String("battle_id", battleID),
		zap.String("reason", string(reason)),
		zap.Int("seconds_remaining", secs),
		zap.Int("recipients", n))
}

func warningMessage(reason protocol.WarningReason, secs int) string {
	switch reason {
	case protocol.WarnInactivity:
		return fmt.Sprintf("Broadcast ends in %ds due to inactivity", secs)
	case protocol.WarnAdminTimeout:
		return fmt.Sprintf("Host disconnected. Broadcast ends in %ds", secs)
	case protocol.WarnMaxLifetime:
		return fmt.Sprintf("Broadcast reached its time limit and ends in %ds", secs)
	case protocol.WarnServerShutdown:
		return fmt.Sprintf("Server restarting in %ds", secs)
	}
	return ""
}

// end stops the broadcast once and tears the room down. Members are closed
// after battle:live_ended is queued, so they still receive it.
func (s *Supervisor) end(ctx context.Context, battleID string, reason protocol.WarningReason) {
	ended, err := s.live.EndLive(ctx, battleID, string(reason), protocol.InitiatedByTimeout)
	if err != nil {
		s.log.Error("end live", zap.String("battle_id", battleID), zap.Error(err))
		return
	}
	s.log.Info("room timed out",
		zap.String("battle_id", battleID),
		zap.String("reason", string(reason)),
		zap.Bool("ended_broadcast", ended))
	s.clearCountdown(battleID)
	s.removeRoom(ctx, battleID)
}

func (s *Supervisor) removeRoom(ctx context.Context, battleID string) {
	if _, err := s.hub.Remove(ctx, battleID); err != nil {
		s.log.Warn("remove room", zap.String("battle_id", battleID), zap.Error(err))
	}
	s.reg.CloseRoom(battleID)
}

// ShutdownWarning tells every room the process is going away.
func (s *Supervisor) ShutdownWarning(ctx context.Context, within time.Duration) {
	rooms, err := s.hub.Rooms(ctx)
	if err != nil {
		s.log.Warn("shutdown warning: list rooms", zap.Error(err))
		return
	}
	for _, r := range rooms {
		s.warn(r.BattleID, protocol.WarnServerShutdown, within)
	}
}
