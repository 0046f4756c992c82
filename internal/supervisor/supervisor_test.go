package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/dispatch"
	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
	"github.com/devhowyalike/rapgpt-sub001/internal/generator"
	"github.com/devhowyalike/rapgpt-sub001/internal/hub"
	"github.com/devhowyalike/rapgpt-sub001/internal/live"
	"github.com/devhowyalike/rapgpt-sub001/internal/registry"
	"github.com/devhowyalike/rapgpt-sub001/internal/store"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	sup *Supervisor
	svc *live.Service
	hub *hub.Hub
	reg *registry.Registry
	clk *clock.Fake
}

func newEnv(t *testing.T, cfg Config, isLive bool) *env {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	reg := registry.New(clk, zap.NewNop(), nil)
	h := hub.NewHub(ctx, clk, zap.NewNop(), nil)
	t.Cleanup(h.Close)

	disp := dispatch.New(reg, clk, zap.NewNop(), nil)
	svc := live.NewService(ctx, store.NewMemory(), disp, generator.Disabled{}, clk, zap.NewNop(), nil, live.Options{})
	t.Cleanup(svc.Close)
	_, err := svc.CreateBattle(ctx, "B1", "Clash", []engine.Persona{{ID: "a"}, {ID: "b"}}, 3)
	require.NoError(t, err)
	if isLive {
		_, err = svc.StartLive(ctx, "B1")
		require.NoError(t, err)
	}

	sup := New(cfg, h, reg, svc, clk, zap.NewNop())
	return &env{sup: sup, svc: svc, hub: h, reg: reg, clk: clk}
}

func defaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		InactivityTimeout: 30 * time.Minute,
		AdminGracePeriod:  5 * time.Minute,
		WarningLead:       30 * time.Second,
	}
}

func (e *env) connect(t *testing.T, id string, admin bool) *registry.Connection {
	t.Helper()
	c := registry.NewConnection(id, "B1", "client-"+id, admin, e.clk.Now(), 64, nil)
	require.NoError(t, e.reg.Register(c))
	_, err := e.hub.Join(context.Background(), "B1", hub.Member{ConnID: id, IsAdmin: admin, JoinedAt: e.clk.Now()})
	require.NoError(t, err)
	return c
}

// tickUntil advances in heartbeat steps, ticking after each, until elapsed
// since t0 reaches at.
func (e *env) tickUntil(at time.Duration) {
	step := e.sup.cfg.HeartbeatInterval
	for e.clk.Now().Sub(t0) < at {
		e.clk.Advance(step)
		e.sup.Tick(context.Background())
	}
}

func drain(t *testing.T, c *registry.Connection) (events []protocol.Event, closed bool) {
	t.Helper()
	for {
		select {
		case b, ok := <-c.Outbox():
			if !ok {
				return events, true
			}
			ev, err := protocol.Decode(b)
			require.NoError(t, err)
			events = append(events, ev)
		default:
			return events, false
		}
	}
}

func isLive(t *testing.T, e *env) bool {
	t.Helper()
	ok, err := e.svc.IsLive(context.Background(), "B1")
	require.NoError(t, err)
	return ok
}

func TestAdminGrace_EndsExactlyOnceAfterWarning(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, defaultConfig(), true)
	viewer := e.connect(t, "viewer", false)
	e.connect(t, "admin", true)
	_, err := e.hub.Leave(ctx, "B1", "admin")
	require.NoError(t, err)
	e.reg.Unregister("admin")

	e.tickUntil(240 * time.Second)
	evs, _ := drain(t, viewer)
	assert.Empty(t, evs)
	assert.True(t, isLive(t, e))

	e.tickUntil(270 * time.Second)
	evs, _ = drain(t, viewer)
	require.Len(t, evs, 1)
	w := evs[0].(protocol.Warning)
	assert.Equal(t, protocol.WarnAdminTimeout, w.Reason)
	assert.Equal(t, 30, w.SecondsRemaining)
	assert.True(t, isLive(t, e))

	e.tickUntil(360 * time.Second)
	assert.False(t, isLive(t, e))
	evs, closed := drain(t, viewer)
	require.Len(t, evs, 1)
	ended := evs[0].(protocol.LiveEnded)
	assert.Equal(t, protocol.InitiatedByTimeout, ended.InitiatedBy)
	assert.Equal(t, "admin_timeout", ended.Reason)
	assert.True(t, closed, "members are disconnected after the ending")

	room, err := e.hub.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Nil(t, room)
}

func TestAdminGrace_ReconnectCancelsPendingEnding(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, defaultConfig(), true)
	viewer := e.connect(t, "viewer", false)
	e.connect(t, "admin", true)
	_, _ = e.hub.Leave(ctx, "B1", "admin")
	e.reg.Unregister("admin")

	e.tickUntil(270 * time.Second)
	evs, _ := drain(t, viewer)
	require.Len(t, evs, 1)

	e.clk.Advance(10 * time.Second)
	e.connect(t, "admin-again", true)

	e.tickUntil(600 * time.Second)
	assert.True(t, isLive(t, e))
	evs, closed := drain(t, viewer)
	assert.Empty(t, evs)
	assert.False(t, closed)
}

func TestMaxLifetime_OverridesActivity(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxLifetime = time.Hour
	e := newEnv(t, cfg, true)
	viewer := e.connect(t, "viewer", false)
	e.connect(t, "admin", true)

	step := cfg.HeartbeatInterval
	for e.clk.Now().Sub(t0) < 3540*time.Second {
		e.clk.Advance(step)
		e.hub.Touch("B1")
		e.sup.Tick(context.Background())
	}
	assert.True(t, isLive(t, e))
	evs, _ := drain(t, viewer)
	assert.Empty(t, evs)

	e.clk.Advance(step)
	e.hub.Touch("B1")
	e.sup.Tick(context.Background())
	evs, _ = drain(t, viewer)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.WarnMaxLifetime, evs[0].(protocol.Warning).Reason)

	e.clk.Advance(step)
	e.hub.Touch("B1")
	e.sup.Tick(context.Background())
	assert.Equal(t, time.Hour, e.clk.Now().Sub(t0))
	assert.False(t, isLive(t, e))
	evs, _ = drain(t, viewer)
	require.Len(t, evs, 1)
	assert.Equal(t, "max_lifetime", evs[0].(protocol.LiveEnded).Reason)
}

func TestInactivity_FirstSeenExpiredStillWarns(t *testing.T) {
	e := newEnv(t, defaultConfig(), true)
	viewer := e.connect(t, "viewer", false)

	e.clk.Advance(31 * time.Minute)
	e.reg.Heartbeat("viewer")
	e.sup.Tick(context.Background())

	evs, _ := drain(t, viewer)
	require.Len(t, evs, 1)
	w := evs[0].(protocol.Warning)
	assert.Equal(t, protocol.WarnInactivity, w.Reason)
	assert.Equal(t, 30, w.SecondsRemaining)
	assert.True(t, isLive(t, e))

	e.clk.Advance(30 * time.Second)
	e.sup.Tick(context.Background())
	assert.False(t, isLive(t, e))
}

func TestIdleRoomOfStoppedBattleIsRemovedSilently(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, defaultConfig(), false)
	viewer := e.connect(t, "viewer", false)

	e.clk.Advance(31 * time.Minute)
	e.reg.Heartbeat("viewer")
	e.sup.Tick(ctx)

	room, err := e.hub.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Nil(t, room)
	evs, closed := drain(t, viewer)
	assert.Empty(t, evs)
	assert.True(t, closed)
}

func TestLiveness_EvictsSilentConnection(t *testing.T) {
	e := newEnv(t, defaultConfig(), false)
	dead := registry.NewConnection("dead", "B1", "c", false, t0, 8, func(context.Context) error {
		return errors.New("no pong")
	})
	require.NoError(t, e.reg.Register(dead))
	healthy := e.connect(t, "healthy", false)

	e.tickUntil(60 * time.Second)
	_, ok := e.reg.Get("dead")
	assert.True(t, ok, "two intervals of silence are tolerated")

	e.tickUntil(90 * time.Second)
	_, ok = e.reg.Get("dead")
	assert.False(t, ok)
	_, ok = e.reg.Get(healthy.ID)
	assert.True(t, ok)
}

func TestShutdownWarning_ReachesEveryRoom(t *testing.T) {
	e := newEnv(t, defaultConfig(), true)
	viewer := e.connect(t, "viewer", false)

	e.sup.ShutdownWarning(context.Background(), 5*time.Second)

	evs, _ := drain(t, viewer)
	require.Len(t, evs, 1)
	w := evs[0].(protocol.Warning)
	assert.Equal(t, protocol.WarnServerShutdown, w.Reason)
	assert.Equal(t, 5, w.SecondsRemaining)
}

func TestRun_StopsWithContext(t *testing.T) {
	e := newEnv(t, defaultConfig(), false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sup.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
