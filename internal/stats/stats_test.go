package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/hub"
	"github.com/devhowyalike/rapgpt-sub001/internal/registry"
	"github.com/devhowyalike/rapgpt-sub001/internal/supervisor"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newInProcess(t *testing.T) (*InProcess, *hub.Hub, *registry.Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	h := hub.NewHub(context.Background(), clk, zap.NewNop(), nil)
	t.Cleanup(h.Close)
	reg := registry.New(clk, zap.NewNop(), nil)
	cfg := supervisor.Config{
		HeartbeatInterval: 30 * time.Second,
		InactivityTimeout: 30 * time.Minute,
		AdminGracePeriod:  5 * time.Minute,
		MaxLifetime:       4 * time.Hour,
	}
	return NewInProcess(h, reg, cfg, t0), h, reg, clk
}

func TestInProcess_ReportsRoomsAndConfig(t *testing.T) {
	ctx := context.Background()
	p, h, reg, clk := newInProcess(t)

	require.NoError(t, reg.Register(registry.NewConnection("c1", "B1", "x", true, t0, 1, nil)))
	require.NoError(t, reg.Register(registry.NewConnection("c2", "B1", "y", false, t0, 1, nil)))
	_, _ = h.Join(ctx, "B1", hub.Member{ConnID: "c1", IsAdmin: true})
	_, _ = h.Join(ctx, "B1", hub.Member{ConnID: "c2"})
	clk.Advance(time.Minute)
	_, _ = h.Leave(ctx, "B1", "c1")

	snap, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalConnections)
	assert.Equal(t, 1, snap.TotalRooms)
	assert.Equal(t, t0, snap.ServerStartedAt)
	assert.Equal(t, Config{HeartbeatInterval: 30, RoomInactivityTimeout: 1800, AdminGracePeriod: 300, MaxRoomLifetime: 14400}, snap.Config)

	require.Len(t, snap.Rooms, 1)
	r := snap.Rooms[0]
	assert.Equal(t, "B1", r.BattleID)
	assert.Equal(t, 1, r.ViewerCount)
	assert.False(t, r.AdminConnected)
	require.NotNil(t, r.AdminDisconnectedAt)
	assert.Equal(t, t0.Add(time.Minute), *r.AdminDisconnectedAt)
}

func TestRemote_FetchesServerSnapshot(t *testing.T) {
	ctx := context.Background()
	local, h, _, _ := newInProcess(t)
	_, _ = h.Join(ctx, "B7", hub.Member{ConnID: "c1"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		snap, err := local.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}))
	defer srv.Close()

	snap, err := NewRemote(srv.URL+"/", nil).Stats(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Rooms, 1)
	assert.Equal(t, "B7", snap.Rooms[0].BattleID)
	assert.Nil(t, snap.Rooms[0].AdminDisconnectedAt)
	assert.Equal(t, 30, snap.Config.HeartbeatInterval)
}

func TestRemote_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, nil)
	for i := 0; i < 3; i++ {
		_, err := remote.Stats(context.Background())
		require.Error(t, err)
	}
	_, err := remote.Stats(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), hits.Load())
}
