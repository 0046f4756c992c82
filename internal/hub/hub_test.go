package hub

import (
	"context"
	"testing"
	"time"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestHub(t *testing.T) (*Hub, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	h := NewHub(context.Background(), clk, zap.NewNop(), nil)
	t.Cleanup(h.Close)
	return h, clk
}

func TestHub_GetOrCreate_Get_SameRoom(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)

	r1, err := h.GetOrCreate(ctx, "B1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	r2, err := h.Get(ctx, "B1")
	if err != nil || r2 == nil {
		t.Fatalf("Get: %v %v", r2, err)
	}
	if r1.BattleID != r2.BattleID || !r1.CreatedAt.Equal(r2.CreatedAt) {
		t.Fatalf("expected the same room, got %+v and %+v", r1, r2)
	}

	missing, err := h.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected no room, got %+v %v", missing, err)
	}
}

func TestHub_LastAdminLeaveSetsDisconnectedAt(t *testing.T) {
	ctx := context.Background()
	h, clk := newTestHub(t)

	_, _ = h.Join(ctx, "B1", Member{ConnID: "admin-1", IsAdmin: true})
	_, _ = h.Join(ctx, "B1", Member{ConnID: "admin-2", IsAdmin: true})
	_, _ = h.Join(ctx, "B1", Member{ConnID: "viewer", IsAdmin: false})

	clk.Advance(time.Minute)
	ri, _ := h.Leave(ctx, "B1", "admin-1")
	if !ri.AdminDisconnectedAt.IsZero() {
		t.Fatalf("another admin is still connected")
	}

	clk.Advance(time.Minute)
	ri, _ = h.Leave(ctx, "B1", "admin-2")
	if want := t0.Add(2 * time.Minute); !ri.AdminDisconnectedAt.Equal(want) {
		t.Fatalf("adminDisconnectedAt: got %v want %v", ri.AdminDisconnectedAt, want)
	}
	if ri.AdminConnected || ri.ViewerCount != 1 {
		t.Fatalf("unexpected presence: %+v", ri)
	}

	// An admin rejoining clears the pending grace window.
	ri2, _ := h.Join(ctx, "B1", Member{ConnID: "admin-3", IsAdmin: true})
	if !ri2.AdminDisconnectedAt.IsZero() || !ri2.AdminConnected {
		t.Fatalf("admin rejoin should clear disconnect: %+v", ri2)
	}
}

func TestHub_EmptyRoomIsRetained(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)

	_, _ = h.Join(ctx, "B1", Member{ConnID: "v1"})
	_, _ = h.Leave(ctx, "B1", "v1")

	ri, _ := h.Get(ctx, "B1")
	if ri == nil || ri.ViewerCount != 0 {
		t.Fatalf("empty room must survive until the supervisor removes it, got %+v", ri)
	}

	removed, _ := h.Remove(ctx, "B1")
	if !removed {
		t.Fatalf("expected removal")
	}
	if ri, _ := h.Get(ctx, "B1"); ri != nil {
		t.Fatalf("room still present")
	}
}

func TestHub_TouchUpdatesActivity(t *testing.T) {
	ctx := context.Background()
	h, clk := newTestHub(t)

	_, _ = h.GetOrCreate(ctx, "B1")
	clk.Advance(10 * time.Second)
	h.Touch("B1")

	// Rooms is processed after Touch because the inbox is FIFO.
	rooms, _ := h.Rooms(ctx)
	if len(rooms) != 1 || !rooms[0].LastActivityAt.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("unexpected rooms: %+v", rooms)
	}
}

func TestHub_ClosedHubReturnsError(t *testing.T) {
	clk := clock.NewFake(t0)
	h := NewHub(context.Background(), clk, zap.NewNop(), nil)
	h.Close()

	if _, err := h.GetOrCreate(context.Background(), "B1"); err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}
