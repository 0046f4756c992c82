// Package stats exposes read-only introspection of rooms and connections.
// The in-process provider reads the hub and registry directly; the remote
// provider fetches the same snapshot from a running server's /stats
// endpoint. Which one is used is decided once at startup.
package stats

import (
	"context"
	"time"

	"github.com/devhowyalike/rapgpt-sub001/internal/hub"
	"github.com/devhowyalike/rapgpt-sub001/internal/registry"
	"github.com/devhowyalike/rapgpt-sub001/internal/supervisor"
)

type Room struct {
	BattleID            string     `json:"battleId"`
	ViewerCount         int        `json:"viewerCount"`
	AdminConnected      bool       `json:"adminConnected"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastActivityAt      time.Time  `json:"lastActivityAt"`
	AdminDisconnectedAt *time.Time `json:"adminDisconnectedAt"`
}

// Config mirrors the supervisor settings in whole seconds.
type Config struct {
	HeartbeatInterval     int `json:"heartbeatInterval"`
	RoomInactivityTimeout int `json:"roomInactivityTimeout"`
	AdminGracePeriod      int `json:"adminGracePeriod"`
	MaxRoomLifetime       int `json:"maxRoomLifetime"`
}

type Snapshot struct {
	TotalConnections int       `json:"totalConnections"`
	TotalRooms       int       `json:"totalRooms"`
	ServerStartedAt  time.Time `json:"serverStartedAt"`
	Rooms            []Room    `json:"rooms"`
	Config           Config    `json:"config"`
}

type Provider interface {
	Stats(ctx context.Context) (Snapshot, error)
}

type InProcess struct {
	hub       *hub.Hub
	reg       *registry.Registry
	cfg       supervisor.Config
	startedAt time.Time
}

func NewInProcess(h *hub.Hub, reg *registry.Registry, cfg supervisor.Config, startedAt time.Time) *InProcess {
	return &InProcess{hub: h, reg: reg, cfg: cfg, startedAt: startedAt}
}

func (p *InProcess) Stats(ctx context.Context) (Snapshot, error) {
	rooms, err := p.hub.Rooms(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		TotalConnections: p.reg.Count(),
		TotalRooms:       len(rooms),
		ServerStartedAt:  p.startedAt,
		Rooms:            make([]Room, 0, len(rooms)),
		Config: Config{
			HeartbeatInterval:     int(p.cfg.HeartbeatInterval / time.Second),
			RoomInactivityTimeout: int(p.cfg.InactivityTimeout / time.Second),
			AdminGracePeriod:      int(p.cfg.AdminGracePeriod / time.Second),
			MaxRoomLifetime:       int(p.cfg.MaxLifetime / time.Second),
		},
	}
	for _, r := range rooms {
		room := Room{
			BattleID:       r.BattleID,
			ViewerCount:    r.ViewerCount,
			AdminConnected: r.AdminConnected,
			CreatedAt:      r.CreatedAt,
			LastActivityAt: r.LastActivityAt,
		}
		if !r.AdminDisconnectedAt.IsZero() {
			at := r.AdminDisconnectedAt
			room.AdminDisconnectedAt = &at
		}
		snap.Rooms = append(snap.Rooms, room)
	}
	return snap, nil
}
