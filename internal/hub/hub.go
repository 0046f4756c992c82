package hub

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/metrics"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("hub closed")

type Member struct {
	ConnID   string
	IsAdmin  bool
	JoinedAt time.Time
}

// room is owned by the hub goroutine. Callers only ever see RoomInfo copies.
type room struct {
	battleID            string
	members             map[string]Member
	createdAt           time.Time
	lastActivityAt      time.Time
	adminDisconnectedAt time.Time
}

type RoomInfo struct {
	BattleID            string
	Members             []Member
	CreatedAt           time.Time
	LastActivityAt      time.Time
	AdminDisconnectedAt time.Time // zero while an admin is present or none ever left
	ViewerCount         int
	AdminConnected      bool
}

func (r *room) info() RoomInfo {
	ri := RoomInfo{
		BattleID:            r.battleID,
		Members:             make([]Member, 0, len(r.members)),
		CreatedAt:           r.createdAt,
		LastActivityAt:      r.lastActivityAt,
		AdminDisconnectedAt: r.adminDisconnectedAt,
		ViewerCount:         len(r.members),
	}
	for _, m := range r.members {
		ri.Members = append(ri.Members, m)
		if m.IsAdmin {
			ri.AdminConnected = true
		}
	}
	sort.Slice(ri.Members, func(i, j int) bool { return ri.Members[i].ConnID < ri.Members[j].ConnID })
	return ri
}

func (r *room) hasAdmin() bool {
	for _, m := range r.members {
		if m.IsAdmin {
			return true
		}
	}
	return false
}

type HubMsg interface{ isHubMsg() }

type GetOrCreateRoom struct {
	BattleID string
	Reply    chan RoomInfo
}

type GetRoom struct {
	BattleID string
	Reply    chan *RoomInfo // nil when absent
}

type RemoveRoom struct {
	BattleID string
	Reply    chan bool
}

type JoinRoom struct {
	BattleID string
	Member   Member
	Reply    chan RoomInfo
}

type LeaveRoom struct {
	BattleID string
	ConnID   string
	Reply    chan *RoomInfo
}

type TouchRoom struct {
	BattleID string
}

type ListRooms struct {
	Reply chan []RoomInfo
}

type ShutdownHub struct{}

func (GetOrCreateRoom) isHubMsg() {}
func (GetRoom) isHubMsg()         {}
func (RemoveRoom) isHubMsg()      {}
func (JoinRoom) isHubMsg()        {}
func (LeaveRoom) isHubMsg()       {}
func (TouchRoom) isHubMsg()       {}
func (ListRooms) isHubMsg()       {}
func (ShutdownHub) isHubMsg()     {}

// Hub is the room manager. All room state is confined to one goroutine and
// every mutation arrives through the inbox.
type Hub struct {
	inbox   chan HubMsg
	rooms   map[string]*room
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		rooms:   make(map[string]*room),
		clock:   clk,
		log:     log.Named("hub"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetOrCreateRoom:
				msg.Reply <- h.ensure(msg.BattleID).info()

			case GetRoom:
				if r := h.rooms[msg.BattleID]; r != nil {
					ri := r.info()
					msg.Reply <- &ri
					break
				}
				msg.Reply <- nil

			case RemoveRoom:
				_, ok := h.rooms[msg.BattleID]
				delete(h.rooms, msg.BattleID)
				h.metrics.SetRooms(len(h.rooms))
				if ok {
					h.log.Info("room removed", zap.String("battle_id", msg.BattleID))
				}
				msg.Reply <- ok

			case JoinRoom:
				r := h.ensure(msg.BattleID)
				r.members[msg.Member.ConnID] = msg.Member
				r.lastActivityAt = h.clock.Now()
				if msg.Member.IsAdmin {
					r.adminDisconnectedAt = time.Time{}
				}
				msg.Reply <- r.info()

			case LeaveRoom:
				r := h.rooms[msg.BattleID]
				if r == nil {
					msg.Reply <- nil
					break
				}
				m, ok := r.members[msg.ConnID]
				if ok {
					delete(r.members, msg.ConnID)
					now := h.clock.Now()
					r.lastActivityAt = now
					// Ending the broadcast is the supervisor's call once the grace window passes.
					if m.IsAdmin && !r.hasAdmin() {
						r.adminDisconnectedAt = now
						h.log.Info("last admin left", zap.String("battle_id", msg.BattleID))
					}
				}
				ri := r.info()
				msg.Reply <- &ri

			case TouchRoom:
				if r := h.rooms[msg.BattleID]; r != nil {
					r.lastActivityAt = h.clock.Now()
				}

			case ListRooms:
				out := make([]RoomInfo, 0, len(h.rooms))
				for _, r := range h.rooms {
					out = append(out, r.info())
				}
				sort.Slice(out, func(i, j int) bool { return out[i].BattleID < out[j].BattleID })
				msg.Reply <- out

			case ShutdownHub:
				clear(h.rooms)
				h.metrics.SetRooms(0)
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) ensure(battleID string) *room {
	if r := h.rooms[battleID]; r != nil {
		return r
	}
	now := h.clock.Now()
	r := &room{
		battleID:       battleID,
		members:        make(map[string]Member),
		createdAt:      now,
		lastActivityAt: now,
	}
	h.rooms[battleID] = r
	h.metrics.SetRooms(len(h.rooms))
	h.log.Info("room created", zap.String("battle_id", battleID))
	return r
}

// request sends msg and waits for one reply, giving up when ctx or the hub ends.
func request[T any](ctx context.Context, h *Hub, msg HubMsg, reply chan T) (T, error) {
	var zero T
	select {
	case h.inbox <- msg:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-h.ctx.Done():
		return zero, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-h.ctx.Done():
		return zero, ErrClosed
	}
}

func (h *Hub) GetOrCreate(ctx context.Context, battleID string) (RoomInfo, error) {
	reply := make(chan RoomInfo, 1)
	return request(ctx, h, GetOrCreateRoom{BattleID: battleID, Reply: reply}, reply)
}

func (h *Hub) Get(ctx context.Context, battleID string) (*RoomInfo, error) {
	reply := make(chan *RoomInfo, 1)
	return request(ctx, h, GetRoom{BattleID: battleID, Reply: reply}, reply)
}

func (h *Hub) Remove(ctx context.Context, battleID string) (bool, error) {
	reply := make(chan bool, 1)
	return request(ctx, h, RemoveRoom{BattleID: battleID, Reply: reply}, reply)
}

func (h *Hub) Join(ctx context.Context, battleID string, m Member) (RoomInfo, error) {
	reply := make(chan RoomInfo, 1)
	return request(ctx, h, JoinRoom{BattleID: battleID, Member: m, Reply: reply}, reply)
}

func (h *Hub) Leave(ctx context.Context, battleID, connID string) (*RoomInfo, error) {
	reply := make(chan *RoomInfo, 1)
	return request(ctx, h, LeaveRoom{BattleID: battleID, ConnID: connID, Reply: reply}, reply)
}

func (h *Hub) Rooms(ctx context.Context) ([]RoomInfo, error) {
	reply := make(chan []RoomInfo, 1)
	return request(ctx, h, ListRooms{Reply: reply}, reply)
}

// Touch is fire-and-forget; it drops the update if the inbox is saturated
// rather than stall a broadcast.
func (h *Hub) Touch(battleID string) {
	select {
	case h.inbox <- TouchRoom{BattleID: battleID}:
	case <-h.ctx.Done():
	default:
	}
}

func (h *Hub) Close() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.ctx.Done():
	}
	<-h.ctx.Done()
}
