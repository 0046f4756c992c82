package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/hub"
	"github.com/devhowyalike/rapgpt-sub001/internal/registry"
	"github.com/devhowyalike/rapgpt-sub001/internal/store"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

type Config struct {
	SendBuffer     int
	JoinTimeout    time.Duration
	WriteTimeout   time.Duration
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Snapshots hands out the state:sync snapshot. Attach must keep state
// changes from being published while attach runs, so a connection
// registered inside it misses nothing between snapshot and registration.
type Snapshots interface {
	Attach(ctx context.Context, battleID string, attach func(protocol.Battle) error) error
}

// Server accepts sockets. A socket must send join first; after that it is a
// registry connection in the battle's room until either side closes it.
type Server struct {
	hub   *hub.Hub
	reg   *registry.Registry
	snaps Snapshots
	clock clock.Clock
	log   *zap.Logger
	cfg   Config
}

func NewServer(h *hub.Hub, reg *registry.Registry, snaps Snapshots, clk clock.Clock, log *zap.Logger, cfg Config) *Server {
	return &Server{hub: h, reg: reg, snaps: snaps, clock: clk, log: log.Named("ws"), cfg: cfg.withDefaults()}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.log.Debug("accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	join, err := s.readJoin(ctx, conn)
	if err != nil {
		s.log.Debug("join handshake failed", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, "join required")
		return
	}

	var (
		c    *registry.Connection
		room hub.RoomInfo
	)
	err = s.snaps.Attach(ctx, join.BattleID, func(snap protocol.Battle) error {
		c = registry.NewConnection(uuid.NewString(), join.BattleID, join.ClientID, join.IsAdmin, s.clock.Now(), s.cfg.SendBuffer, conn.Ping)
		if err := s.reg.Register(c); err != nil {
			return err
		}
		var err error
		room, err = s.hub.Join(ctx, c.RoomID, hub.Member{ConnID: c.ID, IsAdmin: c.IsAdmin, JoinedAt: c.JoinedAt})
		if err != nil {
			return err
		}
		// First in the outbox, ahead of anything published after the lock.
		return s.reg.Send(c.ID, protocol.StateSync{
			Header:      protocol.NewHeader(protocol.TypeStateSync, c.RoomID, s.clock.Now()),
			Battle:      snap,
			ViewerCount: room.ViewerCount,
		})
	})
	if err != nil {
		if c != nil {
			s.reg.Unregister(c.ID)
		}
		msg := "failed to join battle"
		if errors.Is(err, store.ErrNotFound) {
			msg = "battle not found"
		}
		s.log.Debug("join rejected", zap.String("battle_id", join.BattleID), zap.Error(err))
		s.writeError(ctx, conn, join.BattleID, msg)
		conn.Close(websocket.StatusPolicyViolation, msg)
		return
	}

	log := s.log.With(zap.String("conn_id", c.ID), zap.String("battle_id", c.RoomID), zap.Bool("admin", c.IsAdmin))
	log.Info("client joined", zap.String("client_id", c.ClientID), zap.Int("viewers", room.ViewerCount))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, c)
	}()
	s.broadcastPresence(room)

	s.readLoop(ctx, conn, c)
	s.reg.Unregister(c.ID)
	<-writerDone
	log.Info("client left")
}

func (s *Server) readJoin(ctx context.Context, conn *websocket.Conn) (protocol.Join, error) {
	jctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()
	_, data, err := conn.Read(jctx)
	if err != nil {
		return protocol.Join{}, err
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		return protocol.Join{}, err
	}
	join, ok := ev.(protocol.Join)
	if !ok || join.BattleID == "" {
		return protocol.Join{}, errors.New("first message must be join")
	}
	return join, nil
}

// readLoop returns when the socket fails or the peer closes it.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *registry.Connection) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				s.log.Debug("read failed", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
		s.reg.Heartbeat(c.ID)

		ev, err := protocol.Decode(data)
		if err != nil {
			_ = s.reg.Send(c.ID, s.errorEvent(c.RoomID, "malformed message"))
			continue
		}
		switch ev.(type) {
		case protocol.Ping:
			_ = s.reg.Send(c.ID, protocol.Pong{Header: protocol.NewHeader(protocol.TypePong, c.RoomID, s.clock.Now())})
		case protocol.Join:
			// Already joined; a repeated join is harmless.
		default:
			_ = s.reg.Send(c.ID, s.errorEvent(c.RoomID, "unsupported message type"))
		}
	}
}

// writeLoop drains the outbox until the registry closes it, then closes the
// socket so queued events (such as battle:live_ended) are delivered first.
func (s *Server) writeLoop(conn *websocket.Conn, c *registry.Connection) {
	for payload := range c.Outbox() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			s.log.Debug("write failed", zap.String("conn_id", c.ID), zap.Error(err))
			s.reg.Unregister(c.ID)
			// Drain so the registry never sees a full outbox for a dead socket.
			for range c.Outbox() {
			}
			conn.CloseNow()
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// OnUnregistered is the registry hook: the connection leaves its room and the
// remaining members learn the new presence.
func (s *Server) OnUnregistered(c *registry.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	room, err := s.hub.Leave(ctx, c.RoomID, c.ID)
	if err != nil {
		s.log.Warn("leave room", zap.String("conn_id", c.ID), zap.Error(err))
		return
	}
	if room != nil {
		s.broadcastPresence(*room)
	}
}

func (s *Server) broadcastPresence(room hub.RoomInfo) {
	_, _ = s.reg.Broadcast(room.BattleID, protocol.PresenceUpdated{
		Header:         protocol.NewHeader(protocol.TypePresence, room.BattleID, s.clock.Now()),
		ViewerCount:    room.ViewerCount,
		AdminConnected: room.AdminConnected,
	})
}

func (s *Server) errorEvent(battleID, msg string) protocol.ErrorEvent {
	return protocol.ErrorEvent{Header: protocol.NewHeader(protocol.TypeError, battleID, s.clock.Now()), Message: msg}
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, battleID, msg string) {
	payload, err := protocol.Encode(s.errorEvent(battleID, msg))
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
