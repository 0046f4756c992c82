package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/metrics"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrUnknownConnection = errors.New("unknown connection")
var ErrDeliveryFailed = errors.New("delivery failed")
var ErrDuplicateConnection = errors.New("connection already registered")

// Connection is one socket. The registry owns it; rooms only hold its id.
type Connection struct {
	ID       string
	RoomID   string
	ClientID string
	IsAdmin  bool
	JoinedAt time.Time

	mu              sync.Mutex
	lastHeartbeatAt time.Time
	out             chan []byte
	closed          bool
	ping            func(ctx context.Context) error
}

// NewConnection builds a connection with a bounded outbox. ping may be nil
// when the transport has no protocol-level ping.
func NewConnection(id, roomID, clientID string, isAdmin bool, now time.Time, buffer int, ping func(ctx context.Context) error) *Connection {
	if buffer <= 0 {
		buffer = 1
	}
	return &Connection{
		ID:              id,
		RoomID:          roomID,
		ClientID:        clientID,
		IsAdmin:         isAdmin,
		JoinedAt:        now,
		lastHeartbeatAt: now,
		out:             make(chan []byte, buffer),
		ping:            ping,
	}
}

// Outbox is drained by the transport writer. It is closed on unregister,
// after which the writer flushes what is left and closes the socket.
func (c *Connection) Outbox() <-chan []byte { return c.out }

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeatAt
}

func (c *Connection) Ping(ctx context.Context) error {
	if c.ping == nil {
		return nil
	}
	return c.ping(ctx)
}

// enqueue never blocks. A full outbox means the client is too slow to keep.
func (c *Connection) enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection %s closed", ErrDeliveryFailed, c.ID)
	}
	select {
	case c.out <- payload:
		return nil
	default:
		return fmt.Errorf("%w: connection %s outbox full", ErrDeliveryFailed, c.ID)
	}
}

func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.out)
	return true
}

type Hooks struct {
	// Activity runs after any successful delivery into a room.
	Activity func(roomID string)
	// Unregistered runs once per connection, after it left the registry.
	Unregistered func(c *Connection)
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[string]*Connection

	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	hooks   Hooks
}

func New(clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		rooms:   make(map[string]map[string]*Connection),
		clock:   clk,
		log:     log.Named("registry"),
		metrics: m,
	}
}

// SetHooks must be called before the registry is shared.
func (r *Registry) SetHooks(h Hooks) { r.hooks = h }

func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; ok {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	r.conns[c.ID] = c
	members := r.rooms[c.RoomID]
	if members == nil {
		members = make(map[string]*Connection)
		r.rooms[c.RoomID] = members
	}
	members[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetConnections(total)
	r.log.Debug("connection registered",
		zap.String("conn_id", c.ID),
		zap.String("battle_id", c.RoomID),
		zap.Bool("admin", c.IsAdmin))
	return nil
}

// Unregister is idempotent. The outbox is closed so the writer can flush
// queued events before closing the socket.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	if members := r.rooms[c.RoomID]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, c.RoomID)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	c.close()
	r.metrics.SetConnections(total)
	r.log.Debug("connection unregistered", zap.String("conn_id", id), zap.String("battle_id", c.RoomID))

	if r.hooks.Unregistered != nil {
		r.hooks.Unregistered(c)
	}
}

// Send delivers to one connection. A failed delivery evicts the connection
// and is returned as ErrDeliveryFailed; it never panics into the caller.
func (r *Registry) Send(id string, e protocol.Event) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	payload, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	if err := c.enqueue(payload); err != nil {
		r.metrics.DeliveryDropped()
		r.Unregister(id)
		return err
	}
	return nil
}

type BroadcastOption func(*broadcastOptions)

type broadcastOptions struct {
	exclude string
	passive bool
}

func ExcludeConnection(id string) BroadcastOption {
	return func(o *broadcastOptions) { o.exclude = id }
}

// Passive broadcasts do not count as room activity. Supervisor warnings use
// it so a countdown cannot keep its own room alive.
func Passive() BroadcastOption {
	return func(o *broadcastOptions) { o.passive = true }
}

// Broadcast encodes e once and enqueues it for every member of roomID. Every
// member is attempted; failures are evicted and returned combined. The count
// is the number of members that accepted the event.
func (r *Registry) Broadcast(roomID string, e protocol.Event, opts ...BroadcastOption) (int, error) {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := protocol.Encode(e)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.rooms[roomID]))
	for id, c := range r.rooms[roomID] {
		if id != o.exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	var (
		delivered int
		errs      error
		failed    []string
	)
	for _, c := range targets {
		if err := c.enqueue(payload); err != nil {
			errs = multierr.Append(errs, err)
			failed = append(failed, c.ID)
			continue
		}
		delivered++
	}

	for _, id := range failed {
		r.metrics.DeliveryDropped()
		r.Unregister(id)
	}
	if errs != nil {
		r.log.Warn("broadcast partially failed",
			zap.String("battle_id", roomID),
			zap.String("type", string(e.EventType())),
			zap.Int("delivered", delivered),
			zap.Error(errs))
	}

	if r.hooks.Activity != nil && !o.passive {
		r.hooks.Activity(roomID)
	}
	return delivered, errs
}

// Heartbeat records liveness for a connection.
func (r *Registry) Heartbeat(id string) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	now := r.clock.Now()
	c.mu.Lock()
	c.lastHeartbeatAt = now
	c.mu.Unlock()
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Connections returns a snapshot; the slice is safe to iterate without locks.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) RoomCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// CloseRoom unregisters every member of roomID. Queued events are still
// flushed by each connection's writer.
func (r *Registry) CloseRoom(roomID string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(id)
	}
	return len(ids)
}
