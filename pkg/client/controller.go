// Package client keeps a battle view in sync with the server over a
// reconnecting socket. Every time the socket (re)connects the controller
// fetches the authoritative snapshot over HTTP and replaces its local state,
// since events may have been missed while it was away.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

type Config struct {
	BattleID string
	ClientID string
	IsAdmin  bool

	PingInterval time.Duration
	NewBackOff   func() backoff.BackOff
}

// DefaultBackOff starts at 500ms, caps at 10s and never gives up.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type Controller struct {
	cfg       Config
	transport Transport
	api       API
	log       *zap.Logger

	mu            sync.Mutex
	status        Status
	view          View
	everConnected bool
	wasLive       bool
	resumed       bool
	listeners     []func(Status, View)

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, t Transport, api API, log *zap.Logger) *Controller {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = DefaultBackOff
	}
	return &Controller{
		cfg:       cfg,
		transport: t,
		api:       api,
		log:       log.Named("client").With(zap.String("battle_id", cfg.BattleID)),
		status:    StatusDisconnected,
		done:      make(chan struct{}),
	}
}

// OnChange registers fn for every status or view change. fn runs on the
// controller's goroutine and must not block.
func (c *Controller) OnChange(fn func(Status, View)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// View returns the current local state. Treat its slices as read-only.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Start connects in the background until Close or ctx ends.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go func() {
		defer close(c.done)
		c.run(ctx)
		c.setStatus(StatusDisconnected)
	}()
}

// Close stops the controller for good; it never reconnects afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-c.done
}

func (c *Controller) run(ctx context.Context) {
	b := c.cfg.NewBackOff()
	for {
		c.setStatus(StatusConnecting)
		conn, err := c.transport.Dial(ctx)
		if err == nil {
			if c.session(ctx, conn) {
				b.Reset()
			}
			_ = conn.Close()
		} else if ctx.Err() == nil {
			c.log.Debug("dial failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		c.setStatus(StatusDisconnected)
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.log.Warn("giving up reconnecting")
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connected socket. It reports whether the socket reached
// the connected state.
func (c *Controller) session(ctx context.Context, conn Conn) bool {
	join := protocol.Join{
		Header:   protocol.NewHeader(protocol.TypeJoin, c.cfg.BattleID, time.Now()),
		ClientID: c.cfg.ClientID,
		IsAdmin:  c.cfg.IsAdmin,
	}
	if err := conn.Send(ctx, join); err != nil {
		c.log.Debug("join failed", zap.Error(err))
		return false
	}

	c.mu.Lock()
	reconnect := c.everConnected
	c.everConnected = true
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	c.resync(ctx, reconnect)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(sctx, conn)

	for {
		e, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info("connection lost", zap.Error(err))
			}
			return true
		}
		c.apply(e)
	}
}

// resync replaces local state with the server's snapshot. An admin that saw
// the battle live before a reconnect and now finds it stopped restarts it,
// once per controller.
func (c *Controller) resync(ctx context.Context, reconnect bool) {
	snap, err := c.api.Snapshot(ctx, c.cfg.BattleID)
	if err != nil {
		c.log.Warn("resync failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	resume := reconnect && c.cfg.IsAdmin && c.wasLive && !snap.IsLive && !c.resumed && snap.Status != "completed"
	if resume {
		c.resumed = true
	}
	c.view = replaceBattle(c.view, snap)
	c.wasLive = snap.IsLive
	c.mu.Unlock()
	c.emit()

	if !resume {
		return
	}
	c.log.Info("battle stopped while disconnected, resuming broadcast")
	if err := c.api.StartLive(ctx, c.cfg.BattleID); err != nil {
		c.log.Warn("auto-resume failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.wasLive = true
	c.mu.Unlock()
}

func (c *Controller) apply(e protocol.Event) {
	c.mu.Lock()
	c.view = Reduce(c.view, e)
	// A system ending (server going away) keeps the resume intent.
	if ended, ok := e.(protocol.LiveEnded); !ok || ended.InitiatedBy != protocol.InitiatedBySystem {
		c.wasLive = c.view.Battle.IsLive
	}
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) pingLoop(ctx context.Context, conn Conn) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			ping := protocol.Ping{Header: protocol.NewHeader(protocol.TypePing, c.cfg.BattleID, now)}
			if err := conn.Send(ctx, ping); err != nil {
				return
			}
		}
	}
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if changed {
		c.emit()
	}
}

func (c *Controller) emit() {
	c.mu.Lock()
	status, view := c.status, c.view
	listeners := append(([]func(Status, View))(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(status, view)
	}
}
