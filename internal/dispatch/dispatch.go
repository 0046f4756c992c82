package dispatch

import (
	"context"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/metrics"
	"github.com/devhowyalike/rapgpt-sub001/internal/registry"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
	"go.uber.org/zap"
)

type Broadcaster interface {
	Broadcast(roomID string, e protocol.Event, opts ...registry.BroadcastOption) (int, error)
}

// Relay forwards events to other processes holding sockets for the same battle.
type Relay interface {
	Publish(ctx context.Context, battleID string, e protocol.Event) error
}

type Dispatcher struct {
	local   Broadcaster
	relay   Relay
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(local Broadcaster, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		local:   local,
		clock:   clk,
		log:     log.Named("dispatch"),
		metrics: m,
	}
}

// SetRelay must be called before the dispatcher is shared.
func (d *Dispatcher) SetRelay(r Relay) { d.relay = r }

// Publish delivers e to every member of the battle's room. Recipient failures
// are handled by the registry and only logged here.
func (d *Dispatcher) Publish(ctx context.Context, battleID string, e protocol.Event) int {
	n := d.Deliver(battleID, e)
	if d.relay != nil {
		if err := d.relay.Publish(ctx, battleID, e); err != nil {
			d.log.Warn("relay publish failed",
				zap.String("battle_id", battleID),
				zap.String("type", string(e.EventType())),
				zap.Error(err))
		}
	}
	return n
}

// Deliver is Publish without the relay hop. The relay uses it for events
// arriving from other processes.
func (d *Dispatcher) Deliver(battleID string, e protocol.Event) int {
	n, err := d.local.Broadcast(battleID, e)
	if err != nil {
		d.log.Debug("some recipients dropped",
			zap.String("battle_id", battleID),
			zap.String("type", string(e.EventType())),
			zap.Error(err))
	}
	d.metrics.EventPublished(string(e.EventType()))
	return n
}

// Header stamps a header for battleID with the dispatcher's clock.
func (d *Dispatcher) Header(t protocol.Type, battleID string) protocol.Header {
	return protocol.NewHeader(t, battleID, d.clock.Now())
}
