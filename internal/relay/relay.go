// Package relay fans battle events out between server processes over Redis
// pub/sub, so viewers connected to another instance still see them. Each
// process tags what it publishes with its origin id and ignores its own
// messages on the way back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const channelPrefix = "battle:"

// Deliverer hands an event to local sockets only.
type Deliverer interface {
	Deliver(battleID string, e protocol.Event) int
}

type client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type envelope struct {
	Origin string              `json:"origin"`
	Event  jsoniter.RawMessage `json:"event"`
}

type Redis struct {
	client client
	local  Deliverer
	origin string
	log    *zap.Logger

	// newBackOff paces retries after a failed receive.
	newBackOff func() backoff.BackOff
}

// Open connects to url (redis://...) and verifies the connection.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

func New(c *redis.Client, local Deliverer, log *zap.Logger) *Redis {
	return newRelay(c, local, log)
}

func newRelay(c client, local Deliverer, log *zap.Logger) *Redis {
	return &Redis{
		client:     c,
		local:      local,
		origin:     uuid.NewString(),
		log:        log.Named("relay"),
		newBackOff: receiveBackOff,
	}
}

func receiveBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func channel(battleID string) string { return channelPrefix + battleID }

// Publish implements dispatch.Relay.
func (r *Redis) Publish(ctx context.Context, battleID string, e protocol.Event) error {
	payload, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{Origin: r.origin, Event: payload})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel(battleID), msg).Err()
}

// Run receives events published by other processes until ctx ends.
func (r *Redis) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	r.log.Info("relay subscribed", zap.String("origin", r.origin))
	return r.receive(ctx, ps.ReceiveMessage)
}

func (r *Redis) receive(ctx context.Context, next func(context.Context) (*redis.Message, error)) error {
	bo := r.newBackOff()
	for {
		msg, err := next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.ErrClosed) {
				return err
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("relay receive: %w", err)
			}
			r.log.Warn("relay receive", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		r.handle(msg)
	}
}

func (r *Redis) handle(msg *redis.Message) {
	battleID, ok := strings.CutPrefix(msg.Channel, channelPrefix)
	if !ok || battleID == "" {
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.log.Warn("relay: bad envelope", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	e, err := protocol.Decode(env.Event)
	if err != nil {
		r.log.Warn("relay: bad event", zap.String("battle_id", battleID), zap.Error(err))
		return
	}
	r.local.Deliver(battleID, e)
}
