package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRelayChannel = "facility-wakes"

type wakeMessage struct {
	FacilityID string `json:"facility_id"`
	Origin     string `json:"origin"`
}

// RedisRelay wakes the local broadcaster and publishes the wake so other
// instances can release their own viewers.
type RedisRelay struct {
	rdb     *goredis.Client
	channel string
	origin  string
	local   Waker
	logger  *zap.Logger
}

// RelayOption configures the relay.
type RelayOption func(*RedisRelay)

// WithRelayChannel overrides the pub/sub channel name.
func WithRelayChannel(channel string) RelayOption {
	return func(r *RedisRelay) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(logger *zap.Logger) RelayOption {
	return func(r *RedisRelay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedisRelay constructs a relay around the local waker.
func NewRedisRelay(rdb *goredis.Client, local Waker, opts ...RelayOption) (*RedisRelay, error) {
	if rdb == nil {
		return nil, errors.New("redis relay: nil client")
	}
	if local == nil {
		return nil, errors.New("redis relay: nil local waker")
	}
	r := &RedisRelay{
		rdb:     rdb,
		channel: defaultRelayChannel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Wake implements Waker. Local viewers are released directly; a publish failure
// only affects other instances and is logged.
func (r *RedisRelay) Wake(ctx context.Context, facilityID string) {
	r.local.Wake(ctx, facilityID)
	raw, err := json.Marshal(wakeMessage{FacilityID: facilityID, Origin: r.origin})
	if err != nil {
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.logger.Warn("redis relay publish failed", zap.String("facility_id", facilityID), zap.Error(err))
	}
}

// Forward subscribes to the channel and wakes the local broadcaster for wakes
// published by other instances. It returns once the subscription is confirmed;
// forwarding stops when ctx is done.
func (r *RedisRelay) Forward(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis relay subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				r.handle(ctx, m.Payload)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var msg wakeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("bad redis wake payload", zap.Error(err))
		return
	}
	if msg.FacilityID == "" || msg.Origin == r.origin {
		return
	}
	r.local.Wake(ctx, msg.FacilityID)
}
