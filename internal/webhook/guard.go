package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery is what a guard knows about an event id.
type Delivery int

const (
	// DeliveryAcquired means the caller now owns the event.
	DeliveryAcquired Delivery = iota
	// DeliveryInFlight means another delivery is still processing it.
	DeliveryInFlight
	// DeliveryDone means the event was applied.
	DeliveryDone
)

func (d Delivery) String() string {
	switch d {
	case DeliveryAcquired:
		return "acquired"
	case DeliveryInFlight:
		return "in_flight"
	case DeliveryDone:
		return "done"
	}
	return "unknown"
}

// Guard short-circuits concurrent redeliveries of one event. It is an
// optimisation only: the reconciliation processor is idempotent without it.
type Guard interface {
	// Acquire claims eventID, or reports who holds it.
	Acquire(ctx context.Context, eventID string) (Delivery, error)
	// Complete marks eventID as applied.
	Complete(ctx context.Context, eventID string) error
	// Release frees the key so a failed delivery can be retried.
	Release(ctx context.Context, eventID string) error
}

// NopGuard always acquires.
type NopGuard struct{}

func (NopGuard) Acquire(context.Context, string) (Delivery, error) { return DeliveryAcquired, nil }
func (NopGuard) Complete(context.Context, string) error            { return nil }
func (NopGuard) Release(context.Context, string) error             { return nil }

// KeyPrefix namespaces guard keys.
const KeyPrefix = "rentledger:webhook:"

const (
	valueInFlight = "processing"
	valueDone     = "done"
)

// redisCmds is the part of redis.Cmdable the guard uses.
type redisCmds interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard keeps one key per event id: "processing" while a delivery runs,
// "done" for ttl once it succeeded.
type RedisGuard struct {
	rdb         redisCmds
	ttl         time.Duration
	inFlightTTL time.Duration
}

// NewRedisGuard creates a guard on rdb, usually a *redis.Client.
func NewRedisGuard(rdb redisCmds, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{rdb: rdb, ttl: ttl, inFlightTTL: 2 * time.Minute}
}

func (g *RedisGuard) Acquire(ctx context.Context, eventID string) (Delivery, error) {
	key := KeyPrefix + eventID
	ok, err := g.rdb.SetNX(ctx, key, valueInFlight, g.inFlightTTL).Result()
	if err != nil {
		return DeliveryAcquired, fmt.Errorf("acquiring webhook guard: %w", err)
	}
	if ok {
		return DeliveryAcquired, nil
	}
	val, err := g.rdb.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Released between the two calls; let the gateway retry.
		return DeliveryInFlight, nil
	case err != nil:
		return DeliveryAcquired, fmt.Errorf("reading webhook guard: %w", err)
	case val == valueDone:
		return DeliveryDone, nil
	}
	return DeliveryInFlight, nil
}

func (g *RedisGuard) Complete(ctx context.Context, eventID string) error {
	if err := g.rdb.Set(ctx, KeyPrefix+eventID, valueDone, g.ttl).Err(); err != nil {
		return fmt.Errorf("completing webhook guard: %w", err)
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, eventID string) error {
	if err := g.rdb.Del(ctx, KeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("releasing webhook guard: %w", err)
	}
	return nil
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}
