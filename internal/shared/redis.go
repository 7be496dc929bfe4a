package shared

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrBelowScript increments KEYS[1] only while it is below ARGV[1].
var incrBelowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < tonumber(ARGV[1]) then
  redis.call('INCR', KEYS[1])
  return 1
end
return 0
`)

// decrFloorScript decrements KEYS[1] and returns -1 instead of going
// negative.
var decrFloorScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  redis.call('SET', KEYS[1], 0)
  return -1
end
return redis.call('DECR', KEYS[1])
`)

// popPollInterval is used for sub-second waits, which BLPOP cannot express.
const popPollInterval = 50 * time.Millisecond

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis implements Store on a Redis server.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

func NewRedis(opts RedisOptions) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}))
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return wrap("ping", "", r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) PushBack(ctx context.Context, key, value string) error {
	return wrap("rpush", key, r.client.RPush(ctx, key, value).Err())
}

func (r *Redis) PushFront(ctx context.Context, key, value string) error {
	return wrap("lpush", key, r.client.LPush(ctx, key, value).Err())
}

func (r *Redis) PopFront(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	if timeout >= time.Second {
		res, err := r.client.BLPop(ctx, timeout, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		if err != nil {
			return "", false, wrap("blpop", key, err)
		}
		// BLPOP replies with [key, value].
		return res[1], true, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		v, err := r.client.LPop(ctx, key).Result()
		if err == nil {
			return v, true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", false, wrap("lpop", key, err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		wait := popPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Redis) Len(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	return n, wrap("llen", key, err)
}

func (r *Redis) IncrBelow(ctx context.Context, key string, ceiling int64) (bool, error) {
	n, err := incrBelowScript.Run(ctx, r.client, []string{key}, ceiling).Int64()
	if err != nil {
		return false, wrap("incr-below", key, err)
	}
	return n == 1, nil
}

func (r *Redis) DecrFloor(ctx context.Context, key string) (int64, bool, error) {
	n, err := decrFloorScript.Run(ctx, r.client, []string{key}).Int64()
	if err != nil {
		return 0, false, wrap("decr-floor", key, err)
	}
	if n < 0 {
		return 0, true, nil
	}
	return n, false, nil
}

func (r *Redis) Counter(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("get", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, wrap("get", key, err)
	}
	return n, nil
}

func (r *Redis) SetCounter(ctx context.Context, key string, value int64) error {
	return wrap("set", key, r.client.Set(ctx, key, value, 0).Err())
}

func (r *Redis) Flag(ctx context.Context, key string) (bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrap("get", key, err)
	}
	return v == "1", nil
}

func (r *Redis) SetFlag(ctx context.Context, key string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return wrap("set", key, r.client.Set(ctx, key, v, 0).Err())
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	return wrap("publish", channel, r.client.Publish(ctx, channel, message).Err())
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, wrap("subscribe", channel, err)
	}

	out := make(chan string, 16)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					// wake signals coalesce; a full buffer already means "wake up"
				}
			}
		}
	}()
	return out, nil
}
