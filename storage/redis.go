package storage

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/raniellyferreira/localfirst-replica/protocol"
)

// DefaultRedisPrefix namespaces change log keys
const DefaultRedisPrefix = "localfirst:log:"

// Redis stores each change log as a Redis list
type Redis struct {
	rdb    *redis.Client
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. The caller keeps ownership of it.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection with PING
func DialRedis(ctx context.Context, addr, password, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	r := NewRedis(rdb, prefix)
	r.owned = true
	return r, nil
}

// Log returns the log stored under prefix+name
func (r *Redis) Log(name string) (ChangeLog, error) {
	if name == "" {
		return nil, fmt.Errorf("redis: empty log name")
	}
	return &redisLog{rdb: r.rdb, key: r.prefix + name}, nil
}

// Close closes the client when it was created by DialRedis
func (r *Redis) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}

type redisLog struct {
	rdb *redis.Client
	key string
}

// Append pushes every record with a single RPUSH, which Redis applies
// atomically
func (l *redisLog) Append(ctx context.Context, changes ...protocol.Change) error {
	if len(changes) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(changes))
	for _, c := range changes {
		raw, err := encodeChange(c)
		if err != nil {
			return err
		}
		values = append(values, raw)
	}
	return l.rdb.RPush(ctx, l.key, values...).Err()
}

func (l *redisLog) Load(ctx context.Context) ([]protocol.Change, error) {
	raws, err := l.rdb.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Change, 0, len(raws))
	for i, raw := range raws {
		c, err := decodeChange([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", l.key, i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (l *redisLog) Len(ctx context.Context) (int, error) {
	n, err := l.rdb.LLen(ctx, l.key).Result()
	return int(n), err
}

func (l *redisLog) Close() error {
	return nil
}
