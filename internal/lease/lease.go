// Package lease provides short-lived named leases used to make sure only one
// replica runs a periodic job per interval.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

// Lease is held by at most one holder until it is released or its TTL ends.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// releaseScript deletes the key only while it still carries our holder id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX.
type RedisLease struct {
	client *redis.Client
	prefix string
	holder string
}

// NewRedisLease connects to redisURL and verifies the connection.
func NewRedisLease(redisURL string) (*RedisLease, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLeaseWithClient(client), nil
}

// NewRedisLeaseWithClient creates a lease from an existing Redis client.
func NewRedisLeaseWithClient(client *redis.Client) *RedisLease {
	return &RedisLease{
		client: client,
		prefix: "lease:",
		holder: util.NewID("holder"),
	}
}

func (l *RedisLease) key(name string) string {
	return l.prefix + name
}

func (l *RedisLease) Holder() string {
	return l.holder
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(name), l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// Release gives the lease up early. Releasing a lease held by someone else,
// or one that already expired, is a no-op.
func (l *RedisLease) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, l.holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

func (l *RedisLease) Close() error {
	return l.client.Close()
}

// Local is the in-process Lease used when no Redis is configured. It only
// coordinates goroutines of the same process.
type Local struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewLocal() *Local {
	return &Local{expires: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.expires[name]; ok && now.Before(until) {
		return false, nil
	}
	l.expires[name] = now.Add(ttl)
	return true, nil
}

func (l *Local) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, name)
	return nil
}
