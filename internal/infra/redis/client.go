package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/harvester/internal/core/fault"
)

// Client wraps Redis operations shared by the scheduler lock and the dedup index.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings Redis.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func lockKey(name string) string {
	return fmt.Sprintf("harvester:lock:%s", name)
}

func contentKey(jobID string) string {
	return fmt.Sprintf("harvester:dedup:%s:content", jobID)
}

func perceptualKey(jobID string) string {
	return fmt.Sprintf("harvester:dedup:%s:phash", jobID)
}

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a held named lock.
type Lock struct {
	client *Client
	name   string
	token  string
}

// AcquireLock attempts to take the named lock for ttl. It returns nil when
// another holder owns it.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return nil, fault.Wrap(fault.KindBrokerConnection, "redis setnx", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{client: c, name: name, token: token}, nil
}

// Release releases the lock if it is still ours.
func (l *Lock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client.rdb, []string{lockKey(l.name)}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	return nil
}

// Refresh extends the TTL of the lock. It reports false once the lock was lost.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client.rdb, []string{lockKey(l.name)}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", l.name, err)
	}
	return n == 1, nil
}

// Mutex adapts a named lock to the scheduler's TryLock/Unlock contract.
// It is not safe for concurrent use.
type Mutex struct {
	client *Client
	name   string
	ttl    time.Duration
	held   *Lock
}

// NewMutex creates a mutex over the named lock.
func (c *Client) NewMutex(name string, ttl time.Duration) *Mutex {
	return &Mutex{client: c, name: name, ttl: ttl}
}

// TryLock takes the lock without waiting.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	l, err := m.client.AcquireLock(ctx, m.name, m.ttl)
	if err != nil || l == nil {
		return false, err
	}
	m.held = l
	return true, nil
}

// Unlock releases a lock taken by TryLock.
func (m *Mutex) Unlock(ctx context.Context) error {
	if m.held == nil {
		return nil
	}
	l := m.held
	m.held = nil
	return l.Release(ctx)
}
