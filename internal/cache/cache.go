package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// Cache provides idempotency keys and distributed locks on top of Redis
type Cache struct {
	client *redis.Client
	owner  string
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	return connect(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
}

// NewCacheFromURL creates a cache from a redis:// URL
func NewCacheFromURL(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return connect(opts)
}

func connect(opts *redis.Options) (*Cache, error) {
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client, owner: uuid.NewString()}, nil
}

// Client exposes the underlying client for components sharing the connection
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Idempotency Operations

// pendingPrefix marks a claim whose submission has not been admitted yet
const pendingPrefix = "pending:"

func idempotencyKey(id models.Identity, key string) string {
	return fmt.Sprintf("idem:{%s}:%s:%s", id.TenantID, id.UserID, key)
}

// ClaimIdempotencyKey takes a pending claim on key for jobID that lives for
// ttl. When the key is already bound it returns the existing job id and
// claimed=false, with models.ErrIdempotencyInFlight if that submission is
// still pending.
func (c *Cache) ClaimIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string, ttl time.Duration) (string, bool, error) {
	redisKey := idempotencyKey(id, key)

	ok, err := c.client.SetNX(ctx, redisKey, pendingPrefix+jobID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return jobID, true, nil
	}

	existing, err := c.client.Get(ctx, redisKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET, try once more
			return c.ClaimIdempotencyKey(ctx, id, key, jobID, ttl)
		}
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if pending, ok := strings.CutPrefix(existing, pendingPrefix); ok {
		return pending, false, models.ErrIdempotencyInFlight
	}
	return existing, false, nil
}

// confirmScript swaps a pending claim for the final binding
var confirmScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// forgetScript drops a claim only while it is still pending for the caller
var forgetScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ConfirmIdempotencyKey binds key to the admitted jobID for ttl. It fails if
// the pending claim for jobID is gone.
func (c *Cache) ConfirmIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string, ttl time.Duration) error {
	n, err := confirmScript.Run(ctx, c.client, []string{idempotencyKey(id, key)},
		pendingPrefix+jobID, jobID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to confirm idempotency key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("idempotency key %q no longer pending for job %s", key, jobID)
	}
	return nil
}

// ForgetIdempotencyKey drops jobID's pending claim, used when admission is
// denied or fails
func (c *Cache) ForgetIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string) error {
	return forgetScript.Run(ctx, c.client, []string{idempotencyKey(id, key)}, pendingPrefix+jobID).Err()
}

// Locks

// releaseScript deletes the lock only while this cache still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock takes resource for ttl. The lock is owned by this Cache, so a
// peer's ReleaseLock cannot drop it.
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, "lock:"+resource, c.owner, ttl).Result()
}

// ReleaseLock drops the lock if this Cache still holds it
func (c *Cache) ReleaseLock(ctx context.Context, resource string) error {
	return releaseScript.Run(ctx, c.client, []string{"lock:" + resource}, c.owner).Err()
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
