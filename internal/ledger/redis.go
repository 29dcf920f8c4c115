package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// counterTTL keeps idle rows around long enough to span a monthly period
const counterTTL = 35 * 24 * time.Hour

// rollLua is shared by every script. It resets counters whose period key no
// longer matches. Reserved minutes are never reset.
const rollLua = `
local function roll(key, minute, day, month)
  local cur = redis.call('HMGET', key, 'minute', 'day', 'month')
  if cur[1] ~= minute then redis.call('HSET', key, 'minute', minute, 'requests', 0) end
  if cur[2] ~= day then redis.call('HSET', key, 'day', day, 'today', 0) end
  if cur[3] ~= month then redis.call('HSET', key, 'month', month, 'month_minutes', 0) end
end
local function num(key, field)
  return tonumber(redis.call('HGET', key, field) or '0') or 0
end
local function sub(key, field, d)
  local v = num(key, field) - d
  if v < 0 then v = 0 end
  redis.call('HSET', key, field, v)
end
`

// KEYS: user, tenant
// ARGV: minute, day, month, ttl, estimate, rpmUser, rpmTenant, concUser,
// concTenant, perDay, perMonth
var reserveScript = redis.NewScript(rollLua + `
local u, t = KEYS[1], KEYS[2]
roll(u, ARGV[1], ARGV[2], ARGV[3])
roll(t, ARGV[1], ARGV[2], ARGV[3])
local est = tonumber(ARGV[5])
local rpmU, rpmT = tonumber(ARGV[6]), tonumber(ARGV[7])
local conU, conT = tonumber(ARGV[8]), tonumber(ARGV[9])
local perDay, perMonth = tonumber(ARGV[10]), tonumber(ARGV[11])

if rpmU > 0 and num(u, 'requests') >= rpmU then return 'rate_limited_user' end
if rpmT > 0 and num(t, 'requests') >= rpmT then return 'rate_limited_tenant' end
if conU > 0 and num(u, 'concurrent') >= conU then return 'concurrency_limited_user' end
if conT > 0 and num(t, 'concurrent') >= conT then return 'concurrency_limited_tenant' end
local reserved = num(u, 'reserved')
if perDay > 0 and num(u, 'today') + reserved >= perDay then return 'quota_exceeded_daily' end
if perMonth > 0 and num(u, 'month_minutes') + reserved >= perMonth then return 'quota_exceeded_monthly' end

for _, k in ipairs({u, t}) do
  redis.call('HINCRBY', k, 'requests', 1)
  redis.call('HINCRBY', k, 'concurrent', 1)
  redis.call('HINCRBY', k, 'reserved', est)
  redis.call('EXPIRE', k, ARGV[4])
end
return ''
`)

// KEYS: user, tenant
// ARGV: minute, day, month, ttl, reserved, actual
var commitScript = redis.NewScript(rollLua + `
for _, k in ipairs({KEYS[1], KEYS[2]}) do
  roll(k, ARGV[1], ARGV[2], ARGV[3])
  sub(k, 'reserved', tonumber(ARGV[5]))
  redis.call('HINCRBY', k, 'today', ARGV[6])
  redis.call('HINCRBY', k, 'month_minutes', ARGV[6])
  redis.call('EXPIRE', k, ARGV[4])
end
return ''
`)

// KEYS: user, tenant
// ARGV: minute, day, month, ttl, outstanding
var releaseScript = redis.NewScript(rollLua + `
for _, k in ipairs({KEYS[1], KEYS[2]}) do
  roll(k, ARGV[1], ARGV[2], ARGV[3])
  sub(k, 'concurrent', 1)
  sub(k, 'reserved', tonumber(ARGV[5]))
  redis.call('EXPIRE', k, ARGV[4])
end
return ''
`)

// RedisLedger keeps counters in Redis hashes so that several API and worker
// processes share one view. Every mutation runs as a single Lua script, which
// makes the check-and-increment atomic. Both keys of an identity share the
// tenant hash tag so the scripts also run on Redis Cluster.
type RedisLedger struct {
	client *redis.Client
	limits models.PolicyLimits
	now    func() time.Time
}

// NewRedisLedger creates a ledger backed by client
func NewRedisLedger(client *redis.Client, limits models.PolicyLimits) *RedisLedger {
	return &RedisLedger{client: client, limits: limits, now: time.Now}
}

func userKey(id models.Identity) string {
	return fmt.Sprintf("usage:{%s}:user:%s", id.TenantID, id.UserID)
}

func tenantKey(id models.Identity) string {
	return fmt.Sprintf("usage:{%s}:tenant", id.TenantID)
}

func (l *RedisLedger) run(ctx context.Context, script *redis.Script, id models.Identity, args ...interface{}) (string, error) {
	p := periodsAt(l.now())
	argv := append([]interface{}{p.minute, p.day, p.month, int(counterTTL.Seconds())}, args...)

	res, err := script.Run(ctx, l.client, []string{userKey(id), tenantKey(id)}, argv...).Text()
	if err != nil {
		return "", err
	}
	return res, nil
}

// Reserve admits or denies a job against the configured limits
func (l *RedisLedger) Reserve(ctx context.Context, id models.Identity, estimatedMinutes int) error {
	reason, err := l.run(ctx, reserveScript, id,
		estimatedMinutes,
		l.limits.RPMPerUser, l.limits.RPMPerTenant,
		l.limits.ConcurrentUser, l.limits.ConcurrentTenant,
		l.limits.MinutesPerDay, l.limits.MinutesPerMonth,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve usage: %w", err)
	}
	if reason != "" {
		return models.Deny(models.DenyReason(reason))
	}
	return nil
}

// Commit converts a reservation into consumed minutes
func (l *RedisLedger) Commit(ctx context.Context, id models.Identity, reservedMinutes, actualMinutes int) error {
	if _, err := l.run(ctx, commitScript, id, reservedMinutes, actualMinutes); err != nil {
		return fmt.Errorf("failed to commit usage: %w", err)
	}
	return nil
}

// Release frees the concurrency slot held by one job
func (l *RedisLedger) Release(ctx context.Context, id models.Identity, outstandingMinutes int) error {
	if _, err := l.run(ctx, releaseScript, id, outstandingMinutes); err != nil {
		return fmt.Errorf("failed to release usage: %w", err)
	}
	return nil
}

// Snapshot returns the current counters for the user and its tenant. Expired
// periods read as zero without being written back.
func (l *RedisLedger) Snapshot(ctx context.Context, id models.Identity) (models.UsageSnapshot, error) {
	now := l.now()
	p := periodsAt(now)

	pipe := l.client.Pipeline()
	userCmd := pipe.HGetAll(ctx, userKey(id))
	tenantCmd := pipe.HGetAll(ctx, tenantKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.UsageSnapshot{}, fmt.Errorf("failed to read usage: %w", err)
	}

	return models.UsageSnapshot{
		User:   countersFromHash(userCmd.Val(), p),
		Tenant: countersFromHash(tenantCmd.Val(), p),
		At:     now.UTC(),
	}, nil
}

// Ping checks the Redis connection
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func countersFromHash(h map[string]string, p periods) models.UsageCounters {
	field := func(name string) int {
		n, _ := strconv.Atoi(h[name])
		return n
	}

	c := models.UsageCounters{
		ConcurrentJobs:  field("concurrent"),
		ReservedMinutes: field("reserved"),
	}
	if h["minute"] == p.minute {
		c.RequestsThisMinute = field("requests")
	}
	if h["day"] == p.day {
		c.MinutesToday = field("today")
	}
	if h["month"] == p.month {
		c.MinutesThisMonth = field("month_minutes")
	}
	return c
}
