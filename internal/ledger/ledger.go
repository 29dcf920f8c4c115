// Package ledger tracks per-user and per-tenant usage counters and enforces
// the admission limits atomically.
package ledger

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// Ledger is the usage accounting contract shared by all backends.
//
// Reserve checks every limit and, only if all pass, increments the request
// counter, the concurrency counter and the reserved minutes of both the user
// and the tenant. A denial is returned as *models.DeniedError and leaves every
// counter untouched.
//
// Commit moves reservedMinutes out of the reservation and charges
// actualMinutes to today and this month. It never denies.
//
// Release frees one concurrency slot and drops outstandingMinutes of
// reservation. Callers invoke it exactly once per admitted job.
type Ledger interface {
	Reserve(ctx context.Context, id models.Identity, estimatedMinutes int) error
	Commit(ctx context.Context, id models.Identity, reservedMinutes, actualMinutes int) error
	Release(ctx context.Context, id models.Identity, outstandingMinutes int) error
	Snapshot(ctx context.Context, id models.Identity) (models.UsageSnapshot, error)
}

// periods holds the UTC bucket keys counters roll over on
type periods struct {
	minute string
	day    string
	month  string
}

func periodsAt(t time.Time) periods {
	return periods{
		minute: models.MinuteKey(t),
		day:    models.DayKey(t),
		month:  models.MonthKey(t),
	}
}

// check evaluates the limits in a fixed order: rate, concurrency, then quota.
// Quotas are per user. A job is admitted while committed plus reserved minutes
// are still below the budget, so its own estimate may overshoot; Commit
// reconciles the difference.
func check(user, tenant models.UsageCounters, limits models.PolicyLimits) models.DenyReason {
	switch {
	case limits.RPMPerUser > 0 && user.RequestsThisMinute >= limits.RPMPerUser:
		return models.DenyRateLimitedUser
	case limits.RPMPerTenant > 0 && tenant.RequestsThisMinute >= limits.RPMPerTenant:
		return models.DenyRateLimitedTenant
	case limits.ConcurrentUser > 0 && user.ConcurrentJobs >= limits.ConcurrentUser:
		return models.DenyConcurrencyLimitedUser
	case limits.ConcurrentTenant > 0 && tenant.ConcurrentJobs >= limits.ConcurrentTenant:
		return models.DenyConcurrencyLimitedTenant
	case limits.MinutesPerDay > 0 && user.MinutesToday+user.ReservedMinutes >= limits.MinutesPerDay:
		return models.DenyQuotaExceededDaily
	case limits.MinutesPerMonth > 0 && user.MinutesThisMonth+user.ReservedMinutes >= limits.MinutesPerMonth:
		return models.DenyQuotaExceededMonthly
	}
	return ""
}

func clampSub(v, d int) int {
	if v -= d; v < 0 {
		return 0
	}
	return v
}
