package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// entry is one counter row with its own lock
type entry struct {
	mu       sync.Mutex
	periods  periods
	counters models.UsageCounters
}

// roll resets the counters whose period has ended. Reserved minutes belong to
// in-flight jobs and survive day boundaries.
func (e *entry) roll(p periods) {
	if e.periods.minute != p.minute {
		e.counters.RequestsThisMinute = 0
	}
	if e.periods.day != p.day {
		e.counters.MinutesToday = 0
	}
	if e.periods.month != p.month {
		e.counters.MinutesThisMonth = 0
	}
	e.periods = p
}

// MemoryLedger keeps counters in process memory. Each user and tenant row is
// locked independently; operations always lock the tenant row before the
// user row.
type MemoryLedger struct {
	limits models.PolicyLimits
	now    func() time.Time

	mu      sync.Mutex
	users   map[models.Identity]*entry
	tenants map[string]*entry
}

// NewMemoryLedger creates an in-process ledger enforcing limits
func NewMemoryLedger(limits models.PolicyLimits) *MemoryLedger {
	return &MemoryLedger{
		limits:  limits,
		now:     time.Now,
		users:   make(map[models.Identity]*entry),
		tenants: make(map[string]*entry),
	}
}

func (l *MemoryLedger) entries(id models.Identity) (*entry, *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tenant, ok := l.tenants[id.TenantID]
	if !ok {
		tenant = &entry{}
		l.tenants[id.TenantID] = tenant
	}
	user, ok := l.users[id]
	if !ok {
		user = &entry{}
		l.users[id] = user
	}
	return tenant, user
}

// locked runs fn with both rows locked and rolled over to the current periods
func (l *MemoryLedger) locked(id models.Identity, fn func(tenant, user *entry)) {
	tenant, user := l.entries(id)
	p := periodsAt(l.now())

	tenant.mu.Lock()
	defer tenant.mu.Unlock()
	user.mu.Lock()
	defer user.mu.Unlock()

	tenant.roll(p)
	user.roll(p)
	fn(tenant, user)
}

// Reserve admits or denies a job against the configured limits
func (l *MemoryLedger) Reserve(ctx context.Context, id models.Identity, estimatedMinutes int) error {
	var reason models.DenyReason
	l.locked(id, func(tenant, user *entry) {
		if reason = check(user.counters, tenant.counters, l.limits); reason != "" {
			return
		}
		for _, e := range []*entry{tenant, user} {
			e.counters.RequestsThisMinute++
			e.counters.ConcurrentJobs++
			e.counters.ReservedMinutes += estimatedMinutes
		}
	})

	if reason != "" {
		return models.Deny(reason)
	}
	return nil
}

// Commit converts a reservation into consumed minutes
func (l *MemoryLedger) Commit(ctx context.Context, id models.Identity, reservedMinutes, actualMinutes int) error {
	l.locked(id, func(tenant, user *entry) {
		for _, e := range []*entry{tenant, user} {
			e.counters.ReservedMinutes = clampSub(e.counters.ReservedMinutes, reservedMinutes)
			e.counters.MinutesToday += actualMinutes
			e.counters.MinutesThisMonth += actualMinutes
		}
	})
	return nil
}

// Release frees the concurrency slot held by one job
func (l *MemoryLedger) Release(ctx context.Context, id models.Identity, outstandingMinutes int) error {
	l.locked(id, func(tenant, user *entry) {
		for _, e := range []*entry{tenant, user} {
			e.counters.ConcurrentJobs = clampSub(e.counters.ConcurrentJobs, 1)
			e.counters.ReservedMinutes = clampSub(e.counters.ReservedMinutes, outstandingMinutes)
		}
	})
	return nil
}

// Snapshot returns the current counters for the user and its tenant
func (l *MemoryLedger) Snapshot(ctx context.Context, id models.Identity) (models.UsageSnapshot, error) {
	var snap models.UsageSnapshot
	l.locked(id, func(tenant, user *entry) {
		snap = models.UsageSnapshot{
			User:   user.counters,
			Tenant: tenant.counters,
			At:     l.now().UTC(),
		}
	})
	return snap, nil
}
