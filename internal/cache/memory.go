package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

type claim struct {
	jobID   string
	expires time.Time
	pending bool
}

// MemoryIdempotency is the single-process counterpart of the Redis
// idempotency operations
type MemoryIdempotency struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

// NewMemoryIdempotency creates an empty in-process idempotency store
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{
		claims: make(map[string]claim),
		now:    time.Now,
	}
}

// ClaimIdempotencyKey takes a pending claim on key unless a live claim exists
func (m *MemoryIdempotency) ClaimIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idempotencyKey(id, key)
	now := m.now()
	if c, ok := m.claims[k]; ok && now.Before(c.expires) {
		if c.pending {
			return c.jobID, false, models.ErrIdempotencyInFlight
		}
		return c.jobID, false, nil
	}

	m.claims[k] = claim{jobID: jobID, expires: now.Add(ttl), pending: true}
	return jobID, true, nil
}

// ConfirmIdempotencyKey binds key to the admitted jobID for ttl
func (m *MemoryIdempotency) ConfirmIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idempotencyKey(id, key)
	now := m.now()
	c, ok := m.claims[k]
	if !ok || !c.pending || c.jobID != jobID || !now.Before(c.expires) {
		return fmt.Errorf("idempotency key %q no longer pending for job %s", key, jobID)
	}

	m.claims[k] = claim{jobID: jobID, expires: now.Add(ttl)}
	return nil
}

// ForgetIdempotencyKey drops jobID's pending claim
func (m *MemoryIdempotency) ForgetIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idempotencyKey(id, key)
	if c, ok := m.claims[k]; ok && c.pending && c.jobID == jobID {
		delete(m.claims, k)
	}
	return nil
}
