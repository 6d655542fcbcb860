package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
)

type cachedEscrow struct {
	escrow    *domain.Escrow
	expiresAt time.Time
}

type escrowCache struct {
	mu      sync.Mutex
	entries map[string]cachedEscrow
	ttl     time.Duration
	now     func() time.Time
}

// NewEscrowCache returns a process-local EscrowCache used when Redis is disabled.
func NewEscrowCache(ttl time.Duration) repository.EscrowCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &escrowCache{
		entries: make(map[string]cachedEscrow),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *escrowCache) Get(ctx context.Context, id string) (*domain.Escrow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil, domain.ErrEscrowNotFound
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, id)
		return nil, domain.ErrEscrowNotFound
	}
	return entry.escrow.Clone(), nil
}

func (c *escrowCache) Set(ctx context.Context, escrow *domain.Escrow, ttl time.Duration) error {
	if escrow == nil || escrow.ID == "" {
		return domain.ErrInvalidPayload
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.entries[escrow.ID] = cachedEscrow{escrow: escrow.Clone(), expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *escrowCache) Invalidate(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}
