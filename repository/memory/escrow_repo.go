// Package memory provides in-process repositories for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
)

type escrowRepository struct {
	mu      sync.RWMutex
	escrows map[string]*domain.Escrow
	now     func() time.Time
}

// NewEscrowRepository returns a map-backed EscrowRepository with the same
// version semantics as the Postgres implementation.
func NewEscrowRepository() repository.EscrowRepository {
	return &escrowRepository{
		escrows: make(map[string]*domain.Escrow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *escrowRepository) Get(ctx context.Context, id string) (*domain.Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.escrows[id]
	if !ok {
		return nil, domain.ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (r *escrowRepository) Create(ctx context.Context, escrow *domain.Escrow) (*domain.Escrow, error) {
	if escrow == nil {
		return nil, domain.ErrInvalidPayload
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := escrow.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := r.escrows[stored.ID]; exists {
		return nil, domain.ErrEscrowExists
	}
	now := r.now()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.escrows[stored.ID] = stored
	return stored.Clone(), nil
}

func (r *escrowRepository) Put(ctx context.Context, escrow *domain.Escrow, expectedVersion int64) (*domain.Escrow, error) {
	if escrow == nil || escrow.ID == "" {
		return nil, domain.ErrInvalidPayload
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.escrows[escrow.ID]
	if !ok {
		return nil, domain.ErrEscrowNotFound
	}
	if current.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}

	stored := escrow.Clone()
	stored.Version = expectedVersion + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = r.now()
	r.escrows[stored.ID] = stored
	return stored.Clone(), nil
}

func (r *escrowRepository) Query(ctx context.Context, filter repository.EscrowFilter) ([]domain.Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Escrow
	for _, e := range r.escrows {
		if filter.Matches(e) {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 || offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
