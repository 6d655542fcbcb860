package repository

import (
	"context"
	"time"

	"github.com/fastygo/escrow/domain"
)

// EscrowFilter selects escrows in which Address holds Role. An empty Role
// matches any role.
type EscrowFilter struct {
	Role    domain.Role
	Address string
	Limit   int
	Offset  int
}

// Matches reports whether e satisfies the filter.
func (f EscrowFilter) Matches(e *domain.Escrow) bool {
	if f.Address == "" {
		return true
	}
	if f.Role != "" {
		return e.Roles.Address(f.Role) == f.Address
	}
	return len(domain.ResolveRoles(e, f.Address)) > 0
}

// EscrowRepository persists the escrow aggregate. Put is a compare-and-swap:
// it succeeds only when the stored version equals expectedVersion and
// returns the snapshot with its new version.
type EscrowRepository interface {
	Get(ctx context.Context, id string) (*domain.Escrow, error)
	Create(ctx context.Context, escrow *domain.Escrow) (*domain.Escrow, error)
	Put(ctx context.Context, escrow *domain.Escrow, expectedVersion int64) (*domain.Escrow, error)
	Query(ctx context.Context, filter EscrowFilter) ([]domain.Escrow, error)
}

// EscrowCache holds read snapshots keyed by escrow id. A miss returns
// domain.ErrEscrowNotFound.
type EscrowCache interface {
	Get(ctx context.Context, id string) (*domain.Escrow, error)
	Set(ctx context.Context, escrow *domain.Escrow, ttl time.Duration) error
	Invalidate(ctx context.Context, id string) error
}
