package repository

import (
	"context"

	"github.com/fastygo/escrow/domain"
)

// DisputeRepository stores dispute headers and their append-only event log.
// Returned disputes carry their events.
type DisputeRepository interface {
	Get(ctx context.Context, id string) (*domain.Dispute, error)
	LatestByEscrow(ctx context.Context, escrowID string) (*domain.Dispute, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]domain.Dispute, error)
	Create(ctx context.Context, dispute *domain.Dispute) (*domain.Dispute, error)
	Update(ctx context.Context, dispute *domain.Dispute) error
	AppendEvent(ctx context.Context, event domain.DisputeEvent) error
}
