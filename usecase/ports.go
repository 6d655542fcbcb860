package usecase

import (
	"context"
	"time"

	"github.com/fastygo/escrow/domain"
)

// Ledger is the settlement capability. Build, Sign and Submit run in order for
// every command; Status is polled while a submission is PENDING.
type Ledger interface {
	Build(ctx context.Context, op domain.LedgerOperation) (domain.UnsignedTransaction, error)
	Sign(ctx context.Context, tx domain.UnsignedTransaction, signer string) (domain.SignedTransaction, error)
	Submit(ctx context.Context, tx domain.SignedTransaction) (domain.SubmitResult, error)
	Status(ctx context.Context, hash string) (domain.SubmitResult, error)
}

// Outbox durably records ledger operations whose snapshot has not reached the
// repository yet, so use cases stay storage-agnostic.
type Outbox interface {
	Record(ctx context.Context, entry *domain.OutboxEntry) error
	Complete(ctx context.Context, id string) error
}

// DisputeRecorder keeps the dispute audit record in step with the escrow's
// dispute flag.
type DisputeRecorder interface {
	Open(ctx context.Context, escrow *domain.Escrow, caller, reason string) (*domain.Dispute, error)
	Abandon(ctx context.Context, disputeID, reason string) error
	Settle(ctx context.Context, escrow *domain.Escrow, actor, notes string) error
}

// Metrics receives command outcomes.
type Metrics interface {
	ObserveCommand(command domain.Command, outcome string, elapsed time.Duration)
}

// NopMetrics discards observations.
type NopMetrics struct{}

func (NopMetrics) ObserveCommand(domain.Command, string, time.Duration) {}
