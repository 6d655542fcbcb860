package services

import (
	"context"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/internal/infrastructure/outbox"
	"github.com/fastygo/escrow/usecase"
)

// OutboxBridge exposes the bbolt outbox through the usecase port.
type OutboxBridge struct {
	store *outbox.Store
}

func NewOutboxBridge(store *outbox.Store) *OutboxBridge {
	return &OutboxBridge{store: store}
}

func (b *OutboxBridge) Record(ctx context.Context, entry *domain.OutboxEntry) error {
	if b.store == nil || entry == nil {
		return domain.ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.store.Put(entry)
}

func (b *OutboxBridge) Complete(ctx context.Context, id string) error {
	if b.store == nil {
		return domain.ErrInvalidPayload
	}
	return b.store.Remove(id)
}

var _ usecase.Outbox = (*OutboxBridge)(nil)
