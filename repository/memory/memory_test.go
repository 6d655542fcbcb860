package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
)

func sampleEscrow(id, approver string) *domain.Escrow {
	return &domain.Escrow{
		ID:      id,
		Title:   "Logo",
		Amount:  decimal.NewFromInt(100),
		Balance: decimal.Zero,
		Roles: domain.Roles{
			Approver:        approver,
			ServiceProvider: "sp",
			PlatformAddress: "platform",
			ReleaseSigner:   "signer",
			DisputeResolver: "resolver",
			Receiver:        "receiver",
		},
		Milestones: domain.Milestones{{ID: "m1", Description: "logo", Status: domain.MilestonePending}},
	}
}

func TestEscrowRepositoryCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewEscrowRepository()

	created, err := repo.Create(ctx, sampleEscrow("e1", "alice"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, created.Version)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = repo.Create(ctx, sampleEscrow("e1", "alice"))
	assert.True(t, domain.IsConflict(err))

	next := created.Clone()
	next.Balance = decimal.NewFromInt(100)
	saved, err := repo.Put(ctx, next, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, saved.Version)
	assert.Equal(t, created.CreatedAt, saved.CreatedAt)

	// a writer that read version 1 loses
	stale := created.Clone()
	stale.Title = "stale"
	_, err = repo.Put(ctx, stale, 1)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Logo", got.Title)
	assert.Equal(t, "100", got.Balance.String())

	_, err = repo.Put(ctx, sampleEscrow("missing", "alice"), 1)
	assert.ErrorIs(t, err, domain.ErrEscrowNotFound)
}

func TestEscrowRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewEscrowRepository()
	_, err := repo.Create(ctx, sampleEscrow("e1", "alice"))
	require.NoError(t, err)

	got, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	got.Milestones[0].Description = "mutated"

	again, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "logo", again.Milestones[0].Description)
}

func TestEscrowRepositoryQuery(t *testing.T) {
	ctx := context.Background()
	repo := NewEscrowRepository()
	for _, e := range []*domain.Escrow{sampleEscrow("e1", "alice"), sampleEscrow("e2", "bob"), sampleEscrow("e3", "alice")} {
		_, err := repo.Create(ctx, e)
		require.NoError(t, err)
	}

	got, err := repo.Query(ctx, repository.EscrowFilter{Role: domain.RoleApprover, Address: "alice"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = repo.Query(ctx, repository.EscrowFilter{Role: domain.RoleServiceProvider, Address: "alice"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = repo.Query(ctx, repository.EscrowFilter{Address: "sp"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = repo.Query(ctx, repository.EscrowFilter{Address: "sp", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDisputeRepositorySingleActivePerEscrow(t *testing.T) {
	ctx := context.Background()
	repo := NewDisputeRepository()

	first, err := repo.Create(ctx, &domain.Dispute{EscrowID: "e1", Status: domain.DisputePending})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	_, err = repo.Create(ctx, &domain.Dispute{EscrowID: "e1", Status: domain.DisputePending})
	assert.ErrorIs(t, err, domain.ErrDisputeActive)

	first.Status = domain.DisputeCancelled
	require.NoError(t, repo.Update(ctx, first))

	second, err := repo.Create(ctx, &domain.Dispute{EscrowID: "e1", Status: domain.DisputePending})
	require.NoError(t, err)

	latest, err := repo.LatestByEscrow(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	all, err := repo.ListByEscrow(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDisputeRepositoryEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewDisputeRepository()
	d, err := repo.Create(ctx, &domain.Dispute{EscrowID: "e1", Status: domain.DisputePending})
	require.NoError(t, err)

	require.NoError(t, repo.AppendEvent(ctx, domain.DisputeEvent{DisputeID: d.ID, Type: domain.DisputeEventMessage}))

	// header updates never rewrite the log
	d.Events = nil
	d.Reason = "updated"
	require.NoError(t, repo.Update(ctx, d))

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Reason)
	require.Len(t, got.Events, 1)
	assert.NotEmpty(t, got.Events[0].ID)

	assert.ErrorIs(t, repo.AppendEvent(ctx, domain.DisputeEvent{DisputeID: "nope"}), domain.ErrDisputeNotFound)
}

func TestEscrowCacheExpiresAndInvalidates(t *testing.T) {
	ctx := context.Background()
	cache := NewEscrowCache(time.Minute).(*escrowCache)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	_, err := cache.Get(ctx, "e1")
	assert.ErrorIs(t, err, domain.ErrEscrowNotFound)

	require.NoError(t, cache.Set(ctx, sampleEscrow("e1", "alice"), 0))
	got, err := cache.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)

	now = now.Add(2 * time.Minute)
	_, err = cache.Get(ctx, "e1")
	assert.ErrorIs(t, err, domain.ErrEscrowNotFound)

	require.NoError(t, cache.Set(ctx, sampleEscrow("e1", "alice"), time.Hour))
	require.NoError(t, cache.Invalidate(ctx, "e1"))
	_, err = cache.Get(ctx, "e1")
	assert.ErrorIs(t, err, domain.ErrEscrowNotFound)
}
