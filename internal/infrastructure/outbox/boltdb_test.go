package outbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/escrow/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return store
}

func entry(escrowID string) *domain.OutboxEntry {
	return &domain.OutboxEntry{
		EscrowID:    escrowID,
		Command:     domain.CommandFund,
		Kind:        domain.OutboxPendingPersistence,
		TxHash:      "hash-" + escrowID,
		BaseVersion: 2,
		Snapshot: &domain.Escrow{
			ID:      escrowID,
			Balance: decimal.RequireFromString("12.5"),
			Version: 2,
		},
		Result: domain.SubmitResult{Status: domain.LedgerSuccess, Hash: "hash-" + escrowID},
	}
}

func TestPutGetRemove(t *testing.T) {
	store := openStore(t)

	e := entry("e1")
	require.NoError(t, store.Put(e))
	require.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())

	loaded, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "e1", loaded.EscrowID)
	assert.Equal(t, "12.5", loaded.Snapshot.Balance.String())
	assert.Equal(t, domain.LedgerSuccess, loaded.Result.Status)

	size, err := store.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	require.NoError(t, store.Remove(e.ID))
	require.NoError(t, store.Remove(e.ID))
	_, err = store.Get(e.ID)
	assert.ErrorIs(t, err, domain.ErrOutboxNotFound)
}

func TestPutReplacesEntryInPlace(t *testing.T) {
	store := openStore(t)
	first, second := entry("e1"), entry("e2")
	require.NoError(t, store.Put(first))
	require.NoError(t, store.Put(second))

	first.Attempts = 3
	first.Kind = domain.OutboxUnconfirmed
	require.NoError(t, store.Put(first))

	batch, err := store.Batch(10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID, "ordering follows creation time")
	assert.Equal(t, 3, batch[0].Attempts)
	assert.Equal(t, domain.OutboxUnconfirmed, batch[0].Kind)

	limited, err := store.Batch(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestBuryAndRevive(t *testing.T) {
	store := openStore(t)
	e := entry("e1")
	e.Attempts = 10
	require.NoError(t, store.Put(e))

	require.NoError(t, store.Bury(*e, "version conflict"))

	pending, err := store.List(false)
	require.NoError(t, err)
	assert.Empty(t, pending)
	dead, err := store.List(true)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "version conflict", dead[0].LastError)

	loaded, err := store.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "version conflict", loaded.LastError)

	revived, err := store.Revive(e.ID)
	require.NoError(t, err)
	assert.Zero(t, revived.Attempts)
	assert.Empty(t, revived.LastError)

	deadSize, err := store.DeadSize()
	require.NoError(t, err)
	assert.Zero(t, deadSize)
	size, err := store.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestCleanupOnlyExpiresDeadEntries(t *testing.T) {
	store := openStore(t)
	old, fresh, pending := entry("e1"), entry("e2"), entry("e3")
	for _, e := range []*domain.OutboxEntry{old, fresh, pending} {
		require.NoError(t, store.Put(e))
	}
	require.NoError(t, store.Bury(*old, "gave up"))
	cutoff := store.now()
	require.NoError(t, store.Bury(*fresh, "gave up"))

	removed, err := store.Cleanup(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(old.ID)
	assert.ErrorIs(t, err, domain.ErrOutboxNotFound)
	_, err = store.Get(fresh.ID)
	assert.NoError(t, err)
	_, err = store.Get(pending.ID)
	assert.NoError(t, err)
}

func TestPutRejectsEntryWithoutEscrow(t *testing.T) {
	store := openStore(t)
	assert.ErrorIs(t, store.Put(&domain.OutboxEntry{}), domain.ErrInvalidPayload)
}
