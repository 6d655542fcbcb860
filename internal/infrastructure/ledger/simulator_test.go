package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/escrow/domain"
)

func settleOnSimulator(t *testing.T, sim *Simulator, op domain.LedgerOperation) domain.SubmitResult {
	t.Helper()
	ctx := context.Background()
	unsigned, err := sim.Build(ctx, op)
	require.NoError(t, err)
	signed, err := sim.Sign(ctx, unsigned, op.Signer)
	require.NoError(t, err)
	result, err := sim.Submit(ctx, signed)
	require.NoError(t, err)
	return result
}

func TestSimulatorConfirmsAfterPendingChecks(t *testing.T) {
	sim := NewSimulator(2, nil)
	ctx := context.Background()

	submitted := settleOnSimulator(t, sim, domain.LedgerOperation{
		Kind:     domain.CommandInitialize,
		EscrowID: "e1",
		Signer:   "GPLATFORM",
	})
	assert.Equal(t, domain.LedgerPending, submitted.Status)
	assert.Len(t, submitted.Hash, 66)

	for i := 0; i < 2; i++ {
		status, err := sim.Status(ctx, submitted.Hash)
		require.NoError(t, err)
		assert.Equal(t, domain.LedgerPending, status.Status)
	}
	status, err := sim.Status(ctx, submitted.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerSuccess, status.Status)
	assert.Equal(t, submitted.Hash, status.Hash)
	assert.Regexp(t, `^C[0-9A-F]{40}$`, status.ContractID())
}

func TestSimulatorRejectsOnce(t *testing.T) {
	sim := NewSimulator(0, nil)
	sim.Reject(domain.CommandRelease, domain.LedgerCodeAlreadyReleased)

	op := domain.LedgerOperation{Kind: domain.CommandRelease, EscrowID: "e1", ContractID: "C1", Signer: "GSIGNER"}
	first := settleOnSimulator(t, sim, op)
	assert.Equal(t, domain.LedgerFailed, first.Status)
	assert.Equal(t, domain.LedgerCodeAlreadyReleased, first.ErrorCode)

	second := settleOnSimulator(t, sim, op)
	assert.Equal(t, domain.LedgerSuccess, second.Status)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestSimulatorValidatesOperations(t *testing.T) {
	sim := NewSimulator(0, nil)
	ctx := context.Background()

	_, err := sim.Build(ctx, domain.LedgerOperation{Kind: domain.CommandFund, EscrowID: "e1"})
	assert.True(t, domain.IsLedger(err), "operations on an escrow need its contract")

	unsigned, err := sim.Build(ctx, domain.LedgerOperation{Kind: domain.CommandFund, EscrowID: "e1", ContractID: "C1"})
	require.NoError(t, err)
	_, err = sim.Sign(ctx, unsigned, "")
	assert.True(t, domain.IsLedger(err))

	_, err = sim.Submit(ctx, domain.SignedTransaction{XDR: unsigned.XDR})
	assert.True(t, domain.IsLedger(err), "unsigned transactions are refused")

	_, err = sim.Submit(ctx, domain.SignedTransaction{XDR: "%%%"})
	assert.True(t, domain.IsLedger(err))

	_, err = sim.Status(ctx, "0xdeadbeef")
	assert.Error(t, err)
}
