package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/usecase"
)

func TestReleaseLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.initialize(t, "delivery")
	assert.Equal(t, domain.StateWorking, e.State())
	assert.Equal(t, "C-"+e.ID, e.ContractID)
	assert.True(t, e.Balance.IsZero())

	e = h.complete(t, e.ID, 0)
	assert.Equal(t, domain.MilestoneCompleted, e.Milestones[0].Status)
	assert.Equal(t, domain.StateWorking, e.State())

	e = h.approve(t, e.ID, 0)
	assert.True(t, e.Milestones[0].Flag)
	assert.Equal(t, domain.StatePendingRelease, e.State())

	e, err := h.uc.Release(ctx, ReleaseCommand{Header: Header{EscrowID: e.ID, Caller: signer}})
	require.NoError(t, err)
	assert.True(t, e.ReleaseFlag)
	assert.False(t, e.ResolvedFlag)
	assert.Equal(t, domain.StateReleased, e.State())
	require.NotNil(t, e.ReleasePayout)
	assert.Equal(t, "50", e.ReleasePayout.Platform.String())
	assert.Equal(t, "3", e.ReleasePayout.Operator.String())
	assert.Equal(t, "947", e.ReleasePayout.ServiceProvider.String())
	assert.EqualValues(t, 4, e.Version)
	assert.Equal(t, 4, h.ledger.calls())
	assert.Empty(t, h.outbox.list())
	assert.Equal(t, 1, h.metrics.count("release/ok"))
}

func TestDisputeResolutionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.initialize(t, "design", "build")
	e = h.fund(t, e.ID, "500")
	assert.Equal(t, "500", e.Balance.String())

	e, err := h.uc.StartDispute(ctx, StartDisputeCommand{
		Header: Header{EscrowID: e.ID, Caller: approver},
		Reason: "work not delivered",
	})
	require.NoError(t, err)
	assert.True(t, e.DisputeFlag)
	assert.Equal(t, domain.StateDisputed, e.State())

	record, err := h.disputes.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputePending, record.Status)
	assert.Equal(t, domain.RoleApprover, record.InitiatorRole)

	// an unbalanced partition never reaches the ledger
	calls := h.ledger.calls()
	_, err = h.uc.ResolveDispute(ctx, ResolveDisputeCommand{
		Header:               Header{EscrowID: e.ID, Caller: resolver},
		ApproverFunds:        dec("200"),
		ServiceProviderFunds: dec("250"),
	})
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, calls, h.ledger.calls())

	e, err = h.uc.ResolveDispute(ctx, ResolveDisputeCommand{
		Header:               Header{EscrowID: e.ID, Caller: resolver},
		ApproverFunds:        dec("200"),
		ServiceProviderFunds: dec("300"),
		Notes:                "partial delivery",
	})
	require.NoError(t, err)
	assert.True(t, e.ResolvedFlag)
	assert.False(t, e.DisputeFlag)
	assert.False(t, e.ReleaseFlag)
	assert.True(t, e.Balance.IsZero())
	assert.Equal(t, "200", e.ApproverFunds.String())
	assert.Equal(t, "300", e.ServiceProviderFunds.String())
	require.NotNil(t, e.ResolutionPayout)
	assert.Equal(t, "189.4", e.ResolutionPayout.Approver.ServiceProvider.String())
	assert.Equal(t, "0.9", e.ResolutionPayout.ServiceProvider.Operator.String())

	record, err = h.disputes.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolved, record.Status)
	assert.Equal(t, domain.ResolutionSplit, record.Resolution)
	assert.Equal(t, "partial delivery", record.ResolutionNotes)

	var types []domain.DisputeEventType
	for _, ev := range record.Timeline() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.DisputeEventType{
		domain.DisputeEventCreated,
		domain.DisputeEventUpdated,
		domain.DisputeEventResolved,
	}, types)
}

func TestReleaseRequiresEveryMilestoneApproved(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "design", "build")
	h.complete(t, e.ID, 0)
	h.complete(t, e.ID, 1)
	h.approve(t, e.ID, 0)

	calls := h.ledger.calls()
	_, err := h.uc.Release(context.Background(), ReleaseCommand{Header: Header{EscrowID: e.ID, Caller: signer}})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, calls, h.ledger.calls())
	assert.False(t, h.stored(t, e.ID).ReleaseFlag)
}

func TestEditMilestonesRejectedWhileDisputed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.initialize(t, "design")
	h.fund(t, e.ID, "10")
	_, err := h.uc.StartDispute(ctx, StartDisputeCommand{Header: Header{EscrowID: e.ID, Caller: provider}, Reason: "unpaid"})
	require.NoError(t, err)

	for _, edits := range [][]domain.MilestoneEdit{
		nil,
		{{ID: e.Milestones[0].ID, Description: "design v2"}},
		{{Description: "brand new"}},
	} {
		_, err := h.uc.EditMilestones(ctx, EditMilestonesCommand{
			Header:     Header{EscrowID: e.ID, Caller: platform},
			Milestones: edits,
		})
		assert.True(t, domain.IsValidation(err), "edits %v", edits)
	}
}

func TestTerminalEscrowRejectsEveryWrite(t *testing.T) {
	for _, tc := range []struct {
		name  string
		close func(t *testing.T, h *harness, id string)
	}{
		{
			name: "released",
			close: func(t *testing.T, h *harness, id string) {
				for i := 0; i < 2; i++ {
					h.complete(t, id, i)
					h.approve(t, id, i)
				}
				e, err := h.uc.Release(context.Background(), ReleaseCommand{Header: Header{EscrowID: id, Caller: signer}})
				require.NoError(t, err)
				require.Equal(t, domain.StateReleased, e.State())
			},
		},
		{
			name: "resolved",
			close: func(t *testing.T, h *harness, id string) {
				ctx := context.Background()
				h.fund(t, id, "500")
				_, err := h.uc.StartDispute(ctx, StartDisputeCommand{Header: Header{EscrowID: id, Caller: approver}, Reason: "late"})
				require.NoError(t, err)
				e, err := h.uc.ResolveDispute(ctx, ResolveDisputeCommand{
					Header:               Header{EscrowID: id, Caller: resolver},
					ApproverFunds:        dec("200"),
					ServiceProviderFunds: dec("300"),
				})
				require.NoError(t, err)
				require.Equal(t, domain.StateResolved, e.State())
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			e := h.initialize(t, "delivery", "handover")
			tc.close(t, h, e.ID)
			closed := h.stored(t, e.ID)

			calls := h.ledger.calls()
			header := func(caller string) Header { return Header{EscrowID: e.ID, Caller: caller} }
			attempts := map[string]error{}
			_, attempts["fund"] = h.uc.Fund(ctx, FundCommand{Header: header(approver), Amount: dec("1")})
			_, attempts["complete"] = h.uc.CompleteMilestone(ctx, MilestoneCommand{Header: header(provider), Milestone: domain.IndexRef(1)})
			_, attempts["approve"] = h.uc.ApproveMilestone(ctx, MilestoneCommand{Header: header(approver), Milestone: domain.IndexRef(0)})
			_, attempts["edit"] = h.uc.EditMilestones(ctx, EditMilestonesCommand{Header: header(platform), Milestones: []domain.MilestoneEdit{{Description: "x"}}})
			_, attempts["remove"] = h.uc.RemoveMilestone(ctx, RemoveMilestoneCommand{Header: header(platform), Milestone: domain.IndexRef(1)})
			_, attempts["dispute"] = h.uc.StartDispute(ctx, StartDisputeCommand{Header: header(approver), Reason: "late"})
			_, attempts["resolve"] = h.uc.ResolveDispute(ctx, ResolveDisputeCommand{Header: header(resolver)})
			_, attempts["release"] = h.uc.Release(ctx, ReleaseCommand{Header: header(signer)})

			for name, err := range attempts {
				assert.ErrorIs(t, err, domain.ErrTerminal, name)
			}
			assert.Equal(t, calls, h.ledger.calls())
			after := h.stored(t, e.ID)
			assert.Equal(t, closed.Version, after.Version)
			assert.True(t, closed.SameState(after))
		})
	}
}

func TestFundCannotExceedEscrowAmount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.initialize(t, "delivery")
	h.fund(t, e.ID, "600")

	calls := h.ledger.calls()
	_, err := h.uc.Fund(ctx, FundCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Amount: dec("900")})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Contains(t, err.Error(), "above the escrow amount 1000")
	assert.Equal(t, calls, h.ledger.calls())
	assert.Equal(t, "600", h.stored(t, e.ID).Balance.String())

	// topping up to exactly the amount is allowed and release pays it all out
	e = h.fund(t, e.ID, "400")
	assert.Equal(t, "1000", e.Balance.String())
	h.complete(t, e.ID, 0)
	h.approve(t, e.ID, 0)
	e, err = h.uc.Release(ctx, ReleaseCommand{Header: Header{EscrowID: e.ID, Caller: signer}})
	require.NoError(t, err)
	assert.True(t, e.Balance.IsZero())
	assert.Equal(t, "1000", e.ReleasePayout.Total().String())
}

func TestUnknownMilestoneIDIsRejectedBeforeTheLedger(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")
	calls := h.ledger.calls()

	_, err := h.uc.CompleteMilestone(context.Background(), MilestoneCommand{
		Header:    Header{EscrowID: e.ID, Caller: provider},
		Milestone: domain.MilestoneRef{ID: "no-such-milestone"},
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Contains(t, err.Error(), "milestone no-such-milestone does not exist")
	assert.Equal(t, calls, h.ledger.calls())

	assert.Empty(t, h.uc.InFlight(e.ID))
}

func TestCommandsCheckRolesBeforeTheLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.initialize(t, "delivery")
	calls := h.ledger.calls()

	_, err := h.uc.CompleteMilestone(ctx, MilestoneCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Milestone: domain.IndexRef(0)})
	assert.True(t, domain.IsValidation(err))
	_, err = h.uc.ApproveMilestone(ctx, MilestoneCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Milestone: domain.IndexRef(0)})
	assert.True(t, domain.IsValidation(err), "approve before completion")
	_, err = h.uc.Release(ctx, ReleaseCommand{Header: Header{EscrowID: e.ID, Caller: outsider}})
	assert.True(t, domain.IsValidation(err))
	_, err = h.uc.StartDispute(ctx, StartDisputeCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Reason: "x"})
	assert.True(t, domain.IsValidation(err), "zero balance")
	_, err = h.uc.CompleteMilestone(ctx, MilestoneCommand{Header: Header{EscrowID: e.ID, Caller: provider}, Milestone: domain.IndexRef(3)})
	assert.True(t, domain.IsValidation(err), "index out of range")
	_, err = h.uc.Fund(ctx, FundCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Amount: dec("0.00000001")})
	assert.True(t, domain.IsValidation(err), "too many decimals")
	_, err = h.uc.Fund(ctx, FundCommand{Header: Header{EscrowID: e.ID}, Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.uc.Fund(ctx, FundCommand{Header: Header{EscrowID: "missing", Caller: approver}, Amount: dec("1")})
	assert.True(t, domain.IsNotFound(err))

	assert.Equal(t, calls, h.ledger.calls())
}

func TestApproveTwiceIsRejectedWithoutChangingState(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")
	h.complete(t, e.ID, 0)
	approved := h.approve(t, e.ID, 0)

	_, err := h.uc.ApproveMilestone(context.Background(), MilestoneCommand{
		Header:    Header{EscrowID: e.ID, Caller: approver},
		Milestone: domain.MilestoneRef{ID: e.Milestones[0].ID},
	})
	assert.True(t, domain.IsValidation(err))

	after := h.stored(t, e.ID)
	assert.True(t, approved.SameState(after))
	assert.Equal(t, approved.Version, after.Version)
}

func TestLedgerRejectionLeavesEscrowUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.initialize(t, "delivery")
	e = h.fund(t, e.ID, "100")

	h.ledger.submit = func(op domain.LedgerOperation) domain.SubmitResult {
		return domain.SubmitResult{
			Status:    domain.LedgerFailed,
			Hash:      "failed-hash",
			ErrorCode: "pool_not_active",
			Message:   "Error(Contract, #12)",
		}
	}

	_, err := h.uc.StartDispute(ctx, StartDisputeCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Reason: "late"})
	require.Error(t, err)
	assert.True(t, domain.IsLedger(err))
	assert.Contains(t, err.Error(), "lending pool is not active")

	var failure *domain.LedgerFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "failed-hash", failure.TxHash)

	after := h.stored(t, e.ID)
	assert.False(t, after.DisputeFlag)
	assert.Equal(t, e.Version, after.Version)
	assert.Empty(t, h.outbox.list())

	// the record opened before the ledger call is cancelled again
	record, err := h.disputes.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeCancelled, record.Status)

	// and a later attempt can open a fresh one
	h.ledger.submit = nil
	_, err = h.uc.StartDispute(ctx, StartDisputeCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Reason: "late"})
	require.NoError(t, err)
	all, err := h.disputes.List(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUnknownLedgerCodeFallsBackToRawMessage(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")
	h.ledger.submit = func(op domain.LedgerOperation) domain.SubmitResult {
		return domain.SubmitResult{Status: domain.LedgerFailed, Hash: "h", ErrorCode: "WEIRD", Message: "host function trapped"}
	}
	_, err := h.uc.Fund(context.Background(), FundCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Amount: dec("5")})
	require.True(t, domain.IsLedger(err))
	assert.Contains(t, err.Error(), "host function trapped")
}

func TestConfirmationTimeoutRecordsUnconfirmedEntry(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")
	h.ledger.submit = func(op domain.LedgerOperation) domain.SubmitResult {
		return domain.SubmitResult{Status: domain.LedgerPending, Hash: "slow-hash"}
	}

	_, err := h.uc.Fund(context.Background(), FundCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Amount: dec("5")})
	require.Error(t, err)
	assert.True(t, domain.IsTimeout(err))
	assert.False(t, domain.IsLedger(err))

	var timeout *domain.ConfirmationTimeout
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "slow-hash", timeout.TxHash)
	assert.Equal(t, 3, timeout.Attempts)

	entries := h.outbox.list()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutboxUnconfirmed, entries[0].Kind)
	assert.Equal(t, "slow-hash", entries[0].TxHash)
	assert.Equal(t, e.Version, entries[0].BaseVersion)
	assert.Equal(t, "5", entries[0].Snapshot.Balance.String())

	assert.True(t, h.stored(t, e.ID).Balance.IsZero())
	assert.Equal(t, 1, h.metrics.count("fund/timeout"))
}

func TestPendingThenConfirmedIsApplied(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")
	h.ledger.submit = func(op domain.LedgerOperation) domain.SubmitResult {
		return domain.SubmitResult{Status: domain.LedgerPending, Hash: "h1"}
	}
	h.ledger.statuses = []domain.SubmitResult{
		{Status: domain.LedgerPending},
		{Status: domain.LedgerSuccess},
	}

	saved, err := h.uc.Fund(context.Background(), FundCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Amount: dec("5")})
	require.NoError(t, err)
	assert.Equal(t, "h1", saved.LastTxHash)
	assert.Equal(t, "5", saved.Balance.String())
}

func TestPersistenceFailureKeepsOutboxEntry(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")
	h.repo.arm(errors.New("connection reset"))

	_, err := h.uc.Fund(context.Background(), FundCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Amount: dec("5")})
	require.Error(t, err)
	assert.True(t, domain.IsPersistence(err))
	assert.Contains(t, err.Error(), "succeeded")

	var failure *domain.PersistenceFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, e.ID, failure.EscrowID)
	assert.Equal(t, domain.CommandFund, failure.Command)
	assert.Equal(t, domain.LedgerSuccess, failure.Result.Status)

	entries := h.outbox.list()
	require.Len(t, entries, 1)
	assert.Equal(t, failure.OutboxID, entries[0].ID)
	assert.Equal(t, domain.OutboxPendingPersistence, entries[0].Kind)
	assert.Equal(t, failure.Result.Hash, entries[0].TxHash)
	assert.Equal(t, "5", entries[0].Snapshot.Balance.String())
}

func TestExpectedVersionMismatchIsConflict(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")
	h.fund(t, e.ID, "1")

	calls := h.ledger.calls()
	stale := e.Version
	_, err := h.uc.Fund(context.Background(), FundCommand{
		Header: Header{EscrowID: e.ID, Caller: approver, ExpectedVersion: &stale},
		Amount: dec("1"),
	})
	assert.True(t, domain.IsConflict(err))
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, calls, h.ledger.calls())

	current := h.stored(t, e.ID).Version
	_, err = h.uc.Fund(context.Background(), FundCommand{
		Header: Header{EscrowID: e.ID, Caller: approver, ExpectedVersion: &current},
		Amount: dec("1"),
	})
	require.NoError(t, err)
}

func TestConcurrentCommandsAreSerialized(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.uc.Fund(context.Background(), FundCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Amount: dec("1.5")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	after := h.stored(t, e.ID)
	assert.Equal(t, "30", after.Balance.String())
	assert.EqualValues(t, 1+writers, after.Version)
}

func TestRemovingMilestoneInFlightConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.initialize(t, "design", "build")
	target := e.Milestones[1].ID

	h.ledger.gate = make(chan struct{})
	h.ledger.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.uc.CompleteMilestone(ctx, MilestoneCommand{
			Header:    Header{EscrowID: e.ID, Caller: provider},
			Milestone: domain.MilestoneRef{ID: target},
		})
		done <- err
	}()
	<-h.ledger.entered

	inflight := h.uc.InFlight(e.ID)
	require.Len(t, inflight, 1)
	assert.Equal(t, domain.CommandCompleteMilestone, inflight[0].Command)
	assert.Equal(t, target, inflight[0].MilestoneID)

	// by index, translated to the same id
	_, err := h.uc.RemoveMilestone(ctx, RemoveMilestoneCommand{
		Header:    Header{EscrowID: e.ID, Caller: platform},
		Milestone: domain.IndexRef(1),
	})
	assert.True(t, domain.IsConflict(err))

	h.ledger.mu.Lock()
	gate := h.ledger.gate
	h.ledger.gate = nil
	h.ledger.mu.Unlock()
	close(gate)
	require.NoError(t, <-done)
	assert.Empty(t, h.uc.InFlight(e.ID))

	// completed milestones can no longer be removed at all
	_, err = h.uc.RemoveMilestone(ctx, RemoveMilestoneCommand{
		Header:    Header{EscrowID: e.ID, Caller: platform},
		Milestone: domain.MilestoneRef{ID: target},
	})
	assert.True(t, domain.IsValidation(err))
}

func TestEditAndRemoveMilestones(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.initialize(t, "design", "build", "launch")
	h.complete(t, e.ID, 0)
	h.approve(t, e.ID, 0)

	first, second, third := e.Milestones[0].ID, e.Milestones[1].ID, e.Milestones[2].ID
	edited, err := h.uc.EditMilestones(ctx, EditMilestonesCommand{
		Header: Header{EscrowID: e.ID, Caller: platform},
		Milestones: []domain.MilestoneEdit{
			{ID: first, Description: "design"},
			{ID: third, Description: "launch"},
			{ID: second, Description: "build v2"},
			{Description: "support"},
		},
	})
	require.NoError(t, err)
	require.Len(t, edited.Milestones, 4)
	assert.Equal(t, "build v2", edited.Milestones[2].Description)
	assert.NotEmpty(t, edited.Milestones[3].ID)
	assert.True(t, edited.Milestones[0].Flag)

	// the legacy index follows the new order
	removed, err := h.uc.RemoveMilestone(ctx, RemoveMilestoneCommand{
		Header:    Header{EscrowID: e.ID, Caller: platform},
		Milestone: domain.IndexRef(1),
	})
	require.NoError(t, err)
	require.Len(t, removed.Milestones, 3)
	_, stillThere := removed.Milestones.Find(third)
	assert.False(t, stillThere)

	_, err = h.uc.RemoveMilestone(ctx, RemoveMilestoneCommand{
		Header:    Header{EscrowID: e.ID, Caller: platform},
		Milestone: domain.IndexRef(0),
	})
	assert.True(t, domain.IsValidation(err))

	_, err = h.uc.EditMilestones(ctx, EditMilestonesCommand{
		Header:     Header{EscrowID: e.ID, Caller: platform},
		Milestones: []domain.MilestoneEdit{{ID: first, Description: "changed"}},
	})
	assert.True(t, domain.IsValidation(err), "approved milestone cannot change")
}

func TestInitializeRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cmd := initCommand("design", "build")
	cmd.EscrowID = "escrow-1"

	created, err := h.uc.Initialize(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, "escrow-1", created.ID)
	assert.EqualValues(t, 1, created.Version)

	loaded, err := h.uc.Get(ctx, "escrow-1")
	require.NoError(t, err)
	assert.Equal(t, cmd.Roles, loaded.Roles)
	assert.True(t, cmd.Amount.Equal(loaded.Amount))
	require.Len(t, loaded.Milestones, 2)
	assert.Equal(t, "design", loaded.Milestones[0].Description)
	assert.Equal(t, "build", loaded.Milestones[1].Description)
	assert.NotEqual(t, loaded.Milestones[0].ID, loaded.Milestones[1].ID)
	assert.True(t, created.SameState(loaded))

	_, err = h.uc.Initialize(ctx, cmd)
	assert.ErrorIs(t, err, domain.ErrEscrowExists)

	roles, err := h.uc.Roles(ctx, "escrow-1", approver)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSet{domain.RoleApprover}, roles)

	roles, err = h.uc.Roles(ctx, "escrow-1", outsider)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestInitializeValidatesBeforeTheLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for name, mutate := range map[string]func(*InitializeCommand){
		"no milestones":   func(c *InitializeCommand) { c.Milestones = nil },
		"zero amount":     func(c *InitializeCommand) { c.Amount = dec("0") },
		"bad address":     func(c *InitializeCommand) { c.Roles.Approver = "GABC" },
		"fee too high":    func(c *InitializeCommand) { c.PlatformFeePercent = dec("99.8") },
		"fee precision":   func(c *InitializeCommand) { c.PlatformFeePercent = dec("1.25") },
		"blank milestone": func(c *InitializeCommand) { c.Milestones[0].Description = "  " },
	} {
		cmd := initCommand("design")
		mutate(&cmd)
		_, err := h.uc.Initialize(ctx, cmd)
		assert.True(t, domain.IsValidation(err), name)
	}
	assert.Zero(t, h.ledger.calls())
}

func TestGetIsServedFromCacheAndInvalidatedByCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.initialize(t, "delivery")

	_, err := h.uc.Get(ctx, e.ID)
	require.NoError(t, err)
	cached, err := h.cache.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cached.Version)

	h.fund(t, e.ID, "3")
	_, err = h.cache.Get(ctx, e.ID)
	assert.True(t, domain.IsNotFound(err))

	fresh, err := h.uc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "3", fresh.Balance.String())
}

func TestDispatcherRegistration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := usecase.NewDispatcher()
	h.uc.Register(d)

	out, err := d.ExecuteCommand(ctx, CommandName(domain.CommandInitialize), initCommand("delivery"))
	require.NoError(t, err)
	created := out.(*domain.Escrow)

	out, err = d.ExecuteQuery(ctx, QueryGet, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, out.(*domain.Escrow).ID)

	_, err = d.ExecuteCommand(ctx, CommandName(domain.CommandFund), "not a command")
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = d.ExecuteCommand(ctx, "escrow.unknown", nil)
	assert.Error(t, err)
}

func TestLockHonoursContext(t *testing.T) {
	locks := newKeyedMutex()
	unlock, err := locks.Lock(context.Background(), "e1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "e1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := locks.Lock(context.Background(), "e1")
	require.NoError(t, err)
	again()
	assert.Empty(t, locks.slots)
}

func TestLedgerTransportFailureIsLedgerError(t *testing.T) {
	h := newHarness(t)
	e := h.initialize(t, "delivery")
	h.ledger.buildErr = errors.New("connection refused")

	_, err := h.uc.Fund(context.Background(), FundCommand{Header: Header{EscrowID: e.ID, Caller: approver}, Amount: dec("5")})
	assert.True(t, domain.IsLedger(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, h.stored(t, e.ID).Balance.IsZero())
}
