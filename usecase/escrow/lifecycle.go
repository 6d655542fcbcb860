package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/domain"
)

// Initialize validates and creates a new escrow. The ledger result carries
// the contract id.
func (uc *UseCase) Initialize(ctx context.Context, cmd InitializeCommand) (saved *domain.Escrow, err error) {
	started := time.Now()
	defer func() {
		uc.metrics.ObserveCommand(domain.CommandInitialize, outcome(err), time.Since(started))
	}()

	if cmd.Caller == "" {
		return nil, domain.ErrUnauthorized
	}
	milestones, err := domain.NewMilestones(cmd.Milestones, uc.newID)
	if err != nil {
		return nil, err
	}
	next := &domain.Escrow{
		ID:                 strings.TrimSpace(cmd.EscrowID),
		EngagementID:       strings.TrimSpace(cmd.EngagementID),
		Title:              strings.TrimSpace(cmd.Title),
		Description:        strings.TrimSpace(cmd.Description),
		Amount:             cmd.Amount,
		Balance:            decimal.Zero,
		PlatformFeePercent: cmd.PlatformFeePercent,
		Roles:              cmd.Roles,
		Milestones:         milestones,
	}
	if err := next.Validate(uc.opts.AddressFormat); err != nil {
		return nil, err
	}
	if next.ID == "" {
		next.ID = uc.newID()
	}

	ctx, cancel := context.WithTimeout(ctx, uc.opts.CommandTimeout)
	defer cancel()

	done, err := uc.inflight.begin(next.ID, InFlight{
		Command: domain.CommandInitialize,
		Caller:  cmd.Caller,
		Since:   uc.now(),
	}, false)
	if err != nil {
		return nil, err
	}
	defer done()

	unlock, err := uc.locks.Lock(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := uc.escrows.Get(ctx, next.ID); err == nil {
		return nil, domain.ErrEscrowExists
	} else if !domain.IsNotFound(err) {
		return nil, err
	}

	result, err := uc.settle(ctx, domain.LedgerOperation{
		Kind:     domain.CommandInitialize,
		EscrowID: next.ID,
		Signer:   cmd.Caller,
		Payload:  initializePayload(next),
	})
	ctx = context.WithoutCancel(ctx)
	next.LastTxHash = result.Hash
	if err != nil {
		if domain.IsTimeout(err) {
			uc.recordUnconfirmed(ctx, domain.CommandInitialize, 0, next, result)
		}
		return nil, err
	}

	next.ContractID = result.ContractID()
	if next.ContractID == "" {
		uc.logger.Warn("ledger result carries no contract id",
			zap.String("escrow_id", next.ID),
			zap.String("tx_hash", result.Hash))
	}
	return uc.persist(ctx, domain.CommandInitialize, 0, next, result)
}

func initializePayload(e *domain.Escrow) map[string]interface{} {
	milestones := make([]map[string]interface{}, 0, len(e.Milestones))
	for _, m := range e.Milestones {
		milestones = append(milestones, map[string]interface{}{
			"id":          m.ID,
			"description": m.Description,
			"status":      m.Status,
			"flag":        m.Flag,
		})
	}
	roles := make(map[string]string, len(domain.AllRoles))
	for _, role := range domain.AllRoles {
		roles[string(role)] = e.Roles.Address(role)
	}
	return map[string]interface{}{
		"engagementId":       e.EngagementID,
		"title":              e.Title,
		"description":        e.Description,
		"amount":             e.Amount.String(),
		"platformFeePercent": e.PlatformFeePercent.String(),
		"roles":              roles,
		"milestones":         milestones,
	}
}

// Fund adds amount to the escrow balance. Any caller may fund.
func (uc *UseCase) Fund(ctx context.Context, cmd FundCommand) (*domain.Escrow, error) {
	return uc.execute(ctx, mutation{
		command: domain.CommandFund,
		header:  cmd.Header,
		apply: func(current, next *domain.Escrow, _ int) (map[string]interface{}, error) {
			if err := current.RequireMutable(); err != nil {
				return nil, err
			}
			if err := domain.ValidateAmount("amount", cmd.Amount); err != nil {
				return nil, err
			}
			balance := current.Balance.Add(cmd.Amount)
			if balance.GreaterThan(current.Amount) {
				return nil, domain.Invalidf("funding %s would raise the balance to %s, above the escrow amount %s",
					cmd.Amount, balance, current.Amount)
			}
			next.Balance = balance
			return map[string]interface{}{"amount": cmd.Amount.String()}, nil
		},
	})
}

// CompleteMilestone marks a milestone completed on behalf of the service provider.
func (uc *UseCase) CompleteMilestone(ctx context.Context, cmd MilestoneCommand) (*domain.Escrow, error) {
	ref := cmd.Milestone
	return uc.execute(ctx, mutation{
		command:   domain.CommandCompleteMilestone,
		header:    cmd.Header,
		milestone: &ref,
		apply: func(current, next *domain.Escrow, pos int) (map[string]interface{}, error) {
			if err := workable(current, cmd.Caller, domain.RoleServiceProvider); err != nil {
				return nil, err
			}
			if err := next.Milestones.MarkCompleted(pos, cmd.Evidence); err != nil {
				return nil, err
			}
			m := next.Milestones[pos]
			return map[string]interface{}{
				"milestoneIndex": pos,
				"milestoneId":    m.ID,
				"evidence":       m.Evidence,
			}, nil
		},
	})
}

// ApproveMilestone flags a completed milestone on behalf of the approver.
func (uc *UseCase) ApproveMilestone(ctx context.Context, cmd MilestoneCommand) (*domain.Escrow, error) {
	ref := cmd.Milestone
	return uc.execute(ctx, mutation{
		command:   domain.CommandApproveMilestone,
		header:    cmd.Header,
		milestone: &ref,
		apply: func(current, next *domain.Escrow, pos int) (map[string]interface{}, error) {
			if err := workable(current, cmd.Caller, domain.RoleApprover); err != nil {
				return nil, err
			}
			// already approved milestones are rejected before the ledger call
			if current.Milestones[pos].Flag {
				return nil, domain.Invalidf("milestone %d is already approved", pos)
			}
			if err := next.Milestones.Approve(pos); err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"milestoneIndex": pos,
				"milestoneId":    next.Milestones[pos].ID,
			}, nil
		},
	})
}

// EditMilestones replaces the milestone sequence.
func (uc *UseCase) EditMilestones(ctx context.Context, cmd EditMilestonesCommand) (*domain.Escrow, error) {
	return uc.execute(ctx, mutation{
		command: domain.CommandEditMilestones,
		header:  cmd.Header,
		apply: func(current, next *domain.Escrow, _ int) (map[string]interface{}, error) {
			if err := workable(current, cmd.Caller, domain.RolePlatform); err != nil {
				return nil, err
			}
			edited, err := current.Milestones.Edit(cmd.Milestones, uc.newID)
			if err != nil {
				return nil, err
			}
			for _, m := range current.Milestones {
				if _, kept := edited.Find(m.ID); kept {
					continue
				}
				if busy, ok := uc.inflight.milestoneBusy(current.ID, m.ID); ok {
					return nil, domain.NewError(domain.ErrCodeConflict,
						"milestone "+m.ID+" has a "+string(busy.Command)+" command in flight")
				}
			}
			next.Milestones = edited
			return map[string]interface{}{"milestones": milestonePayload(edited)}, nil
		},
	})
}

// RemoveMilestone drops one pending milestone. It conflicts with any other
// command in flight for the same milestone.
func (uc *UseCase) RemoveMilestone(ctx context.Context, cmd RemoveMilestoneCommand) (*domain.Escrow, error) {
	ref := cmd.Milestone
	return uc.execute(ctx, mutation{
		command:   domain.CommandRemoveMilestone,
		header:    cmd.Header,
		milestone: &ref,
		exclusive: true,
		apply: func(current, next *domain.Escrow, pos int) (map[string]interface{}, error) {
			if err := workable(current, cmd.Caller, domain.RolePlatform); err != nil {
				return nil, err
			}
			removedID := current.Milestones[pos].ID
			remaining, err := current.Milestones.Remove(pos)
			if err != nil {
				return nil, err
			}
			next.Milestones = remaining
			return map[string]interface{}{
				"milestoneIndex": pos,
				"milestoneId":    removedID,
			}, nil
		},
	})
}

func milestonePayload(ms domain.Milestones) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(ms))
	for _, m := range ms {
		out = append(out, map[string]interface{}{
			"id":          m.ID,
			"description": m.Description,
			"status":      m.Status,
			"flag":        m.Flag,
			"evidence":    m.Evidence,
		})
	}
	return out
}

// StartDispute opens a dispute. The dispute record is created first; the
// escrow flag flips only once the ledger confirms, and a rejected ledger
// operation cancels the record again.
func (uc *UseCase) StartDispute(ctx context.Context, cmd StartDisputeCommand) (*domain.Escrow, error) {
	reason := strings.TrimSpace(cmd.Reason)
	return uc.execute(ctx, mutation{
		command: domain.CommandStartDispute,
		header:  cmd.Header,
		apply: func(current, next *domain.Escrow, _ int) (map[string]interface{}, error) {
			if err := current.RequireMutable(); err != nil {
				return nil, err
			}
			if _, err := domain.RequireRole(current, cmd.Caller, domain.RoleApprover, domain.RoleServiceProvider); err != nil {
				return nil, err
			}
			if current.DisputeFlag {
				return nil, domain.Invalidf("escrow is already under dispute")
			}
			if !current.Balance.IsPositive() {
				return nil, domain.Invalidf("cannot dispute an escrow with no balance")
			}
			if reason == "" {
				return nil, domain.Invalidf("a dispute reason is required")
			}
			next.DisputeFlag = true
			return map[string]interface{}{"reason": reason}, nil
		},
		prepare: func(ctx context.Context, current *domain.Escrow) (func(error), error) {
			if uc.disputes == nil {
				return nil, nil
			}
			record, err := uc.disputes.Open(ctx, current, cmd.Caller, reason)
			if err != nil {
				return nil, err
			}
			return func(cause error) {
				if err := uc.disputes.Abandon(context.WithoutCancel(ctx), record.ID, cause.Error()); err != nil {
					uc.logger.Error("failed to cancel dispute record after ledger rejection",
						zap.String("escrow_id", current.ID),
						zap.String("dispute_id", record.ID),
						zap.Error(err))
				}
			}, nil
		},
	})
}

// ResolveDispute partitions the balance between approver and service provider.
// The two amounts must sum to the balance exactly.
func (uc *UseCase) ResolveDispute(ctx context.Context, cmd ResolveDisputeCommand) (*domain.Escrow, error) {
	return uc.execute(ctx, mutation{
		command: domain.CommandResolveDispute,
		header:  cmd.Header,
		apply: func(current, next *domain.Escrow, _ int) (map[string]interface{}, error) {
			if err := current.RequireMutable(); err != nil {
				return nil, err
			}
			if _, err := domain.RequireRole(current, cmd.Caller, domain.RoleDisputeResolver); err != nil {
				return nil, err
			}
			if !current.DisputeFlag {
				return nil, domain.Invalidf("escrow is not under dispute")
			}
			if err := validateShare("approverFunds", cmd.ApproverFunds); err != nil {
				return nil, err
			}
			if err := validateShare("serviceProviderFunds", cmd.ServiceProviderFunds); err != nil {
				return nil, err
			}
			total := cmd.ApproverFunds.Add(cmd.ServiceProviderFunds)
			if !total.Equal(current.Balance) {
				return nil, domain.Invalidf("approverFunds + serviceProviderFunds = %s, must equal the balance %s",
					total, current.Balance)
			}

			approver, provider := cmd.ApproverFunds, cmd.ServiceProviderFunds
			payout := domain.ComputeResolutionPayout(approver, provider, current.PlatformFeePercent)
			next.ResolvedFlag = true
			next.DisputeFlag = false
			next.ApproverFunds = &approver
			next.ServiceProviderFunds = &provider
			next.ResolutionPayout = &payout
			next.Balance = decimal.Zero
			return map[string]interface{}{
				"approverFunds":        approver.String(),
				"serviceProviderFunds": provider.String(),
				"payout":               payout,
			}, nil
		},
		committed: func(ctx context.Context, saved *domain.Escrow) {
			if uc.disputes == nil {
				return
			}
			if err := uc.disputes.Settle(ctx, saved, cmd.Caller, strings.TrimSpace(cmd.Notes)); err != nil {
				uc.logger.Warn("failed to settle dispute record",
					zap.String("escrow_id", saved.ID),
					zap.Error(err))
			}
		},
	})
}

// Release pays out the full amount once every milestone is completed and
// approved.
func (uc *UseCase) Release(ctx context.Context, cmd ReleaseCommand) (*domain.Escrow, error) {
	return uc.execute(ctx, mutation{
		command: domain.CommandRelease,
		header:  cmd.Header,
		apply: func(current, next *domain.Escrow, _ int) (map[string]interface{}, error) {
			if err := workable(current, cmd.Caller, domain.RoleReleaseSigner); err != nil {
				return nil, err
			}
			if !current.Milestones.AllCompleted() {
				return nil, domain.Invalidf("every milestone must be completed before release")
			}
			if !current.Milestones.AllApproved() {
				return nil, domain.Invalidf("every milestone must be approved before release")
			}
			payout := domain.ComputeSplit(current.Amount, current.PlatformFeePercent)
			next.ReleaseFlag = true
			next.ReleasePayout = &payout
			next.Balance = decimal.Zero
			return map[string]interface{}{"payout": payout}, nil
		},
	})
}

// workable checks, in order, terminal state, the caller's role and the
// dispute flag.
func workable(e *domain.Escrow, caller string, role domain.Role) error {
	if err := e.RequireMutable(); err != nil {
		return err
	}
	if _, err := domain.RequireRole(e, caller, role); err != nil {
		return err
	}
	return e.RequireWorkable()
}

func validateShare(field string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.Invalidf("%s cannot be negative", field)
	}
	if !amount.Equal(amount.Round(domain.AmountScale)) {
		return domain.Invalidf("%s supports at most %d decimal places", field, domain.AmountScale)
	}
	return nil
}
