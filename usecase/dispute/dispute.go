// Package dispute keeps the dispute audit record of an escrow: its status,
// the message and evidence log, and the resolution once the escrow settles.
package dispute

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
	"github.com/fastygo/escrow/usecase"
)

type UseCase struct {
	disputes repository.DisputeRepository
	escrows  repository.EscrowRepository
	logger   *zap.Logger
	now      func() time.Time
}

func New(disputes repository.DisputeRepository, escrows repository.EscrowRepository, logger *zap.Logger) *UseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UseCase{
		disputes: disputes,
		escrows:  escrows,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ usecase.DisputeRecorder = (*UseCase)(nil)

// Open creates a pending dispute record for escrow. A still-active record
// left behind by an attempt that never flipped the escrow flag is reused.
func (uc *UseCase) Open(ctx context.Context, escrow *domain.Escrow, caller, reason string) (*domain.Dispute, error) {
	held, err := domain.RequireRole(escrow, caller, domain.RoleApprover, domain.RoleServiceProvider)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.Invalidf("a dispute reason is required")
	}
	role := domain.RoleApprover
	if !held.Has(role) {
		role = domain.RoleServiceProvider
	}

	now := uc.now()
	record, err := uc.disputes.Create(ctx, &domain.Dispute{
		EscrowID:      escrow.ID,
		Initiator:     caller,
		InitiatorRole: role,
		Reason:        reason,
		Status:        domain.DisputePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if errors.Is(err, domain.ErrDisputeActive) && !escrow.DisputeFlag {
		return uc.reopen(ctx, escrow.ID, caller, role, reason)
	}
	if err != nil {
		return nil, err
	}

	uc.appendEvent(ctx, domain.DisputeEvent{
		DisputeID: record.ID,
		Type:      domain.DisputeEventCreated,
		Actor:     caller,
		Details:   map[string]string{"reason": reason, "role": string(role)},
		Timestamp: now,
	})
	return record, nil
}

func (uc *UseCase) reopen(ctx context.Context, escrowID, caller string, role domain.Role, reason string) (*domain.Dispute, error) {
	record, err := uc.disputes.LatestByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.DisputePending {
		return nil, domain.ErrDisputeActive
	}
	record.Initiator = caller
	record.InitiatorRole = role
	record.Reason = reason
	record.UpdatedAt = uc.now()
	if err := uc.disputes.Update(ctx, record); err != nil {
		return nil, err
	}
	uc.appendEvent(ctx, domain.DisputeEvent{
		DisputeID: record.ID,
		Type:      domain.DisputeEventUpdated,
		Actor:     caller,
		Details:   map[string]string{"reason": reason, "reopened": "true"},
		Timestamp: record.UpdatedAt,
	})
	uc.logger.Info("reusing pending dispute record",
		zap.String("escrow_id", escrowID),
		zap.String("dispute_id", record.ID))
	return record, nil
}

// Abandon cancels a pending record whose escrow never entered dispute.
func (uc *UseCase) Abandon(ctx context.Context, disputeID, reason string) error {
	record, err := uc.disputes.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if record.Status == domain.DisputeCancelled {
		return nil
	}
	now := uc.now()
	if err := record.Transition(domain.DisputeCancelled, now); err != nil {
		return err
	}
	if err := uc.disputes.Update(ctx, record); err != nil {
		return err
	}
	uc.appendEvent(ctx, domain.DisputeEvent{
		DisputeID: record.ID,
		Type:      domain.DisputeEventUpdated,
		Details:   map[string]string{"status": string(domain.DisputeCancelled), "reason": reason},
		Timestamp: now,
	})
	return nil
}

// AbandonPending cancels the escrow's latest record when it is still pending.
func (uc *UseCase) AbandonPending(ctx context.Context, escrowID, reason string) error {
	record, err := uc.disputes.LatestByEscrow(ctx, escrowID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.Status != domain.DisputePending {
		return nil
	}
	return uc.Abandon(ctx, record.ID, reason)
}

// Settle resolves the active record of a resolved escrow, passing through
// in_review when the record is still pending. Settling twice is a no-op.
func (uc *UseCase) Settle(ctx context.Context, escrow *domain.Escrow, actor, notes string) error {
	if !escrow.ResolvedFlag || escrow.ApproverFunds == nil || escrow.ServiceProviderFunds == nil {
		return domain.Invalidf("escrow %s is not resolved", escrow.ID)
	}
	record, err := uc.disputes.LatestByEscrow(ctx, escrow.ID)
	if err != nil {
		return err
	}
	if record.Status == domain.DisputeResolved {
		return nil
	}

	now := uc.now()
	if record.Status == domain.DisputePending {
		if err := record.Transition(domain.DisputeInReview, now); err != nil {
			return err
		}
		uc.appendEvent(ctx, domain.DisputeEvent{
			DisputeID: record.ID,
			Type:      domain.DisputeEventUpdated,
			Actor:     actor,
			Details:   map[string]string{"status": string(domain.DisputeInReview)},
			Timestamp: now,
		})
	}
	if err := record.Transition(domain.DisputeResolved, now); err != nil {
		return err
	}

	approver, provider := *escrow.ApproverFunds, *escrow.ServiceProviderFunds
	record.ApproverFunds = &approver
	record.ServiceProviderFunds = &provider
	record.Resolution = domain.ResolutionFor(approver, provider, approver.Add(provider))
	record.ResolutionNotes = notes
	if err := uc.disputes.Update(ctx, record); err != nil {
		return err
	}

	details := map[string]string{
		"resolution":           string(record.Resolution),
		"approverFunds":        approver.String(),
		"serviceProviderFunds": provider.String(),
	}
	if notes != "" {
		details["notes"] = notes
	}
	uc.appendEvent(ctx, domain.DisputeEvent{
		DisputeID: record.ID,
		Type:      domain.DisputeEventResolved,
		Actor:     actor,
		Details:   details,
		Timestamp: now,
	})
	return nil
}

// Get returns the latest dispute of the escrow. An active record whose escrow
// is already resolved is settled on the way.
func (uc *UseCase) Get(ctx context.Context, escrowID string) (*domain.Dispute, error) {
	record, err := uc.disputes.LatestByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !record.IsActive() {
		return record, nil
	}

	escrow, err := uc.escrows.Get(ctx, escrowID)
	if err != nil {
		if domain.IsNotFound(err) {
			return record, nil
		}
		return nil, err
	}
	if !escrow.ResolvedFlag {
		return record, nil
	}
	if err := uc.Settle(ctx, escrow, escrow.Roles.DisputeResolver, ""); err != nil {
		uc.logger.Warn("failed to reconcile dispute record",
			zap.String("escrow_id", escrowID),
			zap.String("dispute_id", record.ID),
			zap.Error(err))
		return record, nil
	}
	return uc.disputes.Get(ctx, record.ID)
}

func (uc *UseCase) List(ctx context.Context, escrowID string) ([]domain.Dispute, error) {
	return uc.disputes.ListByEscrow(ctx, escrowID)
}

// Timeline returns the latest dispute's events in timestamp order, including
// the events derived from the header.
func (uc *UseCase) Timeline(ctx context.Context, escrowID string) ([]domain.DisputeEvent, error) {
	record, err := uc.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return record.Timeline(), nil
}

// MarkInReview moves a pending dispute to in_review. Only the dispute
// resolver may do so.
func (uc *UseCase) MarkInReview(ctx context.Context, escrowID, caller string) (*domain.Dispute, error) {
	escrow, err := uc.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if _, err := domain.RequireRole(escrow, caller, domain.RoleDisputeResolver); err != nil {
		return nil, err
	}
	return uc.transition(ctx, escrowID, caller, domain.DisputeInReview)
}

// Cancel withdraws a pending dispute. Only the initiator may cancel, and not
// while the escrow itself is flagged as disputed.
func (uc *UseCase) Cancel(ctx context.Context, escrowID, caller string) (*domain.Dispute, error) {
	escrow, err := uc.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	record, err := uc.disputes.LatestByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if record.Initiator != caller {
		return nil, domain.NewError(domain.ErrCodeForbidden, "only the initiator can cancel the dispute")
	}
	if escrow.DisputeFlag {
		return nil, domain.Invalidf("the escrow is under dispute; the dispute can only be resolved")
	}
	return uc.transition(ctx, escrowID, caller, domain.DisputeCancelled)
}

func (uc *UseCase) transition(ctx context.Context, escrowID, caller string, to domain.DisputeStatus) (*domain.Dispute, error) {
	record, err := uc.disputes.LatestByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	now := uc.now()
	if err := record.Transition(to, now); err != nil {
		return nil, err
	}
	if err := uc.disputes.Update(ctx, record); err != nil {
		return nil, err
	}
	uc.appendEvent(ctx, domain.DisputeEvent{
		DisputeID: record.ID,
		Type:      domain.DisputeEventUpdated,
		Actor:     caller,
		Details:   map[string]string{"status": string(to)},
		Timestamp: now,
	})
	return uc.disputes.Get(ctx, record.ID)
}

// AddMessage appends a message from any party of the escrow.
func (uc *UseCase) AddMessage(ctx context.Context, escrowID, caller, message string) (*domain.Dispute, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, domain.Invalidf("message is required")
	}
	return uc.append(ctx, escrowID, caller, domain.AllRoles, domain.DisputeEventMessage,
		map[string]string{"message": message})
}

// AddEvidence attaches evidence from the approver or the service provider.
func (uc *UseCase) AddEvidence(ctx context.Context, escrowID, caller, evidence, description string) (*domain.Dispute, error) {
	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		return nil, domain.Invalidf("evidence is required")
	}
	details := map[string]string{"evidence": evidence}
	if description = strings.TrimSpace(description); description != "" {
		details["description"] = description
	}
	return uc.append(ctx, escrowID, caller,
		[]domain.Role{domain.RoleApprover, domain.RoleServiceProvider},
		domain.DisputeEventEvidenceAdded, details)
}

func (uc *UseCase) append(ctx context.Context, escrowID, caller string, roles []domain.Role, eventType domain.DisputeEventType, details map[string]string) (*domain.Dispute, error) {
	escrow, err := uc.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if _, err := domain.RequireRole(escrow, caller, roles...); err != nil {
		return nil, err
	}
	record, err := uc.disputes.LatestByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !record.IsActive() {
		return nil, domain.Invalidf("dispute is %s and no longer accepts entries", record.Status)
	}
	if err := uc.disputes.AppendEvent(ctx, domain.DisputeEvent{
		DisputeID: record.ID,
		Type:      eventType,
		Actor:     caller,
		Details:   details,
		Timestamp: uc.now(),
	}); err != nil {
		return nil, err
	}
	return uc.disputes.Get(ctx, record.ID)
}

// appendEvent logs header-derived events. A lost event is tolerated because
// the timeline can rebuild created and resolved entries from the header.
func (uc *UseCase) appendEvent(ctx context.Context, event domain.DisputeEvent) {
	if err := uc.disputes.AppendEvent(ctx, event); err != nil {
		uc.logger.Warn("failed to append dispute event",
			zap.String("dispute_id", event.DisputeID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
