package transport

import (
	"github.com/shopspring/decimal"

	"github.com/fastygo/escrow/domain"
	escrowUC "github.com/fastygo/escrow/usecase/escrow"
)

// InitializeRequest is accepted by POST /escrows and by `escrowctl escrow init -f`.
type InitializeRequest struct {
	EscrowID           string                  `json:"escrowId" yaml:"escrowId"`
	EngagementID       string                  `json:"engagementId" yaml:"engagementId"`
	Title              string                  `json:"title" yaml:"title"`
	Description        string                  `json:"description" yaml:"description"`
	Amount             decimal.Decimal         `json:"amount" yaml:"amount"`
	PlatformFeePercent decimal.Decimal         `json:"platformFeePercent" yaml:"platformFeePercent"`
	Roles              domain.Roles            `json:"roles" yaml:"roles"`
	Milestones         []domain.MilestoneDraft `json:"milestones" yaml:"milestones"`
}

func (r InitializeRequest) Command(caller string) escrowUC.InitializeCommand {
	return escrowUC.InitializeCommand{
		EscrowID:           r.EscrowID,
		Caller:             caller,
		EngagementID:       r.EngagementID,
		Title:              r.Title,
		Description:        r.Description,
		Amount:             r.Amount,
		PlatformFeePercent: r.PlatformFeePercent,
		Roles:              r.Roles,
		Milestones:         r.Milestones,
	}
}

// VersionedRequest carries the optional optimistic concurrency guard.
type VersionedRequest struct {
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

func (r VersionedRequest) Header(escrowID, caller string) escrowUC.Header {
	return escrowUC.Header{EscrowID: escrowID, Caller: caller, ExpectedVersion: r.ExpectedVersion}
}

type FundRequest struct {
	VersionedRequest
	Amount decimal.Decimal `json:"amount"`
}

// MilestoneRequest addresses one milestone by id, legacy index, or both.
type MilestoneRequest struct {
	VersionedRequest
	MilestoneID string `json:"milestoneId,omitempty"`
	Index       *int   `json:"index,omitempty"`
	Evidence    string `json:"evidence,omitempty"`
}

func (r MilestoneRequest) Ref() domain.MilestoneRef {
	return domain.MilestoneRef{ID: r.MilestoneID, Index: r.Index}
}

type EditMilestonesRequest struct {
	VersionedRequest
	Milestones []domain.MilestoneEdit `json:"milestones"`
}

type StartDisputeRequest struct {
	VersionedRequest
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	VersionedRequest
	ApproverFunds        decimal.Decimal `json:"approverFunds"`
	ServiceProviderFunds decimal.Decimal `json:"serviceProviderFunds"`
	Notes                string          `json:"notes,omitempty"`
}

type DisputeMessageRequest struct {
	Message string `json:"message"`
}

type DisputeEvidenceRequest struct {
	Evidence    string `json:"evidence"`
	Description string `json:"description,omitempty"`
}
