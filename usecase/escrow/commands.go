package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/fastygo/escrow/domain"
)

// Header is carried by every write command on an existing escrow. Caller is
// the authenticated wallet address; ExpectedVersion, when set, must match
// the stored version.
type Header struct {
	EscrowID        string
	Caller          string
	ExpectedVersion *int64
}

// InitializeCommand creates an escrow. EscrowID is optional.
type InitializeCommand struct {
	EscrowID           string
	Caller             string
	EngagementID       string
	Title              string
	Description        string
	Amount             decimal.Decimal
	PlatformFeePercent decimal.Decimal
	Roles              domain.Roles
	Milestones         []domain.MilestoneDraft
}

type FundCommand struct {
	Header
	Amount decimal.Decimal
}

// MilestoneCommand completes or approves one milestone. Evidence is only
// used on completion.
type MilestoneCommand struct {
	Header
	Milestone domain.MilestoneRef
	Evidence  string
}

type EditMilestonesCommand struct {
	Header
	Milestones []domain.MilestoneEdit
}

type RemoveMilestoneCommand struct {
	Header
	Milestone domain.MilestoneRef
}

type StartDisputeCommand struct {
	Header
	Reason string
}

type ResolveDisputeCommand struct {
	Header
	ApproverFunds        decimal.Decimal
	ServiceProviderFunds decimal.Decimal
	Notes                string
}

type ReleaseCommand struct {
	Header
}
