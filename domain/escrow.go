package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Command names a lifecycle command. The same names label ledger operations,
// metrics and outbox entries.
type Command string

const (
	CommandInitialize        Command = "initialize"
	CommandFund              Command = "fund"
	CommandCompleteMilestone Command = "complete-milestone"
	CommandApproveMilestone  Command = "approve-milestone"
	CommandEditMilestones    Command = "edit-milestones"
	CommandRemoveMilestone   Command = "remove-milestone"
	CommandStartDispute      Command = "start-dispute"
	CommandResolveDispute    Command = "resolve-dispute"
	CommandRelease           Command = "release"
)

// State is derived from the escrow flags and milestones.
type State string

const (
	StateWorking        State = "Working"
	StatePendingRelease State = "PendingRelease"
	StateDisputed       State = "Disputed"
	StateReleased       State = "Released"
	StateResolved       State = "Resolved"
)

// Escrow is the aggregate root. It is persisted as one document with its
// milestones embedded.
type Escrow struct {
	ID                 string          `json:"id"`
	ContractID         string          `json:"contractId"`
	EngagementID       string          `json:"engagementId"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Amount             decimal.Decimal `json:"amount"`
	Balance            decimal.Decimal `json:"balance"`
	PlatformFeePercent decimal.Decimal `json:"platformFeePercent"`
	Roles              Roles           `json:"roles"`

	DisputeFlag  bool `json:"disputeFlag"`
	ReleaseFlag  bool `json:"releaseFlag"`
	ResolvedFlag bool `json:"resolvedFlag"`

	Milestones Milestones `json:"milestones"`

	ApproverFunds        *decimal.Decimal  `json:"approverFunds,omitempty"`
	ServiceProviderFunds *decimal.Decimal  `json:"serviceProviderFunds,omitempty"`
	ReleasePayout        *Split            `json:"releasePayout,omitempty"`
	ResolutionPayout     *ResolutionPayout `json:"resolutionPayout,omitempty"`
	LastTxHash           string            `json:"lastTxHash,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// State derives the lifecycle state. Terminal flags win over the dispute
// flag, which wins over milestone progress.
func (e *Escrow) State() State {
	switch {
	case e.ReleaseFlag:
		return StateReleased
	case e.ResolvedFlag:
		return StateResolved
	case e.DisputeFlag:
		return StateDisputed
	case e.Milestones.AllCompleted() && e.Milestones.AllApproved():
		return StatePendingRelease
	default:
		return StateWorking
	}
}

func (e *Escrow) IsTerminal() bool {
	return e.ReleaseFlag || e.ResolvedFlag
}

// RequireMutable rejects writes on terminal escrows.
func (e *Escrow) RequireMutable() error {
	if e.IsTerminal() {
		return ErrTerminal
	}
	return nil
}

// RequireWorkable rejects writes on terminal or disputed escrows.
func (e *Escrow) RequireWorkable() error {
	if err := e.RequireMutable(); err != nil {
		return err
	}
	if e.DisputeFlag {
		return Invalidf("escrow is under dispute")
	}
	return nil
}

// Validate checks the invariants required at initialization.
func (e *Escrow) Validate(format AddressFormat) error {
	if strings.TrimSpace(e.Title) == "" {
		return Invalidf("title is required")
	}
	if err := ValidateAmount("amount", e.Amount); err != nil {
		return err
	}
	if err := ValidateFeePercent(e.PlatformFeePercent); err != nil {
		return err
	}
	if err := e.Roles.Validate(format); err != nil {
		return err
	}
	if len(e.Milestones) == 0 {
		return Invalidf("at least one milestone is required")
	}
	return nil
}

// Clone returns a deep copy safe to mutate.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	out := *e
	out.Milestones = e.Milestones.Clone()
	if e.ApproverFunds != nil {
		v := *e.ApproverFunds
		out.ApproverFunds = &v
	}
	if e.ServiceProviderFunds != nil {
		v := *e.ServiceProviderFunds
		out.ServiceProviderFunds = &v
	}
	if e.ReleasePayout != nil {
		v := *e.ReleasePayout
		out.ReleasePayout = &v
	}
	if e.ResolutionPayout != nil {
		v := *e.ResolutionPayout
		out.ResolutionPayout = &v
	}
	return &out
}

// SameState compares two snapshots ignoring version and timestamps.
func (e *Escrow) SameState(other *Escrow) bool {
	if e == nil || other == nil {
		return e == other
	}
	a, errA := json.Marshal(e.stateOnly())
	b, errB := json.Marshal(other.stateOnly())
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (e *Escrow) stateOnly() *Escrow {
	c := e.Clone()
	c.Version = 0
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	return c
}
