package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type DisputeStatus string

const (
	DisputePending   DisputeStatus = "pending"
	DisputeInReview  DisputeStatus = "in_review"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeCancelled DisputeStatus = "cancelled"
)

type Resolution string

const (
	ResolutionFavorClient     Resolution = "favor_client"
	ResolutionFavorFreelancer Resolution = "favor_freelancer"
	ResolutionSplit           Resolution = "split"
	ResolutionNone            Resolution = "no_resolution"
)

type DisputeEventType string

const (
	DisputeEventCreated       DisputeEventType = "created"
	DisputeEventUpdated       DisputeEventType = "updated"
	DisputeEventMessage       DisputeEventType = "message"
	DisputeEventEvidenceAdded DisputeEventType = "evidence_added"
	DisputeEventResolved      DisputeEventType = "resolved"
)

// DisputeEvent is one immutable entry of a dispute's audit log.
type DisputeEvent struct {
	ID        string            `json:"id"`
	DisputeID string            `json:"disputeId"`
	Type      DisputeEventType  `json:"type"`
	Actor     string            `json:"actor"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Synthetic bool              `json:"synthetic,omitempty"`
}

// Dispute is the audit and communication record of an escrow dispute. It
// references the escrow by id only.
type Dispute struct {
	ID                   string           `json:"id"`
	EscrowID             string           `json:"escrowId"`
	Initiator            string           `json:"initiator"`
	InitiatorRole        Role             `json:"initiatorRole"`
	Reason               string           `json:"reason"`
	Status               DisputeStatus    `json:"status"`
	Resolution           Resolution       `json:"resolution,omitempty"`
	ResolutionNotes      string           `json:"resolutionNotes,omitempty"`
	ApproverFunds        *decimal.Decimal `json:"approverFunds,omitempty"`
	ServiceProviderFunds *decimal.Decimal `json:"serviceProviderFunds,omitempty"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
	ResolvedAt           *time.Time       `json:"resolvedAt,omitempty"`
	Events               []DisputeEvent   `json:"events,omitempty"`
}

// IsActive reports whether the dispute is still pending or in review.
func (d *Dispute) IsActive() bool {
	return d.Status == DisputePending || d.Status == DisputeInReview
}

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputePending:  {DisputeInReview, DisputeCancelled},
	DisputeInReview: {DisputeResolved},
}

// CanTransition reports whether moving to status is legal.
func (d *Dispute) CanTransition(to DisputeStatus) bool {
	for _, s := range disputeTransitions[d.Status] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the dispute to status.
func (d *Dispute) Transition(to DisputeStatus, at time.Time) error {
	if !d.CanTransition(to) {
		return Invalidf("dispute cannot move from %s to %s", d.Status, to)
	}
	d.Status = to
	d.UpdatedAt = at
	if to == DisputeResolved {
		resolvedAt := at
		d.ResolvedAt = &resolvedAt
	}
	return nil
}

// Timeline returns the events in timestamp order. A created event is derived
// from the header when none was logged, and likewise a resolved event once
// the dispute is resolved.
func (d *Dispute) Timeline() []DisputeEvent {
	events := make([]DisputeEvent, 0, len(d.Events)+2)
	var hasCreated, hasResolved bool
	for _, ev := range d.Events {
		switch ev.Type {
		case DisputeEventCreated:
			hasCreated = true
		case DisputeEventResolved:
			hasResolved = true
		}
		events = append(events, ev)
	}

	if !hasCreated {
		events = append(events, DisputeEvent{
			ID:        d.ID + ":created",
			DisputeID: d.ID,
			Type:      DisputeEventCreated,
			Actor:     d.Initiator,
			Details:   map[string]string{"reason": d.Reason},
			Timestamp: d.CreatedAt,
			Synthetic: true,
		})
	}
	if !hasResolved && d.Status == DisputeResolved && d.ResolvedAt != nil {
		details := map[string]string{"resolution": string(d.Resolution)}
		if d.ResolutionNotes != "" {
			details["notes"] = d.ResolutionNotes
		}
		events = append(events, DisputeEvent{
			ID:        d.ID + ":resolved",
			DisputeID: d.ID,
			Type:      DisputeEventResolved,
			Details:   details,
			Timestamp: *d.ResolvedAt,
			Synthetic: true,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

// ResolutionFor classifies a partition of balance.
func ResolutionFor(approverFunds, serviceProviderFunds, balance decimal.Decimal) Resolution {
	switch {
	case balance.IsZero():
		return ResolutionNone
	case approverFunds.Equal(balance):
		return ResolutionFavorClient
	case serviceProviderFunds.Equal(balance):
		return ResolutionFavorFreelancer
	default:
		return ResolutionSplit
	}
}
