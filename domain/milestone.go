package domain

import "strings"

// Canonical milestone status labels.
const (
	MilestonePending   = "pending"
	MilestoneCompleted = "completed"
)

// Milestone is one deliverable inside an escrow. The ID is assigned when the
// milestone is created and never changes; positions may shift after edits.
type Milestone struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Flag        bool   `json:"flag"`
	Evidence    string `json:"evidence,omitempty"`
}

func (m Milestone) IsCompleted() bool {
	return m.Status == MilestoneCompleted
}

// MilestoneDraft describes a milestone supplied at initialization.
type MilestoneDraft struct {
	Description string `json:"description" yaml:"description"`
}

// MilestoneEdit is one element of an edit payload. An empty ID introduces a
// new pending milestone.
type MilestoneEdit struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
}

// MilestoneRef addresses a milestone by stable id, by legacy index, or both.
type MilestoneRef struct {
	ID    string `json:"milestoneId,omitempty"`
	Index *int   `json:"index,omitempty"`
}

// IndexRef builds a legacy index reference.
func IndexRef(i int) MilestoneRef {
	return MilestoneRef{Index: &i}
}

// Milestones is the ordered milestone sequence of one escrow.
type Milestones []Milestone

// NewMilestones creates pending, unflagged milestones from drafts.
func NewMilestones(drafts []MilestoneDraft, newID func() string) (Milestones, error) {
	if len(drafts) == 0 {
		return nil, Invalidf("at least one milestone is required")
	}
	out := make(Milestones, 0, len(drafts))
	for i, d := range drafts {
		desc := strings.TrimSpace(d.Description)
		if desc == "" {
			return nil, Invalidf("milestone %d: description is required", i)
		}
		out = append(out, Milestone{ID: newID(), Description: desc, Status: MilestonePending})
	}
	return out, nil
}

// Find returns the position of the milestone with id.
func (ms Milestones) Find(id string) (int, bool) {
	for i, m := range ms {
		if m.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Resolve translates a reference into a position. When both id and index are
// set they must point at the same milestone.
func (ms Milestones) Resolve(ref MilestoneRef) (int, error) {
	switch {
	case ref.ID != "":
		idx, ok := ms.Find(ref.ID)
		if !ok {
			return -1, Invalidf("milestone %s does not exist", ref.ID)
		}
		if ref.Index != nil && *ref.Index != idx {
			return -1, Invalidf("milestone %s is at index %d, not %d", ref.ID, idx, *ref.Index)
		}
		return idx, nil
	case ref.Index != nil:
		idx := *ref.Index
		if idx < 0 || idx >= len(ms) {
			return -1, Invalidf("milestone index %d out of range [0,%d)", idx, len(ms))
		}
		return idx, nil
	default:
		return -1, Invalidf("milestone id or index is required")
	}
}

// MarkCompleted sets status=completed and records optional evidence.
func (ms Milestones) MarkCompleted(i int, evidence string) error {
	if i < 0 || i >= len(ms) {
		return Invalidf("milestone index %d out of range", i)
	}
	m := &ms[i]
	if m.Flag {
		return Invalidf("milestone %d is already approved", i)
	}
	if m.IsCompleted() {
		return Invalidf("milestone %d is already completed", i)
	}
	m.Status = MilestoneCompleted
	if evidence = strings.TrimSpace(evidence); evidence != "" {
		m.Evidence = evidence
	}
	return nil
}

// Approve flags a completed milestone. Approving an approved milestone is a
// no-op.
func (ms Milestones) Approve(i int) error {
	if i < 0 || i >= len(ms) {
		return Invalidf("milestone index %d out of range", i)
	}
	m := &ms[i]
	if m.Flag {
		return nil
	}
	if !m.IsCompleted() {
		return Invalidf("milestone %d must be completed before approval", i)
	}
	m.Flag = true
	return nil
}

func (ms Milestones) AllCompleted() bool {
	for _, m := range ms {
		if !m.IsCompleted() {
			return false
		}
	}
	return len(ms) > 0
}

func (ms Milestones) AllApproved() bool {
	for _, m := range ms {
		if !m.Flag {
			return false
		}
	}
	return len(ms) > 0
}

// Edit replaces the sequence. Approved milestones must survive unchanged and
// keep their relative order; completed ones can never be dropped; removals
// follow the same rules as Remove.
func (ms Milestones) Edit(edits []MilestoneEdit, newID func() string) (Milestones, error) {
	if len(edits) == 0 {
		return nil, Invalidf("at least one milestone is required")
	}

	next := make(Milestones, 0, len(edits))
	seen := make(map[string]bool, len(edits))
	lastApproved := -1

	for pos, e := range edits {
		desc := strings.TrimSpace(e.Description)
		if e.ID == "" {
			if desc == "" {
				return nil, Invalidf("milestone %d: description is required", pos)
			}
			next = append(next, Milestone{ID: newID(), Description: desc, Status: MilestonePending})
			continue
		}

		idx, ok := ms.Find(e.ID)
		if !ok {
			return nil, Invalidf("milestone %s does not exist", e.ID)
		}
		if seen[e.ID] {
			return nil, Invalidf("milestone %s appears more than once", e.ID)
		}
		seen[e.ID] = true

		cur := ms[idx]
		switch {
		case cur.Flag:
			if e.Description != cur.Description {
				return nil, Invalidf("milestone %s is approved and cannot be modified", e.ID)
			}
			if idx < lastApproved {
				return nil, Invalidf("approved milestone %s cannot be reordered", e.ID)
			}
			lastApproved = idx
		case cur.IsCompleted():
			if e.Description != cur.Description {
				return nil, Invalidf("milestone %s is completed and cannot be modified", e.ID)
			}
		default:
			if desc == "" {
				return nil, Invalidf("milestone %d: description is required", pos)
			}
			cur.Description = desc
		}
		next = append(next, cur)
	}

	for i, m := range ms {
		if seen[m.ID] {
			continue
		}
		if err := ms.removable(i); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// Remove drops a pending, unapproved milestone other than the first.
func (ms Milestones) Remove(i int) (Milestones, error) {
	if i < 0 || i >= len(ms) {
		return nil, Invalidf("milestone index %d out of range", i)
	}
	if err := ms.removable(i); err != nil {
		return nil, err
	}
	out := make(Milestones, 0, len(ms)-1)
	out = append(out, ms[:i]...)
	out = append(out, ms[i+1:]...)
	return out, nil
}

func (ms Milestones) removable(i int) error {
	m := ms[i]
	switch {
	case i == 0:
		return Invalidf("the first milestone cannot be removed")
	case m.Flag:
		return Invalidf("milestone %s is approved and cannot be removed", m.ID)
	case m.IsCompleted():
		return Invalidf("milestone %s is completed and cannot be removed", m.ID)
	}
	return nil
}

// Clone returns an independent copy.
func (ms Milestones) Clone() Milestones {
	if ms == nil {
		return nil
	}
	out := make(Milestones, len(ms))
	copy(out, ms)
	return out
}
