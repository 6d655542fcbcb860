package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
)

type disputeRepository struct {
	mu       sync.RWMutex
	disputes map[string]*domain.Dispute
	order    []string
}

// NewDisputeRepository returns a map-backed DisputeRepository.
func NewDisputeRepository() repository.DisputeRepository {
	return &disputeRepository{disputes: make(map[string]*domain.Dispute)}
}

func (r *disputeRepository) Get(ctx context.Context, id string) (*domain.Dispute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.disputes[id]
	if !ok {
		return nil, domain.ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (r *disputeRepository) LatestByEscrow(ctx context.Context, escrowID string) (*domain.Dispute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		d := r.disputes[r.order[i]]
		if d.EscrowID == escrowID {
			return cloneDispute(d), nil
		}
	}
	return nil, domain.ErrDisputeNotFound
}

func (r *disputeRepository) ListByEscrow(ctx context.Context, escrowID string) ([]domain.Dispute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Dispute
	for i := len(r.order) - 1; i >= 0; i-- {
		d := r.disputes[r.order[i]]
		if d.EscrowID == escrowID {
			out = append(out, *cloneDispute(d))
		}
	}
	return out, nil
}

func (r *disputeRepository) Create(ctx context.Context, dispute *domain.Dispute) (*domain.Dispute, error) {
	if dispute == nil || dispute.EscrowID == "" {
		return nil, domain.ErrInvalidPayload
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.disputes {
		if existing.EscrowID == dispute.EscrowID && existing.IsActive() {
			return nil, domain.ErrDisputeActive
		}
	}
	stored := cloneDispute(dispute)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	r.disputes[stored.ID] = stored
	r.order = append(r.order, stored.ID)
	return cloneDispute(stored), nil
}

func (r *disputeRepository) Update(ctx context.Context, dispute *domain.Dispute) error {
	if dispute == nil {
		return domain.ErrInvalidPayload
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.disputes[dispute.ID]
	if !ok {
		return domain.ErrDisputeNotFound
	}
	updated := cloneDispute(dispute)
	// the event log is append-only and owned by AppendEvent
	updated.Events = current.Events
	r.disputes[dispute.ID] = updated
	return nil
}

func (r *disputeRepository) AppendEvent(ctx context.Context, event domain.DisputeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disputes[event.DisputeID]
	if !ok {
		return domain.ErrDisputeNotFound
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	d.Events = append(d.Events, cloneEvent(event))
	return nil
}

func cloneDispute(d *domain.Dispute) *domain.Dispute {
	out := *d
	if d.ApproverFunds != nil {
		v := *d.ApproverFunds
		out.ApproverFunds = &v
	}
	if d.ServiceProviderFunds != nil {
		v := *d.ServiceProviderFunds
		out.ServiceProviderFunds = &v
	}
	if d.ResolvedAt != nil {
		v := *d.ResolvedAt
		out.ResolvedAt = &v
	}
	if d.Events != nil {
		out.Events = make([]domain.DisputeEvent, len(d.Events))
		for i, ev := range d.Events {
			out.Events[i] = cloneEvent(ev)
		}
	}
	return &out
}

func cloneEvent(ev domain.DisputeEvent) domain.DisputeEvent {
	if ev.Details != nil {
		details := make(map[string]string, len(ev.Details))
		for k, v := range ev.Details {
			details[k] = v
		}
		ev.Details = details
	}
	return ev
}
