package escrow

import (
	"sort"
	"sync"
	"time"

	"github.com/fastygo/escrow/domain"
)

// InFlight describes a command that has been accepted for an escrow and has
// not returned yet, including commands still waiting for the escrow lock.
type InFlight struct {
	Command     domain.Command `json:"command"`
	MilestoneID string         `json:"milestoneId,omitempty"`
	Caller      string         `json:"caller"`
	Since       time.Time      `json:"since"`
}

type inflightRegistry struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]map[uint64]InFlight
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{entries: make(map[string]map[uint64]InFlight)}
}

// begin registers f for escrowID. With exclusive set, registration fails when
// another command already targets the same milestone.
func (r *inflightRegistry) begin(escrowID string, f InFlight, exclusive bool) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.entries[escrowID]
	if exclusive && f.MilestoneID != "" {
		for _, other := range entries {
			if other.MilestoneID == f.MilestoneID {
				return nil, domain.NewError(domain.ErrCodeConflict,
					"milestone "+f.MilestoneID+" has a "+string(other.Command)+" command in flight")
			}
		}
	}
	if entries == nil {
		entries = make(map[uint64]InFlight)
		r.entries[escrowID] = entries
	}
	r.seq++
	id := r.seq
	entries[id] = f

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(entries, id)
		if len(entries) == 0 {
			delete(r.entries, escrowID)
		}
	}, nil
}

// milestoneBusy reports whether a registered command targets milestoneID.
func (r *inflightRegistry) milestoneBusy(escrowID, milestoneID string) (InFlight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.entries[escrowID] {
		if f.MilestoneID == milestoneID {
			return f, true
		}
	}
	return InFlight{}, false
}

func (r *inflightRegistry) list(escrowID string) []InFlight {
	r.mu.Lock()
	out := make([]InFlight, 0, len(r.entries[escrowID]))
	for _, f := range r.entries[escrowID] {
		out = append(out, f)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
