package domain

import "time"

// OutboxKind distinguishes the two intermediate states kept in the outbox.
type OutboxKind string

const (
	// OutboxPendingPersistence: the ledger confirmed, the repository write
	// has not been acknowledged yet.
	OutboxPendingPersistence OutboxKind = "pending_persistence"
	// OutboxUnconfirmed: confirmation polling gave up; the ledger outcome is
	// unknown.
	OutboxUnconfirmed OutboxKind = "unconfirmed"
)

// OutboxEntry is a durable record of a ledger operation whose snapshot still
// has to reach the repository.
type OutboxEntry struct {
	ID          string       `json:"id"`
	EscrowID    string       `json:"escrowId"`
	Command     Command      `json:"command"`
	Kind        OutboxKind   `json:"kind"`
	TxHash      string       `json:"txHash"`
	BaseVersion int64        `json:"baseVersion"`
	Snapshot    *Escrow      `json:"snapshot"`
	Result      SubmitResult `json:"result"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"lastError,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}
