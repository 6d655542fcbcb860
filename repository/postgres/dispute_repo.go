package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
)

type disputeRepository struct {
	pool *pgxpool.Pool
}

// NewDisputeRepository creates a Postgres-backed DisputeRepository implementation.
func NewDisputeRepository(pool *pgxpool.Pool) repository.DisputeRepository {
	return &disputeRepository{pool: pool}
}

const disputeColumns = `id, escrow_id, initiator, initiator_role, reason, status, resolution,
	resolution_notes, approver_funds::text, service_provider_funds::text,
	created_at, updated_at, resolved_at`

func (r *disputeRepository) Get(ctx context.Context, id string) (*domain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	d, err := scanDispute(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadEvents(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *disputeRepository) LatestByEscrow(ctx context.Context, escrowID string) (*domain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes
	WHERE escrow_id = $1
	ORDER BY created_at DESC, seq DESC
	LIMIT 1`
	d, err := scanDispute(r.pool.QueryRow(ctx, query, escrowID))
	if err != nil {
		return nil, err
	}
	if err := r.loadEvents(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *disputeRepository) ListByEscrow(ctx context.Context, escrowID string) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes
	WHERE escrow_id = $1
	ORDER BY created_at DESC, seq DESC`
	rows, err := r.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list disputes: %w", err)
	}

	var disputes []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		disputes = append(disputes, *d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range disputes {
		if err := r.loadEvents(ctx, &disputes[i]); err != nil {
			return nil, err
		}
	}
	return disputes, nil
}

func (r *disputeRepository) Create(ctx context.Context, dispute *domain.Dispute) (*domain.Dispute, error) {
	if dispute == nil || dispute.EscrowID == "" {
		return nil, domain.ErrInvalidPayload
	}
	stored := *dispute
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Events = nil

	const query = `
	INSERT INTO disputes (id, escrow_id, initiator, initiator_role, reason, status, resolution,
		resolution_notes, approver_funds, service_provider_funds, created_at, updated_at, resolved_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()), COALESCE($11, NOW()), $12)
	RETURNING created_at, updated_at
	`
	if err := r.pool.QueryRow(ctx, query,
		stored.ID,
		stored.EscrowID,
		stored.Initiator,
		string(stored.InitiatorRole),
		stored.Reason,
		string(stored.Status),
		string(stored.Resolution),
		stored.ResolutionNotes,
		nullDecimal(stored.ApproverFunds),
		nullDecimal(stored.ServiceProviderFunds),
		nullTime(stored.CreatedAt),
		stored.ResolvedAt,
	).Scan(&stored.CreatedAt, &stored.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// disputes_one_active_per_escrow
			return nil, domain.ErrDisputeActive
		}
		return nil, fmt.Errorf("postgres: insert dispute: %w", err)
	}
	return &stored, nil
}

func (r *disputeRepository) Update(ctx context.Context, dispute *domain.Dispute) error {
	if dispute == nil || dispute.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	UPDATE disputes
	SET reason = $2,
		status = $3,
		resolution = $4,
		resolution_notes = $5,
		approver_funds = $6,
		service_provider_funds = $7,
		resolved_at = $8,
		updated_at = NOW()
	WHERE id = $1
	RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		dispute.ID,
		dispute.Reason,
		string(dispute.Status),
		string(dispute.Resolution),
		dispute.ResolutionNotes,
		nullDecimal(dispute.ApproverFunds),
		nullDecimal(dispute.ServiceProviderFunds),
		dispute.ResolvedAt,
	).Scan(&dispute.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrDisputeNotFound
		}
		return fmt.Errorf("postgres: update dispute: %w", err)
	}
	return nil
}

func (r *disputeRepository) AppendEvent(ctx context.Context, event domain.DisputeEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	const query = `
	INSERT INTO dispute_events (id, dispute_id, type, actor, details, created_at)
	VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
	`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.DisputeID,
		string(event.Type),
		event.Actor,
		marshalMap(event.Details),
		nullTime(event.Timestamp),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return domain.ErrDisputeNotFound
		}
		return fmt.Errorf("postgres: append dispute event: %w", err)
	}
	return nil
}

func (r *disputeRepository) loadEvents(ctx context.Context, d *domain.Dispute) error {
	const query = `
	SELECT id, dispute_id, type, actor, details, created_at
	FROM dispute_events
	WHERE dispute_id = $1
	ORDER BY created_at, seq
	`
	rows, err := r.pool.Query(ctx, query, d.ID)
	if err != nil {
		return fmt.Errorf("postgres: load dispute events: %w", err)
	}
	defer rows.Close()

	d.Events = nil
	for rows.Next() {
		var (
			ev        domain.DisputeEvent
			eventType string
			details   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &eventType, &ev.Actor, &details, &ev.Timestamp); err != nil {
			return err
		}
		ev.Type = domain.DisputeEventType(eventType)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &ev.Details)
		}
		d.Events = append(d.Events, ev)
	}
	return rows.Err()
}

func scanDispute(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Dispute, error) {
	var (
		d                           domain.Dispute
		initiatorRole, status       string
		resolution                  string
		approverFunds, serviceFunds *string
		resolvedAt                  *time.Time
	)

	if err := row.Scan(
		&d.ID,
		&d.EscrowID,
		&d.Initiator,
		&initiatorRole,
		&d.Reason,
		&status,
		&resolution,
		&d.ResolutionNotes,
		&approverFunds,
		&serviceFunds,
		&d.CreatedAt,
		&d.UpdatedAt,
		&resolvedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDisputeNotFound
		}
		return nil, err
	}

	d.InitiatorRole = domain.Role(initiatorRole)
	d.Status = domain.DisputeStatus(status)
	d.Resolution = domain.Resolution(resolution)
	d.ResolvedAt = resolvedAt

	var err error
	if d.ApproverFunds, err = parseDecimal(approverFunds); err != nil {
		return nil, fmt.Errorf("postgres: dispute %s approver funds: %w", d.ID, err)
	}
	if d.ServiceProviderFunds, err = parseDecimal(serviceFunds); err != nil {
		return nil, fmt.Errorf("postgres: dispute %s service provider funds: %w", d.ID, err)
	}
	return &d, nil
}
