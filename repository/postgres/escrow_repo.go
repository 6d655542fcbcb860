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

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// roleColumns whitelists the indexed role columns usable in queries.
var roleColumns = map[domain.Role]string{
	domain.RoleApprover:        "approver",
	domain.RoleServiceProvider: "service_provider",
	domain.RolePlatform:        "platform_address",
	domain.RoleReleaseSigner:   "release_signer",
	domain.RoleDisputeResolver: "dispute_resolver",
	domain.RoleReceiver:        "receiver",
}

type escrowRepository struct {
	pool *pgxpool.Pool
}

// NewEscrowRepository returns a Postgres-backed implementation of EscrowRepository.
// The escrow is stored as a JSONB document; role addresses are copied into
// indexed columns for Query.
func NewEscrowRepository(pool *pgxpool.Pool) repository.EscrowRepository {
	return &escrowRepository{pool: pool}
}

const escrowColumns = `id, document, version, created_at, updated_at`

func (r *escrowRepository) Get(ctx context.Context, id string) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanEscrow(row)
}

func (r *escrowRepository) Create(ctx context.Context, escrow *domain.Escrow) (*domain.Escrow, error) {
	if escrow == nil {
		return nil, domain.ErrInvalidPayload
	}
	stored := escrow.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Version = 1

	document, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal escrow: %w", err)
	}

	const query = `
	INSERT INTO escrows (id, contract_id, approver, service_provider, platform_address,
		release_signer, dispute_resolver, receiver, document, version)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
	RETURNING created_at, updated_at
	`
	if err := r.pool.QueryRow(ctx, query,
		stored.ID,
		stored.ContractID,
		stored.Roles.Approver,
		stored.Roles.ServiceProvider,
		stored.Roles.PlatformAddress,
		stored.Roles.ReleaseSigner,
		stored.Roles.DisputeResolver,
		stored.Roles.Receiver,
		document,
	).Scan(&stored.CreatedAt, &stored.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, domain.ErrEscrowExists
		}
		return nil, fmt.Errorf("postgres: insert escrow: %w", err)
	}
	return stored, nil
}

func (r *escrowRepository) Put(ctx context.Context, escrow *domain.Escrow, expectedVersion int64) (*domain.Escrow, error) {
	if escrow == nil || escrow.ID == "" {
		return nil, domain.ErrInvalidPayload
	}
	stored := escrow.Clone()
	stored.Version = expectedVersion + 1

	document, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal escrow: %w", err)
	}

	const query = `
	UPDATE escrows
	SET contract_id = $3,
		document = $4,
		version = version + 1,
		updated_at = NOW()
	WHERE id = $1 AND version = $2
	RETURNING version, created_at, updated_at
	`
	err = r.pool.QueryRow(ctx, query, stored.ID, expectedVersion, stored.ContractID, document).
		Scan(&stored.Version, &stored.CreatedAt, &stored.UpdatedAt)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: update escrow: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, stored.ID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: check escrow: %w", err)
	}
	if !exists {
		return nil, domain.ErrEscrowNotFound
	}
	return nil, domain.ErrVersionConflict
}

func (r *escrowRepository) Query(ctx context.Context, filter repository.EscrowFilter) ([]domain.Escrow, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case filter.Address == "":
		query := `SELECT ` + escrowColumns + ` FROM escrows ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = r.pool.Query(ctx, query, clampLimit(filter.Limit), filter.Offset)
	case filter.Role != "":
		column, ok := roleColumns[filter.Role]
		if !ok {
			return nil, domain.Invalidf("unknown role %q", filter.Role)
		}
		query := `SELECT ` + escrowColumns + ` FROM escrows WHERE ` + column +
			` = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = r.pool.Query(ctx, query, filter.Address, clampLimit(filter.Limit), filter.Offset)
	default:
		query := `SELECT ` + escrowColumns + ` FROM escrows
		WHERE $1 IN (approver, service_provider, platform_address, release_signer, dispute_resolver, receiver)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = r.pool.Query(ctx, query, filter.Address, clampLimit(filter.Limit), filter.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: query escrows: %w", err)
	}
	defer rows.Close()

	var escrows []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

func scanEscrow(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Escrow, error) {
	var (
		e                    domain.Escrow
		id                   string
		document             []byte
		version              int64
		createdAt, updatedAt time.Time
	)

	if err := row.Scan(&id, &document, &version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEscrowNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(document, &e); err != nil {
		return nil, fmt.Errorf("postgres: decode escrow %s: %w", id, err)
	}
	// columns are authoritative for identity, version and timestamps
	e.ID = id
	e.Version = version
	e.CreatedAt = createdAt
	e.UpdatedAt = updatedAt
	return &e, nil
}
