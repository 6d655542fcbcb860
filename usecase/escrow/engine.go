// Package escrow implements the escrow lifecycle engine: every write command
// is validated locally, settled on the ledger and only then persisted.
package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
	"github.com/fastygo/escrow/usecase"
)

// Options tune the engine. Zero values fall back to the defaults below.
type Options struct {
	AddressFormat  domain.AddressFormat
	PollAttempts   int
	PollInterval   time.Duration
	CacheTTL       time.Duration
	CommandTimeout time.Duration
}

const (
	defaultPollAttempts   = 30
	defaultPollInterval   = 2 * time.Second
	defaultCacheTTL       = time.Minute
	defaultCommandTimeout = 90 * time.Second
)

// Deps are the collaborators of the engine. Cache, Outbox, Disputes and
// Metrics are optional.
type Deps struct {
	Escrows  repository.EscrowRepository
	Cache    repository.EscrowCache
	Ledger   usecase.Ledger
	Outbox   usecase.Outbox
	Disputes usecase.DisputeRecorder
	Metrics  usecase.Metrics
}

type UseCase struct {
	escrows  repository.EscrowRepository
	cache    repository.EscrowCache
	ledger   usecase.Ledger
	outbox   usecase.Outbox
	disputes usecase.DisputeRecorder
	metrics  usecase.Metrics
	opts     Options
	logger   *zap.Logger

	locks    *keyedMutex
	inflight *inflightRegistry
	reads    singleflight.Group

	newID func() string
	now   func() time.Time
	sleep func(time.Duration)
}

func New(deps Deps, opts Options, logger *zap.Logger) *UseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = usecase.NopMetrics{}
	}
	if opts.AddressFormat == "" {
		opts.AddressFormat = domain.AddressFormatStellar
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = defaultPollAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &UseCase{
		escrows:  deps.Escrows,
		cache:    deps.Cache,
		ledger:   deps.Ledger,
		outbox:   deps.Outbox,
		disputes: deps.Disputes,
		metrics:  deps.Metrics,
		opts:     opts,
		logger:   logger,
		locks:    newKeyedMutex(),
		inflight: newInflightRegistry(),
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    time.Sleep,
	}
}

// mutation describes one write command on an existing escrow.
type mutation struct {
	command domain.Command
	header  Header
	// milestone is set for commands addressing a single milestone.
	milestone *domain.MilestoneRef
	// exclusive rejects the command while another one targets the same milestone.
	exclusive bool
	// apply validates the command against current and mutates next. pos is
	// the milestone position in next, or -1. It returns the ledger payload.
	apply func(current, next *domain.Escrow, pos int) (map[string]interface{}, error)
	// prepare runs after validation and before the ledger call. The returned
	// func is called with the cause when the ledger rejects the operation.
	prepare func(ctx context.Context, current *domain.Escrow) (func(cause error), error)
	// committed runs after the snapshot is persisted.
	committed func(ctx context.Context, saved *domain.Escrow)
}

func (uc *UseCase) execute(ctx context.Context, m mutation) (saved *domain.Escrow, err error) {
	started := time.Now()
	defer func() {
		uc.metrics.ObserveCommand(m.command, outcome(err), time.Since(started))
	}()

	escrowID := strings.TrimSpace(m.header.EscrowID)
	if escrowID == "" {
		return nil, domain.Invalidf("escrow id is required")
	}
	if m.header.Caller == "" {
		return nil, domain.ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(ctx, uc.opts.CommandTimeout)
	defer cancel()

	var milestoneID string
	if m.milestone != nil {
		if milestoneID, err = uc.milestoneID(ctx, escrowID, *m.milestone); err != nil {
			return nil, err
		}
	}

	done, err := uc.inflight.begin(escrowID, InFlight{
		Command:     m.command,
		MilestoneID: milestoneID,
		Caller:      m.header.Caller,
		Since:       uc.now(),
	}, m.exclusive)
	if err != nil {
		return nil, err
	}
	defer done()

	unlock, err := uc.locks.Lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := uc.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if ev := m.header.ExpectedVersion; ev != nil && *ev != current.Version {
		return nil, domain.WrapError(domain.ErrCodeConflict,
			"escrow version does not match the expected version", domain.ErrVersionConflict)
	}

	next := current.Clone()
	pos := -1
	if milestoneID != "" {
		var ok bool
		if pos, ok = next.Milestones.Find(milestoneID); !ok {
			return nil, domain.Invalidf("milestone %s no longer exists", milestoneID)
		}
	}
	payload, err := m.apply(current, next, pos)
	if err != nil {
		return nil, err
	}

	var rollback func(cause error)
	if m.prepare != nil {
		if rollback, err = m.prepare(ctx, current); err != nil {
			return nil, err
		}
	}

	result, err := uc.settle(ctx, domain.LedgerOperation{
		Kind:       m.command,
		EscrowID:   escrowID,
		ContractID: current.ContractID,
		Signer:     m.header.Caller,
		Payload:    payload,
	})
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if domain.IsTimeout(err) {
			next.LastTxHash = result.Hash
			uc.recordUnconfirmed(ctx, m.command, current.Version, next, result)
			return nil, err
		}
		if rollback != nil {
			rollback(err)
		}
		return nil, err
	}

	next.LastTxHash = result.Hash
	saved, err = uc.persist(ctx, m.command, current.Version, next, result)
	if err != nil {
		return nil, err
	}
	if m.committed != nil {
		m.committed(ctx, saved)
	}
	return saved, nil
}

// milestoneID translates a reference into a stable milestone id, resolved
// against the stored escrow before the lock is taken.
func (uc *UseCase) milestoneID(ctx context.Context, escrowID string, ref domain.MilestoneRef) (string, error) {
	current, err := uc.escrows.Get(ctx, escrowID)
	if err != nil {
		return "", err
	}
	pos, err := current.Milestones.Resolve(ref)
	if err != nil {
		return "", err
	}
	return current.Milestones[pos].ID, nil
}

// persist writes next through the outbox. baseVersion 0 creates the escrow.
func (uc *UseCase) persist(ctx context.Context, command domain.Command, baseVersion int64, next *domain.Escrow, result domain.SubmitResult) (*domain.Escrow, error) {
	log := uc.logger.With(
		zap.String("escrow_id", next.ID),
		zap.String("command", string(command)),
		zap.String("tx_hash", result.Hash),
	)

	entry := &domain.OutboxEntry{
		EscrowID:    next.ID,
		Command:     command,
		Kind:        domain.OutboxPendingPersistence,
		TxHash:      result.Hash,
		BaseVersion: baseVersion,
		Snapshot:    next,
		Result:      result,
	}
	recorded := false
	if uc.outbox != nil {
		if err := uc.outbox.Record(ctx, entry); err != nil {
			log.Error("failed to record outbox entry", zap.Error(err))
		} else {
			recorded = true
			log = log.With(zap.String("outbox_id", entry.ID))
		}
	}

	var (
		saved *domain.Escrow
		err   error
	)
	if baseVersion == 0 {
		saved, err = uc.escrows.Create(ctx, next)
	} else {
		saved, err = uc.escrows.Put(ctx, next, baseVersion)
	}
	if err != nil {
		log.Error("ledger operation succeeded but escrow was not persisted",
			zap.String("ledger_status", string(result.Status)),
			zap.ByteString("ledger_result", result.ResultData),
			zap.Error(err))
		outboxID := ""
		if recorded {
			outboxID = entry.ID
		}
		return nil, domain.NewPersistenceError(next.ID, command, result, outboxID, err)
	}

	if recorded {
		if err := uc.outbox.Complete(ctx, entry.ID); err != nil {
			log.Warn("failed to complete outbox entry", zap.Error(err))
		}
	}
	uc.invalidate(ctx, next.ID)
	log.Info("escrow command applied", zap.Int64("version", saved.Version))
	return saved, nil
}

func (uc *UseCase) recordUnconfirmed(ctx context.Context, command domain.Command, baseVersion int64, next *domain.Escrow, result domain.SubmitResult) {
	log := uc.logger.With(
		zap.String("escrow_id", next.ID),
		zap.String("command", string(command)),
		zap.String("tx_hash", result.Hash),
	)
	if uc.outbox == nil {
		log.Error("ledger confirmation timed out and no outbox is configured")
		return
	}
	entry := &domain.OutboxEntry{
		EscrowID:    next.ID,
		Command:     command,
		Kind:        domain.OutboxUnconfirmed,
		TxHash:      result.Hash,
		BaseVersion: baseVersion,
		Snapshot:    next,
		Result:      result,
	}
	if err := uc.outbox.Record(ctx, entry); err != nil {
		log.Error("failed to record unconfirmed ledger operation", zap.Error(err))
		return
	}
	log.Warn("ledger confirmation timed out", zap.String("outbox_id", entry.ID))
}

func (uc *UseCase) invalidate(ctx context.Context, id string) {
	uc.reads.Forget(id)
	if uc.cache == nil {
		return
	}
	if err := uc.cache.Invalidate(ctx, id); err != nil {
		uc.logger.Warn("failed to invalidate escrow cache", zap.String("escrow_id", id), zap.Error(err))
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(domain.CodeOf(err)))
}

// Get returns an escrow snapshot, served from the cache when possible.
func (uc *UseCase) Get(ctx context.Context, id string) (*domain.Escrow, error) {
	if uc.cache != nil {
		cached, err := uc.cache.Get(ctx, id)
		if err == nil {
			return cached, nil
		}
		if !domain.IsNotFound(err) {
			uc.logger.Warn("escrow cache read failed", zap.String("escrow_id", id), zap.Error(err))
		}
	}

	v, err, _ := uc.reads.Do(id, func() (interface{}, error) {
		loaded, err := uc.escrows.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if uc.cache != nil {
			if err := uc.cache.Set(ctx, loaded, uc.opts.CacheTTL); err != nil {
				uc.logger.Warn("escrow cache write failed", zap.String("escrow_id", id), zap.Error(err))
			}
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Escrow).Clone(), nil
}

func (uc *UseCase) Query(ctx context.Context, filter repository.EscrowFilter) ([]domain.Escrow, error) {
	if filter.Role != "" && filter.Address == "" {
		return nil, domain.Invalidf("address is required when filtering by role")
	}
	return uc.escrows.Query(ctx, filter)
}

// Roles resolves the roles address holds in the escrow. An empty set is a
// valid answer.
func (uc *UseCase) Roles(ctx context.Context, id, address string) (domain.RoleSet, error) {
	e, err := uc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.ResolveRoles(e, address), nil
}

// InFlight lists the commands currently accepted for the escrow.
func (uc *UseCase) InFlight(id string) []InFlight {
	return uc.inflight.list(id)
}
