package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/internal/infrastructure/outbox"
	"github.com/fastygo/escrow/repository"
	"github.com/fastygo/escrow/usecase"
)

// ConnectionHealth abstracts the connection monitor functionality.
type ConnectionHealth interface {
	IsOnline() bool
}

// DisputeCanceller cancels the pending dispute record of an escrow whose
// start-dispute operation the ledger rejected after confirmation timed out.
type DisputeCanceller interface {
	AbandonPending(ctx context.Context, escrowID, reason string) error
}

// ReconcilerMetrics receives reconciliation outcomes and outbox depth.
type ReconcilerMetrics interface {
	ObserveReconcile(outcome string)
	SetOutboxDepth(pending, dead int)
}

// Reconciliation outcomes.
const (
	OutcomeApplied        = "applied"
	OutcomeAlreadyApplied = "already_applied"
	OutcomeRetried        = "retried"
	OutcomeDead           = "dead"
	OutcomeDiscarded      = "discarded"
)

// ReconcilerConfig controls how frequently the outbox is drained.
type ReconcilerConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
	// MinAge keeps the reconciler away from pending_persistence entries the
	// engine is still writing.
	MinAge        time.Duration
	DeadRetention time.Duration
}

// Reconciler drives outbox entries to the repository: it re-applies
// snapshots whose write failed and resolves ledger operations whose
// confirmation timed out.
type Reconciler struct {
	store   *outbox.Store
	monitor ConnectionHealth
	escrows repository.EscrowRepository
	cache   repository.EscrowCache
	ledger   usecase.Ledger
	disputes DisputeCanceller
	metrics  ReconcilerMetrics
	logger   *zap.Logger
	cron     *cron.Cron
	cfg      ReconcilerConfig
	now      func() time.Time
}

func NewReconciler(
	store *outbox.Store,
	monitor ConnectionHealth,
	escrows repository.EscrowRepository,
	cache repository.EscrowCache,
	ledger usecase.Ledger,
	disputes DisputeCanceller,
	metrics ReconcilerMetrics,
	logger *zap.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reconciler{
		store:    store,
		monitor:  monitor,
		escrows:  escrows,
		cache:    cache,
		ledger:   ledger,
		disputes: disputes,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		cron:     cron.New(cron.WithSeconds()),
		now:      func() time.Time { return time.Now().UTC() },
	}

	seconds := int(cfg.Interval.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	_, _ = r.cron.AddFunc(fmt.Sprintf("@every %ds", seconds), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		defer cancel()
		if err := r.Drain(ctx); err != nil {
			r.logger.Error("outbox drain failed", zap.Error(err))
		}
	})

	return r
}

// Start launches the cron scheduler.
func (r *Reconciler) Start() {
	if r == nil || r.cron == nil {
		return
	}
	r.cron.Start()
	r.logger.Info("outbox reconciler started", zap.Duration("interval", r.cfg.Interval))
}

// Stop gracefully stops the scheduler, waiting for a running drain.
func (r *Reconciler) Stop(ctx context.Context) {
	if r == nil || r.cron == nil {
		return
	}
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	r.logger.Info("outbox reconciler stopped")
}

// Drain processes one batch of pending entries synchronously.
func (r *Reconciler) Drain(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	if r.monitor != nil && !r.monitor.IsOnline() {
		r.logger.Debug("skipping outbox drain (repository offline)")
		return nil
	}

	entries, err := r.store.Batch(r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("reconciler: load batch: %w", err)
	}

	cutoff := r.now().Add(-r.cfg.MinAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.Kind == domain.OutboxPendingPersistence && entry.CreatedAt.After(cutoff) {
			continue
		}
		r.process(ctx, entry)
	}

	if r.cfg.DeadRetention > 0 {
		if removed, err := r.store.Cleanup(r.now().Add(-r.cfg.DeadRetention)); err != nil {
			r.logger.Warn("dead letter cleanup failed", zap.Error(err))
		} else if removed > 0 {
			r.logger.Info("expired dead letters removed", zap.Int("count", removed))
		}
	}
	r.reportDepth()
	return nil
}

// Replay revives a dead entry, or every pending entry when id is empty, and
// processes it immediately regardless of its age.
func (r *Reconciler) Replay(ctx context.Context, id string) error {
	if id == "" {
		entries, err := r.store.List(false)
		if err != nil {
			return fmt.Errorf("reconciler: list: %w", err)
		}
		for _, entry := range entries {
			r.process(ctx, entry)
		}
		r.reportDepth()
		return nil
	}

	entry, err := r.store.Revive(id)
	if err != nil {
		return err
	}
	r.process(ctx, *entry)
	r.reportDepth()
	return nil
}

// Discard drops an entry from either bucket.
func (r *Reconciler) Discard(id string) error {
	if _, err := r.store.Get(id); err != nil {
		return err
	}
	if err := r.store.Remove(id); err != nil {
		return fmt.Errorf("reconciler: discard %s: %w", id, err)
	}
	r.logger.Warn("outbox entry discarded", zap.String("outbox_id", id))
	r.observe(OutcomeDiscarded)
	r.reportDepth()
	return nil
}

// Entries lists the pending or the dead entries.
func (r *Reconciler) Entries(dead bool) ([]domain.OutboxEntry, error) {
	return r.store.List(dead)
}

func (r *Reconciler) process(ctx context.Context, entry domain.OutboxEntry) {
	log := r.logger.With(
		zap.String("outbox_id", entry.ID),
		zap.String("escrow_id", entry.EscrowID),
		zap.String("command", string(entry.Command)),
		zap.String("tx_hash", entry.TxHash),
	)

	if entry.Kind == domain.OutboxUnconfirmed {
		confirmed, err := r.confirm(ctx, &entry)
		switch {
		case err != nil:
			r.retry(log, entry, err)
			return
		case !confirmed:
			return
		}
	}

	outcome, err := r.apply(ctx, entry)
	if err == nil {
		if err := r.store.Remove(entry.ID); err != nil {
			log.Warn("failed to purge reconciled outbox entry", zap.Error(err))
		}
		r.invalidate(ctx, entry.EscrowID)
		log.Info("outbox entry reconciled", zap.String("outcome", outcome))
		r.observe(outcome)
		return
	}

	if domain.IsConflict(err) || domain.IsNotFound(err) {
		r.bury(log, entry, err)
		return
	}
	r.retry(log, entry, err)
}

// confirm resolves an unconfirmed entry against the ledger. It reports true
// when the operation succeeded and the entry is ready to be applied.
func (r *Reconciler) confirm(ctx context.Context, entry *domain.OutboxEntry) (bool, error) {
	if r.ledger == nil {
		return false, errors.New("no ledger configured")
	}
	status, err := r.ledger.Status(ctx, entry.TxHash)
	if err != nil {
		return false, err
	}

	log := r.logger.With(zap.String("outbox_id", entry.ID), zap.String("tx_hash", entry.TxHash))
	switch status.Status {
	case domain.LedgerSuccess:
		if status.Hash == "" {
			status.Hash = entry.TxHash
		}
		entry.Kind = domain.OutboxPendingPersistence
		entry.Result = status
		if entry.Command == domain.CommandInitialize && entry.Snapshot != nil && entry.Snapshot.ContractID == "" {
			entry.Snapshot.ContractID = status.ContractID()
		}
		if err := r.store.Put(entry); err != nil {
			return false, err
		}
		log.Info("unconfirmed ledger operation succeeded")
		return true, nil
	case domain.LedgerFailed:
		log.Warn("unconfirmed ledger operation failed; dropping entry",
			zap.String("ledger_code", status.ErrorCode),
			zap.String("ledger_message", status.Message))
		if entry.Command == domain.CommandStartDispute {
			if err := r.abandonDispute(ctx, entry, status); err != nil {
				return false, err
			}
		}
		if err := r.store.Remove(entry.ID); err != nil {
			return false, err
		}
		r.observe(OutcomeDiscarded)
		return false, nil
	default:
		return false, fmt.Errorf("ledger still reports %s", status.Status)
	}
}

// abandonDispute cancels the record opened for a rejected start-dispute. A
// stored escrow that is disputed belongs to a later StartDispute and keeps
// its record.
func (r *Reconciler) abandonDispute(ctx context.Context, entry *domain.OutboxEntry, status domain.SubmitResult) error {
	if r.disputes == nil {
		return nil
	}
	stored, err := r.escrows.Get(ctx, entry.EscrowID)
	if err != nil {
		return err
	}
	if stored.DisputeFlag {
		return nil
	}
	reason := "ledger rejected the dispute"
	if status.Message != "" {
		reason = status.Message
	}
	if err := r.disputes.AbandonPending(ctx, entry.EscrowID, reason); err != nil {
		return fmt.Errorf("cancel dispute record: %w", err)
	}
	r.logger.Info("dispute record cancelled after ledger rejection",
		zap.String("escrow_id", entry.EscrowID),
		zap.String("tx_hash", entry.TxHash))
	return nil
}

// apply writes the snapshot. A conflict whose stored escrow already carries
// the entry's transaction is treated as applied.
func (r *Reconciler) apply(ctx context.Context, entry domain.OutboxEntry) (string, error) {
	if entry.Snapshot == nil {
		return "", domain.Invalidf("outbox entry %s has no snapshot", entry.ID)
	}
	snapshot := entry.Snapshot.Clone()
	snapshot.LastTxHash = entry.TxHash

	var err error
	if entry.BaseVersion == 0 {
		_, err = r.escrows.Create(ctx, snapshot)
	} else {
		_, err = r.escrows.Put(ctx, snapshot, entry.BaseVersion)
	}
	if err == nil {
		return OutcomeApplied, nil
	}
	if !domain.IsConflict(err) {
		return "", err
	}

	stored, getErr := r.escrows.Get(ctx, entry.EscrowID)
	if getErr != nil {
		return "", err
	}
	if stored.LastTxHash == entry.TxHash && stored.Version == entry.BaseVersion+1 {
		return OutcomeAlreadyApplied, nil
	}
	return "", err
}

func (r *Reconciler) retry(log *zap.Logger, entry domain.OutboxEntry, cause error) {
	entry.Attempts++
	entry.LastError = cause.Error()
	if entry.Attempts >= r.cfg.MaxRetries {
		r.bury(log, entry, fmt.Errorf("max retries reached: %w", cause))
		return
	}
	log.Warn("outbox entry not reconciled; will retry",
		zap.Int("attempts", entry.Attempts),
		zap.Error(cause))
	if err := r.store.Put(&entry); err != nil {
		log.Error("failed to update outbox entry", zap.Error(err))
	}
	r.observe(OutcomeRetried)
}

func (r *Reconciler) bury(log *zap.Logger, entry domain.OutboxEntry, cause error) {
	log.Error("moving outbox entry to dead letters",
		zap.Int("attempts", entry.Attempts),
		zap.Error(cause))
	if err := r.store.Bury(entry, cause.Error()); err != nil {
		log.Error("failed to move outbox entry to dead letters", zap.Error(err))
		return
	}
	r.observe(OutcomeDead)
}

func (r *Reconciler) invalidate(ctx context.Context, escrowID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, escrowID); err != nil {
		r.logger.Warn("failed to invalidate escrow cache", zap.String("escrow_id", escrowID), zap.Error(err))
	}
}

func (r *Reconciler) observe(outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveReconcile(outcome)
	}
}

func (r *Reconciler) reportDepth() {
	if r.metrics == nil {
		return
	}
	pending, err := r.store.Size()
	if err != nil {
		return
	}
	dead, err := r.store.DeadSize()
	if err != nil {
		return
	}
	r.metrics.SetOutboxDepth(pending, dead)
}

// Size returns the number of pending entries.
func (r *Reconciler) Size() int {
	if r == nil || r.store == nil {
		return 0
	}
	size, err := r.store.Size()
	if err != nil {
		return 0
	}
	return size
}
