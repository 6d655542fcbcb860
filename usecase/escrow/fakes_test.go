package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
	"github.com/fastygo/escrow/repository/memory"
	"github.com/fastygo/escrow/usecase/dispute"
)

func addr(n byte) string {
	var key [32]byte
	key[0] = n
	return domain.EncodeStellarAddress(key)
}

var (
	approver = addr(1)
	provider = addr(2)
	platform = addr(3)
	signer   = addr(4)
	resolver = addr(5)
	receiver = addr(6)
	outsider = addr(7)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeLedger accepts every operation unless told otherwise.
type fakeLedger struct {
	mu       sync.Mutex
	ops      []domain.LedgerOperation
	submit   func(op domain.LedgerOperation) domain.SubmitResult
	statuses []domain.SubmitResult
	buildErr error

	// gate, when set, blocks Build until it is closed; entered is signalled
	// once per blocked call.
	gate    chan struct{}
	entered chan struct{}
}

func (l *fakeLedger) Build(ctx context.Context, op domain.LedgerOperation) (domain.UnsignedTransaction, error) {
	l.mu.Lock()
	gate, entered := l.gate, l.entered
	l.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.UnsignedTransaction{}, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buildErr != nil {
		return domain.UnsignedTransaction{}, l.buildErr
	}
	l.ops = append(l.ops, op)
	return domain.UnsignedTransaction{XDR: fmt.Sprintf("tx-%d", len(l.ops))}, nil
}

func (l *fakeLedger) Sign(ctx context.Context, tx domain.UnsignedTransaction, signer string) (domain.SignedTransaction, error) {
	return domain.SignedTransaction{XDR: tx.XDR + ":" + signer}, nil
}

func (l *fakeLedger) Submit(ctx context.Context, tx domain.SignedTransaction) (domain.SubmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op := l.ops[len(l.ops)-1]
	if l.submit != nil {
		return l.submit(op), nil
	}
	return success(op, len(l.ops)), nil
}

func (l *fakeLedger) Status(ctx context.Context, hash string) (domain.SubmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return domain.SubmitResult{Status: domain.LedgerPending, Hash: hash}, nil
	}
	next := l.statuses[0]
	l.statuses = l.statuses[1:]
	return next, nil
}

func (l *fakeLedger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

func success(op domain.LedgerOperation, n int) domain.SubmitResult {
	result := domain.SubmitResult{Status: domain.LedgerSuccess, Hash: fmt.Sprintf("hash-%d", n)}
	if op.Kind == domain.CommandInitialize {
		result.ResultData, _ = json.Marshal(map[string]string{"contractId": "C-" + op.EscrowID})
	}
	return result
}

type fakeOutbox struct {
	mu        sync.Mutex
	entries   map[string]domain.OutboxEntry
	recordErr error
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{entries: make(map[string]domain.OutboxEntry)}
}

func (o *fakeOutbox) Record(ctx context.Context, entry *domain.OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.recordErr != nil {
		return o.recordErr
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	stored := *entry
	stored.Snapshot = entry.Snapshot.Clone()
	o.entries[entry.ID] = stored
	return nil
}

func (o *fakeOutbox) Complete(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, id)
	return nil
}

func (o *fakeOutbox) list() []domain.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	return out
}

// failingRepository fails Put with err once armed.
type failingRepository struct {
	repository.EscrowRepository
	mu  sync.Mutex
	err error
}

func (r *failingRepository) arm(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *failingRepository) Put(ctx context.Context, e *domain.Escrow, expectedVersion int64) (*domain.Escrow, error) {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.EscrowRepository.Put(ctx, e, expectedVersion)
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) ObserveCommand(command domain.Command, outcome string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[string(command)+"/"+outcome]++
}

func (m *countingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[key]
}

type harness struct {
	uc       *UseCase
	repo     *failingRepository
	cache    repository.EscrowCache
	disputes *dispute.UseCase
	records  repository.DisputeRepository
	ledger   *fakeLedger
	outbox   *fakeOutbox
	metrics  *countingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:    &failingRepository{EscrowRepository: memory.NewEscrowRepository()},
		cache:   memory.NewEscrowCache(time.Minute),
		records: memory.NewDisputeRepository(),
		ledger:  &fakeLedger{},
		outbox:  newFakeOutbox(),
		metrics: &countingMetrics{},
	}
	h.disputes = dispute.New(h.records, h.repo, nil)
	h.uc = New(Deps{
		Escrows:  h.repo,
		Cache:    h.cache,
		Ledger:   h.ledger,
		Outbox:   h.outbox,
		Disputes: h.disputes,
		Metrics:  h.metrics,
	}, Options{PollAttempts: 3}, nil)
	h.uc.sleep = func(time.Duration) {}
	return h
}

func initCommand(milestones ...string) InitializeCommand {
	drafts := make([]domain.MilestoneDraft, 0, len(milestones))
	for _, m := range milestones {
		drafts = append(drafts, domain.MilestoneDraft{Description: m})
	}
	return InitializeCommand{
		Caller:             platform,
		EngagementID:       "ENG-1",
		Title:              "Website redesign",
		Amount:             dec("1000"),
		PlatformFeePercent: dec("5"),
		Roles: domain.Roles{
			Approver:        approver,
			ServiceProvider: provider,
			PlatformAddress: platform,
			ReleaseSigner:   signer,
			DisputeResolver: resolver,
			Receiver:        receiver,
		},
		Milestones: drafts,
	}
}

func (h *harness) initialize(t *testing.T, milestones ...string) *domain.Escrow {
	t.Helper()
	e, err := h.uc.Initialize(context.Background(), initCommand(milestones...))
	require.NoError(t, err)
	return e
}

func (h *harness) fund(t *testing.T, id, amount string) *domain.Escrow {
	t.Helper()
	e, err := h.uc.Fund(context.Background(), FundCommand{Header: Header{EscrowID: id, Caller: approver}, Amount: dec(amount)})
	require.NoError(t, err)
	return e
}

func (h *harness) complete(t *testing.T, id string, index int) *domain.Escrow {
	t.Helper()
	e, err := h.uc.CompleteMilestone(context.Background(), MilestoneCommand{
		Header:    Header{EscrowID: id, Caller: provider},
		Milestone: domain.IndexRef(index),
	})
	require.NoError(t, err)
	return e
}

func (h *harness) approve(t *testing.T, id string, index int) *domain.Escrow {
	t.Helper()
	e, err := h.uc.ApproveMilestone(context.Background(), MilestoneCommand{
		Header:    Header{EscrowID: id, Caller: approver},
		Milestone: domain.IndexRef(index),
	})
	require.NoError(t, err)
	return e
}

func (h *harness) stored(t *testing.T, id string) *domain.Escrow {
	t.Helper()
	e, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}
