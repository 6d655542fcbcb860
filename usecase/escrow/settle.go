package escrow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fastygo/escrow/domain"
)

// settle builds, signs and submits op, then polls while the ledger reports
// PENDING. Once submitted the operation is no longer tied to ctx
// cancellation. On a TimeoutError the returned result carries the hash.
func (uc *UseCase) settle(ctx context.Context, op domain.LedgerOperation) (domain.SubmitResult, error) {
	unsigned, err := uc.ledger.Build(ctx, op)
	if err != nil {
		return domain.SubmitResult{}, ledgerCallError("build", err)
	}
	signed, err := uc.ledger.Sign(ctx, unsigned, op.Signer)
	if err != nil {
		return domain.SubmitResult{}, ledgerCallError("sign", err)
	}

	ctx = context.WithoutCancel(ctx)
	result, err := uc.ledger.Submit(ctx, signed)
	if err != nil {
		return result, ledgerCallError("submit", err)
	}

	log := uc.logger.With(
		zap.String("escrow_id", op.EscrowID),
		zap.String("command", string(op.Kind)),
		zap.String("tx_hash", result.Hash),
	)
	for attempt := 0; result.Status == domain.LedgerPending; attempt++ {
		if attempt >= uc.opts.PollAttempts {
			return result, domain.NewTimeoutError(result.Hash, attempt)
		}
		uc.sleep(uc.opts.PollInterval)

		status, err := uc.ledger.Status(ctx, result.Hash)
		if err != nil {
			log.Warn("ledger status check failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if status.Hash == "" {
			status.Hash = result.Hash
		}
		result = status
	}

	switch result.Status {
	case domain.LedgerSuccess:
		return result, nil
	case domain.LedgerFailed:
		log.Info("ledger rejected operation", zap.String("ledger_code", result.ErrorCode), zap.String("ledger_message", result.Message))
		return result, domain.NewLedgerError(result.ErrorCode, result.Message, result.Hash)
	default:
		return result, domain.NewLedgerError("", fmt.Sprintf("unexpected ledger status %q", result.Status), result.Hash)
	}
}

// ledgerCallError classifies a transport failure from the ledger client.
// Coded errors pass through; context errors stay unclassified.
func ledgerCallError(stage string, err error) error {
	var dErr *domain.Error
	if errors.As(err, &dErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ledger %s: %w", stage, err)
	}
	return domain.NewLedgerError("", fmt.Sprintf("ledger %s failed: %v", stage, err), "")
}
