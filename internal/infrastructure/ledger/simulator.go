package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/usecase"
)

var _ usecase.Ledger = (*Simulator)(nil)

// Simulator settles operations in process. Submissions report PENDING for
// the configured number of status checks before succeeding. Rejections can
// be scheduled per command for local testing.
type Simulator struct {
	mu            sync.Mutex
	confirmations int
	sequence      uint64
	txs           map[string]*simulatedTx
	rejections    map[domain.Command]string
	logger        *zap.Logger
}

type simulatedTx struct {
	result  domain.SubmitResult
	pending int
}

type simulatedEnvelope struct {
	Op     domain.LedgerOperation `json:"op"`
	Signer string                 `json:"signer,omitempty"`
}

func NewSimulator(confirmations int, logger *zap.Logger) *Simulator {
	if confirmations < 0 {
		confirmations = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		confirmations: confirmations,
		txs:           make(map[string]*simulatedTx),
		rejections:    make(map[domain.Command]string),
		logger:        logger,
	}
}

// Reject makes the next submission of kind fail with code.
func (s *Simulator) Reject(kind domain.Command, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[kind] = code
}

func (s *Simulator) Build(ctx context.Context, op domain.LedgerOperation) (domain.UnsignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.UnsignedTransaction{}, err
	}
	if op.Kind == "" || op.EscrowID == "" {
		return domain.UnsignedTransaction{}, domain.NewLedgerError(domain.LedgerCodeSimulationFailed, "operation kind and escrow id are required", "")
	}
	if op.Kind != domain.CommandInitialize && op.ContractID == "" {
		return domain.UnsignedTransaction{}, domain.NewLedgerError(domain.LedgerCodeSimulationFailed, "escrow has no deployed contract", "")
	}
	xdr, err := encodeEnvelope(simulatedEnvelope{Op: op})
	if err != nil {
		return domain.UnsignedTransaction{}, err
	}
	return domain.UnsignedTransaction{XDR: xdr}, nil
}

func (s *Simulator) Sign(ctx context.Context, tx domain.UnsignedTransaction, signer string) (domain.SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignedTransaction{}, err
	}
	env, err := decodeEnvelope(tx.XDR)
	if err != nil {
		return domain.SignedTransaction{}, err
	}
	if strings.TrimSpace(signer) == "" {
		return domain.SignedTransaction{}, domain.NewLedgerError(domain.LedgerCodeSignatureRejected, "no signer", "")
	}
	env.Signer = signer
	xdr, err := encodeEnvelope(env)
	if err != nil {
		return domain.SignedTransaction{}, err
	}
	return domain.SignedTransaction{XDR: xdr}, nil
}

func (s *Simulator) Submit(ctx context.Context, tx domain.SignedTransaction) (domain.SubmitResult, error) {
	env, err := decodeEnvelope(tx.XDR)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	if env.Signer == "" {
		return domain.SubmitResult{}, domain.NewLedgerError(domain.LedgerCodeSignatureRejected, "transaction is not signed", "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	hash := crypto.Keccak256Hash([]byte(tx.XDR), []byte(fmt.Sprint(s.sequence))).Hex()

	final := domain.SubmitResult{Status: domain.LedgerSuccess, Hash: hash}
	if code, ok := s.rejections[env.Op.Kind]; ok {
		delete(s.rejections, env.Op.Kind)
		final.Status = domain.LedgerFailed
		final.ErrorCode = code
		final.Message = fmt.Sprintf("simulated rejection of %s", env.Op.Kind)
	} else if env.Op.Kind == domain.CommandInitialize {
		contractID := "C" + strings.ToUpper(crypto.Keccak256Hash([]byte(env.Op.EscrowID)).Hex()[2:42])
		final.ResultData, _ = json.Marshal(map[string]string{"contractId": contractID})
	}

	s.txs[hash] = &simulatedTx{result: final, pending: s.confirmations}
	s.logger.Debug("simulated submission",
		zap.String("escrow_id", env.Op.EscrowID),
		zap.String("command", string(env.Op.Kind)),
		zap.String("tx_hash", hash))

	if s.confirmations > 0 {
		return domain.SubmitResult{Status: domain.LedgerPending, Hash: hash}, nil
	}
	return final, nil
}

func (s *Simulator) Status(ctx context.Context, hash string) (domain.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[hash]
	if !ok {
		return domain.SubmitResult{}, fmt.Errorf("ledger: unknown transaction %s", hash)
	}
	if tx.pending > 0 {
		tx.pending--
		return domain.SubmitResult{Status: domain.LedgerPending, Hash: hash}, nil
	}
	return tx.result, nil
}

func encodeEnvelope(env simulatedEnvelope) (string, error) {
	buf, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("ledger: encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func decodeEnvelope(xdr string) (simulatedEnvelope, error) {
	var env simulatedEnvelope
	buf, err := base64.StdEncoding.DecodeString(xdr)
	if err != nil {
		return env, domain.NewLedgerError(domain.LedgerCodeSimulationFailed, "malformed transaction", "")
	}
	if err := json.Unmarshal(buf, &env); err != nil {
		return env, domain.NewLedgerError(domain.LedgerCodeSimulationFailed, "malformed transaction", "")
	}
	return env, nil
}
