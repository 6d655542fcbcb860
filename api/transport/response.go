package transport

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/fastygo/escrow/domain"
)

// Envelope is the standard API response wrapper used for both success and error payloads.
type Envelope struct {
	Status string      `json:"status"`
	Code   string      `json:"code,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	Error  interface{} `json:"error,omitempty"`
	Meta   interface{} `json:"meta,omitempty"`
}

// NewSuccess returns a success envelope.
func NewSuccess(data interface{}, meta interface{}) Envelope {
	return Envelope{
		Status: "success",
		Data:   data,
		Meta:   meta,
	}
}

// NewError returns an error envelope with optional metadata.
func NewError(code string, err interface{}, meta interface{}) Envelope {
	return Envelope{
		Status: "error",
		Code:   code,
		Error:  err,
		Meta:   meta,
	}
}

// String returns the JSON representation (best-effort) for logging purposes.
func (e Envelope) String() string {
	out, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// EscrowView is the escrow snapshot with its derived lifecycle state.
type EscrowView struct {
	*domain.Escrow
	State domain.State `json:"state"`
}

func NewEscrowView(e *domain.Escrow) EscrowView {
	return EscrowView{Escrow: e, State: e.State()}
}

func NewEscrowViews(escrows []domain.Escrow) []EscrowView {
	views := make([]EscrowView, 0, len(escrows))
	for i := range escrows {
		views = append(views, NewEscrowView(&escrows[i]))
	}
	return views
}

// SplitView answers GET /api/v1/split.
type SplitView struct {
	Amount             decimal.Decimal `json:"amount"`
	PlatformFeePercent decimal.Decimal `json:"platformFeePercent"`
	domain.Split
	Total decimal.Decimal `json:"total"`
}

func NewSplitView(amount, fee decimal.Decimal) SplitView {
	split := domain.ComputeSplit(amount, fee)
	return SplitView{
		Amount:             amount,
		PlatformFeePercent: fee,
		Split:              split,
		Total:              split.Total(),
	}
}

// LedgerErrorDetail is the error body of LEDGER responses.
type LedgerErrorDetail struct {
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
	LedgerCode    string `json:"ledgerCode,omitempty"`
	LedgerMessage string `json:"ledgerMessage,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
}

// PersistenceErrorDetail is the error body of PERSISTENCE responses. The
// ledger operation succeeded; the outbox entry lets operators reconcile it.
type PersistenceErrorDetail struct {
	Message  string          `json:"message"`
	EscrowID string          `json:"escrowId"`
	Command  domain.Command  `json:"command"`
	TxHash   string          `json:"txHash"`
	OutboxID string          `json:"outboxId,omitempty"`
	Result   json.RawMessage `json:"ledgerResult,omitempty"`
}

// TimeoutErrorDetail is the error body of TIMEOUT responses.
type TimeoutErrorDetail struct {
	Message  string `json:"message"`
	TxHash   string `json:"txHash"`
	Attempts int    `json:"attempts"`
}
