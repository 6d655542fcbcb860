package domain

import (
	"encoding/json"
	"strings"
)

// LedgerStatus is the settlement state reported by the ledger.
type LedgerStatus string

const (
	LedgerSuccess LedgerStatus = "SUCCESS"
	LedgerPending LedgerStatus = "PENDING"
	LedgerFailed  LedgerStatus = "FAILED"
)

// LedgerOperation is the payload handed to the ledger to build a transaction.
type LedgerOperation struct {
	Kind       Command                `json:"kind"`
	EscrowID   string                 `json:"escrowId"`
	ContractID string                 `json:"contractId,omitempty"`
	Signer     string                 `json:"signer"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

type UnsignedTransaction struct {
	XDR string `json:"unsignedTransaction"`
}

type SignedTransaction struct {
	XDR string `json:"signedTransaction"`
}

// SubmitResult is returned by submit and by status lookups.
type SubmitResult struct {
	Status     LedgerStatus    `json:"status"`
	Hash       string          `json:"hash"`
	ResultData json.RawMessage `json:"resultData,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// ContractID extracts the deployed contract identifier from an initialize result.
func (r SubmitResult) ContractID() string {
	if len(r.ResultData) == 0 {
		return ""
	}
	var data struct {
		ContractID string `json:"contractId"`
	}
	if err := json.Unmarshal(r.ResultData, &data); err != nil {
		return ""
	}
	return data.ContractID
}

// Known on-chain rejection codes.
const (
	LedgerCodePoolNotActive      = "POOL_NOT_ACTIVE"
	LedgerCodeReserveNotEnabled  = "RESERVE_NOT_ENABLED"
	LedgerCodeSupplyCapReached   = "SUPPLY_CAP_REACHED"
	LedgerCodeInsufficientFunds  = "INSUFFICIENT_BALANCE"
	LedgerCodeAlreadyReleased    = "ESCROW_ALREADY_RELEASED"
	LedgerCodeUnauthorizedSigner = "UNAUTHORIZED_SIGNER"
	LedgerCodeSignatureRejected  = "SIGNATURE_REJECTED"
	LedgerCodeSimulationFailed   = "SIMULATION_FAILED"
)

var ledgerHints = map[string]string{
	LedgerCodePoolNotActive:      "The lending pool is not active; try again once it is re-enabled.",
	LedgerCodeReserveNotEnabled:  "This asset reserve is not enabled in the pool.",
	LedgerCodeSupplyCapReached:   "The pool supply cap has been reached.",
	LedgerCodeInsufficientFunds:  "The signing account does not hold enough funds for this operation.",
	LedgerCodeAlreadyReleased:    "The escrow contract has already paid out.",
	LedgerCodeUnauthorizedSigner: "The signing wallet is not authorized for this escrow role.",
	LedgerCodeSignatureRejected:  "The wallet rejected the signature request.",
	LedgerCodeSimulationFailed:   "The transaction failed simulation and was not submitted.",
}

// LedgerHint maps a known ledger error code to a human-readable explanation.
// It returns "" for unrecognized codes.
func LedgerHint(code string) string {
	return ledgerHints[strings.ToUpper(strings.TrimSpace(code))]
}
