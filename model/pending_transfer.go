package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pending transfer statuses. Transitions only move forward:
// pending -> partial -> matched, and any non-matched status -> cancelled.
const (
	PendingTransferStatusPending   = "pending"
	PendingTransferStatusPartial   = "partial"
	PendingTransferStatusMatched   = "matched"
	PendingTransferStatusCancelled = "cancelled"
)

// Pending transfer sides.
const (
	PendingTransferSideFrom = "from"
	PendingTransferSideTo   = "to"
)

type PendingTransfer struct {
	PendingTransferID string          `json:"pending_transfer_id"`
	FromAccountID     string          `json:"from_account_id"`
	ToAccountID       string          `json:"to_account_id"`
	Amount            decimal.Decimal `json:"amount"`
	ToAmount          decimal.Decimal `json:"to_amount"`
	Currency          string          `json:"currency"`
	Date              time.Time       `json:"date"`
	Description       string          `json:"description,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	FromTransactionID string          `json:"from_transaction_id,omitempty"`
	ToTransactionID   string          `json:"to_transaction_id,omitempty"`
	Status            string          `json:"status"`
	AmountTolerance   decimal.Decimal `json:"amount_tolerance"`
	DateToleranceDays int             `json:"date_tolerance_days"`
	MatchedAt         *time.Time      `json:"matched_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// IsOpen reports whether the transfer can still receive matches.
func (p *PendingTransfer) IsOpen() bool {
	return p.Status == PendingTransferStatusPending || p.Status == PendingTransferStatusPartial
}

// PendingTransferRequest is a user declaration of a transfer not yet on any statement.
type PendingTransferRequest struct {
	FromAccountID     string           `json:"from_account_id"`
	ToAccountID       string           `json:"to_account_id"`
	Amount            decimal.Decimal  `json:"amount"`
	ToAmount          *decimal.Decimal `json:"to_amount,omitempty"`
	Currency          string           `json:"currency,omitempty"`
	Date              time.Time        `json:"date"`
	Description       string           `json:"description,omitempty"`
	Notes             string           `json:"notes,omitempty"`
	AmountTolerance   *decimal.Decimal `json:"amount_tolerance,omitempty"`
	DateToleranceDays *int             `json:"date_tolerance_days,omitempty"`
}

// PendingSideUpdate records one side of a pending transfer found in a batch.
type PendingSideUpdate struct {
	PendingTransferID string
	Side              string
	TransactionID     string
	ExpectedStatus    string
	NewStatus         string
}

// PendingMatchResult summarises a matching pass over a transaction batch.
type PendingMatchResult struct {
	Partial   []PendingTransfer `json:"partial"`
	Matched   []PendingTransfer `json:"matched"`
	Conflicts int               `json:"conflicts"`
}
