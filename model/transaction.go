package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transfer status values carried on a transaction.
const (
	TransferStatusUnmatched = "unmatched"
	TransferStatusPending   = "pending"
	TransferStatusMatched   = "matched"
)

// Link types set when two transactions are joined as a transfer.
const (
	LinkTypeTransferOut = "transfer_out"
	LinkTypeTransferIn  = "transfer_in"
)

type Transaction struct {
	TransactionID   string           `json:"transaction_id"`
	AccountID       string           `json:"account_id"`
	CompanyID       string           `json:"company_id,omitempty"`
	StatementID     string           `json:"statement_id,omitempty"`
	Date            time.Time        `json:"date"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency"`
	Direction       Direction        `json:"direction"`
	Description     string           `json:"description"`
	CategoryID      string           `json:"category_id,omitempty"`
	LinkedTo        string           `json:"linked_to,omitempty"`
	LinkType        string           `json:"link_type,omitempty"`
	TransferStatus  string           `json:"transfer_status"`
	NeedsReview     bool             `json:"needs_review"`
	ManuallyLocked  bool             `json:"manually_locked"`
	StatementLocked bool             `json:"statement_locked"`
	Position        int              `json:"position"`
	RunningBalance  *decimal.Decimal `json:"running_balance,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

func (transaction *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(transaction)
}

// Magnitude returns the unsigned amount; the direction carries the sign.
func (transaction *Transaction) Magnitude() decimal.Decimal {
	return transaction.Amount.Abs()
}

// IsLinked reports whether the transaction is one side of a confirmed transfer.
func (transaction *Transaction) IsLinked() bool {
	return transaction.LinkedTo != ""
}

// IsLocked reports whether automated processes must leave the transaction alone.
func (transaction *Transaction) IsLocked() bool {
	return transaction.ManuallyLocked || transaction.StatementLocked
}

// TransferPoolFilter narrows the transactions considered for transfer pairing.
type TransferPoolFilter struct {
	From       time.Time
	To         time.Time
	AccountIDs []string
}
