package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Statement import statuses.
const (
	StatementStatusBalanced   = "balanced"
	StatementStatusMismatched = "mismatched"
	StatementStatusCorrected  = "corrected"
)

// StatementLine is one row of a statement as handed to the reconciler.
type StatementLine struct {
	Reference   string          `json:"reference,omitempty"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   Direction       `json:"direction"`
	Description string          `json:"description,omitempty"`
}

// StatementInput carries everything needed to check a statement's arithmetic.
type StatementInput struct {
	Currency       string           `json:"currency,omitempty"`
	BalanceType    BalanceType      `json:"balance_type"`
	OpeningBalance *decimal.Decimal `json:"opening_balance"`
	ClosingBalance *decimal.Decimal `json:"closing_balance"`
	Lines          []StatementLine  `json:"transactions"`
}

// SuspectLine is a row whose direction, if flipped, brings the computed
// closing balance closer to the declared one.
type SuspectLine struct {
	Position          int             `json:"position"`
	Reference         string          `json:"reference,omitempty"`
	Direction         Direction       `json:"direction"`
	Amount            decimal.Decimal `json:"amount"`
	ResidualIfFlipped decimal.Decimal `json:"residual_if_flipped"`
	ResolvesMismatch  bool            `json:"resolves_mismatch"`
}

// StatementReconciliation is the outcome of reconciling a statement.
type StatementReconciliation struct {
	OpeningBalance  decimal.Decimal   `json:"opening_balance"`
	DeclaredClosing decimal.Decimal   `json:"declared_closing"`
	ComputedClosing decimal.Decimal   `json:"computed_closing"`
	Discrepancy     decimal.Decimal   `json:"discrepancy"`
	Balanced        bool              `json:"balanced"`
	RunningBalances []decimal.Decimal `json:"running_balances"`
	Suspects        []SuspectLine     `json:"suspects"`
}

// ApplyLine moves a running balance by one statement line using the sign
// convention of the account. Asset accounts grow on credits, liability
// accounts grow on debits.
func ApplyLine(balanceType BalanceType, running decimal.Decimal, direction Direction, amount decimal.Decimal) decimal.Decimal {
	return running.Add(SignedDelta(balanceType, direction, amount))
}

// SignedDelta is the contribution of a single line to the closing balance.
func SignedDelta(balanceType BalanceType, direction Direction, amount decimal.Decimal) decimal.Decimal {
	magnitude := amount.Abs()
	increases := direction == DirectionCredit
	if balanceType == BalanceTypeLiability {
		increases = direction == DirectionDebit
	}
	if increases {
		return magnitude
	}
	return magnitude.Neg()
}

// ExtractedStatement is the typed form of an extraction service payload.
type ExtractedStatement struct {
	AccountName    string           `json:"account_name,omitempty"`
	AccountNumber  string           `json:"account_number,omitempty"`
	Currency       string           `json:"currency"`
	BalanceType    BalanceType      `json:"balance_type,omitempty"`
	PeriodStart    *time.Time       `json:"period_start,omitempty"`
	PeriodEnd      *time.Time       `json:"period_end,omitempty"`
	OpeningBalance *decimal.Decimal `json:"opening_balance"`
	ClosingBalance *decimal.Decimal `json:"closing_balance"`
	Lines          []StatementLine  `json:"transactions"`
}

// StatementImport is a persisted statement with its reconciliation outcome.
type StatementImport struct {
	StatementID     string          `json:"statement_id"`
	AccountID       string          `json:"account_id"`
	Currency        string          `json:"currency"`
	BalanceType     BalanceType     `json:"balance_type"`
	OpeningBalance  decimal.Decimal `json:"opening_balance"`
	ClosingBalance  decimal.Decimal `json:"closing_balance"`
	ComputedClosing decimal.Decimal `json:"computed_closing"`
	Status          string          `json:"status"`
	Confirmed       bool            `json:"confirmed"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	TransactionIDs  []string        `json:"transaction_ids"`
	CreatedAt       time.Time       `json:"created_at"`
}

// DirectionCorrection replaces the direction of one statement transaction.
type DirectionCorrection struct {
	TransactionID string    `json:"transaction_id"`
	Direction     Direction `json:"direction"`
}

// StatementResult is returned by statement operations.
type StatementResult struct {
	Statement      *StatementImport         `json:"statement"`
	Reconciliation *StatementReconciliation `json:"reconciliation"`
	Transactions   []Transaction            `json:"transactions"`
	PendingMatches *PendingMatchResult      `json:"pending_matches,omitempty"`
}
