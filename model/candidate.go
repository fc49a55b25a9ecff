package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candidate statuses.
const (
	CandidateStatusPending    = "pending"
	CandidateStatusConfirmed  = "confirmed"
	CandidateStatusRejected   = "rejected"
	CandidateStatusAutoLinked = "auto_linked"
)

// ConfidenceFactors keeps each component of a candidate's score so a reviewer
// can see why the pair was proposed.
type ConfidenceFactors struct {
	Base                  int     `json:"base"`
	DateProximity         int     `json:"date_proximity"`
	AmountExactness       int     `json:"amount_exactness"`
	CompanyMatch          int     `json:"company_match"`
	DescriptionSimilarity int     `json:"description_similarity"`
	TransferKeyword       int     `json:"transfer_keyword"`
	SimilarityRatio       float64 `json:"similarity_ratio"`
}

// Total sums the factors and clamps the result into 0..100.
func (f ConfidenceFactors) Total() int {
	total := f.Base + f.DateProximity + f.AmountExactness + f.CompanyMatch + f.DescriptionSimilarity + f.TransferKeyword
	if total < 0 {
		return 0
	}
	if total > 100 {
		return 100
	}
	return total
}

type TransferCandidate struct {
	CandidateID       string            `json:"candidate_id"`
	FromTransactionID string            `json:"from_transaction_id"`
	ToTransactionID   string            `json:"to_transaction_id"`
	FromAccountID     string            `json:"from_account_id"`
	ToAccountID       string            `json:"to_account_id"`
	FromCompanyID     string            `json:"from_company_id,omitempty"`
	ToCompanyID       string            `json:"to_company_id,omitempty"`
	FromAmount        decimal.Decimal   `json:"from_amount"`
	FromCurrency      string            `json:"from_currency"`
	ToAmount          decimal.Decimal   `json:"to_amount"`
	ToCurrency        string            `json:"to_currency"`
	ExchangeRate      *decimal.Decimal  `json:"exchange_rate,omitempty"`
	RateSource        string            `json:"rate_source,omitempty"`
	DateDiffDays      int               `json:"date_diff_days"`
	Confidence        int               `json:"confidence"`
	Factors           ConfidenceFactors `json:"factors"`
	CrossCompany      bool              `json:"cross_company"`
	Status            string            `json:"status"`
	ReviewedBy        string            `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time        `json:"reviewed_at,omitempty"`
	RejectionReason   string            `json:"rejection_reason,omitempty"`
	UnlinkedAt        *time.Time        `json:"unlinked_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsActive reports whether the candidate still claims its two transactions.
func (c *TransferCandidate) IsActive() bool {
	return c.Status != CandidateStatusRejected && c.UnlinkedAt == nil
}

// Involves reports whether the candidate touches the given transaction.
func (c *TransferCandidate) Involves(transactionID string) bool {
	return c.FromTransactionID == transactionID || c.ToTransactionID == transactionID
}

// ExchangeRate is a caller-supplied conversion rate for cross-currency pairing.
type ExchangeRate struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Rate   decimal.Decimal `json:"rate"`
	Source string          `json:"source"`
	AsOf   time.Time       `json:"as_of"`
}

// DetectionFilter scopes one transfer detection run.
type DetectionFilter struct {
	From              *time.Time     `json:"from,omitempty"`
	To                *time.Time     `json:"to,omitempty"`
	AccountIDs        []string       `json:"account_ids,omitempty"`
	DateToleranceDays *int           `json:"date_tolerance_days,omitempty"`
	AutoLinkThreshold *int           `json:"auto_link_threshold,omitempty"`
	ExchangeRates     []ExchangeRate `json:"exchange_rates,omitempty"`

	// FocusTransactionIDs restricts pairing to pairs with at least one side in the set.
	FocusTransactionIDs []string `json:"-"`
	// ExcludeLocked drops statement or manually locked transactions from the pool.
	ExcludeLocked bool `json:"-"`
}

// DetectionResult summarises a detection run.
type DetectionResult struct {
	Analyzed          int                 `json:"analyzed"`
	CandidatesCreated int                 `json:"candidates_created"`
	AutoLinked        []TransferCandidate `json:"auto_linked"`
	Pending           []TransferCandidate `json:"pending"`
	Rescored          int                 `json:"rescored"`
	Conflicts         int                 `json:"conflicts"`
	SkippedStaleRates int                 `json:"skipped_stale_rates"`
}

// Review actions.
const (
	ReviewActionConfirm = "confirm"
	ReviewActionReject  = "reject"
)

// ReviewDecision is a human verdict on a pending candidate.
type ReviewDecision struct {
	Action   string `json:"action"`
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason,omitempty"`
}

// ReviewResult is returned after a candidate has been reviewed.
type ReviewResult struct {
	Candidate    *TransferCandidate `json:"candidate"`
	Transactions []Transaction      `json:"transactions,omitempty"`
}
