package model

import "time"

// Reanalysis batch states.
const (
	BatchStatePending            = "pending"
	BatchStateDetectingTransfers = "detecting_transfers"
	BatchStateMatchingKB         = "matching_kb"
	BatchStateProcessingAI       = "processing_ai"
	BatchStateCompleted          = "completed"
	BatchStateFailed             = "failed"
	BatchStateCancelled          = "cancelled"
)

// BatchProgress is the (current, total) pair shown to clients.
type BatchProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// BatchCounters accumulate per-outcome totals for a batch.
type BatchCounters struct {
	TransfersAutoLinked int `json:"transfers_auto_linked"`
	TransfersForReview  int `json:"transfers_for_review"`
	KBMatches           int `json:"kb_matches"`
	AIMatches           int `json:"ai_matches"`
	Unmatched           int `json:"unmatched"`
	Excluded            int `json:"excluded"`
	Errors              int `json:"errors"`
}

type ReanalysisBatch struct {
	BatchID         string        `json:"batch_id"`
	TransactionIDs  []string      `json:"transaction_ids"`
	DetectTransfers bool          `json:"detect_transfers"`
	RequestedBy     string        `json:"requested_by,omitempty"`
	State           string        `json:"state"`
	Progress        BatchProgress `json:"progress"`
	Counters        BatchCounters `json:"counters"`
	Message         string        `json:"message,omitempty"`
	LastProgressAt  time.Time     `json:"last_progress_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// IsTerminal reports whether the batch can no longer change state on its own.
func (b *ReanalysisBatch) IsTerminal() bool {
	switch b.State {
	case BatchStateCompleted, BatchStateFailed, BatchStateCancelled:
		return true
	}
	return false
}

// ReanalysisRequest selects transactions for a reanalysis batch.
type ReanalysisRequest struct {
	TransactionIDs  []string `json:"transaction_ids"`
	DetectTransfers bool     `json:"detect_transfers"`
	RequestedBy     string   `json:"requested_by,omitempty"`
}

// KnowledgeBaseEntry maps a description keyword to a category.
type KnowledgeBaseEntry struct {
	Keyword    string `json:"keyword"`
	CategoryID string `json:"category_id"`
}

// CategorySuggestion is what the external categorizer returns for one transaction.
type CategorySuggestion struct {
	CategoryID string  `json:"category_code"`
	Confidence float64 `json:"confidence"`
}
