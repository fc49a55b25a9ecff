package model

import "time"

// Sources a transfer link can originate from.
const (
	LinkSourceCandidate       = "candidate"
	LinkSourcePendingTransfer = "pending_transfer"
)

// TransferLink describes one atomic link operation: both transaction writes
// plus the terminal state of the record that produced the link.
type TransferLink struct {
	FromTransactionID string
	ToTransactionID   string
	CategoryID        string
	Source            string
	SourceID          string

	// SourceStatus is written to the source record; ExpectedSourceStatuses guards it.
	SourceStatus           string
	ExpectedSourceStatuses []string

	Reviewer string
	LinkedAt time.Time
}

// LinkedPair is the state of both transactions after a link or unlink.
type LinkedPair struct {
	From Transaction `json:"from"`
	To   Transaction `json:"to"`
}
