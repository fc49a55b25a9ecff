/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/tally/model"
	"github.com/shopspring/decimal"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	account         // Interface for account-related operations
	transaction     // Interface for transaction-related operations
	statement       // Interface for statement import operations
	candidate       // Interface for transfer candidate operations
	transferLink    // Interface for linking and unlinking transfer pairs
	pendingTransfer // Interface for declared transfer operations
	reanalysis      // Interface for reanalysis batch operations
	knowledgeBase   // Interface for keyword to category lookups
}

// account defines methods for handling accounts.
type account interface {
	CreateAccount(ctx context.Context, account model.Account) (model.Account, error) // Creates a new account
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)            // Retrieves an account by ID
}

// transaction defines methods for handling statement transactions.
type transaction interface {
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)                             // Retrieves a transaction by ID
	GetTransactionsByIDs(ctx context.Context, ids []string) ([]model.Transaction, error)                   // Retrieves transactions ordered by ID
	GetTransferPool(ctx context.Context, filter model.TransferPoolFilter) ([]model.Transaction, error)     // Retrieves unlinked transactions eligible for pairing
	UpdateTransactionCategory(ctx context.Context, id, categoryID string, needsReview bool) error           // Categorises an unlocked, unlinked transaction
	DeleteTransaction(ctx context.Context, id string) error                                                 // Deletes an unlinked transaction
}

// statement defines methods for handling statement imports.
type statement interface {
	RecordStatementImport(ctx context.Context, stmt *model.StatementImport, txns []model.Transaction) error                                                             // Records a statement and its transactions atomically
	GetStatementImport(ctx context.Context, id string) (*model.StatementImport, error)                                                                                   // Retrieves a statement import by ID
	GetStatementTransactions(ctx context.Context, statementID string) ([]model.Transaction, error)                                                                       // Retrieves statement transactions in statement order
	UpdateStatementDirections(ctx context.Context, statementID string, corrections []model.DirectionCorrection, status string, computedClosing decimal.Decimal) error // Rewrites directions on an unconfirmed statement
	ConfirmStatementImport(ctx context.Context, statementID string, confirmedAt time.Time) error                                                                        // Confirms a statement and locks its transactions
}

// candidate defines methods for handling transfer candidates.
type candidate interface {
	CreateCandidate(ctx context.Context, c *model.TransferCandidate) error                                                               // Claims both transactions and records the candidate in one step
	GetCandidate(ctx context.Context, id string) (*model.TransferCandidate, error)                                                      // Retrieves a candidate by ID
	GetCandidates(ctx context.Context, status string, limit, offset int) ([]model.TransferCandidate, error)                             // Lists candidates, optionally by status
	GetActiveCandidatesForTransactions(ctx context.Context, ids []string) ([]model.TransferCandidate, error)                            // Retrieves active candidates touching any of the transactions
	UpdateCandidateScore(ctx context.Context, id string, confidence int, factors model.ConfidenceFactors, updatedAt time.Time) error   // Re-scores a candidate that is still pending
	RejectCandidate(ctx context.Context, id, reviewer, reason string, reviewedAt time.Time) (*model.TransferCandidate, error)           // Rejects a pending candidate and releases its claim
}

// transferLink defines the atomic link and unlink operations.
type transferLink interface {
	ApplyTransferLink(ctx context.Context, link model.TransferLink) (*model.LinkedPair, error)       // Links two transactions and closes the source record
	UnlinkTransaction(ctx context.Context, id string, unlinkedAt time.Time) (*model.LinkedPair, error) // Clears both sides of a link
}

// pendingTransfer defines methods for declared transfers.
type pendingTransfer interface {
	RecordPendingTransfer(ctx context.Context, p *model.PendingTransfer) error                                   // Records a new pending transfer
	GetPendingTransfer(ctx context.Context, id string) (*model.PendingTransfer, error)                           // Retrieves a pending transfer by ID
	GetPendingTransfers(ctx context.Context, status string) ([]model.PendingTransfer, error)                      // Lists pending transfers, optionally by status
	GetOpenPendingTransfers(ctx context.Context, accountIDs []string) ([]model.PendingTransfer, error)            // Retrieves pending or partial transfers touching the accounts
	RecordPendingTransferSide(ctx context.Context, update model.PendingSideUpdate) (*model.PendingTransfer, error) // Records one matched side with a status guard
	CancelPendingTransfer(ctx context.Context, id string) (*model.PendingTransfer, error)                        // Cancels a pending or partial transfer
	DeletePendingTransfer(ctx context.Context, id string) error                                                   // Deletes a transfer that never matched
	GetReservedTransactionIDs(ctx context.Context, ids []string) (map[string]string, error)                      // Maps transactions held by live pending transfers to the transfer ID
}

// reanalysis defines methods for reanalysis batches.
type reanalysis interface {
	RecordBatch(ctx context.Context, batch *model.ReanalysisBatch) error                                                                                     // Records a new batch
	GetBatch(ctx context.Context, id string) (*model.ReanalysisBatch, error)                                                                                 // Retrieves a batch by ID
	TransitionBatch(ctx context.Context, id string, from []string, to, message string, at time.Time) (*model.ReanalysisBatch, error)                         // Moves a batch between states with a guard
	SaveBatchProgress(ctx context.Context, id string, progress model.BatchProgress, counters model.BatchCounters, at time.Time) (string, error)              // Saves progress and returns the current state
	ResetBatch(ctx context.Context, id string, at time.Time) (*model.ReanalysisBatch, error)                                                                 // Returns a failed batch to pending
	GetStalledBatches(ctx context.Context, before time.Time) ([]model.ReanalysisBatch, error)                                                                // Retrieves running batches with no progress since before
}

// knowledgeBase defines the keyword lookup used during reanalysis.
type knowledgeBase interface {
	GetKnowledgeBaseEntries(ctx context.Context) ([]model.KnowledgeBaseEntry, error)  // Retrieves every keyword entry
	RecordKnowledgeBaseEntry(ctx context.Context, entry model.KnowledgeBaseEntry) error // Upserts a keyword entry
}
