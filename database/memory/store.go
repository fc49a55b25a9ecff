// Package memory holds a process-local datasource with the same semantics as the
// Postgres one. Every method runs under a single mutex, which stands in for the
// row locks and conditional updates of the SQL implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/shopspring/decimal"
)

const systemReviewer = "system"

// Store is an in-memory datasource.
type Store struct {
	mu sync.Mutex

	accounts        map[string]model.Account
	transactions    map[string]model.Transaction
	statements      map[string]model.StatementImport
	candidates      map[string]model.TransferCandidate
	pendingTransfer map[string]model.PendingTransfer
	batches         map[string]model.ReanalysisBatch
	knowledge       map[string]string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		accounts:        make(map[string]model.Account),
		transactions:    make(map[string]model.Transaction),
		statements:      make(map[string]model.StatementImport),
		candidates:      make(map[string]model.TransferCandidate),
		pendingTransfer: make(map[string]model.PendingTransfer),
		batches:         make(map[string]model.ReanalysisBatch),
		knowledge:       make(map[string]string),
	}
}

func notFound(entity, id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s with ID '%s' not found", entity, id), nil)
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

// CreateAccount stores an account, generating its ID when empty.
func (s *Store) CreateAccount(_ context.Context, account model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.AccountID == "" {
		account.AccountID = model.GenerateUUIDWithSuffix("acc")
	}
	if _, ok := s.accounts[account.AccountID]; ok {
		return model.Account{}, apierror.NewAPIError(apierror.ErrConflict, "Account already exists", nil)
	}
	account.CreatedAt = time.Now()
	s.accounts[account.AccountID] = account
	return account, nil
}

func (s *Store) GetAccountByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, notFound("Account", id)
	}
	return &account, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, notFound("Transaction", id)
	}
	return &txn, nil
}

func (s *Store) GetTransactionsByIDs(_ context.Context, ids []string) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Transaction
	for _, id := range ids {
		if txn, ok := s.transactions[id]; ok {
			out = append(out, txn)
		}
	}
	sortTransactions(out)
	return dedupe(out), nil
}

func sortTransactions(txns []model.Transaction) {
	sort.Slice(txns, func(i, j int) bool { return txns[i].TransactionID < txns[j].TransactionID })
}

func dedupe(sorted []model.Transaction) []model.Transaction {
	out := sorted[:0]
	for i, txn := range sorted {
		if i > 0 && sorted[i-1].TransactionID == txn.TransactionID {
			continue
		}
		out = append(out, txn)
	}
	return out
}

func (s *Store) GetTransferPool(_ context.Context, filter model.TransferPoolFilter) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Transaction
	for _, txn := range s.transactions {
		if txn.IsLinked() || txn.TransferStatus == model.TransferStatusMatched || txn.ManuallyLocked {
			continue
		}
		if txn.Date.Before(filter.From) || txn.Date.After(filter.To) {
			continue
		}
		if len(filter.AccountIDs) > 0 && !contains(filter.AccountIDs, txn.AccountID) {
			continue
		}
		out = append(out, txn)
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) UpdateTransactionCategory(_ context.Context, id, categoryID string, needsReview bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok || txn.IsLinked() || txn.IsLocked() {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is locked, linked or missing", id), nil)
	}
	txn.CategoryID = categoryID
	txn.NeedsReview = needsReview
	s.transactions[id] = txn
	return nil
}

func (s *Store) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok {
		return notFound("Transaction", id)
	}
	if txn.IsLinked() {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is linked to '%s'; unlink it first", id, txn.LinkedTo), nil)
	}
	for _, p := range s.pendingTransfer {
		if (p.Status == model.PendingTransferStatusPartial || p.Status == model.PendingTransferStatusMatched) &&
			(p.FromTransactionID == id || p.ToTransactionID == id) {
			return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is held by pending transfer '%s'", id, p.PendingTransferID), nil)
		}
	}

	s.releaseCandidates([]string{id}, "", "transaction deleted", time.Now())
	delete(s.transactions, id)
	return nil
}

// RecordStatementImport stores the statement and its transactions together.
func (s *Store) RecordStatementImport(_ context.Context, stmt *model.StatementImport, txns []model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.statements[stmt.StatementID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "Statement already exists", nil)
	}
	if _, ok := s.accounts[stmt.AccountID]; !ok {
		return apierror.NewAPIError(apierror.ErrBadRequest, "Statement references a missing record", nil)
	}
	for _, txn := range txns {
		if _, ok := s.transactions[txn.TransactionID]; ok {
			return apierror.NewAPIError(apierror.ErrConflict, "Transaction already exists", nil)
		}
	}

	stored := *stmt
	stored.TransactionIDs = nil
	s.statements[stmt.StatementID] = stored
	for _, txn := range txns {
		txn.StatementID = stmt.StatementID
		txn.RunningBalance = nil
		s.transactions[txn.TransactionID] = txn
	}
	return nil
}

func (s *Store) statementTransactions(statementID string) []model.Transaction {
	var out []model.Transaction
	for _, txn := range s.transactions {
		if txn.StatementID == statementID {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s *Store) GetStatementImport(_ context.Context, id string) (*model.StatementImport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, ok := s.statements[id]
	if !ok {
		return nil, notFound("Statement", id)
	}
	stmt.TransactionIDs = []string{}
	for _, txn := range s.statementTransactions(id) {
		stmt.TransactionIDs = append(stmt.TransactionIDs, txn.TransactionID)
	}
	return &stmt, nil
}

func (s *Store) GetStatementTransactions(_ context.Context, statementID string) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.statementTransactions(statementID), nil
}

func (s *Store) UpdateStatementDirections(_ context.Context, statementID string, corrections []model.DirectionCorrection, status string, computedClosing decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, ok := s.statements[statementID]
	if !ok {
		return notFound("Statement", statementID)
	}
	if stmt.Confirmed {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Statement '%s' is confirmed", statementID), nil)
	}

	updated := make(map[string]model.Transaction, len(corrections))
	for _, correction := range corrections {
		txn, ok := updated[correction.TransactionID]
		if !ok {
			txn, ok = s.transactions[correction.TransactionID]
		}
		if !ok || txn.StatementID != statementID || txn.IsLinked() {
			return apierror.NewAPIError(apierror.ErrInvalidState,
				fmt.Sprintf("Transaction '%s' is not an unlinked transaction of statement '%s'", correction.TransactionID, statementID), nil)
		}
		txn.Direction = correction.Direction
		updated[txn.TransactionID] = txn
	}

	var flipped []string
	for id, txn := range updated {
		if s.transactions[id].Direction != txn.Direction {
			flipped = append(flipped, id)
		}
		s.transactions[id] = txn
	}
	if len(flipped) > 0 {
		s.releaseCandidates(flipped, "", "direction corrected", time.Now())
	}
	stmt.Status = status
	stmt.ComputedClosing = computedClosing
	s.statements[statementID] = stmt
	return nil
}

func (s *Store) ConfirmStatementImport(_ context.Context, statementID string, confirmedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, ok := s.statements[statementID]
	if !ok || stmt.Confirmed {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Statement '%s' is missing or already confirmed", statementID), nil)
	}
	stmt.Confirmed = true
	stmt.ConfirmedAt = &confirmedAt
	s.statements[statementID] = stmt

	for id, txn := range s.transactions {
		if txn.StatementID == statementID {
			txn.StatementLocked = true
			s.transactions[id] = txn
		}
	}
	return nil
}

// CreateCandidate records a candidate and claims both transactions, failing when
// either one already sits in an active candidate.
func (s *Store) CreateCandidate(_ context.Context, c *model.TransferCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.candidates[c.CandidateID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "Transfer candidate already exists", nil)
	}
	for _, existing := range s.candidates {
		if !existing.IsActive() {
			continue
		}
		if existing.FromTransactionID == c.FromTransactionID || existing.ToTransactionID == c.ToTransactionID {
			return apierror.NewAPIError(apierror.ErrDoubleClaimConflict, "Transaction already claimed by another transfer candidate", nil)
		}
	}
	for _, id := range []string{c.FromTransactionID, c.ToTransactionID} {
		txn, ok := s.transactions[id]
		if !ok || txn.IsLinked() || txn.TransferStatus != model.TransferStatusUnmatched {
			return apierror.NewAPIError(apierror.ErrDoubleClaimConflict,
				fmt.Sprintf("Transactions '%s' and '%s' are not both unclaimed", c.FromTransactionID, c.ToTransactionID), nil)
		}
	}

	for _, id := range []string{c.FromTransactionID, c.ToTransactionID} {
		txn := s.transactions[id]
		txn.TransferStatus = model.TransferStatusPending
		s.transactions[id] = txn
	}
	s.candidates[c.CandidateID] = *c
	return nil
}

func (s *Store) GetCandidate(_ context.Context, id string) (*model.TransferCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[id]
	if !ok {
		return nil, notFound("Transfer candidate", id)
	}
	return &c, nil
}

func (s *Store) GetCandidates(_ context.Context, status string, limit, offset int) ([]model.TransferCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TransferCandidate
	for _, c := range s.candidates {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetActiveCandidatesForTransactions(_ context.Context, ids []string) ([]model.TransferCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TransferCandidate
	for _, c := range s.candidates {
		if c.IsActive() && (contains(ids, c.FromTransactionID) || contains(ids, c.ToTransactionID)) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out, nil
}

func (s *Store) UpdateCandidateScore(_ context.Context, id string, confidence int, factors model.ConfidenceFactors, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[id]
	if !ok || c.Status != model.CandidateStatusPending {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transfer candidate '%s' is no longer pending", id), nil)
	}
	c.Confidence = confidence
	c.Factors = factors
	c.UpdatedAt = updatedAt
	s.candidates[id] = c
	return nil
}

func (s *Store) RejectCandidate(_ context.Context, id, reviewer, reason string, reviewedAt time.Time) (*model.TransferCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[id]
	if !ok {
		return nil, notFound("Transfer candidate", id)
	}
	if c.Status != model.CandidateStatusPending {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transfer candidate '%s' is %s", id, c.Status), nil)
	}
	s.reject(&c, reviewer, reason, reviewedAt)
	return &c, nil
}

// reject marks a pending candidate rejected and returns its claimed transactions to
// the pool. The caller holds the lock.
func (s *Store) reject(c *model.TransferCandidate, reviewer, reason string, at time.Time) {
	c.Status = model.CandidateStatusRejected
	c.ReviewedBy = reviewer
	c.ReviewedAt = &at
	c.RejectionReason = reason
	c.UpdatedAt = at
	s.candidates[c.CandidateID] = *c

	for _, txnID := range []string{c.FromTransactionID, c.ToTransactionID} {
		txn, ok := s.transactions[txnID]
		if ok && !txn.IsLinked() && txn.TransferStatus == model.TransferStatusPending {
			txn.TransferStatus = model.TransferStatusUnmatched
			s.transactions[txnID] = txn
		}
	}
}

func (s *Store) releaseCandidates(ids []string, exclude, reason string, at time.Time) {
	for _, c := range s.candidates {
		if c.Status != model.CandidateStatusPending || c.CandidateID == exclude {
			continue
		}
		if contains(ids, c.FromTransactionID) || contains(ids, c.ToTransactionID) {
			c := c
			s.reject(&c, systemReviewer, reason, at)
		}
	}
}

// ApplyTransferLink links both transactions and closes the source record, or changes
// nothing at all.
func (s *Store) ApplyTransferLink(_ context.Context, link model.TransferLink) (*model.LinkedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, fromOK := s.transactions[link.FromTransactionID]
	to, toOK := s.transactions[link.ToTransactionID]
	if !fromOK || (from.IsLinked() && from.LinkedTo != link.ToTransactionID) {
		return nil, apierror.NewAPIError(apierror.ErrDoubleClaimConflict,
			fmt.Sprintf("Transaction '%s' is missing or linked to another transaction", link.FromTransactionID), nil)
	}
	if !toOK || (to.IsLinked() && to.LinkedTo != link.FromTransactionID) {
		return nil, apierror.NewAPIError(apierror.ErrDoubleClaimConflict,
			fmt.Sprintf("Transaction '%s' is missing or linked to another transaction", link.ToTransactionID), nil)
	}

	exclude := ""
	switch link.Source {
	case model.LinkSourceCandidate:
		c, ok := s.candidates[link.SourceID]
		if !ok || !contains(link.ExpectedSourceStatuses, c.Status) {
			return nil, sourceChanged(link)
		}
		c.Status = link.SourceStatus
		c.ReviewedBy = link.Reviewer
		c.ReviewedAt = &link.LinkedAt
		c.UpdatedAt = link.LinkedAt
		s.candidates[c.CandidateID] = c
		exclude = c.CandidateID
	case model.LinkSourcePendingTransfer:
		p, ok := s.pendingTransfer[link.SourceID]
		if !ok || !contains(link.ExpectedSourceStatuses, p.Status) ||
			(p.FromTransactionID != "" && p.FromTransactionID != link.FromTransactionID) ||
			(p.ToTransactionID != "" && p.ToTransactionID != link.ToTransactionID) {
			return nil, sourceChanged(link)
		}
		p.Status = link.SourceStatus
		p.FromTransactionID = link.FromTransactionID
		p.ToTransactionID = link.ToTransactionID
		p.MatchedAt = &link.LinkedAt
		s.pendingTransfer[p.PendingTransferID] = p
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown link source '%s'", link.Source), nil)
	}

	from.LinkedTo, from.LinkType = link.ToTransactionID, model.LinkTypeTransferOut
	to.LinkedTo, to.LinkType = link.FromTransactionID, model.LinkTypeTransferIn
	for _, txn := range []*model.Transaction{&from, &to} {
		txn.TransferStatus = model.TransferStatusMatched
		txn.CategoryID = link.CategoryID
		txn.NeedsReview = false
		s.transactions[txn.TransactionID] = *txn
	}

	s.releaseCandidates([]string{link.FromTransactionID, link.ToTransactionID}, exclude, "superseded", link.LinkedAt)

	return &model.LinkedPair{From: s.transactions[from.TransactionID], To: s.transactions[to.TransactionID]}, nil
}

func sourceChanged(link model.TransferLink) error {
	return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("%s '%s' changed state before it could be linked", link.Source, link.SourceID), nil)
}

func (s *Store) UnlinkTransaction(_ context.Context, id string, unlinkedAt time.Time) (*model.LinkedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, notFound("Transaction", id)
	}
	if !txn.IsLinked() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is not linked", id), nil)
	}

	fromID, toID := id, txn.LinkedTo
	if txn.LinkType == model.LinkTypeTransferIn {
		fromID, toID = toID, fromID
	}
	from, fromOK := s.transactions[fromID]
	to, toOK := s.transactions[toID]
	if !fromOK || !toOK || from.LinkedTo != toID || to.LinkedTo != fromID {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Link between '%s' and '%s' is not symmetric", fromID, toID), nil)
	}

	for _, t := range []*model.Transaction{&from, &to} {
		t.LinkedTo = ""
		t.LinkType = ""
		t.TransferStatus = model.TransferStatusUnmatched
		t.NeedsReview = true
		s.transactions[t.TransactionID] = *t
	}

	for candidateID, c := range s.candidates {
		if (c.Status == model.CandidateStatusConfirmed || c.Status == model.CandidateStatusAutoLinked) &&
			c.UnlinkedAt == nil && c.FromTransactionID == fromID && c.ToTransactionID == toID {
			c.UnlinkedAt = &unlinkedAt
			c.UpdatedAt = unlinkedAt
			s.candidates[candidateID] = c
		}
	}

	return &model.LinkedPair{From: from, To: to}, nil
}

func (s *Store) RecordPendingTransfer(_ context.Context, p *model.PendingTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pendingTransfer[p.PendingTransferID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "Pending transfer already exists", nil)
	}
	s.pendingTransfer[p.PendingTransferID] = *p
	return nil
}

func (s *Store) GetPendingTransfer(_ context.Context, id string) (*model.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pendingTransfer[id]
	if !ok {
		return nil, notFound("Pending transfer", id)
	}
	return &p, nil
}

func sortPendingTransfers(transfers []model.PendingTransfer) {
	sort.Slice(transfers, func(i, j int) bool {
		if !transfers[i].Date.Equal(transfers[j].Date) {
			return transfers[i].Date.Before(transfers[j].Date)
		}
		return transfers[i].PendingTransferID < transfers[j].PendingTransferID
	})
}

func (s *Store) GetPendingTransfers(_ context.Context, status string) ([]model.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PendingTransfer
	for _, p := range s.pendingTransfer {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sortPendingTransfers(out)
	return out, nil
}

func (s *Store) GetOpenPendingTransfers(_ context.Context, accountIDs []string) ([]model.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PendingTransfer
	for _, p := range s.pendingTransfer {
		if !p.IsOpen() {
			continue
		}
		if len(accountIDs) > 0 && !contains(accountIDs, p.FromAccountID) && !contains(accountIDs, p.ToAccountID) {
			continue
		}
		out = append(out, p)
	}
	sortPendingTransfers(out)
	return out, nil
}

func (s *Store) RecordPendingTransferSide(_ context.Context, update model.PendingSideUpdate) (*model.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.Side != model.PendingTransferSideFrom && update.Side != model.PendingTransferSideTo {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown pending transfer side '%s'", update.Side), nil)
	}

	p, ok := s.pendingTransfer[update.PendingTransferID]
	side := &p.FromTransactionID
	if update.Side == model.PendingTransferSideTo {
		side = &p.ToTransactionID
	}
	if !ok || p.Status != update.ExpectedStatus || *side != "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState,
			fmt.Sprintf("Pending transfer '%s' is no longer %s", update.PendingTransferID, update.ExpectedStatus), nil)
	}
	for _, other := range s.pendingTransfer {
		if other.Status == model.PendingTransferStatusCancelled {
			continue
		}
		if (update.Side == model.PendingTransferSideFrom && other.FromTransactionID == update.TransactionID) ||
			(update.Side == model.PendingTransferSideTo && other.ToTransactionID == update.TransactionID) {
			return nil, apierror.NewAPIError(apierror.ErrDoubleClaimConflict,
				fmt.Sprintf("Transaction '%s' is already held by another pending transfer", update.TransactionID), nil)
		}
	}

	*side = update.TransactionID
	p.Status = update.NewStatus
	s.pendingTransfer[p.PendingTransferID] = p
	return &p, nil
}

func (s *Store) CancelPendingTransfer(_ context.Context, id string) (*model.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pendingTransfer[id]
	if !ok {
		return nil, notFound("Pending transfer", id)
	}
	switch p.Status {
	case model.PendingTransferStatusCancelled:
		return &p, nil
	case model.PendingTransferStatusMatched:
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Pending transfer '%s' is already matched", id), nil)
	}
	p.Status = model.PendingTransferStatusCancelled
	s.pendingTransfer[id] = p
	return &p, nil
}

func (s *Store) DeletePendingTransfer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pendingTransfer[id]
	if !ok {
		return notFound("Pending transfer", id)
	}
	if p.Status != model.PendingTransferStatusPending {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Pending transfer '%s' is %s and cannot be deleted", id, p.Status), nil)
	}
	delete(s.pendingTransfer, id)
	return nil
}

func (s *Store) GetReservedTransactionIDs(_ context.Context, ids []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reserved := make(map[string]string)
	for _, p := range s.pendingTransfer {
		if p.Status == model.PendingTransferStatusCancelled {
			continue
		}
		for _, txnID := range []string{p.FromTransactionID, p.ToTransactionID} {
			if txnID != "" && contains(ids, txnID) {
				reserved[txnID] = p.PendingTransferID
			}
		}
	}
	return reserved, nil
}

func copyBatch(b model.ReanalysisBatch) *model.ReanalysisBatch {
	b.TransactionIDs = append([]string(nil), b.TransactionIDs...)
	return &b
}

func (s *Store) RecordBatch(_ context.Context, batch *model.ReanalysisBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batch.BatchID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "Reanalysis batch already exists", nil)
	}
	s.batches[batch.BatchID] = *copyBatch(*batch)
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*model.ReanalysisBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, notFound("Reanalysis batch", id)
	}
	return copyBatch(b), nil
}

func (s *Store) TransitionBatch(_ context.Context, id string, from []string, to, message string, at time.Time) (*model.ReanalysisBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, notFound("Reanalysis batch", id)
	}
	if !contains(from, b.State) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Reanalysis batch '%s' is %s and cannot move to %s", id, b.State, to), nil)
	}

	b.State = to
	b.Message = message
	b.LastProgressAt = at
	if b.IsTerminal() {
		b.CompletedAt = &at
	} else if to != model.BatchStatePending && b.StartedAt == nil {
		b.StartedAt = &at
	}
	s.batches[id] = b
	return copyBatch(b), nil
}

func (s *Store) SaveBatchProgress(_ context.Context, id string, progress model.BatchProgress, counters model.BatchCounters, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return "", notFound("Reanalysis batch", id)
	}
	if b.IsTerminal() {
		return b.State, nil
	}
	b.Progress = progress
	b.Counters = counters
	b.LastProgressAt = at
	s.batches[id] = b
	return b.State, nil
}

func (s *Store) ResetBatch(_ context.Context, id string, at time.Time) (*model.ReanalysisBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, notFound("Reanalysis batch", id)
	}
	if b.State != model.BatchStateFailed {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Reanalysis batch '%s' is %s and cannot move to pending", id, b.State), nil)
	}
	b.State = model.BatchStatePending
	b.Progress = model.BatchProgress{}
	b.Counters = model.BatchCounters{}
	b.Message = ""
	b.LastProgressAt = at
	b.StartedAt = nil
	b.CompletedAt = nil
	s.batches[id] = b
	return copyBatch(b), nil
}

func (s *Store) GetStalledBatches(_ context.Context, before time.Time) ([]model.ReanalysisBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ReanalysisBatch
	for _, b := range s.batches {
		if !b.IsTerminal() && b.LastProgressAt.Before(before) {
			out = append(out, *copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastProgressAt.Equal(out[j].LastProgressAt) {
			return out[i].LastProgressAt.Before(out[j].LastProgressAt)
		}
		return out[i].BatchID < out[j].BatchID
	})
	return out, nil
}

func (s *Store) GetKnowledgeBaseEntries(_ context.Context) ([]model.KnowledgeBaseEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.KnowledgeBaseEntry
	for keyword, categoryID := range s.knowledge {
		out = append(out, model.KnowledgeBaseEntry{Keyword: keyword, CategoryID: categoryID})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Keyword) != len(out[j].Keyword) {
			return len(out[i].Keyword) > len(out[j].Keyword)
		}
		return out[i].Keyword < out[j].Keyword
	})
	return out, nil
}

func (s *Store) RecordKnowledgeBaseEntry(_ context.Context, entry model.KnowledgeBaseEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.knowledge[entry.Keyword] = entry.CategoryID
	return nil
}

// PutTransaction stores a transaction as-is. It exists for fixtures that need
// transactions outside of a statement import.
func (s *Store) PutTransaction(txn model.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.TransferStatus == "" {
		txn.TransferStatus = model.TransferStatusUnmatched
	}
	s.transactions[txn.TransactionID] = txn
}

// LockTransaction sets the manual lock flag on a transaction.
func (s *Store) LockTransaction(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txn, ok := s.transactions[id]; ok {
		txn.ManuallyLocked = true
		s.transactions[id] = txn
	}
}
