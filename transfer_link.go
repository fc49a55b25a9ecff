package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	redlock "github.com/blnkfinance/tally/internal/lock"
	"github.com/blnkfinance/tally/model"
	"github.com/sirupsen/logrus"
)

// lockTransactions takes the per-transaction Redis locks for ids. The returned release
// function is always safe to call. Without Redis the datasource compare-and-set is
// the only guard.
func (t *Tally) lockTransactions(ctx context.Context, ids ...string) (func(), error) {
	if t.redis == nil {
		return func() {}, nil
	}

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, redlock.TransactionKey(id))
	}
	locker := redlock.NewMultiLocker(t.redis, keys, model.GenerateUUIDWithSuffix("lock"))
	err = locker.WaitLock(ctx,
		time.Duration(cfg.Matching.LockTimeoutSec)*time.Second,
		time.Duration(cfg.Matching.LockWaitTimeoutSec)*time.Second)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "transactions are being modified by another process", err)
	}

	return func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warn("failed to release transaction locks")
		}
	}, nil
}

// applyLink joins two transactions as the legs of one transfer and closes the record
// that produced the link. Linking a pair that is already linked together succeeds
// without writing.
func (t *Tally) applyLink(ctx context.Context, link model.TransferLink) (*model.LinkedPair, error) {
	ctx, span := tracer.Start(ctx, "Apply transfer link")
	defer span.End()

	if pair, ok := t.alreadyLinked(ctx, link.FromTransactionID, link.ToTransactionID); ok {
		return pair, nil
	}

	release, err := t.lockTransactions(ctx, link.FromTransactionID, link.ToTransactionID)
	if err != nil {
		return nil, err
	}
	defer release()

	pair, err := t.datasource.ApplyTransferLink(ctx, link)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"from_transaction_id": link.FromTransactionID,
		"to_transaction_id":   link.ToTransactionID,
		"source":              link.Source,
		"source_id":           link.SourceID,
	}).Info("transfer linked")
	return pair, nil
}

func (t *Tally) alreadyLinked(ctx context.Context, fromID, toID string) (*model.LinkedPair, bool) {
	from, err := t.datasource.GetTransaction(ctx, fromID)
	if err != nil || from.LinkedTo != toID || from.LinkType != model.LinkTypeTransferOut {
		return nil, false
	}
	to, err := t.datasource.GetTransaction(ctx, toID)
	if err != nil || to.LinkedTo != fromID {
		return nil, false
	}
	return &model.LinkedPair{From: *from, To: *to}, true
}

func (t *Tally) linkCandidate(ctx context.Context, c *model.TransferCandidate, status, reviewer, categoryID string) (*model.LinkedPair, error) {
	return t.applyLink(ctx, model.TransferLink{
		FromTransactionID:      c.FromTransactionID,
		ToTransactionID:        c.ToTransactionID,
		CategoryID:             categoryID,
		Source:                 model.LinkSourceCandidate,
		SourceID:               c.CandidateID,
		SourceStatus:           status,
		ExpectedSourceStatuses: []string{model.CandidateStatusPending},
		Reviewer:               reviewer,
		LinkedAt:               t.clock(),
	})
}

// GetCandidate retrieves a transfer candidate by ID.
func (t *Tally) GetCandidate(ctx context.Context, id string) (*model.TransferCandidate, error) {
	return t.datasource.GetCandidate(ctx, id)
}

// ListCandidates lists candidates, newest first. An empty status lists all of them.
func (t *Tally) ListCandidates(ctx context.Context, status string, limit, offset int) ([]model.TransferCandidate, error) {
	switch status {
	case "", model.CandidateStatusPending, model.CandidateStatusConfirmed, model.CandidateStatusRejected, model.CandidateStatusAutoLinked:
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown candidate status '%s'", status), nil)
	}
	return t.datasource.GetCandidates(ctx, status, limit, offset)
}

// ReviewCandidate applies a reviewer's verdict to a pending candidate.
//
// Confirming links both transactions as a transfer. Rejecting records the reviewer and
// reason and returns both transactions to the unmatched pool without touching them
// otherwise.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - id string: The candidate ID.
// - decision model.ReviewDecision: The action, reviewer and optional reason.
//
// Returns:
// - *model.ReviewResult: The reviewed candidate and, when confirmed, both linked transactions.
// - error: INVALID_INPUT for an unknown action, INVALID_STATE when the candidate is no
//   longer pending, DOUBLE_CLAIM_CONFLICT when a side was linked elsewhere.
func (t *Tally) ReviewCandidate(ctx context.Context, id string, decision model.ReviewDecision) (*model.ReviewResult, error) {
	ctx, span := tracer.Start(ctx, "Review transfer candidate")
	defer span.End()

	if decision.Action != model.ReviewActionConfirm && decision.Action != model.ReviewActionReject {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("review action must be confirm or reject, got '%s'", decision.Action), nil)
	}
	if decision.Reviewer == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "reviewer is required", nil)
	}

	c, err := t.datasource.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CandidateStatusPending {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transfer candidate '%s' is %s and cannot be reviewed", id, c.Status), nil)
	}

	if decision.Action == model.ReviewActionReject {
		rejected, err := t.datasource.RejectCandidate(ctx, id, decision.Reviewer, decision.Reason, t.clock())
		if err != nil {
			return nil, err
		}
		t.sendWebhook(ctx, EventTransferRejected, rejected)
		return &model.ReviewResult{Candidate: rejected}, nil
	}

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	pair, err := t.linkCandidate(ctx, c, model.CandidateStatusConfirmed, decision.Reviewer, cfg.Matching.TransferCategoryID)
	if err != nil {
		return nil, err
	}
	confirmed, err := t.datasource.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	result := &model.ReviewResult{Candidate: confirmed, Transactions: []model.Transaction{pair.From, pair.To}}
	t.sendWebhook(ctx, EventTransferConfirmed, result)
	return result, nil
}

// UnlinkTransaction breaks the transfer link a transaction is part of. Both sides go back
// to unmatched and need review again; the candidate that produced the link stops
// claiming them.
func (t *Tally) UnlinkTransaction(ctx context.Context, id, actor string) (*model.LinkedPair, error) {
	ctx, span := tracer.Start(ctx, "Unlink transaction")
	defer span.End()

	txn, err := t.datasource.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !txn.IsLinked() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is not linked", id), nil)
	}

	release, err := t.lockTransactions(ctx, txn.TransactionID, txn.LinkedTo)
	if err != nil {
		return nil, err
	}
	defer release()

	pair, err := t.datasource.UnlinkTransaction(ctx, id, t.clock())
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"from_transaction_id": pair.From.TransactionID,
		"to_transaction_id":   pair.To.TransactionID,
		"actor":               actor,
	}).Info("transfer unlinked")
	t.sendWebhook(ctx, EventTransferUnlinked, map[string]interface{}{"actor": actor, "from": pair.From, "to": pair.To})
	return pair, nil
}
