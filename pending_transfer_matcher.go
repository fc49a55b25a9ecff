package tally

import (
	"context"
	"sort"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type sideMatch struct {
	txn        model.Transaction
	dateDiff   int
	amountDiff decimal.Decimal
}

func (m sideMatch) better(other *sideMatch) bool {
	if other == nil {
		return true
	}
	if m.dateDiff != other.dateDiff {
		return m.dateDiff < other.dateDiff
	}
	if !m.amountDiff.Equal(other.amountDiff) {
		return m.amountDiff.LessThan(other.amountDiff)
	}
	return m.txn.TransactionID < other.txn.TransactionID
}

// findSide returns the closest unused transaction for one side of a pending transfer.
func findSide(p model.PendingTransfer, txns []model.Transaction, used map[string]bool, accountID string, direction model.Direction, amount decimal.Decimal, currency string) *sideMatch {
	var best *sideMatch
	for _, txn := range txns {
		if used[txn.TransactionID] || txn.AccountID != accountID || txn.Direction != direction {
			continue
		}
		if currency != "" && txn.Currency != currency {
			continue
		}
		dateDiff := model.DaysBetween(txn.Date, p.Date)
		if dateDiff > p.DateToleranceDays {
			continue
		}
		amountDiff := txn.Magnitude().Sub(amount).Abs()
		if amountDiff.GreaterThan(p.AmountTolerance) {
			continue
		}
		m := sideMatch{txn: txn, dateDiff: dateDiff, amountDiff: amountDiff}
		if m.better(best) {
			best = &m
		}
	}
	return best
}

func eligibleForPending(txn model.Transaction) bool {
	return !txn.IsLinked() && txn.TransferStatus != model.TransferStatusMatched && !txn.ManuallyLocked
}

// MatchPendingTransfers looks for the legs of open pending transfers among txns.
//
// Transfers are visited by date then ID. The FROM side is a debit on the source account
// and the TO side a credit on the destination account, each within the transfer's
// amount and date tolerances. Finding one side marks the transfer partial; finding both
// links the two transactions and marks it matched. A transaction serves at most one
// pending transfer.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - txns []model.Transaction: The newly imported or otherwise eligible transactions.
//
// Returns:
// - *model.PendingMatchResult: Transfers that became partial or matched, and conflicts.
// - error: A datasource error; lost races are counted as conflicts instead.
func (t *Tally) MatchPendingTransfers(ctx context.Context, txns []model.Transaction) (*model.PendingMatchResult, error) {
	ctx, span := tracer.Start(ctx, "Match pending transfers")
	defer span.End()

	result := &model.PendingMatchResult{Partial: []model.PendingTransfer{}, Matched: []model.PendingTransfer{}}

	eligible := make([]model.Transaction, 0, len(txns))
	accountSet := map[string]bool{}
	ids := make([]string, 0, len(txns))
	for _, txn := range txns {
		if !eligibleForPending(txn) {
			continue
		}
		eligible = append(eligible, txn)
		ids = append(ids, txn.TransactionID)
		accountSet[txn.AccountID] = true
	}
	if len(eligible) == 0 {
		return result, nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].TransactionID < eligible[j].TransactionID })

	accountIDs := make([]string, 0, len(accountSet))
	for id := range accountSet {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	transfers, err := t.datasource.GetOpenPendingTransfers(ctx, accountIDs)
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return result, nil
	}
	sort.SliceStable(transfers, func(i, j int) bool {
		if !transfers[i].Date.Equal(transfers[j].Date) {
			return transfers[i].Date.Before(transfers[j].Date)
		}
		return transfers[i].PendingTransferID < transfers[j].PendingTransferID
	})

	reserved, err := t.datasource.GetReservedTransactionIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(reserved))
	for id := range reserved {
		used[id] = true
	}

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for _, p := range transfers {
		if !p.IsOpen() {
			continue
		}

		var fromMatch, toMatch *sideMatch
		if p.FromTransactionID == "" {
			fromMatch = findSide(p, eligible, used, p.FromAccountID, model.DirectionDebit, p.Amount, p.Currency)
		}
		if p.ToTransactionID == "" {
			toMatch = findSide(p, eligible, used, p.ToAccountID, model.DirectionCredit, p.ToAmount, "")
		}
		if fromMatch == nil && toMatch == nil {
			continue
		}

		fromID, toID := p.FromTransactionID, p.ToTransactionID
		if fromMatch != nil {
			fromID = fromMatch.txn.TransactionID
			used[fromID] = true
		}
		if toMatch != nil {
			toID = toMatch.txn.TransactionID
			used[toID] = true
		}

		if fromID != "" && toID != "" {
			matched, err := t.completePendingTransfer(ctx, p, fromID, toID, cfg.Matching.TransferCategoryID)
			if err != nil {
				if isLinkConflict(err) {
					result.Conflicts++
					continue
				}
				return nil, err
			}
			result.Matched = append(result.Matched, *matched)
			continue
		}

		update := model.PendingSideUpdate{
			PendingTransferID: p.PendingTransferID,
			Side:              model.PendingTransferSideFrom,
			TransactionID:     fromID,
			ExpectedStatus:    p.Status,
			NewStatus:         model.PendingTransferStatusPartial,
		}
		if toMatch != nil {
			update.Side = model.PendingTransferSideTo
			update.TransactionID = toID
		}
		partial, err := t.datasource.RecordPendingTransferSide(ctx, update)
		if err != nil {
			if isLinkConflict(err) {
				result.Conflicts++
				continue
			}
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"pending_transfer_id": p.PendingTransferID,
			"side":                update.Side,
			"transaction_id":      update.TransactionID,
		}).Info("pending transfer partially matched")
		result.Partial = append(result.Partial, *partial)
		t.sendWebhook(ctx, EventPendingTransferPartial, partial)
	}
	return result, nil
}

func isLinkConflict(err error) bool {
	return apierror.HasCode(err, apierror.ErrDoubleClaimConflict) ||
		apierror.HasCode(err, apierror.ErrInvalidState) ||
		apierror.HasCode(err, apierror.ErrConflict)
}

func (t *Tally) completePendingTransfer(ctx context.Context, p model.PendingTransfer, fromID, toID, categoryID string) (*model.PendingTransfer, error) {
	_, err := t.applyLink(ctx, model.TransferLink{
		FromTransactionID:      fromID,
		ToTransactionID:        toID,
		CategoryID:             categoryID,
		Source:                 model.LinkSourcePendingTransfer,
		SourceID:               p.PendingTransferID,
		SourceStatus:           model.PendingTransferStatusMatched,
		ExpectedSourceStatuses: []string{model.PendingTransferStatusPending, model.PendingTransferStatusPartial},
		Reviewer:               systemReviewer,
		LinkedAt:               t.clock(),
	})
	if err != nil {
		return nil, err
	}

	matched, err := t.datasource.GetPendingTransfer(ctx, p.PendingTransferID)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"pending_transfer_id": p.PendingTransferID,
		"from_transaction_id": fromID,
		"to_transaction_id":   toID,
	}).Info("pending transfer matched")
	t.sendWebhook(ctx, EventPendingTransferMatched, matched)
	return matched, nil
}
