package memory

import (
	"context"
	"testing"
	"time"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	for _, id := range []string{"txn_a", "txn_b", "txn_c"} {
		direction := model.DirectionCredit
		account := "acc_2"
		if id == "txn_a" {
			direction = model.DirectionDebit
			account = "acc_1"
		}
		s.PutTransaction(model.Transaction{
			TransactionID: id,
			AccountID:     account,
			Date:          day,
			Amount:        decimal.NewFromInt(500),
			Currency:      "USD",
			Direction:     direction,
			NeedsReview:   true,
		})
	}
	return s
}

func candidate(id, from, to string) *model.TransferCandidate {
	return &model.TransferCandidate{
		CandidateID:       id,
		FromTransactionID: from,
		ToTransactionID:   to,
		Status:            model.CandidateStatusPending,
		CreatedAt:         time.Now(),
	}
}

func TestCreateCandidate_ClaimsAreExclusive(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCandidate(ctx, candidate("cand_1", "txn_a", "txn_b")))

	err := s.CreateCandidate(ctx, candidate("cand_2", "txn_a", "txn_c"))
	assert.True(t, apierror.HasCode(err, apierror.ErrDoubleClaimConflict))

	txn, err := s.GetTransaction(ctx, "txn_a")
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusPending, txn.TransferStatus)

	txn, err = s.GetTransaction(ctx, "txn_c")
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusUnmatched, txn.TransferStatus)
}

func TestRejectCandidate_ReleasesClaim(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCandidate(ctx, candidate("cand_1", "txn_a", "txn_b")))
	rejected, err := s.RejectCandidate(ctx, "cand_1", "bob", "not a transfer", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusRejected, rejected.Status)

	require.NoError(t, s.CreateCandidate(ctx, candidate("cand_2", "txn_a", "txn_c")))

	_, err = s.RejectCandidate(ctx, "cand_1", "bob", "", time.Now())
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))
}

func TestApplyTransferLink_SupersedesOtherCandidates(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCandidate(ctx, candidate("cand_1", "txn_a", "txn_c")))

	s.pendingTransfer["ptr_1"] = model.PendingTransfer{PendingTransferID: "ptr_1", Status: model.PendingTransferStatusPending}
	pair, err := s.ApplyTransferLink(ctx, model.TransferLink{
		FromTransactionID:      "txn_a",
		ToTransactionID:        "txn_b",
		CategoryID:             "transfer",
		Source:                 model.LinkSourcePendingTransfer,
		SourceID:               "ptr_1",
		SourceStatus:           model.PendingTransferStatusMatched,
		ExpectedSourceStatuses: []string{model.PendingTransferStatusPending, model.PendingTransferStatusPartial},
		LinkedAt:               time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "txn_b", pair.From.LinkedTo)
	assert.Equal(t, model.LinkTypeTransferIn, pair.To.LinkType)
	assert.False(t, pair.From.NeedsReview)

	superseded, err := s.GetCandidate(ctx, "cand_1")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusRejected, superseded.Status)
	assert.Equal(t, "superseded", superseded.RejectionReason)

	released, err := s.GetTransaction(ctx, "txn_c")
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusUnmatched, released.TransferStatus)

	p, err := s.GetPendingTransfer(ctx, "ptr_1")
	require.NoError(t, err)
	assert.Equal(t, model.PendingTransferStatusMatched, p.Status)
	assert.NotNil(t, p.MatchedAt)
}

func TestApplyTransferLink_RefusesSecondPeer(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCandidate(ctx, candidate("cand_1", "txn_a", "txn_b")))
	link := model.TransferLink{
		FromTransactionID:      "txn_a",
		ToTransactionID:        "txn_b",
		Source:                 model.LinkSourceCandidate,
		SourceID:               "cand_1",
		SourceStatus:           model.CandidateStatusConfirmed,
		ExpectedSourceStatuses: []string{model.CandidateStatusPending},
		LinkedAt:               time.Now(),
	}
	_, err := s.ApplyTransferLink(ctx, link)
	require.NoError(t, err)

	s.pendingTransfer["ptr_1"] = model.PendingTransfer{PendingTransferID: "ptr_1", Status: model.PendingTransferStatusPending}
	_, err = s.ApplyTransferLink(ctx, model.TransferLink{
		FromTransactionID:      "txn_a",
		ToTransactionID:        "txn_c",
		Source:                 model.LinkSourcePendingTransfer,
		SourceID:               "ptr_1",
		SourceStatus:           model.PendingTransferStatusMatched,
		ExpectedSourceStatuses: []string{model.PendingTransferStatusPending},
		LinkedAt:               time.Now(),
	})
	assert.True(t, apierror.HasCode(err, apierror.ErrDoubleClaimConflict))

	c, err := s.GetTransaction(ctx, "txn_c")
	require.NoError(t, err)
	assert.False(t, c.IsLinked())
	p, _ := s.GetPendingTransfer(ctx, "ptr_1")
	assert.Equal(t, model.PendingTransferStatusPending, p.Status)
}

func TestUnlinkTransaction_ReleasesCandidate(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCandidate(ctx, candidate("cand_1", "txn_a", "txn_b")))
	_, err := s.ApplyTransferLink(ctx, model.TransferLink{
		FromTransactionID:      "txn_a",
		ToTransactionID:        "txn_b",
		CategoryID:             "transfer",
		Source:                 model.LinkSourceCandidate,
		SourceID:               "cand_1",
		SourceStatus:           model.CandidateStatusAutoLinked,
		ExpectedSourceStatuses: []string{model.CandidateStatusPending},
		LinkedAt:               time.Now(),
	})
	require.NoError(t, err)

	pair, err := s.UnlinkTransaction(ctx, "txn_b", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "txn_a", pair.From.TransactionID)
	assert.Empty(t, pair.From.LinkedTo)
	assert.Equal(t, "transfer", pair.To.CategoryID)
	assert.True(t, pair.To.NeedsReview)

	c, err := s.GetCandidate(ctx, "cand_1")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusAutoLinked, c.Status)
	assert.NotNil(t, c.UnlinkedAt)

	// The claim is released, so the pair can be proposed again.
	require.NoError(t, s.CreateCandidate(ctx, candidate("cand_2", "txn_a", "txn_b")))

	_, err = s.UnlinkTransaction(ctx, "txn_c", time.Now())
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))
}

func TestRecordPendingTransferSide_OneTransferPerTransaction(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	for _, id := range []string{"ptr_1", "ptr_2"} {
		require.NoError(t, s.RecordPendingTransfer(ctx, &model.PendingTransfer{PendingTransferID: id, Status: model.PendingTransferStatusPending, Date: day}))
	}

	_, err := s.RecordPendingTransferSide(ctx, model.PendingSideUpdate{
		PendingTransferID: "ptr_1", Side: model.PendingTransferSideFrom, TransactionID: "txn_a",
		ExpectedStatus: model.PendingTransferStatusPending, NewStatus: model.PendingTransferStatusPartial,
	})
	require.NoError(t, err)

	_, err = s.RecordPendingTransferSide(ctx, model.PendingSideUpdate{
		PendingTransferID: "ptr_2", Side: model.PendingTransferSideFrom, TransactionID: "txn_a",
		ExpectedStatus: model.PendingTransferStatusPending, NewStatus: model.PendingTransferStatusPartial,
	})
	assert.True(t, apierror.HasCode(err, apierror.ErrDoubleClaimConflict))

	_, err = s.RecordPendingTransferSide(ctx, model.PendingSideUpdate{
		PendingTransferID: "ptr_1", Side: model.PendingTransferSideFrom, TransactionID: "txn_x",
		ExpectedStatus: model.PendingTransferStatusPending, NewStatus: model.PendingTransferStatusPartial,
	})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))

	reserved, err := s.GetReservedTransactionIDs(ctx, []string{"txn_a", "txn_b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"txn_a": "ptr_1"}, reserved)

	_, err = s.CancelPendingTransfer(ctx, "ptr_1")
	require.NoError(t, err)
	reserved, err = s.GetReservedTransactionIDs(ctx, []string{"txn_a"})
	require.NoError(t, err)
	assert.Empty(t, reserved)
}

func TestDeleteTransaction_Guards(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCandidate(ctx, candidate("cand_1", "txn_a", "txn_b")))
	require.NoError(t, s.DeleteTransaction(ctx, "txn_b"))

	c, err := s.GetCandidate(ctx, "cand_1")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusRejected, c.Status)
	a, err := s.GetTransaction(ctx, "txn_a")
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusUnmatched, a.TransferStatus)

	_, err = s.GetTransaction(ctx, "txn_b")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestBatchLifecycle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	require.NoError(t, s.RecordBatch(ctx, &model.ReanalysisBatch{BatchID: "batch_1", State: model.BatchStatePending, LastProgressAt: start, CreatedAt: start}))

	b, err := s.TransitionBatch(ctx, "batch_1", []string{model.BatchStatePending}, model.BatchStateMatchingKB, "", start)
	require.NoError(t, err)
	assert.NotNil(t, b.StartedAt)

	stalled, err := s.GetStalledBatches(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, stalled, 1)

	_, err = s.TransitionBatch(ctx, "batch_1", []string{model.BatchStateMatchingKB}, model.BatchStateCancelled, "cancelled by user", time.Now())
	require.NoError(t, err)

	state, err := s.SaveBatchProgress(ctx, "batch_1", model.BatchProgress{Current: 1}, model.BatchCounters{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCancelled, state)

	_, err = s.ResetBatch(ctx, "batch_1", time.Now())
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))
}

func TestStatementCorrectionAndConfirmation(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.CreateAccount(ctx, model.Account{AccountID: "acc_1", Currency: "USD", BalanceType: model.BalanceTypeAsset})
	require.NoError(t, err)

	stmt := &model.StatementImport{StatementID: "stmt_1", AccountID: "acc_1", Status: model.StatementStatusMismatched}
	txns := []model.Transaction{
		{TransactionID: "txn_1", AccountID: "acc_1", Position: 1, Direction: model.DirectionDebit, Amount: decimal.NewFromInt(10)},
		{TransactionID: "txn_0", AccountID: "acc_1", Position: 0, Direction: model.DirectionCredit, Amount: decimal.NewFromInt(5)},
	}
	require.NoError(t, s.RecordStatementImport(ctx, stmt, txns))

	got, err := s.GetStatementImport(ctx, "stmt_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_0", "txn_1"}, got.TransactionIDs)

	err = s.UpdateStatementDirections(ctx, "stmt_1", []model.DirectionCorrection{{TransactionID: "txn_1", Direction: model.DirectionCredit}},
		model.StatementStatusCorrected, decimal.NewFromInt(15))
	require.NoError(t, err)

	require.NoError(t, s.ConfirmStatementImport(ctx, "stmt_1", time.Now()))
	locked, err := s.GetTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.True(t, locked.StatementLocked)
	assert.Equal(t, model.DirectionCredit, locked.Direction)

	err = s.UpdateStatementDirections(ctx, "stmt_1", nil, model.StatementStatusCorrected, decimal.Zero)
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))
}
