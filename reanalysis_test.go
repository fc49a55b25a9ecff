package tally

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/database/memory"
	"github.com/blnkfinance/tally/database/mocks"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/internal/categorizer"
	"github.com/blnkfinance/tally/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubCategorizer struct {
	mu          sync.Mutex
	suggestions map[string]*model.CategorySuggestion
	failures    map[string]error
	calls       []string
	onCall      func(transactionID string)
}

func (s *stubCategorizer) Categorize(_ context.Context, req categorizer.Request) (*model.CategorySuggestion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.TransactionID)
	onCall := s.onCall
	s.mu.Unlock()

	if onCall != nil {
		onCall(req.TransactionID)
	}
	if err := s.failures[req.TransactionID]; err != nil {
		return nil, err
	}
	return s.suggestions[req.TransactionID], nil
}

func (s *stubCategorizer) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func recordBatch(t *testing.T, store *memory.Store, id, state string, lastProgress time.Time, detect bool, ids ...string) {
	t.Helper()
	require.NoError(t, store.RecordBatch(context.Background(), &model.ReanalysisBatch{
		BatchID:         id,
		TransactionIDs:  ids,
		DetectTransfers: detect,
		State:           state,
		Progress:        model.BatchProgress{Total: len(ids)},
		LastProgressAt:  lastProgress,
		CreatedAt:       lastProgress,
	}))
}

func TestProcessReanalysisBatch_CategorisesInStages(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	account := createAccount(t, tl, "", "USD", "", model.BalanceTypeAsset)

	putTransaction(store, "txn_kb", account, model.DirectionDebit, "23.40", "2024-12-02", "UBER   TRIP 8812")
	putTransaction(store, "txn_sure", account, model.DirectionDebit, "80.00", "2024-12-03", "ACME OFFICE SUPPLY")
	putTransaction(store, "txn_unsure", account, model.DirectionDebit, "15.00", "2024-12-04", "CORNER BISTRO")
	putTransaction(store, "txn_weak", account, model.DirectionDebit, "9.99", "2024-12-05", "POS 44102")
	putTransaction(store, "txn_error", account, model.DirectionDebit, "1.00", "2024-12-06", "MISC")
	putTransaction(store, "txn_locked", account, model.DirectionDebit, "5.00", "2024-12-07", "UBER EATS")
	store.LockTransaction("txn_locked")
	require.NoError(t, store.RecordKnowledgeBaseEntry(ctx, model.KnowledgeBaseEntry{Keyword: "uber", CategoryID: "travel"}))

	stub := &stubCategorizer{
		suggestions: map[string]*model.CategorySuggestion{
			"txn_sure":   {CategoryID: "office", Confidence: 0.95},
			"txn_unsure": {CategoryID: "meals", Confidence: 0.7},
			"txn_weak":   {CategoryID: "shopping", Confidence: 0.3},
		},
		failures: map[string]error{"txn_error": errors.New("categorizer unavailable")},
	}
	tl.categorizer = stub

	ids := []string{"txn_kb", "txn_sure", "txn_unsure", "txn_weak", "txn_error", "txn_locked", "txn_missing"}
	recordBatch(t, store, "batch_1", model.BatchStatePending, testNow, false, ids...)

	require.NoError(t, tl.ProcessReanalysisBatch(ctx, "batch_1"))

	batch, err := store.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCompleted, batch.State)
	assert.Equal(t, model.BatchProgress{Current: 7, Total: 7}, batch.Progress)
	assert.Equal(t, model.BatchCounters{KBMatches: 1, AIMatches: 2, Unmatched: 1, Excluded: 2, Errors: 1}, batch.Counters)
	assert.NotNil(t, batch.StartedAt)
	assert.NotNil(t, batch.CompletedAt)
	assert.ElementsMatch(t, []string{"txn_sure", "txn_unsure", "txn_weak", "txn_error"}, stub.called())

	expect := map[string]struct {
		category    string
		needsReview bool
	}{
		"txn_kb":     {"travel", false},
		"txn_sure":   {"office", false},
		"txn_unsure": {"meals", true},
		"txn_weak":   {"", true},
		"txn_locked": {"", true},
	}
	for id, want := range expect {
		txn, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want.category, txn.CategoryID, id)
		assert.Equal(t, want.needsReview, txn.NeedsReview, id)
	}
}

func TestProcessReanalysisBatch_DetectsTransfersFirst(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	chequing := createAccount(t, tl, "", "USD", "comp_1", model.BalanceTypeAsset)
	savings := createAccount(t, tl, "", "USD", "comp_1", model.BalanceTypeAsset)
	putTransaction(store, "txn_out", chequing, model.DirectionDebit, "300.00", "2024-12-09", "TRANSFER TO SAVINGS")
	putTransaction(store, "txn_in", savings, model.DirectionCredit, "300.00", "2024-12-09", "TRANSFER TO SAVINGS")
	putTransaction(store, "txn_coffee", chequing, model.DirectionDebit, "4.50", "2024-12-10", "COFFEE")

	stub := &stubCategorizer{}
	tl.categorizer = stub
	recordBatch(t, store, "batch_1", model.BatchStatePending, testNow, true, "txn_out", "txn_in", "txn_coffee")

	require.NoError(t, tl.ProcessReanalysisBatch(ctx, "batch_1"))

	batch, err := store.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCompleted, batch.State)
	assert.Equal(t, 3, batch.Progress.Current)
	assert.Equal(t, 1, batch.Counters.TransfersAutoLinked)
	assert.Equal(t, 1, batch.Counters.Unmatched)
	assert.Equal(t, []string{"txn_coffee"}, stub.called())

	out, err := store.GetTransaction(ctx, "txn_out")
	require.NoError(t, err)
	assert.Equal(t, "txn_in", out.LinkedTo)
}

func statementLock(t *testing.T, store *memory.Store, txn model.Transaction) {
	t.Helper()
	txn.StatementLocked = true
	store.PutTransaction(txn)
}

func TestProcessReanalysisBatch_DetectionLeavesLockedTransactionsAlone(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	chequing := createAccount(t, tl, "", "USD", "comp_1", model.BalanceTypeAsset)
	savings := createAccount(t, tl, "", "USD", "comp_1", model.BalanceTypeAsset)
	brokerage := createAccount(t, tl, "", "USD", "comp_1", model.BalanceTypeAsset)
	putTransaction(store, "txn_out", chequing, model.DirectionDebit, "300.00", "2024-12-09", "TRANSFER TO SAVINGS")
	statementLock(t, store, putTransaction(store, "txn_in", savings, model.DirectionCredit, "300.00", "2024-12-09", "TRANSFER TO SAVINGS"))
	statementLock(t, store, putTransaction(store, "txn_elsewhere", brokerage, model.DirectionCredit, "300.00", "2024-12-09", "TRANSFER IN"))

	stub := &stubCategorizer{}
	tl.categorizer = stub
	recordBatch(t, store, "batch_1", model.BatchStatePending, testNow, true, "txn_out", "txn_in")

	require.NoError(t, tl.ProcessReanalysisBatch(ctx, "batch_1"))

	batch, err := store.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCompleted, batch.State)
	assert.Equal(t, model.BatchProgress{Current: 2, Total: 2}, batch.Progress)
	assert.Equal(t, model.BatchCounters{Excluded: 1, Unmatched: 1}, batch.Counters)
	assert.Equal(t, []string{"txn_out"}, stub.called())

	for _, id := range []string{"txn_out", "txn_in", "txn_elsewhere"} {
		txn, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, txn.LinkedTo, id)
		assert.Equal(t, model.TransferStatusUnmatched, txn.TransferStatus, id)
		assert.Empty(t, txn.CategoryID, id)
		assert.True(t, txn.NeedsReview, id)
	}
}

func TestProcessReanalysisBatch_StatementLockedIsExcluded(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	account := createAccount(t, tl, "", "USD", "", model.BalanceTypeAsset)
	statementLock(t, store, putTransaction(store, "txn_kb", account, model.DirectionDebit, "23.40", "2024-12-02", "UBER TRIP"))
	statementLock(t, store, putTransaction(store, "txn_ai", account, model.DirectionDebit, "80.00", "2024-12-03", "ACME OFFICE SUPPLY"))
	require.NoError(t, store.RecordKnowledgeBaseEntry(ctx, model.KnowledgeBaseEntry{Keyword: "uber", CategoryID: "travel"}))

	stub := &stubCategorizer{suggestions: map[string]*model.CategorySuggestion{
		"txn_ai": {CategoryID: "office", Confidence: 0.99},
	}}
	tl.categorizer = stub
	recordBatch(t, store, "batch_1", model.BatchStatePending, testNow, true, "txn_kb", "txn_ai")

	require.NoError(t, tl.ProcessReanalysisBatch(ctx, "batch_1"))

	batch, err := store.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCompleted, batch.State)
	assert.Equal(t, model.BatchCounters{Excluded: 2}, batch.Counters)
	assert.Empty(t, stub.called())

	for _, id := range []string{"txn_kb", "txn_ai"} {
		txn, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, txn.CategoryID, id)
	}
}

func TestProcessReanalysisBatch_SkipsBatchThatIsNotPending(t *testing.T) {
	tl, store := newTestTally(t)
	recordBatch(t, store, "batch_1", model.BatchStateCancelled, testNow, false, "txn_1")

	require.NoError(t, tl.ProcessReanalysisBatch(context.Background(), "batch_1"))

	batch, err := store.GetBatch(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCancelled, batch.State)
	assert.Zero(t, batch.Progress.Current)
}

func TestProcessReanalysisBatch_StopsWhenCancelled(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	cfg := config.DefaultsForTest()
	cfg.Reanalysis.ProgressSaveEvery = 1
	config.MockConfig(cfg)

	account := createAccount(t, tl, "", "USD", "", model.BalanceTypeAsset)
	putTransaction(store, "txn_1", account, model.DirectionDebit, "10.00", "2024-12-02", "FIRST")
	putTransaction(store, "txn_2", account, model.DirectionDebit, "20.00", "2024-12-03", "SECOND")
	recordBatch(t, store, "batch_1", model.BatchStatePending, testNow, false, "txn_1", "txn_2")

	stub := &stubCategorizer{suggestions: map[string]*model.CategorySuggestion{
		"txn_1": {CategoryID: "office", Confidence: 0.99},
		"txn_2": {CategoryID: "office", Confidence: 0.99},
	}}
	stub.onCall = func(string) {
		_, err := tl.CancelBatch(ctx, "batch_1")
		require.NoError(t, err)
	}
	tl.categorizer = stub

	require.NoError(t, tl.ProcessReanalysisBatch(ctx, "batch_1"))

	batch, err := store.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCancelled, batch.State)
	assert.Equal(t, []string{"txn_1"}, stub.called())

	first, err := store.GetTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "office", first.CategoryID)
	second, err := store.GetTransaction(ctx, "txn_2")
	require.NoError(t, err)
	assert.Empty(t, second.CategoryID)

	again, err := tl.CancelBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCancelled, again.State)
}

func TestProcessReanalysisBatch_FailsOnDatasourceError(t *testing.T) {
	config.MockConfig(config.DefaultsForTest())
	ds := new(mocks.MockDataSource)
	tl := &Tally{datasource: ds, now: func() time.Time { return testNow }}

	pending := &model.ReanalysisBatch{BatchID: "batch_1", TransactionIDs: []string{"txn_1"}, State: model.BatchStatePending}
	running := &model.ReanalysisBatch{BatchID: "batch_1", TransactionIDs: []string{"txn_1"}, State: model.BatchStateMatchingKB}
	failed := &model.ReanalysisBatch{BatchID: "batch_1", TransactionIDs: []string{"txn_1"}, State: model.BatchStateFailed, Message: "connection reset"}

	ds.On("GetBatch", mock.Anything, "batch_1").Return(pending, nil)
	ds.On("TransitionBatch", mock.Anything, "batch_1", []string{model.BatchStatePending}, model.BatchStateMatchingKB, "", mock.Anything).Return(running, nil)
	ds.On("GetTransactionsByIDs", mock.Anything, []string{"txn_1"}).Return([]model.Transaction(nil), errors.New("connection reset"))
	ds.On("TransitionBatch", mock.Anything, "batch_1", activeBatchStates, model.BatchStateFailed, "connection reset", mock.Anything).Return(failed, nil)

	err := tl.ProcessReanalysisBatch(context.Background(), "batch_1")
	assert.True(t, apierror.HasCode(err, apierror.ErrBatchFailed))
	ds.AssertExpectations(t)
}

func TestGetBatchStatus_FailsStalledBatch(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	recordBatch(t, store, "batch_stalled", model.BatchStateMatchingKB, testNow.Add(-20*time.Minute), false, "txn_1")
	recordBatch(t, store, "batch_fresh", model.BatchStateProcessingAI, testNow.Add(-time.Minute), false, "txn_2")

	stalled, err := tl.GetBatchStatus(ctx, "batch_stalled")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateFailed, stalled.State)
	assert.True(t, strings.HasPrefix(stalled.Message, "stalled"), stalled.Message)

	fresh, err := tl.GetBatchStatus(ctx, "batch_fresh")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateProcessingAI, fresh.State)

	_, err = tl.GetBatchStatus(ctx, "batch_missing")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestFailStalledBatches(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	old := testNow.Add(-time.Hour)
	recordBatch(t, store, "batch_a", model.BatchStatePending, old, false, "txn_1")
	recordBatch(t, store, "batch_b", model.BatchStateDetectingTransfers, old, true, "txn_2")
	recordBatch(t, store, "batch_c", model.BatchStateCompleted, old, false, "txn_3")
	recordBatch(t, store, "batch_d", model.BatchStateMatchingKB, testNow, false, "txn_4")

	failed, err := tl.FailStalledBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)

	for id, want := range map[string]string{
		"batch_a": model.BatchStateFailed,
		"batch_b": model.BatchStateFailed,
		"batch_c": model.BatchStateCompleted,
		"batch_d": model.BatchStateMatchingKB,
	} {
		b, err := store.GetBatch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, b.State, id)
	}

	failed, err = tl.FailStalledBatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestRetryBatch(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	account := createAccount(t, tl, "", "USD", "", model.BalanceTypeAsset)
	putTransaction(store, "txn_1", account, model.DirectionDebit, "10.00", "2024-12-02", "UBER TRIP")
	require.NoError(t, store.RecordKnowledgeBaseEntry(ctx, model.KnowledgeBaseEntry{Keyword: "uber", CategoryID: "travel"}))
	recordBatch(t, store, "batch_1", model.BatchStateFailed, testNow, false, "txn_1")

	reset, err := tl.RetryBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatePending, reset.State)
	assert.Empty(t, reset.Message)

	assert.Eventually(t, func() bool {
		b, err := store.GetBatch(ctx, "batch_1")
		return err == nil && b.State == model.BatchStateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	batch, err := store.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Counters.KBMatches)

	_, err = tl.RetryBatch(ctx, "batch_1")
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))
}

func TestStartReanalysis(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()

	_, err := tl.StartReanalysis(ctx, model.ReanalysisRequest{TransactionIDs: []string{"", ""}})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))

	batch, err := tl.StartReanalysis(ctx, model.ReanalysisRequest{
		TransactionIDs: []string{"txn_a", "txn_b", "txn_a"},
		RequestedBy:    "reviewer@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_a", "txn_b"}, batch.TransactionIDs)
	assert.Equal(t, model.BatchProgress{Total: 2}, batch.Progress)
	assert.True(t, strings.HasPrefix(batch.BatchID, "batch_"))

	assert.Eventually(t, func() bool {
		b, err := store.GetBatch(ctx, batch.BatchID)
		return err == nil && b.State == model.BatchStateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	done, err := tl.GetBatchStatus(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, done.Counters.Excluded)
	assert.Equal(t, 2, done.Progress.Current)
}
