package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var batchRowColumns = []string{
	"batch_id", "transaction_ids", "detect_transfers", "requested_by", "state", "progress", "counters", "message",
	"last_progress_at", "started_at", "completed_at", "created_at",
}

func batchRow(state string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(batchRowColumns).AddRow(
		"batch_1", "{txn_a,txn_b}", true, "alice", state, []byte(`{"current":1,"total":2}`), []byte(`{"kb_matches":1}`), nil,
		now, now, nil, now,
	)
}

func TestRecordBatch_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("INSERT INTO tally.reanalysis_batches").WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.RecordBatch(context.Background(), &model.ReanalysisBatch{
		BatchID:        "batch_1",
		TransactionIDs: []string{"txn_a"},
		State:          model.BatchStatePending,
		LastProgressAt: now,
		CreatedAt:      now,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBatch_DecodesProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM tally.reanalysis_batches").
		WithArgs("batch_1").
		WillReturnRows(batchRow(model.BatchStateMatchingKB))

	b, err := ds.GetBatch(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_a", "txn_b"}, b.TransactionIDs)
	assert.Equal(t, model.BatchProgress{Current: 1, Total: 2}, b.Progress)
	assert.Equal(t, 1, b.Counters.KBMatches)
	assert.NotNil(t, b.StartedAt)
	assert.Nil(t, b.CompletedAt)
}

func TestTransitionBatch_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	at := time.Now()

	mock.ExpectQuery("UPDATE tally.reanalysis_batches").
		WithArgs("batch_1", model.BatchStateMatchingKB, sqlmock.AnyArg(), at, true, false, sqlmock.AnyArg()).
		WillReturnRows(batchRow(model.BatchStateMatchingKB))

	b, err := ds.TransitionBatch(context.Background(), "batch_1", []string{model.BatchStatePending}, model.BatchStateMatchingKB, "", at)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateMatchingKB, b.State)
}

func TestTransitionBatch_WrongState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE tally.reanalysis_batches").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM tally.reanalysis_batches").WillReturnRows(batchRow(model.BatchStateCancelled))

	_, err = ds.TransitionBatch(context.Background(), "batch_1", []string{model.BatchStateMatchingKB}, model.BatchStateProcessingAI, "", time.Now())
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchProgress_ReportsCancellation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE tally.reanalysis_batches").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM tally.reanalysis_batches").WillReturnRows(batchRow(model.BatchStateCancelled))

	state, err := ds.SaveBatchProgress(context.Background(), "batch_1", model.BatchProgress{Current: 25, Total: 40}, model.BatchCounters{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCancelled, state)
}

func TestSaveBatchProgress_Running(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE tally.reanalysis_batches").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(model.BatchStateProcessingAI))

	state, err := ds.SaveBatchProgress(context.Background(), "batch_1", model.BatchProgress{Current: 25, Total: 40}, model.BatchCounters{AIMatches: 3}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateProcessingAI, state)
}

func TestGetKnowledgeBaseEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT keyword, category_id FROM tally.knowledge_base").
		WillReturnRows(sqlmock.NewRows([]string{"keyword", "category_id"}).
			AddRow("amazon web services", "cloud").
			AddRow("amazon", "shopping"))

	entries, err := ds.GetKnowledgeBaseEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cloud", entries[0].CategoryID)
}
