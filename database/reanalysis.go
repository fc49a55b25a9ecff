package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const batchColumns = `batch_id, transaction_ids, detect_transfers, requested_by, state, progress, counters, message,
	last_progress_at, started_at, completed_at, created_at`

func scanBatch(row rowScanner) (*model.ReanalysisBatch, error) {
	b := &model.ReanalysisBatch{}
	var ids pq.StringArray
	var requestedBy, message sql.NullString
	var progress, counters []byte
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&b.BatchID, &ids, &b.DetectTransfers, &requestedBy, &b.State, &progress, &counters, &message,
		&b.LastProgressAt, &startedAt, &completedAt, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &b.Progress); err != nil {
			return nil, err
		}
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &b.Counters); err != nil {
			return nil, err
		}
	}
	b.TransactionIDs = []string(ids)
	b.RequestedBy = requestedBy.String
	b.Message = message.String
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

// RecordBatch saves a new reanalysis batch.
func (d Datasource) RecordBatch(ctx context.Context, batch *model.ReanalysisBatch) error {
	ctx, span := otel.Tracer("Reanalysis").Start(ctx, "Saving reanalysis batch to db")
	defer span.End()

	progress, err := json.Marshal(batch.Progress)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal batch progress", err)
	}
	counters, err := json.Marshal(batch.Counters)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal batch counters", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO tally.reanalysis_batches (batch_id, transaction_ids, detect_transfers, requested_by, state, progress,
			counters, last_progress_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, batch.BatchID, pq.Array(batch.TransactionIDs), batch.DetectTransfers, nullString(batch.RequestedBy), batch.State, progress,
		counters, batch.LastProgressAt, batch.CreatedAt)
	if err != nil {
		return mapPQError(err, "Reanalysis batch")
	}
	return nil
}

// GetBatch retrieves a reanalysis batch by its ID.
func (d Datasource) GetBatch(ctx context.Context, id string) (*model.ReanalysisBatch, error) {
	ctx, span := otel.Tracer("Reanalysis").Start(ctx, "Fetching reanalysis batch from db")
	defer span.End()

	b, err := scanBatch(d.Conn.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM tally.reanalysis_batches WHERE batch_id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Reanalysis batch with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reanalysis batch", err)
	}
	return b, nil
}

// TransitionBatch moves a batch to a new state if it is currently in one of from.
func (d Datasource) TransitionBatch(ctx context.Context, id string, from []string, to, message string, at time.Time) (*model.ReanalysisBatch, error) {
	ctx, span := otel.Tracer("Reanalysis").Start(ctx, "Transitioning reanalysis batch")
	defer span.End()

	target := model.ReanalysisBatch{State: to}
	starting := to != model.BatchStatePending && !target.IsTerminal()

	b, err := scanBatch(d.Conn.QueryRowContext(ctx, `
		UPDATE tally.reanalysis_batches
		SET state = $2,
			message = $3,
			last_progress_at = $4,
			started_at = CASE WHEN $5 AND started_at IS NULL THEN $4 ELSE started_at END,
			completed_at = CASE WHEN $6 THEN $4 ELSE completed_at END
		WHERE batch_id = $1 AND state = ANY($7)
		RETURNING `+batchColumns,
		id, to, nullString(message), at, starting, target.IsTerminal(), pq.Array(from)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, d.batchStateError(ctx, id, to)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition reanalysis batch", err)
	}
	return b, nil
}

func (d Datasource) batchStateError(ctx context.Context, id, to string) error {
	current, err := d.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Reanalysis batch '%s' is %s and cannot move to %s", id, current.State, to), nil)
}

// SaveBatchProgress stores progress on a batch that has not finished and returns the
// batch's current state, so callers can notice cancellation.
func (d Datasource) SaveBatchProgress(ctx context.Context, id string, progress model.BatchProgress, counters model.BatchCounters, at time.Time) (string, error) {
	ctx, span := otel.Tracer("Reanalysis").Start(ctx, "Saving reanalysis progress")
	defer span.End()

	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal batch progress", err)
	}
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal batch counters", err)
	}

	var state string
	err = d.Conn.QueryRowContext(ctx, `
		UPDATE tally.reanalysis_batches
		SET progress = $2, counters = $3, last_progress_at = $4
		WHERE batch_id = $1 AND state NOT IN ('completed', 'failed', 'cancelled')
		RETURNING state
	`, id, progressJSON, countersJSON, at).Scan(&state)
	if err == nil {
		return state, nil
	}
	if err != sql.ErrNoRows {
		return "", apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save reanalysis progress", err)
	}

	current, err := d.GetBatch(ctx, id)
	if err != nil {
		return "", err
	}
	return current.State, nil
}

// ResetBatch returns a failed batch to pending with cleared progress.
func (d Datasource) ResetBatch(ctx context.Context, id string, at time.Time) (*model.ReanalysisBatch, error) {
	ctx, span := otel.Tracer("Reanalysis").Start(ctx, "Resetting reanalysis batch")
	defer span.End()

	b, err := scanBatch(d.Conn.QueryRowContext(ctx, `
		UPDATE tally.reanalysis_batches
		SET state = 'pending', progress = '{}', counters = '{}', message = NULL,
			last_progress_at = $2, started_at = NULL, completed_at = NULL
		WHERE batch_id = $1 AND state = 'failed'
		RETURNING `+batchColumns, id, at))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, d.batchStateError(ctx, id, model.BatchStatePending)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset reanalysis batch", err)
	}
	return b, nil
}

// GetStalledBatches retrieves unfinished batches whose last progress is before the cutoff.
func (d Datasource) GetStalledBatches(ctx context.Context, before time.Time) ([]model.ReanalysisBatch, error) {
	ctx, span := otel.Tracer("Reanalysis").Start(ctx, "Fetching stalled reanalysis batches")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM tally.reanalysis_batches
		WHERE state NOT IN ('completed', 'failed', 'cancelled') AND last_progress_at < $1
		ORDER BY last_progress_at, batch_id
	`, before)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stalled batches", err)
	}
	defer rows.Close()

	var batches []model.ReanalysisBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan reanalysis batch", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over reanalysis batches", err)
	}
	return batches, nil
}
