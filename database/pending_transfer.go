package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const pendingTransferColumns = `pending_transfer_id, from_account_id, to_account_id, amount, to_amount, currency, date,
	description, notes, from_transaction_id, to_transaction_id, status, amount_tolerance, date_tolerance_days,
	matched_at, created_at`

func scanPendingTransfer(row rowScanner) (*model.PendingTransfer, error) {
	p := &model.PendingTransfer{}
	var description, notes, fromTxn, toTxn sql.NullString
	var matchedAt sql.NullTime
	err := row.Scan(
		&p.PendingTransferID, &p.FromAccountID, &p.ToAccountID, &p.Amount, &p.ToAmount, &p.Currency, &p.Date,
		&description, &notes, &fromTxn, &toTxn, &p.Status, &p.AmountTolerance, &p.DateToleranceDays,
		&matchedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Description = description.String
	p.Notes = notes.String
	p.FromTransactionID = fromTxn.String
	p.ToTransactionID = toTxn.String
	p.Date = model.TruncateToDay(p.Date)
	if matchedAt.Valid {
		p.MatchedAt = &matchedAt.Time
	}
	return p, nil
}

func scanPendingTransfers(rows *sql.Rows) ([]model.PendingTransfer, error) {
	defer rows.Close()

	var transfers []model.PendingTransfer
	for rows.Next() {
		p, err := scanPendingTransfer(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan pending transfer", err)
		}
		transfers = append(transfers, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over pending transfers", err)
	}
	return transfers, nil
}

// RecordPendingTransfer saves a declared transfer.
func (d Datasource) RecordPendingTransfer(ctx context.Context, p *model.PendingTransfer) error {
	ctx, span := otel.Tracer("PendingTransfer").Start(ctx, "Saving pending transfer to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO tally.pending_transfers (pending_transfer_id, from_account_id, to_account_id, amount, to_amount,
			currency, date, description, notes, status, amount_tolerance, date_tolerance_days, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.PendingTransferID, p.FromAccountID, p.ToAccountID, p.Amount, p.ToAmount,
		p.Currency, p.Date, nullString(p.Description), nullString(p.Notes), p.Status, p.AmountTolerance, p.DateToleranceDays, p.CreatedAt)
	if err != nil {
		return mapPQError(err, "Pending transfer")
	}
	return nil
}

// GetPendingTransfer retrieves a pending transfer by its ID.
func (d Datasource) GetPendingTransfer(ctx context.Context, id string) (*model.PendingTransfer, error) {
	ctx, span := otel.Tracer("PendingTransfer").Start(ctx, "Fetching pending transfer from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+pendingTransferColumns+` FROM tally.pending_transfers WHERE pending_transfer_id = $1`, id)
	p, err := scanPendingTransfer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Pending transfer with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending transfer", err)
	}
	return p, nil
}

// GetPendingTransfers lists pending transfers by date. An empty status lists all of them.
func (d Datasource) GetPendingTransfers(ctx context.Context, status string) ([]model.PendingTransfer, error) {
	ctx, span := otel.Tracer("PendingTransfer").Start(ctx, "Fetching pending transfers from db")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+pendingTransferColumns+`
		FROM tally.pending_transfers
		WHERE ($1 = '' OR status = $1)
		ORDER BY date, pending_transfer_id
	`, status)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending transfers", err)
	}
	return scanPendingTransfers(rows)
}

// GetOpenPendingTransfers retrieves pending and partial transfers touching any of the
// accounts, in (date, id) order. No accounts means every open transfer.
func (d Datasource) GetOpenPendingTransfers(ctx context.Context, accountIDs []string) ([]model.PendingTransfer, error) {
	ctx, span := otel.Tracer("PendingTransfer").Start(ctx, "Fetching open pending transfers")
	defer span.End()

	var accounts interface{}
	if len(accountIDs) > 0 {
		accounts = pq.Array(accountIDs)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+pendingTransferColumns+`
		FROM tally.pending_transfers
		WHERE status IN ('pending', 'partial')
			AND ($1::text[] IS NULL OR from_account_id = ANY($1) OR to_account_id = ANY($1))
		ORDER BY date, pending_transfer_id
	`, accounts)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve open pending transfers", err)
	}
	return scanPendingTransfers(rows)
}

// RecordPendingTransferSide stores the transaction found for one side of a transfer.
// The write only happens while the transfer is still in the expected status and the
// side is empty.
func (d Datasource) RecordPendingTransferSide(ctx context.Context, update model.PendingSideUpdate) (*model.PendingTransfer, error) {
	ctx, span := otel.Tracer("PendingTransfer").Start(ctx, "Recording pending transfer side")
	defer span.End()

	var column string
	switch update.Side {
	case model.PendingTransferSideFrom:
		column = "from_transaction_id"
	case model.PendingTransferSideTo:
		column = "to_transaction_id"
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown pending transfer side '%s'", update.Side), nil)
	}

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE tally.pending_transfers
		SET `+column+` = $2, status = $4
		WHERE pending_transfer_id = $1 AND status = $3 AND `+column+` IS NULL
		RETURNING `+pendingTransferColumns, update.PendingTransferID, update.TransactionID, update.ExpectedStatus, update.NewStatus)
	p, err := scanPendingTransfer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrInvalidState,
				fmt.Sprintf("Pending transfer '%s' is no longer %s", update.PendingTransferID, update.ExpectedStatus), err)
		}
		if isUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrDoubleClaimConflict,
				fmt.Sprintf("Transaction '%s' is already held by another pending transfer", update.TransactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record pending transfer side", err)
	}
	return p, nil
}

// CancelPendingTransfer cancels a pending or partial transfer. Cancelling an already
// cancelled transfer returns it unchanged.
func (d Datasource) CancelPendingTransfer(ctx context.Context, id string) (*model.PendingTransfer, error) {
	ctx, span := otel.Tracer("PendingTransfer").Start(ctx, "Cancelling pending transfer")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	p, err := scanPendingTransfer(tx.QueryRowContext(ctx, `SELECT `+pendingTransferColumns+` FROM tally.pending_transfers WHERE pending_transfer_id = $1 FOR UPDATE`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rollback(tx, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Pending transfer with ID '%s' not found", id), err))
		}
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending transfer", err))
	}

	switch p.Status {
	case model.PendingTransferStatusCancelled:
		return p, rollback(tx, nil)
	case model.PendingTransferStatusMatched:
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Pending transfer '%s' is already matched", id), nil))
	}

	_, err = tx.ExecContext(ctx, `UPDATE tally.pending_transfers SET status = 'cancelled' WHERE pending_transfer_id = $1`, id)
	if err != nil {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to cancel pending transfer", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	p.Status = model.PendingTransferStatusCancelled
	return p, nil
}

// DeletePendingTransfer removes a transfer that has not matched any side yet.
func (d Datasource) DeletePendingTransfer(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("PendingTransfer").Start(ctx, "Deleting pending transfer")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tally.pending_transfers WHERE pending_transfer_id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return rollback(tx, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Pending transfer with ID '%s' not found", id), err))
		}
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending transfer", err))
	}
	if status != model.PendingTransferStatusPending {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Pending transfer '%s' is %s and cannot be deleted", id, status), nil))
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM tally.pending_transfers WHERE pending_transfer_id = $1`, id)
	if err != nil {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete pending transfer", err))
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}

// GetReservedTransactionIDs maps each of ids held by a live pending transfer to that
// transfer's ID. Cancelled transfers hold nothing.
func (d Datasource) GetReservedTransactionIDs(ctx context.Context, ids []string) (map[string]string, error) {
	ctx, span := otel.Tracer("PendingTransfer").Start(ctx, "Fetching reserved transactions")
	defer span.End()

	reserved := make(map[string]string)
	if len(ids) == 0 {
		return reserved, nil
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT pending_transfer_id, from_transaction_id, to_transaction_id
		FROM tally.pending_transfers
		WHERE status IN ('pending', 'partial', 'matched')
			AND (from_transaction_id = ANY($1) OR to_transaction_id = ANY($1))
	`, pq.Array(ids))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reserved transactions", err)
	}
	defer rows.Close()

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	for rows.Next() {
		var transferID string
		var fromTxn, toTxn sql.NullString
		if err := rows.Scan(&transferID, &fromTxn, &toTxn); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan reserved transaction", err)
		}
		for _, txnID := range []sql.NullString{fromTxn, toTxn} {
			if _, ok := wanted[txnID.String]; ok && txnID.Valid {
				reserved[txnID.String] = transferID
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over reserved transactions", err)
	}
	return reserved, nil
}
