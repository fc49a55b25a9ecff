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
	"database/sql"
	"fmt"
	"time"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

// RecordStatementImport saves a statement and all of its transactions in a single
// database transaction.
func (d Datasource) RecordStatementImport(ctx context.Context, stmt *model.StatementImport, txns []model.Transaction) error {
	ctx, span := otel.Tracer("Statement").Start(ctx, "Saving statement import to db")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tally.statements (statement_id, account_id, currency, balance_type, opening_balance, closing_balance,
			computed_closing, status, confirmed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, stmt.StatementID, stmt.AccountID, stmt.Currency, stmt.BalanceType, stmt.OpeningBalance, stmt.ClosingBalance,
		stmt.ComputedClosing, stmt.Status, stmt.Confirmed, stmt.CreatedAt)
	if err != nil {
		return rollback(tx, mapPQError(err, "Statement"))
	}

	for _, txn := range txns {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tally.transactions (transaction_id, account_id, company_id, statement_id, position, date, amount,
				currency, direction, description, transfer_status, needs_review, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, txn.TransactionID, txn.AccountID, nullString(txn.CompanyID), stmt.StatementID, txn.Position, txn.Date, txn.Amount,
			txn.Currency, txn.Direction, txn.Description, txn.TransferStatus, txn.NeedsReview, txn.CreatedAt)
		if err != nil {
			return rollback(tx, mapPQError(err, "Transaction"))
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}

// GetStatementImport retrieves a statement import with its transaction IDs in statement order.
func (d Datasource) GetStatementImport(ctx context.Context, id string) (*model.StatementImport, error) {
	ctx, span := otel.Tracer("Statement").Start(ctx, "Fetching statement import from db")
	defer span.End()

	stmt := &model.StatementImport{}
	var confirmedAt sql.NullTime
	var ids pq.StringArray
	err := d.Conn.QueryRowContext(ctx, `
		SELECT s.statement_id, s.account_id, s.currency, s.balance_type, s.opening_balance, s.closing_balance,
			s.computed_closing, s.status, s.confirmed, s.confirmed_at, s.created_at,
			ARRAY(SELECT t.transaction_id FROM tally.transactions t WHERE t.statement_id = s.statement_id ORDER BY t.position)
		FROM tally.statements s
		WHERE s.statement_id = $1
	`, id).Scan(&stmt.StatementID, &stmt.AccountID, &stmt.Currency, &stmt.BalanceType, &stmt.OpeningBalance, &stmt.ClosingBalance,
		&stmt.ComputedClosing, &stmt.Status, &stmt.Confirmed, &confirmedAt, &stmt.CreatedAt, &ids)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Statement with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve statement", err)
	}
	if confirmedAt.Valid {
		stmt.ConfirmedAt = &confirmedAt.Time
	}
	stmt.TransactionIDs = []string(ids)
	return stmt, nil
}

// GetStatementTransactions retrieves the transactions of a statement in statement order.
func (d Datasource) GetStatementTransactions(ctx context.Context, statementID string) ([]model.Transaction, error) {
	ctx, span := otel.Tracer("Statement").Start(ctx, "Fetching statement transactions from db")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM tally.transactions
		WHERE statement_id = $1
		ORDER BY position
	`, statementID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve statement transactions", err)
	}
	return scanTransactions(rows)
}

// UpdateStatementDirections rewrites transaction directions on an unconfirmed statement
// and stores the recomputed closing balance and status.
func (d Datasource) UpdateStatementDirections(ctx context.Context, statementID string, corrections []model.DirectionCorrection, status string, computedClosing decimal.Decimal) error {
	ctx, span := otel.Tracer("Statement").Start(ctx, "Correcting statement directions")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	var confirmed bool
	err = tx.QueryRowContext(ctx, `SELECT confirmed FROM tally.statements WHERE statement_id = $1 FOR UPDATE`, statementID).Scan(&confirmed)
	if err != nil {
		if err == sql.ErrNoRows {
			return rollback(tx, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Statement with ID '%s' not found", statementID), err))
		}
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve statement", err))
	}
	if confirmed {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Statement '%s' is confirmed", statementID), nil))
	}

	var flipped []string
	for _, correction := range corrections {
		var current model.Direction
		err := tx.QueryRowContext(ctx, `
			SELECT direction FROM tally.transactions
			WHERE statement_id = $1 AND transaction_id = $2 AND linked_to IS NULL
			FOR UPDATE
		`, statementID, correction.TransactionID).Scan(&current)
		if err == sql.ErrNoRows {
			return rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState,
				fmt.Sprintf("Transaction '%s' is not an unlinked transaction of statement '%s'", correction.TransactionID, statementID), nil))
		}
		if err != nil {
			return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction direction", err))
		}
		if current == correction.Direction {
			continue
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tally.transactions SET direction = $2 WHERE transaction_id = $1
		`, correction.TransactionID, correction.Direction)
		if err != nil {
			return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to correct transaction direction", err))
		}
		flipped = append(flipped, correction.TransactionID)
	}

	// A candidate paired on the old direction no longer describes a transfer.
	if len(flipped) > 0 {
		if err := releaseCandidates(ctx, tx, flipped, "", ReasonDirectionCorrected, time.Now()); err != nil {
			return rollback(tx, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tally.statements SET status = $2, computed_closing = $3 WHERE statement_id = $1
	`, statementID, status, computedClosing)
	if err != nil {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update statement", err))
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}

// ConfirmStatementImport marks a statement confirmed and locks its transactions.
func (d Datasource) ConfirmStatementImport(ctx context.Context, statementID string, confirmedAt time.Time) error {
	ctx, span := otel.Tracer("Statement").Start(ctx, "Confirming statement import")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE tally.statements SET confirmed = true, confirmed_at = $2
		WHERE statement_id = $1 AND confirmed = false
	`, statementID, confirmedAt)
	if err != nil {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to confirm statement", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err))
	}
	if rowsAffected == 0 {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Statement '%s' is missing or already confirmed", statementID), nil))
	}

	_, err = tx.ExecContext(ctx, `UPDATE tally.transactions SET statement_locked = true WHERE statement_id = $1`, statementID)
	if err != nil {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock statement transactions", err))
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}
