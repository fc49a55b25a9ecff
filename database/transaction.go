package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const transactionColumns = `transaction_id, account_id, company_id, statement_id, position, date, amount, currency,
	direction, description, category_id, linked_to, link_type, transfer_status, needs_review,
	manually_locked, statement_locked, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (model.Transaction, error) {
	var txn model.Transaction
	var companyID, statementID, description, categoryID, linkedTo, linkType sql.NullString
	err := row.Scan(
		&txn.TransactionID, &txn.AccountID, &companyID, &statementID, &txn.Position, &txn.Date, &txn.Amount, &txn.Currency,
		&txn.Direction, &description, &categoryID, &linkedTo, &linkType, &txn.TransferStatus, &txn.NeedsReview,
		&txn.ManuallyLocked, &txn.StatementLocked, &txn.CreatedAt,
	)
	if err != nil {
		return txn, err
	}
	txn.CompanyID = companyID.String
	txn.StatementID = statementID.String
	txn.Description = description.String
	txn.CategoryID = categoryID.String
	txn.LinkedTo = linkedTo.String
	txn.LinkType = linkType.String
	txn.Date = model.TruncateToDay(txn.Date)
	return txn, nil
}

func scanTransactions(rows *sql.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var transactions []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction", err)
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transactions", err)
	}
	return transactions, nil
}

// GetTransaction retrieves a transaction by its ID.
func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, span := otel.Tracer("Transaction").Start(ctx, "Fetching transaction from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM tally.transactions WHERE transaction_id = $1`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}
	return &txn, nil
}

// GetTransactionsByIDs retrieves the transactions with the given IDs ordered by ID.
// Unknown IDs are skipped.
func (d Datasource) GetTransactionsByIDs(ctx context.Context, ids []string) ([]model.Transaction, error) {
	ctx, span := otel.Tracer("Transaction").Start(ctx, "Fetching transactions by IDs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM tally.transactions
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id
	`, pq.Array(ids))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transactions", err)
	}
	return scanTransactions(rows)
}

// GetTransferPool retrieves transactions that may still be paired as a transfer:
// unlinked, not matched and not manually locked, inside the date window.
func (d Datasource) GetTransferPool(ctx context.Context, filter model.TransferPoolFilter) ([]model.Transaction, error) {
	ctx, span := otel.Tracer("Transaction").Start(ctx, "Fetching transfer pool")
	defer span.End()

	var accountIDs interface{}
	if len(filter.AccountIDs) > 0 {
		accountIDs = pq.Array(filter.AccountIDs)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM tally.transactions
		WHERE linked_to IS NULL
			AND transfer_status <> 'matched'
			AND manually_locked = false
			AND date >= $1 AND date <= $2
			AND ($3::text[] IS NULL OR account_id = ANY($3))
		ORDER BY transaction_id
	`, filter.From, filter.To, accountIDs)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer pool", err)
	}
	return scanTransactions(rows)
}

// UpdateTransactionCategory sets the category of a transaction that is neither
// locked nor linked.
func (d Datasource) UpdateTransactionCategory(ctx context.Context, id, categoryID string, needsReview bool) error {
	ctx, span := otel.Tracer("Transaction").Start(ctx, "Updating transaction category")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE tally.transactions
		SET category_id = $2, needs_review = $3
		WHERE transaction_id = $1
			AND linked_to IS NULL
			AND manually_locked = false
			AND statement_locked = false
	`, id, categoryID, needsReview)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transaction category", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is locked, linked or missing", id), nil)
	}
	return nil
}

// DeleteTransaction removes a transaction. Linked transactions must be unlinked first.
func (d Datasource) DeleteTransaction(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("Transaction").Start(ctx, "Deleting transaction")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	var linkedTo sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT linked_to FROM tally.transactions WHERE transaction_id = $1 FOR UPDATE`, id).Scan(&linkedTo)
	if err != nil {
		if err == sql.ErrNoRows {
			return rollback(tx, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), err))
		}
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err))
	}
	if linkedTo.Valid {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is linked to '%s'; unlink it first", id, linkedTo.String), nil))
	}

	var reservedBy string
	err = tx.QueryRowContext(ctx, `
		SELECT pending_transfer_id FROM tally.pending_transfers
		WHERE status IN ('partial', 'matched') AND (from_transaction_id = $1 OR to_transaction_id = $1)
		LIMIT 1
	`, id).Scan(&reservedBy)
	if err != nil && err != sql.ErrNoRows {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check pending transfers", err))
	}
	if reservedBy != "" {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is held by pending transfer '%s'", id, reservedBy), nil))
	}

	if err := releaseCandidates(ctx, tx, []string{id}, "", "transaction deleted", time.Now()); err != nil {
		return rollback(tx, err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM tally.transactions WHERE transaction_id = $1`, id)
	if err != nil {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete transaction", err))
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}
