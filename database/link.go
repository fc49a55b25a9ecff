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

// ReasonSuperseded is recorded on pending candidates released because one of their
// transactions was linked elsewhere.
const ReasonSuperseded = "superseded"

// ReasonDirectionCorrected is recorded on pending candidates released because a
// statement correction flipped one of their transactions.
const ReasonDirectionCorrected = "direction corrected"

const systemReviewer = "system"

// ApplyTransferLink links two transactions and closes the record that produced the link
// in one database transaction. Each side is written with a compare-and-set on linked_to,
// so a side already linked to a different peer rolls everything back.
func (d Datasource) ApplyTransferLink(ctx context.Context, link model.TransferLink) (*model.LinkedPair, error) {
	ctx, span := otel.Tracer("TransferLink").Start(ctx, "Applying transfer link")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	sides := []struct {
		id, peer, linkType string
	}{
		{link.FromTransactionID, link.ToTransactionID, model.LinkTypeTransferOut},
		{link.ToTransactionID, link.FromTransactionID, model.LinkTypeTransferIn},
	}
	for _, side := range sides {
		result, err := tx.ExecContext(ctx, `
			UPDATE tally.transactions
			SET linked_to = $2, link_type = $3, transfer_status = 'matched', category_id = $4, needs_review = false
			WHERE transaction_id = $1 AND (linked_to IS NULL OR linked_to = $2)
		`, side.id, side.peer, side.linkType, nullString(link.CategoryID))
		if err != nil {
			return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to link transaction", err))
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err))
		}
		if rowsAffected == 0 {
			return nil, rollback(tx, apierror.NewAPIError(apierror.ErrDoubleClaimConflict,
				fmt.Sprintf("Transaction '%s' is missing or linked to another transaction", side.id), nil))
		}
	}

	if err := closeLinkSource(ctx, tx, link); err != nil {
		return nil, rollback(tx, err)
	}

	exclude := ""
	if link.Source == model.LinkSourceCandidate {
		exclude = link.SourceID
	}
	if err := releaseCandidates(ctx, tx, []string{link.FromTransactionID, link.ToTransactionID}, exclude, ReasonSuperseded, link.LinkedAt); err != nil {
		return nil, rollback(tx, err)
	}

	pair, err := loadPair(ctx, tx, link.FromTransactionID, link.ToTransactionID)
	if err != nil {
		return nil, rollback(tx, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return pair, nil
}

func closeLinkSource(ctx context.Context, tx *sql.Tx, link model.TransferLink) error {
	var result sql.Result
	var err error
	switch link.Source {
	case model.LinkSourceCandidate:
		result, err = tx.ExecContext(ctx, `
			UPDATE tally.transfer_candidates
			SET status = $2, reviewed_by = $3, reviewed_at = $4, updated_at = $4
			WHERE candidate_id = $1 AND status = ANY($5)
		`, link.SourceID, link.SourceStatus, nullString(link.Reviewer), link.LinkedAt, pq.Array(link.ExpectedSourceStatuses))
	case model.LinkSourcePendingTransfer:
		result, err = tx.ExecContext(ctx, `
			UPDATE tally.pending_transfers
			SET status = $4, matched_at = $5,
				from_transaction_id = COALESCE(from_transaction_id, $2),
				to_transaction_id = COALESCE(to_transaction_id, $3)
			WHERE pending_transfer_id = $1 AND status = ANY($6)
				AND (from_transaction_id IS NULL OR from_transaction_id = $2)
				AND (to_transaction_id IS NULL OR to_transaction_id = $3)
		`, link.SourceID, link.FromTransactionID, link.ToTransactionID, link.SourceStatus, link.LinkedAt, pq.Array(link.ExpectedSourceStatuses))
	default:
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown link source '%s'", link.Source), nil)
	}
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update link source", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("%s '%s' changed state before it could be linked", link.Source, link.SourceID), nil)
	}
	return nil
}

// releaseCandidates rejects pending candidates touching any of ids, except the one
// named by exclude, and returns their other transactions to the unmatched pool.
func releaseCandidates(ctx context.Context, tx *sql.Tx, ids []string, exclude, reason string, at time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		UPDATE tally.transfer_candidates
		SET status = 'rejected', rejection_reason = $3, reviewed_by = $4, reviewed_at = $5, updated_at = $5
		WHERE status = 'pending' AND candidate_id <> $2
			AND (from_transaction_id = ANY($1) OR to_transaction_id = ANY($1))
		RETURNING from_transaction_id, to_transaction_id
	`, pq.Array(ids), exclude, reason, systemReviewer, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release transfer candidates", err)
	}

	var released []string
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			rows.Close()
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan released candidate", err)
		}
		released = append(released, from, to)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while releasing candidates", err)
	}
	if len(released) == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tally.transactions
		SET transfer_status = 'unmatched'
		WHERE transaction_id = ANY($1) AND linked_to IS NULL AND transfer_status = 'pending'
	`, pq.Array(released))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release transactions", err)
	}
	return nil
}

func loadPair(ctx context.Context, tx *sql.Tx, fromID, toID string) (*model.LinkedPair, error) {
	pair := &model.LinkedPair{}
	for _, target := range []struct {
		id  string
		dst *model.Transaction
	}{{fromID, &pair.From}, {toID, &pair.To}} {
		txn, err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM tally.transactions WHERE transaction_id = $1`, target.id))
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", target.id), err)
			}
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
		}
		*target.dst = txn
	}
	return pair, nil
}

// UnlinkTransaction clears the link on a transaction and its peer and releases the
// claim of the candidate that produced the link. Rejected candidates and matched
// pending transfers are left as they are.
func (d Datasource) UnlinkTransaction(ctx context.Context, id string, unlinkedAt time.Time) (*model.LinkedPair, error) {
	ctx, span := otel.Tracer("TransferLink").Start(ctx, "Unlinking transaction")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	var linkedTo, linkType sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT linked_to, link_type FROM tally.transactions WHERE transaction_id = $1 FOR UPDATE
	`, id).Scan(&linkedTo, &linkType)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rollback(tx, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), err))
		}
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err))
	}
	if !linkedTo.Valid {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transaction '%s' is not linked", id), nil))
	}

	fromID, toID := id, linkedTo.String
	if linkType.String == model.LinkTypeTransferIn {
		fromID, toID = toID, fromID
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE tally.transactions
		SET linked_to = NULL, link_type = NULL, transfer_status = 'unmatched', needs_review = true
		WHERE (transaction_id = $1 AND linked_to = $2) OR (transaction_id = $2 AND linked_to = $1)
	`, fromID, toID)
	if err != nil {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unlink transactions", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err))
	}
	if rowsAffected != 2 {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState,
			fmt.Sprintf("Link between '%s' and '%s' is not symmetric", fromID, toID), nil))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tally.transfer_candidates
		SET unlinked_at = $3, updated_at = $3
		WHERE status IN ('confirmed', 'auto_linked') AND unlinked_at IS NULL
			AND from_transaction_id = $1 AND to_transaction_id = $2
	`, fromID, toID, unlinkedAt)
	if err != nil {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release transfer candidate", err))
	}

	pair, err := loadPair(ctx, tx, fromID, toID)
	if err != nil {
		return nil, rollback(tx, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return pair, nil
}
