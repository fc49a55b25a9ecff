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
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

const candidateColumns = `candidate_id, from_transaction_id, to_transaction_id, from_account_id, to_account_id,
	from_company_id, to_company_id, from_amount, from_currency, to_amount, to_currency, exchange_rate, rate_source,
	date_diff_days, confidence, factors, cross_company, status, reviewed_by, reviewed_at, rejection_reason,
	unlinked_at, created_at, updated_at`

func scanCandidate(row rowScanner) (*model.TransferCandidate, error) {
	c := &model.TransferCandidate{}
	var fromCompany, toCompany, rateSource, reviewedBy, reason sql.NullString
	var rate decimal.NullDecimal
	var reviewedAt, unlinkedAt sql.NullTime
	var factors []byte
	err := row.Scan(
		&c.CandidateID, &c.FromTransactionID, &c.ToTransactionID, &c.FromAccountID, &c.ToAccountID,
		&fromCompany, &toCompany, &c.FromAmount, &c.FromCurrency, &c.ToAmount, &c.ToCurrency, &rate, &rateSource,
		&c.DateDiffDays, &c.Confidence, &factors, &c.CrossCompany, &c.Status, &reviewedBy, &reviewedAt, &reason,
		&unlinkedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &c.Factors); err != nil {
			return nil, err
		}
	}
	c.FromCompanyID = fromCompany.String
	c.ToCompanyID = toCompany.String
	c.RateSource = rateSource.String
	c.ReviewedBy = reviewedBy.String
	c.RejectionReason = reason.String
	if rate.Valid {
		c.ExchangeRate = &rate.Decimal
	}
	if reviewedAt.Valid {
		c.ReviewedAt = &reviewedAt.Time
	}
	if unlinkedAt.Valid {
		c.UnlinkedAt = &unlinkedAt.Time
	}
	return c, nil
}

func scanCandidates(rows *sql.Rows) ([]model.TransferCandidate, error) {
	defer rows.Close()

	var candidates []model.TransferCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transfer candidate", err)
		}
		candidates = append(candidates, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transfer candidates", err)
	}
	return candidates, nil
}

// CreateCandidate records a candidate and claims both of its transactions. The
// partial unique indexes on the candidate table reject a second active claim.
func (d Datasource) CreateCandidate(ctx context.Context, c *model.TransferCandidate) error {
	ctx, span := otel.Tracer("Candidate").Start(ctx, "Saving transfer candidate to db")
	defer span.End()

	factors, err := json.Marshal(c.Factors)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal confidence factors", err)
	}

	var rate decimal.NullDecimal
	if c.ExchangeRate != nil {
		rate = decimal.NewNullDecimal(*c.ExchangeRate)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tally.transfer_candidates (candidate_id, from_transaction_id, to_transaction_id, from_account_id,
			to_account_id, from_company_id, to_company_id, from_amount, from_currency, to_amount, to_currency,
			exchange_rate, rate_source, date_diff_days, confidence, factors, cross_company, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, c.CandidateID, c.FromTransactionID, c.ToTransactionID, c.FromAccountID,
		c.ToAccountID, nullString(c.FromCompanyID), nullString(c.ToCompanyID), c.FromAmount, c.FromCurrency, c.ToAmount, c.ToCurrency,
		rate, nullString(c.RateSource), c.DateDiffDays, c.Confidence, factors, c.CrossCompany, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return rollback(tx, apierror.NewAPIError(apierror.ErrDoubleClaimConflict, "Transaction already claimed by another transfer candidate", err))
		}
		return rollback(tx, mapPQError(err, "Transfer candidate"))
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE tally.transactions
		SET transfer_status = 'pending'
		WHERE transaction_id = ANY($1) AND linked_to IS NULL AND transfer_status = 'unmatched'
	`, pq.Array([]string{c.FromTransactionID, c.ToTransactionID}))
	if err != nil {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim transactions", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err))
	}
	if rowsAffected != 2 {
		return rollback(tx, apierror.NewAPIError(apierror.ErrDoubleClaimConflict,
			fmt.Sprintf("Transactions '%s' and '%s' are not both unclaimed", c.FromTransactionID, c.ToTransactionID), nil))
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}

// GetCandidate retrieves a transfer candidate by its ID.
func (d Datasource) GetCandidate(ctx context.Context, id string) (*model.TransferCandidate, error) {
	ctx, span := otel.Tracer("Candidate").Start(ctx, "Fetching transfer candidate from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM tally.transfer_candidates WHERE candidate_id = $1`, id)
	c, err := scanCandidate(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer candidate with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer candidate", err)
	}
	return c, nil
}

// GetCandidates lists candidates newest first. An empty status lists every candidate.
func (d Datasource) GetCandidates(ctx context.Context, status string, limit, offset int) ([]model.TransferCandidate, error) {
	ctx, span := otel.Tracer("Candidate").Start(ctx, "Fetching transfer candidates from db")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+candidateColumns+`
		FROM tally.transfer_candidates
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, candidate_id
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer candidates", err)
	}
	return scanCandidates(rows)
}

// GetActiveCandidatesForTransactions retrieves the active candidates that touch any
// of the given transactions.
func (d Datasource) GetActiveCandidatesForTransactions(ctx context.Context, ids []string) ([]model.TransferCandidate, error) {
	ctx, span := otel.Tracer("Candidate").Start(ctx, "Fetching active transfer candidates")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+candidateColumns+`
		FROM tally.transfer_candidates
		WHERE status <> 'rejected' AND unlinked_at IS NULL
			AND (from_transaction_id = ANY($1) OR to_transaction_id = ANY($1))
		ORDER BY candidate_id
	`, pq.Array(ids))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve active transfer candidates", err)
	}
	return scanCandidates(rows)
}

// UpdateCandidateScore stores a new confidence on a candidate that is still pending.
func (d Datasource) UpdateCandidateScore(ctx context.Context, id string, confidence int, factors model.ConfidenceFactors, updatedAt time.Time) error {
	ctx, span := otel.Tracer("Candidate").Start(ctx, "Re-scoring transfer candidate")
	defer span.End()

	factorsJSON, err := json.Marshal(factors)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal confidence factors", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE tally.transfer_candidates
		SET confidence = $2, factors = $3, updated_at = $4
		WHERE candidate_id = $1 AND status = 'pending'
	`, id, confidence, factorsJSON, updatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transfer candidate", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transfer candidate '%s' is no longer pending", id), nil)
	}
	return nil
}

// RejectCandidate rejects a pending candidate and returns its transactions to the
// unmatched pool.
func (d Datasource) RejectCandidate(ctx context.Context, id, reviewer, reason string, reviewedAt time.Time) (*model.TransferCandidate, error) {
	ctx, span := otel.Tracer("Candidate").Start(ctx, "Rejecting transfer candidate")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	c, err := scanCandidate(tx.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM tally.transfer_candidates WHERE candidate_id = $1 FOR UPDATE`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rollback(tx, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer candidate with ID '%s' not found", id), err))
		}
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer candidate", err))
	}
	if c.Status != model.CandidateStatusPending {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Transfer candidate '%s' is %s", id, c.Status), nil))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tally.transfer_candidates
		SET status = 'rejected', reviewed_by = $2, reviewed_at = $3, rejection_reason = $4, updated_at = $3
		WHERE candidate_id = $1
	`, id, nullString(reviewer), reviewedAt, nullString(reason))
	if err != nil {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reject transfer candidate", err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tally.transactions
		SET transfer_status = 'unmatched'
		WHERE transaction_id = ANY($1) AND linked_to IS NULL AND transfer_status = 'pending'
	`, pq.Array([]string{c.FromTransactionID, c.ToTransactionID}))
	if err != nil {
		return nil, rollback(tx, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release transactions", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}

	c.Status = model.CandidateStatusRejected
	c.ReviewedBy = reviewer
	c.ReviewedAt = &reviewedAt
	c.RejectionReason = reason
	c.UpdatedAt = reviewedAt
	return c, nil
}
