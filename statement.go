package tally

import (
	"context"
	"fmt"
	"sort"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

// ComputeClosingBalance applies the lines to opening in order. An empty list returns
// opening unchanged.
func ComputeClosingBalance(balanceType model.BalanceType, opening decimal.Decimal, lines []model.StatementLine) decimal.Decimal {
	closing := opening
	for _, line := range lines {
		closing = model.ApplyLine(balanceType, closing, line.Direction, line.Amount)
	}
	return closing
}

// ReconcileStatement checks a statement's arithmetic: opening plus the signed lines must
// equal the declared closing balance within epsilon.
//
// Credits raise an asset balance and debits lower it; a liability balance moves the
// other way. When the computed and declared closings disagree the result lists suspect
// lines, those whose direction, if flipped, would shrink the discrepancy, ordered by the
// residual left after the flip.
//
// Parameters:
// - input model.StatementInput: Ordered lines, declared balances and the balance type.
// - epsilon decimal.Decimal: The largest discrepancy still treated as balanced.
//
// Returns:
// - model.StatementReconciliation: The computed closing, running balances and suspects.
// - error: INCOMPLETE_INPUT for missing balances, balance type or malformed lines;
//   BALANCE_MISMATCH when unbalanced, returned together with the populated result.
func ReconcileStatement(input model.StatementInput, epsilon decimal.Decimal) (model.StatementReconciliation, error) {
	var result model.StatementReconciliation

	if err := validateStatementInput(input); err != nil {
		return result, err
	}

	opening, declared := *input.OpeningBalance, *input.ClosingBalance
	result.OpeningBalance = opening
	result.DeclaredClosing = declared
	result.RunningBalances = make([]decimal.Decimal, 0, len(input.Lines))

	running := opening
	for _, line := range input.Lines {
		running = model.ApplyLine(input.BalanceType, running, line.Direction, line.Amount)
		result.RunningBalances = append(result.RunningBalances, running)
	}
	result.ComputedClosing = running
	result.Discrepancy = running.Sub(declared)
	result.Balanced = result.Discrepancy.Abs().LessThanOrEqual(epsilon)
	if result.Balanced {
		return result, nil
	}

	result.Suspects = findSuspects(input, result.Discrepancy, epsilon)
	return result, apierror.NewAPIError(apierror.ErrBalanceMismatch,
		fmt.Sprintf("computed closing %s differs from declared closing %s by %s", running.StringFixed(2), declared.StringFixed(2), result.Discrepancy.StringFixed(2)),
		nil)
}

func validateStatementInput(input model.StatementInput) error {
	var problems []string
	if input.OpeningBalance == nil {
		problems = append(problems, "opening balance is required")
	}
	if input.ClosingBalance == nil {
		problems = append(problems, "closing balance is required")
	}
	if !input.BalanceType.Valid() {
		problems = append(problems, "balance type must be asset or liability")
	}
	for i, line := range input.Lines {
		if !line.Direction.Valid() {
			problems = append(problems, fmt.Sprintf("transaction %d has no direction", i+1))
		}
		if !line.Amount.Abs().IsPositive() {
			problems = append(problems, fmt.Sprintf("transaction %d has no amount", i+1))
		}
	}
	if len(problems) > 0 {
		return apierror.NewAPIError(apierror.ErrIncompleteInput, "statement input is incomplete", problems)
	}
	return nil
}

// findSuspects flips each line on its own. Flipping moves the closing by twice the
// line's signed delta.
func findSuspects(input model.StatementInput, discrepancy, epsilon decimal.Decimal) []model.SuspectLine {
	var suspects []model.SuspectLine
	for i, line := range input.Lines {
		delta := model.SignedDelta(input.BalanceType, line.Direction, line.Amount)
		residual := discrepancy.Sub(delta.Mul(decimal.NewFromInt(2)))
		if !residual.Abs().LessThan(discrepancy.Abs()) {
			continue
		}
		suspects = append(suspects, model.SuspectLine{
			Position:          i + 1,
			Reference:         line.Reference,
			Direction:         line.Direction,
			Amount:            line.Amount.Abs(),
			ResidualIfFlipped: residual,
			ResolvesMismatch:  residual.Abs().LessThanOrEqual(epsilon),
		})
	}
	sort.SliceStable(suspects, func(i, j int) bool {
		ri, rj := suspects[i].ResidualIfFlipped.Abs(), suspects[j].ResidualIfFlipped.Abs()
		if !ri.Equal(rj) {
			return ri.LessThan(rj)
		}
		return suspects[i].Position < suspects[j].Position
	})
	return suspects
}

func balanceEpsilon(cfg *config.Configuration) decimal.Decimal {
	return decimal.NewFromFloat(cfg.Matching.BalanceEpsilon)
}

// Reconcile runs ReconcileStatement with the configured epsilon.
func (t *Tally) Reconcile(ctx context.Context, input model.StatementInput) (model.StatementReconciliation, error) {
	_, span := tracer.Start(ctx, "Reconcile statement")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return model.StatementReconciliation{}, err
	}
	return ReconcileStatement(input, balanceEpsilon(cfg))
}

// CreateAccount registers an account that statements can be imported into.
func (t *Tally) CreateAccount(ctx context.Context, account model.Account) (model.Account, error) {
	ctx, span := tracer.Start(ctx, "Create account")
	defer span.End()

	err := validation.ValidateStruct(&account,
		validation.Field(&account.Name, validation.Required),
		validation.Field(&account.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&account.BalanceType, validation.Required, validation.In(model.BalanceTypeAsset, model.BalanceTypeLiability)),
	)
	if err != nil {
		return model.Account{}, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid account", err)
	}

	account.AccountID = model.GenerateUUIDWithSuffix("acc")
	account.CreatedAt = t.clock()
	return t.datasource.CreateAccount(ctx, account)
}

func (t *Tally) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return t.datasource.GetAccountByID(ctx, id)
}

// GetTransaction retrieves a transaction by ID.
func (t *Tally) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return t.datasource.GetTransaction(ctx, id)
}

// ImportStatement validates, reconciles and stores an extracted statement for an
// account, then runs pending-transfer matching over the new transactions.
//
// A statement that does not balance is still stored, with status mismatched, so the
// user can correct directions later; it cannot be confirmed until it balances. When
// Matching.DetectOnImport is set a detection run is scheduled around the statement's
// dates.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - accountID string: The account the statement belongs to.
// - extracted model.ExtractedStatement: The typed statement from the extraction boundary.
//
// Returns:
// - *model.StatementResult: The stored statement, its reconciliation, transactions and pending matches.
// - error: NOT_FOUND for an unknown account, INCOMPLETE_INPUT for malformed input, or a datasource error.
func (t *Tally) ImportStatement(ctx context.Context, accountID string, extracted model.ExtractedStatement) (*model.StatementResult, error) {
	ctx, span := tracer.Start(ctx, "Import statement")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	account, err := t.datasource.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	balanceType := extracted.BalanceType
	if !balanceType.Valid() {
		balanceType = account.BalanceType
	}
	currency := extracted.Currency
	if currency == "" {
		currency = account.Currency
	}

	input := model.StatementInput{
		Currency:       currency,
		BalanceType:    balanceType,
		OpeningBalance: extracted.OpeningBalance,
		ClosingBalance: extracted.ClosingBalance,
		Lines:          extracted.Lines,
	}
	recon, err := ReconcileStatement(input, balanceEpsilon(cfg))
	if err != nil && !apierror.HasCode(err, apierror.ErrBalanceMismatch) {
		return nil, err
	}

	now := t.clock()
	stmt := &model.StatementImport{
		StatementID:     model.GenerateUUIDWithSuffix("stmt"),
		AccountID:       account.AccountID,
		Currency:        currency,
		BalanceType:     balanceType,
		OpeningBalance:  recon.OpeningBalance,
		ClosingBalance:  recon.DeclaredClosing,
		ComputedClosing: recon.ComputedClosing,
		Status:          model.StatementStatusBalanced,
		CreatedAt:       now,
	}
	if !recon.Balanced {
		stmt.Status = model.StatementStatusMismatched
	}

	txns := make([]model.Transaction, 0, len(extracted.Lines))
	for i, line := range extracted.Lines {
		txn := model.Transaction{
			TransactionID:  model.GenerateUUIDWithSuffix("txn"),
			AccountID:      account.AccountID,
			CompanyID:      account.CompanyID,
			StatementID:    stmt.StatementID,
			Position:       i + 1,
			Date:           model.TruncateToDay(line.Date),
			Amount:         line.Amount.Abs(),
			Currency:       currency,
			Direction:      line.Direction,
			Description:    line.Description,
			TransferStatus: model.TransferStatusUnmatched,
			NeedsReview:    true,
			CreatedAt:      now,
		}
		txns = append(txns, txn)
		stmt.TransactionIDs = append(stmt.TransactionIDs, txn.TransactionID)
	}

	if err := t.datasource.RecordStatementImport(ctx, stmt, txns); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"statement_id": stmt.StatementID,
		"account_id":   account.AccountID,
		"status":       stmt.Status,
		"transactions": len(txns),
	}).Info("statement imported")

	matches, err := t.MatchPendingTransfers(ctx, txns)
	if err != nil {
		logrus.WithError(err).WithField("statement_id", stmt.StatementID).Error("pending transfer matching failed after import")
	}

	if cfg.Matching.DetectOnImport && len(txns) > 0 {
		t.scheduleDetection(ctx, detectionWindow(txns, cfg.Matching.DateToleranceDays))
	}

	result, err := t.statementResult(ctx, stmt, balanceEpsilon(cfg))
	if err != nil {
		return nil, err
	}
	result.PendingMatches = matches
	t.sendWebhook(ctx, EventStatementImported, result.Statement)
	return result, nil
}

// detectionWindow covers the transactions' dates widened by the date tolerance.
func detectionWindow(txns []model.Transaction, toleranceDays int) model.DetectionFilter {
	from, to := txns[0].Date, txns[0].Date
	for _, txn := range txns {
		if txn.Date.Before(from) {
			from = txn.Date
		}
		if txn.Date.After(to) {
			to = txn.Date
		}
	}
	return model.DetectionFilter{
		From: ptr.Time(from.AddDate(0, 0, -toleranceDays)),
		To:   ptr.Time(to.AddDate(0, 0, toleranceDays)),
	}
}

// scheduleDetection queues a detection run, or runs it in the background when no queue
// is configured.
func (t *Tally) scheduleDetection(ctx context.Context, filter model.DetectionFilter) {
	if t.queue != nil {
		if err := t.queue.EnqueueDetection(ctx, filter); err != nil {
			logrus.WithError(err).Error("failed to enqueue transfer detection")
		}
		return
	}

	detached := detach(ctx)
	go func() {
		if _, err := t.DetectTransfers(detached, filter); err != nil {
			logrus.WithError(err).Error("background transfer detection failed")
		}
	}()
}

// statementResult reloads a statement's transactions and recomputes its running balances.
func (t *Tally) statementResult(ctx context.Context, stmt *model.StatementImport, epsilon decimal.Decimal) (*model.StatementResult, error) {
	stored, err := t.datasource.GetStatementImport(ctx, stmt.StatementID)
	if err != nil {
		return nil, err
	}
	txns, err := t.datasource.GetStatementTransactions(ctx, stmt.StatementID)
	if err != nil {
		return nil, err
	}

	recon, err := ReconcileStatement(statementInput(stored, txns), epsilon)
	if err != nil && !apierror.HasCode(err, apierror.ErrBalanceMismatch) {
		return nil, err
	}
	for i := range txns {
		if i < len(recon.RunningBalances) {
			balance := recon.RunningBalances[i]
			txns[i].RunningBalance = &balance
		}
	}
	return &model.StatementResult{Statement: stored, Reconciliation: &recon, Transactions: txns}, nil
}

func statementInput(stmt *model.StatementImport, txns []model.Transaction) model.StatementInput {
	opening, closing := stmt.OpeningBalance, stmt.ClosingBalance
	input := model.StatementInput{
		Currency:       stmt.Currency,
		BalanceType:    stmt.BalanceType,
		OpeningBalance: &opening,
		ClosingBalance: &closing,
		Lines:          make([]model.StatementLine, 0, len(txns)),
	}
	for _, txn := range txns {
		input.Lines = append(input.Lines, model.StatementLine{
			Reference:   txn.TransactionID,
			Date:        txn.Date,
			Amount:      txn.Amount,
			Direction:   txn.Direction,
			Description: txn.Description,
		})
	}
	return input
}

// GetStatement returns a statement with its transactions and a fresh reconciliation.
func (t *Tally) GetStatement(ctx context.Context, id string) (*model.StatementResult, error) {
	ctx, span := tracer.Start(ctx, "Get statement")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	stmt, err := t.datasource.GetStatementImport(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.statementResult(ctx, stmt, balanceEpsilon(cfg))
}

// CorrectStatement rewrites the direction of statement transactions and reconciles
// again. The statement becomes corrected when it balances, otherwise it stays
// mismatched. Confirmed statements and linked transactions cannot be corrected.
func (t *Tally) CorrectStatement(ctx context.Context, statementID string, corrections []model.DirectionCorrection) (*model.StatementResult, error) {
	ctx, span := tracer.Start(ctx, "Correct statement")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if len(corrections) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "at least one correction is required", nil)
	}

	stmt, err := t.datasource.GetStatementImport(ctx, statementID)
	if err != nil {
		return nil, err
	}
	if stmt.Confirmed {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Statement '%s' is confirmed and locked", statementID), nil)
	}
	txns, err := t.datasource.GetStatementTransactions(ctx, statementID)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(txns))
	for i, txn := range txns {
		index[txn.TransactionID] = i
	}
	for _, c := range corrections {
		i, ok := index[c.TransactionID]
		if !ok {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Transaction '%s' is not part of statement '%s'", c.TransactionID, statementID), nil)
		}
		if !c.Direction.Valid() {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Direction '%s' is not debit or credit", c.Direction), nil)
		}
		txns[i].Direction = c.Direction
	}

	recon, err := ReconcileStatement(statementInput(stmt, txns), balanceEpsilon(cfg))
	if err != nil && !apierror.HasCode(err, apierror.ErrBalanceMismatch) {
		return nil, err
	}
	status := model.StatementStatusMismatched
	if recon.Balanced {
		status = model.StatementStatusCorrected
	}

	if err := t.datasource.UpdateStatementDirections(ctx, statementID, corrections, status, recon.ComputedClosing); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"statement_id": statementID, "status": status}).Info("statement corrected")
	return t.statementResult(ctx, stmt, balanceEpsilon(cfg))
}

// ConfirmStatement locks a balanced statement and all of its transactions. An
// unbalanced statement returns BALANCE_MISMATCH with its suspects.
func (t *Tally) ConfirmStatement(ctx context.Context, statementID string) (*model.StatementResult, error) {
	ctx, span := tracer.Start(ctx, "Confirm statement")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	stmt, err := t.datasource.GetStatementImport(ctx, statementID)
	if err != nil {
		return nil, err
	}
	if stmt.Confirmed {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Statement '%s' is already confirmed", statementID), nil)
	}
	txns, err := t.datasource.GetStatementTransactions(ctx, statementID)
	if err != nil {
		return nil, err
	}

	if _, err := ReconcileStatement(statementInput(stmt, txns), balanceEpsilon(cfg)); err != nil {
		return nil, err
	}

	if err := t.datasource.ConfirmStatementImport(ctx, statementID, t.clock()); err != nil {
		return nil, err
	}

	result, err := t.statementResult(ctx, stmt, balanceEpsilon(cfg))
	if err != nil {
		return nil, err
	}
	t.sendWebhook(ctx, EventStatementConfirmed, result.Statement)
	return result, nil
}

// DeleteTransaction removes a transaction that is not linked. Pending candidates that
// claimed it are rejected.
func (t *Tally) DeleteTransaction(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Delete transaction")
	defer span.End()

	return t.datasource.DeleteTransaction(ctx, id)
}
