package tally

import (
	"context"
	"testing"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epsilon = dec("0.01")

func line(direction model.Direction, amount string) model.StatementLine {
	return model.StatementLine{Date: day("2024-12-01"), Amount: dec(amount), Direction: direction}
}

func TestReconcileStatement_LiabilityDebitIncreasesBalance(t *testing.T) {
	result, err := ReconcileStatement(model.StatementInput{
		BalanceType:    model.BalanceTypeLiability,
		OpeningBalance: decPtr("-131.73"),
		ClosingBalance: decPtr("99.23"),
		Lines:          []model.StatementLine{line(model.DirectionDebit, "230.96")},
	}, epsilon)

	require.NoError(t, err)
	assert.True(t, result.Balanced)
	assert.Equal(t, "99.23", result.ComputedClosing.StringFixed(2))
	assert.Empty(t, result.Suspects)
}

func TestReconcileStatement_AssetCreditIncreasesBalance(t *testing.T) {
	result, err := ReconcileStatement(model.StatementInput{
		BalanceType:    model.BalanceTypeAsset,
		OpeningBalance: decPtr("1000.00"),
		ClosingBalance: decPtr("1500.00"),
		Lines:          []model.StatementLine{line(model.DirectionCredit, "500.00")},
	}, epsilon)

	require.NoError(t, err)
	assert.True(t, result.Balanced)
	assert.Equal(t, "1500.00", result.ComputedClosing.StringFixed(2))
	require.Len(t, result.RunningBalances, 1)
	assert.Equal(t, "1500.00", result.RunningBalances[0].StringFixed(2))
}

func TestReconcileStatement_EmptyStatement(t *testing.T) {
	result, err := ReconcileStatement(model.StatementInput{
		BalanceType:    model.BalanceTypeLiability,
		OpeningBalance: decPtr("-376.95"),
		ClosingBalance: decPtr("-376.95"),
	}, epsilon)

	require.NoError(t, err)
	assert.True(t, result.Balanced)
	assert.True(t, result.ComputedClosing.Equal(dec("-376.95")))
	assert.Empty(t, result.RunningBalances)
}

func TestReconcileStatement_Linearity(t *testing.T) {
	lines := []model.StatementLine{
		line(model.DirectionCredit, "120.50"),
		line(model.DirectionDebit, "20.25"),
		line(model.DirectionDebit, "75.00"),
		line(model.DirectionCredit, "4.75"),
	}
	for _, bt := range []model.BalanceType{model.BalanceTypeAsset, model.BalanceTypeLiability} {
		opening := dec("310.00")
		whole := ComputeClosingBalance(bt, opening, lines)
		midway := ComputeClosingBalance(bt, opening, lines[:2])
		chained := ComputeClosingBalance(bt, midway, lines[2:])
		assert.True(t, whole.Equal(chained), string(bt))

		sum := opening
		for _, l := range lines {
			sum = sum.Add(model.SignedDelta(bt, l.Direction, l.Amount))
		}
		assert.True(t, whole.Equal(sum), string(bt))
	}
}

func TestReconcileStatement_AssetAndLiabilityAreMirrored(t *testing.T) {
	lines := []model.StatementLine{
		line(model.DirectionCredit, "80.00"),
		line(model.DirectionDebit, "30.00"),
	}
	opening := dec("0")
	asset := ComputeClosingBalance(model.BalanceTypeAsset, opening, lines)
	liability := ComputeClosingBalance(model.BalanceTypeLiability, opening, lines)
	assert.True(t, asset.Equal(liability.Neg()))
	assert.Equal(t, "50.00", asset.StringFixed(2))
}

func TestReconcileStatement_FlippingDirectionMovesClosingByTwiceTheAmount(t *testing.T) {
	lines := []model.StatementLine{line(model.DirectionCredit, "45.10"), line(model.DirectionDebit, "12.00")}
	before := ComputeClosingBalance(model.BalanceTypeAsset, dec("100"), lines)
	lines[1].Direction = model.DirectionCredit
	after := ComputeClosingBalance(model.BalanceTypeAsset, dec("100"), lines)
	assert.Equal(t, "24.00", after.Sub(before).StringFixed(2))
}

func TestReconcileStatement_MismatchIsNotLogged(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	result, err := ReconcileStatement(model.StatementInput{
		BalanceType:    model.BalanceTypeAsset,
		OpeningBalance: decPtr("100.00"),
		ClosingBalance: decPtr("130.00"),
		Lines: []model.StatementLine{
			{Reference: "a", Amount: dec("50.00"), Direction: model.DirectionCredit},
			{Reference: "b", Amount: dec("10.00"), Direction: model.DirectionCredit},
		},
	}, epsilon)

	var apiErr apierror.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.ErrBalanceMismatch, apiErr.Code)
	assert.Nil(t, apiErr.Details)
	require.Len(t, result.Suspects, 1)
	assert.Equal(t, "b", result.Suspects[0].Reference)
	assert.Empty(t, hook.AllEntries())
}

func TestReconcileStatement_MismatchReportsSuspects(t *testing.T) {
	result, err := ReconcileStatement(model.StatementInput{
		BalanceType:    model.BalanceTypeAsset,
		OpeningBalance: decPtr("100.00"),
		ClosingBalance: decPtr("170.00"),
		Lines: []model.StatementLine{
			{Reference: "a", Amount: dec("50.00"), Direction: model.DirectionCredit},
			{Reference: "b", Amount: dec("20.00"), Direction: model.DirectionDebit},
			{Reference: "c", Amount: dec("5.00"), Direction: model.DirectionDebit},
		},
	}, epsilon)

	require.Error(t, err)
	assert.True(t, apierror.HasCode(err, apierror.ErrBalanceMismatch))
	assert.False(t, result.Balanced)
	assert.Equal(t, "125.00", result.ComputedClosing.StringFixed(2))
	assert.Equal(t, "-45.00", result.Discrepancy.StringFixed(2))

	require.Len(t, result.Suspects, 2)
	assert.Equal(t, 2, result.Suspects[0].Position)
	assert.Equal(t, "b", result.Suspects[0].Reference)
	assert.Equal(t, "-5.00", result.Suspects[0].ResidualIfFlipped.StringFixed(2))
	assert.False(t, result.Suspects[0].ResolvesMismatch)
	assert.Equal(t, 3, result.Suspects[1].Position)
	assert.Equal(t, "-35.00", result.Suspects[1].ResidualIfFlipped.StringFixed(2))
}

func TestReconcileStatement_SuspectThatResolvesComesFirst(t *testing.T) {
	result, err := ReconcileStatement(model.StatementInput{
		BalanceType:    model.BalanceTypeAsset,
		OpeningBalance: decPtr("100.00"),
		ClosingBalance: decPtr("160.00"),
		Lines: []model.StatementLine{
			line(model.DirectionCredit, "50.00"),
			line(model.DirectionDebit, "20.00"),
			line(model.DirectionDebit, "10.00"),
		},
	}, epsilon)

	require.Error(t, err)
	require.Len(t, result.Suspects, 2)
	assert.Equal(t, 2, result.Suspects[0].Position)
	assert.True(t, result.Suspects[0].ResolvesMismatch)
	assert.True(t, result.Suspects[0].ResidualIfFlipped.IsZero())
}

func TestReconcileStatement_IncompleteInput(t *testing.T) {
	tests := []struct {
		name  string
		input model.StatementInput
	}{
		{
			name:  "missing opening",
			input: model.StatementInput{BalanceType: model.BalanceTypeAsset, ClosingBalance: decPtr("1")},
		},
		{
			name:  "missing closing",
			input: model.StatementInput{BalanceType: model.BalanceTypeAsset, OpeningBalance: decPtr("1")},
		},
		{
			name:  "missing balance type",
			input: model.StatementInput{OpeningBalance: decPtr("1"), ClosingBalance: decPtr("1")},
		},
		{
			name: "line without direction",
			input: model.StatementInput{
				BalanceType: model.BalanceTypeAsset, OpeningBalance: decPtr("1"), ClosingBalance: decPtr("1"),
				Lines: []model.StatementLine{{Amount: dec("3")}},
			},
		},
		{
			name: "zero amount",
			input: model.StatementInput{
				BalanceType: model.BalanceTypeAsset, OpeningBalance: decPtr("1"), ClosingBalance: decPtr("1"),
				Lines: []model.StatementLine{line(model.DirectionDebit, "0")},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReconcileStatement(tt.input, epsilon)
			require.Error(t, err)
			assert.True(t, apierror.HasCode(err, apierror.ErrIncompleteInput))
		})
	}
}

func extracted(opening, closing string, lines ...model.StatementLine) model.ExtractedStatement {
	return model.ExtractedStatement{
		OpeningBalance: decPtr(opening),
		ClosingBalance: decPtr(closing),
		Lines:          lines,
	}
}

func TestImportStatement_Balanced(t *testing.T) {
	tl, _ := newTestTally(t)
	ctx := context.Background()
	account := createAccount(t, tl, "Chequing", "CAD", "comp_1", model.BalanceTypeAsset)

	result, err := tl.ImportStatement(ctx, account.AccountID, extracted("1000.00", "1450.00",
		model.StatementLine{Date: day("2024-12-02"), Amount: dec("500.00"), Direction: model.DirectionCredit, Description: "Payroll"},
		model.StatementLine{Date: day("2024-12-03"), Amount: dec("-50.00"), Direction: model.DirectionDebit, Description: "Groceries"},
	))
	require.NoError(t, err)

	assert.Equal(t, model.StatementStatusBalanced, result.Statement.Status)
	assert.Equal(t, model.BalanceTypeAsset, result.Statement.BalanceType)
	assert.Equal(t, "CAD", result.Statement.Currency)
	assert.True(t, result.Reconciliation.Balanced)
	require.Len(t, result.Transactions, 2)

	first, second := result.Transactions[0], result.Transactions[1]
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, "50.00", second.Amount.StringFixed(2))
	assert.Equal(t, "comp_1", first.CompanyID)
	assert.Equal(t, model.TransferStatusUnmatched, first.TransferStatus)
	require.NotNil(t, second.RunningBalance)
	assert.Equal(t, "1450.00", second.RunningBalance.StringFixed(2))
	assert.NotNil(t, result.PendingMatches)
}

func TestImportStatement_UnknownAccount(t *testing.T) {
	tl, _ := newTestTally(t)
	_, err := tl.ImportStatement(context.Background(), "acc_missing", extracted("0", "0"))
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestImportStatement_IncompleteInputStoresNothing(t *testing.T) {
	tl, store := newTestTally(t)
	account := createAccount(t, tl, "Visa", "CAD", "", model.BalanceTypeLiability)

	_, err := tl.ImportStatement(context.Background(), account.AccountID, model.ExtractedStatement{OpeningBalance: decPtr("10")})
	assert.True(t, apierror.HasCode(err, apierror.ErrIncompleteInput))

	pool, err := store.GetTransferPool(context.Background(), model.TransferPoolFilter{From: day("2000-01-01"), To: day("2100-01-01")})
	require.NoError(t, err)
	assert.Empty(t, pool)
}

func TestCorrectAndConfirmStatement(t *testing.T) {
	tl, _ := newTestTally(t)
	ctx := context.Background()
	account := createAccount(t, tl, "Savings", "USD", "", model.BalanceTypeAsset)

	imported, err := tl.ImportStatement(ctx, account.AccountID, extracted("100.00", "170.00",
		model.StatementLine{Date: day("2024-11-01"), Amount: dec("50.00"), Direction: model.DirectionCredit},
		model.StatementLine{Date: day("2024-11-02"), Amount: dec("20.00"), Direction: model.DirectionDebit},
	))
	require.NoError(t, err)
	assert.Equal(t, model.StatementStatusMismatched, imported.Statement.Status)
	require.NotEmpty(t, imported.Reconciliation.Suspects)
	stmtID := imported.Statement.StatementID

	_, err = tl.ConfirmStatement(ctx, stmtID)
	assert.True(t, apierror.HasCode(err, apierror.ErrBalanceMismatch))

	_, err = tl.CorrectStatement(ctx, stmtID, []model.DirectionCorrection{{TransactionID: "txn_elsewhere", Direction: model.DirectionCredit}})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))

	suspect := imported.Transactions[imported.Reconciliation.Suspects[0].Position-1]
	corrected, err := tl.CorrectStatement(ctx, stmtID, []model.DirectionCorrection{{TransactionID: suspect.TransactionID, Direction: model.DirectionCredit}})
	require.NoError(t, err)
	assert.Equal(t, model.StatementStatusCorrected, corrected.Statement.Status)
	assert.True(t, corrected.Reconciliation.Balanced)

	confirmed, err := tl.ConfirmStatement(ctx, stmtID)
	require.NoError(t, err)
	assert.True(t, confirmed.Statement.Confirmed)
	for _, txn := range confirmed.Transactions {
		assert.True(t, txn.StatementLocked)
	}

	_, err = tl.CorrectStatement(ctx, stmtID, []model.DirectionCorrection{{TransactionID: suspect.TransactionID, Direction: model.DirectionDebit}})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))
}

func TestCorrectStatement_ReleasesCandidateOnFlippedTransaction(t *testing.T) {
	tl, store := newTestTally(t)
	ctx := context.Background()
	chequing := createAccount(t, tl, "", "USD", "comp_1", model.BalanceTypeAsset)
	savings := createAccount(t, tl, "", "USD", "comp_2", model.BalanceTypeAsset)

	imported, err := tl.ImportStatement(ctx, chequing.AccountID, extracted("500.00", "200.00",
		model.StatementLine{Date: day("2024-12-09"), Amount: dec("300.00"), Direction: model.DirectionDebit},
	))
	require.NoError(t, err)
	stmtID := imported.Statement.StatementID
	debitID := imported.Transactions[0].TransactionID
	putTransaction(store, "txn_in", savings, model.DirectionCredit, "300.00", "2024-12-10", "")

	detected, err := tl.DetectTransfers(ctx, decemberFilter())
	require.NoError(t, err)
	require.Len(t, detected.Pending, 1)
	candidateID := detected.Pending[0].CandidateID

	_, err = tl.CorrectStatement(ctx, stmtID, []model.DirectionCorrection{{TransactionID: debitID, Direction: model.DirectionDebit}})
	require.NoError(t, err)
	candidate, err := tl.GetCandidate(ctx, candidateID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusPending, candidate.Status)

	_, err = tl.CorrectStatement(ctx, stmtID, []model.DirectionCorrection{{TransactionID: debitID, Direction: model.DirectionCredit}})
	require.NoError(t, err)

	candidate, err = tl.GetCandidate(ctx, candidateID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusRejected, candidate.Status)
	assert.Equal(t, "direction corrected", candidate.RejectionReason)

	_, err = tl.ReviewCandidate(ctx, candidateID, model.ReviewDecision{Action: "confirm", Reviewer: "alice"})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidState))

	for _, id := range []string{debitID, "txn_in"} {
		txn, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, txn.LinkedTo, id)
		assert.Equal(t, model.TransferStatusUnmatched, txn.TransferStatus, id)
	}

	detected, err = tl.DetectTransfers(ctx, decemberFilter())
	require.NoError(t, err)
	assert.Zero(t, detected.CandidatesCreated)
}

func TestCreateAccount_Validation(t *testing.T) {
	tl, _ := newTestTally(t)
	_, err := tl.CreateAccount(context.Background(), model.Account{Name: "x", Currency: "CA", BalanceType: model.BalanceTypeAsset})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))

	_, err = tl.CreateAccount(context.Background(), model.Account{Name: "x", Currency: "CAD", BalanceType: "equity"})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))
}
