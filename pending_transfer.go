package tally

import (
	"context"
	"fmt"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func invalidDeclaration(message string) error {
	return apierror.NewAPIError(apierror.ErrInvalidTransferDeclaration, message, nil)
}

// RegisterPendingTransfer records a transfer the user made but that no imported
// statement shows yet. Statement imports later fill in each side. Transactions already
// imported for either account are checked once straight away.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - req model.PendingTransferRequest: The declared accounts, amount, date and tolerances.
//
// Returns:
// - *model.PendingTransfer: The recorded transfer, with any sides matched immediately.
// - error: INVALID_TRANSFER_DECLARATION when the declaration is invalid; nothing is recorded.
func (t *Tally) RegisterPendingTransfer(ctx context.Context, req model.PendingTransferRequest) (*model.PendingTransfer, error) {
	ctx, span := tracer.Start(ctx, "Register pending transfer")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	switch {
	case req.FromAccountID == "" || req.ToAccountID == "":
		return nil, invalidDeclaration("both from and to accounts are required")
	case req.FromAccountID == req.ToAccountID:
		return nil, invalidDeclaration("from and to accounts must differ")
	case !req.Amount.IsPositive():
		return nil, invalidDeclaration("amount must be greater than zero")
	case req.ToAmount != nil && !req.ToAmount.IsPositive():
		return nil, invalidDeclaration("to amount must be greater than zero")
	case req.Date.IsZero():
		return nil, invalidDeclaration("date is required")
	case model.TruncateToDay(req.Date).After(model.TruncateToDay(t.clock())):
		return nil, invalidDeclaration("date cannot be in the future")
	case req.AmountTolerance != nil && req.AmountTolerance.IsNegative():
		return nil, invalidDeclaration("amount tolerance cannot be negative")
	case req.DateToleranceDays != nil && *req.DateToleranceDays < 0:
		return nil, invalidDeclaration("date tolerance cannot be negative")
	}

	from, err := t.datasource.GetAccountByID(ctx, req.FromAccountID)
	if err != nil {
		return nil, invalidDeclaration(fmt.Sprintf("from account '%s' does not exist", req.FromAccountID))
	}
	if _, err := t.datasource.GetAccountByID(ctx, req.ToAccountID); err != nil {
		return nil, invalidDeclaration(fmt.Sprintf("to account '%s' does not exist", req.ToAccountID))
	}

	p := &model.PendingTransfer{
		PendingTransferID: model.GenerateUUIDWithSuffix("ptr"),
		FromAccountID:     req.FromAccountID,
		ToAccountID:       req.ToAccountID,
		Amount:            req.Amount,
		ToAmount:          req.Amount,
		Currency:          req.Currency,
		Date:              model.TruncateToDay(req.Date),
		Description:       req.Description,
		Notes:             req.Notes,
		Status:            model.PendingTransferStatusPending,
		AmountTolerance:   decimal.NewFromFloat(cfg.Matching.PendingAmountTolerance),
		DateToleranceDays: cfg.Matching.PendingDateToleranceDays,
		CreatedAt:         t.clock(),
	}
	if req.ToAmount != nil {
		p.ToAmount = *req.ToAmount
	}
	if p.Currency == "" {
		p.Currency = from.Currency
	}
	if req.AmountTolerance != nil {
		p.AmountTolerance = *req.AmountTolerance
	}
	if req.DateToleranceDays != nil {
		p.DateToleranceDays = *req.DateToleranceDays
	}

	if err := t.datasource.RecordPendingTransfer(ctx, p); err != nil {
		return nil, err
	}
	logrus.WithField("pending_transfer_id", p.PendingTransferID).Info("pending transfer registered")

	pool, err := t.datasource.GetTransferPool(ctx, model.TransferPoolFilter{
		From:       p.Date.AddDate(0, 0, -p.DateToleranceDays),
		To:         p.Date.AddDate(0, 0, p.DateToleranceDays),
		AccountIDs: []string{p.FromAccountID, p.ToAccountID},
	})
	if err != nil {
		return nil, err
	}
	if len(pool) > 0 {
		if _, err := t.MatchPendingTransfers(ctx, pool); err != nil {
			logrus.WithError(err).WithField("pending_transfer_id", p.PendingTransferID).Warn("initial pending transfer match failed")
		}
	}
	return t.datasource.GetPendingTransfer(ctx, p.PendingTransferID)
}

func (t *Tally) GetPendingTransfer(ctx context.Context, id string) (*model.PendingTransfer, error) {
	return t.datasource.GetPendingTransfer(ctx, id)
}

// ListPendingTransfers lists pending transfers, optionally filtered by status.
func (t *Tally) ListPendingTransfers(ctx context.Context, status string) ([]model.PendingTransfer, error) {
	switch status {
	case "", model.PendingTransferStatusPending, model.PendingTransferStatusPartial,
		model.PendingTransferStatusMatched, model.PendingTransferStatusCancelled:
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown pending transfer status '%s'", status), nil)
	}
	return t.datasource.GetPendingTransfers(ctx, status)
}

// CancelPendingTransfer stops a pending or partial transfer from matching. Sides already
// recorded stay on the record. Cancelling a cancelled transfer returns it unchanged.
func (t *Tally) CancelPendingTransfer(ctx context.Context, id string) (*model.PendingTransfer, error) {
	ctx, span := tracer.Start(ctx, "Cancel pending transfer")
	defer span.End()

	return t.datasource.CancelPendingTransfer(ctx, id)
}

// DeletePendingTransfer removes a transfer that has not matched either side.
func (t *Tally) DeletePendingTransfer(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Delete pending transfer")
	defer span.End()

	return t.datasource.DeletePendingTransfer(ctx, id)
}
