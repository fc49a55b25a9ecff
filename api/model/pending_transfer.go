package model

import (
	"github.com/blnkfinance/tally/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// RegisterPendingTransfer is checked for shape only. Account, amount and date rules
// are enforced when the transfer is registered.
type RegisterPendingTransfer struct {
	FromAccountID     string           `json:"from_account_id"`
	ToAccountID       string           `json:"to_account_id"`
	Amount            decimal.Decimal  `json:"amount"`
	ToAmount          *decimal.Decimal `json:"to_amount"`
	Currency          string           `json:"currency"`
	Date              string           `json:"date"`
	Description       string           `json:"description"`
	Notes             string           `json:"notes"`
	AmountTolerance   *decimal.Decimal `json:"amount_tolerance"`
	DateToleranceDays *int             `json:"date_tolerance_days"`
}

func (p *RegisterPendingTransfer) ValidateRegisterPendingTransfer() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Date, validation.Required, validation.By(validateDateFormat)),
		validation.Field(&p.Notes, validation.Length(0, 1000)),
	)
}

func (p *RegisterPendingTransfer) ToPendingTransferRequest() (model.PendingTransferRequest, error) {
	date, err := parseDate(p.Date)
	if err != nil {
		return model.PendingTransferRequest{}, err
	}
	return model.PendingTransferRequest{
		FromAccountID:     p.FromAccountID,
		ToAccountID:       p.ToAccountID,
		Amount:            p.Amount,
		ToAmount:          p.ToAmount,
		Currency:          p.Currency,
		Date:              *date,
		Description:       p.Description,
		Notes:             p.Notes,
		AmountTolerance:   p.AmountTolerance,
		DateToleranceDays: p.DateToleranceDays,
	}, nil
}
