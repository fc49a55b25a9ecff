package model

import (
	"github.com/blnkfinance/tally/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// ReconcileStatement is a statement checked without being stored. Missing balances
// are reported by the reconciler itself as incomplete input.
type ReconcileStatement struct {
	Currency       string                `json:"currency"`
	BalanceType    model.BalanceType     `json:"balance_type"`
	OpeningBalance *decimal.Decimal      `json:"opening_balance"`
	ClosingBalance *decimal.Decimal      `json:"closing_balance"`
	Lines          []model.StatementLine `json:"transactions"`
}

func (r *ReconcileStatement) ValidateReconcileStatement() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.BalanceType, balanceTypeRule),
	)
}

func (r *ReconcileStatement) ToStatementInput() model.StatementInput {
	return model.StatementInput{
		Currency:       r.Currency,
		BalanceType:    r.BalanceType,
		OpeningBalance: r.OpeningBalance,
		ClosingBalance: r.ClosingBalance,
		Lines:          r.Lines,
	}
}

// ImportStatement carries an extraction payload for an account.
type ImportStatement struct {
	AccountID string                 `json:"account_id"`
	Statement map[string]interface{} `json:"statement"`
}

func (i *ImportStatement) ValidateImportStatement() error {
	return validation.ValidateStruct(i,
		validation.Field(&i.AccountID, validation.Required),
		validation.Field(&i.Statement, validation.NotNil),
	)
}

type CorrectStatement struct {
	Corrections []model.DirectionCorrection `json:"corrections"`
}

func (c *CorrectStatement) ValidateCorrectStatement() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Corrections, validation.Required, validation.Each(validation.By(func(value interface{}) error {
			correction, _ := value.(model.DirectionCorrection)
			return validation.ValidateStruct(&correction,
				validation.Field(&correction.TransactionID, validation.Required),
				validation.Field(&correction.Direction, validation.Required, directionRule),
			)
		}))),
	)
}
