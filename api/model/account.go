package model

import (
	"regexp"
	"strings"

	"github.com/blnkfinance/tally/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

type CreateAccount struct {
	Name        string `json:"name"`
	Currency    string `json:"currency"`
	CompanyID   string `json:"company_id"`
	BalanceType string `json:"balance_type"`
}

func (a *CreateAccount) ValidateCreateAccount() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Name, validation.Required),
		validation.Field(&a.Currency, validation.Required, validation.Match(currencyCode).Error("must be a three letter ISO currency code")),
		validation.Field(&a.BalanceType, validation.Required, validation.In(string(model.BalanceTypeAsset), string(model.BalanceTypeLiability))),
	)
}

func (a *CreateAccount) ToAccount() model.Account {
	return model.Account{
		Name:        strings.TrimSpace(a.Name),
		Currency:    a.Currency,
		CompanyID:   a.CompanyID,
		BalanceType: model.BalanceType(a.BalanceType),
	}
}
