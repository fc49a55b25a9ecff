package model

import "time"

type Account struct {
	AccountID   string      `json:"account_id"`
	CompanyID   string      `json:"company_id,omitempty"`
	Name        string      `json:"name"`
	Currency    string      `json:"currency"`
	BalanceType BalanceType `json:"balance_type"`
	CreatedAt   time.Time   `json:"created_at"`
}
