/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"go.opentelemetry.io/otel"
)

// CreateAccount inserts a new account into the database.
// It generates an account ID when the caller did not provide one.
func (d Datasource) CreateAccount(ctx context.Context, account model.Account) (model.Account, error) {
	ctx, span := otel.Tracer("Account").Start(ctx, "Saving account to db")
	defer span.End()

	if account.AccountID == "" {
		account.AccountID = model.GenerateUUIDWithSuffix("acc")
	}
	account.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO tally.accounts (account_id, company_id, name, currency, balance_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, account.AccountID, nullString(account.CompanyID), account.Name, account.Currency, account.BalanceType, account.CreatedAt)
	if err != nil {
		return model.Account{}, mapPQError(err, "Account")
	}

	return account, nil
}

// GetAccountByID retrieves an account by its ID.
func (d Datasource) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	ctx, span := otel.Tracer("Account").Start(ctx, "Fetching account from db")
	defer span.End()

	account := &model.Account{}
	var companyID sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, company_id, name, currency, balance_type, created_at
		FROM tally.accounts
		WHERE account_id = $1
	`, id).Scan(&account.AccountID, &companyID, &account.Name, &account.Currency, &account.BalanceType, &account.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Account with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve account", err)
	}
	account.CompanyID = companyID.String

	return account, nil
}
