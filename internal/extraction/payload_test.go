package extraction

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePayload(t *testing.T, raw string) map[string]interface{} {
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func TestParsePayload_CreditCardStatement(t *testing.T) {
	payload := decodePayload(t, `{
		"account_name": "Business Card",
		"currency": "usd",
		"balance_type": "Liability",
		"opening_balance": "-131.73",
		"closing_balance": 99.23,
		"period_start": "2025-02-01",
		"transactions": [
			{"date": "2025-02-03", "amount": "230.96", "direction": "DR", "description": "AWS"},
			{"date": "03/02/2025", "amount": -12.5, "description": "Refund?"}
		]
	}`)

	stmt, err := ParsePayload(payload)
	require.NoError(t, err)

	assert.Equal(t, "USD", stmt.Currency)
	assert.Equal(t, model.BalanceTypeLiability, stmt.BalanceType)
	assert.Equal(t, "-131.73", stmt.OpeningBalance.StringFixed(2))
	assert.Equal(t, "99.23", stmt.ClosingBalance.StringFixed(2))
	require.NotNil(t, stmt.PeriodStart)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), *stmt.PeriodStart)

	require.Len(t, stmt.Lines, 2)
	assert.Equal(t, model.DirectionDebit, stmt.Lines[0].Direction)
	assert.Equal(t, "230.96", stmt.Lines[0].Amount.StringFixed(2))
	assert.Equal(t, model.DirectionDebit, stmt.Lines[1].Direction)
	assert.Equal(t, "12.50", stmt.Lines[1].Amount.StringFixed(2))
	assert.Equal(t, time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), stmt.Lines[1].Date)
}

func TestParsePayload_NestedAccountInfo(t *testing.T) {
	payload := decodePayload(t, `{
		"account_info": {"opening_balance": 1000, "closing_balance": "1,500.00", "currency": "CAD", "balance_type": "asset"},
		"transactions": [{"date": "2024-12-18", "amount": 500, "direction": "credit", "description": "Deposit"}]
	}`)

	stmt, err := ParsePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "CAD", stmt.Currency)
	assert.Equal(t, model.BalanceTypeAsset, stmt.BalanceType)
	assert.Equal(t, "1500.00", stmt.ClosingBalance.StringFixed(2))
	require.Len(t, stmt.Lines, 1)
}

func TestParsePayload_EmptyStatementIsValid(t *testing.T) {
	stmt, err := ParsePayload(map[string]interface{}{
		"currency":        "EUR",
		"opening_balance": 100,
		"closing_balance": "100.00",
	})
	require.NoError(t, err)
	assert.Empty(t, stmt.Lines)
}

func TestParsePayload_MissingBalances(t *testing.T) {
	_, err := ParsePayload(map[string]interface{}{
		"currency":     "USD",
		"transactions": []interface{}{},
	})
	require.Error(t, err)
	assert.True(t, apierror.HasCode(err, apierror.ErrIncompleteInput))
}

func TestParsePayload_UnreadableRow(t *testing.T) {
	payload := decodePayload(t, `{
		"opening_balance": 0,
		"closing_balance": 10,
		"transactions": [
			{"date": "yesterday", "amount": 10, "direction": "credit"},
			{"date": "2025-01-01", "amount": 10, "direction": "sideways"},
			{"date": "2025-01-01", "direction": "credit"}
		]
	}`)

	_, err := ParsePayload(payload)
	require.Error(t, err)

	var apiErr apierror.APIError
	require.ErrorAs(t, err, &apiErr)
	problems, ok := apiErr.Details.([]string)
	require.True(t, ok)
	assert.Len(t, problems, 3)
}

func TestParsePayload_Nil(t *testing.T) {
	_, err := ParsePayload(nil)
	assert.True(t, apierror.HasCode(err, apierror.ErrIncompleteInput))
}

func TestParseAmountString(t *testing.T) {
	tests := map[string]string{
		"1,234.56":  "1234.56",
		"$ 12.00":   "12.00",
		"(45.10)":   "-45.10",
		"12.00-":    "-12.00",
		"-7.25 USD": "-7.25",
	}
	for input, expected := range tests {
		t.Run(input, func(t *testing.T) {
			got, err := parseAmountString(input)
			require.NoError(t, err)
			assert.Equal(t, expected, got.StringFixed(2))
		})
	}

	_, err := parseAmountString("n/a")
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	for _, input := range []string{"2025-03-04", "2025-03-04T10:11:12Z", "2025/03/04", "04 Mar 2025", "Mar 4, 2025"} {
		got, err := parseDate(input)
		require.NoError(t, err, input)
		assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), got, input)
	}
}
