// Package extraction talks to the statement extraction service and converts its
// loosely typed output into model.ExtractedStatement.
package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006/01/02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"02 Jan 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// ParsePayload converts an extraction payload into a statement. Amounts may be numbers
// or strings with separators or currency symbols; dates may use several layouts;
// directions accept the usual synonyms, and a signed amount without a direction is
// read as debit when negative. Missing balances or unreadable rows yield
// INCOMPLETE_INPUT.
func ParsePayload(payload map[string]interface{}) (*model.ExtractedStatement, error) {
	if payload == nil {
		return nil, apierror.NewAPIError(apierror.ErrIncompleteInput, "extraction payload is empty", nil)
	}
	payload = flattenAccountInfo(payload)

	stmt := &model.ExtractedStatement{
		AccountName:   stringField(payload, "account_name"),
		AccountNumber: stringField(payload, "account_number"),
		Currency:      strings.ToUpper(stringField(payload, "currency")),
		BalanceType:   model.BalanceType(strings.ToLower(stringField(payload, "balance_type"))),
	}

	var problems []string
	if v, ok := payload["opening_balance"]; ok && v != nil {
		d, err := parseAmount(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("opening_balance: %v", err))
		} else {
			stmt.OpeningBalance = &d
		}
	}
	if v, ok := payload["closing_balance"]; ok && v != nil {
		d, err := parseAmount(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("closing_balance: %v", err))
		} else {
			stmt.ClosingBalance = &d
		}
	}
	for _, key := range []string{"period_start", "period_end"} {
		raw := stringField(payload, key)
		if raw == "" {
			continue
		}
		t, err := parseDate(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		if key == "period_start" {
			stmt.PeriodStart = &t
		} else {
			stmt.PeriodEnd = &t
		}
	}

	rows, _ := payload["transactions"].([]interface{})
	for i, raw := range rows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			problems = append(problems, fmt.Sprintf("transactions[%d]: not an object", i))
			continue
		}
		line, err := parseLine(row)
		if err != nil {
			problems = append(problems, fmt.Sprintf("transactions[%d]: %v", i, err))
			continue
		}
		stmt.Lines = append(stmt.Lines, line)
	}

	if err := validateStatement(stmt); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return nil, apierror.NewAPIError(apierror.ErrIncompleteInput, "extraction payload is incomplete", problems)
	}
	return stmt, nil
}

// flattenAccountInfo lifts the fields of a nested account_info object to the top
// level. Top-level values win.
func flattenAccountInfo(payload map[string]interface{}) map[string]interface{} {
	info, ok := payload["account_info"].(map[string]interface{})
	if !ok {
		return payload
	}
	merged := make(map[string]interface{}, len(payload)+len(info))
	for k, v := range info {
		merged[k] = v
	}
	for k, v := range payload {
		if k == "account_info" {
			continue
		}
		merged[k] = v
	}
	return merged
}

func validateStatement(stmt *model.ExtractedStatement) error {
	return validation.ValidateStruct(stmt,
		validation.Field(&stmt.OpeningBalance, validation.NotNil.Error("opening balance is required")),
		validation.Field(&stmt.ClosingBalance, validation.NotNil.Error("closing balance is required")),
		validation.Field(&stmt.Currency, validation.Length(3, 3)),
		validation.Field(&stmt.BalanceType, validation.In(model.BalanceTypeAsset, model.BalanceTypeLiability)),
	)
}

func parseLine(row map[string]interface{}) (model.StatementLine, error) {
	var line model.StatementLine

	rawAmount, ok := row["amount"]
	if !ok || rawAmount == nil {
		return line, fmt.Errorf("amount is required")
	}
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return line, fmt.Errorf("amount: %w", err)
	}

	dateStr := stringField(row, "date")
	if dateStr == "" {
		return line, fmt.Errorf("date is required")
	}
	date, err := parseDate(dateStr)
	if err != nil {
		return line, err
	}

	rawDirection := stringField(row, "direction")
	if rawDirection == "" {
		rawDirection = stringField(row, "type")
	}
	direction, ok := model.ParseDirection(rawDirection)
	if !ok {
		if rawDirection != "" || amount.IsZero() {
			return line, fmt.Errorf("direction %q is not recognised", rawDirection)
		}
		direction = model.DirectionCredit
		if amount.IsNegative() {
			direction = model.DirectionDebit
		}
	}

	line.Reference = stringField(row, "reference")
	line.Description = stringField(row, "description")
	line.Date = date
	line.Amount = amount.Abs()
	line.Direction = direction
	if !line.Amount.IsPositive() {
		return line, fmt.Errorf("amount must be greater than zero")
	}
	return line, nil
}

func parseAmount(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return parseAmountString(n)
	}
	return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
}

func parseAmountString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-':
			negative = !negative
		}
	}
	if b.Len() == 0 {
		return decimal.Zero, fmt.Errorf("%q is not an amount", s)
	}

	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not an amount", s)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return model.TruncateToDay(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q has an unknown layout", s)
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
