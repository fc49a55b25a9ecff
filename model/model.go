package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a suffix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New() // Generate a new UUID.
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr) // Append the module as a suffix to the UUID.
	return idWithSuffix
}

// Direction is the side of the statement a transaction was printed on.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionDebit {
		return DirectionCredit
	}
	return DirectionDebit
}

// ParseDirection normalises the spellings extraction services commonly emit.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debit", "dr", "d", "withdrawal", "payment_out", "out":
		return DirectionDebit, true
	case "credit", "cr", "c", "deposit", "payment_in", "in":
		return DirectionCredit, true
	}
	return "", false
}

// BalanceType decides the sign convention applied to an account's statement.
type BalanceType string

const (
	BalanceTypeAsset     BalanceType = "asset"
	BalanceTypeLiability BalanceType = "liability"
)

func (b BalanceType) Valid() bool {
	return b == BalanceTypeAsset || b == BalanceTypeLiability
}

// TruncateToDay drops the clock component, keeping the calendar date in UTC.
func TruncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute number of calendar days separating a and b.
func DaysBetween(a, b time.Time) int {
	diff := TruncateToDay(a).Sub(TruncateToDay(b))
	days := int(diff.Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}
