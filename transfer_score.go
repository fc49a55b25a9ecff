package tally

import (
	"math"
	"strings"
	"time"

	"github.com/blnkfinance/tally/model"
	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Confidence weights. A same-day, exact, same-company pair scores 95 before the
// description and keyword factors are added.
const (
	scoreBase                  = 40
	scoreDateMax               = 25
	scoreDatePenaltyPerDay     = 7
	scoreAmountExact           = 20
	scoreAmountWithinTolerance = 15
	scoreAmountCrossMax        = 12
	scoreCompanySame           = 10
	scoreCompanyUnknown        = 5
	scoreCompanyDifferent      = -5
	scoreDescriptionMax        = 10
	scoreTransferKeyword       = 5
)

var transferKeywords = []string{"transfer", "tfr", "xfer"}

// pairing is a debit and credit that passed the date and amount checks.
type pairing struct {
	debit      model.Transaction
	credit     model.Transaction
	rate       *model.ExchangeRate
	effective  decimal.Decimal
	dateDiff   int
	amountDiff decimal.Decimal
	factors    model.ConfidenceFactors
}

func (p pairing) crossCurrency() bool {
	return p.rate != nil
}

// better reports whether p should be preferred over other: closer dates first, then
// closer amounts, then the lower credit id.
func (p pairing) better(other *pairing) bool {
	if other == nil {
		return true
	}
	if p.dateDiff != other.dateDiff {
		return p.dateDiff < other.dateDiff
	}
	if !p.amountDiff.Equal(other.amountDiff) {
		return p.amountDiff.LessThan(other.amountDiff)
	}
	return p.credit.TransactionID < other.credit.TransactionID
}

// rateFor picks the supplied rate converting from into to whose date is closest to
// at. Inverse quotes are accepted and inverted. stale is true when only rates older
// than maxAgeDays exist.
func rateFor(rates []model.ExchangeRate, from, to string, at time.Time, maxAgeDays int) (rate *model.ExchangeRate, effective decimal.Decimal, stale bool) {
	bestAge := -1
	for i := range rates {
		r := rates[i]
		if !r.Rate.IsPositive() {
			continue
		}
		var value decimal.Decimal
		switch {
		case strings.EqualFold(r.From, from) && strings.EqualFold(r.To, to):
			value = r.Rate
		case strings.EqualFold(r.From, to) && strings.EqualFold(r.To, from):
			value = decimal.NewFromInt(1).Div(r.Rate)
		default:
			continue
		}
		age := model.DaysBetween(at, r.AsOf)
		if bestAge == -1 || age < bestAge {
			bestAge = age
			rate = &rates[i]
			effective = value
		}
	}
	if rate == nil {
		return nil, decimal.Zero, false
	}
	if bestAge > maxAgeDays {
		return nil, decimal.Zero, true
	}
	return rate, effective, false
}

// scoreFactors computes every confidence factor for a pairing. Each factor only rises
// as the pair gets closer.
func scoreFactors(p pairing, params detectionParams) model.ConfidenceFactors {
	f := model.ConfidenceFactors{Base: scoreBase}

	f.DateProximity = scoreDateMax - scoreDatePenaltyPerDay*p.dateDiff
	if f.DateProximity < 0 {
		f.DateProximity = 0
	}

	if p.crossCurrency() {
		relative := relativeDiff(p.amountDiff, p.credit.Magnitude())
		if params.crossTolerance.IsPositive() {
			share, _ := decimal.NewFromInt(1).Sub(relative.Div(params.crossTolerance)).Float64()
			f.AmountExactness = clamp(int(math.Round(scoreAmountCrossMax*share)), 0, scoreAmountCrossMax)
		} else if relative.IsZero() {
			f.AmountExactness = scoreAmountCrossMax
		}
	} else if p.amountDiff.IsZero() {
		f.AmountExactness = scoreAmountExact
	} else {
		f.AmountExactness = scoreAmountWithinTolerance
	}

	switch {
	case p.debit.CompanyID == "" || p.credit.CompanyID == "":
		f.CompanyMatch = scoreCompanyUnknown
	case p.debit.CompanyID == p.credit.CompanyID:
		f.CompanyMatch = scoreCompanySame
	default:
		f.CompanyMatch = scoreCompanyDifferent
	}

	f.SimilarityRatio = descriptionSimilarity(p.debit.Description, p.credit.Description)
	f.DescriptionSimilarity = int(math.Round(f.SimilarityRatio * scoreDescriptionMax))

	if hasTransferKeyword(p.debit.Description) || hasTransferKeyword(p.credit.Description) {
		f.TransferKeyword = scoreTransferKeyword
	}
	return f
}

func descriptionSimilarity(a, b string) float64 {
	a, b = normalizeDescription(a), normalizeDescription(b)
	if a == "" || b == "" {
		return 0
	}
	ratio := levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
	return math.Round(ratio*100) / 100
}

func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func hasTransferKeyword(description string) bool {
	description = strings.ToLower(description)
	for _, keyword := range transferKeywords {
		if strings.Contains(description, keyword) {
			return true
		}
	}
	return false
}

func relativeDiff(diff, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return diff.Abs()
	}
	return diff.Abs().Div(base)
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
