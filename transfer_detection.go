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

package tally

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const systemReviewer = "system"

// detectionParams is a DetectionFilter with every default resolved.
type detectionParams struct {
	from           time.Time
	to             time.Time
	accountIDs     []string
	dateTolerance  int
	threshold      int
	sameTolerance  decimal.Decimal
	crossTolerance decimal.Decimal
	maxRateAge     int
	rates          []model.ExchangeRate
	focus          map[string]bool
	excludeLocked  bool
	categoryID     string
}

func (p detectionParams) inFocus(ids ...string) bool {
	if len(p.focus) == 0 {
		return true
	}
	for _, id := range ids {
		if p.focus[id] {
			return true
		}
	}
	return false
}

func resolveDetectionParams(filter model.DetectionFilter, cfg *config.Configuration, now time.Time) (detectionParams, error) {
	params := detectionParams{
		accountIDs:     filter.AccountIDs,
		dateTolerance:  cfg.Matching.DateToleranceDays,
		threshold:      cfg.Matching.AutoLinkThreshold,
		sameTolerance:  decimal.NewFromFloat(cfg.Matching.SameCurrencyTolerance),
		crossTolerance: decimal.NewFromFloat(cfg.Matching.CrossCurrencyTolerance),
		maxRateAge:     cfg.Matching.MaxRateAgeDays,
		rates:          filter.ExchangeRates,
		categoryID:     cfg.Matching.TransferCategoryID,
		excludeLocked:  filter.ExcludeLocked,
	}

	params.to = model.TruncateToDay(now)
	if filter.To != nil {
		params.to = model.TruncateToDay(*filter.To)
	}
	params.from = params.to.AddDate(0, 0, -cfg.Matching.LookbackDays)
	if filter.From != nil {
		params.from = model.TruncateToDay(*filter.From)
	}
	if params.from.After(params.to) {
		return params, apierror.NewAPIError(apierror.ErrInvalidInput, "detection range start must not be after its end", nil)
	}

	if filter.DateToleranceDays != nil {
		if *filter.DateToleranceDays < 0 {
			return params, apierror.NewAPIError(apierror.ErrInvalidInput, "date tolerance cannot be negative", nil)
		}
		params.dateTolerance = *filter.DateToleranceDays
	}
	if filter.AutoLinkThreshold != nil {
		if *filter.AutoLinkThreshold < 0 || *filter.AutoLinkThreshold > 100 {
			return params, apierror.NewAPIError(apierror.ErrInvalidInput, "auto link threshold must be between 0 and 100", nil)
		}
		params.threshold = *filter.AutoLinkThreshold
	}
	for i, rate := range filter.ExchangeRates {
		if rate.From == "" || rate.To == "" || !rate.Rate.IsPositive() {
			return params, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("exchange rate %d needs from, to and a positive rate", i+1), nil)
		}
	}

	if len(filter.FocusTransactionIDs) > 0 {
		params.focus = make(map[string]bool, len(filter.FocusTransactionIDs))
		for _, id := range filter.FocusTransactionIDs {
			params.focus[id] = true
		}
	}
	return params, nil
}

// evaluatePair checks whether credit can be the receiving side of debit. stale is set
// when a cross-currency pair was dropped only because its rate was too old.
func evaluatePair(debit, credit model.Transaction, params detectionParams) (p *pairing, stale bool) {
	if debit.AccountID == credit.AccountID {
		return nil, false
	}
	dateDiff := model.DaysBetween(debit.Date, credit.Date)
	if dateDiff > params.dateTolerance {
		return nil, false
	}

	candidate := pairing{debit: debit, credit: credit, dateDiff: dateDiff}
	if debit.Currency == credit.Currency {
		candidate.amountDiff = debit.Magnitude().Sub(credit.Magnitude()).Abs()
		if candidate.amountDiff.GreaterThan(params.sameTolerance) {
			return nil, false
		}
	} else {
		rate, effective, isStale := rateFor(params.rates, debit.Currency, credit.Currency, debit.Date, params.maxRateAge)
		if rate == nil {
			return nil, isStale
		}
		candidate.rate = rate
		candidate.effective = effective
		candidate.amountDiff = debit.Magnitude().Mul(effective).Sub(credit.Magnitude()).Abs()
		if relativeDiff(candidate.amountDiff, credit.Magnitude()).GreaterThan(params.crossTolerance) {
			return nil, false
		}
	}

	candidate.factors = scoreFactors(candidate, params)
	return &candidate, false
}

func newCandidate(p pairing, now time.Time) *model.TransferCandidate {
	c := &model.TransferCandidate{
		CandidateID:       model.GenerateUUIDWithSuffix("cand"),
		FromTransactionID: p.debit.TransactionID,
		ToTransactionID:   p.credit.TransactionID,
		FromAccountID:     p.debit.AccountID,
		ToAccountID:       p.credit.AccountID,
		FromCompanyID:     p.debit.CompanyID,
		ToCompanyID:       p.credit.CompanyID,
		FromAmount:        p.debit.Magnitude(),
		FromCurrency:      p.debit.Currency,
		ToAmount:          p.credit.Magnitude(),
		ToCurrency:        p.credit.Currency,
		DateDiffDays:      p.dateDiff,
		Confidence:        p.factors.Total(),
		Factors:           p.factors,
		CrossCompany:      p.debit.CompanyID != "" && p.credit.CompanyID != "" && p.debit.CompanyID != p.credit.CompanyID,
		Status:            model.CandidateStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.rate != nil {
		effective := p.effective
		c.ExchangeRate = &effective
		c.RateSource = p.rate.Source
	}
	return c
}

// DetectTransfers pairs debits with credits on other accounts that look like the two
// legs of one internal transfer.
//
// Each unclaimed debit, in transaction id order, takes the best unclaimed credit within
// the date and amount tolerances. Every pairing becomes a candidate with a confidence
// score; candidates at or above the auto-link threshold are linked immediately, the rest
// wait for review. Pending candidates already holding pool transactions are re-scored
// rather than paired again, so repeating a run over the same pool creates nothing new.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - filter model.DetectionFilter: Date range, accounts, tolerances and exchange rates.
//
// Returns:
// - *model.DetectionResult: Counts plus the auto-linked and pending candidates.
// - error: INVALID_INPUT for a bad filter, or a datasource error.
func (t *Tally) DetectTransfers(ctx context.Context, filter model.DetectionFilter) (*model.DetectionResult, error) {
	ctx, span := tracer.Start(ctx, "Detect transfers")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	params, err := resolveDetectionParams(filter, cfg, t.clock())
	if err != nil {
		return nil, err
	}

	pool, err := t.transferPool(ctx, params)
	if err != nil {
		return nil, err
	}
	result := &model.DetectionResult{Analyzed: len(pool), AutoLinked: []model.TransferCandidate{}, Pending: []model.TransferCandidate{}}
	span.SetAttributes(attribute.Int("tally.pool_size", len(pool)))
	if len(pool) == 0 {
		return result, nil
	}

	byID := make(map[string]model.Transaction, len(pool))
	ids := make([]string, 0, len(pool))
	for _, txn := range pool {
		byID[txn.TransactionID] = txn
		ids = append(ids, txn.TransactionID)
	}

	claimed, err := t.rescoreActiveCandidates(ctx, ids, byID, params, result)
	if err != nil {
		return nil, err
	}
	for _, txn := range pool {
		if txn.TransferStatus == model.TransferStatusPending {
			claimed[txn.TransactionID] = true
		}
	}

	var credits []model.Transaction
	for _, txn := range pool {
		if txn.Direction == model.DirectionCredit {
			credits = append(credits, txn)
		}
	}

	for _, debit := range pool {
		if debit.Direction != model.DirectionDebit || claimed[debit.TransactionID] {
			continue
		}

		var best *pairing
		for _, credit := range credits {
			if claimed[credit.TransactionID] || !params.inFocus(debit.TransactionID, credit.TransactionID) {
				continue
			}
			p, stale := evaluatePair(debit, credit, params)
			if stale {
				result.SkippedStaleRates++
			}
			if p != nil && p.better(best) {
				best = p
			}
		}
		if best == nil {
			continue
		}

		claimed[best.debit.TransactionID] = true
		claimed[best.credit.TransactionID] = true

		candidate := newCandidate(*best, t.clock())
		if err := t.datasource.CreateCandidate(ctx, candidate); err != nil {
			if apierror.HasCode(err, apierror.ErrDoubleClaimConflict) || apierror.HasCode(err, apierror.ErrConflict) {
				result.Conflicts++
				continue
			}
			return nil, err
		}
		result.CandidatesCreated++
		t.settleCandidate(ctx, candidate, params, result)
	}

	logrus.WithFields(logrus.Fields{
		"analyzed":           result.Analyzed,
		"candidates_created": result.CandidatesCreated,
		"auto_linked":        len(result.AutoLinked),
		"pending":            len(result.Pending),
		"rescored":           result.Rescored,
		"conflicts":          result.Conflicts,
	}).Info("transfer detection finished")
	return result, nil
}

// transferPool loads the detection pool without transactions held by pending transfers.
func (t *Tally) transferPool(ctx context.Context, params detectionParams) ([]model.Transaction, error) {
	pool, err := t.datasource.GetTransferPool(ctx, model.TransferPoolFilter{From: params.from, To: params.to, AccountIDs: params.accountIDs})
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return pool, nil
	}

	ids := make([]string, 0, len(pool))
	for _, txn := range pool {
		ids = append(ids, txn.TransactionID)
	}
	reserved, err := t.datasource.GetReservedTransactionIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	eligible := pool[:0]
	for _, txn := range pool {
		if _, ok := reserved[txn.TransactionID]; ok {
			continue
		}
		if params.excludeLocked && txn.IsLocked() {
			continue
		}
		eligible = append(eligible, txn)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].TransactionID < eligible[j].TransactionID })
	return eligible, nil
}

// rescoreActiveCandidates marks every transaction held by an active candidate as
// claimed and refreshes the score of pending candidates whose two sides are in the pool.
func (t *Tally) rescoreActiveCandidates(ctx context.Context, ids []string, byID map[string]model.Transaction, params detectionParams, result *model.DetectionResult) (map[string]bool, error) {
	claimed := make(map[string]bool)
	active, err := t.datasource.GetActiveCandidatesForTransactions(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range active {
		c := active[i]
		claimed[c.FromTransactionID] = true
		claimed[c.ToTransactionID] = true
		if c.Status != model.CandidateStatusPending || !params.inFocus(c.FromTransactionID, c.ToTransactionID) {
			continue
		}

		debit, debitOK := byID[c.FromTransactionID]
		credit, creditOK := byID[c.ToTransactionID]
		if !debitOK || !creditOK {
			continue
		}

		if p, _ := evaluatePair(debit, credit, params); p != nil && p.factors != c.Factors {
			err := t.datasource.UpdateCandidateScore(ctx, c.CandidateID, p.factors.Total(), p.factors, t.clock())
			if apierror.HasCode(err, apierror.ErrInvalidState) {
				continue
			}
			if err != nil {
				return nil, err
			}
			c.Confidence = p.factors.Total()
			c.Factors = p.factors
			result.Rescored++
		}

		if c.Confidence >= params.threshold {
			if linked, err := t.autoLink(ctx, &c, params); err == nil {
				result.AutoLinked = append(result.AutoLinked, *linked)
				continue
			}
			result.Conflicts++
		}
		result.Pending = append(result.Pending, c)
	}
	return claimed, nil
}

// settleCandidate auto-links a new candidate that reached the threshold, otherwise
// leaves it pending for review.
func (t *Tally) settleCandidate(ctx context.Context, c *model.TransferCandidate, params detectionParams, result *model.DetectionResult) {
	if c.Confidence >= params.threshold {
		linked, err := t.autoLink(ctx, c, params)
		if err == nil {
			result.AutoLinked = append(result.AutoLinked, *linked)
			return
		}
		result.Conflicts++
	}
	result.Pending = append(result.Pending, *c)
	t.sendWebhook(ctx, EventCandidatePending, c)
}

func (t *Tally) autoLink(ctx context.Context, c *model.TransferCandidate, params detectionParams) (*model.TransferCandidate, error) {
	_, err := t.linkCandidate(ctx, c, model.CandidateStatusAutoLinked, systemReviewer, params.categoryID)
	if err != nil {
		logrus.WithError(err).WithField("candidate_id", c.CandidateID).Warn("auto-link failed, candidate left pending")
		return nil, err
	}
	linked, err := t.datasource.GetCandidate(ctx, c.CandidateID)
	if err != nil {
		return nil, err
	}
	t.sendWebhook(ctx, EventTransferAutoLinked, linked)
	return linked, nil
}
