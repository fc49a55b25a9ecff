package model

import (
	"github.com/blnkfinance/tally/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type DetectTransfers struct {
	From              string               `json:"from"`
	To                string               `json:"to"`
	AccountIDs        []string             `json:"account_ids"`
	DateToleranceDays *int                 `json:"date_tolerance_days"`
	AutoLinkThreshold *int                 `json:"auto_link_threshold"`
	ExchangeRates     []model.ExchangeRate `json:"exchange_rates"`
}

func (d *DetectTransfers) ValidateDetectTransfers() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.From, validation.By(validateDateFormat)),
		validation.Field(&d.To, validation.By(validateDateFormat)),
		validation.Field(&d.DateToleranceDays, validation.Min(0)),
		validation.Field(&d.AutoLinkThreshold, validation.Min(0), validation.Max(100)),
	)
}

func (d *DetectTransfers) ToDetectionFilter() (model.DetectionFilter, error) {
	from, err := parseDate(d.From)
	if err != nil {
		return model.DetectionFilter{}, err
	}
	to, err := parseDate(d.To)
	if err != nil {
		return model.DetectionFilter{}, err
	}
	return model.DetectionFilter{
		From:              from,
		To:                to,
		AccountIDs:        d.AccountIDs,
		DateToleranceDays: d.DateToleranceDays,
		AutoLinkThreshold: d.AutoLinkThreshold,
		ExchangeRates:     d.ExchangeRates,
	}, nil
}

type ReviewCandidate struct {
	Action   string `json:"action"`
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

func (r *ReviewCandidate) ValidateReviewCandidate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Action, validation.Required, validation.In(model.ReviewActionConfirm, model.ReviewActionReject)),
		validation.Field(&r.Reviewer, validation.Required),
	)
}

func (r *ReviewCandidate) ToReviewDecision() model.ReviewDecision {
	return model.ReviewDecision{Action: r.Action, Reviewer: r.Reviewer, Reason: r.Reason}
}

type UnlinkTransaction struct {
	Actor string `json:"actor"`
}

func (u *UnlinkTransaction) ValidateUnlinkTransaction() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.Actor, validation.Required),
	)
}
