package model

import (
	"github.com/blnkfinance/tally/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type StartReanalysis struct {
	TransactionIDs  []string `json:"transaction_ids"`
	DetectTransfers bool     `json:"detect_transfers"`
	RequestedBy     string   `json:"requested_by"`
}

func (s *StartReanalysis) ValidateStartReanalysis() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.TransactionIDs, validation.Required, validation.Each(validation.Required)),
	)
}

func (s *StartReanalysis) ToReanalysisRequest() model.ReanalysisRequest {
	return model.ReanalysisRequest{
		TransactionIDs:  s.TransactionIDs,
		DetectTransfers: s.DetectTransfers,
		RequestedBy:     s.RequestedBy,
	}
}
