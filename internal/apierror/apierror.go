package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound                   ErrorCode = "NOT_FOUND"
	ErrConflict                   ErrorCode = "CONFLICT"
	ErrBadRequest                 ErrorCode = "BAD_REQUEST"
	ErrInvalidInput               ErrorCode = "INVALID_INPUT"
	ErrInternalServer             ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrIncompleteInput            ErrorCode = "INCOMPLETE_INPUT"
	ErrBalanceMismatch            ErrorCode = "BALANCE_MISMATCH"
	ErrDoubleClaimConflict        ErrorCode = "DOUBLE_CLAIM_CONFLICT"
	ErrInvalidTransferDeclaration ErrorCode = "INVALID_TRANSFER_DECLARATION"
	ErrInvalidState               ErrorCode = "INVALID_STATE"
	ErrBatchStalled               ErrorCode = "BATCH_STALLED"
	ErrBatchFailed                ErrorCode = "BATCH_FAILED"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithField("code", code).Log(logLevel(code), details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// logLevel keeps client and domain outcomes out of the error log.
func logLevel(code ErrorCode) logrus.Level {
	switch code {
	case ErrInternalServer, ErrBatchFailed:
		return logrus.ErrorLevel
	default:
		return logrus.WarnLevel
	}
}

// HasCode reports whether err is an APIError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict, ErrDoubleClaimConflict, ErrInvalidState, ErrBatchStalled:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest, ErrIncompleteInput, ErrInvalidTransferDeclaration:
			return http.StatusBadRequest
		case ErrBalanceMismatch:
			return http.StatusUnprocessableEntity
		case ErrInternalServer, ErrBatchFailed:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
