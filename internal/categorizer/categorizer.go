// Package categorizer is the HTTP client for the external categorization service
// consulted by the reanalysis AI stage.
package categorizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

// Request describes one transaction to categorize.
type Request struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Direction     model.Direction `json:"direction"`
	Date          string          `json:"date"`
}

type Client struct {
	baseURL         string
	apiKey          string
	http            *http.Client
	maxRetries      uint64
	initialInterval time.Duration
}

func NewClient(conf config.ServiceConfig) *Client {
	retries := conf.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &Client{
		baseURL:         strings.TrimRight(conf.Url, "/"),
		apiKey:          conf.ApiKey,
		http:            &http.Client{Timeout: time.Duration(conf.TimeoutSec) * time.Second},
		maxRetries:      uint64(retries),
		initialInterval: 500 * time.Millisecond,
	}
}

// Categorize asks the service for a category. Transport failures and 5xx/429 responses
// are retried with exponential backoff; other 4xx responses fail immediately.
func (c *Client) Categorize(ctx context.Context, req Request) (*model.CategorySuggestion, error) {
	ctx, span := otel.Tracer("Categorizer").Start(ctx, "Categorize transaction")
	defer span.End()

	if c.baseURL == "" {
		return nil, errors.New("categorizer url is not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode categorize request")
	}

	var suggestion model.CategorySuggestion
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/categorize", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build categorize request"))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return errors.Wrap(err, "call categorizer")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			statusErr := fmt.Errorf("categorizer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if err := json.NewDecoder(resp.Body).Decode(&suggestion); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decode categorizer response"))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if suggestion.Confidence < 0 || suggestion.Confidence > 1 {
		return nil, errors.Errorf("categorizer confidence %.2f is outside 0..1", suggestion.Confidence)
	}
	return &suggestion, nil
}
