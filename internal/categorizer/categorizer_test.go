package categorizer

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://categorizer.test"

func newTestClient(t *testing.T) *Client {
	c := NewClient(config.ServiceConfig{Url: testURL + "/", ApiKey: "secret", TimeoutSec: 5, MaxRetries: 2})
	c.initialInterval = time.Millisecond
	httpmock.ActivateNonDefault(c.http)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func sampleRequest() Request {
	return Request{
		TransactionID: "txn_1",
		Description:   "UBER TRIP 8812",
		Amount:        decimal.RequireFromString("23.40"),
		Currency:      "USD",
		Direction:     "debit",
		Date:          "2025-03-01",
	}
}

func TestCategorize_Success(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, testURL+"/categorize", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		var body Request
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "UBER TRIP 8812", body.Description)
		return httpmock.NewStringResponse(http.StatusOK, `{"category_code":"travel","confidence":0.93}`), nil
	})

	got, err := c.Categorize(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "travel", got.CategoryID)
	assert.InDelta(t, 0.93, got.Confidence, 0.0001)
}

func TestCategorize_RetriesServerErrors(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, testURL+"/categorize",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy").Times(2).
			Then(httpmock.NewStringResponder(http.StatusOK, `{"category_code":"fees","confidence":0.7}`)))

	got, err := c.Categorize(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "fees", got.CategoryID)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestCategorize_GivesUpAfterMaxRetries(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, testURL+"/categorize",
		httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	_, err := c.Categorize(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestCategorize_ClientErrorIsNotRetried(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, testURL+"/categorize",
		httpmock.NewStringResponder(http.StatusBadRequest, "bad description"))

	_, err := c.Categorize(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad description")
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestCategorize_RejectsOutOfRangeConfidence(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, testURL+"/categorize",
		httpmock.NewStringResponder(http.StatusOK, `{"category_code":"fees","confidence":7}`))

	_, err := c.Categorize(context.Background(), sampleRequest())
	assert.Error(t, err)
}

func TestCategorize_NotConfigured(t *testing.T) {
	c := NewClient(config.ServiceConfig{})
	_, err := c.Categorize(context.Background(), sampleRequest())
	assert.EqualError(t, err, "categorizer url is not configured")
}
