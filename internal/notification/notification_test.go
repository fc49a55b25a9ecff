package notification

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const slackURL = "https://hooks.slack.test/services/T000/B000"

func TestBuildSlackMessage(t *testing.T) {
	at := time.Date(2025, 1, 2, 15, 4, 0, 0, time.UTC)
	msg := buildSlackMessage("Batch failed", errors.New("categorizer unavailable"), at)

	require.Len(t, msg.Blocks, 3)
	assert.Equal(t, "header", msg.Blocks[0].Type)
	assert.Equal(t, "Batch failed", msg.Blocks[0].Text.Text)
	assert.Equal(t, "*Error:*\ncategorizer unavailable", msg.Blocks[1].Fields[0].Text)
	assert.Contains(t, msg.Blocks[2].Fields[0].Text, "02 Jan 25 15:04")
}

func TestSlackNotification(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	cnf := config.DefaultsForTest()
	cnf.Notification.Slack.WebhookUrl = slackURL
	config.MockConfig(cnf)

	var received slackMessage
	httpmock.RegisterResponder(http.MethodPost, slackURL, func(req *http.Request) (*http.Response, error) {
		err := json.NewDecoder(req.Body).Decode(&received)
		assert.NoError(t, err)
		return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
	})

	SlackNotification("Error From Tally", errors.New("batch stalled"))

	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	require.Len(t, received.Blocks, 3)
	assert.Contains(t, received.Blocks[1].Fields[0].Text, "batch stalled")
}

func TestNotifyError_WithoutSlackDoesNotCall(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(config.DefaultsForTest())

	NotifyError(errors.New("something broke"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
