package tally

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/request"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Webhook events.
const (
	EventStatementImported      = "statement.imported"
	EventStatementConfirmed     = "statement.confirmed"
	EventCandidatePending       = "transfer.candidate_pending"
	EventTransferAutoLinked     = "transfer.auto_linked"
	EventTransferConfirmed      = "transfer.confirmed"
	EventTransferRejected       = "transfer.rejected"
	EventTransferUnlinked       = "transfer.unlinked"
	EventPendingTransferPartial = "pending_transfer.partial"
	EventPendingTransferMatched = "pending_transfer.matched"
	EventReanalysisCompleted    = "reanalysis.completed"
	EventReanalysisFailed       = "reanalysis.failed"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// sendWebhook queues an event. Delivery problems never fail the operation that raised
// the event.
func (t *Tally) sendWebhook(ctx context.Context, event string, payload interface{}) {
	if t.queue == nil {
		return
	}
	if err := t.queue.SendWebhook(ctx, NewWebhook{Event: event, Payload: payload}); err != nil {
		logrus.WithError(err).WithField("event", event).Warn("failed to enqueue webhook")
	}
}

// processHTTP sends a webhook notification via HTTP POST request.
//
// Parameters:
// - data NewWebhook: The webhook notification data to send.
//
// Returns:
// - error: An error if the request or processing fails.
func processHTTP(ctx context.Context, data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	payload, err := request.ToJsonReq(data)
	if err != nil {
		log.Println("Error marshaling data:", err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Webhook.Url, payload)
	if err != nil {
		log.Println("Error creating request:", err)
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	if _, err := request.Call(req, nil); err != nil {
		log.Println("Error sending webhook:", err)
		return err
	}

	log.Println("Webhook notification sent successfully:", data.Event)
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook processing fails.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return err
	}
	log.Printf("Processing webhook: %+v\n", payload.Event)
	return processHTTP(ctx, payload)
}
