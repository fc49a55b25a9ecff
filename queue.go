package tally

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	redis_db "github.com/blnkfinance/tally/internal/redis-db"
	"github.com/blnkfinance/tally/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Queue represents a queue for handling reanalysis, detection and webhook tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cfg       config.QueueConfig
}

type reanalysisTaskPayload struct {
	BatchID string `json:"batch_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the Redis URL cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %w", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		cfg:       conf.Queue,
	}, nil
}

// Close closes the client and inspector connections.
func (q *Queue) Close() error {
	return errors.Join(q.Client.Close(), q.Inspector.Close())
}

// EnqueueReanalysis schedules a batch for the reanalysis worker.
func (q *Queue) EnqueueReanalysis(ctx context.Context, batchID string) error {
	payload, err := json.Marshal(reanalysisTaskPayload{BatchID: batchID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(q.cfg.ReanalysisQueue, payload, asynq.Queue(q.cfg.ReanalysisQueue), asynq.MaxRetry(q.cfg.MaxRetryAttempts))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued reanalysis batch: %s", batchID)
	return nil
}

// EnqueueDetection schedules a detection run with the given filter.
func (q *Queue) EnqueueDetection(ctx context.Context, filter model.DetectionFilter) error {
	payload, err := json.Marshal(filter)
	if err != nil {
		return err
	}

	task := asynq.NewTask(q.cfg.DetectionQueue, payload, asynq.Queue(q.cfg.DetectionQueue), asynq.MaxRetry(q.cfg.MaxRetryAttempts))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued transfer detection for %d account(s)", len(filter.AccountIDs))
	return nil
}

// SendWebhook enqueues a webhook notification. Nothing is queued when no webhook URL
// is configured.
func (q *Queue) SendWebhook(ctx context.Context, newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}

	task := asynq.NewTask(q.cfg.WebhookQueue, payload, asynq.Queue(q.cfg.WebhookQueue), asynq.MaxRetry(q.cfg.MaxRetryAttempts))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// ProcessReanalysisTask is the worker entry point for the reanalysis queue. Batch
// failures are recorded on the batch, so they are not retried by the queue.
func (t *Tally) ProcessReanalysisTask(ctx context.Context, task *asynq.Task) error {
	var payload reanalysisTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Error(err)
		return fmt.Errorf("decode reanalysis task: %v: %w", err, asynq.SkipRetry)
	}

	err := t.ProcessReanalysisBatch(ctx, payload.BatchID)
	if err == nil {
		log.Printf(" [*] Reanalysis batch processed %s", payload.BatchID)
		return nil
	}
	if apierror.HasCode(err, apierror.ErrBatchFailed) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// ProcessDetectionTask is the worker entry point for the detection queue.
func (t *Tally) ProcessDetectionTask(ctx context.Context, task *asynq.Task) error {
	var filter model.DetectionFilter
	if err := json.Unmarshal(task.Payload(), &filter); err != nil {
		logrus.Error(err)
		return fmt.Errorf("decode detection task: %v: %w", err, asynq.SkipRetry)
	}

	result, err := t.DetectTransfers(ctx, filter)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrInvalidInput) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	logrus.WithFields(logrus.Fields{
		"analyzed":    result.Analyzed,
		"created":     result.CandidatesCreated,
		"auto_linked": len(result.AutoLinked),
		"conflicts":   result.Conflicts,
	}).Info(" [*] Transfer detection processed")
	return nil
}
