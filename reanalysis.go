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
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/internal/categorizer"
	"github.com/blnkfinance/tally/internal/notification"
	"github.com/blnkfinance/tally/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var activeBatchStates = []string{
	model.BatchStatePending,
	model.BatchStateDetectingTransfers,
	model.BatchStateMatchingKB,
	model.BatchStateProcessingAI,
}

// errBatchStopped ends a run whose batch was cancelled or failed elsewhere.
var errBatchStopped = errors.New("reanalysis batch is no longer running")

// detach keeps the span of ctx but drops its deadline and cancellation, for work that
// outlives the request that started it.
func detach(ctx context.Context) context.Context {
	return trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx))
}

// StartReanalysis records a batch for the selected transactions and schedules it.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - req model.ReanalysisRequest: The transactions and whether to run transfer detection.
//
// Returns:
// - *model.ReanalysisBatch: The batch in pending state.
// - error: INVALID_INPUT when no transactions are selected.
func (t *Tally) StartReanalysis(ctx context.Context, req model.ReanalysisRequest) (*model.ReanalysisBatch, error) {
	ctx, span := tracer.Start(ctx, "Start reanalysis")
	defer span.End()

	seen := make(map[string]bool, len(req.TransactionIDs))
	ids := make([]string, 0, len(req.TransactionIDs))
	for _, id := range req.TransactionIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "at least one transaction id is required", nil)
	}

	now := t.clock()
	batch := &model.ReanalysisBatch{
		BatchID:         model.GenerateUUIDWithSuffix("batch"),
		TransactionIDs:  ids,
		DetectTransfers: req.DetectTransfers,
		RequestedBy:     req.RequestedBy,
		State:           model.BatchStatePending,
		Progress:        model.BatchProgress{Total: len(ids)},
		LastProgressAt:  now,
		CreatedAt:       now,
	}
	if err := t.datasource.RecordBatch(ctx, batch); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("tally.batch_id", batch.BatchID))

	if err := t.scheduleBatch(ctx, batch.BatchID); err != nil {
		return nil, err
	}
	return batch, nil
}

func (t *Tally) scheduleBatch(ctx context.Context, batchID string) error {
	if t.queue == nil {
		detached := detach(ctx)
		go func() {
			if err := t.ProcessReanalysisBatch(detached, batchID); err != nil {
				logrus.WithError(err).WithField("batch_id", batchID).Error("reanalysis batch failed")
			}
		}()
		return nil
	}

	if err := t.queue.EnqueueReanalysis(ctx, batchID); err != nil {
		_, _ = t.datasource.TransitionBatch(ctx, batchID, activeBatchStates, model.BatchStateFailed,
			fmt.Sprintf("failed to enqueue: %v", err), t.clock())
		return apierror.NewAPIError(apierror.ErrBatchFailed, "failed to enqueue reanalysis batch", err)
	}
	return nil
}

// batchRun tracks one execution of a batch.
type batchRun struct {
	batchID   string
	progress  model.BatchProgress
	counters  model.BatchCounters
	saveEvery int
}

// ProcessReanalysisBatch runs a pending batch to completion: optional transfer
// detection, knowledge-base categorisation, then the external categorizer for whatever
// is left. Progress is saved every few items and at each stage boundary; a save that
// finds the batch cancelled stops the run.
//
// A batch that is no longer pending is skipped. Errors other than per-item categorizer
// failures mark the batch failed and return a BATCH_FAILED error.
func (t *Tally) ProcessReanalysisBatch(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "Process reanalysis batch")
	defer span.End()
	span.SetAttributes(attribute.String("tally.batch_id", batchID))

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	batch, err := t.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	first := model.BatchStateMatchingKB
	if batch.DetectTransfers {
		first = model.BatchStateDetectingTransfers
	}
	batch, err = t.datasource.TransitionBatch(ctx, batchID, []string{model.BatchStatePending}, first, "", t.clock())
	if err != nil {
		if apierror.HasCode(err, apierror.ErrInvalidState) {
			logrus.WithField("batch_id", batchID).Info("reanalysis batch is not pending, skipping")
			return nil
		}
		return err
	}

	run := &batchRun{
		batchID:   batchID,
		progress:  model.BatchProgress{Total: len(batch.TransactionIDs)},
		saveEvery: cfg.Reanalysis.ProgressSaveEvery,
	}
	err = t.runBatch(ctx, batch, run, cfg)
	if errors.Is(err, errBatchStopped) {
		logrus.WithField("batch_id", batchID).Info("reanalysis batch stopped")
		return nil
	}
	if err != nil {
		return t.failBatch(ctx, batchID, err)
	}

	completed, err := t.datasource.TransitionBatch(ctx, batchID, []string{model.BatchStateProcessingAI}, model.BatchStateCompleted, "", t.clock())
	if err != nil {
		if apierror.HasCode(err, apierror.ErrInvalidState) {
			return nil
		}
		return t.failBatch(ctx, batchID, err)
	}
	logrus.WithFields(logrus.Fields{
		"batch_id":    batchID,
		"kb_matches":  completed.Counters.KBMatches,
		"ai_matches":  completed.Counters.AIMatches,
		"unmatched":   completed.Counters.Unmatched,
		"auto_linked": completed.Counters.TransfersAutoLinked,
	}).Info("reanalysis batch completed")
	t.sendWebhook(ctx, EventReanalysisCompleted, completed)
	return nil
}

func (t *Tally) runBatch(ctx context.Context, batch *model.ReanalysisBatch, run *batchRun, cfg *config.Configuration) error {
	found, err := t.datasource.GetTransactionsByIDs(ctx, batch.TransactionIDs)
	if err != nil {
		return err
	}
	byID := make(map[string]model.Transaction, len(found))
	for _, txn := range found {
		byID[txn.TransactionID] = txn
	}

	var working []model.Transaction
	for _, id := range batch.TransactionIDs {
		txn, ok := byID[id]
		if !ok || txn.IsLocked() || txn.IsLinked() {
			run.counters.Excluded++
			if err := t.advance(ctx, run); err != nil {
				return err
			}
			continue
		}
		working = append(working, txn)
	}

	stage := batch.State
	if batch.DetectTransfers {
		working, err = t.detectionStage(ctx, run, working, cfg)
		if err != nil {
			return err
		}
		if err := t.enterStage(ctx, run, stage, model.BatchStateMatchingKB); err != nil {
			return err
		}
		stage = model.BatchStateMatchingKB
	}

	working, err = t.knowledgeBaseStage(ctx, run, working)
	if err != nil {
		return err
	}
	if err := t.enterStage(ctx, run, stage, model.BatchStateProcessingAI); err != nil {
		return err
	}

	if err := t.categorizerStage(ctx, run, working, cfg); err != nil {
		return err
	}
	return t.saveProgress(ctx, run)
}

// advance counts one finished transaction and saves progress every saveEvery items.
func (t *Tally) advance(ctx context.Context, run *batchRun) error {
	run.progress.Current++
	if run.saveEvery > 0 && run.progress.Current%run.saveEvery == 0 {
		return t.saveProgress(ctx, run)
	}
	return nil
}

func (t *Tally) saveProgress(ctx context.Context, run *batchRun) error {
	state, err := t.datasource.SaveBatchProgress(ctx, run.batchID, run.progress, run.counters, t.clock())
	if err != nil {
		return err
	}
	b := model.ReanalysisBatch{State: state}
	if b.IsTerminal() {
		return errBatchStopped
	}
	return nil
}

func (t *Tally) enterStage(ctx context.Context, run *batchRun, from, to string) error {
	if err := t.saveProgress(ctx, run); err != nil {
		return err
	}
	_, err := t.datasource.TransitionBatch(ctx, run.batchID, []string{from}, to, "", t.clock())
	if apierror.HasCode(err, apierror.ErrInvalidState) {
		return errBatchStopped
	}
	return err
}

// detectionStage runs transfer detection focused on the batch and drops transactions
// that were linked as a result.
func (t *Tally) detectionStage(ctx context.Context, run *batchRun, working []model.Transaction, cfg *config.Configuration) ([]model.Transaction, error) {
	if len(working) == 0 {
		return working, nil
	}

	window := detectionWindow(working, cfg.Matching.DateToleranceDays)
	window.ExcludeLocked = true
	for _, txn := range working {
		window.FocusTransactionIDs = append(window.FocusTransactionIDs, txn.TransactionID)
	}
	detected, err := t.DetectTransfers(ctx, window)
	if err != nil {
		return nil, err
	}
	run.counters.TransfersAutoLinked += len(detected.AutoLinked)
	run.counters.TransfersForReview += len(detected.Pending)

	linked := map[string]bool{}
	for _, c := range detected.AutoLinked {
		linked[c.FromTransactionID] = true
		linked[c.ToTransactionID] = true
	}

	remaining := working[:0]
	for _, txn := range working {
		if linked[txn.TransactionID] {
			if err := t.advance(ctx, run); err != nil {
				return nil, err
			}
			continue
		}
		remaining = append(remaining, txn)
	}
	return remaining, nil
}

func (t *Tally) knowledgeBaseStage(ctx context.Context, run *batchRun, working []model.Transaction) ([]model.Transaction, error) {
	if len(working) == 0 {
		return working, nil
	}
	entries, err := t.knowledgeBase(ctx)
	if err != nil {
		return nil, err
	}

	var remaining []model.Transaction
	for _, txn := range working {
		entry, ok := matchKnowledgeBase(entries, txn.Description)
		if !ok {
			remaining = append(remaining, txn)
			continue
		}

		err := t.datasource.UpdateTransactionCategory(ctx, txn.TransactionID, entry.CategoryID, false)
		switch {
		case apierror.HasCode(err, apierror.ErrInvalidState):
			run.counters.Excluded++
		case err != nil:
			return nil, err
		default:
			run.counters.KBMatches++
		}
		if err := t.advance(ctx, run); err != nil {
			return nil, err
		}
	}
	return remaining, nil
}

func (t *Tally) categorizerStage(ctx context.Context, run *batchRun, working []model.Transaction, cfg *config.Configuration) error {
	for _, txn := range working {
		if err := t.categorize(ctx, run, txn, cfg); err != nil {
			return err
		}
		if err := t.advance(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// categorize asks the categorizer about one transaction. Categorizer failures are
// counted, only datasource failures are returned.
func (t *Tally) categorize(ctx context.Context, run *batchRun, txn model.Transaction, cfg *config.Configuration) error {
	if t.categorizer == nil {
		run.counters.Unmatched++
		return nil
	}

	suggestion, err := t.categorizer.Categorize(ctx, categorizer.Request{
		TransactionID: txn.TransactionID,
		AccountID:     txn.AccountID,
		Description:   txn.Description,
		Amount:        txn.Magnitude(),
		Currency:      txn.Currency,
		Direction:     txn.Direction,
		Date:          txn.Date.Format("2006-01-02"),
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"batch_id": run.batchID, "transaction_id": txn.TransactionID}).Warn("categorizer request failed")
		run.counters.Errors++
		return nil
	}
	if suggestion == nil || suggestion.CategoryID == "" || suggestion.Confidence < cfg.Reanalysis.AIMinConfidence {
		run.counters.Unmatched++
		return nil
	}

	needsReview := suggestion.Confidence < cfg.Reanalysis.AIAutoAcceptConfidence
	err = t.datasource.UpdateTransactionCategory(ctx, txn.TransactionID, suggestion.CategoryID, needsReview)
	switch {
	case apierror.HasCode(err, apierror.ErrInvalidState):
		run.counters.Excluded++
	case err != nil:
		return err
	default:
		run.counters.AIMatches++
	}
	return nil
}

// failBatch records cause on the batch and reports it.
func (t *Tally) failBatch(ctx context.Context, batchID string, cause error) error {
	failed, err := t.datasource.TransitionBatch(ctx, batchID, activeBatchStates, model.BatchStateFailed, cause.Error(), t.clock())
	if err != nil {
		logrus.WithError(err).WithField("batch_id", batchID).Error("failed to mark reanalysis batch as failed")
	}
	notification.NotifyError(fmt.Errorf("reanalysis batch %s failed: %w", batchID, cause))
	if failed != nil {
		t.sendWebhook(ctx, EventReanalysisFailed, failed)
	}
	return apierror.NewAPIError(apierror.ErrBatchFailed, fmt.Sprintf("Reanalysis batch '%s' failed", batchID), cause.Error())
}

func (t *Tally) stalled(batch *model.ReanalysisBatch, timeout time.Duration) bool {
	return !batch.IsTerminal() && t.clock().Sub(batch.LastProgressAt) > timeout
}

// failStalled moves a batch that stopped reporting progress to failed.
func (t *Tally) failStalled(ctx context.Context, batch *model.ReanalysisBatch) (*model.ReanalysisBatch, error) {
	message := fmt.Sprintf("stalled: no progress since %s", batch.LastProgressAt.Format(time.RFC3339))
	failed, err := t.datasource.TransitionBatch(ctx, batch.BatchID, activeBatchStates, model.BatchStateFailed, message, t.clock())
	if err != nil {
		return nil, err
	}
	logrus.WithField("batch_id", batch.BatchID).Warn("reanalysis batch stalled")
	notification.NotifyError(apierror.NewAPIError(apierror.ErrBatchStalled, fmt.Sprintf("Reanalysis batch '%s' %s", batch.BatchID, message), nil))
	t.sendWebhook(ctx, EventReanalysisFailed, failed)
	return failed, nil
}

// GetBatchStatus returns a batch, failing it first when it has stalled.
func (t *Tally) GetBatchStatus(ctx context.Context, id string) (*model.ReanalysisBatch, error) {
	ctx, span := tracer.Start(ctx, "Get reanalysis batch status")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	batch, err := t.datasource.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.stalled(batch, cfg.Reanalysis.StallTimeout()) {
		return batch, nil
	}

	failed, err := t.failStalled(ctx, batch)
	if apierror.HasCode(err, apierror.ErrInvalidState) {
		return t.datasource.GetBatch(ctx, id)
	}
	return failed, err
}

// CancelBatch stops a batch that has not finished. Links and categories already
// applied stay in place. Cancelling a cancelled batch returns it unchanged.
func (t *Tally) CancelBatch(ctx context.Context, id string) (*model.ReanalysisBatch, error) {
	ctx, span := tracer.Start(ctx, "Cancel reanalysis batch")
	defer span.End()

	batch, err := t.datasource.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.State == model.BatchStateCancelled {
		return batch, nil
	}
	return t.datasource.TransitionBatch(ctx, id, activeBatchStates, model.BatchStateCancelled, "cancelled", t.clock())
}

// RetryBatch resets a failed batch and schedules it again.
func (t *Tally) RetryBatch(ctx context.Context, id string) (*model.ReanalysisBatch, error) {
	ctx, span := tracer.Start(ctx, "Retry reanalysis batch")
	defer span.End()

	batch, err := t.datasource.ResetBatch(ctx, id, t.clock())
	if err != nil {
		return nil, err
	}
	if err := t.scheduleBatch(ctx, id); err != nil {
		return nil, err
	}
	return batch, nil
}

// FailStalledBatches fails every running batch that has not saved progress within the
// stall timeout and returns how many were failed.
func (t *Tally) FailStalledBatches(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Fail stalled reanalysis batches")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	batches, err := t.datasource.GetStalledBatches(ctx, t.clock().Add(-cfg.Reanalysis.StallTimeout()))
	if err != nil {
		return 0, err
	}

	failed := 0
	for i := range batches {
		if _, err := t.failStalled(ctx, &batches[i]); err != nil {
			if apierror.HasCode(err, apierror.ErrInvalidState) {
				continue
			}
			return failed, err
		}
		failed++
	}
	return failed, nil
}
