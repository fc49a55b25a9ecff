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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/tally/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Account methods

func (m *MockDataSource) CreateAccount(ctx context.Context, account model.Account) (model.Account, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(model.Account), args.Error(1)
}

func (m *MockDataSource) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

// Transaction methods

func (m *MockDataSource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockDataSource) GetTransactionsByIDs(ctx context.Context, ids []string) ([]model.Transaction, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]model.Transaction), args.Error(1)
}

func (m *MockDataSource) GetTransferPool(ctx context.Context, filter model.TransferPoolFilter) ([]model.Transaction, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.Transaction), args.Error(1)
}

func (m *MockDataSource) UpdateTransactionCategory(ctx context.Context, id, categoryID string, needsReview bool) error {
	args := m.Called(ctx, id, categoryID, needsReview)
	return args.Error(0)
}

func (m *MockDataSource) DeleteTransaction(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Statement methods

func (m *MockDataSource) RecordStatementImport(ctx context.Context, stmt *model.StatementImport, txns []model.Transaction) error {
	args := m.Called(ctx, stmt, txns)
	return args.Error(0)
}

func (m *MockDataSource) GetStatementImport(ctx context.Context, id string) (*model.StatementImport, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StatementImport), args.Error(1)
}

func (m *MockDataSource) GetStatementTransactions(ctx context.Context, statementID string) ([]model.Transaction, error) {
	args := m.Called(ctx, statementID)
	return args.Get(0).([]model.Transaction), args.Error(1)
}

func (m *MockDataSource) UpdateStatementDirections(ctx context.Context, statementID string, corrections []model.DirectionCorrection, status string, computedClosing decimal.Decimal) error {
	args := m.Called(ctx, statementID, corrections, status, computedClosing)
	return args.Error(0)
}

func (m *MockDataSource) ConfirmStatementImport(ctx context.Context, statementID string, confirmedAt time.Time) error {
	args := m.Called(ctx, statementID, confirmedAt)
	return args.Error(0)
}

// Candidate methods

func (m *MockDataSource) CreateCandidate(ctx context.Context, c *model.TransferCandidate) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockDataSource) GetCandidate(ctx context.Context, id string) (*model.TransferCandidate, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransferCandidate), args.Error(1)
}

func (m *MockDataSource) GetCandidates(ctx context.Context, status string, limit, offset int) ([]model.TransferCandidate, error) {
	args := m.Called(ctx, status, limit, offset)
	return args.Get(0).([]model.TransferCandidate), args.Error(1)
}

func (m *MockDataSource) GetActiveCandidatesForTransactions(ctx context.Context, ids []string) ([]model.TransferCandidate, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]model.TransferCandidate), args.Error(1)
}

func (m *MockDataSource) UpdateCandidateScore(ctx context.Context, id string, confidence int, factors model.ConfidenceFactors, updatedAt time.Time) error {
	args := m.Called(ctx, id, confidence, factors, updatedAt)
	return args.Error(0)
}

func (m *MockDataSource) RejectCandidate(ctx context.Context, id, reviewer, reason string, reviewedAt time.Time) (*model.TransferCandidate, error) {
	args := m.Called(ctx, id, reviewer, reason, reviewedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransferCandidate), args.Error(1)
}

// Transfer link methods

func (m *MockDataSource) ApplyTransferLink(ctx context.Context, link model.TransferLink) (*model.LinkedPair, error) {
	args := m.Called(ctx, link)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LinkedPair), args.Error(1)
}

func (m *MockDataSource) UnlinkTransaction(ctx context.Context, id string, unlinkedAt time.Time) (*model.LinkedPair, error) {
	args := m.Called(ctx, id, unlinkedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LinkedPair), args.Error(1)
}

// Pending transfer methods

func (m *MockDataSource) RecordPendingTransfer(ctx context.Context, p *model.PendingTransfer) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockDataSource) GetPendingTransfer(ctx context.Context, id string) (*model.PendingTransfer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PendingTransfer), args.Error(1)
}

func (m *MockDataSource) GetPendingTransfers(ctx context.Context, status string) ([]model.PendingTransfer, error) {
	args := m.Called(ctx, status)
	return args.Get(0).([]model.PendingTransfer), args.Error(1)
}

func (m *MockDataSource) GetOpenPendingTransfers(ctx context.Context, accountIDs []string) ([]model.PendingTransfer, error) {
	args := m.Called(ctx, accountIDs)
	return args.Get(0).([]model.PendingTransfer), args.Error(1)
}

func (m *MockDataSource) RecordPendingTransferSide(ctx context.Context, update model.PendingSideUpdate) (*model.PendingTransfer, error) {
	args := m.Called(ctx, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PendingTransfer), args.Error(1)
}

func (m *MockDataSource) CancelPendingTransfer(ctx context.Context, id string) (*model.PendingTransfer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PendingTransfer), args.Error(1)
}

func (m *MockDataSource) DeletePendingTransfer(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) GetReservedTransactionIDs(ctx context.Context, ids []string) (map[string]string, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(map[string]string), args.Error(1)
}

// Reanalysis methods

func (m *MockDataSource) RecordBatch(ctx context.Context, batch *model.ReanalysisBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *MockDataSource) GetBatch(ctx context.Context, id string) (*model.ReanalysisBatch, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReanalysisBatch), args.Error(1)
}

func (m *MockDataSource) TransitionBatch(ctx context.Context, id string, from []string, to, message string, at time.Time) (*model.ReanalysisBatch, error) {
	args := m.Called(ctx, id, from, to, message, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReanalysisBatch), args.Error(1)
}

func (m *MockDataSource) SaveBatchProgress(ctx context.Context, id string, progress model.BatchProgress, counters model.BatchCounters, at time.Time) (string, error) {
	args := m.Called(ctx, id, progress, counters, at)
	return args.String(0), args.Error(1)
}

func (m *MockDataSource) ResetBatch(ctx context.Context, id string, at time.Time) (*model.ReanalysisBatch, error) {
	args := m.Called(ctx, id, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReanalysisBatch), args.Error(1)
}

func (m *MockDataSource) GetStalledBatches(ctx context.Context, before time.Time) ([]model.ReanalysisBatch, error) {
	args := m.Called(ctx, before)
	return args.Get(0).([]model.ReanalysisBatch), args.Error(1)
}

// Knowledge base methods

func (m *MockDataSource) GetKnowledgeBaseEntries(ctx context.Context) ([]model.KnowledgeBaseEntry, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.KnowledgeBaseEntry), args.Error(1)
}

func (m *MockDataSource) RecordKnowledgeBaseEntry(ctx context.Context, entry model.KnowledgeBaseEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}
