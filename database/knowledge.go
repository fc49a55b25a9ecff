package database

import (
	"context"

	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	"go.opentelemetry.io/otel"
)

// GetKnowledgeBaseEntries retrieves every keyword entry, longest keyword first.
func (d Datasource) GetKnowledgeBaseEntries(ctx context.Context) ([]model.KnowledgeBaseEntry, error) {
	ctx, span := otel.Tracer("KnowledgeBase").Start(ctx, "Fetching knowledge base entries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT keyword, category_id
		FROM tally.knowledge_base
		ORDER BY length(keyword) DESC, keyword
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve knowledge base entries", err)
	}
	defer rows.Close()

	var entries []model.KnowledgeBaseEntry
	for rows.Next() {
		var entry model.KnowledgeBaseEntry
		if err := rows.Scan(&entry.Keyword, &entry.CategoryID); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan knowledge base entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over knowledge base entries", err)
	}
	return entries, nil
}

// RecordKnowledgeBaseEntry inserts a keyword or replaces its category.
func (d Datasource) RecordKnowledgeBaseEntry(ctx context.Context, entry model.KnowledgeBaseEntry) error {
	ctx, span := otel.Tracer("KnowledgeBase").Start(ctx, "Saving knowledge base entry")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO tally.knowledge_base (keyword, category_id)
		VALUES ($1, $2)
		ON CONFLICT (keyword) DO UPDATE SET category_id = EXCLUDED.category_id
	`, entry.Keyword, entry.CategoryID)
	if err != nil {
		return mapPQError(err, "Knowledge base entry")
	}
	return nil
}
