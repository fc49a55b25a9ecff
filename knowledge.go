package tally

import (
	"context"
	"strings"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
)

const knowledgeBaseCacheKey = "tally:kb:entries"

// knowledgeBase returns every keyword entry, served from the cache when possible.
func (t *Tally) knowledgeBase(ctx context.Context) ([]model.KnowledgeBaseEntry, error) {
	var entries []model.KnowledgeBaseEntry
	if t.kbCache != nil {
		found, err := t.kbCache.Get(ctx, knowledgeBaseCacheKey, &entries)
		if err != nil {
			logrus.WithError(err).Warn("knowledge base cache read failed")
		} else if found {
			return entries, nil
		}
	}

	entries, err := t.datasource.GetKnowledgeBaseEntries(ctx)
	if err != nil {
		return nil, err
	}

	if t.kbCache != nil {
		cfg, err := config.Fetch()
		if err != nil {
			return nil, err
		}
		ttl := time.Duration(cfg.Reanalysis.KBCacheTTLSec) * time.Second
		if err := t.kbCache.Set(ctx, knowledgeBaseCacheKey, entries, ttl); err != nil {
			logrus.WithError(err).Warn("knowledge base cache write failed")
		}
	}
	return entries, nil
}

// matchKnowledgeBase returns the entry with the longest keyword found in description.
// Equal lengths resolve to the alphabetically first keyword.
func matchKnowledgeBase(entries []model.KnowledgeBaseEntry, description string) (model.KnowledgeBaseEntry, bool) {
	description = normalizeDescription(description)
	var best model.KnowledgeBaseEntry
	found := false
	for _, entry := range entries {
		keyword := normalizeDescription(entry.Keyword)
		if keyword == "" || !strings.Contains(description, keyword) {
			continue
		}
		if !found || len(keyword) > len(best.Keyword) || (len(keyword) == len(best.Keyword) && keyword < best.Keyword) {
			best = model.KnowledgeBaseEntry{Keyword: keyword, CategoryID: entry.CategoryID}
			found = true
		}
	}
	return best, found
}

// AddKnowledgeBaseEntry stores a keyword mapping and drops the cached entry list.
func (t *Tally) AddKnowledgeBaseEntry(ctx context.Context, entry model.KnowledgeBaseEntry) (model.KnowledgeBaseEntry, error) {
	ctx, span := tracer.Start(ctx, "Add knowledge base entry")
	defer span.End()

	entry.Keyword = normalizeDescription(entry.Keyword)
	err := validation.ValidateStruct(&entry,
		validation.Field(&entry.Keyword, validation.Required, validation.Length(2, 200)),
		validation.Field(&entry.CategoryID, validation.Required),
	)
	if err != nil {
		return entry, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid knowledge base entry", err)
	}

	if err := t.datasource.RecordKnowledgeBaseEntry(ctx, entry); err != nil {
		return entry, err
	}
	if t.kbCache != nil {
		if err := t.kbCache.Delete(ctx, knowledgeBaseCacheKey); err != nil {
			logrus.WithError(err).Warn("failed to invalidate knowledge base cache")
		}
	}
	return entry, nil
}
