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
	"embed"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/database"
	"github.com/blnkfinance/tally/internal/cache"
	"github.com/blnkfinance/tally/internal/categorizer"
	redis_db "github.com/blnkfinance/tally/internal/redis-db"
	"github.com/blnkfinance/tally/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("tally")

// Categorizer suggests a category for a transaction the knowledge base could not place.
type Categorizer interface {
	Categorize(ctx context.Context, req categorizer.Request) (*model.CategorySuggestion, error)
}

// Tally is the matching and reconciliation engine.
type Tally struct {
	queue       *Queue
	redis       redis.UniversalClient
	datasource  database.IDataSource
	categorizer Categorizer
	kbCache     cache.Cache
	now         func() time.Time
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewTally initializes a new instance of Tally with the provided datasource.
// It fetches the configuration, connects to Redis, and builds the queue, the knowledge
// base cache and the categorizer client.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
//
// Returns:
// - *Tally: A pointer to the newly created Tally instance.
// - error: An error if any of the initialization steps fail.
func NewTally(db database.IDataSource) (*Tally, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	newQueue, err := NewQueue(configuration)
	if err != nil {
		return nil, err
	}

	t := &Tally{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		kbCache:    cache.NewCache(redisClient.Client(), time.Minute),
	}
	if configuration.Categorizer.Url != "" {
		t.categorizer = categorizer.NewClient(configuration.Categorizer)
	} else {
		logrus.Warn("categorizer url not configured, reanalysis will leave unresolved transactions unmatched")
	}
	return t, nil
}

// NewLocalTally builds a Tally without Redis. Transaction locks are skipped, webhooks
// are not sent, reanalysis batches run in-process and the knowledge base is read
// straight from the datasource. It suits the memory:// data source and tests.
func NewLocalTally(db database.IDataSource) (*Tally, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	t := &Tally{datasource: db}
	if configuration.Categorizer.Url != "" {
		t.categorizer = categorizer.NewClient(configuration.Categorizer)
	}
	return t, nil
}

// Close releases the queue connections.
func (t *Tally) Close() error {
	if t.queue == nil {
		return nil
	}
	return t.queue.Close()
}

func (t *Tally) clock() time.Time {
	if t.now != nil {
		return t.now().UTC()
	}
	return time.Now().UTC()
}
