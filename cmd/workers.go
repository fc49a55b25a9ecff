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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/blnkfinance/tally"
	"github.com/blnkfinance/tally/config"
	redis_db "github.com/blnkfinance/tally/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeQueues(cfg config.QueueConfig) map[string]int {
	return map[string]int{
		cfg.ReanalysisQueue: 3,
		cfg.DetectionQueue:  2,
		cfg.WebhookQueue:    3,
	}
}

func redisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func initializeWorkerServer(opt asynq.RedisClientOpt, queues map[string]int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logrus.WithError(err).WithFields(logrus.Fields{
				"task":  task.Type(),
				"retry": fmt.Sprintf("%d/%d", retried, maxRetry),
			}).Error("task failed")
		}),
	})
}

func initializeTaskHandlers(t *tallyInstance, cfg config.QueueConfig, mux *asynq.ServeMux) {
	mux.HandleFunc(cfg.ReanalysisQueue, t.tally.ProcessReanalysisTask)
	mux.HandleFunc(cfg.DetectionQueue, t.tally.ProcessDetectionTask)
	mux.HandleFunc(cfg.WebhookQueue, tally.ProcessWebhook)
}

// sweepStalledBatches fails reanalysis batches that stopped reporting progress, until
// ctx is done.
func sweepStalledBatches(ctx context.Context, t *tallyInstance, cfg config.ReanalysisConfig) {
	ticker := time.NewTicker(time.Duration(cfg.SweepIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failed, err := t.tally.FailStalledBatches(ctx)
			if err != nil {
				logrus.WithError(err).Error("stalled batch sweep failed")
				continue
			}
			if failed > 0 {
				logrus.WithField("failed", failed).Warn("failed stalled reanalysis batches")
			}
		}
	}
}

// workerCommands starts the queue workers: reanalysis batches, transfer detection runs
// and webhook delivery. It also serves asynqmon and sweeps stalled batches.
func workerCommands(t *tallyInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start tally workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}
			if strings.HasPrefix(conf.DataSource.Dns, "memory://") {
				log.Fatal("workers need a redis broker; the in-memory datasource runs batches inside the server")
			}

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			opt, err := redisConnOpt(conf)
			if err != nil {
				log.Fatal(err)
			}
			srv := initializeWorkerServer(opt, initializeQueues(conf.Queue))

			mux := asynq.NewServeMux()
			initializeTaskHandlers(t, conf.Queue, mux)

			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: opt,
			})
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			go sweepStalledBatches(ctx, t, conf.Reanalysis)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
