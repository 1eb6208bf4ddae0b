/*
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
	"flag"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetforge/scheduler/pkg/config"
	"github.com/fleetforge/scheduler/pkg/log"
	"github.com/fleetforge/scheduler/pkg/metrics"
	"github.com/fleetforge/scheduler/pkg/mutex"
	"github.com/fleetforge/scheduler/pkg/mutex/dynamolock"
	"github.com/fleetforge/scheduler/pkg/mutex/memlock"
	"github.com/fleetforge/scheduler/pkg/queue"
	"github.com/fleetforge/scheduler/pkg/queue/batchqueue"
	"github.com/fleetforge/scheduler/pkg/queue/memqueue"
	"github.com/fleetforge/scheduler/pkg/queue/sqsqueue"
	"github.com/fleetforge/scheduler/pkg/scheduler"
	"github.com/fleetforge/scheduler/pkg/signals"
	"github.com/fleetforge/scheduler/pkg/store"
	"github.com/fleetforge/scheduler/pkg/store/boltstore"
	"github.com/fleetforge/scheduler/pkg/store/memstore"
	"github.com/fleetforge/scheduler/pkg/worker"
)

func main() {
	verbose := flag.Bool("verbose", false, "Enable development-mode (console, debug-level) logging.")
	metricsAddr := flag.String("metrics-addr", ":8080", "Address the /metrics endpoint binds to.")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		panic(fmt.Sprintf("loading configuration: %s", err))
	}

	logger, err := log.Setup(*verbose)
	if err != nil {
		panic(fmt.Sprintf("setting up logger: %s", err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx := signals.SetupSignalHandler()
	ctx = log.IntoContext(ctx, logger)

	st, closeStore, err := newStore(cfg)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	mtx, err := newMutex(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to construct mutex", zap.Error(err))
	}

	q, src, runBatcher, err := newQueue(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to construct queue", zap.Error(err))
	}
	if runBatcher != nil {
		go runBatcher(ctx)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	svc := scheduler.New(st, mtx, q, scheduler.Config{
		LockTTL:        cfg.MutexTTL,
		LockWaitBudget: cfg.MutexWaitBudget,
		RequeueDelay:   cfg.RetryDelay,
	}, logger, recorder)

	loop := worker.New(src, q, svc, st, worker.Config{
		RequeueDelay: cfg.RetryDelay,
		Concurrency:  cfg.WorkerConcurrency,
	}, logger)

	if err := loop.Sweep(ctx); err != nil {
		logger.Error("startup sweep failed, continuing without it", zap.Error(err))
	}

	go serveMetrics(*metricsAddr, registry, logger)

	logger.Info("scheduler worker starting", zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := loop.Run(ctx); err != nil {
		logger.Fatal("worker loop exited with error", zap.Error(err))
	}
	logger.Info("scheduler worker shut down cleanly")
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server exited", zap.Error(err))
	}
}

// newStore opens a bbolt-backed store unless StorePath requests the
// in-memory fake, used for local runs and smoke-testing configuration
// without provisioning a volume.
func newStore(cfg config.Settings) (store.Store, func(), error) {
	if cfg.StorePath == ":memory:" {
		return memstore.New(), func() {}, nil
	}
	st, err := boltstore.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store at %q: %w", cfg.StorePath, err)
	}
	return st, func() { st.Close() }, nil
}

// newMutex builds a DynamoDB-backed mutex when a lock table is configured,
// falling back to an in-process mutex otherwise (single-replica local runs
// only — it provides no cross-process exclusion).
func newMutex(ctx context.Context, cfg config.Settings) (mutex.Mutex, error) {
	if cfg.LockTableName == "" {
		return memlock.New(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return dynamolock.New(dynamodb.NewFromConfig(awsCfg), cfg.LockTableName), nil
}

// newQueue builds an SQS-backed queue (and its worker.Source) when a queue
// URL is configured, falling back to an in-process queue otherwise. The
// SQS path wraps enqueues in a batchqueue.Queue, coalescing the burst of
// re-enqueue calls a single preempting commit can produce into as few
// SendMessageBatch requests as possible; its returned run func must be
// started in its own goroutine before the queue is used.
func newQueue(ctx context.Context, cfg config.Settings) (queue.Queue, worker.Source, func(context.Context), error) {
	if cfg.QueueURL == "" {
		q := memqueue.New()
		return q, worker.NewMemSource(q, 250*time.Millisecond), nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading aws config: %w", err)
	}
	sqsQ := sqsqueue.New(sqs.NewFromConfig(awsCfg), cfg.QueueURL)
	batching := batchqueue.NewQueue(sqsQ, sqsQ, batchqueue.RealClock{}, 250*time.Millisecond, 2*time.Second)
	return batching, worker.NewSQSSource(sqsQ, 20*time.Second), batching.Run, nil
}
