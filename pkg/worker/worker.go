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

// Package worker implements the consumer loop: it drains deployment IDs
// from the queue, invokes the scheduler service, and requeues with
// back-off whenever a deployment cannot yet be placed.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fleetforge/scheduler/pkg/queue"
	"github.com/fleetforge/scheduler/pkg/scheduler"
	"github.com/fleetforge/scheduler/pkg/store"
)

// Source is the minimal pull interface a Loop needs from a queue
// implementation: deliver ready deployment IDs, one call at a time, with
// an explicit acknowledgement the Loop calls only once scheduling has
// actually been attempted. Both memqueue and sqsqueue are adapted to this
// shape (see NewMemSource, NewSQSSource).
type Source interface {
	// Next blocks (honoring ctx) until a deployment ID is ready, or
	// returns ctx.Err() if ctx is done first. ack must be called exactly
	// once the caller is done with the job; it is what actually removes
	// the message from the underlying transport. A job whose ack is never
	// called is redelivered after the transport's own visibility timeout.
	Next(ctx context.Context) (deploymentID string, ack func(context.Context) error, err error)
}

// Config bounds the worker loop's requeue back-off and concurrency.
type Config struct {
	RequeueDelay time.Duration
	Concurrency  int
}

// DefaultConfig matches this project's documented environment defaults:
// 10s requeue delay, concurrency 1 per process.
func DefaultConfig() Config {
	return Config{RequeueDelay: 10 * time.Second, Concurrency: 1}
}

// Loop consumes Source and dispatches to a scheduler.Service.
type Loop struct {
	source Source
	q      queue.Queue
	svc    *scheduler.Service
	st     store.Store
	cfg    Config
	log    *zap.Logger
}

// New constructs a Loop.
func New(source Source, q queue.Queue, svc *scheduler.Service, st store.Store, cfg Config, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{source: source, q: q, svc: svc, st: st, cfg: cfg, log: log}
}

// Sweep lists every Pending deployment in the store and re-enqueues any
// whose job is not observably queued or started. Call it once at worker
// startup to recover from the crash window between a scheduler commit and
// its enqueue call (see scheduler.Service.EnsureQueued).
func (l *Loop) Sweep(ctx context.Context) error {
	pending, err := l.st.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, d := range pending {
		if err := l.svc.EnsureQueued(ctx, d.ID); err != nil {
			l.log.Error("sweep: failed to ensure queued", zap.String("deployment_id", d.ID), zap.Error(err))
		}
	}
	l.log.Info("startup sweep complete", zap.Int("pending", len(pending)))
	return nil
}

// Run drains l.source until ctx is cancelled, dispatching each deployment
// ID to the scheduler service and requeuing on Deferred. Up to
// cfg.Concurrency jobs are handled at once; once that many are in flight,
// Run holds the next job it has received until a slot frees. It never panics the process on a single
// job's error; the error is logged and the job is left to the queue's own
// redrive policy.
func (l *Loop) Run(ctx context.Context) error {
	n := l.cfg.Concurrency
	if n < 1 {
		n = 1
	}
	sem := semaphore.NewWeighted(int64(n))

	for {
		id, ack, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sem.Acquire(context.Background(), int64(n)) //nolint:errcheck
				return nil
			}
			l.log.Error("failed to receive job", zap.Error(err))
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// ctx was cancelled while waiting for a free slot; drain
			// in-flight handlers before returning.
			sem.Acquire(context.Background(), int64(n)) //nolint:errcheck
			return nil
		}
		go func(id string, ack func(context.Context) error) {
			defer sem.Release(1)
			l.handle(ctx, id, ack)
		}(id, ack)
	}
}

func (l *Loop) handle(ctx context.Context, deploymentID string, ack func(context.Context) error) {
	outcome, err := l.svc.TrySchedule(ctx, deploymentID)
	if err != nil {
		// Exception: let the job fail. The queue's own retry/failed
		// registry handles it; we deliberately do not ack.
		l.log.Error("scheduling attempt failed, leaving job for queue redrive", zap.String("deployment_id", deploymentID), zap.Error(err))
		return
	}

	if err := ack(ctx); err != nil {
		l.log.Error("failed to acknowledge job", zap.String("deployment_id", deploymentID), zap.Error(err))
	}

	switch outcome {
	case scheduler.Scheduled, scheduler.Dropped:
		l.log.Debug("scheduling attempt complete", zap.String("deployment_id", deploymentID), zap.String("outcome", string(outcome)))
	case scheduler.Deferred:
		if err := l.q.Enqueue(ctx, deploymentID, l.cfg.RequeueDelay); err != nil {
			l.log.Error("failed to requeue deferred deployment", zap.String("deployment_id", deploymentID), zap.Error(err))
		}
	}
}
