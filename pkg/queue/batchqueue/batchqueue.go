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

// Package batchqueue coalesces concurrent re-enqueue calls (one per
// preempted deployment, potentially many per commit) into SQS
// SendMessageBatch requests, trading a small, bounded delay for far fewer
// SendMessage round trips under preemption storms.
package batchqueue

import (
	"context"
	"sync"
	"time"

	"github.com/fleetforge/scheduler/pkg/queue"
)

// Clock abstracts time so tests can drive the batching window
// deterministically instead of sleeping in wall-clock time.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) *time.Timer
}

// RealClock is the production Clock, backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                     { return time.Now() }
func (RealClock) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }

// Batcher separates a stream of Trigger() calls into windowed slices: a
// window opens on the first trigger after a Wait() call and closes after
// idleDuration of silence or maxDuration total, whichever comes first.
type Batcher struct {
	trigger chan struct{}
	clk     Clock

	mu    sync.Mutex
	elems map[string]struct{}
}

// New constructs a Batcher using clk for all timing.
func New(clk Clock) *Batcher {
	return &Batcher{
		trigger: make(chan struct{}, 1),
		clk:     clk,
		elems:   map[string]struct{}{},
	}
}

// Trigger arms the batching window for deploymentID, idempotently: calling
// it again for an ID already pending in the current window is a no-op.
func (b *Batcher) Trigger(deploymentID string) {
	b.mu.Lock()
	_, already := b.elems[deploymentID]
	if !already {
		b.elems[deploymentID] = struct{}{}
	}
	b.mu.Unlock()
	if already {
		return
	}
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Wait blocks until a batching window closes and returns the accumulated
// deployment IDs, or returns (nil, false) if no trigger arrived within one
// second (giving the caller a chance to observe ctx cancellation).
func (b *Batcher) Wait(ctx context.Context, idleDuration, maxDuration time.Duration) ([]string, bool) {
	defer func() {
		b.mu.Lock()
		b.elems = map[string]struct{}{}
		b.mu.Unlock()
	}()

	poll := b.clk.NewTimer(time.Second)
	select {
	case <-b.trigger:
		poll.Stop()
	case <-poll.C:
		return nil, false
	case <-ctx.Done():
		poll.Stop()
		return nil, false
	}

	max := b.clk.NewTimer(maxDuration)
	idle := b.clk.NewTimer(idleDuration)
	defer func() {
		max.Stop()
		idle.Stop()
	}()

	for {
		select {
		case <-b.trigger:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleDuration)
		case <-max.C:
			return b.snapshot(), true
		case <-idle.C:
			return b.snapshot(), true
		case <-ctx.Done():
			return b.snapshot(), true
		}
	}
}

func (b *Batcher) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.elems))
	for id := range b.elems {
		out = append(out, id)
	}
	return out
}

// BatchEnqueuer is the primitive a Queue flushes a window onto: send many
// deployment IDs in as few underlying requests as possible, all sharing one
// delay. sqsqueue.Queue.EnqueueBatch implements this against SQS
// SendMessageBatch.
type BatchEnqueuer interface {
	EnqueueBatch(ctx context.Context, deploymentIDs []string, delay time.Duration) error
}

// StatusChecker is the read side a Queue passes through unbatched, since
// status lookups are local cache reads with nothing to coalesce.
type StatusChecker interface {
	Status(ctx context.Context, deploymentID string) (queue.Status, error)
}

// Queue decorates a BatchEnqueuer, coalescing concurrent Enqueue calls
// arriving within one batching window into a single EnqueueBatch call. It
// exists to absorb preemption storms: a single commit can preempt many
// deployments at once, each triggering its own re-enqueue, and without
// coalescing that becomes one SendMessage round trip per victim.
type Queue struct {
	enqueue      func(ctx context.Context, deploymentIDs []string, delay time.Duration) error
	statusFn     func(ctx context.Context, deploymentID string) (queue.Status, error)
	batcher      *Batcher
	idleDuration time.Duration
	maxDuration  time.Duration

	mu      sync.Mutex
	delays  map[string]time.Duration
	waiters map[string][]chan error
}

// NewQueue builds a batching Queue. idleDuration and maxDuration bound the
// window the same way they do for Batcher.Wait: a window closes after
// idleDuration of silence or maxDuration total, whichever comes first.
func NewQueue(enqueuer BatchEnqueuer, statusChecker StatusChecker, clk Clock, idleDuration, maxDuration time.Duration) *Queue {
	return &Queue{
		enqueue:      enqueuer.EnqueueBatch,
		statusFn:     statusChecker.Status,
		batcher:      New(clk),
		idleDuration: idleDuration,
		maxDuration:  maxDuration,
		delays:       map[string]time.Duration{},
		waiters:      map[string][]chan error{},
	}
}

// Enqueue arms deploymentID's trigger and blocks until the window it lands
// in has been flushed, returning that flush's error (shared by every ID in
// the same window).
func (q *Queue) Enqueue(ctx context.Context, deploymentID string, delay time.Duration) error {
	ch := make(chan error, 1)
	q.mu.Lock()
	if existing, ok := q.delays[deploymentID]; !ok || delay > existing {
		q.delays[deploymentID] = delay
	}
	q.waiters[deploymentID] = append(q.waiters[deploymentID], ch)
	q.mu.Unlock()

	q.batcher.Trigger(deploymentID)

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status passes through to the wrapped queue's read side unbatched.
func (q *Queue) Status(ctx context.Context, deploymentID string) (queue.Status, error) {
	return q.statusFn(ctx, deploymentID)
}

// Run drains batching windows until ctx is cancelled. Call it once, in its
// own goroutine, alongside the worker loop.
func (q *Queue) Run(ctx context.Context) {
	for {
		ids, ok := q.batcher.Wait(ctx, q.idleDuration, q.maxDuration)
		if len(ids) > 0 {
			q.flush(ctx, ids)
		}
		if !ok && ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) flush(ctx context.Context, ids []string) {
	q.mu.Lock()
	var delay time.Duration
	waiters := make(map[string][]chan error, len(ids))
	for _, id := range ids {
		if d := q.delays[id]; d > delay {
			delay = d
		}
		waiters[id] = q.waiters[id]
		delete(q.delays, id)
		delete(q.waiters, id)
	}
	q.mu.Unlock()

	err := q.enqueue(ctx, ids, delay)
	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- err
		}
	}
}
