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

// Package memqueue is an in-process fake of queue.Queue used by tests and
// the worker loop's own unit suite. It has no durability: it exists purely
// to exercise the idempotent-enqueue and status contracts without a live
// SQS queue.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/fleetforge/scheduler/pkg/queue"
)

type job struct {
	status     queue.Status
	visibleAt  time.Time
	deployment string
}

// Queue is an in-memory queue.Queue. Ready() returns deployment IDs whose
// delay has elapsed, simulating visibility timeout semantics.
type Queue struct {
	mu   sync.Mutex
	jobs map[string]*job
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{jobs: map[string]*job{}}
}

func (q *Queue) Enqueue(ctx context.Context, deploymentID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := queue.JobID(deploymentID)
	if existing, ok := q.jobs[id]; ok && (existing.status == queue.StatusQueued || existing.status == queue.StatusStarted) {
		return nil
	}
	q.jobs[id] = &job{status: queue.StatusQueued, visibleAt: time.Now().Add(delay), deployment: deploymentID}
	return nil
}

func (q *Queue) Status(ctx context.Context, deploymentID string) (queue.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[queue.JobID(deploymentID)]
	if !ok {
		return queue.StatusNotFound, nil
	}
	return j.status, nil
}

// Ready returns, and marks Started, every job whose visibility delay has
// elapsed. It is the worker-facing dequeue operation this fake offers in
// place of a real long-poll receive.
func (q *Queue) Ready(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	for _, j := range q.jobs {
		if j.status == queue.StatusQueued && !j.visibleAt.After(now) {
			j.status = queue.StatusStarted
			out = append(out, j.deployment)
		}
	}
	return out
}

// Finish marks a job Finished; Fail marks it Failed. Both are no-ops for an
// unknown deployment ID.
func (q *Queue) Finish(deploymentID string) {
	q.setStatus(deploymentID, queue.StatusFinished)
}

func (q *Queue) Fail(deploymentID string) {
	q.setStatus(deploymentID, queue.StatusFailed)
}

func (q *Queue) setStatus(deploymentID string, status queue.Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[queue.JobID(deploymentID)]; ok {
		j.status = status
	}
}
