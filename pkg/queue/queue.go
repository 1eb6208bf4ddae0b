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

// Package queue defines the durable, at-least-once job queue contract the
// worker loop drains and the scheduler service re-enqueues preempted
// deployments onto.
package queue

import (
	"context"
	"time"
)

// Status is the best-effort, observable state of a job in the underlying
// transport.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusNotFound Status = "not_found"
)

// JobID is the idempotency key derived from a deployment ID. Two Enqueue
// calls for the same deployment ID while a job with this key is
// pending/running collapse into a single effective scheduling attempt.
func JobID(deploymentID string) string {
	return "deployment:" + deploymentID
}

// Queue is a durable, delayable, at-least-once queue of deployment IDs.
type Queue interface {
	// Enqueue is idempotent by JobID(deploymentID): a second call while a
	// job with that ID is already queued or started is a no-op. delay, if
	// positive, defers visibility of the job by that duration; the SQS
	// implementation rounds it to the nearest whole second.
	Enqueue(ctx context.Context, deploymentID string, delay time.Duration) error

	// Status reports the best-effort transport-level state of the job for
	// deploymentID.
	Status(ctx context.Context, deploymentID string) (Status, error)
}
