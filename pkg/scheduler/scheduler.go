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

// Package scheduler implements the scheduler service: the single
// orchestration point that turns one pending deployment ID into a
// placement decision, committed atomically against the store and
// propagated to the queue.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	v1 "github.com/fleetforge/scheduler/pkg/apis/v1"
	"github.com/fleetforge/scheduler/pkg/metrics"
	"github.com/fleetforge/scheduler/pkg/mutex"
	"github.com/fleetforge/scheduler/pkg/queue"
	"github.com/fleetforge/scheduler/pkg/scheduling/placement"
	"github.com/fleetforge/scheduler/pkg/store"
)

// Outcome is the result of one TrySchedule attempt.
type Outcome string

const (
	// Scheduled means the deployment is now Running (possibly already was,
	// on idempotent re-delivery).
	Scheduled Outcome = "scheduled"
	// Deferred means the deployment remains Pending and should be
	// re-enqueued with a delay: either the cluster's lock could not be
	// acquired in time, or no placement was found.
	Deferred Outcome = "deferred"
	// Dropped means the deployment was transitioned to Evicted because its
	// cluster is not Active. No further scheduling attempts are expected.
	Dropped Outcome = "dropped"
)

// Config bounds one TrySchedule attempt's interaction with the mutex and
// the preemption re-enqueue delay.
type Config struct {
	LockTTL        time.Duration
	LockWaitBudget time.Duration
	RequeueDelay   time.Duration
}

// DefaultConfig matches the environment defaults named in this project's
// configuration surface: 30s lock TTL, 10s lock wait budget, 10s requeue
// delay.
func DefaultConfig() Config {
	return Config{LockTTL: 30 * time.Second, LockWaitBudget: 10 * time.Second, RequeueDelay: 10 * time.Second}
}

// Service orchestrates scheduling attempts over a Store, a Mutex, and a
// Queue.
type Service struct {
	store   store.Store
	mutex   mutex.Mutex
	queue   queue.Queue
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Recorder
}

// New constructs a Service. metrics may be nil, in which case attempts go
// unrecorded.
func New(s store.Store, m mutex.Mutex, q queue.Queue, cfg Config, log *zap.Logger, recorder ...*metrics.Recorder) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	var rec *metrics.Recorder
	if len(recorder) > 0 {
		rec = recorder[0]
	}
	return &Service{store: s, mutex: m, queue: q, cfg: cfg, log: log, metrics: rec}
}

// TrySchedule runs one scheduling attempt for deploymentID per the
// lock -> snapshot -> decide -> commit -> re-enqueue protocol.
func (s *Service) TrySchedule(ctx context.Context, deploymentID string) (Outcome, error) {
	start := time.Now()
	outcome, err := s.trySchedule(ctx, deploymentID)
	if s.metrics != nil && err == nil {
		s.metrics.ObserveAttempt(string(outcome), time.Since(start))
	}
	return outcome, err
}

func (s *Service) trySchedule(ctx context.Context, deploymentID string) (Outcome, error) {
	clusterID, outcome, needsLock, err := s.loadAndCheck(ctx, deploymentID)
	if err != nil || !needsLock {
		return outcome, err
	}

	var preempted []v1.Deployment
	lockErr := mutex.Scoped(ctx, s.mutex, mutex.ClusterKey(clusterID), s.cfg.LockTTL, s.cfg.LockWaitBudget, func(ctx context.Context) error {
		var err error
		outcome, preempted, err = s.decideAndCommit(ctx, deploymentID, clusterID)
		return err
	})
	if errors.Is(lockErr, mutex.ErrUnavailable) {
		s.log.Debug("lock unavailable, deferring", zap.String("deployment_id", deploymentID), zap.String("cluster_id", clusterID))
		return Deferred, nil
	}
	if lockErr != nil {
		return "", lockErr
	}

	for _, p := range preempted {
		if err := s.queue.Enqueue(ctx, p.ID, s.cfg.RequeueDelay); err != nil {
			s.log.Error("failed to re-enqueue preempted deployment", zap.String("deployment_id", p.ID), zap.Error(err))
		}
	}
	return outcome, nil
}

// loadAndCheck handles the two steps that don't require the per-cluster
// lock: the idempotent-re-delivery short-circuit and the
// inactive-cluster-evicts-immediately path. It runs in its own
// transaction, scoped by the deployment ID rather than the (not yet
// known) cluster ID, so unrelated deployments never serialise against
// each other here.
func (s *Service) loadAndCheck(ctx context.Context, deploymentID string) (clusterID string, outcome Outcome, needsLock bool, err error) {
	err = s.store.RunSerializable(ctx, "deployment:"+deploymentID, func(tx store.Tx) error {
		d, err := tx.LoadDeployment(deploymentID)
		if err != nil {
			return err
		}
		clusterID = d.ClusterID

		if d.Status == v1.DeploymentRunning {
			outcome = Scheduled
			return nil
		}

		c, err := tx.LoadCluster(d.ClusterID)
		if err != nil {
			return err
		}
		if c.Status != v1.ClusterActive {
			if err := tx.SetDeploymentStatus(deploymentID, v1.DeploymentEvicted, now()); err != nil {
				return err
			}
			outcome = Dropped
			return nil
		}

		needsLock = true
		return nil
	})
	return clusterID, outcome, needsLock, err
}

// decideAndCommit runs inside the cluster's lock: it builds the snapshot,
// invokes the placement engine, and commits the decision atomically.
func (s *Service) decideAndCommit(ctx context.Context, deploymentID, clusterID string) (Outcome, []v1.Deployment, error) {
	var outcome Outcome
	var preempted []v1.Deployment

	err := s.store.RunSerializable(ctx, clusterID, func(tx store.Tx) error {
		d, err := tx.LoadDeployment(deploymentID)
		if err != nil {
			return err
		}
		if d.Status == v1.DeploymentRunning {
			outcome = Scheduled
			return nil
		}
		c, err := tx.LoadCluster(clusterID)
		if err != nil {
			return err
		}
		running, err := tx.ListRunning(clusterID)
		if err != nil {
			return err
		}

		decision := placement.Decide(d, placement.Snapshot{Capacity: c.Capacity, Running: running})
		if !decision.Admit {
			outcome = Deferred
			return nil
		}

		ts := now()
		for _, p := range decision.Preempt {
			if err := tx.SetDeploymentStatus(p.ID, v1.DeploymentPending, ts); err != nil {
				return err
			}
		}
		if err := tx.SetDeploymentStatus(deploymentID, v1.DeploymentRunning, ts); err != nil {
			return err
		}
		outcome = Scheduled
		preempted = decision.Preempt
		return nil
	})
	return outcome, preempted, err
}

// EnsureQueued re-enqueues deploymentID if it is Pending and has no
// observable queue job, closing the window between a commit and its
// enqueue (crash recovery, or a caller re-discovering an existing
// deployment on create).
func (s *Service) EnsureQueued(ctx context.Context, deploymentID string) error {
	status, err := s.queue.Status(ctx, deploymentID)
	if err != nil {
		return err
	}
	if status == queue.StatusQueued || status == queue.StatusStarted {
		return nil
	}
	return s.queue.Enqueue(ctx, deploymentID, 0)
}

func now() time.Time { return time.Now().UTC() }
