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

// Package store defines the authoritative, transactional store adapter:
// the only owner of cluster and deployment state. Every mutation runs
// inside a per-cluster-serializable transaction; the placement engine and
// scheduler service never see partial writes.
package store

import (
	"context"
	"time"

	v1 "github.com/fleetforge/scheduler/pkg/apis/v1"
)

// Tx is the set of operations available inside one RunSerializable call.
// All reads and writes made through a Tx are part of the same transaction
// and are rolled back together if the transaction's function returns an
// error.
type Tx interface {
	// LoadDeployment loads a deployment by ID with an exclusive row lock
	// held for the remainder of the transaction. Returns v1.ErrNotFound if
	// it does not exist.
	LoadDeployment(id string) (v1.Deployment, error)

	// LoadCluster loads a cluster by ID with an exclusive row lock held for
	// the remainder of the transaction. Returns v1.ErrNotFound if it does
	// not exist.
	LoadCluster(id string) (v1.Cluster, error)

	// ListRunning returns every deployment on clusterID with
	// status=Running, consistent with the locked cluster row.
	ListRunning(clusterID string) ([]v1.Deployment, error)

	// SetDeploymentStatus transitions a deployment to newStatus, bumping
	// updated_at to now.
	SetDeploymentStatus(id string, newStatus v1.DeploymentStatus, now time.Time) error

	// CreateDeployment inserts a new deployment with the status it carries,
	// after checking d.Validate() and enforcing name uniqueness per cluster
	// across non-Deleted rows within this same transaction. Returns the
	// validation error, or v1.ErrNameCollision on conflict.
	CreateDeployment(d v1.Deployment) error
}

// Store is the authoritative persistence layer for clusters and
// deployments. Every mutation goes through RunSerializable, which
// serialises concurrent transactions touching the same cluster.
type Store interface {
	// RunSerializable runs fn inside a transaction scoped to clusterID.
	// Concurrent calls for the same clusterID are linearised; calls for
	// different clusters may proceed concurrently. If fn returns an error,
	// the transaction is rolled back and that error is returned unchanged.
	RunSerializable(ctx context.Context, clusterID string, fn func(Tx) error) error

	// ListPending returns every deployment across every cluster currently
	// in Pending status. It is a best-effort, non-transactional read used
	// by the worker loop's startup reconciliation sweep (see
	// pkg/worker), not by the scheduling protocol itself.
	ListPending(ctx context.Context) ([]v1.Deployment, error)

	// Close releases any resources (file handles, connections) held by
	// the store.
	Close() error
}
