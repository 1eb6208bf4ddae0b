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

// Package memstore is an in-memory store.Store, used by unit tests and by
// the scheduler/worker suites that don't need durability. It enforces
// exactly the same invariants (per-cluster serialisation, name uniqueness)
// as boltstore so the two can share a conformance test suite. It has no
// rollback: each Tx write lands in the maps immediately, and an error
// returned from RunSerializable's fn does not undo earlier writes.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/awslabs/operatorpkg/serrors"

	v1 "github.com/fleetforge/scheduler/pkg/apis/v1"
	"github.com/fleetforge/scheduler/pkg/store"
)

// Store is a sync.Mutex-guarded, process-local store.Store.
type Store struct {
	mu          sync.Mutex
	clusters    map[string]v1.Cluster
	deployments map[string]v1.Deployment

	clusterLocks map[string]*sync.Mutex
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		clusters:     map[string]v1.Cluster{},
		deployments:  map[string]v1.Deployment{},
		clusterLocks: map[string]*sync.Mutex{},
	}
}

// PutCluster seeds a cluster directly, bypassing transactional semantics.
// Used by tests to set up fixtures.
func (s *Store) PutCluster(c v1.Cluster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[c.ID] = c
}

// PutDeployment seeds a deployment directly. Used by tests to set up
// fixtures.
func (s *Store) PutDeployment(d v1.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = d
}

func (s *Store) clusterLock(clusterID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.clusterLocks[clusterID]
	if !ok {
		l = &sync.Mutex{}
		s.clusterLocks[clusterID] = l
	}
	return l
}

func (s *Store) RunSerializable(ctx context.Context, clusterID string, fn func(store.Tx) error) error {
	lock := s.clusterLock(clusterID)
	lock.Lock()
	defer lock.Unlock()

	tx := &tx{s: s}
	return fn(tx)
}

func (s *Store) ListPending(ctx context.Context) ([]v1.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []v1.Deployment
	for _, d := range s.deployments {
		if d.Status == v1.DeploymentPending {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

type tx struct {
	s *Store
}

func (t *tx) LoadDeployment(id string) (v1.Deployment, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	d, ok := t.s.deployments[id]
	if !ok {
		return v1.Deployment{}, v1.NotFound("deployment", id)
	}
	return d, nil
}

func (t *tx) LoadCluster(id string) (v1.Cluster, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.clusters[id]
	if !ok {
		return v1.Cluster{}, v1.NotFound("cluster", id)
	}
	return c, nil
}

func (t *tx) ListRunning(clusterID string) ([]v1.Deployment, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []v1.Deployment
	for _, d := range t.s.deployments {
		if d.ClusterID == clusterID && d.Status == v1.DeploymentRunning {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *tx) SetDeploymentStatus(id string, newStatus v1.DeploymentStatus, now time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	d, ok := t.s.deployments[id]
	if !ok {
		return v1.NotFound("deployment", id)
	}
	d.Status = newStatus
	d.UpdatedAt = now
	t.s.deployments[id] = d
	return nil
}

func (t *tx) CreateDeployment(d v1.Deployment) error {
	if err := d.Validate(); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, existing := range t.s.deployments {
		if existing.ClusterID == d.ClusterID && existing.Name == d.Name && existing.Status != v1.DeploymentDeleted {
			return serrors.Wrap(v1.ErrNameCollision, "cluster_id", d.ClusterID, "name", d.Name)
		}
	}
	t.s.deployments[d.ID] = d
	return nil
}
