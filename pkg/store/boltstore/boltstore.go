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

// Package boltstore implements store.Store on a single go.etcd.io/bbolt
// database file. bbolt's single-writer transactions already give us
// ACID semantics. Every RunSerializable call additionally holds a
// per-cluster sync.Mutex for the duration of its bolt write transaction;
// because each call is a bolt Update, calls for unrelated clusters are
// still serialised by bolt's process-wide write lock.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	v1 "github.com/fleetforge/scheduler/pkg/apis/v1"
	"github.com/fleetforge/scheduler/pkg/store"
)

var (
	bucketClusters    = []byte("clusters")
	bucketDeployments = []byte("deployments")
)

// Store is a store.Store backed by a bbolt file at a single path.
type Store struct {
	db *bolt.DB

	mu           sync.Mutex
	clusterLocks map[string]*sync.Mutex
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketClusters); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDeployments)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}
	return &Store{db: db, clusterLocks: map[string]*sync.Mutex{}}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListPending(ctx context.Context) ([]v1.Deployment, error) {
	var out []v1.Deployment
	err := s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(bucketDeployments).Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var d v1.Deployment
			if err := json.Unmarshal(raw, &d); err != nil {
				return fmt.Errorf("decoding deployment %s: %w", k, err)
			}
			if d.Status == v1.DeploymentPending {
				out = append(out, d)
			}
		}
		return nil
	})
	return out, err
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

	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

type tx struct {
	btx *bolt.Tx
}

func (t *tx) LoadDeployment(id string) (v1.Deployment, error) {
	raw := t.btx.Bucket(bucketDeployments).Get([]byte(id))
	if raw == nil {
		return v1.Deployment{}, v1.NotFound("deployment", id)
	}
	var d v1.Deployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return v1.Deployment{}, fmt.Errorf("decoding deployment %s: %w", id, err)
	}
	return d, nil
}

func (t *tx) LoadCluster(id string) (v1.Cluster, error) {
	raw := t.btx.Bucket(bucketClusters).Get([]byte(id))
	if raw == nil {
		return v1.Cluster{}, v1.NotFound("cluster", id)
	}
	var c v1.Cluster
	if err := json.Unmarshal(raw, &c); err != nil {
		return v1.Cluster{}, fmt.Errorf("decoding cluster %s: %w", id, err)
	}
	return c, nil
}

func (t *tx) ListRunning(clusterID string) ([]v1.Deployment, error) {
	var out []v1.Deployment
	c := t.btx.Bucket(bucketDeployments).Cursor()
	for k, raw := c.First(); k != nil; k, raw = c.Next() {
		var d v1.Deployment
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decoding deployment %s: %w", k, err)
		}
		if d.ClusterID == clusterID && d.Status == v1.DeploymentRunning {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *tx) SetDeploymentStatus(id string, newStatus v1.DeploymentStatus, now time.Time) error {
	d, err := t.LoadDeployment(id)
	if err != nil {
		return err
	}
	d.Status = newStatus
	d.UpdatedAt = now
	return t.putDeployment(d)
}

func (t *tx) CreateDeployment(d v1.Deployment) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c := t.btx.Bucket(bucketDeployments).Cursor()
	for k, raw := c.First(); k != nil; k, raw = c.Next() {
		var existing v1.Deployment
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("decoding deployment %s: %w", k, err)
		}
		if existing.ClusterID == d.ClusterID && existing.Name == d.Name && existing.Status != v1.DeploymentDeleted {
			return v1NameCollision(d)
		}
	}
	return t.putDeployment(d)
}

func (t *tx) putDeployment(d v1.Deployment) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding deployment %s: %w", d.ID, err)
	}
	return t.btx.Bucket(bucketDeployments).Put([]byte(d.ID), raw)
}

// PutCluster writes c directly; used by callers that provision clusters
// outside the deployment-scheduling transaction boundary (cluster creation
// is out of this package's scope per the store's data-model ownership, but
// something has to seed the buckets for tests and bootstrapping).
func (s *Store) PutCluster(c v1.Cluster) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding cluster %s: %w", c.ID, err)
		}
		return btx.Bucket(bucketClusters).Put([]byte(c.ID), raw)
	})
}

func v1NameCollision(d v1.Deployment) error {
	return fmt.Errorf("%w: cluster=%s name=%s", v1.ErrNameCollision, d.ClusterID, d.Name)
}
