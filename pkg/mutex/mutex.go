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

// Package mutex defines the distributed, per-cluster exclusion primitive
// the scheduler service uses to serialise scheduling attempts for one
// cluster across every worker process.
package mutex

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by Acquire when waitBudget elapses before the
// lock could be obtained.
var ErrUnavailable = errors.New("lock unavailable")

// KeyPrefix is the reserved namespace for every lock key this package
// manages; scheduler service callers pass "cluster:<id>" and the
// implementation is responsible for namespacing it underneath this
// prefix (e.g. "lock:cluster:<id>").
const KeyPrefix = "lock:"

// Lease is a held lock. Release must be safe to call more than once and
// must be the only way the lock is ever freed; callers acquire a Lease
// via a scoped call and defer Release immediately.
type Lease interface {
	Release(ctx context.Context) error
}

// Mutex acquires exclusive, TTL-bounded leases on named keys.
type Mutex interface {
	// Acquire blocks, retrying at its own internal interval, until it
	// either holds the lock or waitBudget elapses. ttl bounds how long the
	// lease is valid if the holder never releases it (process death,
	// panic before a deferred Release runs). Returns ErrUnavailable if
	// waitBudget is exhausted without acquiring the lock.
	Acquire(ctx context.Context, key string, ttl, waitBudget time.Duration) (Lease, error)
}

// Scoped acquires key, runs fn, and guarantees Release runs on every exit
// path from fn, including panics that unwind past this call.
func Scoped(ctx context.Context, m Mutex, key string, ttl, waitBudget time.Duration, fn func(context.Context) error) error {
	lease, err := m.Acquire(ctx, key, ttl, waitBudget)
	if err != nil {
		return err
	}
	defer lease.Release(ctx) //nolint:errcheck
	return fn(ctx)
}

// ClusterKey builds the namespaced key for a cluster's scheduling lock.
func ClusterKey(clusterID string) string {
	return "cluster:" + clusterID
}
