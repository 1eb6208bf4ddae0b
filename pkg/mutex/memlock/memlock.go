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

// Package memlock is an in-process implementation of mutex.Mutex backed by
// a map guarded by a single mutex, used by tests and by single-process
// deployments that need no cross-process coordination.
package memlock

import (
	"context"
	"sync"
	"time"

	"github.com/fleetforge/scheduler/pkg/mutex"
)

const retryInterval = 10 * time.Millisecond

type entry struct {
	token   uint64
	expires time.Time
}

// Mutex is a process-local mutex.Mutex, mirroring the fencing-token and
// expiry semantics of the DynamoDB-backed implementation so tests exercise
// the same contract the production backend does.
type Mutex struct {
	mu      sync.Mutex
	held    map[string]entry
	nextTok uint64
}

// New constructs an empty in-memory Mutex.
func New() *Mutex {
	return &Mutex{held: map[string]entry{}}
}

func (m *Mutex) Acquire(ctx context.Context, key string, ttl, waitBudget time.Duration) (mutex.Lease, error) {
	key = mutex.KeyPrefix + key
	deadline := time.Now().Add(waitBudget)
	for {
		if lease, ok := m.tryAcquire(key, ttl); ok {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, mutex.ErrUnavailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (m *Mutex) tryAcquire(key string, ttl time.Duration) (mutex.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if e, ok := m.held[key]; ok && e.expires.After(now) {
		return nil, false
	}
	m.nextTok++
	tok := m.nextTok
	m.held[key] = entry{token: tok, expires: now.Add(ttl)}
	return &lease{m: m, key: key, token: tok}, true
}

type lease struct {
	m     *Mutex
	key   string
	token uint64

	released bool
	mu       sync.Mutex
}

func (l *lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if e, ok := l.m.held[l.key]; ok && e.token == l.token {
		delete(l.m.held, l.key)
	}
	return nil
}
