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

package worker_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	v1 "github.com/fleetforge/scheduler/pkg/apis/v1"
	"github.com/fleetforge/scheduler/pkg/mutex"
	"github.com/fleetforge/scheduler/pkg/mutex/memlock"
	"github.com/fleetforge/scheduler/pkg/queue"
	"github.com/fleetforge/scheduler/pkg/queue/memqueue"
	"github.com/fleetforge/scheduler/pkg/resources"
	"github.com/fleetforge/scheduler/pkg/scheduler"
	"github.com/fleetforge/scheduler/pkg/store"
	"github.com/fleetforge/scheduler/pkg/store/memstore"
	"github.com/fleetforge/scheduler/pkg/worker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// slowMutex wraps a mutex.Mutex and tracks, across every key, the highest
// number of leases concurrently held — used to observe how many
// scheduling attempts a Loop actually runs in parallel.
type slowMutex struct {
	mutex.Mutex
	hold        time.Duration
	inFlight    int64
	maxInFlight int64
}

func (s *slowMutex) Acquire(ctx context.Context, key string, ttl, waitBudget time.Duration) (mutex.Lease, error) {
	lease, err := s.Mutex.Acquire(ctx, key, ttl, waitBudget)
	if err != nil {
		return nil, err
	}
	n := atomic.AddInt64(&s.inFlight, 1)
	for {
		max := atomic.LoadInt64(&s.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt64(&s.maxInFlight, max, n) {
			break
		}
	}
	time.Sleep(s.hold)
	return &slowLease{Lease: lease, s: s}, nil
}

type slowLease struct {
	mutex.Lease
	s *slowMutex
}

func (l *slowLease) Release(ctx context.Context) error {
	atomic.AddInt64(&l.s.inFlight, -1)
	return l.Lease.Release(ctx)
}

var _ = Describe("Loop", func() {
	var (
		st  *memstore.Store
		q   *memqueue.Queue
		svc *scheduler.Service
		lp  *worker.Loop
	)

	BeforeEach(func() {
		st = memstore.New()
		q = memqueue.New()
		svc = scheduler.New(st, memlock.New(), q, scheduler.DefaultConfig(), nil)
		lp = worker.New(worker.NewMemSource(q, time.Millisecond), q, svc, st, worker.Config{RequeueDelay: 0, Concurrency: 1}, nil)

		st.PutCluster(v1.Cluster{ID: "c1", Name: "prod", Capacity: resources.Triple{RAM: 10, CPU: 5, GPU: 2}, Status: v1.ClusterActive})
	})

	It("schedules a directly-admissible deployment once drained", func() {
		st.PutDeployment(v1.Deployment{ID: "d1", ClusterID: "c1", Name: "web", Requested: resources.Triple{RAM: 4, CPU: 2, GPU: 1}, Priority: 3, Status: v1.DeploymentPending})
		Expect(q.Enqueue(context.Background(), "d1", 0)).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		go lp.Run(ctx)

		Eventually(func() v1.DeploymentStatus {
			var d v1.Deployment
			st.RunSerializable(context.Background(), "c1", func(tx store.Tx) error {
				var err error
				d, err = tx.LoadDeployment("d1")
				return err
			})
			return d.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(v1.DeploymentRunning))
	})

	It("re-enqueues a deferred deployment for a later attempt", func() {
		st.PutDeployment(v1.Deployment{ID: "blocker", ClusterID: "c1", Name: "blocker", Requested: resources.Triple{RAM: 10, CPU: 5, GPU: 2}, Priority: 5, Status: v1.DeploymentRunning})
		st.PutDeployment(v1.Deployment{ID: "d1", ClusterID: "c1", Name: "web", Requested: resources.Triple{RAM: 1, CPU: 1, GPU: 0}, Priority: 1, Status: v1.DeploymentPending})
		Expect(q.Enqueue(context.Background(), "d1", 0)).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		go lp.Run(ctx)

		Eventually(func() queue.Status {
			status, _ := q.Status(context.Background(), "d1")
			return status
		}, time.Second, 5*time.Millisecond).Should(Equal(queue.StatusQueued))
	})

	It("sweeps pending deployments with no observable job at startup", func() {
		st.PutDeployment(v1.Deployment{ID: "orphan", ClusterID: "c1", Name: "orphan", Requested: resources.Triple{RAM: 1, CPU: 1, GPU: 0}, Priority: 1, Status: v1.DeploymentPending})

		Expect(lp.Sweep(context.Background())).To(Succeed())

		status, err := q.Status(context.Background(), "orphan")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(queue.StatusQueued))
	})

	It("bounds concurrent scheduling attempts at Config.Concurrency", func() {
		const concurrency = 2
		const clusters = 5

		slow := &slowMutex{Mutex: memlock.New(), hold: 50 * time.Millisecond}
		concSvc := scheduler.New(st, slow, q, scheduler.DefaultConfig(), nil)
		concQ := memqueue.New()
		concLoop := worker.New(worker.NewMemSource(concQ, time.Millisecond), concQ, concSvc, st, worker.Config{RequeueDelay: 0, Concurrency: concurrency}, nil)

		for i := 0; i < clusters; i++ {
			clusterID := fmt.Sprintf("bound-c%d", i)
			deploymentID := fmt.Sprintf("bound-d%d", i)
			st.PutCluster(v1.Cluster{ID: clusterID, Name: clusterID, Capacity: resources.Triple{RAM: 10, CPU: 5, GPU: 2}, Status: v1.ClusterActive})
			st.PutDeployment(v1.Deployment{ID: deploymentID, ClusterID: clusterID, Name: deploymentID, Requested: resources.Triple{RAM: 1, CPU: 1, GPU: 0}, Priority: 3, Status: v1.DeploymentPending})
			Expect(concQ.Enqueue(context.Background(), deploymentID, 0)).To(Succeed())
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		go concLoop.Run(ctx)

		for i := 0; i < clusters; i++ {
			deploymentID := fmt.Sprintf("bound-d%d", i)
			clusterID := fmt.Sprintf("bound-c%d", i)
			Eventually(func() v1.DeploymentStatus {
				var d v1.Deployment
				st.RunSerializable(context.Background(), clusterID, func(tx store.Tx) error {
					var err error
					d, err = tx.LoadDeployment(deploymentID)
					return err
				})
				return d.Status
			}, time.Second, 5*time.Millisecond).Should(Equal(v1.DeploymentRunning))
		}

		Expect(atomic.LoadInt64(&slow.maxInFlight)).To(BeNumerically("<=", int64(concurrency)))
		Expect(atomic.LoadInt64(&slow.maxInFlight)).To(BeNumerically(">=", int64(2)))
	})
})
