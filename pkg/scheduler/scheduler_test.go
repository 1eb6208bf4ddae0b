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

package scheduler_test

import (
	"context"

	v1 "github.com/fleetforge/scheduler/pkg/apis/v1"
	"github.com/fleetforge/scheduler/pkg/mutex/memlock"
	"github.com/fleetforge/scheduler/pkg/queue"
	"github.com/fleetforge/scheduler/pkg/queue/memqueue"
	"github.com/fleetforge/scheduler/pkg/resources"
	"github.com/fleetforge/scheduler/pkg/scheduler"
	"github.com/fleetforge/scheduler/pkg/store"
	"github.com/fleetforge/scheduler/pkg/store/memstore"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newService() (*scheduler.Service, *memstore.Store, *memqueue.Queue) {
	s := memstore.New()
	q := memqueue.New()
	svc := scheduler.New(s, memlock.New(), q, scheduler.DefaultConfig(), nil)
	return svc, s, q
}

var _ = Describe("Service.TrySchedule", func() {
	var (
		ctx = context.Background()
		svc *scheduler.Service
		st  *memstore.Store
		q   *memqueue.Queue
	)

	BeforeEach(func() {
		svc, st, q = newService()
		st.PutCluster(v1.Cluster{ID: "c1", Name: "prod", Capacity: resources.Triple{RAM: 10, CPU: 5, GPU: 2}, Status: v1.ClusterActive})
	})

	It("admits a deployment that fits directly", func() {
		st.PutDeployment(v1.Deployment{ID: "d1", ClusterID: "c1", Name: "web", Requested: resources.Triple{RAM: 4, CPU: 2, GPU: 1}, Priority: 3, Status: v1.DeploymentPending})

		outcome, err := svc.TrySchedule(ctx, "d1")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(scheduler.Scheduled))

		var loaded v1.Deployment
		Expect(st.RunSerializable(ctx, "c1", func(tx store.Tx) error {
			var err error
			loaded, err = tx.LoadDeployment("d1")
			return err
		})).To(Succeed())
		Expect(loaded.Status).To(Equal(v1.DeploymentRunning))
	})

	It("preempts a lower-priority deployment and re-enqueues it with delay (S2)", func() {
		st.PutDeployment(v1.Deployment{ID: "victim", ClusterID: "c1", Name: "low", Requested: resources.Triple{RAM: 6, CPU: 3, GPU: 1}, Priority: 1, Status: v1.DeploymentRunning})
		st.PutDeployment(v1.Deployment{ID: "keep", ClusterID: "c1", Name: "kept", Requested: resources.Triple{RAM: 2, CPU: 1, GPU: 0}, Priority: 2, Status: v1.DeploymentRunning})
		st.PutDeployment(v1.Deployment{ID: "candidate", ClusterID: "c1", Name: "hi", Requested: resources.Triple{RAM: 7, CPU: 4, GPU: 1}, Priority: 5, Status: v1.DeploymentPending})

		outcome, err := svc.TrySchedule(ctx, "candidate")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(scheduler.Scheduled))

		var victim, kept, candidate v1.Deployment
		Expect(st.RunSerializable(ctx, "c1", func(tx store.Tx) error {
			var err error
			if victim, err = tx.LoadDeployment("victim"); err != nil {
				return err
			}
			if kept, err = tx.LoadDeployment("keep"); err != nil {
				return err
			}
			candidate, err = tx.LoadDeployment("candidate")
			return err
		})).To(Succeed())

		Expect(victim.Status).To(Equal(v1.DeploymentPending))
		Expect(kept.Status).To(Equal(v1.DeploymentRunning))
		Expect(candidate.Status).To(Equal(v1.DeploymentRunning))

		status, err := q.Status(ctx, "victim")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(queue.StatusQueued))
	})

	It("defers when no placement is possible, even with full preemption (S3)", func() {
		st.PutCluster(v1.Cluster{ID: "c1", Name: "prod", Capacity: resources.Triple{RAM: 8, CPU: 4, GPU: 1}, Status: v1.ClusterActive})
		st.PutDeployment(v1.Deployment{ID: "small", ClusterID: "c1", Name: "small", Requested: resources.Triple{RAM: 4, CPU: 2, GPU: 0}, Priority: 1, Status: v1.DeploymentRunning})
		st.PutDeployment(v1.Deployment{ID: "huge", ClusterID: "c1", Name: "huge", Requested: resources.Triple{RAM: 10, CPU: 5, GPU: 2}, Priority: 5, Status: v1.DeploymentPending})

		outcome, err := svc.TrySchedule(ctx, "huge")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(scheduler.Deferred))

		var huge v1.Deployment
		Expect(st.RunSerializable(ctx, "c1", func(tx store.Tx) error {
			var err error
			huge, err = tx.LoadDeployment("huge")
			return err
		})).To(Succeed())
		Expect(huge.Status).To(Equal(v1.DeploymentPending))
	})

	It("evicts a deployment whose cluster is deleted (Dropped)", func() {
		st.PutCluster(v1.Cluster{ID: "c1", Name: "prod", Capacity: resources.Triple{RAM: 10, CPU: 5, GPU: 2}, Status: v1.ClusterDeleted})
		st.PutDeployment(v1.Deployment{ID: "d1", ClusterID: "c1", Name: "web", Requested: resources.Triple{RAM: 1, CPU: 1, GPU: 0}, Priority: 1, Status: v1.DeploymentPending})

		outcome, err := svc.TrySchedule(ctx, "d1")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(scheduler.Dropped))
	})

	It("is idempotent for an already-Running deployment (S6)", func() {
		st.PutDeployment(v1.Deployment{ID: "d1", ClusterID: "c1", Name: "web", Requested: resources.Triple{RAM: 1, CPU: 1, GPU: 0}, Priority: 1, Status: v1.DeploymentRunning})

		outcome, err := svc.TrySchedule(ctx, "d1")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(scheduler.Scheduled))

		status, err := q.Status(ctx, "d1")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).ToNot(Equal(queue.StatusQueued))
	})
})
