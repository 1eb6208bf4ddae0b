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

package placement_test

import (
	v1 "github.com/fleetforge/scheduler/pkg/apis/v1"
	"github.com/fleetforge/scheduler/pkg/resources"
	"github.com/fleetforge/scheduler/pkg/scheduling/placement"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func dep(id string, ram, cpu, gpu int64, pri v1.Priority) v1.Deployment {
	return v1.Deployment{ID: id, Requested: resources.Triple{RAM: ram, CPU: cpu, GPU: gpu}, Priority: pri, Status: v1.DeploymentRunning}
}

func ids(ds []v1.Deployment) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

var _ = Describe("Decide", func() {
	It("admits directly when capacity is available (S1)", func() {
		snap := placement.Snapshot{
			Capacity: resources.Triple{RAM: 10, CPU: 5, GPU: 2},
			Running:  []v1.Deployment{dep("d1", 2, 1, 0, 1)},
		}
		candidate := dep("d2", 4, 2, 1, 3)
		decision := placement.Decide(candidate, snap)
		Expect(decision.Admit).To(BeTrue())
		Expect(decision.Preempt).To(BeEmpty())
	})

	It("preempts a single lower-priority victim when needed (S2)", func() {
		snap := placement.Snapshot{
			Capacity: resources.Triple{RAM: 10, CPU: 5, GPU: 2},
			Running:  []v1.Deployment{dep("d1", 6, 3, 1, 1), dep("d2", 2, 1, 0, 2)},
		}
		candidate := dep("d3", 7, 4, 1, 5)
		decision := placement.Decide(candidate, snap)
		Expect(decision.Admit).To(BeTrue())
		Expect(ids(decision.Preempt)).To(Equal([]string{"d1"}))
	})

	It("refuses admission when even full preemption cannot fit (S3)", func() {
		snap := placement.Snapshot{
			Capacity: resources.Triple{RAM: 8, CPU: 4, GPU: 1},
			Running:  []v1.Deployment{dep("d1", 4, 2, 0, 1)},
		}
		candidate := dep("d2", 10, 5, 2, 5)
		decision := placement.Decide(candidate, snap)
		Expect(decision.Admit).To(BeFalse())
		Expect(decision.Preempt).To(BeEmpty())
	})

	It("prefers the single larger victim over two smaller ones (S4)", func() {
		snap := placement.Snapshot{
			Capacity: resources.Triple{RAM: 20, CPU: 10, GPU: 4},
			Running: []v1.Deployment{
				dep("d1", 4, 2, 0, 1),
				dep("d2", 8, 4, 1, 1),
				dep("d3", 4, 2, 1, 2),
			},
		}
		candidate := dep("d4", 7, 3, 1, 3)
		decision := placement.Decide(candidate, snap)
		Expect(decision.Admit).To(BeTrue())
		Expect(ids(decision.Preempt)).To(Equal([]string{"d2"}))
	})

	It("never preempts an equal-or-higher priority deployment (S5)", func() {
		snap := placement.Snapshot{
			Capacity: resources.Triple{RAM: 12, CPU: 6, GPU: 4},
			Running: []v1.Deployment{
				dep("d1", 4, 2, 0, 1),
				dep("d2", 4, 2, 0, 4),
				dep("d3", 4, 2, 0, 2),
			},
		}
		candidate := dep("d4", 8, 4, 0, 3)
		decision := placement.Decide(candidate, snap)
		Expect(decision.Admit).To(BeTrue())
		Expect(decision.Preempt).To(HaveLen(2))
		for _, p := range decision.Preempt {
			Expect(p.ID).ToNot(Equal("d2"))
		}
	})

	It("admits a request equal to full capacity only when the cluster is empty", func() {
		full := resources.Triple{RAM: 10, CPU: 5, GPU: 2}
		empty := placement.Snapshot{Capacity: full}
		candidate := dep("d1", 10, 5, 2, 1)
		Expect(placement.Decide(candidate, empty).Admit).To(BeTrue())

		occupied := placement.Snapshot{Capacity: full, Running: []v1.Deployment{dep("other", 1, 0, 0, 5)}}
		Expect(placement.Decide(candidate, occupied).Admit).To(BeFalse())
	})

	It("never includes a same-priority deployment among preemption candidates", func() {
		snap := placement.Snapshot{
			Capacity: resources.Triple{RAM: 10, CPU: 5, GPU: 0},
			Running:  []v1.Deployment{dep("d1", 8, 4, 0, 3)},
		}
		candidate := dep("d2", 9, 4, 0, 3)
		decision := placement.Decide(candidate, snap)
		Expect(decision.Admit).To(BeFalse())
		Expect(decision.Preempt).To(BeEmpty())
	})

	It("returns a minimal preempt set: dropping any element breaks the fit", func() {
		snap := placement.Snapshot{
			Capacity: resources.Triple{RAM: 10, CPU: 5, GPU: 2},
			Running:  []v1.Deployment{dep("d1", 6, 3, 1, 1), dep("d2", 2, 1, 0, 2)},
		}
		candidate := dep("d3", 7, 4, 1, 5)
		decision := placement.Decide(candidate, snap)
		Expect(decision.Admit).To(BeTrue())
		for i := range decision.Preempt {
			without := append([]v1.Deployment{}, decision.Preempt[:i]...)
			without = append(without, decision.Preempt[i+1:]...)
			freed := resources.SumOver(depRequests(without))
			used := resources.SumOver(depRequests(snap.Running))
			avail := snap.Capacity.SubSaturating(used)
			Expect(avail.Add(freed).Fits(candidate.Requested)).To(BeFalse())
		}
	})
})

func depRequests(ds []v1.Deployment) []resources.Triple {
	out := make([]resources.Triple, len(ds))
	for i, d := range ds {
		out[i] = d.Requested
	}
	return out
}
