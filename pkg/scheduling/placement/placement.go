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

// Package placement is the pure placement/preemption decision engine: given
// a snapshot of a cluster's current running deployments and a candidate
// deployment asking for admission, it decides whether the candidate fits
// directly, fits after preempting some lower-priority running deployments,
// or cannot be placed at all. It never touches the store, the queue, or a
// lock; callers own all I/O and commit the decision atomically.
package placement

import (
	"sort"

	v1 "github.com/fleetforge/scheduler/pkg/apis/v1"
	"github.com/fleetforge/scheduler/pkg/resources"
	"github.com/samber/lo"
)

// Snapshot is the state the decision is made against: a cluster's total
// capacity and the deployments currently occupying it.
type Snapshot struct {
	Capacity  resources.Triple
	Running   []v1.Deployment
}

// Decision is the outcome of Decide: either the candidate is admitted
// outright, admitted after preempting Preempt, or neither (Admit is false
// and Preempt is empty).
type Decision struct {
	Admit   bool
	Preempt []v1.Deployment
}

// Decide evaluates whether candidate can be placed onto snapshot.
//
// It first checks whether candidate's request fits the capacity remaining
// after subtracting every currently running deployment. If so, it is
// admitted with no preemption.
//
// Otherwise, it considers preempting strictly lower-priority running
// deployments. Candidates for preemption are ordered by
// (-Score(requested), Priority) ascending, i.e. the largest requests from
// the lowest priorities are freed first. It walks this order accumulating
// freed capacity until the candidate's request fits, then returns exactly
// that accumulated set. If the full preemptible set still does not free
// enough capacity, Decide reports Admit: false and no deployments are
// preempted.
func Decide(candidate v1.Deployment, snapshot Snapshot) Decision {
	used := resources.SumOver(lo.Map(snapshot.Running, func(d v1.Deployment, _ int) resources.Triple {
		return d.Requested
	}))
	available := snapshot.Capacity.SubSaturating(used)

	if available.Fits(candidate.Requested) {
		return Decision{Admit: true}
	}

	preemptible := lo.Filter(snapshot.Running, func(d v1.Deployment, _ int) bool {
		return d.Priority < candidate.Priority
	})
	sort.SliceStable(preemptible, func(i, j int) bool {
		si, sj := preemptible[i].Requested.Score(), preemptible[j].Requested.Score()
		if si != sj {
			return si > sj // descending score first == ascending -Score(need)
		}
		return preemptible[i].Priority < preemptible[j].Priority
	})

	freed := resources.Zero
	var chosen []v1.Deployment
	for _, d := range preemptible {
		if available.Add(freed).Fits(candidate.Requested) {
			break
		}
		freed = freed.Add(d.Requested)
		chosen = append(chosen, d)
	}

	if !available.Add(freed).Fits(candidate.Requested) {
		return Decision{Admit: false}
	}
	return Decision{Admit: true, Preempt: chosen}
}
