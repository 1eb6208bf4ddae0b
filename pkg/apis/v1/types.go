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

// Package v1 holds the core data model of the scheduler: clusters,
// deployments, and the status enums that govern their lifecycle.
package v1

import (
	"time"

	"github.com/awslabs/operatorpkg/serrors"
	"go.uber.org/multierr"

	"github.com/fleetforge/scheduler/pkg/resources"
)

// ClusterStatus tracks whether a cluster may still accept placements.
type ClusterStatus string

const (
	ClusterActive  ClusterStatus = "active"
	ClusterDeleted ClusterStatus = "deleted"
)

// DeploymentStatus tracks a deployment through its scheduling lifecycle.
type DeploymentStatus string

const (
	DeploymentPending DeploymentStatus = "pending"
	DeploymentRunning DeploymentStatus = "running"
	DeploymentEvicted DeploymentStatus = "evicted"
	DeploymentDeleted DeploymentStatus = "deleted"
)

// Priority is a deployment's scheduling priority. Higher values win
// preemption; 5 is the highest, 1 the lowest.
type Priority int

const (
	PriorityLowest  Priority = 1
	PriorityHighest Priority = 5
)

// Valid reports whether p is one of the five defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityLowest && p <= PriorityHighest
}

// Cluster is a fixed-capacity placement target owned by an organisation.
type Cluster struct {
	ID           string
	OrgID        string
	Name         string
	Capacity     resources.Triple
	Status       ClusterStatus
	CreatedAt    time.Time
}

// Deployment is a unit of work requesting a resource slice at a priority.
type Deployment struct {
	ID         string
	ClusterID  string
	Name       string
	Requested  resources.Triple
	Priority   Priority
	Status     DeploymentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Running reports whether d currently occupies capacity on its cluster.
func (d Deployment) Running() bool {
	return d.Status == DeploymentRunning
}

// Validate checks d's creation-time invariants: a well-formed resource
// request and a priority in [1,5]. Name collision is checked separately by
// the store, since it depends on existing state Validate has no access to.
func (d Deployment) Validate() error {
	var errs error
	if !d.Requested.Valid() {
		errs = multierr.Append(errs, serrors.Wrap(ErrInvalidResources, "ram", d.Requested.RAM, "cpu", d.Requested.CPU, "gpu", d.Requested.GPU))
	}
	if !d.Priority.Valid() {
		errs = multierr.Append(errs, serrors.Wrap(ErrInvalidPriority, "priority", int(d.Priority)))
	}
	return errs
}
