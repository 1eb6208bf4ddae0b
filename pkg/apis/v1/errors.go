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

package v1

import (
	"errors"

	"github.com/awslabs/operatorpkg/serrors"
)

// Sentinel errors for the scheduler's error taxonomy. Wrap these with
// serrors.Wrap to attach structured context; callers should match with
// errors.Is against the sentinel, never against the wrapped message.
var (
	// ErrNotFound means the referenced cluster or deployment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClusterInactive means a placement was attempted against a deleted cluster.
	ErrClusterInactive = errors.New("cluster is not active")
	// ErrNameCollision means a non-deleted deployment already holds this name on this cluster.
	ErrNameCollision = errors.New("deployment name already in use on this cluster")
	// ErrInvalidResources means a requested resource triple failed validation (ram<=0, cpu<=0, or gpu<0).
	ErrInvalidResources = errors.New("invalid resource request")
	// ErrInvalidPriority means a priority outside [1,5] was supplied.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrLockUnavailable means a mutex could not be acquired within its wait budget.
	ErrLockUnavailable = errors.New("lock unavailable")
	// ErrCannotPlace means no admission or preemption plan exists for a candidate deployment.
	ErrCannotPlace = errors.New("cannot place deployment")
)

// NotFound wraps ErrNotFound with the kind and id that were missing.
func NotFound(kind, id string) error {
	return serrors.Wrap(ErrNotFound, "kind", kind, "id", id)
}

// Is reports whether err ultimately wraps target, looking through serrors.Wrap.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
