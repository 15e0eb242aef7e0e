// Package jobstore implements the Job Store (spec.md §4.A): the durable
// mapping from job id to Job record, with an exclusive per-record mutator
// and the invariant checks from spec.md §3.
package jobstore

import (
	"sort"

	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/graderr"
)

// Mutator inspects the current Job and returns the record it should become.
// Returning an error aborts the update without persisting anything.
type Mutator func(current *gradertypes.Job) (*gradertypes.Job, error)

// Store is the Job Store contract required by spec.md §4.A.
type Store interface {
	// Create persists a brand-new job. Fails with graderr.KindConflict if
	// the job already carries a container_ref that collides with a live
	// job (jobs that arrive with a cluster-assigned ref).
	Create(job *gradertypes.Job) error

	// Get returns the current record for id, or graderr.KindNotFound.
	Get(id string) (*gradertypes.Job, error)

	// FindByContainerRef returns the job owning ref, or graderr.KindNotFound.
	FindByContainerRef(ref string) (*gradertypes.Job, error)

	// Update applies mutator under an exclusive per-record guard. It
	// rejects (graderr.KindInvariantViolation) transitions that violate
	// spec.md §3 invariants 1-2, and (graderr.KindConflict) a container_ref
	// collision with another job.
	Update(id string, mutator Mutator) (*gradertypes.Job, error)

	// ListPendingUpload returns COMPLETED jobs whose upload_state is
	// PENDING or FAILED, ordered by upload_state_updated ascending.
	ListPendingUpload() ([]*gradertypes.Job, error)

	// Delete removes a job record (used after terminal successful upload,
	// or manual purge).
	Delete(id string) error

	Close() error
}

// checkInvariants enforces spec.md §3 invariants 1 and 2 between an old and
// a candidate new record. It does not touch container_ref uniqueness; that
// is a store-wide check the implementation performs separately.
func checkInvariants(old, next *gradertypes.Job) error {
	if old != nil {
		if next.ContainerState.Rank() < old.ContainerState.Rank() {
			return graderr.Invariantf("jobstore.update",
				"container_state cannot move backward from %s to %s", old.ContainerState, next.ContainerState)
		}
		if !validUploadTransition(old.UploadState, next.UploadState) {
			return graderr.Invariantf("jobstore.update",
				"upload_state cannot move from %s to %s", old.UploadState, next.UploadState)
		}
	}
	if next.ContainerState != gradertypes.ContainerStateCompleted && next.ContainerOutcome != "" {
		return graderr.Invariantf("jobstore.update", "container_outcome set before COMPLETED")
	}
	return nil
}

// validUploadTransition implements spec.md §3 invariant 2: PENDING ->
// SCHEDULED -> (SUCCEEDED | FAILED); FAILED may re-enter SCHEDULED.
func validUploadTransition(old, next gradertypes.UploadState) bool {
	if old == next {
		return true
	}
	switch old {
	case gradertypes.UploadStatePending:
		return next == gradertypes.UploadStateScheduled
	case gradertypes.UploadStateScheduled:
		return next == gradertypes.UploadStateSucceeded || next == gradertypes.UploadStateFailed
	case gradertypes.UploadStateFailed:
		return next == gradertypes.UploadStateScheduled
	case gradertypes.UploadStateSucceeded:
		return false
	case "":
		return true
	default:
		return false
	}
}

// sortPendingUpload orders by UploadStateUpdated ascending, as required by
// spec.md §4.A for list_pending_upload.
func sortPendingUpload(jobs []*gradertypes.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UploadStateUpdated.Before(jobs[j].UploadStateUpdated)
	})
}

func isPendingUpload(j *gradertypes.Job) bool {
	if j.ContainerState != gradertypes.ContainerStateCompleted {
		return false
	}
	return j.UploadState == gradertypes.UploadStatePending || j.UploadState == gradertypes.UploadStateFailed
}
