package jobstore

import (
	"time"

	"github.com/aalto-grader/async-grader/internal/gradertypes"
)

// ApplyContainerStateTransition is the single point where a job's
// container_state (and, on COMPLETED, its outcome/timing) is advanced.
//
// This replaces the source's callback-on-attribute-set pattern (spec.md §9):
// instead of a model hook firing on every attribute assignment, every
// caller that wants to move a job's container_state goes through this
// function inside a jobstore.Mutator passed to Store.Update.
func ApplyContainerStateTransition(job *gradertypes.Job, state gradertypes.ContainerState, outcome gradertypes.ContainerOutcome, timing *gradertypes.Timing) *gradertypes.Job {
	next := *job
	next.ContainerState = state
	if state == gradertypes.ContainerStateCompleted {
		next.ContainerOutcome = outcome
		if timing != nil {
			next.Timing = *timing
		}
	}
	return &next
}

// ApplyUploadTransition is the single point where a job's upload_state is
// advanced. It derives upload_state_updated and upload_attempt exactly as
// the source's _prepare_upload_state / _prepare_upload_code hooks did:
// upload_state_updated changes on every upload_state mutation, and
// upload_attempt increases on every upload_code write (spec.md §3
// invariant 5).
func ApplyUploadTransition(job *gradertypes.Job, state gradertypes.UploadState, code int, now time.Time) *gradertypes.Job {
	next := *job
	if next.UploadState != state {
		next.UploadState = state
		next.UploadStateUpdated = now
	}
	if code != 0 {
		next.UploadCode = code
		next.UploadAttempt++
		next.UploadAt = now
	}
	return &next
}

// ApplyResult records a grading result payload on the job, honoring the
// late-callback-overwrite configuration decided in SPEC_FULL.md §5.2: the
// caller passes allowOverwrite=false to refuse overwriting an existing
// result recorded from a prior terminal event.
func ApplyResult(job *gradertypes.Job, result gradertypes.ResultPayload, allowOverwrite bool, fromLateCallback bool) *gradertypes.Job {
	next := *job
	if next.ResultPayload != nil && !allowOverwrite {
		return &next
	}
	r := result
	next.ResultPayload = &r
	next.ResultFromLate = fromLateCallback
	return &next
}

// ScheduleUploadIfReady moves a COMPLETED job with a recorded result from
// PENDING to SCHEDULED, the one condition under which the Uploader should be
// handed the job (spec.md §4.F step 4 and the symmetric case where the
// callback arrives after the terminal cluster event already landed). It
// reports whether the transition happened so callers know whether to notify
// the Uploader.
func ScheduleUploadIfReady(job *gradertypes.Job, now time.Time) (*gradertypes.Job, bool) {
	if job.ContainerState != gradertypes.ContainerStateCompleted {
		return job, false
	}
	if job.ResultPayload == nil {
		return job, false
	}
	if job.UploadState != gradertypes.UploadStatePending {
		return job, false
	}
	return ApplyUploadTransition(job, gradertypes.UploadStateScheduled, 0, now), true
}
