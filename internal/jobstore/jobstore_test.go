package jobstore

import (
	"testing"
	"time"

	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/graderr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id string) *gradertypes.Job {
	return &gradertypes.Job{
		ID:             id,
		CourseKey:      "c1",
		ExerciseKey:    "e1",
		ContainerState: gradertypes.ContainerStateCreated,
		UploadState:    gradertypes.UploadStatePending,
		CreatedAt:      time.Now(),
	}
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	return NewMemStore()
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	job := newJob("job-1")
	require.NoError(t, s.Create(job))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CourseKey)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing")
	require.Error(t, err)
	assert.Equal(t, graderr.KindNotFound, graderr.KindOf(err))
}

func TestCreateConflictingContainerRef(t *testing.T) {
	s := newTestStore(t)
	a := newJob("job-a")
	a.ContainerRef = "grader-abc"
	require.NoError(t, s.Create(a))

	b := newJob("job-b")
	b.ContainerRef = "grader-abc"
	err := s.Create(b)
	require.Error(t, err)
	assert.Equal(t, graderr.KindConflict, graderr.KindOf(err))
}

func TestFindByContainerRef(t *testing.T) {
	s := newTestStore(t)
	job := newJob("job-1")
	job.ContainerRef = "grader-xyz"
	require.NoError(t, s.Create(job))

	found, err := s.FindByContainerRef("grader-xyz")
	require.NoError(t, err)
	assert.Equal(t, "job-1", found.ID)

	_, err = s.FindByContainerRef("nope")
	assert.Equal(t, graderr.KindNotFound, graderr.KindOf(err))
}

// TestContainerStateMonotone validates spec.md §8 invariant 1: container
// state never moves backward, forward skips are allowed.
func TestContainerStateMonotone(t *testing.T) {
	s := newTestStore(t)
	job := newJob("job-1")
	require.NoError(t, s.Create(job))

	_, err := s.Update("job-1", func(j *gradertypes.Job) (*gradertypes.Job, error) {
		return ApplyContainerStateTransition(j, gradertypes.ContainerStateRunning, "", nil), nil
	})
	require.NoError(t, err)

	_, err = s.Update("job-1", func(j *gradertypes.Job) (*gradertypes.Job, error) {
		return ApplyContainerStateTransition(j, gradertypes.ContainerStateOrdered, "", nil), nil
	})
	require.Error(t, err)
	assert.Equal(t, graderr.KindInvariantViolation, graderr.KindOf(err))
}

// TestDuplicateTerminalEventIsNoOp validates spec.md §8 invariant 6 / S5:
// applying the same terminal transition twice leaves state unchanged and is
// not an error, since old == next is allowed.
func TestDuplicateTerminalEventIsNoOp(t *testing.T) {
	s := newTestStore(t)
	job := newJob("job-1")
	require.NoError(t, s.Create(job))

	advance := func() (*gradertypes.Job, error) {
		return s.Update("job-1", func(j *gradertypes.Job) (*gradertypes.Job, error) {
			return ApplyContainerStateTransition(j, gradertypes.ContainerStateCompleted, gradertypes.OutcomeSucceeded, &gradertypes.Timing{}), nil
		})
	}

	first, err := advance()
	require.NoError(t, err)
	assert.Equal(t, gradertypes.ContainerStateCompleted, first.ContainerState)

	second, err := advance()
	require.NoError(t, err)
	assert.Equal(t, first.ContainerOutcome, second.ContainerOutcome)
}

func TestUploadStateTransitions(t *testing.T) {
	assert.True(t, validUploadTransition(gradertypes.UploadStatePending, gradertypes.UploadStateScheduled))
	assert.True(t, validUploadTransition(gradertypes.UploadStateScheduled, gradertypes.UploadStateFailed))
	assert.True(t, validUploadTransition(gradertypes.UploadStateFailed, gradertypes.UploadStateScheduled))
	assert.False(t, validUploadTransition(gradertypes.UploadStateSucceeded, gradertypes.UploadStateScheduled))
	assert.False(t, validUploadTransition(gradertypes.UploadStatePending, gradertypes.UploadStateSucceeded))
}

func TestUploadAttemptIncreasesOnlyOnCodeWrite(t *testing.T) {
	s := newTestStore(t)
	job := newJob("job-1")
	require.NoError(t, s.Create(job))

	updated, err := s.Update("job-1", func(j *gradertypes.Job) (*gradertypes.Job, error) {
		j = ApplyUploadTransition(j, gradertypes.UploadStateScheduled, 0, time.Now())
		return j, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.UploadAttempt)

	updated, err = s.Update("job-1", func(j *gradertypes.Job) (*gradertypes.Job, error) {
		j = ApplyUploadTransition(j, gradertypes.UploadStateFailed, 503, time.Now())
		return j, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UploadAttempt)
	assert.Equal(t, 503, updated.UploadCode)
}

func TestListPendingUploadOrdering(t *testing.T) {
	s := newTestStore(t)

	mk := func(id string, updated time.Time) {
		job := newJob(id)
		job.ContainerState = gradertypes.ContainerStateCompleted
		job.UploadState = gradertypes.UploadStatePending
		job.UploadStateUpdated = updated
		require.NoError(t, s.Create(job))
	}

	now := time.Now()
	mk("late", now.Add(2*time.Minute))
	mk("early", now)
	mk("mid", now.Add(1*time.Minute))

	pending, err := s.ListPendingUpload()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "early", pending[0].ID)
	assert.Equal(t, "mid", pending[1].ID)
	assert.Equal(t, "late", pending[2].ID)
}

// TestConcurrentUpdatesSerialize exercises spec.md §8 invariant 4: for
// concurrent mutations of the same job, the final state matches a serial
// interleaving — none of N concurrent "increment upload_attempt" mutators
// are lost.
func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := newTestStore(t)
	job := newJob("job-1")
	job.UploadState = gradertypes.UploadStateScheduled
	require.NoError(t, s.Create(job))

	const n = 50
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Update("job-1", func(j *gradertypes.Job) (*gradertypes.Job, error) {
				return ApplyUploadTransition(j, j.UploadState, 503, time.Now()), nil
			})
			done <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}

	final, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, n, final.UploadAttempt)
}
