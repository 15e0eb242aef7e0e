package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalto-grader/async-grader/internal/bus"
	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/jobstore"
)

type fakeUploadScheduler struct {
	scheduled []string
}

func (f *fakeUploadScheduler) Schedule(jobID string) {
	f.scheduled = append(f.scheduled, jobID)
}

func newJobWithRef(id, ref string) *gradertypes.Job {
	return &gradertypes.Job{
		ID:             id,
		ContainerRef:   ref,
		ContainerState: gradertypes.ContainerStateOrdered,
		UploadState:    gradertypes.UploadStatePending,
		CreatedAt:      time.Now(),
	}
}

func TestConsumerAdvancesRunningThenCompleted(t *testing.T) {
	store := jobstore.NewMemStore()
	require.NoError(t, store.Create(newJobWithRef("job-1", "pod-1")))

	eventBus := bus.NewMemoryBus(10)
	defer eventBus.Close()
	uploader := &fakeUploadScheduler{}

	c := New(eventBus, store, uploader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)
	defer c.Stop()

	require.NoError(t, eventBus.Publish(ctx, bus.Event{State: "RUNNING", Meta: bus.Meta{PodID: "pod-1"}}))
	require.Eventually(t, func() bool {
		j, err := store.Get("job-1")
		return err == nil && j.ContainerState == gradertypes.ContainerStateRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, eventBus.Publish(ctx, bus.Event{
		State: string(gradertypes.OutcomeSucceeded),
		Meta:  bus.Meta{PodID: "pod-1"},
	}))
	require.Eventually(t, func() bool {
		j, err := store.Get("job-1")
		return err == nil && j.ContainerState == gradertypes.ContainerStateCompleted
	}, time.Second, 10*time.Millisecond)

	j, err := store.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, gradertypes.OutcomeSucceeded, j.ContainerOutcome)
	assert.Empty(t, uploader.scheduled, "no result payload yet, nothing to upload")
}

func TestConsumerSchedulesUploadWhenResultAlreadyPresent(t *testing.T) {
	store := jobstore.NewMemStore()
	job := newJobWithRef("job-2", "pod-2")
	require.NoError(t, store.Create(job))
	_, err := store.Update("job-2", func(cur *gradertypes.Job) (*gradertypes.Job, error) {
		return jobstore.ApplyResult(cur, gradertypes.ResultPayload{Points: 1, MaxPoints: 1}, true, false), nil
	})
	require.NoError(t, err)

	eventBus := bus.NewMemoryBus(10)
	defer eventBus.Close()
	uploader := &fakeUploadScheduler{}

	c := New(eventBus, store, uploader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)
	defer c.Stop()

	require.NoError(t, eventBus.Publish(ctx, bus.Event{
		State: string(gradertypes.OutcomeSucceeded),
		Meta:  bus.Meta{PodID: "pod-2"},
	}))

	require.Eventually(t, func() bool {
		j, err := store.Get("job-2")
		return err == nil && j.UploadState == gradertypes.UploadStateScheduled
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, uploader.scheduled, "job-2")
}

func TestConsumerSynthesizesDefaultResultOnTerminalFailureWithNoCallback(t *testing.T) {
	store := jobstore.NewMemStore()
	require.NoError(t, store.Create(newJobWithRef("job-4", "pod-4")))

	eventBus := bus.NewMemoryBus(10)
	defer eventBus.Close()
	uploader := &fakeUploadScheduler{}

	c := New(eventBus, store, uploader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)
	defer c.Stop()

	require.NoError(t, eventBus.Publish(ctx, bus.Event{
		State: string(gradertypes.OutcomeExpired),
		Meta:  bus.Meta{PodID: "pod-4"},
	}))

	require.Eventually(t, func() bool {
		j, err := store.Get("job-4")
		return err == nil && j.UploadState == gradertypes.UploadStateScheduled
	}, time.Second, 10*time.Millisecond)

	j, err := store.Get("job-4")
	require.NoError(t, err)
	assert.Equal(t, gradertypes.ContainerStateCompleted, j.ContainerState)
	assert.Equal(t, gradertypes.OutcomeExpired, j.ContainerOutcome)
	require.NotNil(t, j.ResultPayload)
	assert.Equal(t, 0, j.ResultPayload.Points)
	assert.Equal(t, 1, j.ResultPayload.MaxPoints)
	assert.True(t, j.ResultPayload.Error)
	assert.False(t, j.ResultFromLate)
	assert.Contains(t, uploader.scheduled, "job-4")
}

func TestConsumerAcksUnknownContainerRef(t *testing.T) {
	store := jobstore.NewMemStore()
	eventBus := bus.NewMemoryBus(10)
	defer eventBus.Close()
	uploader := &fakeUploadScheduler{}

	c := New(eventBus, store, uploader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)
	defer c.Stop()

	require.NoError(t, eventBus.Publish(ctx, bus.Event{State: "RUNNING", Meta: bus.Meta{PodID: "ghost-pod"}}))
	time.Sleep(100 * time.Millisecond) // no job exists; handled path should just ack and move on
}

func TestConsumerDuplicateTerminalEventIsNoOp(t *testing.T) {
	store := jobstore.NewMemStore()
	require.NoError(t, store.Create(newJobWithRef("job-3", "pod-3")))

	eventBus := bus.NewMemoryBus(10)
	defer eventBus.Close()
	uploader := &fakeUploadScheduler{}

	c := New(eventBus, store, uploader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)
	defer c.Stop()

	ev := bus.Event{State: string(gradertypes.OutcomeSucceeded), Meta: bus.Meta{PodID: "pod-3"}}
	require.NoError(t, eventBus.Publish(ctx, ev))
	require.Eventually(t, func() bool {
		j, err := store.Get("job-3")
		return err == nil && j.ContainerState == gradertypes.ContainerStateCompleted
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, eventBus.Publish(ctx, ev))
	time.Sleep(100 * time.Millisecond)

	j, err := store.Get("job-3")
	require.NoError(t, err)
	assert.Equal(t, gradertypes.OutcomeSucceeded, j.ContainerOutcome)
}
