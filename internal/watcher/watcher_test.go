package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/aalto-grader/async-grader/internal/bus"
	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/jobstore"
)

type fakePodWatchClient struct {
	watcher *watch.FakeWatcher
	list    *corev1.PodList
}

func newFakePodWatchClient() *fakePodWatchClient {
	return &fakePodWatchClient{
		watcher: watch.NewFake(),
		list:    &corev1.PodList{},
	}
}

func (f *fakePodWatchClient) Watch(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
	return f.watcher, nil
}

func (f *fakePodWatchClient) List(ctx context.Context, opts metav1.ListOptions) (*corev1.PodList, error) {
	return f.list, nil
}

func runningPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, ResourceVersion: "1"},
		Spec:       corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{
				{State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{StartedAt: metav1.Now()}}},
			},
		},
	}
}

func succeededPod(name string) *corev1.Pod {
	now := metav1.Now()
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, ResourceVersion: "2"},
		Spec:       corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{
			Phase:     corev1.PodSucceeded,
			StartTime: &now,
			ContainerStatuses: []corev1.ContainerStatus{
				{State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
					StartedAt: now, FinishedAt: now, ExitCode: 0,
				}}},
			},
		},
	}
}

func TestWatchPublishesPhaseTransitions(t *testing.T) {
	client := newFakePodWatchClient()
	eventBus := bus.NewMemoryBus(10)
	defer eventBus.Close()
	store := jobstore.NewMemStore()

	w := NewWithClient(client, "grader", eventBus, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := eventBus.Consume(ctx)
	require.NoError(t, err)

	w.Start(ctx)
	defer w.Stop()

	client.watcher.Modify(runningPod("grader-job-1"))

	select {
	case d := <-deliveries:
		assert.Equal(t, "RUNNING", d.Event.State)
		assert.Equal(t, "grader-job-1", d.Event.Meta.PodName)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RUNNING event")
	}

	client.watcher.Modify(succeededPod("grader-job-1"))

	select {
	case d := <-deliveries:
		assert.Equal(t, string(gradertypes.OutcomeSucceeded), d.Event.State)
		assert.NotEmpty(t, d.Event.Times.Started)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for COMPLETED event")
	}
}

func TestDuplicatePhaseIsSuppressed(t *testing.T) {
	client := newFakePodWatchClient()
	eventBus := bus.NewMemoryBus(10)
	defer eventBus.Close()
	store := jobstore.NewMemStore()

	w := NewWithClient(client, "grader", eventBus, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := eventBus.Consume(ctx)
	require.NoError(t, err)

	w.Start(ctx)
	defer w.Stop()

	client.watcher.Modify(runningPod("grader-job-2"))
	select {
	case <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	client.watcher.Modify(runningPod("grader-job-2"))
	select {
	case d := <-deliveries:
		t.Fatalf("unexpected duplicate delivery: %+v", d.Event)
	case <-time.After(300 * time.Millisecond):
		// expected: no second delivery for the same phase
	}
}

func TestComputeOutcomeDeadlineExceeded(t *testing.T) {
	pod := &corev1.Pod{
		Status: corev1.PodStatus{Phase: corev1.PodFailed, Reason: "DeadlineExceeded"},
	}
	outcome, reason := computeOutcome(pod)
	assert.Equal(t, gradertypes.OutcomeExpired, outcome)
	assert.Equal(t, "DeadlineExceeded", reason)
}

func TestComputeOutcomeCrashed(t *testing.T) {
	pod := &corev1.Pod{
		Status: corev1.PodStatus{Phase: corev1.PodFailed, Reason: "Error"},
	}
	outcome, _ := computeOutcome(pod)
	assert.Equal(t, gradertypes.OutcomeCrashed, outcome)
}

func TestComputePhaseScheduledBeforeRunning(t *testing.T) {
	pod := &corev1.Pod{
		Spec:   corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{Phase: corev1.PodPending},
	}
	assert.Equal(t, "SCHEDULED", computePhase(pod))
}
