// Package watcher implements the Event Watcher (spec.md §4.D): a long-lived
// subscription to pod lifecycle events in the grader namespace, normalizing
// them onto the Event Bus, grounded on
// original_source/kube_watcher/example4.py.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/aalto-grader/async-grader/internal/bus"
	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/grlog"
	"github.com/aalto-grader/async-grader/internal/jobstore"
	"github.com/aalto-grader/async-grader/internal/metrics"
)

// PodWatchClient is the subset of the Kubernetes pod API the Watcher needs,
// narrowed so tests and the reconciliation fallback can supply fakes.
type PodWatchClient interface {
	Watch(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)
	List(ctx context.Context, opts metav1.ListOptions) (*corev1.PodList, error)
}

// Watcher observes pod lifecycle transitions and publishes normalized
// events to the Event Bus.
type Watcher struct {
	pods      PodWatchClient
	eventBus  bus.Bus
	store     jobstore.Store
	namespace string
	logger    zerolog.Logger

	reconcileInterval time.Duration

	mu                sync.Mutex
	lastResourceVersion string
	lastPhase         map[string]string // pod name -> last published phase

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Watcher using a real client-go clientset.
func New(client kubernetes.Interface, namespace string, eventBus bus.Bus, store jobstore.Store) *Watcher {
	return NewWithClient(client.CoreV1().Pods(namespace), namespace, eventBus, store)
}

// NewWithClient allows injecting a narrower PodWatchClient for tests.
func NewWithClient(pods PodWatchClient, namespace string, eventBus bus.Bus, store jobstore.Store) *Watcher {
	return &Watcher{
		pods:              pods,
		eventBus:          eventBus,
		store:             store,
		namespace:         namespace,
		logger:            grlog.WithComponent("watcher"),
		reconcileInterval: 10 * time.Second,
		lastPhase:         make(map[string]string),
		stopCh:            make(chan struct{}),
	}
}

// Start begins the watch loop and the reconciliation fallback loop. Per
// spec.md §5's shutdown ordering, the Watcher is the first component
// stopped on orchestrator shutdown.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(2)
	go w.watchLoop(ctx)
	go w.reconcileLoop(ctx)
}

// Stop cancels the Watcher's stream tasks and waits for them to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// watchLoop maintains the streaming watch, reconnecting with the last-seen
// resource version on disconnect (spec.md §4.D's concurrency contract).
func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.runWatchStream(ctx); err != nil {
			metrics.WatcherReconnectsTotal.Inc()
			w.logger.Warn().Err(err).Msg("watch stream disconnected, reconnecting")
			select {
			case <-time.After(2 * time.Second):
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Watcher) runWatchStream(ctx context.Context) error {
	w.mu.Lock()
	rv := w.lastResourceVersion
	w.mu.Unlock()

	stream, err := w.pods.Watch(ctx, metav1.ListOptions{ResourceVersion: rv})
	if err != nil {
		return err
	}
	defer stream.Stop()

	for {
		select {
		case event, ok := <-stream.ResultChan():
			if !ok {
				return nil // channel closed; caller reconnects
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			w.mu.Lock()
			w.lastResourceVersion = pod.ResourceVersion
			w.mu.Unlock()

			w.handlePod(ctx, pod)
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// handlePod computes the normalized phase for a pod and, if it differs
// from what was last published for this pod, publishes the event. This is
// what gives spec.md §4.D's per-container_ref ordering guarantee: a cached
// last-phase per pod name means duplicate watch deliveries for the same
// phase are suppressed at the source.
func (w *Watcher) handlePod(ctx context.Context, pod *corev1.Pod) {
	phase := computePhase(pod)
	if phase == "" {
		return
	}

	w.mu.Lock()
	last := w.lastPhase[pod.Name]
	if last == phase {
		w.mu.Unlock()
		return
	}
	w.lastPhase[pod.Name] = phase
	w.mu.Unlock()

	metrics.WatcherEventsTotal.WithLabelValues(phase).Inc()

	ev := bus.Event{
		State: phase,
		Meta: bus.Meta{
			Phase:   string(pod.Status.Phase),
			PodName: pod.Name,
			PodID:   pod.Name,
		},
	}

	if phase == "COMPLETED" {
		outcome, reason := computeOutcome(pod)
		ev.State = string(outcome)
		ev.Meta.Reason = reason
		ev.Times = computeTiming(pod)
	}

	if err := w.eventBus.Publish(ctx, ev); err != nil {
		w.logger.Error().Err(err).Str("pod_name", pod.Name).Msg("failed to publish watcher event")
	}
}

// computePhase implements spec.md §4.D's three observable phases:
// SCHEDULED (pod has a host), RUNNING (init complete, main started),
// COMPLETED (terminal).
func computePhase(pod *corev1.Pod) string {
	switch pod.Status.Phase {
	case corev1.PodSucceeded, corev1.PodFailed:
		return "COMPLETED"
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Running != nil || cs.State.Terminated != nil {
			return "RUNNING"
		}
	}

	if pod.Spec.NodeName != "" {
		return "SCHEDULED"
	}
	return ""
}

// computeOutcome implements spec.md §4.D's outcome-from-phase/reason rule.
func computeOutcome(pod *corev1.Pod) (gradertypes.ContainerOutcome, string) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return gradertypes.OutcomeSucceeded, pod.Status.Reason
	case corev1.PodFailed:
		if pod.Status.Reason == "DeadlineExceeded" {
			return gradertypes.OutcomeExpired, pod.Status.Reason
		}
		return gradertypes.OutcomeCrashed, pod.Status.Reason
	default:
		return gradertypes.OutcomeUnknown, pod.Status.Reason
	}
}

// computeTiming recovers the timing record from container statuses per
// spec.md §4.D: pod start time, earliest/latest init termination, and
// earliest/latest main container start/finish ("now" if still running).
func computeTiming(pod *corev1.Pod) bus.Times {
	var t gradertypes.Timing
	if pod.Status.StartTime != nil {
		t.Started = pod.Status.StartTime.Time
	}

	for _, cs := range pod.Status.InitContainerStatuses {
		if term := cs.State.Terminated; term != nil {
			mergeEarliest(&t.InitStart, term.StartedAt.Time)
			mergeLatest(&t.InitEnd, term.FinishedAt.Time)
		}
	}

	now := time.Now()
	for _, cs := range pod.Status.ContainerStatuses {
		switch {
		case cs.State.Terminated != nil:
			mergeEarliest(&t.MainStart, cs.State.Terminated.StartedAt.Time)
			mergeLatest(&t.MainEnd, cs.State.Terminated.FinishedAt.Time)
		case cs.State.Running != nil:
			mergeEarliest(&t.MainStart, cs.State.Running.StartedAt.Time)
			mergeLatest(&t.MainEnd, now)
		}
	}

	return bus.Times{
		Started:   isoOrEmpty(t.Started),
		InitStart: isoOrEmpty(t.InitStart),
		InitEnd:   isoOrEmpty(t.InitEnd),
		MainStart: isoOrEmpty(t.MainStart),
		MainEnd:   isoOrEmpty(t.MainEnd),
	}
}

func mergeEarliest(dst *time.Time, candidate time.Time) {
	if candidate.IsZero() {
		return
	}
	if dst.IsZero() || candidate.Before(*dst) {
		*dst = candidate
	}
}

func mergeLatest(dst *time.Time, candidate time.Time) {
	if candidate.IsZero() {
		return
	}
	if dst.IsZero() || candidate.After(*dst) {
		*dst = candidate
	}
}

func isoOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
