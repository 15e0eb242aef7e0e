// Package consumer implements the Completion Consumer (spec.md §4.F):
// resolving Event Bus deliveries back to jobs and advancing their
// container_state, grounded on
// original_source/asyncjob/tasks.py's KubernetesEventConsumerStep.
package consumer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aalto-grader/async-grader/internal/bus"
	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/graderr"
	"github.com/aalto-grader/async-grader/internal/grlog"
	"github.com/aalto-grader/async-grader/internal/jobstore"
	"github.com/aalto-grader/async-grader/internal/metrics"
)

// UploadScheduler is the subset of the Uploader the Consumer needs: handing
// off a job id once its upload_state has reached SCHEDULED. Declared here,
// implemented by internal/uploader, to avoid a cyclic import.
type UploadScheduler interface {
	Schedule(jobID string)
}

// Consumer drains the Event Bus and advances Job Store records.
type Consumer struct {
	eventBus bus.Bus
	store    jobstore.Store
	uploader UploadScheduler
	logger   zerolog.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Consumer over the given bus/store/uploader.
func New(eventBus bus.Bus, store jobstore.Store, uploader UploadScheduler) *Consumer {
	return &Consumer{
		eventBus: eventBus,
		store:    store,
		uploader: uploader,
		logger:   grlog.WithComponent("consumer"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drains deliveries until ctx is cancelled or Stop is called, then
// returns once the in-flight delivery (if any) has been acked. Per
// spec.md §5's shutdown ordering, the orchestrator calls Stop only after
// the Watcher has stopped producing and gives this a bounded drain window.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.done)

	deliveries, err := c.eventBus.Consume(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop requests Run to exit after its current delivery, and waits for it to
// actually do so.
func (c *Consumer) Stop() {
	close(c.stopCh)
	<-c.done
}

// handle implements spec.md §4.F's five numbered steps.
func (c *Consumer) handle(ctx context.Context, d bus.Delivery) {
	ev := d.Event
	containerRef := ev.Meta.PodID
	if containerRef == "" {
		containerRef = ev.Meta.PodName
	}

	job, err := c.store.FindByContainerRef(containerRef)
	if err != nil {
		if graderr.KindOf(err) == graderr.KindNotFound {
			c.logger.Debug().Str("container_ref", containerRef).Msg("event for unknown job, acking")
			metrics.ConsumerEventsProcessedTotal.WithLabelValues("unknown_job").Inc()
			_ = d.Ack()
			return
		}
		c.logger.Error().Err(err).Str("container_ref", containerRef).Msg("failed to resolve job for event")
		_ = d.Nack(true)
		return
	}

	scheduled, applyErr := c.applyEvent(job.ID, ev)
	if applyErr != nil {
		if graderr.KindOf(applyErr) == graderr.KindInvariantViolation {
			// Out-of-order (backward) event: treated as a no-op, not a
			// failure. An exact repeat of an already-applied phase does not
			// land here; the store accepts it and it leaves the job unchanged.
			c.logger.Debug().Err(applyErr).Str("container_ref", containerRef).Msg("duplicate or stale event, acking")
			metrics.ConsumerEventsProcessedTotal.WithLabelValues("duplicate").Inc()
			_ = d.Ack()
			return
		}
		c.logger.Error().Err(applyErr).Str("container_ref", containerRef).Msg("failed to apply event to job")
		_ = d.Nack(true)
		return
	}

	if scheduled {
		c.uploader.Schedule(job.ID)
	}

	metrics.ConsumerEventsProcessedTotal.WithLabelValues("applied").Inc()
	_ = d.Ack()
}

// defaultResultPayload is the result synthesized for a terminal job that
// lands on a non-SUCCEEDED outcome with no callback result ever delivered,
// per spec.md §7's "DeadlineExceeded ... treated as a graded attempt
// (points=0, error=true) unless the grader callback already delivered a
// result".
func defaultResultPayload() gradertypes.ResultPayload {
	return gradertypes.ResultPayload{Points: 0, MaxPoints: 1, Error: true}
}

// applyEvent advances the job's container_state for ev and, if this lands
// the job on COMPLETED, synthesizes a default result for a failure outcome
// that arrived with no callback result yet (spec.md §7), then transitions
// upload_state PENDING -> SCHEDULED once a result (synthesized or
// callback-delivered) is present. It returns whether the upload was
// scheduled so the caller can notify the Uploader outside the store's
// exclusive mutator.
func (c *Consumer) applyEvent(jobID string, ev bus.Event) (bool, error) {
	scheduled := false
	_, err := c.store.Update(jobID, func(cur *gradertypes.Job) (*gradertypes.Job, error) {
		state, outcome := classify(ev.State)
		timing := timingFromEvent(ev)

		next := jobstore.ApplyContainerStateTransition(cur, state, outcome, timing)
		if next.ContainerState == gradertypes.ContainerStateCompleted &&
			next.ContainerOutcome != gradertypes.OutcomeSucceeded &&
			next.ResultPayload == nil {
			next = jobstore.ApplyResult(next, defaultResultPayload(), false, false)
		}
		if updated, didSchedule := jobstore.ScheduleUploadIfReady(next, time.Now()); didSchedule {
			next = updated
			scheduled = true
		}
		return next, nil
	})
	return scheduled, err
}

// classify maps an Event's state field to a container_state and, for
// terminal events, the accompanying outcome.
func classify(state string) (gradertypes.ContainerState, gradertypes.ContainerOutcome) {
	switch gradertypes.ContainerState(state) {
	case gradertypes.ContainerStateScheduled:
		return gradertypes.ContainerStateScheduled, ""
	case gradertypes.ContainerStateRunning:
		return gradertypes.ContainerStateRunning, ""
	}
	switch gradertypes.ContainerOutcome(state) {
	case gradertypes.OutcomeSucceeded, gradertypes.OutcomeCrashed, gradertypes.OutcomeExpired, gradertypes.OutcomeUnknown:
		return gradertypes.ContainerStateCompleted, gradertypes.ContainerOutcome(state)
	}
	return gradertypes.ContainerStateRunning, ""
}

func timingFromEvent(ev bus.Event) *gradertypes.Timing {
	if ev.Times == (bus.Times{}) {
		return nil
	}
	return &gradertypes.Timing{
		Started:   parseTime(ev.Times.Started),
		InitStart: parseTime(ev.Times.InitStart),
		InitEnd:   parseTime(ev.Times.InitEnd),
		MainStart: parseTime(ev.Times.MainStart),
		MainEnd:   parseTime(ev.Times.MainEnd),
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
