// Package uploader implements the Result Uploader (spec.md §4.G): a
// bounded worker pool that delivers grading results to the upstream LMS
// URL recorded in a job's submission_meta, grounded on
// original_source/asyncjob/views.py's container_post/post_data path.
package uploader

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	workers "github.com/ygrebnov/workers"

	"github.com/aalto-grader/async-grader/internal/config"
	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/graderr"
	"github.com/aalto-grader/async-grader/internal/grlog"
	"github.com/aalto-grader/async-grader/internal/jobstore"
	"github.com/aalto-grader/async-grader/internal/metrics"
	"github.com/aalto-grader/async-grader/internal/workspace"
)

// pollInterval is how often the scheduling loop re-scans list_pending_upload
// for jobs whose retry backoff has elapsed. Jobs handed off directly via
// Schedule skip this wait.
const pollInterval = 3 * time.Second

// Catalog is the external course/exercise collaborator the Uploader needs
// to resolve a job's feedback_template, mirroring config.exercise_entry in
// original_source/asyncjob/views.py. Out of scope to implement fully; any
// caller (the composition root) supplies a concrete lookup.
type Catalog interface {
	ExerciseEntry(courseKey, exerciseKey, lang string) (gradertypes.CourseConfig, gradertypes.ExerciseConfig, error)
}

// Uploader drives result delivery for COMPLETED jobs.
type Uploader struct {
	store     jobstore.Store
	workspace *workspace.Manager
	catalog   Catalog
	poster    Poster
	cfg       config.Config
	logger    zerolog.Logger

	pool workers.Workers[string]

	mu        sync.Mutex
	inFlight  map[string]bool

	stopCh chan struct{}
	done   chan struct{}
}

// New wires an Uploader over its collaborators.
func New(store jobstore.Store, ws *workspace.Manager, catalog Catalog, poster Poster, cfg config.Config) *Uploader {
	return &Uploader{
		store:     store,
		workspace: ws,
		catalog:   catalog,
		poster:    poster,
		cfg:       cfg,
		logger:    grlog.WithComponent("uploader"),
		inFlight:  make(map[string]bool),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the worker pool and the poll loop that discovers jobs
// whose retry backoff has elapsed. Per spec.md §4.G: "a small worker pool
// polling list_pending_upload; each worker processes one job at a time."
func (u *Uploader) Start(ctx context.Context) {
	u.pool = workers.New[string](ctx, &workers.Config{
		MaxWorkers:        uint(u.cfg.UploadWorkers),
		StartImmediately:  true,
		TasksBufferSize:   64,
		ResultsBufferSize: 64,
		ErrorsBufferSize:  64,
	})

	go u.drain(ctx)
	go u.pollLoop(ctx)
}

// Stop signals the poll loop to exit and waits for it. In-flight uploads
// are allowed to finish naturally (spec.md §5): a job left SCHEDULED at
// process death is safely retried by the next process's poll loop.
func (u *Uploader) Stop() {
	close(u.stopCh)
	<-u.done
}

// Schedule hands a job directly to the pool, bypassing the poll wait. Used
// by the Completion Consumer and the Container Callback Endpoint right
// after they transition a job's upload_state to SCHEDULED.
func (u *Uploader) Schedule(jobID string) {
	u.enqueue(jobID)
}

func (u *Uploader) drain(ctx context.Context) {
	results := u.pool.GetResults()
	errs := u.pool.GetErrors()
	for {
		select {
		case id, ok := <-results:
			if !ok {
				return
			}
			u.logger.Debug().Str("job_id", id).Msg("upload task finished")
		case err, ok := <-errs:
			if !ok {
				return
			}
			u.logger.Error().Err(err).Msg("upload task errored")
		case <-ctx.Done():
			return
		}
	}
}

func (u *Uploader) pollLoop(ctx context.Context) {
	defer close(u.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.pollOnce()
		case <-u.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (u *Uploader) pollOnce() {
	jobs, err := u.store.ListPendingUpload()
	if err != nil {
		u.logger.Error().Err(err).Msg("failed to list pending uploads")
		return
	}
	metrics.PendingUploadsGauge.Set(float64(len(jobs)))

	now := time.Now()
	for _, job := range jobs {
		switch job.UploadState {
		case gradertypes.UploadStateScheduled:
			u.enqueue(job.ID)
		case gradertypes.UploadStateFailed:
			if isPermanentFailureCode(job.UploadCode) {
				continue // spec.md §4.G: permanent (4xx other than 408/429) never retries
			}
			if job.UploadAttempt >= u.cfg.UploadRetryMax {
				continue // ceiling reached; stays FAILED for operators, per spec.md §4.G
			}
			if now.Before(nextAttemptAt(job, u.cfg)) {
				continue
			}
			u.enqueue(job.ID)
		}
	}
}

func (u *Uploader) enqueue(jobID string) {
	u.mu.Lock()
	if u.inFlight[jobID] {
		u.mu.Unlock()
		return
	}
	u.inFlight[jobID] = true
	u.mu.Unlock()

	_ = u.pool.AddTask(func(ctx context.Context) (string, error) {
		defer func() {
			u.mu.Lock()
			delete(u.inFlight, jobID)
			u.mu.Unlock()
		}()
		u.attempt(ctx, jobID)
		return jobID, nil
	})
}

// isPermanentFailureCode reports whether an HTTP status represents a
// permanent failure per spec.md §4.G: any 4xx other than 408 (timeout) or
// 429 (rate limit), both of which are retried as transient.
func isPermanentFailureCode(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// nextAttemptAt computes the exponential backoff deadline for a FAILED
// job's next retry: base * 2^(attempt-1), capped.
func nextAttemptAt(job *gradertypes.Job, cfg config.Config) time.Time {
	if job.UploadAttempt <= 0 {
		return job.UploadAt
	}
	backoff := cfg.UploadBackoffBase * time.Duration(math.Pow(2, float64(job.UploadAttempt-1)))
	if backoff > cfg.UploadBackoffCap {
		backoff = cfg.UploadBackoffCap
	}
	return job.UploadAt.Add(backoff)
}

// attempt performs one upload attempt for jobID and records the outcome.
func (u *Uploader) attempt(ctx context.Context, jobID string) {
	job, err := u.store.Get(jobID)
	if err != nil {
		u.logger.Error().Err(err).Str("job_id", jobID).Msg("job vanished before upload attempt")
		return
	}
	if job.UploadState != gradertypes.UploadStateScheduled && job.UploadState != gradertypes.UploadStateFailed {
		return // raced with another trigger; nothing to do
	}
	if job.ResultPayload == nil {
		u.logger.Error().Str("job_id", jobID).Msg("job scheduled for upload with no result payload")
		return
	}

	if job.UploadState == gradertypes.UploadStateFailed {
		// FAILED may only re-enter SCHEDULED (spec.md §3 invariant 2); do
		// that transition before attempting the retry.
		job, err = u.store.Update(jobID, func(cur *gradertypes.Job) (*gradertypes.Job, error) {
			return jobstore.ApplyUploadTransition(cur, gradertypes.UploadStateScheduled, 0, time.Now()), nil
		})
		if err != nil {
			u.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to re-schedule failed upload")
			return
		}
	}

	timer := metrics.NewTimer()
	statusCode, outcome := u.deliver(ctx, job)
	timer.ObserveDuration(metrics.UploadDuration)
	metrics.UploadAttemptsTotal.WithLabelValues(outcome).Inc()

	now := time.Now()
	_, err = u.store.Update(jobID, func(cur *gradertypes.Job) (*gradertypes.Job, error) {
		switch outcome {
		case "succeeded":
			return jobstore.ApplyUploadTransition(cur, gradertypes.UploadStateSucceeded, statusCode, now), nil
		default:
			return jobstore.ApplyUploadTransition(cur, gradertypes.UploadStateFailed, statusCode, now), nil
		}
	})
	if err != nil {
		u.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to record upload outcome")
		return
	}

	if outcome == "succeeded" {
		if err := u.workspace.Delete(jobID); err != nil {
			u.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to delete workspace after successful upload")
		}
	}
}

// deliver renders feedback, POSTs the form-encoded result, and classifies
// the HTTP outcome per spec.md §4.G. It returns the HTTP status code (0 on
// a network failure) and one of "succeeded", "transient", "permanent".
func (u *Uploader) deliver(ctx context.Context, job *gradertypes.Job) (int, string) {
	_, exercise, err := u.catalog.ExerciseEntry(job.CourseKey, job.ExerciseKey, job.Lang)
	if err != nil {
		u.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to resolve exercise for feedback rendering")
		return 0, "transient"
	}

	feedback, err := RenderFeedback(exercise, *job.ResultPayload)
	if err != nil {
		u.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to render feedback template")
		feedback = EscapeNonASCII(job.ResultPayload.Feedback)
	}

	form := url.Values{}
	form.Set("points", strconv.Itoa(job.ResultPayload.Points))
	form.Set("max_points", strconv.Itoa(job.ResultPayload.MaxPoints))
	form.Set("feedback", feedback)
	if job.ResultPayload.Error {
		form.Set("error", "yes")
	}
	if job.ResultPayload.GradingData != "" {
		form.Set("grading_data", job.ResultPayload.GradingData)
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.UploadTimeout)
	defer cancel()

	statusCode, _, err := u.poster.PostForm(ctx, job.SubmissionMeta.UploadURL, form)
	if err != nil {
		if graderr.Is(err, graderr.KindPermanent) {
			return statusCode, "permanent"
		}
		return statusCode, "transient"
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return statusCode, "succeeded"
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return statusCode, "transient"
	case statusCode >= 500:
		return statusCode, "transient"
	default:
		return statusCode, "permanent"
	}
}
