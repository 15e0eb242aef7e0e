// Package intake implements the submission-intake HTTP surface described in
// spec.md's happy-path flow ("HTTP submission -> Workspace materialized ->
// Job record created -> Dispatcher submits workload"), grounded on
// original_source/access/views.py's _acceptSubmission.
package intake

import (
	"context"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aalto-grader/async-grader/internal/config"
	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/grlog"
	"github.com/aalto-grader/async-grader/internal/jobstore"
	"github.com/aalto-grader/async-grader/internal/metrics"
	"github.com/aalto-grader/async-grader/internal/workspace"
)

// Catalog resolves the external course/exercise configuration a submission
// references, mirroring config.exercise_entry in the original views.
type Catalog interface {
	ExerciseEntry(courseKey, exerciseKey, lang string) (gradertypes.CourseConfig, gradertypes.ExerciseConfig, error)
}

// Dispatcher is the subset of internal/dispatcher.Dispatcher the intake
// handler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *gradertypes.Job, course gradertypes.CourseConfig, exercise gradertypes.ExerciseConfig) error
	Abandon(ctx context.Context, job *gradertypes.Job, cause error) error
}

// Handler serves POST submissions.
type Handler struct {
	store      jobstore.Store
	workspace  *workspace.Manager
	catalog    Catalog
	dispatcher Dispatcher
	cfg        config.Config
	logger     zerolog.Logger
	tmpl       *template.Template
}

// New builds an intake Handler.
func New(store jobstore.Store, ws *workspace.Manager, catalog Catalog, dispatcher Dispatcher, cfg config.Config) *Handler {
	return &Handler{
		store:      store,
		workspace:  ws,
		catalog:    catalog,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     grlog.WithComponent("intake"),
		tmpl:       template.Must(template.New("accepted").Parse(acceptedTemplate)),
	}
}

// acceptedTemplate mirrors access/async_accepted.html's minimal status
// page, rendered with internal/workspace.AcceptedResponse as context.
const acceptedTemplate = `<!DOCTYPE html>
<html><body>
{{if .Error}}<p>The submission could not be queued for grading.</p>{{end}}
{{if .Accepted}}<p>Your submission has been accepted{{if .Wait}} and is waiting to be graded{{end}}.</p>{{end}}
{{if .MissingURL}}<p>No submission URL was given; results will not be delivered automatically.</p>{{end}}
<p>Queue position: {{.Queue}}</p>
</body></html>
`

// ServeHTTP implements spec.md's submission-intake flow: materialize the
// workspace, create the Job record in CREATED, then hand off to the
// Dispatcher, honoring the Open Question #1 pre-order retry policy from
// SPEC_FULL.md §5.1.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "bad submission", http.StatusBadRequest)
		return
	}

	courseKey := r.FormValue("course_key")
	exerciseKey := r.FormValue("exercise_key")
	lang := r.FormValue("lang")
	submissionURL := r.FormValue("submission_url")
	missingURL := submissionURL == ""

	course, exercise, err := h.catalog.ExerciseEntry(courseKey, exerciseKey, lang)
	if err != nil {
		http.Error(w, "unknown course or exercise", http.StatusNotFound)
		return
	}

	jobID := uuid.NewString()

	files := map[string][]byte{}
	if r.MultipartForm != nil {
		for name, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			f, err := headers[0].Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				continue
			}
			files[name] = data
		}
	}

	if err := h.workspace.Create(jobID, files); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to materialize workspace")
		http.Error(w, "failed to accept submission", http.StatusInternalServerError)
		return
	}
	meta := workspace.Meta{
		URL:         submissionURL,
		Dir:         h.workspace.SubmissionDir(jobID),
		CourseKey:   courseKey,
		ExerciseKey: exerciseKey,
		Lang:        lang,
	}
	if exercise.Personalized {
		meta.PersonalizedExercise = exercise.Title
	}
	if err := h.workspace.WriteMeta(jobID, meta); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to write submission meta")
	}

	job := &gradertypes.Job{
		ID:          jobID,
		CourseKey:   courseKey,
		ExerciseKey: exerciseKey,
		Lang:        lang,
		SubmissionMeta: gradertypes.SubmissionMeta{
			UIDs:                 r.Form["uid"],
			PersonalizedExercise: meta.PersonalizedExercise,
			WorkspacePath:        h.workspace.Dir(jobID),
			UploadURL:            submissionURL,
		},
		ContainerState: gradertypes.ContainerStateCreated,
		UploadState:    gradertypes.UploadStatePending,
		CreatedAt:      time.Now(),
	}
	if err := h.store.Create(job); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to create job record")
		http.Error(w, "failed to accept submission", http.StatusInternalServerError)
		return
	}
	metrics.JobsCreatedTotal.Inc()

	dispatchErr := h.dispatchWithRetry(r.Context(), job, course, exercise)

	resp := workspace.AcceptedResponse{
		Error:      dispatchErr != nil,
		Accepted:   true,
		Wait:       true,
		MissingURL: missingURL,
		Queue:      1,
	}
	if dispatchErr != nil {
		h.logger.Error().Err(dispatchErr).Str("job_id", jobID).Msg("dispatch failed at intake")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.Execute(w, resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to render accepted response")
	}
}

// dispatchWithRetry implements SPEC_FULL.md §5.1's resolution of Open
// Question #1: when DispatchRetryOnPreOrderFailure is set, retry the order
// attempt up to DispatchMaxPreOrderRetries times (the Dispatcher itself
// only withholds marking the job terminal in this case; the retry loop
// lives here). Once the retry budget is exhausted, the job is still in
// CREATED with no container_ref -- the Dispatcher will never terminalize
// it on its own, since it keeps treating the job as retry-eligible -- so
// this abandons it explicitly instead of leaving it stranded.
func (h *Handler) dispatchWithRetry(ctx context.Context, job *gradertypes.Job, course gradertypes.CourseConfig, exercise gradertypes.ExerciseConfig) error {
	err := h.dispatcher.Dispatch(ctx, job, course, exercise)
	if err == nil || !h.cfg.DispatchRetryOnPreOrderFailure {
		return err
	}

	for attempt := 1; attempt <= h.cfg.DispatchMaxPreOrderRetries; attempt++ {
		backoff := time.Duration(attempt) * h.cfg.DispatchPreOrderRetryBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = h.dispatcher.Dispatch(ctx, job, course, exercise)
		if err == nil {
			return nil
		}
	}

	if abandonErr := h.dispatcher.Abandon(ctx, job, err); abandonErr != nil {
		h.logger.Error().Err(abandonErr).Str("job_id", job.ID).Msg("failed to abandon job after exhausting pre-order retries")
	}
	return err
}
