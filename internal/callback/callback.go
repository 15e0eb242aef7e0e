// Package callback implements the Container Callback Endpoint (spec.md
// §4.H): the HTTP surface invoked from inside the grading container,
// grounded on original_source/asyncjob/views.py's container_post and
// container_download_* handlers.
package callback

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/aalto-grader/async-grader/internal/config"
	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/graderr"
	"github.com/aalto-grader/async-grader/internal/grlog"
	"github.com/aalto-grader/async-grader/internal/jobstore"
	"github.com/aalto-grader/async-grader/internal/workspace"
)

// UploadScheduler is handed a job id once its upload_state reaches
// SCHEDULED, matching internal/consumer.UploadScheduler's contract.
type UploadScheduler interface {
	Schedule(jobID string)
}

// Handler serves the container-facing HTTP surface.
type Handler struct {
	store     jobstore.Store
	workspace *workspace.Manager
	uploader  UploadScheduler
	cfg       config.Config
	logger    zerolog.Logger
}

// New builds a Handler and registers its routes on router.
func New(router *mux.Router, store jobstore.Store, ws *workspace.Manager, uploader UploadScheduler, cfg config.Config) *Handler {
	h := &Handler{
		store:     store,
		workspace: ws,
		uploader:  uploader,
		cfg:       cfg,
		logger:    grlog.WithComponent("callback"),
	}
	h.Register(router)
	return h
}

// Register wires this Handler's routes onto router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/container-post", h.handleContainerPost).Methods(http.MethodPost)
	router.HandleFunc("/container/exercise.tar.gz", h.handleDownload(archiveExercise)).Methods(http.MethodGet)
	router.HandleFunc("/container/submission.tar.gz", h.handleDownload(archiveSubmission)).Methods(http.MethodGet)
	router.HandleFunc("/container/personalized.tar.gz", h.handleDownload(archivePersonalized)).Methods(http.MethodGet)
}

// bearerOrQueryToken extracts the caller's sid per spec.md §4.H: bearer
// token normally, falling back to a ?token= query parameter only when the
// orchestrator runs with DebugAllowQueryToken set (SPEC_FULL.md §4
// supplemented feature, mirroring the original's settings.DEBUG fallback).
func (h *Handler) bearerOrQueryToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if fields := strings.Fields(auth); len(fields) == 2 && strings.EqualFold(fields[0], "Bearer") {
		return fields[1]
	}
	if h.cfg.DebugAllowQueryToken {
		return r.URL.Query().Get("token")
	}
	return ""
}

// handleContainerPost implements spec.md §4.H's POST /container-post:
// validates sid, records the result payload, and responds. It does not
// itself advance container_state — only the terminal cluster event does.
func (h *Handler) handleContainerPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form body", http.StatusBadRequest)
		return
	}

	sid := r.PostForm.Get("sid")
	if sid == "" {
		http.Error(w, "Missing sid", http.StatusForbidden)
		return
	}

	job, err := h.store.Get(sid)
	if err != nil {
		http.Error(w, "Invalid sid", http.StatusForbidden)
		return
	}

	result := gradertypes.ResultPayload{
		Points:      parseIntOr(r.PostForm.Get("points"), 0),
		MaxPoints:   parseIntOr(r.PostForm.Get("max_points"), 1),
		Feedback:    r.PostForm.Get("feedback"),
		GradingData: r.PostForm.Get("grading_data"),
	}
	if raw, ok := r.PostForm["error"]; ok {
		token := strings.ToLower(raw[0])
		result.Error = token != "no" && token != "false"
	}

	fromLate := job.ContainerState == gradertypes.ContainerStateCompleted
	scheduled := false
	_, err = h.store.Update(sid, func(cur *gradertypes.Job) (*gradertypes.Job, error) {
		next := jobstore.ApplyResult(cur, result, h.cfg.LateCallbackOverwritesResult, fromLate)
		if updated, didSchedule := jobstore.ScheduleUploadIfReady(next, time.Now()); didSchedule {
			next = updated
			scheduled = true
		}
		return next, nil
	})
	if err != nil {
		h.logger.Error().Err(err).Str("sid", sid).Msg("failed to record container result")
		http.Error(w, "Failed to deliver results", http.StatusBadGateway)
		return
	}

	if scheduled {
		h.uploader.Schedule(sid)
	}

	w.Write([]byte("Ok"))
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// archiveTarget resolves which workspace directory and attachment filename
// an authenticated request should stream.
type archiveTarget func(ws *workspace.Manager, meta workspace.Meta, jobID string) (dir, filename string, err error)

func archiveExercise(ws *workspace.Manager, meta workspace.Meta, jobID string) (string, string, error) {
	return ws.ExerciseDir(jobID), "exercise.tar.gz", nil
}

func archiveSubmission(ws *workspace.Manager, meta workspace.Meta, jobID string) (string, string, error) {
	return ws.SubmissionDir(jobID), "submission.tar.gz", nil
}

func archivePersonalized(ws *workspace.Manager, meta workspace.Meta, jobID string) (string, string, error) {
	if meta.PersonalizedExercise == "" {
		return "", "", graderr.NotFoundf("callback.archive_personalized", "no personalization for the exercise")
	}
	return ws.PersonalizedDir(jobID), "personalized.tar.gz", nil
}

// handleDownload implements spec.md §4.H's GET /container/*.tar.gz trio:
// authenticate by sid, resolve the directory, and stream a tar.gz.
func (h *Handler) handleDownload(target archiveTarget) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := h.bearerOrQueryToken(r)
		if sid == "" {
			http.Error(w, "No token", http.StatusForbidden)
			return
		}

		if _, err := h.store.Get(sid); err != nil {
			http.Error(w, "Invalid sid", http.StatusForbidden)
			return
		}

		meta, err := h.workspace.ReadMeta(sid)
		if err != nil {
			http.Error(w, "Invalid sid", http.StatusForbidden)
			return
		}

		dir, filename, err := target(h.workspace, meta, sid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		if err := streamTarGz(w, dir, filename); err != nil {
			h.logger.Error().Err(err).Str("sid", sid).Str("dir", dir).Msg("failed to stream archive")
		}
	}
}

// streamTarGz tars and gzips dir's contents directly to w, the way
// _container_download_sendtar builds an in-memory tarfile in the original.
func streamTarGz(w http.ResponseWriter, dir, filename string) error {
	if _, err := os.Stat(dir); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return err
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
