// Package workspace manages the Submission Workspace (spec.md §4.B): the
// per-job directory tree holding uploaded files and a metadata sidecar,
// adapted from the teacher's local volume driver shape.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRoot is the base directory for submission workspaces.
const DefaultRoot = "/var/lib/grader/workspaces"

// Meta is the metadata sidecar written alongside a submission's files,
// grounded on original_source/asyncjob/tasks.py's write_submission_meta.
type Meta struct {
	URL                  string `json:"url"`
	Dir                  string `json:"dir"`
	PersonalizedExercise string `json:"personalized_exercise,omitempty"`
	CourseKey            string `json:"course_key"`
	ExerciseKey          string `json:"exercise_key"`
	Lang                 string `json:"lang"`
}

// Manager owns the on-disk layout of submission workspaces.
type Manager struct {
	basePath string
}

// NewManager creates a workspace manager rooted at basePath.
func NewManager(basePath string) (*Manager, error) {
	if basePath == "" {
		basePath = DefaultRoot
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces directory: %w", err)
	}
	return &Manager{basePath: basePath}, nil
}

// Dir returns the host path for a job's workspace.
func (m *Manager) Dir(jobID string) string {
	return filepath.Join(m.basePath, jobID)
}

// SubmissionDir is where uploaded submission files live.
func (m *Manager) SubmissionDir(jobID string) string {
	return filepath.Join(m.Dir(jobID), "submission")
}

// ExerciseDir is where the resolved exercise materials are staged.
func (m *Manager) ExerciseDir(jobID string) string {
	return filepath.Join(m.Dir(jobID), "exercise")
}

// PersonalizedDir is where a personalized-variant's materials are staged,
// if the exercise is personalized.
func (m *Manager) PersonalizedDir(jobID string) string {
	return filepath.Join(m.Dir(jobID), "personalized")
}

// Create materializes the workspace directory tree for a new job.
func (m *Manager) Create(jobID string, files map[string][]byte) error {
	subDir := m.SubmissionDir(jobID)
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		return fmt.Errorf("failed to create submission directory: %w", err)
	}
	if err := os.MkdirAll(m.ExerciseDir(jobID), 0o755); err != nil {
		return fmt.Errorf("failed to create exercise directory: %w", err)
	}
	for name, data := range files {
		path := filepath.Join(subDir, filepath.Base(name))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write submitted file %s: %w", name, err)
		}
	}
	return nil
}

// WriteMeta writes the metadata sidecar for a job's workspace.
func (m *Manager) WriteMeta(jobID string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal submission meta: %w", err)
	}
	path := filepath.Join(m.Dir(jobID), "meta.json")
	if err := os.MkdirAll(m.Dir(jobID), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadMeta reads back a job's metadata sidecar.
func (m *Manager) ReadMeta(jobID string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(filepath.Join(m.Dir(jobID), "meta.json"))
	if err != nil {
		return meta, fmt.Errorf("read submission meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("unmarshal submission meta: %w", err)
	}
	return meta, nil
}

// Exists reports whether a workspace directory has been materialized.
func (m *Manager) Exists(jobID string) bool {
	_, err := os.Stat(m.Dir(jobID))
	return err == nil
}

// Delete removes a job's entire workspace tree. Gated on upload_state
// reaching SUCCEEDED per spec.md §3's workspace lifecycle.
func (m *Manager) Delete(jobID string) error {
	path := m.Dir(jobID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete workspace %s: %w", jobID, err)
	}
	return nil
}

// AcceptedResponse is the small status payload rendered back to the caller
// at submission intake, mirroring access/async_accepted.html's template
// context (SPEC_FULL.md §4 supplemented features).
type AcceptedResponse struct {
	Error      bool
	Accepted   bool
	Wait       bool
	MissingURL bool
	Queue      int
}
