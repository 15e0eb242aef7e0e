// Package catalog provides a static, file-backed implementation of the
// course/exercise configuration catalog spec.md §1 treats as an external
// collaborator ("a read-only directory of course definitions keyed by
// course and exercise identifiers"). Grounded on cmd/warren/apply.go's
// yaml.Unmarshal-into-struct manifest loading.
package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aalto-grader/async-grader/internal/gradertypes"
)

// exerciseManifest is the on-disk shape of one exercise entry.
type exerciseManifest struct {
	Title              string  `yaml:"title"`
	Image              string  `yaml:"image"`
	Mount              string  `yaml:"mount"`
	Command            string  `yaml:"command"`
	CPU                float64 `yaml:"cpu"`
	Memory             string  `yaml:"memory"`
	RequireConstantEnv bool    `yaml:"require_constant_env"`
	Personalized       bool    `yaml:"personalized"`
	FeedbackTemplate   string  `yaml:"feedback_template"`
}

// courseManifest is the on-disk shape of one course's catalog file.
type courseManifest struct {
	Name      string                      `yaml:"name"`
	Exercises map[string]exerciseManifest `yaml:"exercises"`
}

// StaticCatalog resolves course/exercise configuration from a directory of
// per-course YAML files (<dir>/<course_key>.yaml), loaded once and cached
// in memory. It does not watch for changes; operators restart the
// orchestrator to pick up catalog edits, matching spec.md's treatment of
// the catalog as a read-only external collaborator.
type StaticCatalog struct {
	dir string

	mu      sync.RWMutex
	courses map[string]courseManifest
}

// NewStaticCatalog builds a StaticCatalog rooted at dir. Files are loaded
// lazily and cached per course key on first lookup.
func NewStaticCatalog(dir string) *StaticCatalog {
	return &StaticCatalog{dir: dir, courses: make(map[string]courseManifest)}
}

// ExerciseEntry resolves a course/exercise/lang triple. lang is accepted
// for interface symmetry with the real catalog's per-language exercise
// variants but is not used by the single-language manifest format here.
func (c *StaticCatalog) ExerciseEntry(courseKey, exerciseKey, lang string) (gradertypes.CourseConfig, gradertypes.ExerciseConfig, error) {
	course, err := c.loadCourse(courseKey)
	if err != nil {
		return gradertypes.CourseConfig{}, gradertypes.ExerciseConfig{}, err
	}

	ex, ok := course.Exercises[exerciseKey]
	if !ok {
		return gradertypes.CourseConfig{}, gradertypes.ExerciseConfig{}, fmt.Errorf("catalog: unknown exercise %q in course %q", exerciseKey, courseKey)
	}

	return gradertypes.CourseConfig{Key: courseKey, Name: course.Name},
		gradertypes.ExerciseConfig{
			Title:              ex.Title,
			Image:              ex.Image,
			Mount:              ex.Mount,
			Command:            ex.Command,
			CPU:                ex.CPU,
			Memory:             ex.Memory,
			RequireConstantEnv: ex.RequireConstantEnv,
			Personalized:       ex.Personalized,
			FeedbackTemplate:   ex.FeedbackTemplate,
		}, nil
}

func (c *StaticCatalog) loadCourse(courseKey string) (courseManifest, error) {
	c.mu.RLock()
	course, ok := c.courses[courseKey]
	c.mu.RUnlock()
	if ok {
		return course, nil
	}

	path := fmt.Sprintf("%s/%s.yaml", c.dir, courseKey)
	data, err := os.ReadFile(path)
	if err != nil {
		return courseManifest{}, fmt.Errorf("catalog: unknown course %q: %w", courseKey, err)
	}

	if err := yaml.Unmarshal(data, &course); err != nil {
		return courseManifest{}, fmt.Errorf("catalog: malformed manifest for course %q: %w", courseKey, err)
	}

	c.mu.Lock()
	c.courses[courseKey] = course
	c.mu.Unlock()

	return course, nil
}
