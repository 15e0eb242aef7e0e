package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `
name: "Introduction to Programming"
exercises:
  loops:
    title: "Loops"
    image: "grader/python:3.12"
    mount: /exercise
    command: "python3 grade.py"
    cpu: 0.5
    memory: "256Mi"
    personalized: false
  recursion:
    title: "Recursion"
    image: "grader/python:3.12"
    personalized: true
    feedback_template: "{{.Points}}/{{.MaxPoints}}"
`

func writeManifest(t *testing.T, dir, courseKey string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, courseKey+".yaml"), []byte(manifest), 0o644))
}

func TestExerciseEntryResolvesFromManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "cs101")
	c := NewStaticCatalog(dir)

	course, exercise, err := c.ExerciseEntry("cs101", "loops", "en")
	require.NoError(t, err)
	assert.Equal(t, "Introduction to Programming", course.Name)
	assert.Equal(t, "Loops", exercise.Title)
	assert.False(t, exercise.Personalized)
	assert.Equal(t, 0.5, exercise.CPU)
}

func TestExerciseEntryCachesCourseAcrossLookups(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "cs101")
	c := NewStaticCatalog(dir)

	_, _, err := c.ExerciseEntry("cs101", "loops", "en")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "cs101.yaml")))

	_, exercise, err := c.ExerciseEntry("cs101", "recursion", "en")
	require.NoError(t, err)
	assert.True(t, exercise.Personalized)
}

func TestExerciseEntryUnknownCourseErrors(t *testing.T) {
	c := NewStaticCatalog(t.TempDir())
	_, _, err := c.ExerciseEntry("ghost", "loops", "en")
	assert.Error(t, err)
}

func TestExerciseEntryUnknownExerciseErrors(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "cs101")
	c := NewStaticCatalog(dir)

	_, _, err := c.ExerciseEntry("cs101", "ghost", "en")
	assert.Error(t, err)
}
