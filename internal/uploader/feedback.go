package uploader

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/aalto-grader/async-grader/internal/gradertypes"
)

// requiredFeedbackFields mirrors original_source/asyncjob/views.py's
// required_fields set: a feedback template that touches none of these is
// considered broken and gets an alert prepended to its output.
var requiredFeedbackFields = map[string]bool{
	"points":     true,
	"max_points": true,
	"error":      true,
	"out":        true,
}

// fixedAlertTemplate is rendered in place of
// access/feedback_template_did_not_use_result_alert.html, which is not part
// of this orchestrator's scope (it belongs to the course content renderer).
const fixedAlertTemplate = "Warning: the feedback template for this exercise did not use the grading result.\n\n"

// ObservingResult ports original_source/util/monitored_dict.py's
// MonitoredDict: a read-only view over the grading result that records
// which fields a template actually touched, so the Uploader can detect a
// feedback template that silently ignores the grading outcome. Go templates
// call no-argument methods the same way Python subscripts a dict, so each
// accessor here doubles as the access hook __getitem__ played in the
// original.
type ObservingResult struct {
	points    int
	maxPoints int
	out       string
	isError   bool
	title     string

	accessed map[string]bool
}

// NewObservingResult builds the template view for a single result payload.
func NewObservingResult(result gradertypes.ResultPayload, title string) *ObservingResult {
	return &ObservingResult{
		points:    result.Points,
		maxPoints: result.MaxPoints,
		out:       result.Feedback,
		isError:   result.Error,
		title:     title,
		accessed:  make(map[string]bool),
	}
}

func (r *ObservingResult) Points() int {
	r.accessed["points"] = true
	return r.points
}

func (r *ObservingResult) MaxPoints() int {
	r.accessed["max_points"] = true
	return r.maxPoints
}

func (r *ObservingResult) Out() string {
	r.accessed["out"] = true
	return r.out
}

func (r *ObservingResult) Error() bool {
	r.accessed["error"] = true
	return r.isError
}

// Title is not a required field; reading it does not count toward the
// disjoint check below.
func (r *ObservingResult) Title() string {
	return r.title
}

// usedAnyRequiredField implements set(required_fields).isdisjoint(accessed)
// negated: true once at least one required field was read during render.
func (r *ObservingResult) usedAnyRequiredField() bool {
	for field := range requiredFeedbackFields {
		if r.accessed[field] {
			return true
		}
	}
	return false
}

// RenderFeedback renders an exercise's feedback_template against a result,
// prepending the fixed alert when the template never touched a required
// field, then re-encodes the output to pure ASCII the way the Python view
// does with str.encode('ascii', 'xmlcharrefreplace').
func RenderFeedback(exercise gradertypes.ExerciseConfig, result gradertypes.ResultPayload) (string, error) {
	if exercise.FeedbackTemplate == "" {
		return EscapeNonASCII(result.Feedback), nil
	}

	tmpl, err := template.New("feedback").Parse(exercise.FeedbackTemplate)
	if err != nil {
		return "", fmt.Errorf("parse feedback template for %s: %w", exercise.Title, err)
	}

	view := NewObservingResult(result, exercise.Title)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render feedback template for %s: %w", exercise.Title, err)
	}

	rendered := buf.String()
	if !view.usedAnyRequiredField() {
		rendered = fixedAlertTemplate + rendered
	}

	return EscapeNonASCII(rendered), nil
}

// EscapeNonASCII ports Python's str.encode('ascii', 'xmlcharrefreplace'):
// every rune outside the ASCII range becomes a numeric character reference
// (&#NNNN;) instead of being dropped or rejected.
func EscapeNonASCII(s string) string {
	if isASCII(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
			continue
		}
		fmt.Fprintf(&b, "&#%d;", r)
	}
	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
