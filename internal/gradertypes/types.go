// Package gradertypes defines the data model shared across the grading
// orchestrator: the Job record, its state-machine enums, and the small
// value types that travel between components.
package gradertypes

import "time"

// ContainerState is the lifecycle stage of a Job's dispatched workload.
// Values only ever advance in the order below; skipping forward is
// permitted, moving backward is not.
type ContainerState string

const (
	ContainerStateCreated   ContainerState = "CREATED"
	ContainerStateOrdered   ContainerState = "ORDERED"
	ContainerStateScheduled ContainerState = "SCHEDULED"
	ContainerStateRunning   ContainerState = "RUNNING"
	ContainerStateCompleted ContainerState = "COMPLETED"
)

// containerStateRank gives the total order used to reject backward
// transitions; higher rank never moves to lower rank.
var containerStateRank = map[ContainerState]int{
	ContainerStateCreated:   0,
	ContainerStateOrdered:   1,
	ContainerStateScheduled: 2,
	ContainerStateRunning:   3,
	ContainerStateCompleted: 4,
}

// Rank returns this state's position in the total order, or -1 if unknown.
func (s ContainerState) Rank() int {
	if r, ok := containerStateRank[s]; ok {
		return r
	}
	return -1
}

// ContainerOutcome is set only once ContainerState reaches COMPLETED.
type ContainerOutcome string

const (
	OutcomeSucceeded ContainerOutcome = "SUCCEEDED"
	OutcomeCrashed   ContainerOutcome = "CRASHED"
	OutcomeExpired   ContainerOutcome = "EXPIRED"
	OutcomeUnknown   ContainerOutcome = "UNKNOWN"
)

// UploadState is the lifecycle stage of delivering a Job's result upstream.
type UploadState string

const (
	UploadStatePending   UploadState = "PENDING"
	UploadStateScheduled UploadState = "SCHEDULED"
	UploadStateSucceeded UploadState = "SUCCEEDED"
	UploadStateFailed    UploadState = "FAILED"
)

// SubmissionMeta carries the learner/course context that the job needs but
// that the course/exercise catalog (an external collaborator) owns.
type SubmissionMeta struct {
	UIDs                 []string `json:"uids"`
	PersonalizedExercise string   `json:"personalized_exercise,omitempty"`
	WorkspacePath        string   `json:"workspace_path"`
	UploadURL            string   `json:"upload_url"`
}

// Timing captures the pod lifecycle timestamps the Watcher recovers from
// container statuses. Zero time means "not observed".
type Timing struct {
	Started   time.Time `json:"started"`
	InitStart time.Time `json:"init_start"`
	InitEnd   time.Time `json:"init_end"`
	MainStart time.Time `json:"main_start"`
	MainEnd   time.Time `json:"main_end"`
}

// ResultPayload is the grading verdict, populated either by the Container
// Callback Endpoint or synthesized by the Consumer on a terminal failure
// event with no callback.
type ResultPayload struct {
	Points      int    `json:"points"`
	MaxPoints   int    `json:"max_points"`
	Feedback    string `json:"feedback"`
	Error       bool   `json:"error"`
	GradingData string `json:"grading_data,omitempty"`
}

// Job is the central durable record tracked by the Job Store.
type Job struct {
	ID             string         `json:"id"`
	CourseKey      string         `json:"course_key"`
	ExerciseKey    string         `json:"exercise_key"`
	Lang           string         `json:"lang"`
	SubmissionMeta SubmissionMeta `json:"submission_meta"`

	ContainerRef     string           `json:"container_ref,omitempty"`
	ContainerState   ContainerState   `json:"container_state"`
	ContainerOutcome ContainerOutcome `json:"container_outcome,omitempty"`
	Timing           Timing           `json:"timing"`

	ResultPayload    *ResultPayload `json:"result_payload,omitempty"`
	ResultFromLate   bool           `json:"result_from_late_callback,omitempty"`

	UploadState        UploadState `json:"upload_state"`
	UploadAttempt       int         `json:"upload_attempt"`
	UploadCode          int         `json:"upload_code,omitempty"`
	UploadStateUpdated  time.Time   `json:"upload_state_updated"`
	UploadAt            time.Time   `json:"upload_at"`

	CreatedAt time.Time `json:"created_at"`
}

// HasResult reports whether a result payload has been recorded.
func (j *Job) HasResult() bool {
	return j.ResultPayload != nil
}

// ExerciseConfig is the subset of the (externally-owned) course/exercise
// catalog the Dispatcher and Uploader need. The catalog itself is out of
// scope; this is its contract.
type ExerciseConfig struct {
	Title                    string
	Image                    string
	Mount                    string
	Command                  string
	CPU                      float64
	Memory                   string
	RequireConstantEnv       bool
	Personalized             bool
	FeedbackTemplate         string
}

// CourseConfig is the subset of the course catalog the Dispatcher needs.
type CourseConfig struct {
	Key  string
	Name string
}
