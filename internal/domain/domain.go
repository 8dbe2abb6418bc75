// Package domain holds the value-type entities the session engine reads and
// writes. These are plain structs at the persistence boundary; the runner
// never holds a database handle across a suspension point.
package domain

import "time"

// Role is a User's platform role. Owned by persistence; immutable to the engine.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleProfessor Role = "professor"
	RoleStudent   Role = "student"
)

// User is an authenticated principal. Owned by the persistence layer.
type User struct {
	ID           string
	Name         string
	Email        string
	Role         Role
	PasswordHash string
}

// Course groups assignments under an instructor.
type Course struct {
	ID          string
	Name        string
	Description string
	Instructor  User
}

// MaxGrade is the structured maximum-grade value of an Assignment.
type MaxGrade struct {
	Value float64
	Scale string
}

// Assignment belongs to a Course and is graded by Workflows.
type Assignment struct {
	ID          string
	CourseID    string
	Title       string
	Description string
	Deadline    *time.Time
	MaxGrade    MaxGrade
}

// Submitter is the party whose work is graded. Distinct from User because
// the engine also grades synthetic submitters with no platform account.
type Submitter struct {
	ID          string
	Name        string
	Email       string
	UserID      string
	IsSynthetic bool
}

// ArtifactStatus is the lifecycle state of an Artifact, managed externally
// by the orphan-sweep job. The engine only ever reads artifacts.
type ArtifactStatus string

const (
	ArtifactPending  ArtifactStatus = "pending"
	ArtifactAttached ArtifactStatus = "attached"
	ArtifactOrphaned ArtifactStatus = "orphaned"
	ArtifactArchived ArtifactStatus = "archived"
	ArtifactDeleted  ArtifactStatus = "deleted"
)

// ArtifactAccessLevel controls who may read an Artifact's bytes.
type ArtifactAccessLevel string

const (
	AccessPrivate    ArtifactAccessLevel = "private"
	AccessCourse     ArtifactAccessLevel = "course"
	AccessAssignment ArtifactAccessLevel = "assignment"
	AccessPublic     ArtifactAccessLevel = "public"
)

// Artifact is an addressable content blob that plugins read as input.
type Artifact struct {
	ID           string
	Title        string
	MIME         string
	StoragePath  string
	StorageKind  string
	Status       ArtifactStatus
	AccessLevel  ArtifactAccessLevel
	CreatorID    string
	CourseID     string
	AssignmentID string
	Meta         map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SubmissionStatus is the per-submission, per-run state machine position.
// It advances monotonically within a run: pending -> processing ->
// transcribing -> transcribed -> grading -> graded -> (returned), with
// failure reachable from any non-terminal state.
type SubmissionStatus string

const (
	SubmissionPending      SubmissionStatus = "pending"
	SubmissionProcessing   SubmissionStatus = "processing"
	SubmissionTranscribing SubmissionStatus = "transcribing"
	SubmissionTranscribed  SubmissionStatus = "transcribed"
	SubmissionGrading      SubmissionStatus = "grading"
	SubmissionGraded       SubmissionStatus = "graded"
	SubmissionReturned     SubmissionStatus = "returned"
	SubmissionFailure      SubmissionStatus = "failure"
)

// Submission is one student's (or synthetic submitter's) work for an
// Assignment.
type Submission struct {
	ID                string
	AssignmentID      string
	SubmitterID       string
	CreatedBy         string
	ArtifactIDs       []string
	SubmittedAt       time.Time
	Status            SubmissionStatus
	OfficialRunID     string
	DraftScore        *float64
	DraftFeedback     *string
	PublishedScore    *float64
	PublishedFeedback *string
	ReturnedAt        *time.Time
}

// SubmissionUpdate is the partial-update payload accepted by
// persistence.Gateway.UpdateSubmissions: only non-nil fields are applied, so
// one bulk call can advance a whole batch's status, stamp their official
// run, or both at once.
type SubmissionUpdate struct {
	Status        *SubmissionStatus
	OfficialRunID *string
}

// PluginSlot binds one plugin id and its settings to a pipeline stage.
type PluginSlot struct {
	PluginID string
	Settings map[string]any
}

// Workflow is a saved pipeline configuration for a course.
type Workflow struct {
	ID          string
	CourseID    string
	Name        string
	CreatedBy   string
	Transcriber *PluginSlot
	Grader      *PluginSlot
	Validator   *PluginSlot
}

// RunStatus is the WorkflowRun (session) lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailure   RunStatus = "failure"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether a WorkflowRun status is one from which the FSM
// never transitions out.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailure || s == RunCancelled
}

// WorkflowRun is a single execution of a Workflow over a chosen submission
// set. Its ID doubles as the session id.
type WorkflowRun struct {
	ID            string
	WorkflowID    string
	RunBy         string
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Status        RunStatus
	SubmissionIDs []string
}

// SubmissionResult is the per-(submission, run) result record, upserted
// stage by stage. Fields are cumulative across stages.
type SubmissionResult struct {
	SubmissionID            string
	RunID                   string
	Transcription           *string
	TranscriptionConfidence *float64
	TranscribedAt           *time.Time
	Score                   *float64
	Feedback                *string
	GradingMeta             map[string]any
	GradedAt                *time.Time
}

// SubmissionEventType enumerates the append-only audit entries recorded
// against a submission.
type SubmissionEventType string

const (
	EventAIGraded          SubmissionEventType = "ai-graded"
	EventManualEdit        SubmissionEventType = "manual-edit"
	EventReturnedToStudent SubmissionEventType = "returned-to-student"
)

// SubmissionEvent is an append-only audit entry on a Submission.
type SubmissionEvent struct {
	ID           string
	SubmissionID string
	EventType    SubmissionEventType
	ActorID      string
	RunID        string
	Details      map[string]any
	CreatedAt    time.Time
}
