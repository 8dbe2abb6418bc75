// Package pluginsdk defines the plugin-facing contracts: metadata, settings
// schema, the flat read-only submission view, and the per-kind operational
// interfaces. This is the only package a plugin author needs to import:
// plugins never see the persistence schema (internal/domain), only the
// projections the engine constructs for them.
package pluginsdk

import (
	"context"
)

// Kind identifies which pipeline stage a plugin implements.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindGrade         Kind = "grade"
	KindValidation    Kind = "validation"
)

// Meta is the declarative identity of a plugin.
type Meta struct {
	ID      string
	Name    string
	Author  string
	Version string
	Kind    Kind
}

// SettingsKind enumerates the primitive types a SettingsField can hold.
type SettingsKind string

const (
	SettingsText   SettingsKind = "text"
	SettingsNumber SettingsKind = "number"
	SettingsSwitch SettingsKind = "switch"
	SettingsSelect SettingsKind = "select"
)

// Constraints are the per-kind validation rules for a SettingsField.
type Constraints struct {
	Min     *float64
	Max     *float64
	Pattern string
	Options []string
}

// SettingsField declares one configurable value a plugin accepts.
type SettingsField struct {
	Name        string
	Label       string
	Kind        SettingsKind
	Default     any
	Required    bool
	Constraints Constraints
}

// AssignmentView is the flat projection of an Assignment passed to plugins.
type AssignmentView struct {
	ID          string
	Title       string
	Description string
	Deadline    string
	MaxScore    float64
}

// ArtifactView is the flat projection of an Artifact passed to plugins.
type ArtifactView struct {
	Title       string
	MIME        string
	StoragePath string
	StorageKind string
	Meta        map[string]any
}

// SubmitterView is the flat projection of a Submitter passed to plugins.
type SubmitterView struct {
	ID    string
	Name  string
	Email string
}

// SubmissionView is the flat, read-only projection of a Submission the
// engine constructs and passes to plugins. Plugins never see ORM/persistence
// types.
type SubmissionView struct {
	ID          string
	Submitter   SubmitterView
	Assignment  AssignmentView
	Artifacts   []ArtifactView
	SubmittedAt string
	Meta        map[string]any
}

// TranscriptionResult is the output of a TranscriptionPlugin call.
type TranscriptionResult struct {
	Transcription string
	Confidence    float64
}

// GradeResult is the output of a GradePlugin call.
type GradeResult struct {
	Score    float64
	Feedback string
	Meta     map[string]any
}

// Instance is implemented by every constructed plugin instance, regardless
// of kind, so the registry can apply BindSettings generically.
type Instance interface {
	Meta() Meta
}

// Configurable is implemented by plugins that accept settings. The engine
// (sessionrunner) first validates a raw settings map against the plugin's declared schema
// (BindSettings), then Configure applies the validated result to the
// instance. Validation and application are separate steps so an invalid
// map never half-mutates a plugin.
type Configurable interface {
	Configure(settings map[string]any) error
}

// TranscriptionPlugin transcribes a submission into text with a confidence
// score. Batch handling is optional: a plugin that does not implement
// TranscriptionBatchPlugin has Transcribe called once per item instead.
type TranscriptionPlugin interface {
	Instance
	Transcribe(ctx context.Context, submission SubmissionView) (TranscriptionResult, error)
}

// TranscriptionBatchPlugin is the optional batch extension of
// TranscriptionPlugin.
type TranscriptionBatchPlugin interface {
	TranscriptionPlugin
	TranscribeBatch(ctx context.Context, submissions []SubmissionView) ([]TranscriptionResult, error)
}

// GradePlugin grades a transcribed submission, optionally referencing the
// original (pre-transcription) view.
type GradePlugin interface {
	Instance
	Grade(ctx context.Context, transcribed TranscriptionResult, original *SubmissionView) (GradeResult, error)
}

// ValidationPlugin post-processes a grade result. Validation never
// overwrites score/feedback; it may only annotate GradeResult.Meta.
type ValidationPlugin interface {
	Instance
	ValidateOne(ctx context.Context, result GradeResult) (bool, error)
}

// ValidationBatchPlugin is the optional batch extension of ValidationPlugin.
type ValidationBatchPlugin interface {
	ValidationPlugin
	ValidateBatch(ctx context.Context, results []GradeResult) ([]bool, error)
}

// Constructor builds a new plugin instance bound to a logger. Registered
// plugins supply one of these; the registry never reflects into a plugin's
// struct fields.
type Constructor func(logger Logger) Instance

// Logger is the minimal surface a plugin needs from sessionlog.PluginLogger,
// kept as an interface here so pluginsdk has no dependency on sessionlog.
type Logger interface {
	Info(message string)
	Warning(message string)
	Error(message string)
	Debug(message string)
}
