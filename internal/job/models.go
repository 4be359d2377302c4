package job

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/capup/capup-engine/internal/timeline"
)

var (
	// ErrQueueSaturated is returned by Submit when the kind's queue is full.
	ErrQueueSaturated = errors.New("queue saturated")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrUnknownKind is returned when no executor is registered for a kind.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrTerminal is returned when a transition out of a terminal state is
	// attempted.
	ErrTerminal = errors.New("job already terminal")
)

type Kind string

const (
	KindTranscribe        Kind = "transcribe"
	KindSynthesizeVoice   Kind = "synthesize-voice"
	KindGenerateStoryline Kind = "generate-storyline"
	KindExport            Kind = "export"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type ErrorKind string

const (
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindWorkerFailure ErrorKind = "worker_failure"
	ErrorKindValidation    ErrorKind = "validation"
)

// Input carries the references a job runs against. Only the fields relevant
// to the kind are set; Snapshot is an immutable copy taken at submit time.
type Input struct {
	AssetID      string             `json:"asset_id,omitempty"`
	SegmentID    string             `json:"segment_id,omitempty"`
	TrackID      string             `json:"track_id,omitempty"`
	Text         string             `json:"text,omitempty"`
	VoiceProfile string             `json:"voice_profile,omitempty"`
	Format       string             `json:"format,omitempty"`
	Quality      string             `json:"quality,omitempty"`
	Snapshot     *timeline.Timeline `json:"snapshot,omitempty"`
}

// Result is a worker's output: an optional derived asset plus a kind-specific
// JSON payload the session controller turns into commands.
type Result struct {
	AssetID string          `json:"asset_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Job struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	Input       Input     `json:"input"`
	Result      *Result   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	cancelRequested bool
}

// Event is delivered to subscribers on every job state change. Terminal
// events are delivered exactly once per job.
type Event struct {
	JobID     string
	ProjectID string
	Kind      Kind
	Status    Status
	Error     string
	ErrorKind ErrorKind
	Result    *Result
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error to mark it retryable, e.g. a timeout talking to an
// external transcription backend. Unwrapped errors fail the job immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

type invalidInputError struct {
	err error
}

func (e *invalidInputError) Error() string { return e.err.Error() }
func (e *invalidInputError) Unwrap() error { return e.err }

// Invalid marks an error as a malformed-input failure, e.g. a job submitted
// without its required references. The job fails with ErrorKindValidation
// and is never retried.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return &invalidInputError{err: err}
}

func IsInvalid(err error) bool {
	var ie *invalidInputError
	return errors.As(err, &ie)
}
