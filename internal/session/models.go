// Package session is the façade the outer surfaces call. A Session owns one
// project's timeline, command log, and job traffic; the Manager owns one
// session per open project and the shared queue subscription.
package session

import (
	"errors"
	"time"

	"github.com/capup/capup-engine/internal/job"
)

var (
	// ErrNotFound is returned for unknown project ids.
	ErrNotFound = errors.New("project not found")
	// ErrNotOpen is returned for operations against a project without an
	// open session.
	ErrNotOpen = errors.New("project not open")
	// ErrMergeConflict is returned when a finished job's output no longer
	// fits the timeline because edits landed while the job ran.
	ErrMergeConflict = errors.New("job result conflicts with later edits")
)

type Project struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type EventKind string

const (
	EventTimelineChanged EventKind = "timeline_changed"
	EventJobStateChanged EventKind = "job_state_changed"
)

// Event is delivered to session subscribers. Timeline events carry the
// sequence number of the command that caused them; job events mirror the
// queue's state transitions plus any merge failure.
type Event struct {
	Kind      EventKind  `json:"kind"`
	ProjectID string     `json:"project_id"`
	Seq       int64      `json:"seq,omitempty"`
	JobID     string     `json:"job_id,omitempty"`
	JobKind   job.Kind   `json:"job_kind,omitempty"`
	JobStatus job.Status `json:"job_status,omitempty"`
	Error     string     `json:"error,omitempty"`
}
