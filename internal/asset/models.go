package asset

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown asset ids.
	ErrNotFound = errors.New("asset not found")
	// ErrStorageFull is returned when a put would exceed the blob budget.
	ErrStorageFull = errors.New("storage full")
	// ErrIO wraps blob read/write failures.
	ErrIO = errors.New("storage io failure")
)

type Kind string

const (
	KindSourceVideo    Kind = "source-video"
	KindAudioTrack     Kind = "audio-track"
	KindTranscript     Kind = "transcript"
	KindGeneratedVoice Kind = "generated-voice"
	KindThumbnail      Kind = "thumbnail"
	KindRender         Kind = "render"
)

// Temporal reports whether assets of this kind carry a duration.
func (k Kind) Temporal() bool {
	switch k {
	case KindSourceVideo, KindAudioTrack, KindGeneratedVoice:
		return true
	}
	return false
}

// Asset is an immutable content-addressed media artifact. Bytes are never
// mutated in place; an edit produces a new asset.
type Asset struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Hash        string    `json:"hash"`
	Kind        Kind      `json:"kind"`
	Size        int64     `json:"size"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Path        string    `json:"path"`
	DerivedFrom string    `json:"derived_from,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
