// Package workers implements the executors behind the job queue. The actual
// ML and encode engines are external collaborators reached through the
// backend interfaces here; executors handle asset I/O, payload shaping, and
// artifact derivation around them.
package workers

import (
	"context"

	"github.com/capup/capup-engine/internal/timeline"
)

// TranscriptWord is a single word with its timing inside the audio window.
type TranscriptWord struct {
	Word    string `json:"word"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Transcript is a speech-to-text result with word-level timings.
type Transcript struct {
	Text     string           `json:"text"`
	Language string           `json:"language,omitempty"`
	Words    []TranscriptWord `json:"words,omitempty"`
}

// TranscriptionBackend converts media bytes into a transcript.
type TranscriptionBackend interface {
	Transcribe(ctx context.Context, media []byte) (*Transcript, error)
}

// VoiceBackend synthesizes speech audio for a text and voice profile.
type VoiceBackend interface {
	Synthesize(ctx context.Context, text, voiceProfile string) (audio []byte, durationMs int64, err error)
}

// StoryPlan is a storyline suggestion for a timeline: narrative beats plus an
// optional patch of timeline commands realising the suggested cut.
type StoryPlan struct {
	Tone        string             `json:"tone"`
	Opening     string             `json:"opening"`
	Development string             `json:"development"`
	Closing     string             `json:"closing"`
	KeyMessage  string             `json:"key_message"`
	OpeningSec  int                `json:"opening_sec"`
	DevelopSec  int                `json:"development_sec"`
	ClosingSec  int                `json:"closing_sec"`
	Patch       []timeline.Command `json:"patch,omitempty"`
}

// StorylineBackend proposes a storyline for the given timeline snapshot.
type StorylineBackend interface {
	Suggest(ctx context.Context, snapshot *timeline.Timeline) (*StoryPlan, error)
}

// TranscriptionResult is the payload a transcribe job hands back to the
// session controller. StartMs/EndMs is the caption window on the timeline.
type TranscriptionResult struct {
	Transcript Transcript `json:"transcript"`
	SegmentID  string     `json:"segment_id"`
	StartMs    int64      `json:"start_ms"`
	EndMs      int64      `json:"end_ms"`
}

// VoiceResult is the payload of a synthesize-voice job.
type VoiceResult struct {
	DurationMs int64  `json:"duration_ms"`
	Voice      string `json:"voice"`
}

// ExportManifest is the payload of an export job.
type ExportManifest struct {
	Format    string `json:"format"`
	Quality   string `json:"quality"`
	ClipCount int    `json:"clip_count"`
}
