package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/capup/capup-engine/internal/timeline"
)

// Stub backends let the engine run end to end without any external ML or
// encode services attached. They produce deterministic, plausibly shaped
// output so downstream merge logic can be exercised.

type StubTranscription struct {
	logger *slog.Logger
}

func NewStubTranscription(logger *slog.Logger) *StubTranscription {
	return &StubTranscription{logger: logger}
}

func (s *StubTranscription) Transcribe(ctx context.Context, media []byte) (*Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logger.Info("transcription stub: transcribe requested", "bytes", len(media))
	text := fmt.Sprintf("placeholder transcript for %d bytes of media", len(media))
	words := make([]TranscriptWord, 0, 4)
	cursor := int64(0)
	for _, w := range strings.Fields(text)[:4] {
		words = append(words, TranscriptWord{Word: w, StartMs: cursor, EndMs: cursor + 400})
		cursor += 500
	}
	return &Transcript{Text: text, Language: "en", Words: words}, nil
}

type StubVoice struct {
	logger *slog.Logger
}

func NewStubVoice(logger *slog.Logger) *StubVoice {
	return &StubVoice{logger: logger}
}

func (s *StubVoice) Synthesize(ctx context.Context, text, voiceProfile string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.logger.Info("voice stub: synthesis requested", "voice", voiceProfile, "chars", len(text))
	// Rough speaking rate of 15 chars/second keeps durations believable.
	durationMs := int64(len(text)) * 1000 / 15
	if durationMs < 500 {
		durationMs = 500
	}
	audio := []byte(fmt.Sprintf("STUBAUDIO voice=%s text=%s", voiceProfile, text))
	return audio, durationMs, nil
}

type StubStoryline struct {
	logger *slog.Logger
}

func NewStubStoryline(logger *slog.Logger) *StubStoryline {
	return &StubStoryline{logger: logger}
}

func (s *StubStoryline) Suggest(ctx context.Context, snapshot *timeline.Timeline) (*StoryPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segments := 0
	for _, tr := range snapshot.Tracks {
		segments += len(tr.Segments)
	}
	s.logger.Info("storyline stub: suggestion requested", "project_id", snapshot.ProjectID, "segments", segments)
	return &StoryPlan{
		Tone:        "warm",
		Opening:     "Open on the strongest moment to hook the viewer.",
		Development: "Build context with the remaining clips in shot order.",
		Closing:     "End on a quiet beat and let it breathe.",
		KeyMessage:  "Keep the cut short and personal.",
		OpeningSec:  5,
		DevelopSec:  20,
		ClosingSec:  5,
	}, nil
}
