package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/capup/capup-engine/internal/asset"
	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/logging"
)

// Transcriber runs speech-to-text over one timeline segment's source window.
type Transcriber struct {
	store   *asset.Store
	backend TranscriptionBackend
	logger  *slog.Logger
}

func NewTranscriber(store *asset.Store, backend TranscriptionBackend, logger *slog.Logger) *Transcriber {
	return &Transcriber{store: store, backend: backend, logger: logger}
}

func (t *Transcriber) Kind() job.Kind { return job.KindTranscribe }

func (t *Transcriber) Execute(ctx context.Context, j *job.Job) (*job.Result, error) {
	if j.Input.Snapshot == nil || j.Input.SegmentID == "" {
		return nil, job.Invalid(fmt.Errorf("transcribe job needs a segment reference"))
	}
	_, seg := j.Input.Snapshot.FindSegment(j.Input.SegmentID)
	if seg == nil {
		return nil, job.Invalid(fmt.Errorf("segment %s not in snapshot", j.Input.SegmentID))
	}

	media, err := t.store.Get(ctx, seg.AssetID)
	if err != nil {
		return nil, fmt.Errorf("load source asset: %w", err)
	}

	transcript, err := t.backend.Transcribe(ctx, media)
	if err != nil {
		return nil, fmt.Errorf("transcription backend: %w", err)
	}

	raw, err := json.Marshal(transcript)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	artifact, err := t.store.Derive(ctx, seg.AssetID, asset.KindTranscript, raw, 0, j.ID)
	if err != nil {
		return nil, fmt.Errorf("store transcript: %w", err)
	}

	payload, err := json.Marshal(TranscriptionResult{
		Transcript: *transcript,
		SegmentID:  seg.ID,
		StartMs:    seg.StartMs,
		EndMs:      seg.EndMs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if t.logger != nil {
		logging.WithJobID(t.logger, j.ID).Info("transcription complete", "segment_id", seg.ID, "words", len(transcript.Words))
	}
	return &job.Result{AssetID: artifact.ID, Payload: payload}, nil
}
