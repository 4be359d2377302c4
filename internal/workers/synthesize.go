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

// Synthesizer produces a generated-voice audio asset from text.
type Synthesizer struct {
	store   *asset.Store
	backend VoiceBackend
	logger  *slog.Logger
}

func NewSynthesizer(store *asset.Store, backend VoiceBackend, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{store: store, backend: backend, logger: logger}
}

func (s *Synthesizer) Kind() job.Kind { return job.KindSynthesizeVoice }

func (s *Synthesizer) Execute(ctx context.Context, j *job.Job) (*job.Result, error) {
	if j.Input.Text == "" {
		return nil, job.Invalid(fmt.Errorf("synthesize-voice job needs text"))
	}

	audio, durationMs, err := s.backend.Synthesize(ctx, j.Input.Text, j.Input.VoiceProfile)
	if err != nil {
		return nil, fmt.Errorf("voice backend: %w", err)
	}

	artifact, err := s.store.Put(ctx, j.ProjectID, audio, asset.KindGeneratedVoice, durationMs)
	if err != nil {
		return nil, fmt.Errorf("store voice audio: %w", err)
	}

	payload, err := json.Marshal(VoiceResult{DurationMs: durationMs, Voice: j.Input.VoiceProfile})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if s.logger != nil {
		logging.WithJobID(s.logger, j.ID).Info("voice synthesis complete", "duration_ms", durationMs)
	}
	return &job.Result{AssetID: artifact.ID, Payload: payload}, nil
}
