package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/logging"
)

// Storyliner asks the storyline backend for a narrative plan over the
// project's current timeline snapshot.
type Storyliner struct {
	backend StorylineBackend
	logger  *slog.Logger
}

func NewStoryliner(backend StorylineBackend, logger *slog.Logger) *Storyliner {
	return &Storyliner{backend: backend, logger: logger}
}

func (s *Storyliner) Kind() job.Kind { return job.KindGenerateStoryline }

func (s *Storyliner) Execute(ctx context.Context, j *job.Job) (*job.Result, error) {
	if j.Input.Snapshot == nil {
		return nil, job.Invalid(fmt.Errorf("generate-storyline job needs a timeline snapshot"))
	}

	plan, err := s.backend.Suggest(ctx, j.Input.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("storyline backend: %w", err)
	}

	payload, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}

	if s.logger != nil {
		logging.WithJobID(s.logger, j.ID).Info("storyline generated", "tone", plan.Tone, "patch_len", len(plan.Patch))
	}
	return &job.Result{Payload: payload}, nil
}
