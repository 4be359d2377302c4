package api

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/capup/capup-engine/internal/asset"
	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/session"
	"github.com/capup/capup-engine/internal/timeline"
)

var validate = validator.New()

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type CreateProjectRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type ProjectResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

type ProjectDetailResponse struct {
	Project  ProjectResponse    `json:"project"`
	Timeline *timeline.Timeline `json:"timeline"`
}

type ProjectsResponse struct {
	Projects []ProjectResponse `json:"projects"`
}

type EditRequest struct {
	Command timeline.Command `json:"command" validate:"required"`
}

type EditResponse struct {
	Seq int64 `json:"seq"`
}

type UndoRedoResponse struct {
	Applied bool  `json:"applied"`
	Seq     int64 `json:"seq,omitempty"`
}

type TranscriptionRequest struct {
	SegmentID string `json:"segment_id" validate:"required"`
}

type VoiceRequest struct {
	Text         string `json:"text" validate:"required,max=5000"`
	VoiceProfile string `json:"voice_profile" validate:"omitempty,max=100"`
}

type ExportRequest struct {
	Format  string `json:"format" validate:"required,oneof=mp4 mov edl"`
	Quality string `json:"quality" validate:"omitempty,oneof=draft default high broadcast cinema"`
}

type JobAcceptedResponse struct {
	JobID string `json:"job_id"`
}

type JobResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	OutputAsset string `json:"output_asset_id,omitempty"`
	SubmittedAt string `json:"submitted_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type AssetResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Hash        string `json:"hash"`
	Kind        string `json:"kind"`
	Size        int64  `json:"size"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	DerivedFrom string `json:"derived_from,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type AssetsResponse struct {
	Assets []AssetResponse `json:"assets"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func ProjectToResponse(p *session.Project) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID,
		Title:     p.Title,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func JobToResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:          j.ID,
		ProjectID:   j.ProjectID,
		Kind:        string(j.Kind),
		Status:      string(j.Status),
		Error:       j.Error,
		ErrorKind:   string(j.ErrorKind),
		SubmittedAt: j.SubmittedAt.Format(time.RFC3339),
	}
	if j.Result != nil {
		resp.OutputAsset = j.Result.AssetID
	}
	if !j.CompletedAt.IsZero() {
		resp.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func AssetToResponse(a *asset.Asset) AssetResponse {
	return AssetResponse{
		ID:          a.ID,
		ProjectID:   a.ProjectID,
		Hash:        a.Hash,
		Kind:        string(a.Kind),
		Size:        a.Size,
		DurationMs:  a.DurationMs,
		DerivedFrom: a.DerivedFrom,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}
