package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capup/capup-engine/internal/asset"
	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/session"
	"github.com/capup/capup-engine/internal/timeline"
)

// maxUploadBytes bounds a single media upload body.
const maxUploadBytes = 2 << 30

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.SessionRepo, cfg.Logger))

		r.Post("/projects", createProjectHandler(cfg))
		r.Get("/projects", listProjectsHandler(cfg))
		r.Get("/projects/{id}", getProjectHandler(cfg))
		r.Post("/projects/{id}/close", closeProjectHandler(cfg))

		r.Post("/projects/{id}/edits", applyEditHandler(cfg))
		r.Post("/projects/{id}/undo", undoHandler(cfg))
		r.Post("/projects/{id}/redo", redoHandler(cfg))

		r.Post("/projects/{id}/jobs/transcription", transcriptionHandler(cfg))
		r.Post("/projects/{id}/jobs/voice", voiceHandler(cfg))
		r.Post("/projects/{id}/jobs/storyline", storylineHandler(cfg))
		r.Post("/projects/{id}/jobs/export", exportHandler(cfg))
		r.Get("/projects/{id}/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Post("/jobs/{id}/cancel", cancelJobHandler(cfg))

		r.Post("/projects/{id}/assets", uploadAssetHandler(cfg))
		r.Get("/projects/{id}/assets", listAssetsHandler(cfg))
		r.Get("/assets/{id}", getAssetHandler(cfg))

		r.Get("/projects/{id}/events", eventsHandler(cfg))
	})

	return r
}

// writeDomainError maps typed engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timeline.ErrOverlap):
		WriteError(w, http.StatusConflict, err.Error(), "OVERLAP_CONFLICT")
	case errors.Is(err, timeline.ErrValidation):
		WriteError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
	case errors.Is(err, timeline.ErrNotFound),
		errors.Is(err, asset.ErrNotFound),
		errors.Is(err, job.ErrNotFound),
		errors.Is(err, session.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, session.ErrNotOpen):
		WriteError(w, http.StatusConflict, err.Error(), "PROJECT_NOT_OPEN")
	case errors.Is(err, job.ErrQueueSaturated):
		WriteError(w, http.StatusTooManyRequests, err.Error(), "QUEUE_SATURATED")
	case errors.Is(err, job.ErrTerminal):
		WriteError(w, http.StatusConflict, err.Error(), "JOB_TERMINAL")
	case errors.Is(err, job.ErrUnknownKind):
		WriteError(w, http.StatusBadRequest, err.Error(), "UNKNOWN_KIND")
	case errors.Is(err, asset.ErrStorageFull):
		WriteError(w, http.StatusInsufficientStorage, err.Error(), "STORAGE_FULL")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return false
	}
	if err := validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
		return false
	}
	return true
}

// openSession resolves the project's live session, opening it on demand so
// any authenticated call works against a freshly started engine.
func openSession(cfg ServerConfig, r *http.Request, w http.ResponseWriter) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "project id required", "BAD_REQUEST")
		return nil, false
	}
	s, err := cfg.Manager.OpenProject(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return s, true
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func createProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateProjectRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		p, err := cfg.Manager.CreateProject(r.Context(), req.Title)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ProjectToResponse(p))
	}
}

func listProjectsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := cfg.Manager.ListProjects(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := ProjectsResponse{Projects: make([]ProjectResponse, len(projects))}
		for i, p := range projects {
			resp.Projects[i] = ProjectToResponse(p)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, ProjectDetailResponse{
			Project:  ProjectToResponse(s.Project()),
			Timeline: s.Timeline(),
		})
	}
}

func closeProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Manager.CloseProject(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func applyEditHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		var req EditRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		seq, err := s.ApplyEdit(r.Context(), req.Command)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, EditResponse{Seq: seq})
	}
}

func undoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		seq, applied, err := s.Undo()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, UndoRedoResponse{Applied: applied, Seq: seq})
	}
}

func redoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		seq, applied, err := s.Redo()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, UndoRedoResponse{Applied: applied, Seq: seq})
	}
}

func transcriptionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		var req TranscriptionRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		jobID, err := s.RequestTranscription(r.Context(), req.SegmentID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID})
	}
}

func voiceHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		var req VoiceRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		jobID, err := s.RequestVoiceSynthesis(r.Context(), req.Text, req.VoiceProfile)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID})
	}
}

func storylineHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		jobID, err := s.RequestStorylineSuggestion(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID})
	}
}

func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		var req ExportRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		jobID, err := s.RequestExport(r.Context(), req.Format, req.Quality)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID})
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		jobs, err := cfg.JobRepo.ListByProject(r.Context(), id, 50)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		// live queue first, durable record for jobs from earlier runs
		if j, err := cfg.Queue.Get(id); err == nil {
			WriteJSON(w, http.StatusOK, JobToResponse(j))
			return
		}
		j, err := cfg.JobRepo.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if j == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(j))
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Queue.Cancel(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func uploadAssetHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		if _, err := cfg.Manager.OpenProject(r.Context(), projectID); err != nil {
			writeDomainError(w, err)
			return
		}

		kind := asset.Kind(r.URL.Query().Get("kind"))
		switch kind {
		case asset.KindSourceVideo, asset.KindAudioTrack, asset.KindThumbnail:
		case "":
			kind = asset.KindSourceVideo
		default:
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("kind %q is not uploadable", kind), "VALIDATION")
			return
		}

		var durationMs int64
		if v := r.URL.Query().Get("duration_ms"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil || parsed < 0 {
				WriteError(w, http.StatusBadRequest, "duration_ms must be a non-negative integer", "VALIDATION")
				return
			}
			durationMs = parsed
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			WriteError(w, http.StatusRequestEntityTooLarge, "upload too large", "UPLOAD_TOO_LARGE")
			return
		}
		if len(data) == 0 {
			WriteError(w, http.StatusBadRequest, "empty upload body", "VALIDATION")
			return
		}

		a, err := cfg.Store.Put(r.Context(), projectID, data, kind, durationMs)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, AssetToResponse(a))
	}
}

func listAssetsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		assets, err := cfg.Store.ListByProject(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := AssetsResponse{Assets: make([]AssetResponse, len(assets))}
		for i, a := range assets {
			resp.Assets[i] = AssetToResponse(a)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getAssetHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		data, err := cfg.Store.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

// eventsHandler streams session events over SSE until the client goes away.
func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(cfg, r, w)
		if !ok {
			return
		}
		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// drop events when the client cannot keep up rather than block edits
		events := make(chan session.Event, 64)
		unsubscribe := s.Subscribe(func(ev session.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		defer unsubscribe()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-events:
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
				flusher.Flush()
			}
		}
	}
}
