package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/capup/capup-engine/internal/asset"
	"github.com/capup/capup-engine/internal/command"
	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/timeline"
	"github.com/capup/capup-engine/internal/workers"
)

// Session is the single-writer controller for one open project. Every
// timeline mutation, whether a user edit or a finished job's merge, commits
// through the same mutex so the command log keeps one total order.
type Session struct {
	project *Project
	store   *asset.Store
	queue   *job.Queue
	logger  *slog.Logger

	mu  sync.Mutex
	tl  *timeline.Timeline
	log *command.Log

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int

	// terminal job ids already handled, for at-least-once event delivery
	handled map[string]bool
}

func newSession(project *Project, tl *timeline.Timeline, log *command.Log, store *asset.Store, queue *job.Queue, logger *slog.Logger) *Session {
	return &Session{
		project: project,
		store:   store,
		queue:   queue,
		logger:  logger,
		tl:      tl,
		log:     log,
		subs:    make(map[int]func(Event)),
		handled: make(map[string]bool),
	}
}

func (s *Session) Project() *Project { return s.project }

// Timeline returns a snapshot safe for concurrent reads.
func (s *Session) Timeline() *timeline.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tl.Snapshot()
}

// ApplyEdit validates and commits one edit command. On success it returns
// the command's log sequence number; on any error the timeline and log are
// untouched.
func (s *Session) ApplyEdit(ctx context.Context, cmd timeline.Command) (int64, error) {
	s.mu.Lock()
	if err := s.validateAssetRefs(ctx, cmd); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	seq, err := s.commitLocked(cmd)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.emit(Event{Kind: EventTimelineChanged, ProjectID: s.project.ID, Seq: seq})
	return seq, nil
}

// applyLocked is the timeline mutation hook handed to the log's undo/redo.
// Callers hold s.mu.
func (s *Session) applyLocked(cmd timeline.Command) error {
	_, err := s.tl.Apply(cmd)
	return err
}

// commitLocked applies cmd to the timeline and appends it with its inverse.
// Callers hold s.mu.
func (s *Session) commitLocked(cmd timeline.Command) (int64, error) {
	inverse, err := s.tl.Apply(cmd)
	if err != nil {
		return 0, err
	}
	return s.log.Append(cmd, inverse), nil
}

// validateAssetRefs rejects segments that reference unknown assets or trim
// outside the source's duration, before any timeline state changes.
func (s *Session) validateAssetRefs(ctx context.Context, cmd timeline.Command) error {
	switch cmd.Kind {
	case timeline.CmdInsertSegment:
		if cmd.Segment == nil {
			return nil // timeline validation reports the malformed command
		}
		return s.checkAssetWindow(ctx, cmd.Segment.AssetID, cmd.Segment.SourceInMs, cmd.Segment.SourceOutMs)
	case timeline.CmdAddTrack:
		if cmd.Track == nil {
			return nil
		}
		for _, seg := range cmd.Track.Segments {
			if err := s.checkAssetWindow(ctx, seg.AssetID, seg.SourceInMs, seg.SourceOutMs); err != nil {
				return err
			}
		}
	case timeline.CmdTrimSegment:
		_, seg := s.tl.FindSegment(cmd.SegmentID)
		if seg == nil {
			return nil // timeline validation reports the unknown segment
		}
		return s.checkAssetWindow(ctx, seg.AssetID, cmd.SourceInMs, cmd.SourceOutMs)
	case timeline.CmdPatch:
		for _, child := range cmd.Patch {
			if err := s.validateAssetRefs(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) checkAssetWindow(ctx context.Context, assetID string, inMs, outMs int64) error {
	if assetID == "" {
		return nil // timeline validation reports the malformed segment
	}
	a, err := s.store.Stat(ctx, assetID)
	if err != nil {
		if errors.Is(err, asset.ErrNotFound) {
			return fmt.Errorf("%w: asset %s", timeline.ErrNotFound, assetID)
		}
		return err
	}
	if a.Kind.Temporal() && a.DurationMs > 0 && outMs > a.DurationMs {
		return fmt.Errorf("%w: trim window [%d,%d] exceeds source duration %dms",
			timeline.ErrValidation, inMs, outMs, a.DurationMs)
	}
	return nil
}

// Undo reverts the most recent undoable command. It reports false when there
// is nothing to undo.
func (s *Session) Undo() (int64, bool, error) {
	s.mu.Lock()
	seq, ok, err := s.log.Undo(s.applyLocked)
	s.mu.Unlock()
	if err != nil {
		return 0, false, fmt.Errorf("apply undo: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	s.emit(Event{Kind: EventTimelineChanged, ProjectID: s.project.ID, Seq: seq})
	return seq, true, nil
}

// Redo re-applies the most recently undone command. It reports false when the
// redo stack is empty.
func (s *Session) Redo() (int64, bool, error) {
	s.mu.Lock()
	seq, ok, err := s.log.Redo(s.applyLocked)
	s.mu.Unlock()
	if err != nil {
		return 0, false, fmt.Errorf("apply redo: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	s.emit(Event{Kind: EventTimelineChanged, ProjectID: s.project.ID, Seq: seq})
	return seq, true, nil
}

// RequestTranscription submits a transcribe job for one timeline segment.
func (s *Session) RequestTranscription(ctx context.Context, segmentID string) (string, error) {
	s.mu.Lock()
	_, seg := s.tl.FindSegment(segmentID)
	if seg == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: segment %s", timeline.ErrNotFound, segmentID)
	}
	snap := s.tl.Snapshot()
	assetID := seg.AssetID
	s.mu.Unlock()

	return s.queue.Submit(ctx, &job.Job{
		ProjectID: s.project.ID,
		Kind:      job.KindTranscribe,
		Input:     job.Input{SegmentID: segmentID, AssetID: assetID, Snapshot: snap},
	})
}

// RequestVoiceSynthesis submits a synthesize-voice job.
func (s *Session) RequestVoiceSynthesis(ctx context.Context, text, voiceProfile string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: synthesis text is empty", timeline.ErrValidation)
	}
	return s.queue.Submit(ctx, &job.Job{
		ProjectID: s.project.ID,
		Kind:      job.KindSynthesizeVoice,
		Input:     job.Input{Text: text, VoiceProfile: voiceProfile},
	})
}

// RequestStorylineSuggestion submits a generate-storyline job over the
// current timeline snapshot.
func (s *Session) RequestStorylineSuggestion(ctx context.Context) (string, error) {
	return s.queue.Submit(ctx, &job.Job{
		ProjectID: s.project.ID,
		Kind:      job.KindGenerateStoryline,
		Input:     job.Input{Snapshot: s.Timeline()},
	})
}

// RequestExport submits an export job over the current timeline snapshot.
func (s *Session) RequestExport(ctx context.Context, format, quality string) (string, error) {
	return s.queue.Submit(ctx, &job.Job{
		ProjectID: s.project.ID,
		Kind:      job.KindExport,
		Input:     job.Input{Format: format, Quality: quality, Snapshot: s.Timeline()},
	})
}

// CancelJob requests cooperative cancellation of one of this project's jobs.
func (s *Session) CancelJob(ctx context.Context, jobID string) error {
	return s.queue.Cancel(ctx, jobID)
}

// Subscribe registers a callback for timeline and job state events and
// returns its unsubscribe func. The callback must not block; it runs on the
// emitting goroutine.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.subMu.RLock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Flush forces the command log to durable storage.
func (s *Session) Flush(ctx context.Context) error {
	return s.log.Flush(ctx)
}

// HandleJobEvent reconciles a queue event into the session. Succeeded
// results are merged into the timeline as commands; Failed and Cancelled are
// surfaced without touching it. Duplicate terminal events are dropped.
func (s *Session) HandleJobEvent(ev job.Event) {
	if ev.ProjectID != s.project.ID {
		return
	}

	if ev.Status.Terminal() {
		s.mu.Lock()
		if s.handled[ev.JobID] {
			s.mu.Unlock()
			return
		}
		s.handled[ev.JobID] = true
		s.mu.Unlock()
	}

	out := Event{
		Kind:      EventJobStateChanged,
		ProjectID: s.project.ID,
		JobID:     ev.JobID,
		JobKind:   ev.Kind,
		JobStatus: ev.Status,
		Error:     ev.Error,
	}

	if ev.Status == job.StatusSucceeded && ev.Result != nil {
		seq, err := s.mergeResult(ev)
		if err != nil {
			out.Error = err.Error()
			if s.logger != nil {
				s.logger.Warn("job result not merged",
					"job_id", ev.JobID, "kind", string(ev.Kind), "error", err)
			}
		} else if seq > 0 {
			s.emit(Event{Kind: EventTimelineChanged, ProjectID: s.project.ID, Seq: seq})
		}
	}
	s.emit(out)
}

// mergeResult turns a succeeded job's payload into timeline commands and
// returns the last committed sequence number, 0 when nothing merged. A
// result that no longer fits (edits landed while the job ran) is rejected as
// ErrMergeConflict and the timeline stays as the user left it.
func (s *Session) mergeResult(ev job.Event) (int64, error) {
	switch ev.Kind {
	case job.KindTranscribe:
		return s.mergeTranscription(ev)
	case job.KindSynthesizeVoice:
		return s.mergeVoice(ev)
	case job.KindGenerateStoryline:
		return s.mergeStoryline(ev)
	case job.KindExport:
		return 0, nil // render artifacts live in the asset store, not the timeline
	}
	return 0, nil
}

func (s *Session) mergeTranscription(ev job.Event) (int64, error) {
	var result workers.TranscriptionResult
	if err := json.Unmarshal(ev.Result.Payload, &result); err != nil {
		return 0, fmt.Errorf("decode transcription payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seg := s.tl.FindSegment(result.SegmentID); seg == nil {
		return 0, fmt.Errorf("%w: segment %s was removed", ErrMergeConflict, result.SegmentID)
	}

	caption := &timeline.Segment{
		ID:          uuid.NewString(),
		AssetID:     ev.Result.AssetID,
		StartMs:     result.StartMs,
		EndMs:       result.EndMs,
		SourceInMs:  0,
		SourceOutMs: result.EndMs - result.StartMs,
	}

	// A single log entry whether or not the caption track exists yet.
	trackID := s.trackOfKindLocked(timeline.TrackCaption)
	cmd := timeline.InsertSegment(trackID, caption)
	if trackID == "" {
		trackID = uuid.NewString()
		cmd = timeline.Patch(
			timeline.AddTrack(&timeline.Track{ID: trackID, Kind: timeline.TrackCaption}),
			timeline.InsertSegment(trackID, caption),
		)
	}
	seq, err := s.commitLocked(cmd)
	if err != nil {
		if errors.Is(err, timeline.ErrOverlap) {
			return 0, fmt.Errorf("%w: caption window [%d,%d) is occupied", ErrMergeConflict, result.StartMs, result.EndMs)
		}
		return 0, err
	}
	return seq, nil
}

func (s *Session) mergeVoice(ev job.Event) (int64, error) {
	var result workers.VoiceResult
	if err := json.Unmarshal(ev.Result.Payload, &result); err != nil {
		return 0, fmt.Errorf("decode voice payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	trackID := s.trackOfKindLocked(timeline.TrackAudio)
	start := s.trackEndLocked(trackID)
	seg := &timeline.Segment{
		ID:          uuid.NewString(),
		AssetID:     ev.Result.AssetID,
		StartMs:     start,
		EndMs:       start + result.DurationMs,
		SourceInMs:  0,
		SourceOutMs: result.DurationMs,
	}

	cmd := timeline.InsertSegment(trackID, seg)
	if trackID == "" {
		trackID = uuid.NewString()
		cmd = timeline.Patch(
			timeline.AddTrack(&timeline.Track{ID: trackID, Kind: timeline.TrackAudio}),
			timeline.InsertSegment(trackID, seg),
		)
	}
	seq, err := s.commitLocked(cmd)
	if err != nil {
		if errors.Is(err, timeline.ErrOverlap) {
			return 0, fmt.Errorf("%w: audio track end moved", ErrMergeConflict)
		}
		return 0, err
	}
	return seq, nil
}

func (s *Session) mergeStoryline(ev job.Event) (int64, error) {
	var plan workers.StoryPlan
	if err := json.Unmarshal(ev.Result.Payload, &plan); err != nil {
		return 0, fmt.Errorf("decode storyline payload: %w", err)
	}
	if len(plan.Patch) == 0 {
		return 0, nil // advisory plan only, delivered through the job record
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.commitLocked(timeline.Patch(plan.Patch...))
	if err != nil {
		if errors.Is(err, timeline.ErrOverlap) || errors.Is(err, timeline.ErrNotFound) {
			return 0, fmt.Errorf("%w: storyline patch no longer applies", ErrMergeConflict)
		}
		return 0, err
	}
	return seq, nil
}

// trackOfKindLocked returns the first track of the given kind, or "".
func (s *Session) trackOfKindLocked(kind timeline.TrackKind) string {
	for _, tr := range s.tl.Tracks {
		if tr.Kind == kind {
			return tr.ID
		}
	}
	return ""
}

// trackEndLocked returns the end of the last segment on a track.
func (s *Session) trackEndLocked(trackID string) int64 {
	tr := s.tl.Track(trackID)
	if tr == nil || len(tr.Segments) == 0 {
		return 0
	}
	return tr.Segments[len(tr.Segments)-1].EndMs
}
