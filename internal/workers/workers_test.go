package workers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capup/capup-engine/internal/asset"
	"github.com/capup/capup-engine/internal/db"
	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/timeline"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) *asset.Store {
	t.Helper()
	tmpDir := t.TempDir()

	database, err := db.New(filepath.Join(tmpDir, "test.db"), nil)
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() { database.Close() })

	store, err := asset.NewStore(asset.NewRepository(database.Conn()), filepath.Join(tmpDir, "blobs"), 0, nil)
	require.NoError(t, err)
	return store
}

// buildSnapshot makes a one-video-track timeline with a single segment backed
// by a real stored asset.
func buildSnapshot(t *testing.T, store *asset.Store, media []byte) (*timeline.Timeline, *asset.Asset) {
	t.Helper()
	ctx := context.Background()

	src, err := store.Put(ctx, "p1", media, asset.KindSourceVideo, 8000)
	require.NoError(t, err)

	tl := timeline.New("p1")
	_, err = tl.Apply(timeline.AddTrack(&timeline.Track{ID: "v1", Kind: timeline.TrackVideo}))
	require.NoError(t, err)
	seg := &timeline.Segment{
		ID:          "s1",
		AssetID:     src.ID,
		StartMs:     1000,
		EndMs:       3000,
		SourceInMs:  500,
		SourceOutMs: 2500,
	}
	_, err = tl.Apply(timeline.InsertSegment("v1", seg))
	require.NoError(t, err)
	return tl.Snapshot(), src
}

type fakeTranscription struct {
	transcript *Transcript
	err        error
	gotMedia   []byte
}

func (f *fakeTranscription) Transcribe(_ context.Context, media []byte) (*Transcript, error) {
	f.gotMedia = media
	if f.err != nil {
		return nil, f.err
	}
	return f.transcript, nil
}

func TestTranscriber_Execute(t *testing.T) {
	store := setupTestStore(t)
	snap, src := buildSnapshot(t, store, []byte("interview footage"))

	backend := &fakeTranscription{transcript: &Transcript{
		Text:  "hello world",
		Words: []TranscriptWord{{Word: "hello", StartMs: 0, EndMs: 300}, {Word: "world", StartMs: 350, EndMs: 700}},
	}}
	tr := NewTranscriber(store, backend, nil)

	j := &job.Job{ID: "j1", ProjectID: "p1", Kind: job.KindTranscribe, Input: job.Input{
		SegmentID: "s1",
		Snapshot:  snap,
	}}
	result, err := tr.Execute(context.Background(), j)
	require.NoError(t, err)

	assert.Equal(t, "interview footage", string(backend.gotMedia), "backend should receive the source media")

	artifact, err := store.Stat(context.Background(), result.AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.KindTranscript, artifact.Kind)
	assert.Equal(t, src.ID, artifact.DerivedFrom)
	assert.Equal(t, "j1", artifact.JobID)

	var payload TranscriptionResult
	require.NoError(t, json.Unmarshal(result.Payload, &payload))
	assert.Equal(t, "hello world", payload.Transcript.Text)
	assert.Equal(t, "s1", payload.SegmentID)
	assert.Equal(t, int64(1000), payload.StartMs)
	assert.Equal(t, int64(3000), payload.EndMs)
}

func TestTranscriber_UnknownSegment(t *testing.T) {
	store := setupTestStore(t)
	snap, _ := buildSnapshot(t, store, []byte("footage"))

	tr := NewTranscriber(store, &fakeTranscription{}, nil)
	j := &job.Job{ID: "j1", ProjectID: "p1", Input: job.Input{SegmentID: "missing", Snapshot: snap}}
	_, err := tr.Execute(context.Background(), j)
	assert.Error(t, err)
}

func TestTranscriber_BackendFailure(t *testing.T) {
	store := setupTestStore(t)
	snap, _ := buildSnapshot(t, store, []byte("footage"))

	backendErr := errors.New("model unavailable")
	tr := NewTranscriber(store, &fakeTranscription{err: backendErr}, nil)
	j := &job.Job{ID: "j1", ProjectID: "p1", Input: job.Input{SegmentID: "s1", Snapshot: snap}}
	_, err := tr.Execute(context.Background(), j)
	assert.ErrorIs(t, err, backendErr)
}

type fakeVoice struct {
	audio      []byte
	durationMs int64
}

func (f *fakeVoice) Synthesize(_ context.Context, text, voiceProfile string) ([]byte, int64, error) {
	return f.audio, f.durationMs, nil
}

func TestSynthesizer_Execute(t *testing.T) {
	store := setupTestStore(t)

	syn := NewSynthesizer(store, &fakeVoice{audio: []byte("pcm-bytes"), durationMs: 4200}, nil)
	j := &job.Job{ID: "j2", ProjectID: "p1", Kind: job.KindSynthesizeVoice, Input: job.Input{
		Text:         "welcome back",
		VoiceProfile: "narrator",
	}}
	result, err := syn.Execute(context.Background(), j)
	require.NoError(t, err)

	artifact, err := store.Stat(context.Background(), result.AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.KindGeneratedVoice, artifact.Kind)
	assert.Equal(t, int64(4200), artifact.DurationMs)

	var payload VoiceResult
	require.NoError(t, json.Unmarshal(result.Payload, &payload))
	assert.Equal(t, int64(4200), payload.DurationMs)
	assert.Equal(t, "narrator", payload.Voice)
}

func TestSynthesizer_EmptyText(t *testing.T) {
	store := setupTestStore(t)
	syn := NewSynthesizer(store, &fakeVoice{}, nil)
	j := &job.Job{ID: "j2", ProjectID: "p1", Input: job.Input{VoiceProfile: "narrator"}}
	_, err := syn.Execute(context.Background(), j)
	assert.Error(t, err)
}

type fakeStoryline struct {
	plan *StoryPlan
}

func (f *fakeStoryline) Suggest(_ context.Context, _ *timeline.Timeline) (*StoryPlan, error) {
	return f.plan, nil
}

func TestStoryliner_Execute(t *testing.T) {
	store := setupTestStore(t)
	snap, _ := buildSnapshot(t, store, []byte("footage"))

	plan := &StoryPlan{Tone: "upbeat", Opening: "start strong", KeyMessage: "family first", OpeningSec: 5}
	sl := NewStoryliner(&fakeStoryline{plan: plan}, nil)
	j := &job.Job{ID: "j3", ProjectID: "p1", Kind: job.KindGenerateStoryline, Input: job.Input{Snapshot: snap}}

	result, err := sl.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.Empty(t, result.AssetID, "storyline results carry no derived asset")

	var got StoryPlan
	require.NoError(t, json.Unmarshal(result.Payload, &got))
	assert.Equal(t, "upbeat", got.Tone)
	assert.Equal(t, "family first", got.KeyMessage)
}

func TestExporter_Execute(t *testing.T) {
	store := setupTestStore(t)
	snap, src := buildSnapshot(t, store, []byte("clip bytes"))

	exp := NewExporter(store, nil)
	j := &job.Job{ID: "j4", ProjectID: "p1", Kind: job.KindExport, Input: job.Input{
		Format:   "mp4",
		Quality:  "high",
		Snapshot: snap,
	}}
	result, err := exp.Execute(context.Background(), j)
	require.NoError(t, err)

	edl, err := store.Get(context.Background(), result.AssetID)
	require.NoError(t, err)
	text := string(edl)
	assert.Contains(t, text, "TITLE: p1")
	assert.Contains(t, text, "* FROM CLIP NAME:  s1")

	srcAsset, err := store.Stat(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Contains(t, text, "* MEDIA PATH:  "+srcAsset.Path)

	artifact, err := store.Stat(context.Background(), result.AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.KindRender, artifact.Kind)

	var manifest ExportManifest
	require.NoError(t, json.Unmarshal(result.Payload, &manifest))
	assert.Equal(t, ExportManifest{Format: "mp4", Quality: "high", ClipCount: 1}, manifest)
}

func TestExporter_EmptyTimeline(t *testing.T) {
	store := setupTestStore(t)
	exp := NewExporter(store, nil)
	j := &job.Job{ID: "j4", ProjectID: "p1", Input: job.Input{Snapshot: timeline.New("p1")}}
	_, err := exp.Execute(context.Background(), j)
	assert.Error(t, err)
}

func TestGenerateEDL_EventLines(t *testing.T) {
	clips := []renderClip{
		{channel: "V", name: "s1", mediaPath: "/a.mp4", srcInMs: 500, srcOutMs: 2500, recInMs: 0, recOutMs: 2000},
		{channel: "A", name: "s2", mediaPath: "/b.wav", srcInMs: 0, srcOutMs: 1000, recInMs: 2000, recOutMs: 3000},
	}
	edl := generateEDL(clips, "proj", 30)

	assert.True(t, strings.Contains(edl, "FCM: NON-DROP FRAME"), "EDL: %q", edl)
	assert.True(t, strings.Contains(edl, "001  AX       V     C        00:00:00:15 00:00:02:15 00:00:00:00 00:00:02:00"), "EDL: %q", edl)
	assert.True(t, strings.Contains(edl, "002  AX       A     C        00:00:00:00 00:00:01:00 00:00:02:00 00:00:03:00"), "EDL: %q", edl)
}

func TestGenerateEDL_DropFrame(t *testing.T) {
	clips := []renderClip{{channel: "V", name: "s1", mediaPath: "/x.mp4", srcOutMs: 1000, recOutMs: 1000}}
	edl := generateEDL(clips, "proj", 29.97)
	assert.Contains(t, edl, "FCM: DROP FRAME")
}

func TestMsToTimecode(t *testing.T) {
	tests := []struct {
		ms   int64
		fps  int
		want string
	}{
		{0, 30, "00:00:00:00"},
		{1000, 30, "00:00:01:00"},
		{1500, 30, "00:00:01:15"},
		{61000, 30, "00:01:01:00"},
		{3661000, 30, "01:01:01:00"},
		{500, 24, "00:00:00:12"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, msToTimecode(tt.ms, tt.fps), "msToTimecode(%d, %d)", tt.ms, tt.fps)
	}
}

func TestStubBackends(t *testing.T) {
	ctx := context.Background()
	logger := newDiscardLogger()

	transcript, err := NewStubTranscription(logger).Transcribe(ctx, []byte("media"))
	require.NoError(t, err)
	assert.NotEmpty(t, transcript.Text)
	assert.NotEmpty(t, transcript.Words)

	audio, durationMs, err := NewStubVoice(logger).Synthesize(ctx, "hello there", "narrator")
	require.NoError(t, err)
	assert.NotEmpty(t, audio)
	assert.GreaterOrEqual(t, durationMs, int64(500))

	plan, err := NewStubStoryline(logger).Suggest(ctx, timeline.New("p1"))
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Tone)
	assert.NotEmpty(t, plan.KeyMessage)
}
