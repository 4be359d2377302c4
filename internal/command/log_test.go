package command

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/capup/capup-engine/internal/db"
	"github.com/capup/capup-engine/internal/timeline"
)

func setupTestLog(t *testing.T) (*Log, Repository) {
	t.Helper()
	tmpDir := t.TempDir()

	database, err := db.New(filepath.Join(tmpDir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := NewRepository(database.Conn())
	return NewLog("p1", repo, 4, nil), repo
}

func newTestTimeline(t *testing.T) *timeline.Timeline {
	t.Helper()
	tl := timeline.New("p1")
	if _, err := tl.Apply(timeline.AddTrack(&timeline.Track{ID: "V1", Kind: timeline.TrackVideo})); err != nil {
		t.Fatalf("AddTrack error = %v", err)
	}
	return tl
}

func seg(id string, startMs, endMs int64) *timeline.Segment {
	return &timeline.Segment{
		ID: id, AssetID: "asset-" + id,
		StartMs: startMs, EndMs: endMs,
		SourceInMs: 0, SourceOutMs: endMs - startMs,
	}
}

// applier adapts a timeline into the mutation hook Undo/Redo take.
func applier(tl *timeline.Timeline) func(timeline.Command) error {
	return func(cmd timeline.Command) error {
		_, err := tl.Apply(cmd)
		return err
	}
}

// applyAndLog mirrors what the session controller does on every edit.
func applyAndLog(t *testing.T, tl *timeline.Timeline, log *Log, cmd timeline.Command) int64 {
	t.Helper()
	inv, err := tl.Apply(cmd)
	if err != nil {
		t.Fatalf("Apply(%s) error = %v", cmd.Kind, err)
	}
	return log.Append(cmd, inv)
}

func TestAppend_MonotonicSeq(t *testing.T) {
	log, _ := setupTestLog(t)
	tl := newTestTimeline(t)

	var last int64
	for i := int64(0); i < 5; i++ {
		seq := applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg(string(rune('a'+i)), i*1000, i*1000+500)))
		if seq <= last {
			t.Fatalf("seq %d not greater than previous %d", seq, last)
		}
		last = seq
	}
}

func TestUndoRedo_RestoresState(t *testing.T) {
	log, _ := setupTestLog(t)
	tl := newTestTimeline(t)

	applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg("s1", 0, 1000)))
	afterFirst := tl.Snapshot()
	applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg("s2", 2000, 3000)))

	_, ok, err := log.Undo(applier(tl))
	if err != nil || !ok {
		t.Fatalf("Undo() = %v, %v", ok, err)
	}
	if !timeline.Equal(tl, afterFirst) {
		t.Error("undo did not restore previous state")
	}

	_, ok, err = log.Redo(applier(tl))
	if err != nil || !ok {
		t.Fatalf("Redo() = %v, %v", ok, err)
	}
	if _, s2 := tl.FindSegment("s2"); s2 == nil {
		t.Error("redo did not restore segment s2")
	}
}

func TestUndo_Empty(t *testing.T) {
	log, _ := setupTestLog(t)
	tl := newTestTimeline(t)
	if _, ok, err := log.Undo(applier(tl)); ok || err != nil {
		t.Errorf("Undo() on empty log = %v, %v, want false, nil", ok, err)
	}
	if _, ok, err := log.Redo(applier(tl)); ok || err != nil {
		t.Errorf("Redo() on empty log = %v, %v, want false, nil", ok, err)
	}
}

// An undo whose inverse the timeline rejects must leave the log untouched:
// nothing popped, nothing appended.
func TestUndo_RejectedApplyLeavesLog(t *testing.T) {
	log, _ := setupTestLog(t)
	tl := newTestTimeline(t)

	applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg("s1", 0, 1000)))

	// Remove the segment behind the log's back so the inverse cannot apply.
	if _, err := tl.Apply(timeline.RemoveSegment("s1")); err != nil {
		t.Fatalf("RemoveSegment error = %v", err)
	}

	if _, ok, err := log.Undo(applier(tl)); ok || err == nil {
		t.Fatalf("Undo() = %v, %v, want false with an error", ok, err)
	}
	if got := log.Len(); got != 1 {
		t.Errorf("Len() after rejected undo = %d, want 1", got)
	}

	// The entry is still undoable once the timeline agrees again.
	if _, err := tl.Apply(timeline.InsertSegment("V1", seg("s1", 0, 1000))); err != nil {
		t.Fatalf("re-insert error = %v", err)
	}
	if _, ok, err := log.Undo(applier(tl)); !ok || err != nil {
		t.Fatalf("Undo() after repair = %v, %v", ok, err)
	}
}

/// Five edits, undo three, one new edit: the two discarded redo entries must
// stay discarded.
func TestRedoTruncation(t *testing.T) {
	log, _ := setupTestLog(t)
	tl := newTestTimeline(t)

	for i := int64(0); i < 5; i++ {
		applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg(string(rune('a'+i)), i*1000, i*1000+500)))
	}

	for i := 0; i < 3; i++ {
		if _, ok, err := log.Undo(applier(tl)); !ok || err != nil {
			t.Fatalf("Undo() %d = %v, %v", i, ok, err)
		}
	}

	// Redo one of the three, then make a fresh edit.
	if _, ok, err := log.Redo(applier(tl)); !ok || err != nil {
		t.Fatalf("Redo() = %v, %v", ok, err)
	}

	applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg("new", 50000, 51000)))

	if log.CanRedo() {
		t.Error("redo history should be truncated after a fresh edit")
	}
	if _, ok, _ := log.Redo(applier(tl)); ok {
		t.Error("Redo() after truncation should return false")
	}
}

func TestReplay_ReproducesLiveState(t *testing.T) {
	log, _ := setupTestLog(t)
	tl := newTestTimeline(t)

	applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg("s1", 0, 10000)))
	applyAndLog(t, tl, log, timeline.TrimSegment("s1", 2000, 8000))
	applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg("s2", 20000, 25000)))

	// Undo and redo entries are part of the log and must replay cleanly too.
	if _, ok, err := log.Undo(applier(tl)); !ok || err != nil {
		t.Fatalf("Undo() = %v, %v", ok, err)
	}

	replayed := timeline.New("p1")
	if _, err := replayed.Apply(timeline.AddTrack(&timeline.Track{ID: "V1", Kind: timeline.TrackVideo})); err != nil {
		t.Fatalf("AddTrack error = %v", err)
	}
	if err := Replay(log.Entries(), replayed); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if !timeline.Equal(tl, replayed) {
		t.Error("replayed timeline differs from live timeline")
	}

	// Idempotence: a second replay from empty gives the same result again.
	replayed2 := timeline.New("p1")
	if _, err := replayed2.Apply(timeline.AddTrack(&timeline.Track{ID: "V1", Kind: timeline.TrackVideo})); err != nil {
		t.Fatalf("AddTrack error = %v", err)
	}
	if err := Replay(log.Entries(), replayed2); err != nil {
		t.Fatalf("second Replay() error = %v", err)
	}
	if !timeline.Equal(replayed, replayed2) {
		t.Error("two replays of the same log disagree")
	}
}

func TestFlushAndLoad_RebuildsLog(t *testing.T) {
	log, repo := setupTestLog(t)
	tl := newTestTimeline(t)

	applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg("s1", 0, 10000)))
	applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg("s2", 20000, 25000)))
	if _, ok, err := log.Undo(applier(tl)); !ok || err != nil {
		t.Fatalf("Undo() = %v, %v", ok, err)
	}

	if err := log.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	loaded, err := Load(context.Background(), "p1", repo, 4, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Len() != log.Len() {
		t.Fatalf("loaded %d entries, want %d", loaded.Len(), log.Len())
	}

	rebuilt := timeline.New("p1")
	if _, err := rebuilt.Apply(timeline.AddTrack(&timeline.Track{ID: "V1", Kind: timeline.TrackVideo})); err != nil {
		t.Fatalf("AddTrack error = %v", err)
	}
	if err := Replay(loaded.Entries(), rebuilt); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if !timeline.Equal(tl, rebuilt) {
		t.Error("timeline rebuilt from durable log differs from live timeline")
	}

	// The undone insert of s2 was cancelled by its undo entry, so only s1's
	// insert remains undoable.
	if _, ok, err := loaded.Undo(applier(rebuilt)); !ok || err != nil {
		t.Fatalf("Undo() on loaded log = %v, %v", ok, err)
	}
	if _, s1 := rebuilt.FindSegment("s1"); s1 != nil {
		t.Error("undo from loaded log should remove s1")
	}
}

func TestAutosave_FlushesOnStride(t *testing.T) {
	log, repo := setupTestLog(t) // stride 4
	tl := newTestTimeline(t)

	for i := int64(0); i < 4; i++ {
		applyAndLog(t, tl, log, timeline.InsertSegment("V1", seg(string(rune('a'+i)), i*1000, i*1000+500)))
	}

	// Stride reached, entries should be durable without an explicit flush.
	entries, err := repo.LoadEntries(context.Background(), "p1")
	if err != nil {
		t.Fatalf("LoadEntries() error = %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("durable entries = %d, want 4", len(entries))
	}
}
