package timeline

import (
	"errors"
	"testing"
)

func newTestTimeline(t *testing.T) *Timeline {
	t.Helper()
	tl := New("proj-1")
	for _, track := range []*Track{
		{ID: "V1", Kind: TrackVideo},
		{ID: "A1", Kind: TrackAudio},
		{ID: "C1", Kind: TrackCaption},
	} {
		if _, err := tl.Apply(AddTrack(track)); err != nil {
			t.Fatalf("AddTrack(%s) error = %v", track.ID, err)
		}
	}
	return tl
}

func seg(id string, startMs, endMs int64) *Segment {
	return &Segment{
		ID:          id,
		AssetID:     "asset-" + id,
		StartMs:     startMs,
		EndMs:       endMs,
		SourceInMs:  0,
		SourceOutMs: endMs - startMs,
	}
}

func TestInsertSegment_OverlapRejected(t *testing.T) {
	tl := newTestTimeline(t)

	if _, err := tl.Apply(InsertSegment("V1", seg("s1", 0, 10000))); err != nil {
		t.Fatalf("first insert error = %v", err)
	}

	before := tl.Snapshot()

	_, err := tl.Apply(InsertSegment("V1", seg("s2", 5000, 15000)))
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("second insert error = %v, want ErrOverlap", err)
	}

	if !Equal(tl, before) {
		t.Error("timeline changed by rejected insert")
	}
}

func TestInsertSegment_OverlapAcrossTracksAllowed(t *testing.T) {
	tl := newTestTimeline(t)

	if _, err := tl.Apply(InsertSegment("V1", seg("s1", 0, 10000))); err != nil {
		t.Fatalf("insert on V1 error = %v", err)
	}
	if _, err := tl.Apply(InsertSegment("A1", seg("s2", 5000, 15000))); err != nil {
		t.Errorf("insert on A1 error = %v, cross-track overlap should be allowed", err)
	}
	if err := tl.CheckNoOverlap(); err != nil {
		t.Errorf("CheckNoOverlap() = %v", err)
	}
}

func TestInsertSegment_UnknownTrack(t *testing.T) {
	tl := newTestTimeline(t)

	_, err := tl.Apply(InsertSegment("V9", seg("s1", 0, 1000)))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("insert error = %v, want ErrNotFound", err)
	}
}

func TestInsertSegment_Validation(t *testing.T) {
	tl := newTestTimeline(t)

	bad := seg("s1", 5000, 5000) // empty range
	if _, err := tl.Apply(InsertSegment("V1", bad)); !errors.Is(err, ErrValidation) {
		t.Errorf("empty range error = %v, want ErrValidation", err)
	}

	bad = seg("s1", 0, 1000)
	bad.SourceOutMs = -1
	if _, err := tl.Apply(InsertSegment("V1", bad)); !errors.Is(err, ErrValidation) {
		t.Errorf("bad trim window error = %v, want ErrValidation", err)
	}
}

// A segment whose occupied range is longer or shorter than its trim window
// would make trim non-invertible, so it must never get onto the timeline.
func TestInsertSegment_DurationMustMatchWindow(t *testing.T) {
	tl := newTestTimeline(t)

	bad := seg("s1", 1000, 3000)
	bad.SourceOutMs = 1000 // 2s on the timeline, 1s of source
	if _, err := tl.Apply(InsertSegment("V1", bad)); !errors.Is(err, ErrValidation) {
		t.Fatalf("insert error = %v, want ErrValidation", err)
	}
	if _, s1 := tl.FindSegment("s1"); s1 != nil {
		t.Error("mismatched segment landed on the timeline")
	}
}

func TestAddTrack_PrePopulatedSegmentsValidated(t *testing.T) {
	tl := newTestTimeline(t)
	before := tl.Snapshot()

	overlapping := &Track{ID: "V2", Kind: TrackVideo, Segments: []*Segment{
		seg("o1", 0, 10000),
		seg("o2", 5000, 15000),
	}}
	if _, err := tl.Apply(AddTrack(overlapping)); !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlapping AddTrack error = %v, want ErrOverlap", err)
	}

	invalid := &Track{ID: "V2", Kind: TrackVideo, Segments: []*Segment{
		seg("o1", 5000, 5000),
	}}
	if _, err := tl.Apply(AddTrack(invalid)); !errors.Is(err, ErrValidation) {
		t.Fatalf("invalid-segment AddTrack error = %v, want ErrValidation", err)
	}

	duplicated := &Track{ID: "V2", Kind: TrackVideo, Segments: []*Segment{
		seg("o1", 0, 1000), seg("o1", 2000, 3000),
	}}
	if _, err := tl.Apply(AddTrack(duplicated)); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate-id AddTrack error = %v, want ErrValidation", err)
	}

	if !Equal(tl, before) {
		t.Error("timeline changed by rejected AddTrack")
	}
	if err := tl.CheckNoOverlap(); err != nil {
		t.Errorf("CheckNoOverlap() = %v", err)
	}
}

func TestAddTrack_PrePopulatedAccepted(t *testing.T) {
	tl := newTestTimeline(t)

	tr := &Track{ID: "V2", Kind: TrackVideo, Segments: []*Segment{
		seg("b2", 20000, 25000),
		seg("b1", 0, 5000),
	}}
	if _, err := tl.Apply(AddTrack(tr)); err != nil {
		t.Fatalf("AddTrack error = %v", err)
	}

	v2 := tl.Track("V2")
	if len(v2.Segments) != 2 || v2.Segments[0].ID != "b1" {
		t.Errorf("segments not sorted by start: %+v", v2.Segments)
	}
	if err := tl.CheckNoOverlap(); err != nil {
		t.Errorf("CheckNoOverlap() = %v", err)
	}
}

func TestInverseLaw(t *testing.T) {
	tl := newTestTimeline(t)
	if _, err := tl.Apply(InsertSegment("V1", seg("s1", 0, 10000))); err != nil {
		t.Fatalf("setup insert error = %v", err)
	}
	if _, err := tl.Apply(InsertSegment("V1", seg("s2", 20000, 30000))); err != nil {
		t.Fatalf("setup insert error = %v", err)
	}

	cases := []struct {
		name string
		cmd  Command
	}{
		{"insert", InsertSegment("V1", seg("s3", 40000, 45000))},
		{"remove", RemoveSegment("s1")},
		{"trim", TrimSegment("s1", 2000, 8000)},
		{"move_same_track", MoveSegment("s1", "V1", 50000)},
		{"move_other_track", MoveSegment("s1", "A1", 0)},
		{"reorder_track", ReorderTrack("C1", 0)},
		{"remove_track", RemoveTrack("A1")},
		{"patch", Patch(RemoveSegment("s2"), InsertSegment("A1", seg("s4", 0, 1000)))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := tl.Snapshot()

			inv, err := tl.Apply(tc.cmd)
			if err != nil {
				t.Fatalf("Apply(%s) error = %v", tc.cmd.Kind, err)
			}
			if err := tl.CheckNoOverlap(); err != nil {
				t.Fatalf("overlap invariant broken after %s: %v", tc.cmd.Kind, err)
			}

			if _, err := tl.Apply(inv); err != nil {
				t.Fatalf("Apply(inverse) error = %v", err)
			}
			if !Equal(tl, before) {
				t.Errorf("timeline after apply+inverse differs from original")
			}
		})
	}
}

func TestTrimSegment_ExtendsIntoNeighbour(t *testing.T) {
	tl := newTestTimeline(t)
	if _, err := tl.Apply(InsertSegment("V1", seg("s1", 0, 5000))); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if _, err := tl.Apply(InsertSegment("V1", seg("s2", 5000, 10000))); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	// Growing s1's window to 6s would push its end into s2.
	_, err := tl.Apply(TrimSegment("s1", 0, 6000))
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("trim error = %v, want ErrOverlap", err)
	}

	_, s1 := tl.FindSegment("s1")
	if s1.EndMs != 5000 || s1.SourceOutMs != 5000 {
		t.Errorf("segment mutated by rejected trim: end=%d sourceOut=%d", s1.EndMs, s1.SourceOutMs)
	}
}

func TestApplyPatch_Atomic(t *testing.T) {
	tl := newTestTimeline(t)
	if _, err := tl.Apply(InsertSegment("V1", seg("s1", 0, 10000))); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	before := tl.Snapshot()

	// Second patch command overlaps s1, so the first must roll back too.
	patch := Patch(
		InsertSegment("V1", seg("p1", 20000, 25000)),
		InsertSegment("V1", seg("p2", 5000, 15000)),
	)
	_, err := tl.Apply(patch)
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("patch error = %v, want ErrOverlap", err)
	}

	if !Equal(tl, before) {
		t.Error("failed patch partially applied")
	}
	if _, p1 := tl.FindSegment("p1"); p1 != nil {
		t.Error("first patch command left behind after failed patch")
	}
}

func TestMoveSegment_KeepsDuration(t *testing.T) {
	tl := newTestTimeline(t)
	if _, err := tl.Apply(InsertSegment("V1", seg("s1", 0, 10000))); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	if _, err := tl.Apply(MoveSegment("s1", "A1", 3000)); err != nil {
		t.Fatalf("move error = %v", err)
	}

	tr, s1 := tl.FindSegment("s1")
	if tr.ID != "A1" {
		t.Errorf("segment on track %s, want A1", tr.ID)
	}
	if s1.StartMs != 3000 || s1.EndMs != 13000 {
		t.Errorf("segment range [%d, %d), want [3000, 13000)", s1.StartMs, s1.EndMs)
	}
}

func TestSnapshot_Isolated(t *testing.T) {
	tl := newTestTimeline(t)
	if _, err := tl.Apply(InsertSegment("V1", seg("s1", 0, 10000))); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	snap := tl.Snapshot()
	if _, err := tl.Apply(TrimSegment("s1", 1000, 9000)); err != nil {
		t.Fatalf("trim error = %v", err)
	}

	_, snapSeg := snap.FindSegment("s1")
	if snapSeg.SourceInMs != 0 {
		t.Error("snapshot mutated by later edit")
	}
}

func TestSegmentsSortedByStart(t *testing.T) {
	tl := newTestTimeline(t)
	for _, s := range []*Segment{seg("s3", 20000, 25000), seg("s1", 0, 5000), seg("s2", 10000, 15000)} {
		if _, err := tl.Apply(InsertSegment("V1", s)); err != nil {
			t.Fatalf("insert %s error = %v", s.ID, err)
		}
	}

	v1 := tl.Track("V1")
	for i := 1; i < len(v1.Segments); i++ {
		if v1.Segments[i-1].StartMs > v1.Segments[i].StartMs {
			t.Fatalf("segments out of order: %s before %s", v1.Segments[i-1].ID, v1.Segments[i].ID)
		}
	}
}
