// Package timeline holds the in-memory edit document for a project: ordered
// tracks of non-overlapping segments, each referencing a window into a media
// asset. Every mutation goes through Apply, which validates first and returns
// the inverse command needed to undo it.
package timeline

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrValidation = errors.New("invalid command")
	ErrOverlap    = errors.New("segment overlap")
	ErrNotFound   = errors.New("not found")
)

type TrackKind string

const (
	TrackVideo   TrackKind = "video"
	TrackAudio   TrackKind = "audio"
	TrackCaption TrackKind = "caption"
)

// Segment places a trimmed window of one media asset on a track.
// [StartMs, EndMs) is the occupied timeline range; [SourceInMs, SourceOutMs]
// is the window into the referenced asset.
type Segment struct {
	ID          string             `json:"id"`
	AssetID     string             `json:"asset_id"`
	StartMs     int64              `json:"start_ms"`
	EndMs       int64              `json:"end_ms"`
	SourceInMs  int64              `json:"source_in_ms"`
	SourceOutMs int64              `json:"source_out_ms"`
	Transform   map[string]float64 `json:"transform,omitempty"`
}

type Track struct {
	ID       string     `json:"id"`
	Kind     TrackKind  `json:"kind"`
	Segments []*Segment `json:"segments"`
}

type Timeline struct {
	ProjectID string   `json:"project_id"`
	Tracks    []*Track `json:"tracks"`
}

func New(projectID string) *Timeline {
	return &Timeline{ProjectID: projectID}
}

// Snapshot returns a deep copy safe for concurrent reads and job inputs.
func (t *Timeline) Snapshot() *Timeline {
	out := &Timeline{ProjectID: t.ProjectID, Tracks: make([]*Track, len(t.Tracks))}
	for i, tr := range t.Tracks {
		out.Tracks[i] = tr.clone()
	}
	return out
}

func (tr *Track) clone() *Track {
	c := &Track{ID: tr.ID, Kind: tr.Kind, Segments: make([]*Segment, len(tr.Segments))}
	for i, s := range tr.Segments {
		c.Segments[i] = s.clone()
	}
	return c
}

func (s *Segment) clone() *Segment {
	c := *s
	if s.Transform != nil {
		c.Transform = make(map[string]float64, len(s.Transform))
		for k, v := range s.Transform {
			c.Transform[k] = v
		}
	}
	return &c
}

// Equal reports structural equality, used by the replay and undo invariants.
func Equal(a, b *Timeline) bool {
	if a.ProjectID != b.ProjectID || len(a.Tracks) != len(b.Tracks) {
		return false
	}
	for i := range a.Tracks {
		ta, tb := a.Tracks[i], b.Tracks[i]
		if ta.ID != tb.ID || ta.Kind != tb.Kind || len(ta.Segments) != len(tb.Segments) {
			return false
		}
		for j := range ta.Segments {
			if !segmentEqual(ta.Segments[j], tb.Segments[j]) {
				return false
			}
		}
	}
	return true
}

func segmentEqual(a, b *Segment) bool {
	if a.ID != b.ID || a.AssetID != b.AssetID ||
		a.StartMs != b.StartMs || a.EndMs != b.EndMs ||
		a.SourceInMs != b.SourceInMs || a.SourceOutMs != b.SourceOutMs {
		return false
	}
	if len(a.Transform) != len(b.Transform) {
		return false
	}
	for k, v := range a.Transform {
		if b.Transform[k] != v {
			return false
		}
	}
	return true
}

func (t *Timeline) Track(id string) *Track {
	for _, tr := range t.Tracks {
		if tr.ID == id {
			return tr
		}
	}
	return nil
}

// FindSegment returns the track holding the segment, or nils.
func (t *Timeline) FindSegment(segmentID string) (*Track, *Segment) {
	for _, tr := range t.Tracks {
		for _, s := range tr.Segments {
			if s.ID == segmentID {
				return tr, s
			}
		}
	}
	return nil, nil
}

// overlapsAt reports whether [startMs, endMs) intersects any segment on the
// track other than excludeID.
func (tr *Track) overlapsAt(startMs, endMs int64, excludeID string) bool {
	for _, s := range tr.Segments {
		if s.ID == excludeID {
			continue
		}
		if s.StartMs < endMs && startMs < s.EndMs {
			return true
		}
	}
	return false
}

func (tr *Track) removeSegment(id string) *Segment {
	for i, s := range tr.Segments {
		if s.ID == id {
			tr.Segments = append(tr.Segments[:i], tr.Segments[i+1:]...)
			return s
		}
	}
	return nil
}

func (tr *Track) insertSorted(s *Segment) {
	tr.Segments = append(tr.Segments, s)
	sort.Slice(tr.Segments, func(i, j int) bool {
		return tr.Segments[i].StartMs < tr.Segments[j].StartMs
	})
}

func validateSegment(s *Segment) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: segment id required", ErrValidation)
	}
	if s.AssetID == "" {
		return fmt.Errorf("%w: segment asset id required", ErrValidation)
	}
	if s.StartMs < 0 || s.EndMs <= s.StartMs {
		return fmt.Errorf("%w: segment range [%d, %d) invalid", ErrValidation, s.StartMs, s.EndMs)
	}
	if s.SourceInMs < 0 || s.SourceOutMs < s.SourceInMs {
		return fmt.Errorf("%w: trim window [%d, %d] invalid", ErrValidation, s.SourceInMs, s.SourceOutMs)
	}
	// Segments play at source rate: the occupied range must be exactly as
	// long as the trim window, which is what keeps trim invertible.
	if s.EndMs-s.StartMs != s.SourceOutMs-s.SourceInMs {
		return fmt.Errorf("%w: segment duration %dms does not match trim window %dms",
			ErrValidation, s.EndMs-s.StartMs, s.SourceOutMs-s.SourceInMs)
	}
	return nil
}
