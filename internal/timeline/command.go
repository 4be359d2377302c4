package timeline

import (
	"fmt"
	"sort"
)

type CommandKind string

const (
	CmdAddTrack      CommandKind = "add_track"
	CmdRemoveTrack   CommandKind = "remove_track"
	CmdReorderTrack  CommandKind = "reorder_track"
	CmdInsertSegment CommandKind = "insert_segment"
	CmdRemoveSegment CommandKind = "remove_segment"
	CmdTrimSegment   CommandKind = "trim_segment"
	CmdMoveSegment   CommandKind = "move_segment"
	CmdPatch         CommandKind = "patch"
)

// Command is one atomic, invertible timeline mutation. Only the fields for
// the given kind are populated; the zero value of the rest is ignored.
type Command struct {
	Kind CommandKind `json:"kind"`

	// add_track / remove_track carry the full track so either direction
	// can be replayed from the record alone.
	Track *Track `json:"track,omitempty"`

	// reorder_track
	TrackID  string `json:"track_id,omitempty"`
	TrackPos int    `json:"track_pos,omitempty"`

	// insert_segment / remove_segment
	Segment *Segment `json:"segment,omitempty"`

	// trim_segment / move_segment
	SegmentID   string `json:"segment_id,omitempty"`
	SourceInMs  int64  `json:"source_in_ms,omitempty"`
	SourceOutMs int64  `json:"source_out_ms,omitempty"`
	StartMs     int64  `json:"start_ms,omitempty"`

	// patch
	Patch []Command `json:"patch,omitempty"`
}

func AddTrack(track *Track) Command {
	return Command{Kind: CmdAddTrack, Track: track}
}

func RemoveTrack(trackID string) Command {
	return Command{Kind: CmdRemoveTrack, TrackID: trackID}
}

func ReorderTrack(trackID string, pos int) Command {
	return Command{Kind: CmdReorderTrack, TrackID: trackID, TrackPos: pos}
}

func InsertSegment(trackID string, seg *Segment) Command {
	return Command{Kind: CmdInsertSegment, TrackID: trackID, Segment: seg}
}

func RemoveSegment(segmentID string) Command {
	return Command{Kind: CmdRemoveSegment, SegmentID: segmentID}
}

func TrimSegment(segmentID string, sourceInMs, sourceOutMs int64) Command {
	return Command{Kind: CmdTrimSegment, SegmentID: segmentID, SourceInMs: sourceInMs, SourceOutMs: sourceOutMs}
}

func MoveSegment(segmentID, newTrackID string, newStartMs int64) Command {
	return Command{Kind: CmdMoveSegment, SegmentID: segmentID, TrackID: newTrackID, StartMs: newStartMs}
}

func Patch(cmds ...Command) Command {
	return Command{Kind: CmdPatch, Patch: cmds}
}

// Apply validates and executes the command, returning the inverse command.
// On error the timeline is unchanged; a patch is all-or-nothing.
func (t *Timeline) Apply(cmd Command) (Command, error) {
	switch cmd.Kind {
	case CmdAddTrack:
		return t.applyAddTrack(cmd)
	case CmdRemoveTrack:
		return t.applyRemoveTrack(cmd)
	case CmdReorderTrack:
		return t.applyReorderTrack(cmd)
	case CmdInsertSegment:
		return t.applyInsertSegment(cmd)
	case CmdRemoveSegment:
		return t.applyRemoveSegment(cmd)
	case CmdTrimSegment:
		return t.applyTrimSegment(cmd)
	case CmdMoveSegment:
		return t.applyMoveSegment(cmd)
	case CmdPatch:
		return t.applyPatch(cmd)
	default:
		return Command{}, fmt.Errorf("%w: unknown command kind %q", ErrValidation, cmd.Kind)
	}
}

func (t *Timeline) applyAddTrack(cmd Command) (Command, error) {
	if cmd.Track == nil || cmd.Track.ID == "" {
		return Command{}, fmt.Errorf("%w: track required", ErrValidation)
	}
	switch cmd.Track.Kind {
	case TrackVideo, TrackAudio, TrackCaption:
	default:
		return Command{}, fmt.Errorf("%w: unknown track kind %q", ErrValidation, cmd.Track.Kind)
	}
	if t.Track(cmd.Track.ID) != nil {
		return Command{}, fmt.Errorf("%w: track %s already exists", ErrValidation, cmd.Track.ID)
	}

	// A track may arrive pre-populated (restoring a removed track, bulk
	// edits over the wire); its segments get the same checks as inserts.
	tr := cmd.Track.clone()
	sort.Slice(tr.Segments, func(i, j int) bool {
		return tr.Segments[i].StartMs < tr.Segments[j].StartMs
	})
	seen := make(map[string]bool, len(tr.Segments))
	for i, s := range tr.Segments {
		if err := validateSegment(s); err != nil {
			return Command{}, err
		}
		if seen[s.ID] {
			return Command{}, fmt.Errorf("%w: segment %s appears twice on track %s", ErrValidation, s.ID, tr.ID)
		}
		seen[s.ID] = true
		if existing, _ := t.FindSegment(s.ID); existing != nil {
			return Command{}, fmt.Errorf("%w: segment %s already exists", ErrValidation, s.ID)
		}
		if i > 0 && s.StartMs < tr.Segments[i-1].EndMs {
			return Command{}, fmt.Errorf("%w: [%d, %d) on track %s", ErrOverlap, s.StartMs, s.EndMs, tr.ID)
		}
	}

	t.Tracks = append(t.Tracks, tr)
	return RemoveTrack(tr.ID), nil
}

func (t *Timeline) applyRemoveTrack(cmd Command) (Command, error) {
	for i, tr := range t.Tracks {
		if tr.ID == cmd.TrackID {
			t.Tracks = append(t.Tracks[:i], t.Tracks[i+1:]...)
			// Inverse restores the track, segments intact, at its old position.
			if i == len(t.Tracks) {
				return AddTrack(tr), nil
			}
			return Patch(AddTrack(tr), ReorderTrack(tr.ID, i)), nil
		}
	}
	return Command{}, fmt.Errorf("%w: track %s", ErrNotFound, cmd.TrackID)
}

func (t *Timeline) applyReorderTrack(cmd Command) (Command, error) {
	if cmd.TrackPos < 0 || cmd.TrackPos >= len(t.Tracks) {
		return Command{}, fmt.Errorf("%w: track position %d out of range", ErrValidation, cmd.TrackPos)
	}
	oldPos := -1
	for i, tr := range t.Tracks {
		if tr.ID == cmd.TrackID {
			oldPos = i
			break
		}
	}
	if oldPos < 0 {
		return Command{}, fmt.Errorf("%w: track %s", ErrNotFound, cmd.TrackID)
	}
	tr := t.Tracks[oldPos]
	t.Tracks = append(t.Tracks[:oldPos], t.Tracks[oldPos+1:]...)
	rest := append([]*Track{}, t.Tracks[cmd.TrackPos:]...)
	t.Tracks = append(t.Tracks[:cmd.TrackPos], tr)
	t.Tracks = append(t.Tracks, rest...)
	return ReorderTrack(cmd.TrackID, oldPos), nil
}

func (t *Timeline) applyInsertSegment(cmd Command) (Command, error) {
	if err := validateSegment(cmd.Segment); err != nil {
		return Command{}, err
	}
	tr := t.Track(cmd.TrackID)
	if tr == nil {
		return Command{}, fmt.Errorf("%w: track %s", ErrNotFound, cmd.TrackID)
	}
	if existing, _ := t.FindSegment(cmd.Segment.ID); existing != nil {
		return Command{}, fmt.Errorf("%w: segment %s already exists", ErrValidation, cmd.Segment.ID)
	}
	if tr.overlapsAt(cmd.Segment.StartMs, cmd.Segment.EndMs, "") {
		return Command{}, fmt.Errorf("%w: [%d, %d) on track %s", ErrOverlap, cmd.Segment.StartMs, cmd.Segment.EndMs, tr.ID)
	}
	tr.insertSorted(cmd.Segment.clone())
	return RemoveSegment(cmd.Segment.ID), nil
}

func (t *Timeline) applyRemoveSegment(cmd Command) (Command, error) {
	id := cmd.SegmentID
	if id == "" && cmd.Segment != nil {
		id = cmd.Segment.ID
	}
	tr, seg := t.FindSegment(id)
	if seg == nil {
		return Command{}, fmt.Errorf("%w: segment %s", ErrNotFound, id)
	}
	tr.removeSegment(id)
	return InsertSegment(tr.ID, seg), nil
}

func (t *Timeline) applyTrimSegment(cmd Command) (Command, error) {
	if cmd.SourceInMs < 0 || cmd.SourceOutMs <= cmd.SourceInMs {
		return Command{}, fmt.Errorf("%w: trim window [%d, %d] invalid", ErrValidation, cmd.SourceInMs, cmd.SourceOutMs)
	}
	tr, seg := t.FindSegment(cmd.SegmentID)
	if seg == nil {
		return Command{}, fmt.Errorf("%w: segment %s", ErrNotFound, cmd.SegmentID)
	}

	newEnd := seg.StartMs + (cmd.SourceOutMs - cmd.SourceInMs)
	if tr.overlapsAt(seg.StartMs, newEnd, seg.ID) {
		return Command{}, fmt.Errorf("%w: trim extends segment %s into a neighbour", ErrOverlap, seg.ID)
	}

	inverse := TrimSegment(seg.ID, seg.SourceInMs, seg.SourceOutMs)
	seg.SourceInMs = cmd.SourceInMs
	seg.SourceOutMs = cmd.SourceOutMs
	seg.EndMs = newEnd
	return inverse, nil
}

func (t *Timeline) applyMoveSegment(cmd Command) (Command, error) {
	if cmd.StartMs < 0 {
		return Command{}, fmt.Errorf("%w: start %d invalid", ErrValidation, cmd.StartMs)
	}
	src, seg := t.FindSegment(cmd.SegmentID)
	if seg == nil {
		return Command{}, fmt.Errorf("%w: segment %s", ErrNotFound, cmd.SegmentID)
	}
	dst := t.Track(cmd.TrackID)
	if dst == nil {
		return Command{}, fmt.Errorf("%w: track %s", ErrNotFound, cmd.TrackID)
	}

	duration := seg.EndMs - seg.StartMs
	newEnd := cmd.StartMs + duration
	if dst.overlapsAt(cmd.StartMs, newEnd, seg.ID) {
		return Command{}, fmt.Errorf("%w: [%d, %d) on track %s", ErrOverlap, cmd.StartMs, newEnd, dst.ID)
	}

	inverse := MoveSegment(seg.ID, src.ID, seg.StartMs)
	src.removeSegment(seg.ID)
	seg.StartMs = cmd.StartMs
	seg.EndMs = newEnd
	dst.insertSorted(seg)
	return inverse, nil
}

// applyPatch stages the batch on a snapshot so a failure partway leaves the
// live timeline untouched. The inverse is the child inverses in reverse order.
func (t *Timeline) applyPatch(cmd Command) (Command, error) {
	if len(cmd.Patch) == 0 {
		return Command{}, fmt.Errorf("%w: empty patch", ErrValidation)
	}

	staged := t.Snapshot()
	inverses := make([]Command, 0, len(cmd.Patch))
	for _, c := range cmd.Patch {
		inv, err := staged.Apply(c)
		if err != nil {
			return Command{}, fmt.Errorf("patch command %s: %w", c.Kind, err)
		}
		inverses = append(inverses, inv)
	}

	for i, j := 0, len(inverses)-1; i < j; i, j = i+1, j-1 {
		inverses[i], inverses[j] = inverses[j], inverses[i]
	}

	t.Tracks = staged.Tracks
	return Patch(inverses...), nil
}

// CheckNoOverlap verifies the per-track overlap invariant over the whole
// timeline. Used by tests after every mutation.
func (t *Timeline) CheckNoOverlap() error {
	for _, tr := range t.Tracks {
		for i, s := range tr.Segments {
			for _, other := range tr.Segments[i+1:] {
				if s.StartMs < other.EndMs && other.StartMs < s.EndMs {
					return fmt.Errorf("%w: segments %s and %s on track %s", ErrOverlap, s.ID, other.ID, tr.ID)
				}
			}
		}
	}
	return nil
}
