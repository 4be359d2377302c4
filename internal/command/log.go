// Package command implements the append-only per-project edit log: strictly
// monotonic sequence numbers, an undo/redo cursor with standard editor
// truncation semantics, and SQLite-backed autosave. Undo and redo are
// themselves appends, so replaying the full log from an empty timeline always
// reproduces the live state.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/capup/capup-engine/internal/timeline"
)

// Entry is one record in a project's command log. Entries are never edited or
// removed; an undo appends the inverse as a new entry.
type Entry struct {
	Seq        int64
	ProjectID  string
	Cmd        timeline.Command
	Inverse    timeline.Command
	IsUndo     bool
	AppendedAt time.Time
}

type Log struct {
	mu         sync.Mutex
	projectID  string
	repo       Repository
	flushEvery int
	logger     *slog.Logger

	entries []Entry
	flushed int // entries[:flushed] are durable
	nextSeq int64

	undo []int // indices into entries, oldest first
	redo []redoItem
}

type redoItem struct {
	cmd     timeline.Command
	inverse timeline.Command
}

func NewLog(projectID string, repo Repository, flushEvery int, logger *slog.Logger) *Log {
	if flushEvery <= 0 {
		flushEvery = 16
	}
	return &Log{
		projectID:  projectID,
		repo:       repo,
		flushEvery: flushEvery,
		logger:     logger,
		nextSeq:    1,
	}
}

// Append records an applied command and its inverse, returning the sequence
// number. Appending truncates the redo history.
func (l *Log) Append(cmd, inverse timeline.Command) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.append(cmd, inverse, false)
	l.undo = append(l.undo, len(l.entries)-1)
	l.redo = nil
	l.maybeFlushLocked()
	return seq
}

// Undo pops the most recent undoable command, applies its inverse through
// apply, and records the inverse as a new log entry. Nothing is popped or
// appended unless apply succeeds, so the log can never record a mutation the
// timeline rejected. Returns false when there is nothing to undo.
func (l *Log) Undo(apply func(timeline.Command) error) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.undo) == 0 {
		return 0, false, nil
	}

	idx := l.undo[len(l.undo)-1]
	e := l.entries[idx]
	if err := apply(e.Inverse); err != nil {
		return 0, false, err
	}

	l.undo = l.undo[:len(l.undo)-1]
	seq := l.append(e.Inverse, e.Cmd, true)
	l.redo = append(l.redo, redoItem{cmd: e.Cmd, inverse: e.Inverse})
	l.maybeFlushLocked()
	return seq, true, nil
}

// Redo applies the most recently undone command through apply and re-appends
// it, with the same append-only-on-success rule as Undo. Returns false when
// the redo history is empty.
func (l *Log) Redo(apply func(timeline.Command) error) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.redo) == 0 {
		return 0, false, nil
	}

	item := l.redo[len(l.redo)-1]
	if err := apply(item.cmd); err != nil {
		return 0, false, err
	}

	l.redo = l.redo[:len(l.redo)-1]
	seq := l.append(item.cmd, item.inverse, false)
	l.undo = append(l.undo, len(l.entries)-1)
	l.maybeFlushLocked()
	return seq, true, nil
}

func (l *Log) append(cmd, inverse timeline.Command, isUndo bool) int64 {
	seq := l.nextSeq
	l.nextSeq++
	l.entries = append(l.entries, Entry{
		Seq:        seq,
		ProjectID:  l.projectID,
		Cmd:        cmd,
		Inverse:    inverse,
		IsUndo:     isUndo,
		AppendedAt: time.Now(),
	})
	return seq
}

func (l *Log) maybeFlushLocked() {
	if len(l.entries)-l.flushed < l.flushEvery {
		return
	}
	if err := l.flushLocked(context.Background()); err != nil && l.logger != nil {
		l.logger.Warn("autosave flush failed", "project_id", l.projectID, "error", err)
	}
}

// Flush persists any entries not yet written to durable storage.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(ctx)
}

func (l *Log) flushLocked(ctx context.Context) error {
	if l.repo == nil || l.flushed == len(l.entries) {
		return nil
	}
	pending := l.entries[l.flushed:]
	if err := l.repo.AppendEntries(ctx, pending); err != nil {
		return fmt.Errorf("append %d entries: %w", len(pending), err)
	}
	l.flushed = len(l.entries)
	return nil
}

// Len returns the number of entries appended so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// CanRedo reports whether the redo history is non-empty.
func (l *Log) CanRedo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.redo) > 0
}

// Entries returns a copy of the full log for replay.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Load rebuilds a log from durable storage. The undo stack is reconstructed
// from the entry history; redo history does not survive a reload.
func Load(ctx context.Context, projectID string, repo Repository, flushEvery int, logger *slog.Logger) (*Log, error) {
	entries, err := repo.LoadEntries(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	l := NewLog(projectID, repo, flushEvery, logger)
	l.entries = entries
	l.flushed = len(entries)
	for i, e := range entries {
		if e.Seq >= l.nextSeq {
			l.nextSeq = e.Seq + 1
		}
		if e.IsUndo {
			if len(l.undo) > 0 {
				l.undo = l.undo[:len(l.undo)-1]
			}
		} else {
			l.undo = append(l.undo, i)
		}
	}
	return l, nil
}

// Replay applies every entry's command in sequence order to an empty
// timeline. Replaying the same log twice from empty yields equal timelines.
func Replay(entries []Entry, tl *timeline.Timeline) error {
	for _, e := range entries {
		if _, err := tl.Apply(e.Cmd); err != nil {
			return fmt.Errorf("replay seq %d (%s): %w", e.Seq, e.Cmd.Kind, err)
		}
	}
	return nil
}
