package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capup/capup-engine/internal/asset"
	"github.com/capup/capup-engine/internal/command"
	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/logging"
	"github.com/capup/capup-engine/internal/timeline"
)

// Manager owns one Session per open project. It is the single queue
// subscriber and routes job events to the owning session, so late events for
// closed projects fall on the floor rather than a stale callback.
type Manager struct {
	repo    Repository
	cmdRepo command.Repository
	store   *asset.Store
	queue   *job.Queue
	logger  *slog.Logger

	flushEvery       int
	autosaveInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	done chan struct{}
	wg   sync.WaitGroup
}

func NewManager(repo Repository, cmdRepo command.Repository, store *asset.Store, queue *job.Queue, flushEvery int, autosaveInterval time.Duration, logger *slog.Logger) *Manager {
	m := &Manager{
		repo:             repo,
		cmdRepo:          cmdRepo,
		store:            store,
		queue:            queue,
		logger:           logger,
		flushEvery:       flushEvery,
		autosaveInterval: autosaveInterval,
		sessions:         make(map[string]*Session),
		done:             make(chan struct{}),
	}
	queue.Subscribe(m.dispatch)
	return m
}

// Start launches the autosave loop. It returns immediately.
func (m *Manager) Start() {
	if m.autosaveInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.autosaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.flushAll(context.Background())
			}
		}
	}()
}

// Close flushes every open session's log and stops the autosave loop.
func (m *Manager) Close(ctx context.Context) error {
	close(m.done)
	m.wg.Wait()
	return m.flushAll(ctx)
}

func (m *Manager) flushAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Flush(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if m.logger != nil {
				m.logger.Error("autosave flush failed", "project_id", s.project.ID, "error", err)
			}
		}
	}
	return firstErr
}

func (m *Manager) CreateProject(ctx context.Context, title string) (*Project, error) {
	p := &Project{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now(),
	}
	if err := m.repo.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	if m.logger != nil {
		m.logger.Info("project created", "project_id", p.ID, "title", p.Title)
	}
	return p, nil
}

func (m *Manager) ListProjects(ctx context.Context) ([]*Project, error) {
	return m.repo.ListProjects(ctx)
}

// OpenProject loads the project's durable command log, replays it into a
// fresh timeline, and returns the live session. Opening an already open
// project returns the existing session.
func (m *Manager) OpenProject(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	p, err := m.repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	log, err := command.Load(ctx, id, m.cmdRepo, m.flushEvery, m.logger)
	if err != nil {
		return nil, fmt.Errorf("load command log: %w", err)
	}
	tl := timeline.New(id)
	if err := command.Replay(log.Entries(), tl); err != nil {
		return nil, fmt.Errorf("replay command log: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s := newSession(p, tl, log, m.store, m.queue, m.logger)
	m.sessions[id] = s
	if m.logger != nil {
		logging.WithProjectID(m.logger, id).Info("project opened", "replayed_commands", log.Len())
	}
	return s, nil
}

// Session returns the open session for a project, or ErrNotOpen.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotOpen, id)
}

// CloseProject flushes the session's log and releases it.
func (m *Manager) CloseProject(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	return s.Flush(ctx)
}

func (m *Manager) dispatch(ev job.Event) {
	m.mu.Lock()
	s, ok := m.sessions[ev.ProjectID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.HandleJobEvent(ev)
}
