// Package job schedules asynchronous AI and transcode work: bounded per-kind
// queues, fixed worker pools, a strict Queued->Running->terminal state
// machine, cooperative cancellation, and retry with exponential backoff for
// transient failures.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Executor runs jobs of one kind. Execute must honor ctx cancellation at its
// checkpoints; a transient failure is signalled by wrapping with Transient.
type Executor interface {
	Kind() Kind
	Execute(ctx context.Context, j *Job) (*Result, error)
}

// Limits bounds one kind's scheduling: pool width, queue depth, and the
// wall-clock budget per job.
type Limits struct {
	Workers    int
	QueueBound int
	Timeout    time.Duration
}

type Queue struct {
	repo       Repository
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration

	mu        sync.Mutex
	jobs      map[string]*Job
	cancels   map[string]context.CancelFunc
	queues    map[Kind]chan *Job
	executors map[Kind]Executor
	limits    map[Kind]Limits
	subs      []func(Event)
	started   bool

	wg sync.WaitGroup
}

func NewQueue(repo Repository, maxRetries int, backoff time.Duration, logger *slog.Logger) *Queue {
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Queue{
		repo:       repo,
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    backoff,
		jobs:       make(map[string]*Job),
		cancels:    make(map[string]context.CancelFunc),
		queues:     make(map[Kind]chan *Job),
		executors:  make(map[Kind]Executor),
		limits:     make(map[Kind]Limits),
	}
}

// Register installs the executor and limits for one job kind. Must be called
// before Start.
func (q *Queue) Register(exec Executor, limits Limits) {
	if limits.Workers <= 0 {
		limits.Workers = 1
	}
	if limits.QueueBound <= 0 {
		limits.QueueBound = 1
	}
	if limits.Timeout <= 0 {
		limits.Timeout = 30 * time.Minute
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executors[exec.Kind()] = exec
	q.limits[exec.Kind()] = limits
	q.queues[exec.Kind()] = make(chan *Job, limits.QueueBound)
}

// Subscribe registers a callback for job state change events. Callbacks run
// on queue goroutines and must not block.
func (q *Queue) Subscribe(fn func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, fn)
}

// Start launches the per-kind worker pools. Workers drain until ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	for kind, limits := range q.limits {
		for i := 0; i < limits.Workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx, kind)
		}
	}
	q.mu.Unlock()

	if q.logger != nil {
		q.logger.Info("job queue started")
	}
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Submit enqueues a job without blocking. When the kind's queue is at its
// bound it fails fast with ErrQueueSaturated and the job is not recorded.
func (q *Queue) Submit(ctx context.Context, j *Job) (string, error) {
	q.mu.Lock()
	ch, ok := q.queues[j.Kind]
	if !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}
	if len(ch) == cap(ch) {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %q at bound %d", ErrQueueSaturated, j.Kind, cap(ch))
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = StatusQueued
	j.SubmittedAt = time.Now()
	q.jobs[j.ID] = j

	cp := *j
	ev := eventOf(j)
	// Persist before the job becomes runnable so a worker's later persists
	// always land after the queued row; only submitters send, under this
	// lock, so the send below cannot block.
	q.persist(ctx, &cp)
	ch <- j
	q.mu.Unlock()

	q.emit(ev)

	if q.logger != nil {
		q.logger.Info("job submitted", "job_id", ev.JobID, "kind", string(ev.Kind), "project_id", ev.ProjectID)
	}
	return ev.JobID, nil
}

// Cancel requests cancellation. A queued job is cancelled immediately; a
// running job is signalled and forced to Cancelled when its worker returns,
// discarding any result it produced. Cancelling a terminal job is ErrTerminal.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch {
	case j.Status.Terminal():
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, j.Status)
	case j.Status == StatusQueued:
		j.Status = StatusCancelled
		j.CompletedAt = time.Now()
		cp := *j
		ev := eventOf(j)
		q.mu.Unlock()
		q.persist(ctx, &cp)
		q.emit(ev)
		return nil
	default: // running
		j.cancelRequested = true
		cancel := q.cancels[id]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
}

// Get returns a copy of the job's current state.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *j
	return &cp, nil
}

func (q *Queue) worker(ctx context.Context, kind Kind) {
	defer q.wg.Done()

	q.mu.Lock()
	ch := q.queues[kind]
	q.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ch:
			q.run(ctx, j)
		}
	}
}

func (q *Queue) run(ctx context.Context, j *Job) {
	q.mu.Lock()
	if j.Status != StatusQueued {
		// Cancelled while sitting in the queue.
		q.mu.Unlock()
		return
	}
	j.Status = StatusRunning
	exec := q.executors[j.Kind]
	timeout := q.limits[j.Kind].Timeout

	jctx, cancel := context.WithTimeout(ctx, timeout)
	q.cancels[j.ID] = cancel
	cp := *j
	ev := eventOf(j)
	q.mu.Unlock()

	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.cancels, j.ID)
		q.mu.Unlock()
	}()

	q.persist(ctx, &cp)
	q.emit(ev)

	res, err := q.execute(jctx, exec, j)
	q.complete(ctx, j, res, err, jctx.Err())
}

// execute retries transient failures with exponential backoff, up to the
// configured bound. Permanent failures return immediately.
func (q *Queue) execute(ctx context.Context, exec Executor, j *Job) (*Result, error) {
	backoff := q.backoff
	for attempt := 1; ; attempt++ {
		res, err := exec.Execute(ctx, j)

		q.mu.Lock()
		j.Attempts = attempt
		q.mu.Unlock()

		if err == nil {
			return res, nil
		}
		if !IsTransient(err) || attempt > q.maxRetries {
			return nil, err
		}

		if q.logger != nil {
			q.logger.Warn("transient job failure, retrying",
				"job_id", j.ID, "attempt", attempt, "backoff", backoff, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// complete performs the single terminal transition for the job. Results
// arriving after a cancellation request are discarded.
func (q *Queue) complete(ctx context.Context, j *Job, res *Result, execErr, ctxErr error) {
	q.mu.Lock()
	if j.Status.Terminal() {
		q.mu.Unlock()
		return
	}

	switch {
	case j.cancelRequested || errors.Is(execErr, context.Canceled):
		j.Status = StatusCancelled
	case execErr == nil:
		j.Status = StatusSucceeded
		j.Result = res
	case errors.Is(execErr, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded):
		j.Status = StatusFailed
		j.Error = fmt.Sprintf("exceeded %s budget", q.limits[j.Kind].Timeout)
		j.ErrorKind = ErrorKindTimeout
	case IsInvalid(execErr):
		j.Status = StatusFailed
		j.Error = execErr.Error()
		j.ErrorKind = ErrorKindValidation
	default:
		j.Status = StatusFailed
		j.Error = execErr.Error()
		j.ErrorKind = ErrorKindWorkerFailure
	}
	j.CompletedAt = time.Now()
	cp := *j
	ev := eventOf(j)
	q.mu.Unlock()

	q.persist(ctx, &cp)
	q.emit(ev)

	if q.logger != nil {
		q.logger.Info("job completed",
			"job_id", j.ID, "kind", string(j.Kind), "status", string(j.Status),
			"attempts", j.Attempts, "error", j.Error)
	}
}

func eventOf(j *Job) Event {
	ev := Event{
		JobID:     j.ID,
		ProjectID: j.ProjectID,
		Kind:      j.Kind,
		Status:    j.Status,
		Error:     j.Error,
		ErrorKind: j.ErrorKind,
	}
	if j.Status == StatusSucceeded {
		ev.Result = j.Result
	}
	return ev
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	subs := make([]func(Event), len(q.subs))
	copy(subs, q.subs)
	q.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (q *Queue) persist(ctx context.Context, j *Job) {
	if q.repo == nil {
		return
	}
	if err := q.repo.Save(ctx, j); err != nil && q.logger != nil {
		q.logger.Warn("failed to persist job", "job_id", j.ID, "error", err)
	}
}
