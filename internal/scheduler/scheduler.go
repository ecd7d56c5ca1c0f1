// Package scheduler runs pipeline work on named in-process queues with a
// fixed worker pool per queue. Delivery is at least once from the caller's
// point of view: a crashed or re-sent request enqueues a fresh job, and the
// pipeline's duplicate guard is what makes re-execution safe. One job may
// enqueue a second job on another queue and block on it with a finite
// timeout; queues have separate worker pools so the composition cannot
// deadlock.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Handler processes one job. The context is the scheduler's run context;
// handlers layer their own deadlines on top of it.
type Handler func(ctx context.Context, job *Job) error

// Job is one unit of queued work. Payload is carried as JSON so queue
// producers and handlers share only the wire shape.
type Job struct {
	ID         string
	Queue      string
	Payload    json.RawMessage
	EnqueuedAt time.Time

	mu         sync.Mutex
	status     Status
	progress   string
	errMsg     string
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

// Done is closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status returns the job's current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the failure message of a failed job.
func (j *Job) Err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errMsg
}

// SetProgress records a human-readable progress marker.
func (j *Job) SetProgress(progress string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = progress
}

// Progress returns the last reported progress marker.
func (j *Job) Progress() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Decode unmarshals the payload into out.
func (j *Job) Decode(out any) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("decode %s job payload: %w", j.Queue, err)
	}
	return nil
}

func (j *Job) setRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusRunning
	j.startedAt = time.Now()
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finishedAt = time.Now()
	if err != nil {
		j.status = StatusFailed
		j.errMsg = err.Error()
	} else {
		j.status = StatusSucceeded
	}
	close(j.done)
}

type queue struct {
	name    string
	ch      chan *Job
	workers int
	handler Handler
}

// Scheduler owns the queues and their workers.
type Scheduler struct {
	mu      sync.Mutex
	queues  map[string]*queue
	jobs    map[string]*Job
	started bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		queues: make(map[string]*queue),
		jobs:   make(map[string]*Job),
	}
}

// RegisterQueue adds a queue before Start. Workers is the queue's fixed
// concurrency; the pipeline queue should stay at 1 per provision class to
// keep the duplicate-guard race window negligible.
func (s *Scheduler) RegisterQueue(name string, workers, buffer int, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	if _, exists := s.queues[name]; exists {
		return fmt.Errorf("queue %q already registered", name)
	}
	if workers < 1 {
		return fmt.Errorf("queue %q needs at least one worker", name)
	}

	s.queues[name] = &queue{
		name:    name,
		ch:      make(chan *Job, buffer),
		workers: workers,
		handler: handler,
	}
	return nil
}

// Start launches every queue's workers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	for _, q := range s.queues {
		for i := 0; i < q.workers; i++ {
			s.wg.Add(1)
			go s.worker(q)
		}
	}

	log.Printf("[Scheduler] Started with %d queues", len(s.queues))
}

// Stop cancels in-flight jobs and waits for workers to drain, bounded by
// ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[Scheduler] Stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}

// Enqueue submits a payload to a queue and returns the job record.
func (s *Scheduler) Enqueue(queueName string, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s job payload: %w", queueName, err)
	}

	s.mu.Lock()
	q, ok := s.queues[queueName]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown queue %q", queueName)
	}

	job := &Job{
		ID:         uuid.New().String(),
		Queue:      queueName,
		Payload:    body,
		EnqueuedAt: time.Now(),
		status:     StatusQueued,
		done:       make(chan struct{}),
	}
	s.jobs[job.ID] = job
	s.mu.Unlock()

	select {
	case q.ch <- job:
		return job, nil
	default:
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("queue %q is full", queueName)
	}
}

// EnqueueAndWait submits a job and blocks until it finishes or the wait
// times out. The wait is always finite; callers treat expiry as fatal for
// their own pipeline.
func (s *Scheduler) EnqueueAndWait(ctx context.Context, queueName string, payload any, timeout time.Duration) (*Job, error) {
	job, err := s.Enqueue(queueName, payload)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-job.Done():
		if job.Status() == StatusFailed {
			return job, fmt.Errorf("%s job %s failed: %s", queueName, job.ID, job.Err())
		}
		return job, nil
	case <-timer.C:
		return job, fmt.Errorf("timed out after %v waiting for %s job %s", timeout, queueName, job.ID)
	case <-ctx.Done():
		return job, fmt.Errorf("wait for %s job %s aborted: %w", queueName, job.ID, ctx.Err())
	}
}

// Get returns a job record by ID.
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *Scheduler) worker(q *queue) {
	defer s.wg.Done()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case job := <-q.ch:
			job.setRunning()
			log.Printf("[Scheduler] Job %s started on queue %s", job.ID, q.name)

			err := q.handler(s.runCtx, job)
			job.finish(err)

			if err != nil {
				log.Printf("[Scheduler] Job %s on queue %s failed: %v", job.ID, q.name, err)
			} else {
				log.Printf("[Scheduler] Job %s on queue %s succeeded", job.ID, q.name)
			}
		}
	}
}
