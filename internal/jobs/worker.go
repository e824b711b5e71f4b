// Package jobs runs background work from the SQLite job queue.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walnut-ai/was/internal/storage"
)

// TypeDiagnose is the job type that runs automatic ticket diagnosis.
const TypeDiagnose = "ticket_diagnose"

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 500 * time.Millisecond
)

// Store abstracts the job queue operations.
type Store interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueRunningJobs(ctx context.Context, types []string) (int, error)
}

// Handler processes the JSON payload of one job. A returned error fails
// the attempt and the job is retried with backoff.
type Handler func(ctx context.Context, payload []byte) error

// ExhaustedHandler runs once a job has failed its last attempt. cause is
// the error of that attempt.
type ExhaustedHandler func(ctx context.Context, payload []byte, cause error) error

// Worker claims and runs jobs with a fixed number of goroutines.
type Worker struct {
	store       Store
	handlers    map[string]Handler
	exhausted   map[string]ExhaustedHandler
	types       []string
	concurrency int
	poll        time.Duration
	logger      *slog.Logger
}

// NewWorker creates a Worker. Non-positive concurrency and poll interval
// fall back to the defaults.
func NewWorker(store Store, concurrency int, pollInterval time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		store:       store,
		handlers:    make(map[string]Handler),
		exhausted:   make(map[string]ExhaustedHandler),
		concurrency: concurrency,
		poll:        pollInterval,
		logger:      slog.Default(),
	}
}

// Handle registers the handler for a job type. Call before Run.
func (w *Worker) Handle(jobType string, h Handler) {
	if _, ok := w.handlers[jobType]; !ok {
		w.types = append(w.types, jobType)
	}
	w.handlers[jobType] = h
}

// HandleExhausted registers what to do when a job of jobType runs out of
// attempts. Call before Run.
func (w *Worker) HandleExhausted(jobType string, h ExhaustedHandler) {
	w.exhausted[jobType] = h
}

// RequeueInterrupted puts jobs left running by a previous process back in
// the queue.
func (w *Worker) RequeueInterrupted(ctx context.Context) (int, error) {
	n, err := w.store.RequeueRunningJobs(ctx, w.types)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info("requeued interrupted jobs", "count", n)
	}
	return n, nil
}

// Run requeues interrupted jobs, then polls for jobs on every goroutine
// until ctx is cancelled and waits for in-flight jobs to finish.
func (w *Worker) Run(ctx context.Context) {
	if _, err := w.RequeueInterrupted(ctx); err != nil {
		w.logger.Error("requeueing interrupted jobs", "error", err)
	}

	var wg sync.WaitGroup
	for range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if len(w.types) == 0 {
		return false, nil
	}
	job, err := w.store.ClaimNextJob(ctx, w.types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// A claimed job must leave the running state even when ctx is
	// cancelled mid-handler.
	bctx := context.WithoutCancel(ctx)

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(bctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		if job.Attempts+1 >= job.MaxAttempts {
			w.onExhausted(bctx, job, err)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(bctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) (err error) {
	h, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, []byte(job.PayloadJSON))
}

func (w *Worker) onExhausted(ctx context.Context, job *storage.Job, cause error) {
	w.logger.Error("job exhausted its attempts", "job_id", job.ID, "type", job.Type, "error", cause)
	h, ok := w.exhausted[job.Type]
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("exhausted handler panic", "job_id", job.ID, "panic", r)
		}
	}()
	if err := h(ctx, []byte(job.PayloadJSON), cause); err != nil {
		w.logger.Error("exhausted handler failed", "job_id", job.ID, "error", err)
	}
}

// Queue enqueues jobs.
type Queue struct {
	store Store
}

func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue stores a job of the given type with payload marshalled as JSON.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling %s payload: %w", jobType, err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		PayloadJSON: string(data),
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing %s job: %w", jobType, err)
	}
	return job.ID, nil
}
