// Package scheduler runs periodic maintenance: corpus reloads and purging
// of expired persisted sessions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/walnut-ai/was/internal/corpus"
)

// DefaultTaskTimeout bounds a single task run.
const DefaultTaskTimeout = 5 * time.Minute

// Task is a named job fired on a cron schedule. An empty Schedule
// disables the task.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler fires tasks on their schedules until stopped.
type Scheduler struct {
	tasks   []Task
	timeout time.Duration
	cron    *cron.Cron

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks:   tasks,
		timeout: DefaultTaskTimeout,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start validates every enabled schedule, registers the tasks and starts
// the cron ticker. Task runs derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	for _, task := range s.tasks {
		if task.Schedule == "" || task.Run == nil {
			continue
		}
		task := task
		_, err := s.cron.AddFunc(task.Schedule, func() { s.run(runCtx, task) })
		if err != nil {
			cancel()
			return fmt.Errorf("scheduling %s %q: %w", task.Name, task.Schedule, err)
		}
		slog.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.cron.Start()
	return nil
}

// Stop halts the ticker, cancels running tasks and waits for them.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
}

// Len returns the number of registered cron entries.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		slog.Error("scheduled task failed", "name", task.Name, "error", err)
		return
	}
	slog.Debug("scheduled task done", "name", task.Name, "elapsed", time.Since(start))
}

// CorpusReload re-reads the corpus source on schedule. A load error keeps
// the previous corpus and is logged, not retried.
func CorpusReload(schedule string, reload func(ctx context.Context) (int, error)) Task {
	return Task{
		Name:     "corpus_reload",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := reload(ctx)
			var le *corpus.LoadError
			if errors.As(err, &le) {
				slog.Warn("corpus reload kept previous index", "source", le.Source, "error", le.Err)
				return nil
			}
			if err != nil {
				return err
			}
			slog.Info("corpus reloaded", "entries", n)
			return nil
		},
	}
}

// Purger drops sessions whose TTL has passed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func SessionPurge(schedule string, p Purger) Task {
	return Task{
		Name:     "session_purge",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				return fmt.Errorf("purging sessions: %w", err)
			}
			if n > 0 {
				slog.Info("purged expired sessions", "count", n)
			}
			return nil
		},
	}
}
