// Package jobs runs queued background jobs (post-processing extraction and
// asynchronous generation) from the SQLite job table.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/inkwell/internal/storage"
)

// Job types.
const (
	TypeGenerateChapter  = "generate_chapter"
	TypeGenerateBranches = "generate_branches"
	TypeExtractSummary   = "extract_summary"
	TypeExtractHooks     = "extract_hooks"
	TypeExtractEntities  = "extract_entities"
)

// ChapterInput is the input of every chapter-scoped job.
type ChapterInput struct {
	ChapterID string `json:"chapter_id"`
	VersionID string `json:"version_id,omitempty"`
}

// Handler runs one job and returns its JSON output.
type Handler func(ctx context.Context, job storage.Job) (string, error)

// Store abstracts the job queue operations.
type Store interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id, outputJSON string) error
	FailJob(id string, errMsg string) error
}

// Worker processes jobs of the registered types one at a time.
type Worker struct {
	store    Store
	handlers map[string]Handler
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store Store, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		handlers: make(map[string]Handler),
		poll:     pollInterval,
		logger:   slog.Default().With("component", "jobs"),
	}
}

// Register sets the handler for a job type. It must be called before Run.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

func (w *Worker) types() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
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
	if len(w.handlers) == 0 {
		return false, nil
	}
	job, err := w.store.ClaimNextJob(w.types())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	output, err := w.process(ctx, *job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if output == "" {
		output = "{}"
	}
	if err := w.store.CompleteJob(job.ID, output); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Info("job succeeded", "job_id", job.ID, "type", job.Type, "duration_ms", time.Since(start).Milliseconds())
	return true, nil
}

func (w *Worker) process(ctx context.Context, job storage.Job) (out string, err error) {
	h, ok := w.handlers[job.Type]
	if !ok {
		return "", fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

// RunPool starts n workers sharing the same handlers and blocks until ctx is
// cancelled and every worker has returned.
func RunPool(ctx context.Context, n int, newWorker func() *Worker) {
	if n <= 0 {
		n = 1
	}
	done := make(chan struct{}, n)
	for range n {
		w := newWorker()
		go func() {
			w.Run(ctx)
			done <- struct{}{}
		}()
	}
	for range n {
		<-done
	}
}
