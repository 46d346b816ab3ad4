package branches

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/jobs"
	"github.com/kalambet/inkwell/internal/storage"
)

// JobInput is the input of a queued generate_branches job.
type JobInput struct {
	ChapterID string  `json:"chapter_id"`
	Options   Options `json:"options"`
}

// Enqueue validates the branch count and queues a single-attempt job.
func (g *Generator) Enqueue(chapterID string, opts Options) (string, error) {
	if opts.BranchCount < 0 || opts.BranchCount > MaxBranches {
		return "", fmt.Errorf("%w, got %d", ErrInvalidBranchCount, opts.BranchCount)
	}
	input, err := json.Marshal(JobInput{ChapterID: chapterID, Options: opts})
	if err != nil {
		return "", fmt.Errorf("encoding job input: %w", err)
	}
	id := uuid.New().String()
	if err := g.store.EnqueueJob(storage.Job{ID: id, Type: jobs.TypeGenerateBranches, InputJSON: string(input), MaxAttempts: 1}); err != nil {
		return "", fmt.Errorf("enqueueing branches: %w", err)
	}
	return id, nil
}

func (g *Generator) HandleJob(ctx context.Context, job storage.Job) (string, error) {
	var in JobInput
	if err := json.Unmarshal([]byte(job.InputJSON), &in); err != nil {
		return "", fmt.Errorf("parsing input: %w", err)
	}
	if in.ChapterID == "" {
		return "", fmt.Errorf("job %s: chapter_id is required", job.ID)
	}
	res, err := g.GenerateBranches(ctx, in.ChapterID, in.Options)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(out), nil
}
