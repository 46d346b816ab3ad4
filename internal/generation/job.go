package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/jobs"
	"github.com/kalambet/inkwell/internal/storage"
)

// JobInput is the input of a queued generate_chapter job.
type JobInput struct {
	ChapterID string  `json:"chapter_id"`
	Options   Options `json:"options"`
}

// Enqueue queues a generation job instead of running it inline. Generation
// jobs get a single attempt: retrying a model call is a caller decision.
func (s *Service) Enqueue(chapterID string, opts Options) (string, error) {
	input, err := json.Marshal(JobInput{ChapterID: chapterID, Options: opts})
	if err != nil {
		return "", fmt.Errorf("encoding job input: %w", err)
	}
	id := uuid.New().String()
	if err := s.store.EnqueueJob(storage.Job{ID: id, Type: jobs.TypeGenerateChapter, InputJSON: string(input), MaxAttempts: 1}); err != nil {
		return "", fmt.Errorf("enqueueing generation: %w", err)
	}
	return id, nil
}

// HandleJob runs a queued generate_chapter job and returns the result as JSON.
func (s *Service) HandleJob(ctx context.Context, job storage.Job) (string, error) {
	var in JobInput
	if err := json.Unmarshal([]byte(job.InputJSON), &in); err != nil {
		return "", fmt.Errorf("parsing input: %w", err)
	}
	if in.ChapterID == "" {
		return "", fmt.Errorf("job %s: chapter_id is required", job.ID)
	}
	res, err := s.GenerateChapter(ctx, in.ChapterID, in.Options)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(out), nil
}
