package generation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/inkwell/internal/continuity"
)

var (
	ErrPrecondition         = errors.New("generation precondition failed")
	ErrContinuityRejected   = errors.New("continuity gate rejected the draft")
	ErrGenerationInProgress = errors.New("generation already in progress for this chapter")
)

// PreconditionError is returned before any work starts; nothing was mutated.
type PreconditionError struct {
	ChapterID string
	Reason    string
	// PendingEntities holds the blocking entity names verbatim, if any.
	PendingEntities []string
	Err             error
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("chapter %s: %s", e.ChapterID, e.Reason)
	if len(e.PendingEntities) > 0 {
		msg += ": " + strings.Join(e.PendingEntities, ", ")
	}
	return msg
}

func (e *PreconditionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPrecondition}
	}
	return []error{ErrPrecondition, e.Err}
}

// ContinuityRejectedError carries the final assessment of a draft that was
// still rejected after every repair attempt.
type ContinuityRejectedError struct {
	ChapterID      string
	Assessment     continuity.Assessment
	RepairAttempts int
}

func (e *ContinuityRejectedError) Error() string {
	return fmt.Sprintf("chapter %s: %s (score %.2f after %d repair attempts, %d issues)",
		e.ChapterID, ErrContinuityRejected.Error(), e.Assessment.Score, e.RepairAttempts, len(e.Assessment.Issues))
}

func (e *ContinuityRejectedError) Unwrap() error { return ErrContinuityRejected }
