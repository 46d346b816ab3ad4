package storage

import (
	"errors"
	"time"

	"github.com/kalambet/inkwell/internal/novel"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale is returned when a conditional update finds the record no longer
// in the state the caller read it in.
var ErrStale = errors.New("record changed concurrently")

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

type Job struct {
	ID          string
	Type        string
	InputJSON   string
	OutputJSON  string
	Status      string // "queued", "running", "succeeded", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// BranchCandidate is a ranked draft kept in the short-lived branch cache.
type BranchCandidate struct {
	ID                string
	ChapterID         string
	BranchNumber      int
	IterationRound    int
	Temperature       float64
	Content           string
	ContinuityScore   float64
	ContinuityVerdict string
	ContinuityIssues  string // JSON array stored as text
	Rank              int
	CreatedAt         time.Time
}

type StyleGuide struct {
	NovelID   string
	POV       string
	Tense     string
	Tone      string
	Rules     []string
	UpdatedAt time.Time
}

// ChapterCommit is everything written atomically when new content is accepted.
type ChapterCommit struct {
	ChapterID         string
	Content           string
	Stage             novel.Stage
	PendingReview     bool
	Source            string
	ContinuityScore   float64
	ContinuityVerdict string
	// ClearBranches drops the chapter's branch cache in the same transaction.
	ClearBranches bool
}
