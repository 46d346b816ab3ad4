// Package novel defines the records shared by the generation pipeline:
// novels, chapters, rolling summaries, narrative hooks and pending entities.
package novel

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Stage is the generation stage of a novel or chapter. Stages only move forward.
type Stage string

const (
	StageSeeded    Stage = "seeded"
	StageRough     Stage = "rough"
	StageDetailed  Stage = "detailed"
	StageChapters  Stage = "chapters"
	StageDrafting  Stage = "drafting"
	StageGenerated Stage = "generated"
	StageReviewed  Stage = "reviewed"
	StageCompleted Stage = "completed"
)

var stageOrder = []Stage{
	StageSeeded, StageRough, StageDetailed, StageChapters,
	StageDrafting, StageGenerated, StageReviewed, StageCompleted,
}

// Rank returns the position of s in the stage sequence, or -1 if s is unknown.
func (s Stage) Rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Rank() >= 0 }

// Advance returns the later of s and next. A stage never moves backwards.
func (s Stage) Advance(next Stage) Stage {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// AtLeast reports whether s has reached other.
func (s Stage) AtLeast(other Stage) bool {
	return s.Rank() >= other.Rank()
}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

type Novel struct {
	ID        string
	Title     string
	Stage     Stage
	CreatedAt time.Time
}

// DraftingAllowed reports whether chapters of the novel may be generated.
func (n Novel) DraftingAllowed() bool {
	return n.Stage.AtLeast(StageChapters)
}

type Chapter struct {
	ID            string
	NovelID       string
	Order         int
	Title         string
	Outline       string
	Content       string
	Stage         Stage
	PendingReview bool
	WordCount     int
	UpdatedAt     time.Time
}

// ChapterVersion is an immutable snapshot written whenever chapter content changes.
type ChapterVersion struct {
	ID                string
	ChapterID         string
	Content           string
	Source            string // "generate", "branch", "import"
	ContinuityScore   float64
	ContinuityVerdict string
	CreatedAt         time.Time
}

type ChapterSummary struct {
	NovelID               string   `json:"-"`
	ChapterNumber         int      `json:"chapter_number"`
	OneLine               string   `json:"one_line"`
	KeyEvents             []string `json:"key_events"`
	CharacterDevelopments []string `json:"character_developments"`
	HooksPlanted          []string `json:"hooks_planted"`
	HooksReferenced       []string `json:"hooks_referenced"`
	HooksResolved         []string `json:"hooks_resolved"`
}

// CountWords counts words the way authors expect: whitespace separated words
// for alphabetic scripts and one word per Han/Hiragana/Katakana/Hangul rune.
func CountWords(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case isCJK(r):
			count++
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				count++
				inWord = true
			}
		case r == '\'' || r == '-':
			// apostrophes and hyphens continue a word
		default:
			inWord = false
		}
	}
	return count
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}
