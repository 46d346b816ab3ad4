// Package assembler builds the narrative context for a chapter prompt from
// recent chapter text and older rolling summaries, within a token budget.
package assembler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/inkwell/internal/novel"
)

const (
	defaultMaxContextTokens = 6000
	DefaultRecentChapters   = 2
	DefaultSummaryChapters  = 10

	fallbackChapters     = 3
	fallbackSnippetRunes = 400
)

// Layering chooses how much history is included verbatim and how much as
// summaries.
type Layering struct {
	RecentChapters  int `json:"recent_chapters"`
	SummaryChapters int `json:"summary_chapters"`
}

func DefaultLayering() Layering {
	return Layering{RecentChapters: DefaultRecentChapters, SummaryChapters: DefaultSummaryChapters}
}

type Budget struct {
	MaxTokens int
	// Layering overrides the assembler's layering when set. A zero
	// SummaryChapters then turns summaries off.
	Layering *Layering
}

type Result struct {
	Context    string   `json:"context"`
	TokenCount int      `json:"token_count"`
	Truncated  bool     `json:"truncated"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Store is the read side of chapter history the assembler needs.
type Store interface {
	ChaptersBefore(novelID string, order, limit int) ([]novel.Chapter, error)
	SummariesBefore(novelID string, before, limit int) ([]novel.ChapterSummary, error)
}

type Assembler struct {
	store            Store
	MaxContextTokens int
	Layering         Layering
}

// New creates an Assembler. Non-positive values fall back to defaults.
func New(store Store, maxContextTokens int, layering Layering) *Assembler {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if layering.RecentChapters <= 0 {
		layering.RecentChapters = DefaultRecentChapters
	}
	if layering.SummaryChapters < 0 {
		layering.SummaryChapters = DefaultSummaryChapters
	}
	return &Assembler{store: store, MaxContextTokens: maxContextTokens, Layering: layering}
}

// Assemble builds the context for targetOrder. A zero MaxTokens or nil
// Layering uses the assembler's own settings.
func (a *Assembler) Assemble(novelID string, targetOrder int, budget Budget) (Result, error) {
	limit := budget.MaxTokens
	if limit <= 0 {
		limit = a.MaxContextTokens
	}
	layering := a.Layering
	if budget.Layering != nil {
		layering = *budget.Layering
		if layering.RecentChapters <= 0 {
			layering.RecentChapters = a.Layering.RecentChapters
		}
		if layering.SummaryChapters < 0 {
			layering.SummaryChapters = a.Layering.SummaryChapters
		}
	}
	return a.AssembleTruncated(novelID, targetOrder, limit, layering)
}

// AssembleTruncated fetches up to RecentChapters raw chapters before the
// target and up to SummaryChapters summaries older than those, then drops
// sections oldest-first until the estimate fits maxTokens. The most recent
// chapter is never dropped; if it alone exceeds the budget its beginning is
// cut so the ending survives. When the section headers alone do not fit,
// the context is the bare ending of that chapter.
func (a *Assembler) AssembleTruncated(novelID string, targetOrder, maxTokens int, layering Layering) (Result, error) {
	if targetOrder < 1 {
		return Result{}, fmt.Errorf("target chapter order must be >= 1, got %d", targetOrder)
	}
	if maxTokens <= 0 {
		return Result{}, errors.New("token budget must be positive")
	}
	if targetOrder == 1 {
		return Result{}, nil
	}

	recent, err := a.store.ChaptersBefore(novelID, targetOrder, max(layering.RecentChapters, 1))
	if err != nil {
		return Result{}, fmt.Errorf("fetching recent chapters: %w", err)
	}

	summaryBefore := targetOrder
	if len(recent) > 0 {
		summaryBefore = recent[0].Order
	}
	var summaries []novel.ChapterSummary
	if layering.SummaryChapters > 0 {
		summaries, err = a.store.SummariesBefore(novelID, summaryBefore, layering.SummaryChapters)
		if err != nil {
			return Result{}, fmt.Errorf("fetching summaries: %w", err)
		}
	}

	var latest string
	if len(recent) > 0 {
		latest = recent[len(recent)-1].Content
	}

	s := sections{summaries: summaries, chapters: recent}
	var res Result
	for EstimateTokens(s.render()) > maxTokens {
		switch {
		case len(s.summaries) > 0:
			res.Warnings = append(res.Warnings, fmt.Sprintf("dropped summary of chapter %d to fit the token budget", s.summaries[0].ChapterNumber))
			s.summaries = s.summaries[1:]
		case len(s.chapters) > 1:
			res.Warnings = append(res.Warnings, fmt.Sprintf("dropped text of chapter %d to fit the token budget", s.chapters[0].Order))
			s.chapters = s.chapters[1:]
		case len(s.chapters) == 1:
			s.trimLast(maxTokens)
			res.Warnings = append(res.Warnings, fmt.Sprintf("trimmed the beginning of chapter %d to fit the token budget", s.chapters[0].Order))
		default:
			s.trimmed = true
		}
		res.Truncated = true
		if len(s.summaries) == 0 && len(s.chapters) <= 1 && s.trimmed {
			break
		}
	}

	res.Context = s.render()
	if EstimateTokens(res.Context) > maxTokens {
		res.Context = tail(strings.TrimSpace(latest), maxTokens*4)
		res.Warnings = append(res.Warnings, "token budget too small for section headers, kept only the latest chapter ending")
	}
	res.TokenCount = EstimateTokens(res.Context)
	return res, nil
}

type sections struct {
	summaries []novel.ChapterSummary
	chapters  []novel.Chapter
	trimmed   bool
}

const (
	storyHeader  = "[Story So Far]\n"
	recentHeader = "[Recent Chapters]\n"
)

func (s *sections) render() string {
	var sb strings.Builder
	if len(s.summaries) > 0 {
		sb.WriteString(storyHeader)
		for _, sum := range s.summaries {
			sb.WriteString(formatSummary(sum))
		}
	}
	if len(s.chapters) > 0 {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(recentHeader)
		for _, ch := range s.chapters {
			sb.WriteString(formatChapter(ch))
		}
	}
	return sb.String()
}

// trimLast cuts the beginning of the only remaining chapter so the rendered
// context fits maxTokens.
func (s *sections) trimLast(maxTokens int) {
	s.trimmed = true
	if len(s.chapters) == 0 {
		return
	}
	last := &s.chapters[len(s.chapters)-1]
	content := last.Content
	last.Content = ""
	overhead := EstimateTokens(s.render())
	keep := (maxTokens - overhead) * 4
	runes := []rune(content)
	switch {
	case keep <= 1:
		last.Content = ""
	case len(runes) <= keep:
		last.Content = content
	default:
		last.Content = "…" + string(runes[len(runes)-keep+1:])
	}
}

func formatSummary(sum novel.ChapterSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chapter %d: %s\n", sum.ChapterNumber, strings.TrimSpace(sum.OneLine))
	if len(sum.KeyEvents) > 0 {
		fmt.Fprintf(&sb, "  Events: %s\n", strings.Join(sum.KeyEvents, "; "))
	}
	if len(sum.CharacterDevelopments) > 0 {
		fmt.Fprintf(&sb, "  Characters: %s\n", strings.Join(sum.CharacterDevelopments, "; "))
	}
	return sb.String()
}

func formatChapter(ch novel.Chapter) string {
	title := strings.TrimSpace(ch.Title)
	if title == "" {
		return fmt.Sprintf("## Chapter %d\n%s\n\n", ch.Order, strings.TrimSpace(ch.Content))
	}
	return fmt.Sprintf("## Chapter %d: %s\n%s\n\n", ch.Order, title, strings.TrimSpace(ch.Content))
}

// EstimateTokens provides a rough token count using 4 characters per token.
// Characters are runes so CJK text is not over-counted.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Fallback builds a degraded context from the endings of the last three
// chapters. It does no I/O and returns a non-empty string whenever at least
// one chapter is passed in, even one without a title or text.
func Fallback(chapters []novel.Chapter) string {
	if len(chapters) == 0 {
		return ""
	}
	usable := append([]novel.Chapter(nil), chapters...)
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].Order < usable[j].Order })
	if len(usable) > fallbackChapters {
		usable = usable[len(usable)-fallbackChapters:]
	}

	var sb strings.Builder
	sb.WriteString("[Previous Chapter Endings]\n")
	for _, ch := range usable {
		fmt.Fprintf(&sb, "Chapter %d", ch.Order)
		if t := strings.TrimSpace(ch.Title); t != "" {
			fmt.Fprintf(&sb, " (%s)", t)
		}
		sb.WriteString(":\n")
		if snippet := ending(ch.Content, fallbackSnippetRunes); snippet != "" {
			sb.WriteString(snippet)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// tail returns the last n runes of text, marking a cut with an ellipsis
// that counts toward n.
func tail(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	if n <= 1 {
		return ""
	}
	return "…" + string(runes[len(runes)-n+1:])
}

func ending(text string, n int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= n {
		return string(runes)
	}
	return "…" + strings.TrimSpace(string(runes[len(runes)-n:]))
}
