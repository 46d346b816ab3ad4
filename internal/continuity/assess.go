// Package continuity scores how well a chapter draft picks up the narrative
// state left by the chapters before it. The score is heuristic signal
// coverage, not a semantic judgement.
package continuity

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/textmatch"
)

type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictWarn   Verdict = "warn"
	VerdictReject Verdict = "reject"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

type IssueKind string

const (
	IssueOpeningAnchor IssueKind = "opening_anchor"
	IssueEvent         IssueKind = "event"
	IssueHook          IssueKind = "hook"
	IssueTimeline      IssueKind = "timeline"
)

type Issue struct {
	Severity Severity  `json:"severity"`
	Kind     IssueKind `json:"kind"`
	Message  string    `json:"message"`
}

type SignalTotals struct {
	Anchors        int `json:"anchors"`
	AnchorsMatched int `json:"anchors_matched"`
	Events         int `json:"events"`
	EventsMatched  int `json:"events_matched"`
	Hooks          int `json:"hooks"`
	HooksMatched   int `json:"hooks_matched"`
}

type Metrics struct {
	OpeningCoverage float64      `json:"opening_coverage"`
	EventCoverage   float64      `json:"event_coverage"`
	HookCoverage    float64      `json:"hook_coverage"`
	TimelineCue     bool         `json:"timeline_cue"`
	SignalTotals    SignalTotals `json:"signal_totals"`
}

// Assessment is the outcome of scoring one draft. It is never persisted as
// its own record.
type Assessment struct {
	Score   float64 `json:"score"`
	Verdict Verdict `json:"verdict"`
	Issues  []Issue `json:"issues"`
	Metrics Metrics `json:"metrics"`
}

// Input is the draft plus the narrative history it is checked against.
type Input struct {
	Draft string
	// PreviousChapters may be in any order; the two with the highest Order
	// supply the ending-state anchors.
	PreviousChapters []novel.Chapter
	Summaries        []novel.ChapterSummary
	// ActiveHooks are descriptions of hooks that are planted or referenced
	// and not yet resolved.
	ActiveHooks []string
}

// Assessor scores drafts with a fixed, validated configuration.
type Assessor struct {
	cfg Config
}

// NewAssessor validates cfg and returns an Assessor.
func NewAssessor(cfg Config) (*Assessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Assessor{cfg: cfg}, nil
}

// Config returns the thresholds and weights the assessor scores with.
func (a *Assessor) Config() Config { return a.cfg }

// Assess scores in against cfg.
func Assess(in Input, cfg Config) (Assessment, error) {
	a, err := NewAssessor(cfg)
	if err != nil {
		return Assessment{}, err
	}
	return a.Assess(in), nil
}

type signal struct {
	text    string
	chapter int
}

// Assess scores a draft. It is a pure function of in and the configuration.
func (a *Assessor) Assess(in Input) Assessment {
	cfg := a.cfg
	anchors := anchorSignals(in.PreviousChapters)
	events := eventSignals(in.Summaries)
	hooks := hookSignals(in.ActiveHooks, in.Summaries)

	opening := openingParagraph(in.Draft)
	openingIdx := textmatch.NewIndex(opening)
	draftIdx := textmatch.NewIndex(in.Draft)

	var issues []Issue
	var totals SignalTotals

	totals.Anchors = len(anchors)
	for _, s := range anchors {
		if openingIdx.Matches(s.text, cfg.NearMatchRatio) {
			totals.AnchorsMatched++
			continue
		}
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Kind:     IssueOpeningAnchor,
			Message:  fmt.Sprintf("opening does not pick up the end of chapter %d: %q", s.chapter, s.text),
		})
	}

	totals.Events = len(events)
	for _, s := range events {
		if draftIdx.Matches(s.text, cfg.NearMatchRatio) {
			totals.EventsMatched++
			continue
		}
		issues = append(issues, Issue{
			Severity: SeverityMajor,
			Kind:     IssueEvent,
			Message:  fmt.Sprintf("key event from chapter %d is not reflected: %q", s.chapter, s.text),
		})
	}

	totals.Hooks = len(hooks)
	for _, s := range hooks {
		if draftIdx.Matches(s.text, cfg.NearMatchRatio) {
			totals.HooksMatched++
			continue
		}
		issues = append(issues, Issue{
			Severity: SeverityMinor,
			Kind:     IssueHook,
			Message:  fmt.Sprintf("open hook is not carried forward: %q", s.text),
		})
	}

	cue := hasTimelineCue(openingWindow(in.Draft, opening))
	if !cue {
		issues = append(issues, Issue{
			Severity: SeverityMinor,
			Kind:     IssueTimeline,
			Message:  "opening has no temporal or causal transition from the previous chapter",
		})
	}

	m := Metrics{
		OpeningCoverage: coverage(totals.AnchorsMatched, totals.Anchors),
		EventCoverage:   coverage(totals.EventsMatched, totals.Events),
		HookCoverage:    coverage(totals.HooksMatched, totals.Hooks),
		TimelineCue:     cue,
		SignalTotals:    totals,
	}
	score := cfg.score(m)
	return Assessment{
		Score:   score,
		Verdict: cfg.VerdictFor(score),
		Issues:  issues,
		Metrics: m,
	}
}

// coverage is matched/total, with an empty signal set fully satisfied.
func coverage(matched, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(matched) / float64(total)
}

func (c Config) score(m Metrics) float64 {
	w := c.Weights
	cue := 0.0
	if m.TimelineCue {
		cue = 1
	}
	sum := w.Opening + w.Event + w.Hook + w.Timeline
	raw := 10 * (w.Opening*m.OpeningCoverage + w.Event*m.EventCoverage + w.Hook*m.HookCoverage + w.Timeline*cue) / sum
	raw = math.Max(0, math.Min(10, raw))
	return math.Round(raw*100) / 100
}

// anchorSignals takes the last three sentences of the latest chapter and the
// last sentence of the one before it.
func anchorSignals(chapters []novel.Chapter) []signal {
	withText := make([]novel.Chapter, 0, len(chapters))
	for _, ch := range chapters {
		if strings.TrimSpace(ch.Content) != "" {
			withText = append(withText, ch)
		}
	}
	sort.SliceStable(withText, func(i, j int) bool { return withText[i].Order < withText[j].Order })

	var out []signal
	take := []int{1, 3} // sentences from the chapter before last, then the last
	start := len(withText) - 2
	for k := 0; k < 2; k++ {
		idx := start + k
		if idx < 0 {
			continue
		}
		ch := withText[idx]
		for _, s := range lastSentences(ch.Content, take[k]) {
			out = append(out, signal{text: s, chapter: ch.Order})
		}
	}
	return out
}

// eventSignals collects key events of the three most recent summaries.
func eventSignals(summaries []novel.ChapterSummary) []signal {
	recent := append([]novel.ChapterSummary(nil), summaries...)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].ChapterNumber > recent[j].ChapterNumber })
	if len(recent) > 3 {
		recent = recent[:3]
	}
	// oldest first so issues read chronologically
	var out []signal
	for i := len(recent) - 1; i >= 0; i-- {
		for _, e := range recent[i].KeyEvents {
			if strings.TrimSpace(e) == "" {
				continue
			}
			out = append(out, signal{text: e, chapter: recent[i].ChapterNumber})
		}
	}
	return out
}

// hookSignals merges explicit active hooks with hooks planted in summaries
// that no summary reports as resolved.
func hookSignals(active []string, summaries []novel.ChapterSummary) []signal {
	seen := make(map[string]bool)
	var out []signal
	add := func(desc string, chapter int) {
		key := strings.TrimSpace(textmatch.Fold(desc))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, signal{text: strings.TrimSpace(desc), chapter: chapter})
	}

	for _, h := range active {
		add(h, 0)
	}

	var resolved []string
	for _, s := range summaries {
		resolved = append(resolved, s.HooksResolved...)
	}
	ordered := append([]novel.ChapterSummary(nil), summaries...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ChapterNumber < ordered[j].ChapterNumber })
	for _, s := range ordered {
		for _, h := range s.HooksPlanted {
			if isResolved(h, resolved) {
				continue
			}
			add(h, s.ChapterNumber)
		}
	}
	return out
}

func isResolved(hook string, resolved []string) bool {
	for _, r := range resolved {
		if textmatch.Similarity(hook, r) >= 0.5 {
			return true
		}
	}
	return false
}
