package generation

import (
	"fmt"
	"strings"

	"github.com/kalambet/inkwell/internal/continuity"
	"github.com/kalambet/inkwell/internal/llm"
	"github.com/kalambet/inkwell/internal/novel"
)

const defaultSystemPrompt = `You are a novelist drafting one chapter of a long-form novel.
Write only the chapter text as continuous prose. Do not add a chapter heading, notes, summaries or commentary.`

// ChapterCard lists the author's constraints for a single chapter.
type ChapterCard struct {
	Must    []string `json:"must,omitempty"`
	Should  []string `json:"should,omitempty"`
	MustNot []string `json:"must_not,omitempty"`
	Hooks   []string `json:"hooks,omitempty"`
}

func (c *ChapterCard) empty() bool {
	return c == nil || len(c.Must)+len(c.Should)+len(c.MustNot)+len(c.Hooks) == 0
}

func (c *ChapterCard) render() string {
	if c.empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[Chapter Card]\n")
	list := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		sb.WriteString(label + ":\n")
		for _, it := range items {
			fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(it))
		}
	}
	list("Must", c.Must)
	list("Should", c.Should)
	list("Must not", c.MustNot)
	list("Hooks to advance", c.Hooks)
	return sb.String()
}

// promptParts are the sections of a drafting prompt in the order they appear.
type promptParts struct {
	systemPrompt string
	style        string
	context      string
	hooks        string
	card         *ChapterCard
	outline      string
	chapter      novel.Chapter
}

func (p promptParts) messages() []llm.Message {
	system := p.systemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	if p.style != "" {
		system += "\n\n" + strings.TrimSpace(p.style)
	}

	var sb strings.Builder
	for _, section := range []string{p.context, p.hooks, p.card.render()} {
		if s := strings.TrimSpace(section); s != "" {
			sb.WriteString(s)
			sb.WriteString("\n\n")
		}
	}
	if o := strings.TrimSpace(p.outline); o != "" {
		sb.WriteString("[Outline]\n")
		sb.WriteString(o)
		sb.WriteString("\n\n")
	}
	sb.WriteString(chapterInstruction(p.chapter))

	return []llm.Message{llm.System(system), llm.User(sb.String())}
}

func chapterInstruction(ch novel.Chapter) string {
	if t := strings.TrimSpace(ch.Title); t != "" {
		return fmt.Sprintf("Write chapter %d, %q. Continue directly from where the previous chapter ended.", ch.Order, t)
	}
	return fmt.Sprintf("Write chapter %d. Continue directly from where the previous chapter ended.", ch.Order)
}

// repairMessages asks the model to rewrite draft so it resolves issues. The
// original prompt is kept so the model sees the same story context.
func repairMessages(original []llm.Message, draft string, issues []continuity.Issue) []llm.Message {
	var sb strings.Builder
	sb.WriteString("The draft below breaks continuity with the story so far.\n\n[Continuity Issues]\n")
	for _, is := range issues {
		fmt.Fprintf(&sb, "- (%s) %s\n", is.Severity, is.Message)
	}
	sb.WriteString("\n[Previous Draft]\n")
	sb.WriteString(strings.TrimSpace(draft))
	sb.WriteString("\n\nRewrite the chapter so that every issue above is fixed. Keep what already works. Return only the chapter text.")

	out := make([]llm.Message, 0, len(original)+1)
	out = append(out, original...)
	return append(out, llm.User(sb.String()))
}

// RevisionMessages turns a round into a revision of a selected draft.
func RevisionMessages(original []llm.Message, selected, feedback string) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Revise the draft you wrote above.")
	if f := strings.TrimSpace(feedback); f != "" {
		sb.WriteString("\n\n[Author Feedback]\n")
		sb.WriteString(f)
	}
	sb.WriteString("\n\nStay consistent with the story so far. Return only the revised chapter text.")

	out := make([]llm.Message, 0, len(original)+2)
	out = append(out, original...)
	return append(out, llm.Message{Role: llm.RoleAssistant, Content: selected}, llm.User(sb.String()))
}

// cleanDraft strips a leading markdown heading and surrounding whitespace
// that models add despite instructions.
func cleanDraft(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "#") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = strings.TrimSpace(s[i+1:])
		}
	}
	return s
}
