package continuity

import (
	"strings"
	"unicode"

	"github.com/kalambet/inkwell/internal/textmatch"
)

// minOpeningRunes widens the timeline-cue window when the first paragraph
// is a single short line.
const minOpeningRunes = 400

// Bare conjunctions such as "so" or "then" are left out: nearly every
// English opening contains one.
var englishCues = []string{
	"after", "afterward", "afterwards", "later", "earlier", "meanwhile", "since", "because",
	"while", "until", "soon", "next morning", "next day", "the following", "that night",
	"that morning", "by the time", "as soon as", "moments later", "hours later", "days later",
	"the next", "by dawn", "at dawn", "therefore", "ever since", "the same night",
}

var chineseCues = []string{
	"后来", "之后", "随后", "然后", "第二天", "次日", "翌日", "与此同时", "因为", "所以",
	"于是", "此时", "这时", "那天", "当晚", "清晨", "片刻", "不久", "刚才", "已经",
}

// splitSentences splits on terminal punctuation and line breaks.
func splitSentences(text string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		s := strings.TrimSpace(sb.String())
		s = strings.Trim(s, "\"'“”‘’「」")
		if s != "" {
			out = append(out, strings.TrimSpace(s))
		}
		sb.Reset()
	}
	for _, r := range text {
		switch r {
		case '.', '!', '?', '。', '！', '？', '…', '\n':
			flush()
		default:
			sb.WriteRune(r)
		}
	}
	flush()
	return out
}

func lastSentences(text string, n int) []string {
	s := splitSentences(text)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// openingParagraph returns the first non-heading paragraph of the draft,
// with hard-wrapped lines joined. Paragraphs are separated by blank lines;
// a draft without any is judged by its first line.
func openingParagraph(draft string) string {
	lines := strings.Split(strings.TrimSpace(draft), "\n")
	hasBlank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			hasBlank = true
			break
		}
	}

	var para []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(para) > 0 {
				break
			}
			continue
		}
		if len(para) == 0 && strings.HasPrefix(line, "#") {
			continue
		}
		if !hasBlank {
			return line
		}
		para = append(para, line)
	}
	return strings.Join(para, " ")
}

// openingWindow is the opening paragraph, extended into the draft when the
// paragraph is shorter than minOpeningRunes.
func openingWindow(draft, opening string) string {
	if len([]rune(opening)) >= minOpeningRunes {
		return opening
	}
	flat := strings.Join(strings.Fields(draft), " ")
	start := strings.Index(flat, strings.Join(strings.Fields(opening), " "))
	if start < 0 {
		return opening
	}
	rest := []rune(flat[start:])
	if len(rest) > minOpeningRunes {
		rest = rest[:minOpeningRunes]
	}
	return string(rest)
}

func hasTimelineCue(window string) bool {
	if window == "" {
		return false
	}
	folded := textmatch.Fold(window)
	for _, c := range chineseCues {
		if strings.Contains(folded, c) {
			return true
		}
	}

	// pad words with spaces so multi-word cues match on word boundaries
	var sb strings.Builder
	sb.WriteByte(' ')
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte(' ')
		}
	}
	sb.WriteByte(' ')
	words := strings.Join(strings.Fields(sb.String()), " ")
	words = " " + words + " "
	for _, c := range englishCues {
		if strings.Contains(words, " "+c+" ") {
			return true
		}
	}
	return false
}
