package manuscript

import (
	"regexp"
	"strings"
)

// Section is one chapter cut from a manuscript.
type Section struct {
	Title   string
	Content string
}

var (
	// "Chapter 3", "CHAPTER IV: The Bell", "Chapter Twelve", "Prologue".
	chapterHeadingRe = regexp.MustCompile(`(?i)^(?:#{1,3}\s*)?(?:chapter|ch\.)\s+([0-9]+|[ivxlcdm]+|` + numberWords + `)\b[\s:.\-–—]*(.*)$`)
	namedHeadingRe   = regexp.MustCompile(`(?i)^(?:#{1,3}\s*)?(prologue|epilogue)\b[\s:.\-–—]*(.*)$`)
	markdownH1Re     = regexp.MustCompile(`^#\s+(.+)$`)
	blankRunRe       = regexp.MustCompile(`\n{3,}`)
)

// Split cuts text into chapters at chapter headings. Markdown level-one
// headings count as chapter headings when the text has no "Chapter N"
// headings. Text before the first heading is kept as its own section only if
// it is longer than a title page. Text with no headings is one section.
func Split(text string) []Section {
	text = normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	headings := findHeadings(lines, func(l string) (string, bool) {
		if m := chapterHeadingRe.FindStringSubmatch(l); m != nil && wordCount(m[2]) <= maxTitleWords {
			return headingTitle(l, m[2]), true
		}
		if m := namedHeadingRe.FindStringSubmatch(l); m != nil {
			return headingTitle(l, m[2]), true
		}
		return "", false
	})
	if len(headings) == 0 {
		headings = findHeadings(lines, func(l string) (string, bool) {
			if m := markdownH1Re.FindStringSubmatch(l); m != nil {
				return strings.TrimSpace(m[1]), true
			}
			return "", false
		})
	}
	if len(headings) == 0 {
		return []Section{{Content: strings.TrimSpace(text)}}
	}

	var out []Section
	if front := strings.TrimSpace(strings.Join(lines[:headings[0].line], "\n")); wordCount(front) > frontMatterWords {
		out = append(out, Section{Content: front})
	}
	for i, h := range headings {
		end := len(lines)
		if i+1 < len(headings) {
			end = headings[i+1].line
		}
		body := strings.TrimSpace(strings.Join(lines[h.line+1:end], "\n"))
		if body == "" {
			continue
		}
		out = append(out, Section{Title: h.title, Content: body})
	}
	return out
}

const numberWords = `(?:one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|` +
	`sixteen|seventeen|eighteen|nineteen|twenty|thirty|forty|fifty)(?:-[a-z]+)?`

// maxTitleWords rejects prose sentences that happen to start with "Chapter".
const maxTitleWords = 10

// Title pages and dedications are dropped.
const frontMatterWords = 150

type heading struct {
	line  int
	title string
}

func findHeadings(lines []string, match func(string) (string, bool)) []heading {
	var out []heading
	for i, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || len(l) > 120 {
			continue
		}
		if title, ok := match(l); ok {
			out = append(out, heading{line: i, title: title})
		}
	}
	return out
}

// headingTitle prefers the subtitle after "Chapter N:"; a bare heading keeps
// its full text.
func headingTitle(line, subtitle string) string {
	if s := strings.TrimSpace(subtitle); s != "" {
		return s
	}
	return strings.TrimSpace(strings.TrimLeft(line, "# "))
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimPrefix(s, "\uFEFF")
	return blankRunRe.ReplaceAllString(s, "\n\n")
}

func wordCount(s string) int { return len(strings.Fields(s)) }
