// Package textmatch implements the heuristic signal matching used by the
// continuity assessor and the hook tracker: Unicode case folding, term
// extraction and near-match coverage.
package textmatch

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold normalizes s for case-insensitive comparison.
func Fold(s string) string {
	// cases.Caser is stateful, so one per call.
	return cases.Fold().String(norm.NFKC.String(s))
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "that": true,
	"this": true, "was": true, "were": true, "his": true, "her": true, "she": true,
	"him": true, "they": true, "them": true, "their": true, "had": true, "has": true,
	"have": true, "not": true, "from": true, "into": true, "onto": true, "out": true,
	"its": true, "are": true, "you": true, "your": true, "what": true, "when": true,
	"then": true, "than": true, "there": true, "where": true, "who": true, "which": true,
	"all": true, "any": true, "been": true, "would": true, "could": true, "should": true,
	"about": true, "over": true, "under": true, "after": true, "before": true, "upon": true,
	"will": true, "just": true, "now": true, "one": true, "our": true, "she's": true,
	"he's": true, "it's": true, "did": true, "does": true, "can": true, "also": true,
}

// Terms returns the significant terms of s: folded words of at least three
// letters that are not stopwords, and overlapping bigrams of CJK runs.
// Duplicates are removed, order of first occurrence is kept.
func Terms(s string) []string {
	folded := Fold(s)
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}

	var word []rune
	var cjk []rune
	flushWord := func() {
		if len(word) >= 3 {
			w := string(word)
			if !stopwords[w] {
				add(w)
			}
		}
		word = word[:0]
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			add(string(cjk))
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				add(string(cjk[i : i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range folded {
		switch {
		case IsCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return terms
}

// IsCJK reports whether r belongs to a script written without spaces.
func IsCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// Index holds a folded text and its term set for repeated lookups.
type Index struct {
	folded string
	terms  map[string]bool
}

// NewIndex prepares text for matching.
func NewIndex(text string) *Index {
	idx := &Index{folded: Fold(text), terms: make(map[string]bool)}
	for _, t := range Terms(text) {
		idx.terms[t] = true
	}
	return idx
}

// Coverage returns the fraction of signal's terms present in the indexed
// text, or 1 when the folded signal occurs verbatim.
func (idx *Index) Coverage(signal string) float64 {
	folded := strings.TrimSpace(Fold(signal))
	if folded == "" {
		return 0
	}
	if strings.Contains(idx.folded, folded) {
		return 1
	}
	terms := Terms(signal)
	if len(terms) == 0 {
		return 0
	}
	hit := 0
	for _, t := range terms {
		if idx.terms[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

// Matches reports whether signal is detectably present: a verbatim folded
// substring, or at least ratio of its terms present.
func (idx *Index) Matches(signal string, ratio float64) bool {
	return idx.Coverage(signal) >= ratio
}

// Similarity scores how alike two short descriptions are in [0,1]:
// 1 when one folded text contains the other, term Jaccard otherwise.
func Similarity(a, b string) float64 {
	fa, fb := strings.TrimSpace(Fold(a)), strings.TrimSpace(Fold(b))
	if fa == "" || fb == "" {
		return 0
	}
	if fa == fb || strings.Contains(fa, fb) || strings.Contains(fb, fa) {
		return 1
	}
	ta, tb := Terms(a), Terms(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	inter := 0
	for _, t := range tb {
		if set[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}
