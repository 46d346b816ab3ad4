// Package structured recovers JSON values from free-form model output.
//
// Models wrap JSON in markdown fences, prepend conversational filler, leave
// trailing commas and emit raw newlines inside strings. Parse runs an ordered
// chain of pure steps and returns the first value that decodes.
package structured

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrStructuredParse is returned by Parse in strict mode when every step failed.
var ErrStructuredParse = errors.New("structured output could not be parsed")

// Options controls failure behaviour.
type Options struct {
	// ThrowOnError makes Parse return ErrStructuredParse instead of a Result
	// carrying Raw and ParseError.
	ThrowOnError bool
}

// Result is the outcome of Parse. On failure Value is nil, Raw holds the
// original text and ParseError the last decoding error.
type Result struct {
	Value      any
	Raw        string
	ParseError string
	Step       string // name of the step that produced Value
}

// OK reports whether a value was recovered.
func (r Result) OK() bool { return r.ParseError == "" }

// Step is one pure transform in the fallback chain.
type Step struct {
	Name  string
	Apply func(raw string) (any, error)
}

// Steps returns the default chain in the order it is applied.
func Steps() []Step {
	return []Step{
		{Name: "strict", Apply: parseStrict},
		{Name: "sanitize", Apply: parseSanitized},
		{Name: "repair", Apply: parseRepaired},
		{Name: "embedded_array", Apply: parseEmbeddedArray},
	}
}

// Parse runs the default chain over raw. It never returns an error unless
// opts.ThrowOnError is set.
func Parse(raw string, opts Options) (Result, error) {
	return ParseWith(raw, Steps(), opts)
}

// ParseWith runs a custom chain; the first successful step wins.
func ParseWith(raw string, steps []Step, opts Options) (Result, error) {
	lastErr := errors.New("empty input")
	if strings.TrimSpace(raw) != "" {
		for _, step := range steps {
			v, err := step.Apply(raw)
			if err == nil {
				return Result{Value: v, Raw: raw, Step: step.Name}, nil
			}
			lastErr = fmt.Errorf("%s: %w", step.Name, err)
		}
	}

	if opts.ThrowOnError {
		return Result{}, fmt.Errorf("%w: %v", ErrStructuredParse, lastErr)
	}
	return Result{Raw: raw, ParseError: lastErr.Error()}, nil
}

// Decode parses raw strictly and decodes the recovered value into target.
func Decode(raw string, target any) error {
	res, err := Parse(raw, Options{ThrowOnError: true})
	if err != nil {
		return err
	}
	b, err := json.Marshal(res.Value)
	if err != nil {
		return fmt.Errorf("re-encoding recovered value: %w", err)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return fmt.Errorf("decoding recovered value: %w", err)
	}
	return nil
}

func decode(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("no content")
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing content after value")
	}
	return v, nil
}

func parseStrict(raw string) (any, error) {
	if v, err := decode(raw); err == nil {
		return v, nil
	}
	return decode(Isolate(raw))
}

func parseSanitized(raw string) (any, error) {
	return decode(SanitizeControl(Isolate(raw)))
}

func parseRepaired(raw string) (any, error) {
	return decode(RepairStructure(SanitizeControl(Isolate(raw))))
}

var embeddedArrayRe = regexp.MustCompile(`(?s)\[\s*\{.*?\}\s*\]`)

func parseEmbeddedArray(raw string) (any, error) {
	matches := embeddedArrayRe.FindAllString(raw, -1)
	if len(matches) == 0 {
		return nil, errors.New("no array of objects found")
	}
	var lastErr error
	for _, m := range matches {
		v, err := decode(RepairStructure(SanitizeControl(m)))
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Isolate strips an enclosing markdown fence and narrows the text to the
// outermost object or array span.
func Isolate(raw string) string {
	s := stripFence(strings.TrimSpace(raw))

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}

func stripFence(s string) string {
	idx := strings.Index(s, "```")
	if idx == -1 {
		return s
	}
	body := s[idx+3:]
	// Drop the language tag on the fence line.
	if nl := strings.IndexByte(body, '\n'); nl != -1 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
