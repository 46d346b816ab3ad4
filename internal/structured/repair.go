package structured

import (
	"strings"
	"unicode"
)

// SanitizeControl escapes newlines, carriage returns and tabs that appear
// inside string literals and drops every other control byte.
func SanitizeControl(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	inString, escaped := false, false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
				sb.WriteRune(r)
			case r == '\\':
				escaped = true
				sb.WriteRune(r)
			case r == '"':
				inString = false
				sb.WriteRune(r)
			case r == '\n':
				sb.WriteString(`\n`)
			case r == '\r':
				sb.WriteString(`\r`)
			case r == '\t':
				sb.WriteString(`\t`)
			case r < 0x20 || r == 0x7f:
			default:
				sb.WriteRune(r)
			}
			continue
		}

		switch {
		case r == '"':
			inString = true
			sb.WriteRune(r)
		case r == '\n' || r == '\r' || r == '\t':
			sb.WriteRune(r)
		case r < 0x20 || r == 0x7f:
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// RepairStructure fixes the structural mistakes models make most often:
// trailing commas before a closing bracket, unquoted object keys and
// single-quoted strings. String contents are never modified.
func RepairStructure(s string) string {
	runes := []rune(s)
	var sb strings.Builder
	sb.Grow(len(s) + 16)

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case r == '"':
			end := scanString(runes, i, '"')
			sb.WriteString(string(runes[i:end]))
			i = end - 1

		case r == '\'':
			end := scanString(runes, i, '\'')
			sb.WriteString(requote(runes[i+1 : max(end-1, i+1)]))
			i = end - 1

		case r == ',':
			j := skipSpace(runes, i+1)
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue
			}
			sb.WriteRune(r)

		case isIdentStart(r) && expectsKey(runes, i):
			j := i
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			k := skipSpace(runes, j)
			if k < len(runes) && runes[k] == ':' {
				sb.WriteByte('"')
				sb.WriteString(string(runes[i:j]))
				sb.WriteByte('"')
			} else {
				sb.WriteString(string(runes[i:j]))
			}
			i = j - 1

		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// scanString returns the index just past the closing quote of the string
// literal starting at runes[start], or len(runes) if it is unterminated.
func scanString(runes []rune, start int, quote rune) int {
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		}
	}
	return len(runes)
}

// requote converts the body of a single-quoted literal into a JSON string.
func requote(body []rune) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			if i+1 < len(body) && body[i+1] == '\'' {
				sb.WriteByte('\'')
				i++
				continue
			}
			sb.WriteByte('\\')
		default:
			sb.WriteRune(body[i])
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

func skipSpace(runes []rune, i int) int {
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	return i
}

// expectsKey reports whether the previous significant rune opens an object
// member position.
func expectsKey(runes []rune, i int) bool {
	for j := i - 1; j >= 0; j-- {
		if unicode.IsSpace(runes[j]) {
			continue
		}
		return runes[j] == '{' || runes[j] == ','
	}
	return false
}

func isIdentStart(r rune) bool { return r == '_' || r == '$' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return isIdentStart(r) || unicode.IsDigit(r) || r == '-' }
