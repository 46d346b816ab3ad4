package manuscript

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	FormatText     = "txt"
	FormatMarkdown = "md"
	FormatPDF      = "pdf"
)

// MaxSize bounds an imported manuscript file.
const MaxSize = 20 << 20

var (
	ErrUnsupportedFormat = errors.New("unsupported manuscript format")
	ErrEmptyManuscript   = errors.New("manuscript has no text")
)

// FormatOf maps a file name to a manuscript format.
func FormatOf(name string) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".text":
		return FormatText, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// ReadText extracts plain text from a manuscript in the given format.
func ReadText(data []byte, format string) (string, error) {
	if len(data) > MaxSize {
		return "", fmt.Errorf("manuscript is %d bytes, limit is %d", len(data), MaxSize)
	}
	var text string
	switch format {
	case FormatText, FormatMarkdown:
		if !utf8.Valid(data) {
			return "", errors.New("manuscript is not valid UTF-8")
		}
		text = string(data)
	case FormatPDF:
		var err error
		if text, err = readPDF(data); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyManuscript
	}
	return text, nil
}

// readPDF extracts text page by page. Pages are separated by a blank line so
// a chapter heading at the top of a page starts its own line.
func readPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("reading pdf page %d: %w", i, err)
		}
		for _, row := range rows {
			var line strings.Builder
			for _, word := range row.Content {
				line.WriteString(word.S)
			}
			sb.WriteString(strings.TrimRight(line.String(), " "))
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// readAll reads at most MaxSize+1 bytes so oversize input is detected
// without buffering all of it.
func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, MaxSize+1))
}
