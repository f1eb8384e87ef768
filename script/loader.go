package script

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format enumerates supported script source formats.
type Format string

const (
	FormatUnknown Format = ""
	// FormatPDF is a screenplay PDF laid out with conventional margins.
	FormatPDF Format = "pdf"
	// FormatRecords is a tab-separated scene/speaker/text file, one line per
	// record. Used for fixtures and pre-parsed corpora.
	FormatRecords Format = "records"
)

// DetectFormat infers a script format from the path's extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return FormatPDF
	case ".tsv", ".txt":
		return FormatRecords
	default:
		return FormatUnknown
	}
}

// Load reads a script file into a Document, dispatching on the detected
// format.
func Load(path, corpus string) (Document, error) {
	switch DetectFormat(path) {
	case FormatPDF:
		loader := NewPDFLoader(path)
		return loader.Load(corpus)
	case FormatRecords:
		f, err := os.Open(path)
		if err != nil {
			return Document{}, fmt.Errorf("open script: %w", err)
		}
		defer f.Close()
		return LoadRecords(f, corpus)
	default:
		return Document{}, fmt.Errorf("unsupported script format: %s", path)
	}
}

// LoadRecords parses tab-separated records of the form
// "scene<TAB>speaker<TAB>text". An empty speaker column marks a stage
// direction. Blank lines and lines starting with # are skipped.
func LoadRecords(r io.Reader, corpus string) (Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	records := make([]Line, 0)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" || strings.HasPrefix(strings.TrimSpace(raw), "#") {
			continue
		}

		parts := strings.SplitN(raw, "\t", 3)
		if len(parts) != 3 {
			return Document{}, fmt.Errorf("parse record line %d: want scene<TAB>speaker<TAB>text", lineNo)
		}
		records = append(records, Line{
			Scene:   parts[0],
			Speaker: parts[1],
			Text:    parts[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return Document{}, fmt.Errorf("read records: %w", err)
	}

	return FromRecords(corpus, records)
}
