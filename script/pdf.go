package script

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// Screenplay PDFs encode line roles through their left margin: scene headings
// and stage description sit at the left edge, dialogue is indented, and
// character cues are indented further still. PDFLoader classifies each text
// row by its X offset and rebuilds (scene, speaker, text) records from the
// result.
type PDFLoader struct {
	Path string

	// Pages outside [StartPage, EndPage] are skipped. EndPage 0 means no
	// upper bound.
	StartPage int
	EndPage   int

	// X thresholds (PDF points) separating the three margin bands.
	DialogMinX    float64
	CharacterMinX float64

	// Production markup that carries no script content.
	IgnoredTags []string
}

var defaultIgnoredTags = []string{
	"FADE IN:",
	"CONTINUED",
	"OMITTED",
	"THE MATRIX - Rev.",
	"FADE OUT.",
	"THE END",
	"(MORE)",
	"FADE TO BLACK.",
}

var sceneNumberPattern = regexp.MustCompile(`^[AB]?\d+\s+(.*?)\s+[AB]?\d+$`)

var parentheticalPattern = regexp.MustCompile(`\(.*?\)`)

func NewPDFLoader(path string) *PDFLoader {
	return &PDFLoader{
		Path:          path,
		StartPage:     1,
		DialogMinX:    150,
		CharacterMinX: 260,
		IgnoredTags:   defaultIgnoredTags,
	}
}

type lineKind int

const (
	kindLocation lineKind = iota
	kindCharacter
	kindDialog
	kindDescription
)

type rawLine struct {
	kind lineKind
	text string
}

func (l *PDFLoader) Load(corpus string) (Document, error) {
	f, reader, err := pdf.Open(l.Path)
	if err != nil {
		return Document{}, fmt.Errorf("open script pdf: %w", err)
	}
	defer f.Close()

	raws := make([]rawLine, 0)
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if pageNum < l.StartPage {
			continue
		}
		if l.EndPage > 0 && pageNum > l.EndPage {
			break
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		rows, err := page.GetTextByRow()
		if err != nil {
			return Document{}, fmt.Errorf("extract page %d: %w", pageNum, err)
		}
		// Rows carry their vertical position; render top-down.
		sort.Slice(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })

		for _, row := range rows {
			if len(row.Content) == 0 {
				continue
			}
			texts := append([]pdf.Text(nil), row.Content...)
			sort.Slice(texts, func(i, j int) bool { return texts[i].X < texts[j].X })

			var sb strings.Builder
			for _, t := range texts {
				sb.WriteString(t.S)
			}
			text := strings.TrimSpace(sb.String())
			if text == "" || l.ignored(text) {
				continue
			}

			if line, ok := l.classify(text, texts[0].X); ok {
				raws = append(raws, line)
			}
		}
	}

	records := assembleRecords(mergeRawLines(raws))
	return FromRecords(corpus, records)
}

func (l *PDFLoader) ignored(text string) bool {
	for _, tag := range l.IgnoredTags {
		if strings.Contains(text, tag) {
			return true
		}
	}
	return false
}

func (l *PDFLoader) classify(text string, leftX float64) (rawLine, bool) {
	upper := isUpper(text)

	if upper && leftX < l.DialogMinX {
		heading := text
		if m := sceneNumberPattern.FindStringSubmatch(heading); m != nil {
			heading = strings.TrimSpace(m[1])
		}
		if heading == "" {
			return rawLine{}, false
		}
		return rawLine{kind: kindLocation, text: heading}, true
	}

	if upper && leftX >= l.CharacterMinX {
		name := strings.TrimSpace(parentheticalPattern.ReplaceAllString(text, ""))
		if name == "" {
			return rawLine{}, false
		}
		return rawLine{kind: kindCharacter, text: name}, true
	}

	if leftX >= l.DialogMinX && leftX < l.CharacterMinX {
		return rawLine{kind: kindDialog, text: text}, true
	}

	if leftX < l.DialogMinX {
		return rawLine{kind: kindDescription, text: text}, true
	}

	return rawLine{}, false
}

// mergeRawLines joins consecutive rows of the same kind: a speech or a stage
// description wrapped over several PDF rows becomes one logical line.
// Headings and character cues are never merged.
func mergeRawLines(raws []rawLine) []rawLine {
	merged := make([]rawLine, 0, len(raws))
	for _, raw := range raws {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.kind == raw.kind && (raw.kind == kindDialog || raw.kind == kindDescription) {
				last.text += " " + raw.text
				continue
			}
		}
		merged = append(merged, raw)
	}
	return merged
}

// assembleRecords walks the classified lines, carrying the current scene and
// speaker. A stage description resets the speaker; dialogue before any
// character cue is dropped as unattributable markup.
func assembleRecords(raws []rawLine) []Line {
	records := make([]Line, 0, len(raws))
	scene := ""
	speaker := ""

	for _, raw := range raws {
		switch raw.kind {
		case kindLocation:
			scene = raw.text
			speaker = ""
		case kindCharacter:
			speaker = raw.text
		case kindDescription:
			speaker = ""
			if scene == "" {
				continue
			}
			records = append(records, Line{Scene: scene, Text: raw.text})
		case kindDialog:
			if scene == "" || speaker == "" {
				continue
			}
			records = append(records, Line{Scene: scene, Speaker: speaker, Text: raw.text})
		}
	}

	return records
}

func isUpper(text string) bool {
	for _, r := range text {
		if unicode.IsLower(r) {
			return false
		}
	}
	return true
}
