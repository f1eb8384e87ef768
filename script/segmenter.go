package script

import "strings"

const (
	defaultWindowTokens  = 120
	defaultOverlapTokens = 30
)

// Segmenter splits a document into overlapping chunks of bounded token size.
// Chunk boundaries never split a line, every line lands in at least one
// chunk, and chunks never cross scene boundaries.
type Segmenter struct {
	window  int
	overlap int
}

func NewSegmenter(windowTokens, overlapTokens int) *Segmenter {
	if windowTokens <= 0 {
		windowTokens = defaultWindowTokens
	}
	if overlapTokens < 0 {
		overlapTokens = defaultOverlapTokens
	}
	if overlapTokens >= windowTokens {
		overlapTokens = windowTokens / 2
	}
	return &Segmenter{window: windowTokens, overlap: overlapTokens}
}

func (s *Segmenter) Segment(doc Document) ([]Chunk, error) {
	if len(doc.Lines()) == 0 {
		return nil, &SegmentationError{Reason: "document has no lines"}
	}

	chunks := make([]Chunk, 0)
	for _, scene := range doc.Scenes {
		if strings.TrimSpace(scene.Heading) == "" {
			line := 0
			if len(scene.Lines) > 0 {
				line = scene.Lines[0].Index
			}
			return nil, &SegmentationError{Reason: "scene has no heading", Line: line}
		}
		for _, line := range scene.Lines {
			if line.Scene == "" {
				return nil, &SegmentationError{Reason: "line has no scene", Line: line.Index}
			}
		}

		sceneChunks, err := s.segmentScene(scene)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, sceneChunks...)
	}

	return chunks, nil
}

func (s *Segmenter) segmentScene(scene Scene) ([]Chunk, error) {
	lines := scene.Lines
	chunks := make([]Chunk, 0)

	start := 0
	for start < len(lines) {
		tokens := 0
		end := start
		for end < len(lines) {
			lineTokens := TokenLen(lines[end].Text)
			// A single oversized line still becomes a chunk on its own;
			// lines are never split.
			if end > start && tokens+lineTokens > s.window {
				break
			}
			tokens += lineTokens
			end++
		}

		chunks = append(chunks, buildChunk(scene.Heading, lines[start:end]))

		if end >= len(lines) {
			break
		}

		// Walk back from the window's end until roughly overlap tokens are
		// repeated, but always advance by at least one line.
		next := end
		overlapTokens := 0
		for next > start+1 && overlapTokens < s.overlap {
			candidate := TokenLen(lines[next-1].Text)
			if overlapTokens+candidate > s.overlap && overlapTokens > 0 {
				break
			}
			overlapTokens += candidate
			next--
		}
		start = next
	}

	return chunks, nil
}

func buildChunk(heading string, lines []Line) Chunk {
	var sb strings.Builder
	speakers := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)

	for i, line := range lines {
		if i > 0 {
			sb.WriteString("\n")
		}
		if line.Speaker != "" {
			sb.WriteString(line.Speaker)
			sb.WriteString(": ")
			if _, ok := seen[line.Speaker]; !ok {
				seen[line.Speaker] = struct{}{}
				speakers = append(speakers, line.Speaker)
			}
		}
		sb.WriteString(line.Text)
	}

	text := sb.String()
	return Chunk{
		ID:        ChunkID(heading, lines[0].Index, lines[len(lines)-1].Index, text),
		Scene:     heading,
		Speakers:  speakers,
		StartLine: lines[0].Index,
		EndLine:   lines[len(lines)-1].Index,
		Text:      text,
		TokenLen:  TokenLen(text),
	}
}
