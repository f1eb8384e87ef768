package script

import (
	"errors"
	"strings"
	"testing"
)

func testDocument(t *testing.T) Document {
	t.Helper()

	records := []Line{
		{Scene: "INT. HOTEL ROOM - NIGHT", Speaker: "trinity", Text: "I know why you're here, Neo."},
		{Scene: "INT. HOTEL ROOM - NIGHT", Text: "She leans in close."},
		{Scene: "INT. HOTEL ROOM - NIGHT", Speaker: "Trinity", Text: "It's the question that drives us."},
		{Scene: "EXT. ROOFTOP - DAY", Speaker: "MORPHEUS", Text: "He is beginning to believe."},
		{Scene: "EXT. ROOFTOP - DAY", Speaker: "NEO", Text: "I know kung fu."},
	}

	doc, err := FromRecords("test-corpus", records)
	if err != nil {
		t.Fatalf("FromRecords returned error: %v", err)
	}
	return doc
}

func TestFromRecordsGroupsScenesAndNumbersLines(t *testing.T) {
	doc := testDocument(t)

	if len(doc.Scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(doc.Scenes))
	}
	if doc.Scenes[0].Heading != "INT. HOTEL ROOM - NIGHT" {
		t.Fatalf("unexpected first heading: %q", doc.Scenes[0].Heading)
	}

	lines := doc.Lines()
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	for i, line := range lines {
		if line.Index != i+1 {
			t.Fatalf("line %d has index %d", i, line.Index)
		}
	}

	if lines[0].Speaker != "TRINITY" {
		t.Fatalf("speaker not normalized: %q", lines[0].Speaker)
	}
	if lines[1].Speaker != "" {
		t.Fatalf("stage direction gained a speaker: %q", lines[1].Speaker)
	}
}

func TestFromRecordsRejectsMissingScene(t *testing.T) {
	_, err := FromRecords("test-corpus", []Line{{Text: "orphaned line"}})

	var segErr *SegmentationError
	if !errors.As(err, &segErr) {
		t.Fatalf("expected SegmentationError, got %v", err)
	}
	if segErr.Line != 1 {
		t.Fatalf("expected error at line 1, got %d", segErr.Line)
	}
}

func TestSegmentEmptyDocument(t *testing.T) {
	seg := NewSegmenter(0, 0)

	_, err := seg.Segment(Document{Corpus: "empty"})

	var segErr *SegmentationError
	if !errors.As(err, &segErr) {
		t.Fatalf("expected SegmentationError, got %v", err)
	}
}

func TestSegmentMissingHeading(t *testing.T) {
	seg := NewSegmenter(0, 0)
	doc := Document{
		Corpus: "test-corpus",
		Scenes: []Scene{{Heading: "  ", Lines: []Line{{Index: 1, Scene: "  ", Text: "hello"}}}},
	}

	if _, err := seg.Segment(doc); err == nil {
		t.Fatal("expected error for scene without heading")
	}
}

func TestSegmentCoversEveryLine(t *testing.T) {
	doc := testDocument(t)
	seg := NewSegmenter(8, 3)

	chunks, err := seg.Segment(doc)
	if err != nil {
		t.Fatalf("Segment returned error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for a small window, got %d", len(chunks))
	}

	covered := make(map[int]bool)
	for _, chunk := range chunks {
		if chunk.StartLine > chunk.EndLine {
			t.Fatalf("chunk %s has inverted range %d-%d", chunk.ID, chunk.StartLine, chunk.EndLine)
		}
		for line := chunk.StartLine; line <= chunk.EndLine; line++ {
			covered[line] = true
		}
	}
	for _, line := range doc.Lines() {
		if !covered[line.Index] {
			t.Fatalf("line %d not covered by any chunk", line.Index)
		}
	}
}

func TestSegmentNeverCrossesScenes(t *testing.T) {
	doc := testDocument(t)
	seg := NewSegmenter(1000, 10)

	chunks, err := seg.Segment(doc)
	if err != nil {
		t.Fatalf("Segment returned error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected one chunk per scene, got %d", len(chunks))
	}
	for _, chunk := range chunks {
		if chunk.Scene == "" {
			t.Fatal("chunk missing scene heading")
		}
	}
	if chunks[0].Scene == chunks[1].Scene {
		t.Fatal("chunks should belong to different scenes")
	}
}

func TestSegmentOverlapRepeatsTrailingLines(t *testing.T) {
	records := make([]Line, 0, 12)
	for i := 0; i < 12; i++ {
		records = append(records, Line{
			Scene:   "INT. CONSTRUCT - WHITE SPACE",
			Speaker: "MORPHEUS",
			Text:    "this line has exactly six simple words",
		})
	}
	doc, err := FromRecords("test-corpus", records)
	if err != nil {
		t.Fatalf("FromRecords returned error: %v", err)
	}

	seg := NewSegmenter(18, 6)
	chunks, err := seg.Segment(doc)
	if err != nil {
		t.Fatalf("Segment returned error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartLine > chunks[i-1].EndLine {
			t.Fatalf("chunks %d and %d do not overlap: %d-%d then %d-%d",
				i-1, i, chunks[i-1].StartLine, chunks[i-1].EndLine, chunks[i].StartLine, chunks[i].EndLine)
		}
		if chunks[i].StartLine <= chunks[i-1].StartLine {
			t.Fatalf("chunk %d did not advance past chunk %d", i, i-1)
		}
	}
}

func TestSegmentOversizedLineFormsOwnChunk(t *testing.T) {
	long := strings.Repeat("word ", 50)
	doc, err := FromRecords("test-corpus", []Line{
		{Scene: "INT. MAINFRAME", Speaker: "SMITH", Text: long},
		{Scene: "INT. MAINFRAME", Speaker: "SMITH", Text: "Goodbye, Mr. Anderson."},
	})
	if err != nil {
		t.Fatalf("FromRecords returned error: %v", err)
	}

	seg := NewSegmenter(10, 2)
	chunks, err := seg.Segment(doc)
	if err != nil {
		t.Fatalf("Segment returned error: %v", err)
	}

	if chunks[0].StartLine != 1 || chunks[0].EndLine != 1 {
		t.Fatalf("oversized line should occupy its own chunk, got %d-%d", chunks[0].StartLine, chunks[0].EndLine)
	}
}

func TestSegmentIsDeterministic(t *testing.T) {
	doc := testDocument(t)
	seg := NewSegmenter(8, 3)

	first, err := seg.Segment(doc)
	if err != nil {
		t.Fatalf("Segment returned error: %v", err)
	}
	second, err := seg.Segment(doc)
	if err != nil {
		t.Fatalf("Segment returned error: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("chunk %d ID changed between runs: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestChunkIDChangesWithContent(t *testing.T) {
	a := ChunkID("INT. LOBBY", 1, 3, "guns, lots of guns")
	b := ChunkID("INT. LOBBY", 1, 3, "guns, lots of guns.")
	c := ChunkID("INT. LOBBY", 1, 4, "guns, lots of guns")

	if a == b {
		t.Fatal("ID should change when text changes")
	}
	if a == c {
		t.Fatal("ID should change when boundaries change")
	}
}

func TestChunkHasSpeaker(t *testing.T) {
	chunk := Chunk{Speakers: []string{"MORPHEUS", "NEO"}}

	if !chunk.HasSpeaker("morpheus") {
		t.Fatal("speaker lookup should be case-insensitive")
	}
	if chunk.HasSpeaker("SMITH") {
		t.Fatal("unexpected speaker match")
	}
}

func TestBuildChunkRendersDialogue(t *testing.T) {
	doc := testDocument(t)
	seg := NewSegmenter(1000, 10)

	chunks, err := seg.Segment(doc)
	if err != nil {
		t.Fatalf("Segment returned error: %v", err)
	}

	if !strings.Contains(chunks[0].Text, "TRINITY: I know why you're here, Neo.") {
		t.Fatalf("dialogue not rendered with speaker prefix:\n%s", chunks[0].Text)
	}
	if !strings.Contains(chunks[0].Text, "She leans in close.") {
		t.Fatalf("stage direction missing:\n%s", chunks[0].Text)
	}
	if len(chunks[0].Speakers) != 1 || chunks[0].Speakers[0] != "TRINITY" {
		t.Fatalf("unexpected speakers: %v", chunks[0].Speakers)
	}
}
