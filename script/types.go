// Package script models a screenplay corpus and segments it into addressable,
// citable chunks.
package script

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Line is one utterance or stage direction. Speaker is empty for stage
// directions. Index is the line's position in the whole document, starting
// at 1. Lines are immutable once created.
type Line struct {
	Index   int
	Scene   string
	Speaker string
	Text    string
}

// Scene is a contiguous script segment under one location/time heading.
type Scene struct {
	Heading string
	Lines   []Line
}

// Document is the full script for one corpus.
type Document struct {
	Corpus string
	Scenes []Scene
}

// Lines returns every line of the document in original order.
func (d Document) Lines() []Line {
	total := 0
	for _, scene := range d.Scenes {
		total += len(scene.Lines)
	}
	lines := make([]Line, 0, total)
	for _, scene := range d.Scenes {
		lines = append(lines, scene.Lines...)
	}
	return lines
}

// Chunk is the minimal citable retrieval unit: one or more contiguous lines
// of a single scene. Its ID is content-addressed, so changing the text or the
// boundaries produces a new ID and no stale embedding can be served under it.
type Chunk struct {
	ID        string
	Scene     string
	Speakers  []string
	StartLine int
	EndLine   int
	Text      string
	TokenLen  int
}

// HasSpeaker reports whether the chunk contains dialogue by the named
// character, case-insensitively.
func (c Chunk) HasSpeaker(name string) bool {
	for _, speaker := range c.Speakers {
		if strings.EqualFold(speaker, name) {
			return true
		}
	}
	return false
}

// SegmentationError signals malformed corpus input. It is fatal to ingestion.
type SegmentationError struct {
	Reason string
	Line   int
}

func (e *SegmentationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("segmentation: %s (line %d)", e.Reason, e.Line)
	}
	return fmt.Sprintf("segmentation: %s", e.Reason)
}

// ChunkID derives the content address for a chunk.
func ChunkID(scene string, startLine, endLine int, text string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", scene, startLine, endLine, text)))
	return hex.EncodeToString(sum[:])[:16]
}

// TokenLen counts whitespace-delimited tokens. The chunk window only needs a
// consistent bound, not a tokenizer-exact one.
func TokenLen(text string) int {
	return len(strings.Fields(text))
}

// FromRecords assembles a Document from ordered (scene, speaker, text)
// records, grouping consecutive records of the same scene. Records with an
// empty scene are rejected; line indices are assigned sequentially from 1.
func FromRecords(corpus string, records []Line) (Document, error) {
	doc := Document{Corpus: corpus}
	for i, rec := range records {
		text := strings.TrimSpace(rec.Text)
		if text == "" {
			continue
		}
		scene := strings.TrimSpace(rec.Scene)
		if scene == "" {
			return Document{}, &SegmentationError{Reason: "record has no scene", Line: i + 1}
		}

		if len(doc.Scenes) == 0 || doc.Scenes[len(doc.Scenes)-1].Heading != scene {
			doc.Scenes = append(doc.Scenes, Scene{Heading: scene})
		}
		current := &doc.Scenes[len(doc.Scenes)-1]
		current.Lines = append(current.Lines, Line{
			Scene:   scene,
			Speaker: strings.ToUpper(strings.TrimSpace(rec.Speaker)),
			Text:    text,
		})
	}

	index := 0
	for si := range doc.Scenes {
		for li := range doc.Scenes[si].Lines {
			index++
			doc.Scenes[si].Lines[li].Index = index
		}
	}

	if index == 0 {
		return Document{}, &SegmentationError{Reason: "document has no lines"}
	}

	return doc, nil
}
