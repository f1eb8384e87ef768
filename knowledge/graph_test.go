package knowledge

import (
	"testing"

	"github.com/fabfab/script-agent/script"
)

func TestSpeakerLineCounts(t *testing.T) {
	scene := script.Scene{
		Heading: "INT. NEBUCHADNEZZAR - MAIN DECK",
		Lines: []script.Line{
			{Speaker: "MORPHEUS", Text: "Welcome to the real world."},
			{Text: "Neo looks around."},
			{Speaker: "MORPHEUS", Text: "We have a rule."},
			{Speaker: "NEO", Text: "Where am I?"},
		},
	}

	counts := speakerLineCounts(scene)

	if len(counts) != 2 {
		t.Fatalf("expected 2 speakers, got %d", len(counts))
	}
	if counts["MORPHEUS"] != 2 {
		t.Fatalf("expected 2 lines for MORPHEUS, got %d", counts["MORPHEUS"])
	}
	if counts["NEO"] != 1 {
		t.Fatalf("expected 1 line for NEO, got %d", counts["NEO"])
	}
}
