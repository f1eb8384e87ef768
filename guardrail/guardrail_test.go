package guardrail

import (
	"testing"

	"github.com/fabfab/script-agent/answer"
	"github.com/fabfab/script-agent/script"
)

func evidenceFixture() map[string]script.Chunk {
	return map[string]script.Chunk{
		"c1": {
			ID:   "c1",
			Text: "MORPHEUS: Unfortunately, no one can be told\nwhat the Matrix is.",
		},
		"c2": {
			ID:   "c2",
			Text: "SMITH: Human beings are a disease.",
		},
	}
}

func TestCheckKeepsExactQuotes(t *testing.T) {
	ans := answer.Answer{
		Text:      "No one can be told what the Matrix is.",
		Citations: []answer.Citation{{ChunkID: "c1", Quote: "no one can be told"}},
		Status:    answer.StatusAnswered,
	}

	report := Check(ans, evidenceFixture())

	if !report.Verified {
		t.Fatal("exact quote should verify")
	}
	if len(report.Answer.Citations) != 1 {
		t.Fatalf("citation was stripped: %+v", report)
	}
	if report.Answer.Status != answer.StatusAnswered {
		t.Fatalf("status changed to %s", report.Answer.Status)
	}
}

func TestCheckNormalizesWhitespaceAndCase(t *testing.T) {
	// The quote spans a line break in the chunk and differs in case.
	ans := answer.Answer{
		Text:      "No one can be told what the Matrix is.",
		Citations: []answer.Citation{{ChunkID: "c1", Quote: "Can Be Told   What the matrix is"}},
		Status:    answer.StatusAnswered,
	}

	report := Check(ans, evidenceFixture())

	if !report.Verified {
		t.Fatalf("normalized quote should verify, stripped %+v", report.Stripped)
	}
}

func TestCheckStripsFabricatedQuote(t *testing.T) {
	ans := answer.Answer{
		Text: "Smith hates Zion.",
		Citations: []answer.Citation{
			{ChunkID: "c2", Quote: "Human beings are a disease."},
			{ChunkID: "c2", Quote: "I am going to destroy Zion."},
		},
		Status: answer.StatusAnswered,
	}

	report := Check(ans, evidenceFixture())

	if report.Verified {
		t.Fatal("fabricated quote should fail verification")
	}
	if len(report.Stripped) != 1 || report.Stripped[0].Quote != "I am going to destroy Zion." {
		t.Fatalf("wrong citation stripped: %+v", report.Stripped)
	}
	if len(report.Answer.Citations) != 1 {
		t.Fatalf("valid citation should survive: %+v", report.Answer.Citations)
	}
	if report.Answer.Status != answer.StatusAnswered {
		t.Fatalf("one verified citation should keep the answer answered, got %s", report.Answer.Status)
	}
}

func TestCheckStripsUnknownChunk(t *testing.T) {
	ans := answer.Answer{
		Text:      "A claim.",
		Citations: []answer.Citation{{ChunkID: "ghost", Quote: "anything"}},
		Status:    answer.StatusAnswered,
	}

	report := Check(ans, evidenceFixture())

	if report.Verified {
		t.Fatal("citation to a chunk outside the evidence set should fail")
	}
	if report.Answer.Status != answer.StatusUnverified {
		t.Fatalf("answer without surviving citations should be unverified, got %s", report.Answer.Status)
	}
	if len(report.Answer.Citations) != 0 {
		t.Fatalf("expected no surviving citations, got %+v", report.Answer.Citations)
	}
}

func TestCheckRejectsEmptyQuote(t *testing.T) {
	ans := answer.Answer{
		Text:      "A claim.",
		Citations: []answer.Citation{{ChunkID: "c1", Quote: "   "}},
		Status:    answer.StatusAnswered,
	}

	report := Check(ans, evidenceFixture())

	if report.Verified {
		t.Fatal("blank quote should fail verification")
	}
}

func TestCheckPassesThroughNonAnswered(t *testing.T) {
	ans := answer.Insufficient()

	report := Check(ans, evidenceFixture())

	if !report.Verified {
		t.Fatal("insufficient-evidence answers carry no claims to verify")
	}
	if report.Answer.Status != answer.StatusInsufficientEvidence {
		t.Fatalf("status changed to %s", report.Answer.Status)
	}
}
