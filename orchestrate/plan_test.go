package orchestrate

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		query string
		want  QueryClass
	}{
		{"What is the Matrix?", ClassSimple},
		{"Where does Neo work?", ClassSimple},
		{"How many times does Morpheus mention that Neo is the One?", ClassCounting},
		{"How often is the Oracle mentioned?", ClassCounting},
		{"What is the number of times Neo says whoa?", ClassCounting},
		{"Who says the line about the red pill?", ClassAttribution},
		{"Who mentions the Nebuchadnezzar?", ClassAttribution},
		{"Why are humans similar to a virus? And who says that?", ClassCompound},
		{"What is the Matrix, and who explains it?", ClassCompound},
	}

	for _, tc := range cases {
		if got := Classify(tc.query); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.query, got, tc.want)
		}
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	query := "Why are humans similar to a virus? And who says that?"
	first := Classify(query)
	for i := 0; i < 10; i++ {
		if got := Classify(query); got != first {
			t.Fatalf("classification changed between runs: %s then %s", first, got)
		}
	}
}

func TestPlanSimple(t *testing.T) {
	steps := Plan("What is the Matrix?", ClassSimple)

	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Kind != StepRetrieve || steps[1].Kind != StepGenerate {
		t.Fatalf("unexpected step kinds: %s, %s", steps[0].Kind, steps[1].Kind)
	}
	if steps[0].Exhaustive {
		t.Fatal("simple plans must not scan exhaustively")
	}
}

func TestPlanCountingExtractsSpeakerAndPhrase(t *testing.T) {
	steps := Plan("How many times does Morpheus mention that Neo is the One?", ClassCounting)

	if len(steps) != 1 {
		t.Fatalf("expected a single exhaustive step, got %d", len(steps))
	}
	step := steps[0]
	if !step.Exhaustive {
		t.Fatal("counting plans must scan exhaustively")
	}
	if !strings.EqualFold(step.Filter.Speaker, "morpheus") {
		t.Fatalf("unexpected speaker filter: %q", step.Filter.Speaker)
	}
	if step.Filter.Contains != "Neo is the One" {
		t.Fatalf("unexpected phrase filter: %q", step.Filter.Contains)
	}
}

func TestPlanCountingWithoutSpeaker(t *testing.T) {
	steps := Plan("How many times is the Oracle mentioned?", ClassCounting)

	if len(steps) != 1 || !steps[0].Exhaustive {
		t.Fatalf("expected one exhaustive step, got %+v", steps)
	}
	if steps[0].Filter.Speaker != "" {
		t.Fatalf("no speaker should be extracted, got %q", steps[0].Filter.Speaker)
	}
	// The predicate must be matchable against chunk text: content terms
	// only, no interrogative scaffolding like "is ... mentioned".
	if steps[0].Filter.Contains != "oracle" {
		t.Fatalf("unexpected phrase filter: %q", steps[0].Filter.Contains)
	}
}

func TestPlanCountingWithoutPredicate(t *testing.T) {
	steps := Plan("How often?", ClassCounting)

	if len(steps) != 1 {
		t.Fatalf("expected one step, got %d", len(steps))
	}
	if !steps[0].Filter.IsZero() {
		t.Fatalf("expected empty filter, got %+v", steps[0].Filter)
	}
}

func TestPlanAttribution(t *testing.T) {
	steps := Plan("Who says that humans are a virus?", ClassAttribution)

	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].SubQuery != "humans are a virus" {
		t.Fatalf("retrieval should target the quoted phrase, got %q", steps[0].SubQuery)
	}
	if steps[1].SubQuery != "Who says that humans are a virus?" {
		t.Fatalf("generation should keep the full question, got %q", steps[1].SubQuery)
	}
}

func TestPlanCompoundFansOutAndSynthesizes(t *testing.T) {
	query := "Why are humans similar to a virus? And who says that?"
	steps := Plan(query, ClassCompound)

	if len(steps) != 5 {
		t.Fatalf("expected 2 retrieve/generate pairs plus synthesis, got %d steps", len(steps))
	}
	if steps[0].Kind != StepRetrieve || steps[1].Kind != StepGenerate ||
		steps[2].Kind != StepRetrieve || steps[3].Kind != StepGenerate {
		t.Fatal("sub-queries should each get a retrieve/generate pair")
	}
	last := steps[len(steps)-1]
	if last.Kind != StepSynthesize {
		t.Fatalf("final step should synthesize, got %s", last.Kind)
	}
	if last.SubQuery != query {
		t.Fatalf("synthesis should carry the original query, got %q", last.SubQuery)
	}
}

func TestDecomposeResolvesAnaphora(t *testing.T) {
	subs := decompose("Why are humans similar to a virus? And who says that?")

	if len(subs) != 2 {
		t.Fatalf("expected 2 sub-questions, got %d: %v", len(subs), subs)
	}
	// The bare "that" in the second sub-question is unanswerable without the
	// first sub-question's content terms.
	if !strings.Contains(subs[1], "humans") || !strings.Contains(subs[1], "virus") {
		t.Fatalf("anaphora not resolved: %q", subs[1])
	}
}

func TestDecomposeLeadingConjunction(t *testing.T) {
	query := ", and who says that?"

	if class := Classify(query); class != ClassCompound {
		t.Fatalf("expected compound class, got %s", class)
	}

	subs := decompose(query)
	if len(subs) != 1 {
		t.Fatalf("expected 1 sub-question, got %d: %v", len(subs), subs)
	}
	if subs[0] != "who says that?" {
		t.Fatalf("unexpected sub-question: %q", subs[0])
	}

	// The degenerate first clause is empty; planning must still succeed.
	steps := Plan(query, ClassCompound)
	if len(steps) != 3 {
		t.Fatalf("expected one retrieve/generate pair plus synthesis, got %d steps", len(steps))
	}
}

func TestDecomposeConjunctionWithoutQuestionMarks(t *testing.T) {
	subs := decompose("What is the Matrix, and who explains it")

	if len(subs) != 2 {
		t.Fatalf("expected 2 sub-questions, got %d: %v", len(subs), subs)
	}
	if !strings.HasSuffix(subs[0], "?") || !strings.HasSuffix(subs[1], "?") {
		t.Fatalf("sub-questions should end with a question mark: %v", subs)
	}
}
