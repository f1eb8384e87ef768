// Package orchestrate decomposes composed queries into explicit plans of
// retrieve/generate/synthesize steps and drives them to a final answer.
package orchestrate

import (
	"regexp"
	"strings"

	"github.com/fabfab/script-agent/index"
)

type StepKind string

const (
	StepRetrieve   StepKind = "retrieve"
	StepGenerate   StepKind = "generate"
	StepSynthesize StepKind = "synthesize"
)

type QueryClass string

const (
	ClassSimple      QueryClass = "simple"
	ClassCounting    QueryClass = "counting"
	ClassAttribution QueryClass = "attribution"
	ClassCompound    QueryClass = "compound"
)

// Step is one node in a reasoning plan. Plans are flat DAGs: retrieve/
// generate pairs fan out per sub-query and a synthesize step joins them;
// there are no cycles.
type Step struct {
	Kind     StepKind
	SubQuery string
	// Exhaustive marks a full-corpus scan instead of top-k search.
	Exhaustive bool
	Filter     index.Filter
}

// Classification is a deterministic keyword rule, not model judgment.
var (
	countingPattern    = regexp.MustCompile(`(?i)\bhow many times\b|\bhow often\b|\bnumber of times\b|\bcount of\b`)
	attributionPattern = regexp.MustCompile(`(?i)^\s*who\s+(says|said|mentions|mentioned|speaks|spoke)\b`)
	conjunctionPattern = regexp.MustCompile(`(?i),?\s+and\s+(who|what|why|where|when|how)\b`)

	countingSpeakerPhrase = regexp.MustCompile(`(?i)\bhow many times does\s+([a-z .'-]+?)\s+(?:say|mention)s?\s+(?:that\s+)?(.+?)\s*\??\s*$`)
	attributionPhrase     = regexp.MustCompile(`(?i)^\s*who\s+(?:says|said|mentions|mentioned|speaks|spoke)\s+(?:that\s+)?(.+?)\s*\??\s*$`)

	anaphoraPattern = regexp.MustCompile(`(?i)\b(that|this|it)\b`)
	stopwords       = map[string]struct{}{
		"a": {}, "an": {}, "and": {}, "are": {}, "be": {}, "did": {}, "do": {},
		"does": {}, "how": {}, "in": {}, "is": {}, "it": {}, "mention": {},
		"mentioned": {}, "mentions": {}, "of": {}, "said": {}, "say": {},
		"says": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
		"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {},
	}
)

func Classify(query string) QueryClass {
	switch {
	case countingPattern.MatchString(query):
		return ClassCounting
	case isCompound(query):
		return ClassCompound
	case attributionPattern.MatchString(query):
		return ClassAttribution
	default:
		return ClassSimple
	}
}

func isCompound(query string) bool {
	if len(splitQuestions(query)) > 1 {
		return true
	}
	return conjunctionPattern.MatchString(query)
}

// Plan builds the ordered step plan for a classified query.
func Plan(query string, class QueryClass) []Step {
	switch class {
	case ClassCounting:
		filter := countingFilter(query)
		return []Step{{Kind: StepRetrieve, SubQuery: query, Exhaustive: true, Filter: filter}}

	case ClassAttribution:
		phrase := query
		if m := attributionPhrase.FindStringSubmatch(query); m != nil {
			phrase = m[1]
		}
		return []Step{
			{Kind: StepRetrieve, SubQuery: phrase},
			{Kind: StepGenerate, SubQuery: query},
		}

	case ClassCompound:
		subs := decompose(query)
		steps := make([]Step, 0, len(subs)*2+1)
		for _, sub := range subs {
			steps = append(steps,
				Step{Kind: StepRetrieve, SubQuery: sub},
				Step{Kind: StepGenerate, SubQuery: sub},
			)
		}
		steps = append(steps, Step{Kind: StepSynthesize, SubQuery: query})
		return steps

	default:
		return []Step{
			{Kind: StepRetrieve, SubQuery: query},
			{Kind: StepGenerate, SubQuery: query},
		}
	}
}

// countingFilter extracts the speaker and phrase from a counting query. When
// the query does not follow the "how many times does X say Y" shape, only the
// phrase predicate is used.
func countingFilter(query string) index.Filter {
	if m := countingSpeakerPhrase.FindStringSubmatch(query); m != nil {
		return index.Filter{
			Speaker:  strings.TrimSpace(m[1]),
			Contains: strings.Trim(strings.TrimSpace(m[2]), `"'`),
		}
	}

	phrase := countingPattern.ReplaceAllString(query, "")
	phrase = strings.Trim(strings.TrimSpace(phrase), `?"'`)
	// Interrogative scaffolding ("is the Oracle mentioned") never occurs
	// verbatim in chunk text; only the content terms are matchable.
	if terms := contentTerms(phrase); terms != "" {
		phrase = terms
	}
	return index.Filter{Contains: phrase}
}

// decompose splits a compound query into sub-questions and resolves bare
// anaphora ("who says that?") by carrying the first sub-question's content
// terms forward.
func decompose(query string) []string {
	parts := splitQuestions(query)
	if len(parts) < 2 {
		if loc := conjunctionPattern.FindStringIndex(query); loc != nil {
			first := strings.TrimSpace(query[:loc[0]])
			second := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(query[loc[0]:]), ","))
			second = strings.TrimSpace(strings.TrimPrefix(second, "and "))
			parts = []string{first, second}
		} else {
			parts = []string{query}
		}
	}

	subs := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasSuffix(part, "?") {
			part += "?"
		}
		// Earlier parts may have been dropped as empty, so the anaphora
		// antecedent is the first surviving sub-question, if any.
		if len(subs) > 0 && anaphoraPattern.MatchString(part) {
			if terms := contentTerms(subs[0]); terms != "" {
				part = strings.TrimSuffix(part, "?") + " (" + terms + ")?"
			}
		}
		subs = append(subs, part)
	}
	return subs
}

func splitQuestions(query string) []string {
	raw := strings.Split(query, "?")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return parts
}

func contentTerms(question string) string {
	terms := make([]string, 0)
	for _, field := range strings.Fields(strings.ToLower(question)) {
		field = strings.Trim(field, `?,.!"'`)
		if field == "" {
			continue
		}
		if _, ok := stopwords[field]; ok {
			continue
		}
		terms = append(terms, field)
	}
	return strings.Join(terms, " ")
}
