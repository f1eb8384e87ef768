// Package guardrail verifies, after generation, that every citation's quoted
// span actually occurs in the cited chunk. Uncited or miscited claims are
// never passed through silently.
package guardrail

import (
	"regexp"
	"strings"

	"github.com/fabfab/script-agent/answer"
	"github.com/fabfab/script-agent/script"
)

// Report is the outcome of checking one answer. Stripped lists the citations
// that failed verification; Verified is true when every original citation
// survived.
type Report struct {
	Answer   answer.Answer
	Stripped []answer.Citation
	Verified bool
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// Check verifies each citation quote against the cited chunk's text under
// whitespace/case normalization. Failing citations are stripped. An answered
// response left without a single verified citation is downgraded to
// unverified status rather than presented as evidence-backed.
func Check(ans answer.Answer, evidence map[string]script.Chunk) Report {
	if ans.Status != answer.StatusAnswered && ans.Status != answer.StatusPartiallyAnswered {
		return Report{Answer: ans, Verified: true}
	}

	kept := make([]answer.Citation, 0, len(ans.Citations))
	stripped := make([]answer.Citation, 0)

	for _, citation := range ans.Citations {
		chunk, ok := evidence[citation.ChunkID]
		if !ok || !quoteInChunk(citation.Quote, chunk.Text) {
			stripped = append(stripped, citation)
			continue
		}
		kept = append(kept, citation)
	}

	checked := ans
	checked.Citations = kept

	if len(kept) == 0 {
		checked.Status = answer.StatusUnverified
	}

	return Report{
		Answer:   checked,
		Stripped: stripped,
		Verified: len(stripped) == 0,
	}
}

func quoteInChunk(quote, chunkText string) bool {
	normalizedQuote := normalize(quote)
	if normalizedQuote == "" {
		return false
	}
	return strings.Contains(normalize(chunkText), normalizedQuote)
}

func normalize(text string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(strings.ToLower(text), " "))
}
