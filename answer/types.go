// Package answer turns retrieved chunks into cited natural-language answers,
// grounded exclusively in the supplied excerpts.
package answer

import "fmt"

type Status string

const (
	StatusAnswered             Status = "answered"
	StatusPartiallyAnswered    Status = "partially_answered"
	StatusInsufficientEvidence Status = "insufficient_evidence"
	StatusUnverified           Status = "unverified"
	StatusFailed               Status = "failed"
)

// Citation ties a claim to a chunk and the exact quoted span inside it.
type Citation struct {
	ChunkID string `json:"chunkId"`
	Quote   string `json:"quote"`
}

// Answer is the final response text with its supporting citations. An answer
// with status Answered carries at least one citation; evidence gaps are
// disclosed through the status, never papered over.
type Answer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	Status    Status     `json:"status"`
}

// GenerationError reports an LLM call failure after retries were exhausted.
// It is surfaced to the caller instead of fabricating an answer.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Insufficient builds the disclosed no-evidence answer.
func Insufficient() Answer {
	return Answer{
		Text:   "Insufficient evidence in the provided script excerpts.",
		Status: StatusInsufficientEvidence,
	}
}
