package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fabfab/script-agent/llm"
	"github.com/fabfab/script-agent/retrieve"
)

type Options struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	CallTimeout     time.Duration
}

// Generator produces grounded answers. It is never invoked without context:
// an empty chunk set short-circuits to an insufficient-evidence answer before
// any model call.
type Generator struct {
	llm    llm.Client
	logger *log.Logger
	opts   Options
}

func NewGenerator(client llm.Client, logger *log.Logger, opts Options) *Generator {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}

	return &Generator{llm: client, logger: logger, opts: opts}
}

// modelReply is the JSON object the model is instructed to produce.
type modelReply struct {
	Answer               string `json:"answer"`
	InsufficientEvidence bool   `json:"insufficient_evidence"`
	Citations            []struct {
		ChunkID string `json:"chunk_id"`
		Quote   string `json:"quote"`
	} `json:"citations"`
}

// Answer generates a cited answer from the supplied chunks only.
func (g *Generator) Answer(ctx context.Context, question string, results []retrieve.Result) (Answer, error) {
	if g.llm == nil {
		return Answer{}, fmt.Errorf("llm client is not configured")
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question cannot be empty")
	}

	if len(results) == 0 {
		return Insufficient(), nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: formatUserPrompt(question, results)},
	}

	raw, err := g.generate(ctx, messages)
	if err != nil {
		return Answer{}, &GenerationError{Err: err}
	}

	reply, err := parseReply(raw)
	if err != nil {
		return Answer{}, &GenerationError{Err: err}
	}

	if reply.InsufficientEvidence || strings.TrimSpace(reply.Answer) == "" {
		return Insufficient(), nil
	}

	supplied := make(map[string]struct{}, len(results))
	for _, res := range results {
		supplied[res.Chunk.ID] = struct{}{}
	}

	citations := make([]Citation, 0, len(reply.Citations))
	for _, c := range reply.Citations {
		if _, ok := supplied[c.ChunkID]; !ok {
			g.logger.Printf("dropping citation to unknown chunk %s", c.ChunkID)
			continue
		}
		citations = append(citations, Citation{ChunkID: c.ChunkID, Quote: c.Quote})
	}

	if len(citations) == 0 {
		// A factual answer without a single traceable citation is not
		// presentable as evidence-backed.
		return Insufficient(), nil
	}

	return Answer{
		Text:      strings.TrimSpace(reply.Answer),
		Citations: citations,
		Status:    StatusAnswered,
	}, nil
}

// SubAnswer pairs a sub-query with its partial answer, for synthesis.
type SubAnswer struct {
	SubQuery string
	Answer   Answer
}

// Synthesize combines sub-answers into one final answer. The model sees only
// the sub-answers, never the raw corpus, which preserves the
// no-outside-knowledge invariant one level up. The final citations are the
// union of the sub-answers' citations.
func (g *Generator) Synthesize(ctx context.Context, question string, parts []SubAnswer) (Answer, error) {
	if g.llm == nil {
		return Answer{}, fmt.Errorf("llm client is not configured")
	}
	if len(parts) == 0 {
		return Insufficient(), nil
	}

	answered := 0
	for _, part := range parts {
		if part.Answer.Status == StatusAnswered {
			answered++
		}
	}
	if answered == 0 {
		return Insufficient(), nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: synthesisPrompt},
		{Role: llm.RoleUser, Content: formatSynthesisPrompt(question, parts)},
	}

	raw, err := g.generate(ctx, messages)
	if err != nil {
		return Answer{}, &GenerationError{Err: err}
	}

	reply, err := parseReply(raw)
	if err != nil {
		return Answer{}, &GenerationError{Err: err}
	}
	if strings.TrimSpace(reply.Answer) == "" {
		return Insufficient(), nil
	}

	citations := make([]Citation, 0)
	seen := make(map[Citation]struct{})
	for _, part := range parts {
		for _, c := range part.Answer.Citations {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			citations = append(citations, c)
		}
	}

	status := StatusAnswered
	if answered < len(parts) {
		status = StatusPartiallyAnswered
	}

	return Answer{
		Text:      strings.TrimSpace(reply.Answer),
		Citations: citations,
		Status:    status,
	}, nil
}

func (g *Generator) generate(ctx context.Context, messages []llm.Message) (string, error) {
	var output string

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(g.opts.InitialInterval),
		), g.opts.MaxRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()

		generated, err := g.llm.Generate(callCtx, messages)
		if err != nil {
			return err
		}
		output = generated
		return nil
	}, policy)
	if err != nil {
		return "", err
	}

	return output, nil
}

func parseReply(raw string) (modelReply, error) {
	trimmed := strings.TrimSpace(raw)
	// Some models fence JSON output in markdown despite instructions.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var reply modelReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
		return modelReply{}, fmt.Errorf("parse model reply: %w", err)
	}
	return reply, nil
}

const systemPrompt = `You are a specialized assistant for analyzing a movie script. Answer questions based ONLY on the provided script excerpts.

CRITICAL RULES:
1. ONLY use information from the provided excerpts. Never use your general knowledge about the movie.
2. If the excerpts do not contain enough information to answer, set "insufficient_evidence" to true and leave "citations" empty.
3. Every factual statement in your answer must be backed by a citation referencing a chunk id and quoting the exact supporting span from that chunk.
4. Quote dialogue verbatim when attributing it to a character.

Respond with a single JSON object:
{"answer": "...", "insufficient_evidence": false, "citations": [{"chunk_id": "...", "quote": "..."}]}`

const synthesisPrompt = `You combine partial answers about a movie script into one final answer. Use ONLY the partial answers given; do not add facts from anywhere else. If a sub-question lacked evidence, say so explicitly in the final answer instead of dropping it.

Respond with a single JSON object:
{"answer": "...", "insufficient_evidence": false, "citations": []}`

func formatUserPrompt(question string, results []retrieve.Result) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nScript excerpts:\n")
	for _, res := range results {
		chunk := res.Chunk
		sb.WriteString(fmt.Sprintf("\n[chunk %s] scene: %s", chunk.ID, chunk.Scene))
		if len(chunk.Speakers) > 0 {
			sb.WriteString(fmt.Sprintf(", speakers: %s", strings.Join(chunk.Speakers, ", ")))
		}
		sb.WriteString(fmt.Sprintf(", lines %d-%d\n", chunk.StartLine, chunk.EndLine))
		sb.WriteString(chunk.Text)
		sb.WriteString("\n")
	}
	sb.WriteString("\nAnswer the question from these excerpts only.")
	return sb.String()
}

func formatSynthesisPrompt(question string, parts []SubAnswer) string {
	var sb strings.Builder
	sb.WriteString("Original question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nPartial answers:\n")
	for i, part := range parts {
		sb.WriteString(fmt.Sprintf("\n%d. Sub-question: %s\n", i+1, part.SubQuery))
		sb.WriteString(fmt.Sprintf("   Status: %s\n", part.Answer.Status))
		sb.WriteString(fmt.Sprintf("   Answer: %s\n", part.Answer.Text))
	}
	sb.WriteString("\nCombine these into one final answer to the original question.")
	return sb.String()
}
