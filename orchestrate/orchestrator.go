package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/script-agent/answer"
	"github.com/fabfab/script-agent/index"
	"github.com/fabfab/script-agent/retrieve"
	"github.com/fabfab/script-agent/script"
)

// ErrBudgetExceeded marks an orchestration run terminated by its step or
// wall-clock budget rather than a provider failure.
var ErrBudgetExceeded = errors.New("orchestration budget exceeded")

const (
	defaultMaxSteps = 8
	defaultTimeout  = 90 * time.Second
	defaultTopK     = 10
)

type Options struct {
	MaxSteps int
	Timeout  time.Duration
	TopK     int
}

// StepReport discloses the outcome of one executed plan step.
type StepReport struct {
	Kind     StepKind      `json:"kind"`
	SubQuery string        `json:"subQuery"`
	Status   answer.Status `json:"status"`
	Chunks   int           `json:"chunks"`
	Count    *int          `json:"count,omitempty"`
}

// Outcome is the result of one orchestration run. Evidence maps every
// retrieved chunk by ID, for post-hoc citation verification.
type Outcome struct {
	RunID    string
	Query    string
	Class    QueryClass
	Answer   answer.Answer
	Steps    []StepReport
	Evidence map[string]script.Chunk
}

// Orchestrator runs a query through classification, plan execution, and
// synthesis. Each run is request-scoped: no state is shared between runs
// beyond the read-only index.
type Orchestrator struct {
	retriever *retrieve.Retriever
	generator *answer.Generator
	logger    *log.Logger
	opts      Options
}

func NewOrchestrator(retriever *retrieve.Retriever, generator *answer.Generator, logger *log.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}

	return &Orchestrator{retriever: retriever, generator: generator, logger: logger, opts: opts}
}

func (o *Orchestrator) Run(ctx context.Context, corpus, query string) (Outcome, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Outcome{}, fmt.Errorf("query cannot be empty")
	}

	outcome := Outcome{
		RunID:    uuid.NewString(),
		Query:    query,
		Class:    Classify(query),
		Evidence: make(map[string]script.Chunk),
	}

	plan := Plan(query, outcome.Class)
	if len(plan) > o.opts.MaxSteps {
		outcome.Answer = failedAnswer("the query plan exceeds the configured step budget")
		return outcome, fmt.Errorf("%w: plan has %d steps, budget is %d", ErrBudgetExceeded, len(plan), o.opts.MaxSteps)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	o.logger.Printf("run %s: class=%s steps=%d query=%q", outcome.RunID, outcome.Class, len(plan), query)

	var err error
	switch outcome.Class {
	case ClassCounting:
		err = o.runCounting(runCtx, corpus, plan[0], &outcome)
	case ClassCompound:
		err = o.runCompound(runCtx, corpus, plan, &outcome)
	default:
		// Simple and attribution plans are one retrieve/generate pair.
		err = o.runSimple(runCtx, corpus, plan, &outcome)
	}

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			outcome.Answer = failedAnswer("the run exceeded its time budget")
			return outcome, fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
		}
		outcome.Answer = failedAnswer("a pipeline step failed")
		return outcome, err
	}

	return outcome, nil
}

func (o *Orchestrator) runSimple(ctx context.Context, corpus string, plan []Step, outcome *Outcome) error {
	retrieveStep := plan[0]
	generateStep := plan[len(plan)-1]

	results, err := o.retriever.Search(ctx, corpus, retrieveStep.SubQuery, o.opts.TopK, retrieveStep.Filter)
	if err != nil {
		return fmt.Errorf("retrieve step: %w", err)
	}
	outcome.addEvidence(results)
	outcome.Steps = append(outcome.Steps, StepReport{
		Kind:     StepRetrieve,
		SubQuery: retrieveStep.SubQuery,
		Status:   retrievalStatus(results),
		Chunks:   len(results),
	})

	ans, err := o.generator.Answer(ctx, generateStep.SubQuery, results)
	if err != nil {
		return fmt.Errorf("generate step: %w", err)
	}
	outcome.Steps = append(outcome.Steps, StepReport{
		Kind:     StepGenerate,
		SubQuery: generateStep.SubQuery,
		Status:   ans.Status,
		Chunks:   len(results),
	})

	outcome.Answer = ans
	return nil
}

// runCounting answers aggregate queries from an exhaustive scan, with no
// generation call per match: the count is the number of chunks matching the
// metadata predicate, and each match contributes a citation.
func (o *Orchestrator) runCounting(ctx context.Context, corpus string, step Step, outcome *Outcome) error {
	// An empty predicate would count every chunk in the corpus.
	if step.Filter.IsZero() {
		zero := 0
		outcome.Steps = append(outcome.Steps, StepReport{
			Kind:     StepRetrieve,
			SubQuery: step.SubQuery,
			Status:   answer.StatusInsufficientEvidence,
			Count:    &zero,
		})
		outcome.Answer = answer.Insufficient()
		return nil
	}

	chunks, err := o.retriever.Scan(ctx, corpus, step.Filter)
	if err != nil {
		return fmt.Errorf("exhaustive retrieve step: %w", err)
	}

	count := len(chunks)
	report := StepReport{
		Kind:     StepRetrieve,
		SubQuery: step.SubQuery,
		Chunks:   count,
		Count:    &count,
	}

	if count == 0 {
		report.Status = answer.StatusInsufficientEvidence
		outcome.Steps = append(outcome.Steps, report)
		outcome.Answer = answer.Insufficient()
		return nil
	}

	citations := make([]answer.Citation, 0, count)
	for _, chunk := range chunks {
		outcome.Evidence[chunk.ID] = chunk
		citations = append(citations, answer.Citation{
			ChunkID: chunk.ID,
			Quote:   matchedSpan(chunk, step.Filter.Contains),
		})
	}

	report.Status = answer.StatusAnswered
	outcome.Steps = append(outcome.Steps, report)
	outcome.Answer = answer.Answer{
		Text:      countingText(step.Filter, count),
		Citations: citations,
		Status:    answer.StatusAnswered,
	}
	return nil
}

func (o *Orchestrator) runCompound(ctx context.Context, corpus string, plan []Step, outcome *Outcome) error {
	type branch struct {
		retrieveStep Step
		generateStep Step
		results      []retrieve.Result
		partial      answer.Answer
	}

	branches := make([]*branch, 0, len(plan)/2)
	for i := 0; i+1 < len(plan); i += 2 {
		if plan[i].Kind != StepRetrieve || plan[i+1].Kind != StepGenerate {
			break
		}
		branches = append(branches, &branch{retrieveStep: plan[i], generateStep: plan[i+1]})
	}
	synthesizeStep := plan[len(plan)-1]

	// Independent sub-questions have no ordering dependency; fan out and
	// join on synthesis.
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range branches {
		b := b
		g.Go(func() error {
			results, err := o.retriever.Search(gctx, corpus, b.retrieveStep.SubQuery, o.opts.TopK, b.retrieveStep.Filter)
			if err != nil {
				return fmt.Errorf("retrieve %q: %w", b.retrieveStep.SubQuery, err)
			}
			b.results = results

			partial, err := o.generator.Answer(gctx, b.generateStep.SubQuery, results)
			if err != nil {
				return fmt.Errorf("generate %q: %w", b.generateStep.SubQuery, err)
			}
			b.partial = partial
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	parts := make([]answer.SubAnswer, 0, len(branches))
	for _, b := range branches {
		outcome.addEvidence(b.results)
		outcome.Steps = append(outcome.Steps,
			StepReport{Kind: StepRetrieve, SubQuery: b.retrieveStep.SubQuery, Status: retrievalStatus(b.results), Chunks: len(b.results)},
			StepReport{Kind: StepGenerate, SubQuery: b.generateStep.SubQuery, Status: b.partial.Status, Chunks: len(b.results)},
		)
		parts = append(parts, answer.SubAnswer{SubQuery: b.generateStep.SubQuery, Answer: b.partial})
	}

	final, err := o.generator.Synthesize(ctx, synthesizeStep.SubQuery, parts)
	if err != nil {
		return fmt.Errorf("synthesize step: %w", err)
	}
	outcome.Steps = append(outcome.Steps, StepReport{
		Kind:     StepSynthesize,
		SubQuery: synthesizeStep.SubQuery,
		Status:   final.Status,
	})

	outcome.Answer = final
	return nil
}

func (o *Outcome) addEvidence(results []retrieve.Result) {
	for _, res := range results {
		o.Evidence[res.Chunk.ID] = res.Chunk
	}
}

func retrievalStatus(results []retrieve.Result) answer.Status {
	if len(results) == 0 {
		return answer.StatusInsufficientEvidence
	}
	return answer.StatusAnswered
}

func failedAnswer(reason string) answer.Answer {
	return answer.Answer{
		Text:   fmt.Sprintf("The query could not be completed: %s.", reason),
		Status: answer.StatusFailed,
	}
}

// matchedSpan pulls the chunk line containing the phrase, so the citation
// quote is an exact substring of the cited chunk.
func matchedSpan(chunk script.Chunk, phrase string) string {
	if phrase == "" {
		return firstLine(chunk.Text)
	}
	lowered := strings.ToLower(phrase)
	for _, line := range strings.Split(chunk.Text, "\n") {
		if strings.Contains(strings.ToLower(line), lowered) {
			return line
		}
	}
	return firstLine(chunk.Text)
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

func countingText(filter index.Filter, count int) string {
	switch {
	case filter.Speaker != "" && filter.Contains != "":
		return fmt.Sprintf("%s says %q in %d passage(s) of the script.", filter.Speaker, filter.Contains, count)
	case filter.Contains != "":
		return fmt.Sprintf("%q appears in %d passage(s) of the script.", filter.Contains, count)
	default:
		return fmt.Sprintf("%d passage(s) of the script match the query.", count)
	}
}
