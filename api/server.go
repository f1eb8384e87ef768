package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/script-agent/answer"
	"github.com/fabfab/script-agent/config"
	"github.com/fabfab/script-agent/database"
	"github.com/fabfab/script-agent/embeddings"
	"github.com/fabfab/script-agent/guardrail"
	"github.com/fabfab/script-agent/index"
	"github.com/fabfab/script-agent/knowledge"
	"github.com/fabfab/script-agent/llm"
	"github.com/fabfab/script-agent/orchestrate"
	"github.com/fabfab/script-agent/retrieve"
	"github.com/fabfab/script-agent/script"
)

// Server exposes the HTTP surface over the query pipeline. The surface is
// deliberately thin: the pipeline packages carry the behavior.
type Server struct {
	cfg     config.Config
	logger  *log.Logger
	handler http.Handler

	// Preset pipeline components, used by the in-memory serving mode. When
	// nil, Postgres-backed components are built per request.
	store     index.Store
	embedder  embeddings.Embedder
	llmClient llm.Client
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type queryRequest struct {
	Query        string `json:"query"`
	TopK         int    `json:"topK"`
	IncludeSteps bool   `json:"includeSteps"`
}

type citationPayload struct {
	ChunkID string `json:"chunkId"`
	Quote   string `json:"quote"`
}

type speakerPayload struct {
	Character  string   `json:"character"`
	TotalLines int      `json:"totalLines"`
	Scenes     []string `json:"scenes"`
}

type queryResponse struct {
	Answer    string                   `json:"answer"`
	Citations []citationPayload        `json:"citations"`
	Status    answer.Status            `json:"status"`
	Steps     []orchestrate.StepReport `json:"steps,omitempty"`
	Speakers  []speakerPayload         `json:"speakers,omitempty"`
}

type ingestRequest struct {
	Path   string `json:"path"`
	Corpus string `json:"corpus"`
}

type clearRequest struct {
	Corpus  string `json:"corpus"`
	Confirm bool   `json:"confirm"`
}

// New constructs a Server that builds Postgres-backed pipeline components per
// request.
func New(cfg config.Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{cfg: cfg, logger: logger}
	s.handler = s.routes()
	return s
}

// NewWithPipeline constructs a Server over preset components, typically the
// in-memory store populated at startup.
func NewWithPipeline(cfg config.Config, logger *log.Logger, store index.Store, embedder embeddings.Embedder, llmClient llm.Client) *Server {
	s := New(cfg, logger)
	s.store = store
	s.embedder = embedder
	s.llmClient = llmClient
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/clear", s.handleClear)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.Retrieval.TopK
	}

	ctx := r.Context()

	components, cleanup, err := s.components(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cleanup()

	retriever := retrieve.NewRetriever(components.store, components.embedder, s.logger, retrieve.Options{
		MinScore:        s.cfg.Retrieval.MinScore,
		MaxRetries:      s.cfg.Retry.MaxRetries,
		InitialInterval: s.cfg.Retry.InitialInterval,
		CallTimeout:     s.cfg.Retry.CallTimeout,
	})
	generator := answer.NewGenerator(components.llmClient, s.logger, answer.Options{
		MaxRetries:      s.cfg.Retry.MaxRetries,
		InitialInterval: s.cfg.Retry.InitialInterval,
		CallTimeout:     s.cfg.Retry.CallTimeout,
	})
	orchestrator := orchestrate.NewOrchestrator(retriever, generator, s.logger, orchestrate.Options{
		MaxSteps: s.cfg.Orchestrator.MaxSteps,
		Timeout:  s.cfg.Orchestrator.Timeout,
		TopK:     topK,
	})

	outcome, err := orchestrator.Run(ctx, s.cfg.Corpus, req.Query)
	if err != nil && !errors.Is(err, orchestrate.ErrBudgetExceeded) {
		var genErr *answer.GenerationError
		if errors.As(err, &genErr) {
			s.writeError(w, http.StatusBadGateway, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	report := guardrail.Check(outcome.Answer, outcome.Evidence)
	if !report.Verified {
		s.logger.Printf("run %s: stripped %d unverifiable citation(s)", outcome.RunID, len(report.Stripped))
	}

	resp := queryResponse{
		Answer:    report.Answer.Text,
		Citations: make([]citationPayload, 0, len(report.Answer.Citations)),
		Status:    report.Answer.Status,
	}
	for _, citation := range report.Answer.Citations {
		resp.Citations = append(resp.Citations, citationPayload{ChunkID: citation.ChunkID, Quote: citation.Quote})
	}
	if req.IncludeSteps {
		resp.Steps = outcome.Steps
	}
	resp.Speakers = s.speakerInsights(ctx, components.driver, report.Answer, outcome.Evidence)

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	path := strings.TrimSpace(req.Path)
	if path == "" {
		path = s.cfg.ScriptPath
	}
	corpus := strings.TrimSpace(req.Corpus)
	if corpus == "" {
		corpus = s.cfg.Corpus
	}

	ctx := r.Context()

	components, cleanup, err := s.components(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cleanup()

	doc, err := script.Load(path, corpus)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("load script: %w", err))
		return
	}

	segmenter := script.NewSegmenter(s.cfg.Segmenter.WindowTokens, s.cfg.Segmenter.OverlapTokens)
	chunks, err := segmenter.Segment(doc)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("segment script: %w", err))
		return
	}

	indexer := index.NewIndexer(components.store, components.embedder, s.logger, index.IndexerOptions{
		MaxRetries:      s.cfg.Retry.MaxRetries,
		InitialInterval: s.cfg.Retry.InitialInterval,
		CallTimeout:     s.cfg.Retry.CallTimeout,
	})
	version, err := indexer.Build(ctx, corpus, chunks)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("build index: %w", err))
		return
	}

	if components.driver != nil {
		if err := knowledge.SyncScript(ctx, components.driver, doc); err != nil {
			s.logger.Printf("sync knowledge graph: %v", err)
		}
	}

	s.writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("ingested %s: version %s, %d chunks", corpus, version, len(chunks)),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	corpus := strings.TrimSpace(req.Corpus)
	if corpus == "" {
		corpus = s.cfg.Corpus
	}

	ctx := r.Context()

	components, cleanup, err := s.components(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cleanup()

	if err := components.store.Clear(ctx, corpus); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear index: %w", err))
		return
	}

	if components.driver != nil {
		if err := knowledge.Purge(ctx, components.driver, corpus); err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear knowledge graph: %w", err))
			return
		}
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("cleared corpus %s", corpus)})
}

type pipelineComponents struct {
	store     index.Store
	embedder  embeddings.Embedder
	llmClient llm.Client
	driver    neo4j.DriverWithContext
}

func (s *Server) components(ctx context.Context) (pipelineComponents, func(), error) {
	if s.store != nil {
		return pipelineComponents{store: s.store, embedder: s.embedder, llmClient: s.llmClient}, func() {}, nil
	}

	pgPool, err := database.NewPostgresPool(ctx, s.cfg.PostgresDSN)
	if err != nil {
		return pipelineComponents{}, nil, fmt.Errorf("postgres connection: %w", err)
	}

	if err := database.EnsureScriptSchema(ctx, pgPool, s.cfg.Embeddings.Dimension); err != nil {
		pgPool.Close()
		return pipelineComponents{}, nil, fmt.Errorf("ensure schema: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(s.cfg)
	if err != nil {
		pgPool.Close()
		return pipelineComponents{}, nil, fmt.Errorf("embedder setup: %w", err)
	}

	llmClient, err := llm.NewClient(s.cfg)
	if err != nil {
		pgPool.Close()
		return pipelineComponents{}, nil, fmt.Errorf("llm setup: %w", err)
	}

	components := pipelineComponents{
		store:     index.NewPostgresStore(pgPool),
		embedder:  embedder,
		llmClient: llmClient,
	}

	// The graph is an enrichment, not a dependency: an unreachable neo4j
	// only costs speaker insights.
	driver, err := database.NewNeo4jDriver(ctx, s.cfg.Neo4jURI, s.cfg.Neo4jUser, s.cfg.Neo4jPass)
	if err != nil {
		s.logger.Printf("neo4j connection: %v", err)
	} else {
		components.driver = driver
	}

	cleanup := func() {
		if components.driver != nil {
			_ = components.driver.Close(context.Background())
		}
		pgPool.Close()
	}
	return components, cleanup, nil
}

func (s *Server) speakerInsights(ctx context.Context, driver neo4j.DriverWithContext, ans answer.Answer, evidence map[string]script.Chunk) []speakerPayload {
	if driver == nil || len(ans.Citations) == 0 {
		return nil
	}

	names := make([]string, 0)
	seen := make(map[string]struct{})
	for _, citation := range ans.Citations {
		chunk, ok := evidence[citation.ChunkID]
		if !ok {
			continue
		}
		for _, speaker := range chunk.Speakers {
			if _, ok := seen[speaker]; ok {
				continue
			}
			seen[speaker] = struct{}{}
			names = append(names, speaker)
		}
	}
	if len(names) == 0 {
		return nil
	}

	insights, err := knowledge.CharacterInsights(ctx, driver, s.cfg.Corpus, names)
	if err != nil {
		s.logger.Printf("character insights: %v", err)
		return nil
	}

	payloads := make([]speakerPayload, 0, len(names))
	for _, name := range names {
		insight, ok := insights[name]
		if !ok {
			continue
		}
		scenes := make([]string, 0, len(insight.Scenes))
		for _, appearance := range insight.Scenes {
			scenes = append(scenes, appearance.Scene)
		}
		payloads = append(payloads, speakerPayload{
			Character:  insight.Character,
			TotalLines: insight.TotalLines,
			Scenes:     scenes,
		})
	}
	return payloads
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
