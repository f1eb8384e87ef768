package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fabfab/script-agent/answer"
	"github.com/fabfab/script-agent/api"
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

func main() {
	logger := log.New(os.Stdout, "script-agent ", log.LstdFlags)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	var err error
	switch os.Args[1] {
	case "ingest":
		err = runIngest(ctx, cfg, logger, os.Args[2:])
	case "ask":
		err = runAsk(ctx, cfg, logger, os.Args[2:])
	case "serve":
		err = runServe(ctx, cfg, logger, os.Args[2:])
	case "clear":
		err = runClear(ctx, cfg, logger, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		logger.Fatalf("%s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: script-agent <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  ingest   load a script, segment it and build the vector index")
	fmt.Fprintln(os.Stderr, "  ask      answer a single question against the indexed script")
	fmt.Fprintln(os.Stderr, "  serve    run the HTTP API")
	fmt.Fprintln(os.Stderr, "  clear    drop all indexed data for a corpus")
}

func runIngest(ctx context.Context, cfg config.Config, logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	scriptPath := fs.String("script", cfg.ScriptPath, "path to the script file (.pdf or .tsv)")
	corpus := fs.String("corpus", cfg.Corpus, "corpus name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	doc, err := script.Load(*scriptPath, *corpus)
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	logger.Printf("loaded %s: %d scenes", *scriptPath, len(doc.Scenes))

	segmenter := script.NewSegmenter(cfg.Segmenter.WindowTokens, cfg.Segmenter.OverlapTokens)
	chunks, err := segmenter.Segment(doc)
	if err != nil {
		return fmt.Errorf("segment script: %w", err)
	}
	logger.Printf("segmented into %d chunks", len(chunks))

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()

	if err := database.EnsureScriptSchema(ctx, pgPool, cfg.Embeddings.Dimension); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("embedder setup: %w", err)
	}

	indexer := index.NewIndexer(index.NewPostgresStore(pgPool), embedder, logger, index.IndexerOptions{
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
		CallTimeout:     cfg.Retry.CallTimeout,
	})

	version, err := indexer.Build(ctx, *corpus, chunks)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	logger.Printf("published version %s for corpus %s", version, *corpus)

	driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Printf("neo4j connection: %v (skipping knowledge graph sync)", err)
		return nil
	}
	defer driver.Close(ctx)

	if err := knowledge.SyncScript(ctx, driver, doc); err != nil {
		return fmt.Errorf("sync knowledge graph: %w", err)
	}
	logger.Printf("knowledge graph synced for corpus %s", *corpus)

	return nil
}

func runAsk(ctx context.Context, cfg config.Config, logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	question := fs.String("question", "", "question to answer")
	topK := fs.Int("k", cfg.Retrieval.TopK, "number of chunks to retrieve per sub-query")
	showSteps := fs.Bool("steps", false, "print the reasoning steps")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *question == "" {
		return fmt.Errorf("-question is required")
	}

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("embedder setup: %w", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("llm setup: %w", err)
	}

	store := index.NewPostgresStore(pgPool)
	retriever := retrieve.NewRetriever(store, embedder, logger, retrieve.Options{
		MinScore:        cfg.Retrieval.MinScore,
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
		CallTimeout:     cfg.Retry.CallTimeout,
	})
	generator := answer.NewGenerator(llmClient, logger, answer.Options{
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
		CallTimeout:     cfg.Retry.CallTimeout,
	})
	orchestrator := orchestrate.NewOrchestrator(retriever, generator, logger, orchestrate.Options{
		MaxSteps: cfg.Orchestrator.MaxSteps,
		Timeout:  cfg.Orchestrator.Timeout,
		TopK:     *topK,
	})

	outcome, err := orchestrator.Run(ctx, cfg.Corpus, *question)
	if err != nil && !errors.Is(err, orchestrate.ErrBudgetExceeded) {
		return fmt.Errorf("query failed: %w", err)
	}

	report := guardrail.Check(outcome.Answer, outcome.Evidence)

	fmt.Printf("\nQ: %s\n", *question)
	fmt.Printf("A: %s\n", report.Answer.Text)
	fmt.Printf("Status: %s\n", report.Answer.Status)
	if len(report.Answer.Citations) > 0 {
		fmt.Println("Citations:")
		for _, citation := range report.Answer.Citations {
			fmt.Printf("  [%s] %q\n", citation.ChunkID, citation.Quote)
		}
	}
	if len(report.Stripped) > 0 {
		fmt.Printf("Stripped %d unverifiable citation(s)\n", len(report.Stripped))
	}
	if *showSteps {
		fmt.Println("Steps:")
		for i, step := range outcome.Steps {
			line := fmt.Sprintf("  %d. %s", i+1, step.Kind)
			if step.SubQuery != "" {
				line += fmt.Sprintf(" %q", step.SubQuery)
			}
			line += fmt.Sprintf(" -> %s", step.Status)
			if step.Count != nil {
				line += fmt.Sprintf(" (count=%d)", *step.Count)
			}
			fmt.Println(line)
		}
	}

	return nil
}

func runServe(ctx context.Context, cfg config.Config, logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.ListenAddr, "listen address")
	memory := fs.Bool("memory", false, "serve from an in-memory index built at startup")
	scriptPath := fs.String("script", cfg.ScriptPath, "script to index at startup (memory mode)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var server *api.Server
	if *memory {
		store := index.NewMemoryStore()
		embedder, err := embeddings.NewEmbedder(cfg)
		if err != nil {
			return fmt.Errorf("embedder setup: %w", err)
		}
		llmClient, err := llm.NewClient(cfg)
		if err != nil {
			return fmt.Errorf("llm setup: %w", err)
		}

		doc, err := script.Load(*scriptPath, cfg.Corpus)
		if err != nil {
			return fmt.Errorf("load script: %w", err)
		}
		segmenter := script.NewSegmenter(cfg.Segmenter.WindowTokens, cfg.Segmenter.OverlapTokens)
		chunks, err := segmenter.Segment(doc)
		if err != nil {
			return fmt.Errorf("segment script: %w", err)
		}
		indexer := index.NewIndexer(store, embedder, logger, index.IndexerOptions{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			CallTimeout:     cfg.Retry.CallTimeout,
		})
		version, err := indexer.Build(ctx, cfg.Corpus, chunks)
		if err != nil {
			return fmt.Errorf("build index: %w", err)
		}
		logger.Printf("in-memory index ready: version %s, %d chunks", version, len(chunks))

		server = api.NewWithPipeline(cfg, logger, store, embedder, llmClient)
	} else {
		server = api.New(cfg, logger)
	}

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Println("server stopped")

	return nil
}

func runClear(ctx context.Context, cfg config.Config, logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	corpus := fs.String("corpus", cfg.Corpus, "corpus name")
	confirm := fs.Bool("confirm", false, "required to actually delete data")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*confirm {
		return fmt.Errorf("pass -confirm to clear corpus %s", *corpus)
	}

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()

	if err := index.NewPostgresStore(pgPool).Clear(ctx, *corpus); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	logger.Printf("cleared vector index for corpus %s", *corpus)

	driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Printf("neo4j connection: %v (skipping knowledge graph purge)", err)
		return nil
	}
	defer driver.Close(ctx)

	if err := knowledge.Purge(ctx, driver, *corpus); err != nil {
		return fmt.Errorf("purge knowledge graph: %w", err)
	}
	logger.Printf("purged knowledge graph for corpus %s", *corpus)

	return nil
}
