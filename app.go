package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/chat"
	"github.com/fabfab/docbase-rag/config"
	"github.com/fabfab/docbase-rag/database"
	"github.com/fabfab/docbase-rag/ingestion"
	"github.com/fabfab/docbase-rag/knowledge"
	"github.com/fabfab/docbase-rag/rag"
	"github.com/fabfab/docbase-rag/registry"
	"github.com/fabfab/docbase-rag/vectorindex"
)

// app holds the long-lived dependencies shared by every orchestrator the
// process creates.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *registry.Registry
	backend  vectorindex.Backend
	chunker  *ingestion.Chunker
	prompts  chat.Prompts
	graph    knowledge.Mirror

	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, graph: knowledge.Nop{}}

	switch cfg.VectorBackend {
	case config.BackendSQLite:
		a.backend = vectorindex.SQLiteBackend{}
	case config.BackendMemory:
		a.backend = vectorindex.NewMemoryBackend()
	case config.BackendPGVector:
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.pool = pool
		a.backend = vectorindex.NewPGVectorBackend(pool, cfg.Embeddings.Dimension)
	default:
		return nil, fmt.Errorf("unsupported vector backend: %s", cfg.VectorBackend)
	}

	reg, err := registry.Open(cfg.BaseDir, registry.WithPurger(a.backend), registry.WithLogger(logger))
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.registry = reg

	chunker, err := ingestion.NewChunker(ctx, ingestion.Options{
		Size:     cfg.Chunking.Size,
		Overlap:  cfg.Chunking.Overlap,
		Strategy: cfg.Chunking.Strategy,
		Workers:  cfg.Chunking.Workers,
		Logger:   logger,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.chunker = chunker

	prompts, err := chat.LoadPrompts(cfg.PromptsDir)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.prompts = prompts

	if cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		a.driver = driver
		a.graph = knowledge.NewGraph(driver, logger)
	}

	return a, nil
}

func (a *app) newOrchestrator() (*rag.Orchestrator, error) {
	return rag.New(rag.Deps{
		Registry:    a.registry,
		Backend:     a.backend,
		Chunker:     a.chunker,
		Clients:     rag.ConfigClients(a.cfg),
		Prompts:     a.prompts,
		Graph:       a.graph,
		Logger:      a.logger,
		TopK:        a.cfg.TopK,
		BatchSize:   a.cfg.Embeddings.BatchSize,
		DefaultBase: a.cfg.DefaultBase,
	})
}

// session returns an initialized orchestrator, switched to base when base is
// not empty.
func (a *app) session(ctx context.Context, base string) (*rag.Orchestrator, error) {
	orch, err := a.newOrchestrator()
	if err != nil {
		return nil, err
	}
	if err := orch.Initialize(ctx, credential(a.cfg)); err != nil {
		orch.Close()
		return nil, err
	}
	if base != "" && base != orch.CurrentBase() {
		if err := orch.SwitchBase(ctx, base); err != nil {
			orch.Close()
			return nil, err
		}
	}
	return orch, nil
}

func (a *app) close(ctx context.Context) {
	if a.driver != nil {
		if err := a.driver.Close(ctx); err != nil {
			a.logger.Warn("close neo4j driver", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// credential returns the key used to initialize CLI sessions. Ollama needs no
// key, so a placeholder is used when both providers are local.
func credential(cfg config.Config) string {
	if cfg.OpenAIAPIKey != "" {
		return cfg.OpenAIAPIKey
	}
	if cfg.LLM.Provider == config.ProviderOllama && cfg.Embeddings.Provider == config.ProviderOllama {
		return config.ProviderOllama
	}
	return ""
}
