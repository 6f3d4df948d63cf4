// Package rag implements the conversational retrieval pipeline: it owns the
// active document base, its vector index, the conversation history and the
// generation clients of one session.
package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/chat"
	"github.com/fabfab/docbase-rag/embeddings"
	"github.com/fabfab/docbase-rag/ingestion"
	"github.com/fabfab/docbase-rag/knowledge"
	"github.com/fabfab/docbase-rag/llm"
	"github.com/fabfab/docbase-rag/logging"
	"github.com/fabfab/docbase-rag/registry"
	"github.com/fabfab/docbase-rag/vectorindex"
)

const (
	GuidanceInitialize    = "Please initialize the assistant with an API key first."
	GuidanceLoadDocuments = "Please load documents into the active document base first."

	errorAnswerPrefix = "Error generating answer: "
)

var (
	ErrMissingCredential = errors.New("credential is required")
	ErrNotInitialized    = errors.New("orchestrator is not initialized")
)

type Stage int

const (
	StageUninitialized Stage = iota
	StageNoDocuments
	StageReady
)

func (s Stage) String() string {
	switch s {
	case StageUninitialized:
		return "uninitialized"
	case StageNoDocuments:
		return "no_documents"
	case StageReady:
		return "ready"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ClientFactory builds the generation and embedding clients for a credential.
type ClientFactory func(ctx context.Context, credential string) (llm.Client, embeddings.Embedder, error)

type Deps struct {
	Registry *registry.Registry
	Backend  vectorindex.Backend
	Chunker  *ingestion.Chunker
	Clients  ClientFactory
	Prompts  chat.Prompts
	// Graph is optional.
	Graph  knowledge.Mirror
	Logger *zap.Logger
	TopK   int
	// BatchSize bounds the texts sent per embedding request.
	BatchSize   int
	DefaultBase string
}

// LoadRequest names the inputs of a load. Base, when set and different from
// the active base, is switched to (and created if missing) first.
type LoadRequest struct {
	Files     []string
	Directory string
	Base      string
}

type LoadResult struct {
	Base      string
	Chunks    int
	Documents int
	Failures  []ingestion.FileError
}

// Answer is the outcome of Ask. Text is always displayable: guidance, the
// generated answer, or a description of the failure (Err is then set).
type Answer struct {
	Text     string
	Question string
	Sources  []string
	Err      error
}

type AskOption func(*askOptions)

type askOptions struct {
	topK int
}

// WithTopK overrides the number of retrieved chunks for one call.
func WithTopK(k int) AskOption {
	return func(o *askOptions) {
		if k > 0 {
			o.topK = k
		}
	}
}

// Orchestrator is safe for concurrent use. Lifecycle operations are
// serialized; Ask runs against a snapshot of the state and performs its
// network calls without holding any lock.
type Orchestrator struct {
	registry    *registry.Registry
	backend     vectorindex.Backend
	chunker     *ingestion.Chunker
	clients     ClientFactory
	prompts     chat.Prompts
	graph       knowledge.Mirror
	logger      *zap.Logger
	topK        int
	batchSize   int
	defaultBase string

	lifecycle sync.Mutex

	mu       sync.Mutex
	stage    Stage
	llm      llm.Client
	embedder embeddings.Embedder
	rewriter *chat.Rewriter
	index    *vectorindex.Index
	base     string
	history  chat.History
	// epoch changes whenever the history is discarded so answers computed
	// against the old conversation are not appended to the new one.
	epoch uint64
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("vector backend is required")
	}
	if deps.Chunker == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if deps.Clients == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	if deps.Graph == nil {
		deps.Graph = knowledge.Nop{}
	}
	if deps.Prompts.QA.Type == "" || deps.Prompts.Rewriter.Type == "" {
		deps.Prompts = chat.DefaultPrompts()
	}
	if deps.TopK <= 0 {
		deps.TopK = vectorindex.DefaultTopK
	}

	return &Orchestrator{
		registry:    deps.Registry,
		backend:     deps.Backend,
		chunker:     deps.Chunker,
		clients:     deps.Clients,
		prompts:     deps.Prompts,
		graph:       deps.Graph,
		logger:      logging.OrNop(deps.Logger).Named("rag"),
		topK:        deps.TopK,
		batchSize:   deps.BatchSize,
		defaultBase: deps.DefaultBase,
	}, nil
}

// Initialize builds the service clients. The previously active base, or the
// default base when it exists, is opened with the new clients.
func (o *Orchestrator) Initialize(ctx context.Context, credential string) error {
	if strings.TrimSpace(credential) == "" {
		return ErrMissingCredential
	}

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	client, embedder, err := o.clients(ctx, credential)
	if err != nil {
		return fmt.Errorf("create service clients: %w", err)
	}

	o.mu.Lock()
	o.llm = client
	o.embedder = embedder
	o.rewriter = chat.NewRewriter(client, o.prompts.Rewriter, o.logger)
	o.stage = StageNoDocuments
	current := o.base
	o.mu.Unlock()

	switch {
	case current != "":
		if err := o.openBase(ctx, current, false); err != nil {
			return err
		}
	case o.defaultBase != "" && o.registry.Exists(o.defaultBase):
		if err := o.openBase(ctx, o.defaultBase, true); err != nil {
			return err
		}
	}

	o.logger.Info("initialized", zap.String("base", o.CurrentBase()), zap.Stringer("stage", o.Stage()))
	return nil
}

// SwitchBase makes name the active base and discards the conversation.
func (o *Orchestrator) SwitchBase(ctx context.Context, name string) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.Stage() == StageUninitialized {
		return ErrNotInitialized
	}
	return o.openBase(ctx, name, true)
}

// openBase binds a fresh index to name's storage location. Callers hold the
// lifecycle lock.
func (o *Orchestrator) openBase(ctx context.Context, name string, resetHistory bool) error {
	path, err := o.registry.PathOf(name)
	if err != nil {
		return err
	}

	o.mu.Lock()
	embedder := o.embedder
	o.mu.Unlock()

	// Opening may create the backend's marker, so check it first.
	populated := o.backend.Populated(path)
	index, err := vectorindex.Open(ctx, o.backend, path, embedder,
		vectorindex.WithLogger(o.logger),
		vectorindex.WithBatchSize(o.batchSize))
	if err != nil {
		return fmt.Errorf("open index of %s: %w", name, err)
	}

	count := 0
	if populated {
		if count, err = index.Count(ctx); err != nil {
			index.Close()
			return fmt.Errorf("count chunks of %s: %w", name, err)
		}
	}

	o.mu.Lock()
	previous := o.index
	o.index = index
	o.base = name
	if resetHistory {
		o.resetHistoryLocked()
	}
	if o.llm != nil {
		o.stage = StageNoDocuments
		if count > 0 {
			o.stage = StageReady
		}
	}
	o.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			o.logger.Warn("close previous index", zap.Error(err))
		}
	}

	o.logger.Info("switched base", zap.String("base", name), zap.Int("chunks", count))
	return nil
}

// LoadDocuments chunks the inputs and writes all chunks to the target base in
// a single batch. Files that fail are reported in the result and skipped.
func (o *Orchestrator) LoadDocuments(ctx context.Context, req LoadRequest) (LoadResult, error) {
	if len(req.Files) == 0 && req.Directory == "" {
		return LoadResult{}, fmt.Errorf("no files or directory given")
	}

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.Stage() == StageUninitialized {
		return LoadResult{}, ErrNotInitialized
	}

	target := req.Base
	if target == "" {
		target = o.CurrentBase()
	}
	if target == "" {
		target = o.defaultBase
	}
	if target == "" {
		return LoadResult{}, fmt.Errorf("%w: no target document base", registry.ErrInvalidName)
	}

	if target != o.CurrentBase() {
		if !o.registry.Exists(target) {
			if _, err := o.registry.Create(ctx, target, ""); err != nil && !errors.Is(err, registry.ErrAlreadyExists) {
				return LoadResult{}, fmt.Errorf("create base %s: %w", target, err)
			}
		}
		if err := o.openBase(ctx, target, true); err != nil {
			return LoadResult{}, err
		}
	}

	result := LoadResult{Base: target}
	var (
		texts     []string
		metadatas []map[string]string
		filenames []string
		graphDocs []knowledge.Document
	)
	collect := func(chunks []ingestion.Chunk, source, path string) {
		for _, chunk := range chunks {
			texts = append(texts, chunk.Text)
			metadatas = append(metadatas, chunk.Metadata())
		}
		result.Documents++
		filenames = append(filenames, source)
		graphDocs = append(graphDocs, knowledge.Document{Source: source, Path: path, Chunks: len(chunks)})
	}

	for _, path := range req.Files {
		chunks, err := o.chunker.ChunkFile(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return LoadResult{}, ctx.Err()
			}
			o.logger.Warn("ingest failed", zap.String("path", path), zap.Error(err))
			result.Failures = append(result.Failures, ingestion.FileError{Path: path, Err: err})
			continue
		}
		collect(chunks, sourceOf(chunks, path), path)
	}

	if req.Directory != "" {
		dirResult, err := o.chunker.ChunkDirectory(ctx, req.Directory)
		if err != nil {
			return LoadResult{}, err
		}
		for _, rel := range dirResult.Paths() {
			chunks := dirResult.Files[rel]
			path := rel
			if len(chunks) > 0 {
				path = chunks[0].FilePath
			}
			collect(chunks, rel, path)
		}
		result.Failures = append(result.Failures, dirResult.Failures...)
	}

	o.mu.Lock()
	index := o.index
	o.mu.Unlock()

	if len(texts) > 0 {
		if _, err := index.AddTexts(ctx, texts, metadatas); err != nil {
			return LoadResult{}, fmt.Errorf("index chunks: %w", err)
		}
	}
	result.Chunks = len(texts)

	// Files that produced no chunks are reported but not recorded.
	if result.Chunks > 0 {
		// The chunks are committed; keep the counters in step even if the
		// caller gives up now.
		persistCtx := context.WithoutCancel(ctx)
		if err := o.registry.Update(persistCtx, target, result.Documents, result.Chunks, filenames); err != nil {
			return result, fmt.Errorf("update registry: %w", err)
		}
		if err := o.graph.SyncDocuments(persistCtx, target, graphDocs); err != nil {
			o.logger.Warn("graph sync failed", zap.String("base", target), zap.Error(err))
		}

		o.mu.Lock()
		o.stage = StageReady
		o.mu.Unlock()
	}

	o.logger.Info("loaded documents",
		zap.String("base", target),
		zap.Int("documents", result.Documents),
		zap.Int("chunks", result.Chunks),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}

func sourceOf(chunks []ingestion.Chunk, path string) string {
	if len(chunks) > 0 && chunks[0].Source != "" {
		return chunks[0].Source
	}
	return filepath.Base(path)
}

// ClearDocuments empties the active index. Registry counters are historical
// and stay as they are; LiveChunks reports what is actually stored.
func (o *Orchestrator) ClearDocuments(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	index, base := o.index, o.base
	o.mu.Unlock()
	if index == nil {
		return fmt.Errorf("%w: no active document base", registry.ErrNotFound)
	}

	if err := index.Clear(ctx); err != nil {
		return err
	}
	if err := o.graph.ClearBase(ctx, base); err != nil {
		o.logger.Warn("graph clear failed", zap.String("base", base), zap.Error(err))
	}

	o.mu.Lock()
	if o.stage != StageUninitialized {
		o.stage = StageNoDocuments
	}
	o.mu.Unlock()
	return nil
}

// ClearHistory forgets the conversation. The stage is unchanged.
func (o *Orchestrator) ClearHistory() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetHistoryLocked()
}

func (o *Orchestrator) resetHistoryLocked() {
	o.history.Clear()
	o.epoch++
}

func (o *Orchestrator) ListBases() ([]registry.Base, error) {
	return o.registry.List()
}

func (o *Orchestrator) GetBase(name string) (registry.Base, error) {
	return o.registry.Get(name)
}

func (o *Orchestrator) CreateBase(ctx context.Context, name, description string) (string, error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	return o.registry.Create(ctx, name, description)
}

// DeleteBase removes name and its storage. Deleting the active base leaves
// the orchestrator without one.
func (o *Orchestrator) DeleteBase(ctx context.Context, name string) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	active := o.base == name && o.index != nil
	var index *vectorindex.Index
	if active {
		index = o.index
		o.index = nil
		o.base = ""
		o.resetHistoryLocked()
		if o.stage != StageUninitialized {
			o.stage = StageNoDocuments
		}
	}
	o.mu.Unlock()

	if index != nil {
		if err := index.Close(); err != nil {
			o.logger.Warn("close index before delete", zap.Error(err))
		}
	}

	if err := o.registry.Delete(ctx, name); err != nil {
		if active {
			if reopenErr := o.openBase(context.WithoutCancel(ctx), name, false); reopenErr != nil {
				o.logger.Warn("reopen base after failed delete", zap.String("base", name), zap.Error(reopenErr))
			}
		}
		return err
	}

	if err := o.graph.DeleteBase(ctx, name); err != nil {
		o.logger.Warn("graph delete failed", zap.String("base", name), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) RenameBase(ctx context.Context, oldName, newName string) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if err := o.registry.Rename(ctx, oldName, newName); err != nil {
		return err
	}

	o.mu.Lock()
	if o.base == oldName {
		o.base = newName
	}
	o.mu.Unlock()

	if err := o.graph.RenameBase(ctx, oldName, newName); err != nil {
		o.logger.Warn("graph rename failed", zap.String("base", oldName), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) CurrentBase() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.base
}

func (o *Orchestrator) Stage() Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

func (o *Orchestrator) History() []chat.Turn {
	return o.history.Turns()
}

// LiveChunks counts the chunks currently stored in the active index.
func (o *Orchestrator) LiveChunks(ctx context.Context) (int, error) {
	o.mu.Lock()
	index := o.index
	o.mu.Unlock()
	if index == nil {
		return 0, nil
	}
	return index.Count(ctx)
}

// Close releases the active index.
func (o *Orchestrator) Close() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	index := o.index
	o.index = nil
	o.mu.Unlock()
	if index == nil {
		return nil
	}
	return index.Close()
}
