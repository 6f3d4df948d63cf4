package rag

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/chat"
	"github.com/fabfab/docbase-rag/llm"
	"github.com/fabfab/docbase-rag/vectorindex"
)

// snapshot is the state an ask runs against.
type snapshot struct {
	stage    Stage
	client   llm.Client
	rewriter *chat.Rewriter
	index    *vectorindex.Index
	base     string
	turns    []chat.Turn
	epoch    uint64
}

func (o *Orchestrator) snapshot() snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return snapshot{
		stage:    o.stage,
		client:   o.llm,
		rewriter: o.rewriter,
		index:    o.index,
		base:     o.base,
		turns:    o.history.Turns(),
		epoch:    o.epoch,
	}
}

func guidance(stage Stage) string {
	switch stage {
	case StageUninitialized:
		return GuidanceInitialize
	case StageNoDocuments:
		return GuidanceLoadDocuments
	default:
		return ""
	}
}

// Ask answers question against the active base. It never returns an error
// directly: guidance and failures are carried in the Answer text, with Err
// set on failure. A successful answer is appended to the history exactly
// once, unless the history was discarded in the meantime.
func (o *Orchestrator) Ask(ctx context.Context, question string, opts ...AskOption) Answer {
	snap := o.snapshot()
	if text := guidance(snap.stage); text != "" {
		return Answer{Text: text}
	}

	prepared, err := o.prepare(ctx, snap, question, opts)
	if err != nil {
		return errorAnswer(prepared, err)
	}

	text, err := snap.client.Generate(ctx, prepared.messages)
	if err != nil {
		return errorAnswer(prepared, err)
	}

	text = strings.TrimSpace(text)
	o.appendTurn(snap.epoch, question, text)

	return Answer{Text: text, Question: prepared.question, Sources: prepared.sources}
}

// AskStream runs the same pipeline as Ask with streaming generation. The
// history is appended when the stream completes successfully; a closed or
// failed stream leaves it untouched.
func (o *Orchestrator) AskStream(ctx context.Context, question string, opts ...AskOption) *llm.Stream {
	snap := o.snapshot()
	if text := guidance(snap.stage); text != "" {
		return llm.Static(text, nil)
	}

	prepared, err := o.prepare(ctx, snap, question, opts)
	if err != nil {
		answer := errorAnswer(prepared, err)
		return llm.Static(answer.Text, answer.Err)
	}

	return llm.Start(ctx, snap.client, prepared.messages, llm.OnComplete(func(text string) {
		o.appendTurn(snap.epoch, question, strings.TrimSpace(text))
	}))
}

type prepared struct {
	question string
	sources  []string
	messages []llm.Message
}

// prepare rewrites the question, retrieves context and renders the answer
// prompt.
func (o *Orchestrator) prepare(ctx context.Context, snap snapshot, question string, opts []AskOption) (prepared, error) {
	options := askOptions{topK: o.topK}
	for _, opt := range opts {
		opt(&options)
	}

	standalone := question
	if snap.rewriter != nil {
		standalone = snap.rewriter.Rewrite(ctx, snap.turns, question)
	}
	out := prepared{question: standalone}

	if snap.index == nil {
		return out, fmt.Errorf("no active document base")
	}
	results, err := snap.index.Retriever(options.topK)(ctx, standalone)
	if err != nil {
		return out, fmt.Errorf("retrieve context: %w", err)
	}
	out.sources = chat.Sources(results)

	counts, err := o.graph.ChunkCounts(ctx, snap.base, out.sources)
	if err != nil {
		o.logger.Warn("graph chunk counts unavailable", zap.String("base", snap.base), zap.Error(err))
		counts = nil
	}

	out.messages = o.prompts.QA.Render(
		map[string]string{
			"context":  chat.FormatContext(results, counts),
			"question": standalone,
			"history":  chat.RenderTurns(snap.turns),
		},
		map[string][]llm.Message{"history": chat.TurnMessages(chat.RecentTurns(snap.turns))},
	)
	return out, nil
}

func (o *Orchestrator) appendTurn(epoch uint64, question, answer string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		o.logger.Debug("history changed during ask, dropping turn")
		return
	}
	o.history.Append(question, answer)
}

func errorAnswer(p prepared, err error) Answer {
	return Answer{
		Text:     errorAnswerPrefix + err.Error(),
		Question: p.question,
		Sources:  p.sources,
		Err:      err,
	}
}
