package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/llm"
	"github.com/fabfab/docbase-rag/logging"
)

// Rewriter turns follow-up questions into standalone ones using the
// conversation so far.
type Rewriter struct {
	client llm.Client
	prompt Prompt
	logger *zap.Logger
}

func NewRewriter(client llm.Client, prompt Prompt, logger *zap.Logger) *Rewriter {
	return &Rewriter{client: client, prompt: prompt, logger: logging.OrNop(logger).Named("rewriter")}
}

// Rewrite never fails: without history the question is returned untouched
// and no call is made; on a service error or a blank reply the original
// question is used.
func (r *Rewriter) Rewrite(ctx context.Context, turns []Turn, question string) string {
	if len(turns) == 0 || r.client == nil {
		return question
	}

	messages := r.prompt.Render(
		map[string]string{"question": question},
		map[string][]llm.Message{"history": TurnMessages(turns)},
	)

	rewritten, err := r.client.Generate(ctx, messages)
	if err != nil {
		r.logger.Warn("rewrite failed, using original question", zap.Error(err))
		return question
	}

	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		r.logger.Warn("rewrite returned empty question, using original question")
		return question
	}

	r.logger.Debug("rewrote question", zap.String("original", question), zap.String("rewritten", rewritten))
	return rewritten
}
