package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docbase-rag/llm"
)

type scriptedClient struct {
	reply string
	err   error
	calls [][]llm.Message
}

func (c *scriptedClient) Generate(_ context.Context, messages []llm.Message) (string, error) {
	c.calls = append(c.calls, messages)
	return c.reply, c.err
}

var _ llm.Client = (*scriptedClient)(nil)

func TestRewriteWithoutHistorySkipsService(t *testing.T) {
	client := &scriptedClient{reply: "unused"}
	r := NewRewriter(client, DefaultPrompts().Rewriter, nil)

	assert.Equal(t, "What about it?", r.Rewrite(context.Background(), nil, "What about it?"))
	assert.Empty(t, client.calls)
}

func TestRewriteUsesHistory(t *testing.T) {
	client := &scriptedClient{reply: "  What is the revenue of ACME in 2023?  "}
	r := NewRewriter(client, DefaultPrompts().Rewriter, nil)

	turns := []Turn{{Question: "Tell me about ACME", Answer: "ACME makes anvils."}}
	got := r.Rewrite(context.Background(), turns, "And its 2023 revenue?")

	assert.Equal(t, "What is the revenue of ACME in 2023?", got)
	require.Len(t, client.calls, 1)

	sent := client.calls[0]
	assert.Contains(t, sent, llm.Message{Role: llm.RoleUser, Content: "Tell me about ACME"})
	assert.Contains(t, sent, llm.Message{Role: llm.RoleAssistant, Content: "ACME makes anvils."})
	assert.Contains(t, sent[len(sent)-1].Content, "And its 2023 revenue?")
}

func TestRewriteFallsBackOnError(t *testing.T) {
	client := &scriptedClient{err: errors.New("timeout")}
	r := NewRewriter(client, DefaultPrompts().Rewriter, nil)

	turns := []Turn{{Question: "q", Answer: "a"}}
	assert.Equal(t, "follow up", r.Rewrite(context.Background(), turns, "follow up"))
}

func TestRewriteFallsBackOnBlankReply(t *testing.T) {
	client := &scriptedClient{reply: " \n"}
	r := NewRewriter(client, DefaultPrompts().Rewriter, nil)

	turns := []Turn{{Question: "q", Answer: "a"}}
	assert.Equal(t, "follow up", r.Rewrite(context.Background(), turns, "follow up"))
}
