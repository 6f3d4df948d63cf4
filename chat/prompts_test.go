package chat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docbase-rag/llm"
)

func TestDefaultPrompts(t *testing.T) {
	prompts := DefaultPrompts()

	assert.Equal(t, promptTypeChat, prompts.Rewriter.Type)
	assert.Equal(t, promptTypeTemplate, prompts.QA.Type)
	assert.Contains(t, prompts.QA.Template, "{context}")
	assert.Contains(t, prompts.QA.Template, "{history}")
	assert.Contains(t, prompts.QA.Template, "{question}")
}

func TestRenderChatPromptExpandsPlaceholder(t *testing.T) {
	prompt, err := ParsePrompt("rw", []byte(`
type: chat
messages:
  - role: system
    content: rewrite
  - role: placeholder
    variable_name: history
  - role: user
    content: "Q: {question}"
`))
	require.NoError(t, err)

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "earlier"},
		{Role: llm.RoleAssistant, Content: "reply"},
	}
	messages := prompt.Render(map[string]string{"question": "and then?"}, map[string][]llm.Message{"history": history})

	require.Len(t, messages, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "rewrite"}, messages[0])
	assert.Equal(t, history[0], messages[1])
	assert.Equal(t, history[1], messages[2])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "Q: and then?"}, messages[3])
}

func TestRenderTemplateDoesNotResubstitute(t *testing.T) {
	prompt, err := ParsePrompt("qa", []byte("template: \"C={context} Q={question}\"\n"))
	require.NoError(t, err)

	messages := prompt.Render(map[string]string{"context": "{question}", "question": "why"}, nil)
	require.Len(t, messages, 1)
	assert.Equal(t, llm.RoleUser, messages[0].Role)
	assert.Equal(t, "C={question} Q=why", messages[0].Content)
}

func TestParsePromptErrors(t *testing.T) {
	_, err := ParsePrompt("bad", []byte("type: chat\n"))
	assert.Error(t, err)

	_, err = ParsePrompt("bad", []byte("type: chat\nmessages:\n  - role: placeholder\n"))
	assert.Error(t, err)

	_, err = ParsePrompt("bad", []byte("type: other\n"))
	assert.Error(t, err)

	_, err = ParsePrompt("bad", []byte("template: [\n"))
	assert.Error(t, err)
}

func TestLoadPromptsOverridesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qa_system.yaml"), []byte("type: template\ntemplate: \"custom {question}\"\n"), 0o644))

	prompts, err := LoadPrompts(dir)
	require.NoError(t, err)
	assert.Equal(t, "custom {question}", prompts.QA.Template)
	assert.Equal(t, DefaultPrompts().Rewriter, prompts.Rewriter)
}

func TestLoadPromptsRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "query_rewriter.yaml"), []byte("type: chat\n"), 0o644))

	_, err := LoadPrompts(dir)
	assert.Error(t, err)
}
