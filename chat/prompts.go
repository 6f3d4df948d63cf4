package chat

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fabfab/docbase-rag/llm"
)

const (
	PromptQueryRewriter = "query_rewriter"
	PromptQA            = "qa_system"

	promptTypeChat     = "chat"
	promptTypeTemplate = "template"
	rolePlaceholder    = "placeholder"
)

//go:embed prompts/*.yaml
var defaultPrompts embed.FS

type PromptMessage struct {
	Role         string `yaml:"role"`
	Content      string `yaml:"content"`
	VariableName string `yaml:"variable_name"`
}

// Prompt is either a chat prompt (a list of messages, some of which may be
// placeholders for message lists) or a single user template.
type Prompt struct {
	Name     string          `yaml:"-"`
	Type     string          `yaml:"type"`
	Template string          `yaml:"template"`
	Messages []PromptMessage `yaml:"messages"`
}

// Prompts is the set used by the orchestrator.
type Prompts struct {
	Rewriter Prompt
	QA       Prompt
}

// ParsePrompt decodes a YAML prompt definition.
func ParsePrompt(name string, data []byte) (Prompt, error) {
	var p Prompt
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prompt{}, fmt.Errorf("decode prompt %s: %w", name, err)
	}
	p.Name = name

	switch p.Type {
	case promptTypeChat:
		if len(p.Messages) == 0 {
			return Prompt{}, fmt.Errorf("prompt %s: chat prompt has no messages", name)
		}
		for i, msg := range p.Messages {
			if msg.Role == rolePlaceholder && msg.VariableName == "" {
				return Prompt{}, fmt.Errorf("prompt %s: placeholder %d has no variable_name", name, i)
			}
		}
	case "", promptTypeTemplate:
		p.Type = promptTypeTemplate
		if strings.TrimSpace(p.Template) == "" {
			return Prompt{}, fmt.Errorf("prompt %s: template is empty", name)
		}
	default:
		return Prompt{}, fmt.Errorf("prompt %s: unknown type %q", name, p.Type)
	}
	return p, nil
}

// Render substitutes {name} references with vars and expands placeholders.
// A template prompt renders as a single user message.
func (p Prompt) Render(vars map[string]string, placeholders map[string][]llm.Message) []llm.Message {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)

	if p.Type != promptTypeChat {
		return []llm.Message{{Role: llm.RoleUser, Content: replacer.Replace(p.Template)}}
	}

	messages := make([]llm.Message, 0, len(p.Messages))
	for _, msg := range p.Messages {
		if msg.Role == rolePlaceholder {
			messages = append(messages, placeholders[msg.VariableName]...)
			continue
		}
		messages = append(messages, llm.Message{Role: msg.Role, Content: replacer.Replace(msg.Content)})
	}
	return messages
}

// LoadPrompts reads the prompt files from dir. Files missing from dir, or an
// empty dir, fall back to the built-in prompts.
func LoadPrompts(dir string) (Prompts, error) {
	rewriter, err := loadPrompt(dir, PromptQueryRewriter)
	if err != nil {
		return Prompts{}, err
	}
	qa, err := loadPrompt(dir, PromptQA)
	if err != nil {
		return Prompts{}, err
	}
	return Prompts{Rewriter: rewriter, QA: qa}, nil
}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() Prompts {
	prompts, err := LoadPrompts("")
	if err != nil {
		panic(err)
	}
	return prompts
}

func loadPrompt(dir, name string) (Prompt, error) {
	file := name + ".yaml"
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, file))
		switch {
		case err == nil:
			return ParsePrompt(name, data)
		case !errors.Is(err, fs.ErrNotExist):
			return Prompt{}, fmt.Errorf("read prompt %s: %w", name, err)
		}
	}

	data, err := defaultPrompts.ReadFile("prompts/" + file)
	if err != nil {
		return Prompt{}, fmt.Errorf("read built-in prompt %s: %w", name, err)
	}
	return ParsePrompt(name, data)
}
