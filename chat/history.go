// Package chat holds the conversation state of a session and the prompt
// plumbing around it: history rendering, prompt templates, query rewriting
// and retrieved-context formatting.
package chat

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fabfab/docbase-rag/llm"
)

const (
	// NoHistory is what Render returns for an empty conversation.
	NoHistory = "No previous conversation."

	recentTurns = 3
)

// Turn is one completed question/answer exchange.
type Turn struct {
	Question string
	Answer   string
}

// History is an append-only list of turns, safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

func (h *History) Append(question, answer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Question: question, Answer: answer})
}

// Turns returns a copy of the turns in order.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Turn(nil), h.turns...)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// Render formats the history for the answer prompt.
func (h *History) Render() string {
	return RenderTurns(h.Turns())
}

// Messages returns the history as alternating user and assistant messages.
func (h *History) Messages() []llm.Message {
	return TurnMessages(h.Turns())
}

// RecentTurns returns the last three turns, the window every prompt sees.
func RecentTurns(turns []Turn) []Turn {
	if len(turns) > recentTurns {
		return turns[len(turns)-recentTurns:]
	}
	return turns
}

// RenderTurns numbers turns from 1. Past three turns only the most recent
// three are kept, behind a "..." line, with their original numbers.
func RenderTurns(turns []Turn) string {
	if len(turns) == 0 {
		return NoHistory
	}

	var sb strings.Builder
	first := 0
	if len(turns) > recentTurns {
		first = len(turns) - recentTurns
		sb.WriteString("...\n")
	}
	for i := first; i < len(turns); i++ {
		fmt.Fprintf(&sb, "Question %d: %s\n", i+1, turns[i].Question)
		fmt.Fprintf(&sb, "Answer %d: %s\n\n", i+1, turns[i].Answer)
	}
	return strings.TrimSpace(sb.String())
}

func TurnMessages(turns []Turn) []llm.Message {
	messages := make([]llm.Message, 0, 2*len(turns))
	for _, turn := range turns {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: turn.Question},
			llm.Message{Role: llm.RoleAssistant, Content: turn.Answer},
		)
	}
	return messages
}
