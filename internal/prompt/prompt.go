// Package prompt extracts the semantically relevant text of a generation
// request. The extracted string is what gets embedded for similarity lookups,
// so the rules here directly shape semantic cache behavior: system messages
// carry no user intent and are excluded, and long conversations are biased
// toward their most recent turns.
package prompt

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const (
	userPrefix      = "[USER] "
	assistantPrefix = "[ASSISTANT] "

	// recentStart/recentEnd wrap the repeated tail of a long conversation.
	// Repeating the last turns after the full history biases the embedding
	// toward the latest exchange with a single embedding call.
	recentStart = "<<RECENT>>"
	recentEnd   = "<<END RECENT>>"
	separator   = "\n=====\n"

	// DefaultRecentTurns is the turn count above which weighting kicks in.
	DefaultRecentTurns = 3
)

// Message is one chat turn as found in a request body.
type Message struct {
	Role    string
	Content string
}

// SemanticText renders the user/assistant turns of a chat-style body into a
// single string for embedding, weighted toward the last recentTurns turns
// when the conversation is longer than that. recentTurns <= 0 selects
// DefaultRecentTurns. Returns "" when the body carries no textual prompt.
func SemanticText(body map[string]any, recentTurns int) string {
	if recentTurns <= 0 {
		recentTurns = DefaultRecentTurns
	}

	msgs := Messages(body)
	if len(msgs) == 0 {
		return ""
	}

	full := renderMessages(msgs)

	// A turn is one user+assistant pair; odd trailing user messages count
	// as a turn of their own.
	turns := (len(msgs) + 1) / 2
	if turns <= recentTurns {
		return full
	}

	tail := msgs[len(msgs)-recentTurns*2:]
	recent := renderMessages(tail)

	var sb strings.Builder
	sb.WriteString(full)
	sb.WriteString(separator)
	sb.WriteString(recentStart)
	sb.WriteString("\n")
	sb.WriteString(recent)
	sb.WriteString("\n")
	sb.WriteString(recentEnd)
	return sb.String()
}

// Messages pulls user and assistant turns out of a parsed body. System and
// tool messages are skipped. Structured (multimodal) content is serialized
// to its JSON form.
func Messages(body map[string]any) []Message {
	if body == nil {
		return nil
	}

	raw, ok := body["messages"].([]any)
	if !ok {
		return nil
	}

	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}

		role, _ := msg["role"].(string)
		if role != "user" && role != "assistant" {
			continue
		}

		out = append(out, Message{Role: role, Content: contentString(msg["content"])})
	}
	return out
}

// ModelName reads the model field, falling back to "unknown" when absent or
// not a string. It never fails.
func ModelName(body map[string]any) string {
	if body != nil {
		if model, ok := body["model"].(string); ok && model != "" {
			return model
		}
	}
	return "unknown"
}

// Seed reads the seed field as its textual form. The second return is false
// when no seed is present.
func Seed(body map[string]any) (string, bool) {
	if body == nil {
		return "", false
	}

	switch v := body["seed"].(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", v), ".0"), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func renderMessages(msgs []Message) string {
	var sb strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		if msg.Role == "user" {
			sb.WriteString(userPrefix)
		} else {
			sb.WriteString(assistantPrefix)
		}
		sb.WriteString(msg.Content)
	}
	return sb.String()
}

func contentString(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		serialized, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(serialized)
	}
}
