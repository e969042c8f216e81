package audit

import (
	"fmt"
	"strings"
)

// MaxMessageRunes caps each flattened message body.
const MaxMessageRunes = 2000

// ChatMessage is one message as handed over by an agent framework. Kind is
// the framework's message class, e.g. "HumanMessage" or "ai".
type ChatMessage struct {
	Kind    string
	Content any
}

// FlattenMessages turns batches of chat messages into the role/content maps
// stored in llm_call and supervisor_decision payloads.
func FlattenMessages(batches ...[]ChatMessage) []map[string]any {
	out := make([]map[string]any, 0)
	for _, batch := range batches {
		for _, m := range batch {
			out = append(out, map[string]any{
				"role":    role(m.Kind),
				"content": truncateRunes(content(m.Content), MaxMessageRunes),
			})
		}
	}
	return out
}

func role(kind string) string {
	r := strings.ToLower(strings.TrimSuffix(kind, "Message"))
	if r == "" {
		return "unknown"
	}
	return r
}

func content(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
