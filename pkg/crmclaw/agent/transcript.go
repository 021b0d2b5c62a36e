package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/tools"
)

// TurnKind discriminates transcript turn variants. Every persisted turn
// carries exactly one kind; readers reject anything outside this set so a
// corrupted transcript fails loudly instead of replaying garbage to the
// model.
type TurnKind string

const (
	TurnUser       TurnKind = "user"
	TurnAssistant  TurnKind = "assistant"
	TurnToolCall   TurnKind = "tool_call"
	TurnToolResult TurnKind = "tool_result"
)

// ToolResultRecord is the persisted form of one tool execution result.
type ToolResultRecord struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Turn is one tagged entry in a job transcript. The populated fields
// depend on Kind: Text for user/assistant, Calls for tool_call, Results
// for tool_result.
type Turn struct {
	Kind    TurnKind           `json:"kind"`
	Text    string             `json:"text,omitempty"`
	Calls   []tools.Call       `json:"calls,omitempty"`
	Results []ToolResultRecord `json:"results,omitempty"`
	At      time.Time          `json:"at"`
}

// Transcript is the ordered conversation history of one job. It is
// checkpointed to the store after every turn so a crashed run can be
// audited and a retried run replayed from durable state.
type Transcript struct {
	Turns []Turn `json:"turns"`
}

// ParseTranscript decodes a stored transcript. Empty input yields an
// empty transcript; unknown turn kinds are an error.
func ParseTranscript(data []byte) (*Transcript, error) {
	t := &Transcript{}
	if len(data) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parsing transcript: %w", err)
	}
	for i, turn := range t.Turns {
		switch turn.Kind {
		case TurnUser, TurnAssistant, TurnToolCall, TurnToolResult:
		default:
			return nil, fmt.Errorf("transcript turn %d has unknown kind %q", i, turn.Kind)
		}
	}
	return t, nil
}

// Marshal encodes the transcript for storage.
func (t *Transcript) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshaling transcript: %w", err)
	}
	return data, nil
}

// AddUser appends a user message turn.
func (t *Transcript) AddUser(text string) {
	t.Turns = append(t.Turns, Turn{Kind: TurnUser, Text: text, At: time.Now().UTC()})
}

// AddAssistant appends an assistant text turn.
func (t *Transcript) AddAssistant(text string) {
	t.Turns = append(t.Turns, Turn{Kind: TurnAssistant, Text: text, At: time.Now().UTC()})
}

// AddToolCalls appends a tool-call turn with the model's requested batch.
func (t *Transcript) AddToolCalls(calls []tools.Call) {
	t.Turns = append(t.Turns, Turn{Kind: TurnToolCall, Calls: calls, At: time.Now().UTC()})
}

// AddToolResults appends the results of an executed tool-call batch.
func (t *Transcript) AddToolResults(results []tools.Result) {
	records := make([]ToolResultRecord, len(results))
	for i, r := range results {
		records[i] = ToolResultRecord{
			CallID:  r.CallID,
			Name:    r.Name,
			Content: r.Content,
			IsError: r.IsError,
		}
	}
	t.Turns = append(t.Turns, Turn{Kind: TurnToolResult, Results: records, At: time.Now().UTC()})
}

// LastUserText returns the text of the most recent user turn, or "".
func (t *Transcript) LastUserText() string {
	for i := len(t.Turns) - 1; i >= 0; i-- {
		if t.Turns[i].Kind == TurnUser {
			return t.Turns[i].Text
		}
	}
	return ""
}

// Messages converts the transcript to the chat wire format, prefixed
// with the given system prompt.
func (t *Transcript) Messages(systemPrompt string) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(t.Turns)+1)
	msgs = append(msgs, ChatMessage{Role: "system", Content: systemPrompt})
	for _, turn := range t.Turns {
		switch turn.Kind {
		case TurnUser:
			msgs = append(msgs, ChatMessage{Role: "user", Content: turn.Text})
		case TurnAssistant:
			msgs = append(msgs, ChatMessage{Role: "assistant", Content: turn.Text})
		case TurnToolCall:
			msgs = append(msgs, ChatMessage{Role: "assistant", ToolCalls: turn.Calls})
		case TurnToolResult:
			for _, r := range turn.Results {
				msgs = append(msgs, ChatMessage{
					Role:       "tool",
					Content:    r.Content,
					ToolCallID: r.CallID,
				})
			}
		}
	}
	return msgs
}
