package models

import "time"

// TurnEventType is the small, fixed taxonomy the Orchestrator yields for
// one turn (spec §4.4). Ordering: session precedes the first text; every
// tool_use is followed by exactly one of tool_result/error/aborted for
// that tool; exactly one terminal event closes the stream.
type TurnEventType string

const (
	TurnEventSession           TurnEventType = "session"
	TurnEventModel             TurnEventType = "model"
	TurnEventInit              TurnEventType = "init"
	TurnEventText              TurnEventType = "text"
	TurnEventThinking          TurnEventType = "thinking"
	TurnEventToolUse           TurnEventType = "tool_use"
	TurnEventToolResult        TurnEventType = "tool_result"
	TurnEventPermissionRequest TurnEventType = "permission_request"
	TurnEventUserQuestion      TurnEventType = "user_question"
	TurnEventDone              TurnEventType = "done"
	TurnEventError             TurnEventType = "error"
	TurnEventAborted           TurnEventType = "aborted"
)

// IsTerminal reports whether this event type finalizes a stream.
func (t TurnEventType) IsTerminal() bool {
	switch t {
	case TurnEventDone, TurnEventError, TurnEventAborted:
		return true
	default:
		return false
	}
}

// TurnEvent is one item in the event sequence the Orchestrator produces
// for a turn and the Stream Manager replays to subscribers. Exactly one
// payload field is populated for a given Type; the rest are nil/zero.
type TurnEvent struct {
	Type TurnEventType `json:"type"`
	Time time.Time     `json:"time"`

	SessionID string `json:"sessionId,omitempty"`
	Model     string `json:"model,omitempty"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	Tool       *ToolUseEvent    `json:"tool,omitempty"`
	ToolResult *ToolResultEvent `json:"toolResult,omitempty"`

	Permission *PermissionRequestEvent `json:"permission,omitempty"`
	Question   *UserQuestionEvent      `json:"question,omitempty"`

	Init *InitEvent `json:"init,omitempty"`

	Error string `json:"error,omitempty"`
}

// ToolUseEvent describes an intended tool invocation.
type ToolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     []byte `json:"input"`
}

// ToolResultEvent carries the outcome of a completed tool invocation.
type ToolResultEvent struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// PermissionRequestEvent surfaces a pending approval on the stream.
type PermissionRequestEvent struct {
	RequestID   string   `json:"requestId"`
	Tool        string   `json:"tool"`
	FilePath    string   `json:"filePath,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// UserQuestionEvent surfaces an AskUserQuestion round-trip on the stream.
type UserQuestionEvent struct {
	RequestID string     `json:"requestId"`
	Questions []Question `json:"questions"`
}

// Question is one entry of an AskUserQuestion round-trip.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`
}

// InitEvent carries the initial capabilities snapshot for a turn.
type InitEvent struct {
	Tools            []string `json:"tools"`
	MCPServers       []string `json:"mcpServers,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
}
