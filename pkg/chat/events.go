package chat

import (
	"encoding/json"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// Event types, in the order a stream emits them.
const (
	EventStreamStart          = "stream_start"
	EventUserMessage          = "user_message"
	EventAssistantStart       = "assistant_message_start"
	EventContentChunk         = "content_chunk"
	EventToolCallDetected     = "tool_call_detected"
	EventToolApprovalRequired = "tool_approval_required"
	EventToolExecuting        = "tool_executing"
	EventToolResult           = "tool_result"
	EventAssistantComplete    = "assistant_message_complete"
	EventError                = "error"
	EventDone                 = "done"
)

// Event is the payload of one SSE frame. Which fields are set depends on
// Type; for error events Message holds the error text.
type Event struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversation_id,omitempty"`
	MessageID      string             `json:"message_id,omitempty"`
	Content        string             `json:"content,omitempty"`
	Message        interface{}        `json:"message,omitempty"`
	ToolCall       *protocol.ToolCall `json:"tool_call,omitempty"`
	ToolName       string             `json:"tool_name,omitempty"`
	Result         json.RawMessage    `json:"result,omitempty"`
}

// Emitter delivers one event to the client. A non-nil error means the
// client is gone; the stream keeps draining but stops emitting.
type Emitter func(Event) error
