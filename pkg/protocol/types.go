package protocol

import (
	"encoding/json"
	"time"
)

// Message roles. Stored and transported as plain strings.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Conversation statuses.
const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
	ConversationDeleted  = "deleted"
)

// ValidRole reports whether role is one of the four transportable roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ValidStatus reports whether status is a known conversation status.
func ValidStatus(status string) bool {
	switch status {
	case ConversationActive, ConversationArchived, ConversationDeleted:
		return true
	}
	return false
}

// User is the gateway-local identity provisioned from identity-provider claims.
type User struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	Role       string    `json:"role"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Conversation is a thread of messages owned by one user.
type Conversation struct {
	ID           string                 `json:"id"`
	UserID       int64                  `json:"user_id"`
	Title        string                 `json:"title"`
	Status       string                 `json:"status"`
	ModelName    string                 `json:"model_name,omitempty"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	TotalTokens  int                    `json:"total_tokens"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`

	// Messages is populated on single-conversation reads (eager load).
	Messages []Message `json:"messages,omitempty"`
}

// Message is one entry in a conversation. Content is the processed form the
// UI shows; RawContent preserves tool-call markup and thinking segments and
// is only returned by history fetches that ask for it.
type Message struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Role           string                 `json:"role"`
	Content        string                 `json:"content"`
	RawContent     string                 `json:"raw_content,omitempty"`
	TokenCount     int                    `json:"token_count"`
	Data           map[string]interface{} `json:"data,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ChatMessage is the provider-facing projection of a message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatParams carries sampling parameters for one chat call.
type ChatParams struct {
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"-"`

	// Tools holds provider-formatted tool schemas when tool use is on.
	Tools []map[string]interface{} `json:"tools,omitempty"`
}

// Usage is token accounting returned by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResult is a completed blocking chat call.
type ChatResult struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// StreamChunk is one element of a provider stream. Exactly one of Text, Err
// is meaningful per chunk; Done marks the final chunk before channel close.
type StreamChunk struct {
	Text   string
	Done   bool
	Tokens int
	Err    error
}

// ProviderType distinguishes local inference servers from cloud APIs.
type ProviderType string

const (
	ProviderLocal ProviderType = "local"
	ProviderAPI   ProviderType = "api"
)

// ModelInfo describes one model advertised by a provider.
type ModelInfo struct {
	Name          string       `json:"name"`
	Provider      string       `json:"provider"`
	Type          ProviderType `json:"type"`
	ContextLength int          `json:"context_length,omitempty"`
	ParameterSize string       `json:"parameter_size,omitempty"`
	CostPerToken  float64      `json:"cost_per_token,omitempty"`
	Capabilities  []string     `json:"capabilities,omitempty"`
}

// StreamSession bridges the prepare and stream phases of a chat request.
// It lives in the key-value store under the opaque token and is consumed
// exactly once.
type StreamSession struct {
	Token              string        `json:"token"`
	ConversationID     string        `json:"conversation_id"`
	UserID             int64         `json:"user_id"`
	UserMessageID      string        `json:"user_message_id"`
	AssistantMessageID string        `json:"assistant_message_id"`
	Messages           []ChatMessage `json:"messages"`
	Model              string        `json:"model"`
	Params             ChatParams    `json:"params"`
	ToolsEnabled       bool          `json:"tools_enabled"`
	AutoApproveTools   bool          `json:"auto_approve_tools"`
	UserMessageContent string        `json:"user_message_content"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Tool is a normalised capability discovered from an MCP server.
// Name is the qualified form "server.tool".
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	ServerName  string                 `json:"server_name"`
	Category    string                 `json:"category,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
}

// BareName returns the tool name without the server prefix.
func (t Tool) BareName() string {
	if len(t.ServerName) > 0 && len(t.Name) > len(t.ServerName)+1 {
		return t.Name[len(t.ServerName)+1:]
	}
	return t.Name
}

// ToolCall is a detected request to invoke one tool.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
	ApprovalExecuted = "executed"
)

// Approval is a persisted authorisation record for one tool invocation.
type Approval struct {
	ID             string          `json:"id"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments"`
	UserID         int64           `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	Status         string          `json:"status"`
	RequestedAt    time.Time       `json:"requested_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	ReviewerID     int64           `json:"reviewer_id,omitempty"`
	ReviewedAt     *time.Time      `json:"reviewed_at,omitempty"`
	ReviewReason   string          `json:"review_reason,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ExecutionError string          `json:"execution_error,omitempty"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
}

// Resolved reports whether the approval has left the pending state.
func (a *Approval) Resolved() bool {
	return a.Status != ApprovalPending
}
