// Package chat orchestrates the two-phase streaming flow: an authenticated
// prepare call persists the user message and parks the provider request in a
// stream session; a later token-bearing stream call replays it as SSE events.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ozgurkan/chatgate/pkg/llms"
	"github.com/ozgurkan/chatgate/pkg/mcp"
	"github.com/ozgurkan/chatgate/pkg/protocol"
	"github.com/ozgurkan/chatgate/pkg/session"
)

const persistTimeout = 10 * time.Second

// ConversationStore is the durable-store surface the orchestrator needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*protocol.Conversation, error)
	AddMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
}

// Options tunes orchestration behaviour.
type Options struct {
	// ContextMessageLimit caps how many history messages go to the provider.
	ContextMessageLimit int

	// DefaultSystemPrompt is used when the conversation carries none.
	DefaultSystemPrompt string

	// ThinkingMode splits <think> blocks out of the persisted content.
	ThinkingMode bool
}

// Orchestrator owns the prepare/stream lifecycle and direct chat calls.
type Orchestrator struct {
	store    ConversationStore
	sessions session.Store
	models   *llms.Registry

	// tools is nil when no tool servers are configured.
	tools *mcp.Client

	opts Options
	wg   sync.WaitGroup
}

func NewOrchestrator(store ConversationStore, sessions session.Store, models *llms.Registry, tools *mcp.Client, opts Options) *Orchestrator {
	if opts.ContextMessageLimit <= 0 {
		opts.ContextMessageLimit = 20
	}
	return &Orchestrator{store: store, sessions: sessions, models: models, tools: tools, opts: opts}
}

// Close waits for in-flight persistence jobs.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// PrepareRequest is the body of a prepare-stream call.
type PrepareRequest struct {
	Message     string   `json:"message"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`

	ToolsEnabled     bool `json:"tools_enabled,omitempty"`
	AutoApproveTools bool `json:"auto_approve_tools,omitempty"`
}

// PrepareResult is what a successful prepare hands back. The transport layer
// derives the stream URL from the token.
type PrepareResult struct {
	StreamToken        string `json:"stream_token"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// PrepareStream validates and persists the user message, assembles the
// provider request and parks it in a one-shot stream session.
func (o *Orchestrator) PrepareStream(ctx context.Context, userID int64, isAdmin bool, conversationID string, req PrepareRequest) (*PrepareResult, error) {
	content := strings.TrimSpace(req.Message)
	if content == "" {
		return nil, protocol.NewError(protocol.KindValidation, "message must not be empty")
	}

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID && !isAdmin {
		// Ownership failures look identical to absence.
		return nil, protocol.NewError(protocol.KindNotFound, "conversation not found")
	}

	model := req.Model
	if model == "" {
		model = conv.ModelName
	}
	if model == "" {
		return nil, protocol.NewError(protocol.KindValidation, "model is required")
	}
	provider, err := o.models.ProviderFor(ctx, model)
	if err != nil {
		return nil, err
	}

	messages, totalTokens := o.assembleContext(ctx, conv, content, model)
	if limit := o.modelContextLength(ctx, model); limit > 0 && totalTokens > limit {
		return nil, protocol.Errorf(protocol.KindContextLimit, "context of %d tokens exceeds model limit", totalTokens).
			WithDetails(map[string]interface{}{"model": model, "current_tokens": totalTokens, "limit": limit})
	}

	userMsg, err := o.store.AddMessage(ctx, &protocol.Message{
		ConversationID: conv.ID,
		Role:           protocol.RoleUser,
		Content:        content,
		TokenCount:     o.models.CountTokens(ctx, content, model),
	})
	if err != nil {
		return nil, err
	}

	params := protocol.ChatParams{Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if req.ToolsEnabled && o.tools != nil {
		params.Tools = o.tools.Registry().FormatFor(provider.ToolFormat())
	}

	sess := &protocol.StreamSession{
		ConversationID:     conv.ID,
		UserID:             userID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: uuid.NewString(),
		Messages:           messages,
		Model:              model,
		Params:             params,
		ToolsEnabled:       req.ToolsEnabled,
		AutoApproveTools:   req.AutoApproveTools,
		UserMessageContent: content,
	}
	token, err := o.sessions.Create(ctx, sess)
	if err != nil {
		return nil, err
	}

	return &PrepareResult{
		StreamToken:        token,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: sess.AssistantMessageID,
	}, nil
}

// assembleContext builds the provider message list: optional system prompt,
// recent history, then the new user message.
func (o *Orchestrator) assembleContext(ctx context.Context, conv *protocol.Conversation, content, model string) ([]protocol.ChatMessage, int) {
	history := conv.Messages
	if len(history) > o.opts.ContextMessageLimit {
		history = history[len(history)-o.opts.ContextMessageLimit:]
	}

	messages := make([]protocol.ChatMessage, 0, len(history)+2)
	total := 0

	prompt := conv.SystemPrompt
	if prompt == "" {
		prompt = o.opts.DefaultSystemPrompt
	}
	if prompt != "" {
		messages = append(messages, protocol.ChatMessage{Role: protocol.RoleSystem, Content: prompt})
		total += o.models.CountTokens(ctx, prompt, model)
	}
	for _, m := range history {
		messages = append(messages, protocol.ChatMessage{Role: m.Role, Content: m.Content})
		total += m.TokenCount
	}
	messages = append(messages, protocol.ChatMessage{Role: protocol.RoleUser, Content: content})
	total += o.models.CountTokens(ctx, content, model)

	return messages, total
}

func (o *Orchestrator) modelContextLength(ctx context.Context, model string) int {
	infos, err := o.models.GetAllModels(ctx)
	if err != nil {
		return 0
	}
	for _, m := range infos {
		if m.Name == model {
			return m.ContextLength
		}
	}
	return 0
}

// Stream consumes the token and replays the parked request as events. The
// token is invalidated before the first event, so a second call observes
// not_found. Errors after the session lookup are delivered in-band.
func (o *Orchestrator) Stream(ctx context.Context, token string, emit Emitter) error {
	sess, err := o.sessions.Get(ctx, token)
	if err != nil {
		return err
	}
	if err := o.sessions.Delete(ctx, token); err != nil {
		slog.Warn("stream session delete failed", "error", err)
	}
	o.run(ctx, sess, emit)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, sess *protocol.StreamSession, emit Emitter) {
	alive := true
	send := func(ev Event) {
		if !alive {
			return
		}
		if err := emit(ev); err != nil {
			alive = false
		}
	}

	send(Event{Type: EventStreamStart, ConversationID: sess.ConversationID})
	send(Event{Type: EventUserMessage, Message: protocol.Message{
		ID:             sess.UserMessageID,
		ConversationID: sess.ConversationID,
		Role:           protocol.RoleUser,
		Content:        sess.UserMessageContent,
		CreatedAt:      sess.CreatedAt,
	}})
	send(Event{Type: EventAssistantStart, MessageID: sess.AssistantMessageID})

	ch, err := o.models.ChatStream(ctx, sess.Model, sess.Messages, sess.Params)
	if err != nil {
		send(Event{Type: EventError, Message: err.Error()})
		send(Event{Type: EventDone})
		o.persistAssistant(sess, "", "", 0, nil, "", true)
		return
	}

	var raw, visible strings.Builder
	var toolCalls []protocol.ToolCall
	parser := &toolCallParser{}
	tokens := 0
	failed := false

	for chunk := range ch {
		if chunk.Err != nil {
			send(Event{Type: EventError, Message: chunk.Err.Error()})
			failed = true
			continue
		}
		if chunk.Done {
			tokens = chunk.Tokens
			continue
		}
		raw.WriteString(chunk.Text)

		text := chunk.Text
		var calls []string
		if sess.ToolsEnabled {
			text, calls = parser.feed(chunk.Text)
		}
		if text != "" {
			visible.WriteString(text)
			send(Event{Type: EventContentChunk, MessageID: sess.AssistantMessageID, Content: text})
		}
		for _, body := range calls {
			if call := o.handleToolCall(ctx, sess, body, send); call != nil {
				toolCalls = append(toolCalls, *call)
			}
		}
	}
	if sess.ToolsEnabled {
		if rest := parser.flush(); rest != "" {
			visible.WriteString(rest)
			send(Event{Type: EventContentChunk, MessageID: sess.AssistantMessageID, Content: rest})
		}
	}

	content := visible.String()
	var thinking string
	if o.opts.ThinkingMode {
		content, thinking = splitThinking(content)
	}
	if tokens == 0 && content != "" {
		tokens = o.models.CountTokens(ctx, content, sess.Model)
	}
	truncated := failed || !alive

	assistant := o.persistAssistant(sess, content, raw.String(), tokens, toolCalls, thinking, truncated)
	send(Event{Type: EventAssistantComplete, Message: assistant})
	send(Event{Type: EventDone})
}

// handleToolCall emits detection and execution events for one completed
// marker block. Gated calls only create the approval; nothing executes
// inside the stream without it.
func (o *Orchestrator) handleToolCall(ctx context.Context, sess *protocol.StreamSession, body string, send func(Event)) *protocol.ToolCall {
	var call protocol.ToolCall
	if err := json.Unmarshal([]byte(body), &call); err != nil || call.Name == "" {
		send(Event{Type: EventError, Message: "malformed tool call in model output"})
		return nil
	}
	send(Event{Type: EventToolCallDetected, ToolCall: &call})

	if o.tools == nil {
		send(Event{Type: EventError, Message: "tool support is not configured"})
		return &call
	}

	if sess.AutoApproveTools || o.tools.AutoApprove(call.Name) {
		send(Event{Type: EventToolExecuting, ToolName: call.Name})
		result, err := o.tools.Execute(ctx, call.Name, call.Arguments, sess.UserID, sess.ConversationID, true)
		if err != nil {
			send(Event{Type: EventError, Message: err.Error()})
			return &call
		}
		send(Event{Type: EventToolResult, ToolName: call.Name, Result: result})
		return &call
	}

	if _, err := o.tools.RequestApproval(ctx, call.Name, call.Arguments, sess.UserID, sess.ConversationID); err != nil {
		send(Event{Type: EventError, Message: err.Error()})
		return &call
	}
	send(Event{Type: EventToolApprovalRequired, ToolName: call.Name})
	return &call
}

// persistAssistant writes the assistant message under its reserved id from
// a background goroutine and returns the message value announced on the
// stream. Exactly one assistant row lands per consumed session.
func (o *Orchestrator) persistAssistant(sess *protocol.StreamSession, content, rawContent string, tokens int, toolCalls []protocol.ToolCall, thinking string, truncated bool) protocol.Message {
	data := map[string]interface{}{"model": sess.Model}
	if len(toolCalls) > 0 {
		data["tool_calls"] = toolCalls
	}
	if thinking != "" {
		data["thinking"] = thinking
	}
	if truncated {
		data["truncated"] = true
	}

	msg := protocol.Message{
		ID:             sess.AssistantMessageID,
		ConversationID: sess.ConversationID,
		Role:           protocol.RoleAssistant,
		Content:        content,
		RawContent:     rawContent,
		TokenCount:     tokens,
		Data:           data,
		CreatedAt:      time.Now().UTC(),
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		stored := msg
		if _, err := o.store.AddMessage(ctx, &stored); err != nil {
			slog.Error("assistant message persistence failed",
				"conversation_id", sess.ConversationID,
				"message_id", sess.AssistantMessageID,
				"error", err)
		}
	}()

	return msg
}

// DirectResult is a blocking chat completion with its latency.
type DirectResult struct {
	Text           string `json:"text"`
	Model          string `json:"model"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

// Direct runs a stateless one-shot completion with no persistence.
func (o *Orchestrator) Direct(ctx context.Context, model, message string, params protocol.ChatParams) (*DirectResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, protocol.NewError(protocol.KindValidation, "message must not be empty")
	}
	if model == "" {
		return nil, protocol.NewError(protocol.KindValidation, "model is required")
	}

	start := time.Now()
	result, err := o.models.Chat(ctx, model, []protocol.ChatMessage{{Role: protocol.RoleUser, Content: message}}, params)
	if err != nil {
		return nil, err
	}
	return &DirectResult{
		Text:           result.Text,
		Model:          result.Model,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}, nil
}
