package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ozgurkan/chatgate/pkg/auth"
	"github.com/ozgurkan/chatgate/pkg/chat"
	"github.com/ozgurkan/chatgate/pkg/protocol"
)

func intQuery(r *http.Request, name, fallback string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		raw = fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// identityFor returns the authenticated caller. The auth middleware
// guarantees one on /api/ routes.
func identityFor(r *http.Request) (*auth.Identity, error) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		return nil, protocol.NewError(protocol.KindAuthMissing, "request is not authenticated")
	}
	return identity, nil
}

// conversationForCaller loads a conversation the caller may access. Rows
// owned by someone else look exactly like missing rows.
func (s *Server) conversationForCaller(ctx context.Context, identity *auth.Identity, id string) (*protocol.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != identity.UserID && !identity.IsAdmin() {
		return nil, protocol.NewError(protocol.KindNotFound, "conversation not found")
	}
	return conv, nil
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Title        string                 `json:"title"`
		ModelName    string                 `json:"model_name,omitempty"`
		SystemPrompt string                 `json:"system_prompt,omitempty"`
		Data         map[string]interface{} `json:"data,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" {
		writeError(w, protocol.NewError(protocol.KindValidation, "title is required"))
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), &protocol.Conversation{
		UserID:       identity.UserID,
		Title:        req.Title,
		ModelName:    req.ModelName,
		SystemPrompt: req.SystemPrompt,
		Data:         req.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := intQuery(r, "limit", "50")
	offset := intQuery(r, "offset", "0")
	status := r.URL.Query().Get("status")

	conversations, err := s.store.ListConversationsByUser(r.Context(), identity.UserID, limit, offset, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": conversations})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conv, err := s.conversationForCaller(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handlePatchConversation(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conv, err := s.conversationForCaller(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Title        *string                `json:"title,omitempty"`
		Status       *string                `json:"status,omitempty"`
		ModelName    *string                `json:"model_name,omitempty"`
		SystemPrompt *string                `json:"system_prompt,omitempty"`
		Data         map[string]interface{} `json:"data,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Title != nil {
		conv.Title = *req.Title
	}
	if req.Status != nil {
		// Deletion only happens through DELETE.
		if !protocol.ValidStatus(*req.Status) || *req.Status == protocol.ConversationDeleted {
			writeError(w, protocol.Errorf(protocol.KindValidation, "invalid status %q", *req.Status))
			return
		}
		conv.Status = *req.Status
	}
	if req.ModelName != nil {
		conv.ModelName = *req.ModelName
	}
	if req.SystemPrompt != nil {
		conv.SystemPrompt = *req.SystemPrompt
	}
	if req.Data != nil {
		conv.Data = req.Data
	}

	updated, err := s.store.UpdateConversation(r.Context(), conv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.conversationForCaller(r.Context(), identity, id); err != nil {
		writeError(w, err)
		return
	}

	hard := r.URL.Query().Get("hard") == "true"
	if _, err := s.store.DeleteConversation(r.Context(), id, hard); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.conversationForCaller(r.Context(), identity, id); err != nil {
		writeError(w, err)
		return
	}

	messages, err := s.store.ListMessages(r.Context(), id, intQuery(r, "limit", "0"), intQuery(r, "offset", "0"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.conversationForCaller(r.Context(), identity, id); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Role       string                 `json:"role"`
		Content    string                 `json:"content"`
		RawContent string                 `json:"raw_content,omitempty"`
		Data       map[string]interface{} `json:"data,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := s.store.AddMessage(r.Context(), &protocol.Message{
		ConversationID: id,
		Role:           req.Role,
		Content:        req.Content,
		RawContent:     req.RawContent,
		Data:           req.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type prepareResponse struct {
	StreamToken        string `json:"stream_token"`
	StreamURL          string `json:"stream_url"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

func (s *Server) prepare(w http.ResponseWriter, r *http.Request, withTools bool) {
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req chat.PrepareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	streamPrefix := "/stream/"
	if withTools {
		streamPrefix = "/stream/mcp/"
	} else {
		req.ToolsEnabled = false
		req.AutoApproveTools = false
	}

	result, err := s.orchestrator.PrepareStream(r.Context(), identity.UserID, identity.IsAdmin(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prepareResponse{
		StreamToken:        result.StreamToken,
		StreamURL:          streamPrefix + result.StreamToken,
		UserMessageID:      result.UserMessageID,
		AssistantMessageID: result.AssistantMessageID,
	})
}

func (s *Server) handlePrepareStream(w http.ResponseWriter, r *http.Request) {
	s.prepare(w, r, false)
}

func (s *Server) handlePrepareMCPStream(w http.ResponseWriter, r *http.Request) {
	s.prepare(w, r, true)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	emit := func(ev chat.Event) error {
		s.recordStreamMetrics(ev)
		return sse.send(ev)
	}

	if err := s.orchestrator.Stream(r.Context(), chi.URLParam(r, "token"), emit); err != nil {
		// Only possible before the first frame; the response is still JSON.
		writeError(w, err)
	}
}

func (s *Server) recordStreamMetrics(ev chat.Event) {
	if s.metrics == nil {
		return
	}
	switch ev.Type {
	case chat.EventStreamStart:
		// Counted at the first frame so aborted streams still register.
		s.metrics.StreamsStarted.Inc()
	case chat.EventAssistantComplete:
		if msg, ok := ev.Message.(protocol.Message); ok {
			model, _ := msg.Data["model"].(string)
			s.metrics.TokensGenerated.WithLabelValues(model).Add(float64(msg.TokenCount))
		}
	case chat.EventToolResult:
		s.metrics.ToolExecutions.WithLabelValues(ev.ToolName, "ok").Inc()
	}
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message     string   `json:"message"`
		Model       string   `json:"model"`
		Temperature *float64 `json:"temperature,omitempty"`
		MaxTokens   int      `json:"max_tokens,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.orchestrator.Direct(r.Context(), req.Model, req.Message, protocol.ChatParams{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
