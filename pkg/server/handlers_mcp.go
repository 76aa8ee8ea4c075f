package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ozgurkan/chatgate/pkg/mcp"
	"github.com/ozgurkan/chatgate/pkg/protocol"
)

func (s *Server) requireTools(w http.ResponseWriter) bool {
	if s.tools == nil {
		writeError(w, protocol.NewError(protocol.KindToolUnavailable, "no tool servers are configured"))
		return false
	}
	return true
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}

	style := mcp.FormatGeneric
	if name := r.URL.Query().Get("provider"); name != "" {
		provider, ok := s.models.Get(name)
		if !ok {
			writeError(w, protocol.Errorf(protocol.KindValidation, "unknown provider %q", name))
			return
		}
		style = provider.ToolFormat()
	}

	tools := s.tools.Registry().FormatFor(style)
	servers := s.tools.ServerNames()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools":   tools,
		"servers": servers,
		"stats": map[string]interface{}{
			"total_tools":   len(tools),
			"total_servers": len(servers),
		},
	})
}

type executeResponse struct {
	Success    bool        `json:"success"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	ApprovalID string      `json:"approval_id,omitempty"`
}

func (s *Server) handleMCPExecute(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		ToolName       string                 `json:"tool_name"`
		Arguments      map[string]interface{} `json:"arguments"`
		ConversationID string                 `json:"conversation_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	problems, err := s.tools.Registry().ValidateArguments(req.ToolName, req.Arguments)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(problems) > 0 {
		writeError(w, protocol.NewError(protocol.KindValidation, "tool arguments are invalid").
			WithDetails(map[string]interface{}{"problems": problems}))
		return
	}

	if s.tools.AutoApprove(req.ToolName) {
		result, err := s.tools.CallTool(r.Context(), req.ToolName, req.Arguments)
		if err != nil {
			writeError(w, err)
			return
		}
		if s.metrics != nil {
			s.metrics.ToolExecutions.WithLabelValues(req.ToolName, "ok").Inc()
		}
		writeJSON(w, http.StatusOK, executeResponse{Success: true, Result: result})
		return
	}

	approval, err := s.tools.RequestApproval(r.Context(), req.ToolName, req.Arguments, identity.UserID, req.ConversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Success:    false,
		Error:      "tool call requires approval",
		ApprovalID: approval.ID,
	})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	approvals, err := s.tools.Approvals().ListPending(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": approvals})
}

func (s *Server) handleApproveApproval(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}
	identity, err := identityFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	approval, err := s.tools.Approvals().Decide(r.Context(), chi.URLParam(r, "id"), identity.UserID, req.Approved, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleExecuteApproval(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}

	id := chi.URLParam(r, "id")
	result, err := s.tools.ExecuteApproval(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		if approval, getErr := s.tools.Approvals().Get(r.Context(), id); getErr == nil {
			s.metrics.ToolExecutions.WithLabelValues(approval.ToolName, "ok").Inc()
		}
	}
	writeJSON(w, http.StatusOK, executeResponse{Success: true, Result: result})
}
