package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/mcp"
	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// memApprovalStore is the minimal in-memory mcp.ApprovalStore for stream tests.
type memApprovalStore struct {
	mu        sync.Mutex
	approvals map[string]*protocol.Approval
}

func newMemApprovalStore() *memApprovalStore {
	return &memApprovalStore{approvals: make(map[string]*protocol.Approval)}
}

func (s *memApprovalStore) CreateApproval(ctx context.Context, approval *protocol.Approval) (*protocol.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	approval.Status = protocol.ApprovalPending
	clone := *approval
	s.approvals[approval.ID] = &clone
	return approval, nil
}

func (s *memApprovalStore) GetApproval(ctx context.Context, id string) (*protocol.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "approval not found")
	}
	clone := *approval
	return &clone, nil
}

func (s *memApprovalStore) DecideApproval(ctx context.Context, id string, reviewerID int64, approved bool, reason string) (*protocol.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "approval not found")
	}
	if approval.Status != protocol.ApprovalPending {
		return nil, protocol.Errorf(protocol.KindConflict, "approval already %s", approval.Status)
	}
	approval.Status = protocol.ApprovalRejected
	if approved {
		approval.Status = protocol.ApprovalApproved
	}
	clone := *approval
	return &clone, nil
}

func (s *memApprovalStore) MarkApprovalExecuted(ctx context.Context, id string, result []byte, execErr string, duration time.Duration) (*protocol.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "approval not found")
	}
	if approval.Status != protocol.ApprovalApproved {
		return nil, protocol.Errorf(protocol.KindConflict, "approval is not approved")
	}
	approval.Status = protocol.ApprovalExecuted
	approval.Result = result
	approval.ExecutionError = execErr
	clone := *approval
	return &clone, nil
}

func (s *memApprovalStore) ListPendingApprovals(ctx context.Context, userID int64) ([]protocol.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []protocol.Approval
	for _, approval := range s.approvals {
		if approval.Status == protocol.ApprovalPending {
			pending = append(pending, *approval)
		}
	}
	return pending, nil
}

func (s *memApprovalStore) snapshot() []protocol.Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []protocol.Approval
	for _, approval := range s.approvals {
		all = append(all, *approval)
	}
	return all
}

// newToolBackend serves a one-tool JSON-RPC endpoint and counts tools/call hits.
func newToolBackend(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var toolCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc: %v", err)
		}

		switch req.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result": map[string]interface{}{
					"tools": []map[string]interface{}{{
						"name":        "read_file",
						"description": "Reads a file from the workspace",
						"inputSchema": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"path": map[string]interface{}{"type": "string"},
							},
						},
					}},
				},
			})
		case "tools/call":
			toolCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  map[string]interface{}{"content": "file data"},
			})
		}
	}))
	t.Cleanup(server.Close)
	return server, &toolCalls
}

func newToolClient(t *testing.T, serverURL string, store *memApprovalStore) *mcp.Client {
	t.Helper()
	client := mcp.NewClient(config.MCPConfig{
		Servers: []config.MCPServerConfig{{Name: "files", BaseURL: serverURL}},
	}, mcp.NewTransport(5*time.Second), mcp.NewToolRegistry(), mcp.NewApprovalService(store, time.Minute))

	if err := client.DiscoverAll(context.Background()); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	return client
}

const toolMarker = `<tool_call>{"name":"files.read_file","arguments":{"path":"/etc/motd"}}</tool_call>`

func TestStreamToolCallGatedByApproval(t *testing.T) {
	backend, toolCalls := newToolBackend(t)
	approvals := newMemApprovalStore()
	env := newTestEnv(t, Options{}, newToolClient(t, backend.URL, approvals))

	// Marker arrives split across chunk boundaries.
	env.provider.chunks = []protocol.StreamChunk{
		{Text: "Let me check. <tool_"},
		{Text: toolMarker[len("<tool_"):len(toolMarker)-len("call>")]},
		{Text: "call> There."},
		{Done: true, Tokens: 9},
	}
	ctx := context.Background()

	result, err := env.o.PrepareStream(ctx, 1, false, "conv-1",
		PrepareRequest{Message: "read it", Model: "m1", ToolsEnabled: true})
	if err != nil {
		t.Fatalf("PrepareStream: %v", err)
	}

	var events []Event
	if err := env.o.Stream(ctx, result.StreamToken, func(ev Event) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	env.o.Close()

	var detected, approvalRequired bool
	for _, ev := range events {
		switch ev.Type {
		case EventToolCallDetected:
			detected = true
			if ev.ToolCall.Name != "files.read_file" {
				t.Errorf("tool call = %+v", ev.ToolCall)
			}
		case EventToolApprovalRequired:
			approvalRequired = true
			if ev.ToolName != "files.read_file" {
				t.Errorf("tool name = %q", ev.ToolName)
			}
		case EventToolExecuting, EventToolResult:
			t.Errorf("gated stream executed a tool: %v", ev.Type)
		}
	}
	if !detected || !approvalRequired {
		t.Errorf("events = %v", eventTypes(events))
	}

	// Nothing executed; an approval row is waiting.
	if toolCalls.Load() != 0 {
		t.Errorf("tools/call hits = %d", toolCalls.Load())
	}
	rows := approvals.snapshot()
	if len(rows) != 1 || rows[0].Status != protocol.ApprovalPending || rows[0].ToolName != "files.read_file" {
		t.Errorf("approvals = %+v", rows)
	}

	// Marker text never reaches the visible content.
	assistant := env.store.messagesFor("conv-1")[1]
	if assistant.Content != "Let me check.  There." {
		t.Errorf("content = %q", assistant.Content)
	}
	calls, ok := assistant.Data["tool_calls"].([]protocol.ToolCall)
	if !ok || len(calls) != 1 || calls[0].Name != "files.read_file" {
		t.Errorf("tool_calls = %v", assistant.Data["tool_calls"])
	}
}

func TestStreamToolCallAutoApproved(t *testing.T) {
	backend, toolCalls := newToolBackend(t)
	approvals := newMemApprovalStore()
	env := newTestEnv(t, Options{}, newToolClient(t, backend.URL, approvals))

	env.provider.chunks = []protocol.StreamChunk{
		{Text: toolMarker}, {Done: true, Tokens: 3},
	}
	ctx := context.Background()

	result, err := env.o.PrepareStream(ctx, 1, false, "conv-1",
		PrepareRequest{Message: "read it", Model: "m1", ToolsEnabled: true, AutoApproveTools: true})
	if err != nil {
		t.Fatalf("PrepareStream: %v", err)
	}

	var events []Event
	if err := env.o.Stream(ctx, result.StreamToken, func(ev Event) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	env.o.Close()

	var executing, gotResult bool
	for _, ev := range events {
		switch ev.Type {
		case EventToolExecuting:
			executing = true
		case EventToolResult:
			gotResult = true
			var decoded map[string]string
			if err := json.Unmarshal(ev.Result, &decoded); err != nil || decoded["content"] != "file data" {
				t.Errorf("result = %s", ev.Result)
			}
		case EventToolApprovalRequired:
			t.Error("auto-approved stream asked for approval")
		}
	}
	if !executing || !gotResult {
		t.Errorf("events = %v", eventTypes(events))
	}

	if toolCalls.Load() != 1 {
		t.Errorf("tools/call hits = %d", toolCalls.Load())
	}
	if rows := approvals.snapshot(); len(rows) != 0 {
		t.Errorf("approvals created for auto path: %+v", rows)
	}
}
