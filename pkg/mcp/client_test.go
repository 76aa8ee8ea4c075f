package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// newToolServer serves tools/list and tools/call for one fake tool.
func newToolServer(t *testing.T, callResult interface{}) (*httptest.Server, *[]rpcRequest) {
	t.Helper()
	var calls []rpcRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRPC(t, r)
		calls = append(calls, req)

		switch req.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result": map[string]interface{}{
					"tools": []map[string]interface{}{
						{
							"name":        "read_file",
							"description": "Reads a file from the workspace",
							"inputSchema": map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"path": map[string]interface{}{"type": "string"},
								},
								"required": []interface{}{"path"},
							},
						},
					},
				},
			})
		case "tools/call":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  callResult,
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]interface{}{"code": -32601, "message": "method not found"},
			})
		}
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestClient(t *testing.T, serverURL string, autoApprove bool) (*Client, *fakeApprovalStore) {
	t.Helper()
	store := newFakeApprovalStore()
	approvals := NewApprovalService(store, time.Minute)
	approvals.poll = 10 * time.Millisecond

	client := NewClient(config.MCPConfig{
		Servers: []config.MCPServerConfig{
			{Name: "files", BaseURL: serverURL, AutoApprove: autoApprove},
		},
	}, NewTransport(5*time.Second), NewToolRegistry(), approvals)

	if err := client.DiscoverAll(context.Background()); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	return client, store
}

func TestClientDiscoverAll(t *testing.T) {
	server, _ := newToolServer(t, nil)
	client, _ := newTestClient(t, server.URL, false)

	tool, ok := client.Registry().Get("files.read_file")
	if !ok {
		t.Fatal("discovered tool not registered")
	}
	if tool.ServerName != "files" || tool.BareName() != "read_file" {
		t.Errorf("tool = %+v", tool)
	}
}

func TestClientCallToolUsesBareName(t *testing.T) {
	server, calls := newToolServer(t, map[string]interface{}{"content": "hello"})
	client, _ := newTestClient(t, server.URL, false)

	result, err := client.CallTool(context.Background(), "files.read_file", map[string]interface{}{"path": "/tmp/a"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil || decoded["content"] != "hello" {
		t.Errorf("result = %s", result)
	}

	last := (*calls)[len(*calls)-1]
	params, _ := last.Params.(map[string]interface{})
	if params["name"] != "read_file" {
		t.Errorf("wire tool name = %v, want bare name", params["name"])
	}
}

func TestClientCallUnknownTool(t *testing.T) {
	server, _ := newToolServer(t, nil)
	client, _ := newTestClient(t, server.URL, false)

	_, err := client.CallTool(context.Background(), "files.no_such_tool", nil)
	if !protocol.IsKind(err, protocol.KindToolNotFound) {
		t.Errorf("err = %v, want tool_not_found", err)
	}
}

func TestClientExecuteAutoApprove(t *testing.T) {
	server, calls := newToolServer(t, map[string]interface{}{"ok": true})
	client, store := newTestClient(t, server.URL, true)

	_, err := client.Execute(context.Background(), "files.read_file", map[string]interface{}{"path": "/a"}, 1, "conv", false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Auto-approved calls never touch the approval store.
	store.mu.Lock()
	pending := len(store.approvals)
	store.mu.Unlock()
	if pending != 0 {
		t.Errorf("approvals created = %d", pending)
	}

	sawCall := false
	for _, c := range *calls {
		if c.Method == "tools/call" {
			sawCall = true
		}
	}
	if !sawCall {
		t.Error("tools/call never reached the server")
	}
}

func TestClientExecuteGatedByApproval(t *testing.T) {
	server, _ := newToolServer(t, map[string]interface{}{"ok": true})
	client, store := newTestClient(t, server.URL, false)

	go func() {
		// Approve once the request lands.
		for i := 0; i < 100; i++ {
			time.Sleep(5 * time.Millisecond)
			store.mu.Lock()
			var id string
			for _, a := range store.approvals {
				if a.Status == protocol.ApprovalPending {
					id = a.ID
				}
			}
			store.mu.Unlock()
			if id != "" {
				client.Approvals().Decide(context.Background(), id, 2, true, "")
				return
			}
		}
	}()

	result, err := client.Execute(context.Background(), "files.read_file", map[string]interface{}{"path": "/a"}, 1, "conv", false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result) == 0 {
		t.Error("empty result")
	}

	// The outcome lands on the approval row.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.approvals) != 1 {
		t.Fatalf("approvals = %d", len(store.approvals))
	}
	for _, a := range store.approvals {
		if a.Status != protocol.ApprovalExecuted {
			t.Errorf("status = %q", a.Status)
		}
		if len(a.Result) == 0 || a.DurationMS < 0 {
			t.Errorf("result = %s, duration = %d", a.Result, a.DurationMS)
		}
	}
}

func TestClientExecuteRejected(t *testing.T) {
	server, calls := newToolServer(t, nil)
	client, store := newTestClient(t, server.URL, false)

	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(5 * time.Millisecond)
			store.mu.Lock()
			var id string
			for _, a := range store.approvals {
				if a.Status == protocol.ApprovalPending {
					id = a.ID
				}
			}
			store.mu.Unlock()
			if id != "" {
				client.Approvals().Decide(context.Background(), id, 2, false, "not allowed")
				return
			}
		}
	}()

	_, err := client.Execute(context.Background(), "files.read_file", map[string]interface{}{"path": "/a"}, 1, "conv", false)
	if !protocol.IsKind(err, protocol.KindToolError) {
		t.Errorf("err = %v, want tool_error", err)
	}

	for _, c := range *calls {
		if c.Method == "tools/call" {
			t.Error("rejected call still reached the server")
		}
	}
}

func TestClientExecuteApprovalRequiresApprovedStatus(t *testing.T) {
	server, _ := newToolServer(t, nil)
	client, _ := newTestClient(t, server.URL, false)

	approval, err := client.RequestApproval(context.Background(), "files.read_file", map[string]interface{}{"path": "/a"}, 1, "conv")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}

	_, err = client.ExecuteApproval(context.Background(), approval.ID)
	if !protocol.IsKind(err, protocol.KindConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestClientExecuteApprovalReplaysStoredResult(t *testing.T) {
	server, calls := newToolServer(t, map[string]interface{}{"content": "once"})
	client, _ := newTestClient(t, server.URL, false)

	approval, err := client.RequestApproval(context.Background(), "files.read_file", map[string]interface{}{"path": "/a"}, 1, "conv")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if _, err := client.Approvals().Decide(context.Background(), approval.ID, 2, true, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	first, err := client.ExecuteApproval(context.Background(), approval.ID)
	if err != nil {
		t.Fatalf("first ExecuteApproval: %v", err)
	}
	second, err := client.ExecuteApproval(context.Background(), approval.ID)
	if err != nil {
		t.Fatalf("second ExecuteApproval: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("replayed result %s != %s", second, first)
	}

	toolCalls := 0
	for _, c := range *calls {
		if c.Method == "tools/call" {
			toolCalls++
		}
	}
	if toolCalls != 1 {
		t.Errorf("tools/call count = %d, want 1", toolCalls)
	}
}
