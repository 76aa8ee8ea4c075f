package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ozgurkan/chatgate/pkg/auth"
	"github.com/ozgurkan/chatgate/pkg/chat"
	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/llms"
	"github.com/ozgurkan/chatgate/pkg/mcp"
	"github.com/ozgurkan/chatgate/pkg/observability"
	"github.com/ozgurkan/chatgate/pkg/protocol"
	"github.com/ozgurkan/chatgate/pkg/session"
	"github.com/ozgurkan/chatgate/pkg/store"
)

// scriptProvider plays back canned responses for end-to-end route tests.
type scriptProvider struct {
	mu     sync.Mutex
	chunks []protocol.StreamChunk
	reply  *protocol.ChatResult
}

func (p *scriptProvider) Name() string                          { return "fake" }
func (p *scriptProvider) Type() protocol.ProviderType           { return protocol.ProviderLocal }
func (p *scriptProvider) Enabled() bool                         { return true }
func (p *scriptProvider) ToolFormat() string                    { return "generic" }
func (p *scriptProvider) HealthCheck(ctx context.Context) error { return nil }
func (p *scriptProvider) CountTokens(text, model string) int    { return len(strings.Fields(text)) }

func (p *scriptProvider) ListModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	return []protocol.ModelInfo{{Name: "m1", Provider: "fake"}}, nil
}

func (p *scriptProvider) Chat(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (*protocol.ChatResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reply == nil {
		return nil, protocol.NewError(protocol.KindProviderUnavailable, "no scripted reply")
	}
	reply := *p.reply
	return &reply, nil
}

func (p *scriptProvider) ChatStream(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (<-chan protocol.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan protocol.StreamChunk, len(p.chunks)+1)
	for _, chunk := range p.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

type testGateway struct {
	ts       *httptest.Server
	provider *scriptProvider
	orch     *chat.Orchestrator
	store    *store.Store
}

// buildTools lets MCP tests wire a tool client against the gateway's store.
func newTestGateway(t *testing.T, buildTools func(*store.Store) *mcp.Client) *testGateway {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// The in-memory database vanishes if its only connection closes.
	db.SetMaxOpenConns(1)
	st, err := store.New(db, "sqlite")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var tools *mcp.Client
	if buildTools != nil {
		tools = buildTools(st)
	}

	provider := &scriptProvider{}
	registry := llms.NewRegistry(time.Minute)
	if err := registry.Register(provider); err != nil {
		t.Fatalf("Register: %v", err)
	}

	orch := chat.NewOrchestrator(st, session.NewMemoryStore(time.Minute), registry, tools, chat.Options{})
	authmw := auth.NewMiddleware(nil, auth.NewUserResolver(st), false)

	opts := []Option{WithMetrics(observability.New())}
	if tools != nil {
		opts = append(opts, WithTools(tools))
	}
	srv := New(config.ServerConfig{}, st, orch, registry, authmw, opts...)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{ts: ts, provider: provider, orch: orch, store: st}
}

func (g *testGateway) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, g.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := g.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func (g *testGateway) createConversation(t *testing.T, title string) string {
	t.Helper()
	resp, raw := g.do(t, http.MethodPost, "/api/chat/conversations", map[string]interface{}{"title": title})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation: %d %s", resp.StatusCode, raw)
	}
	var conv protocol.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return conv.ID
}

func parseSSE(t *testing.T, body []byte) []chat.Event {
	t.Helper()
	var events []chat.Event
	for _, line := range strings.Split(string(body), "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev chat.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestHealthIsPublic(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, raw := g.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health struct {
		Status     string                 `json:"status"`
		Components map[string]interface{} `json:"components"`
	}
	if err := json.Unmarshal(raw, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Components["store"] != "ok" {
		t.Errorf("health = %s", raw)
	}
}

func TestConversationCRUD(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.createConversation(t, "first chat")

	resp, raw := g.do(t, http.MethodGet, "/api/chat/conversations/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, raw)
	}

	resp, raw = g.do(t, http.MethodPatch, "/api/chat/conversations/"+id, map[string]interface{}{"title": "renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", resp.StatusCode, raw)
	}
	var conv protocol.Conversation
	json.Unmarshal(raw, &conv)
	if conv.Title != "renamed" {
		t.Errorf("title = %q", conv.Title)
	}

	resp, _ = g.do(t, http.MethodDelete, "/api/chat/conversations/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}

	resp, raw = g.do(t, http.MethodGet, "/api/chat/conversations", nil)
	var list struct {
		Conversations []protocol.Conversation `json:"conversations"`
	}
	json.Unmarshal(raw, &list)
	if len(list.Conversations) != 0 {
		t.Errorf("soft-deleted conversation still listed: %s", raw)
	}
}

func TestCreateConversationValidation(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, raw := g.do(t, http.MethodPost, "/api/chat/conversations", map[string]interface{}{})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.Unmarshal(raw, &body)
	if body.Error.Type != "validation" {
		t.Errorf("error body = %s", raw)
	}
}

func TestPatchConversationStatusValidation(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.createConversation(t, "status test")

	resp, raw := g.do(t, http.MethodPatch, "/api/chat/conversations/"+id, map[string]interface{}{"status": "bogus"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bogus status: %d %s", resp.StatusCode, raw)
	}

	// Deletion goes through DELETE, not a status patch.
	resp, raw = g.do(t, http.MethodPatch, "/api/chat/conversations/"+id, map[string]interface{}{"status": "deleted"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("deleted via patch: %d %s", resp.StatusCode, raw)
	}

	resp, raw = g.do(t, http.MethodPatch, "/api/chat/conversations/"+id, map[string]interface{}{"status": "archived"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive: %d %s", resp.StatusCode, raw)
	}
	var conv protocol.Conversation
	json.Unmarshal(raw, &conv)
	if conv.Status != protocol.ConversationArchived {
		t.Errorf("status = %q", conv.Status)
	}
}

func TestUnknownConversationIs404(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, _ := g.do(t, http.MethodGet, "/api/chat/conversations/no-such-id", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestPrepareAndStreamRoundTrip(t *testing.T) {
	g := newTestGateway(t, nil)
	g.provider.chunks = []protocol.StreamChunk{
		{Text: "he"}, {Text: "llo"}, {Done: true, Tokens: 2},
	}
	id := g.createConversation(t, "stream test")

	resp, raw := g.do(t, http.MethodPost, "/api/chat/conversations/"+id+"/prepare-stream",
		map[string]interface{}{"message": "hi", "model": "m1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prepare: %d %s", resp.StatusCode, raw)
	}
	var prep prepareResponse
	if err := json.Unmarshal(raw, &prep); err != nil {
		t.Fatalf("decode prepare: %v", err)
	}
	if prep.StreamURL != "/stream/"+prep.StreamToken {
		t.Errorf("stream_url = %q", prep.StreamURL)
	}

	resp, raw = g.do(t, http.MethodGet, prep.StreamURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream: %d %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("cache control = %q", cc)
	}

	events := parseSSE(t, raw)
	want := []string{
		chat.EventStreamStart, chat.EventUserMessage, chat.EventAssistantStart,
		chat.EventContentChunk, chat.EventContentChunk, chat.EventAssistantComplete, chat.EventDone,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d: %s", len(events), len(want), raw)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, ev.Type, want[i])
		}
	}

	// The token is consumed; replay is a 404.
	resp, _ = g.do(t, http.MethodGet, prep.StreamURL, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("replayed stream status = %d", resp.StatusCode)
	}

	// Both messages are durable once the persistence job settles.
	g.orch.Close()
	resp, raw = g.do(t, http.MethodGet, "/api/chat/conversations/"+id+"/messages", nil)
	var msgs struct {
		Messages []protocol.Message `json:"messages"`
	}
	json.Unmarshal(raw, &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("messages = %d: %s", len(msgs.Messages), raw)
	}
	if msgs.Messages[1].Role != protocol.RoleAssistant || msgs.Messages[1].Content != "hello" {
		t.Errorf("assistant = %+v", msgs.Messages[1])
	}
}

func TestPrepareStreamValidation(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.createConversation(t, "v")

	resp, raw := g.do(t, http.MethodPost, "/api/chat/conversations/"+id+"/prepare-stream",
		map[string]interface{}{"message": "", "model": "m1"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("empty message: %d %s", resp.StatusCode, raw)
	}

	resp, raw = g.do(t, http.MethodPost, "/api/chat/conversations/"+id+"/prepare-stream",
		map[string]interface{}{"message": "hi", "model": "ghost"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unknown model: %d %s", resp.StatusCode, raw)
	}
}

func TestDirectChat(t *testing.T) {
	g := newTestGateway(t, nil)
	g.provider.reply = &protocol.ChatResult{Text: "pong", Model: "m1"}

	resp, raw := g.do(t, http.MethodPost, "/api/chat/direct",
		map[string]interface{}{"message": "ping", "model": "m1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("direct: %d %s", resp.StatusCode, raw)
	}
	var result chat.DirectResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Text != "pong" || result.Model != "m1" {
		t.Errorf("result = %+v", result)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)
	g.do(t, http.MethodGet, "/health", nil)

	resp, raw := g.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), "chatgate_http_requests_total") {
		t.Error("request counter missing from scrape")
	}
}

func TestStreamsStartedCountsAtFirstFrame(t *testing.T) {
	g := newTestGateway(t, nil)
	g.provider.chunks = []protocol.StreamChunk{{Text: "x"}, {Done: true, Tokens: 1}}
	id := g.createConversation(t, "counted")

	_, raw := g.do(t, http.MethodPost, "/api/chat/conversations/"+id+"/prepare-stream",
		map[string]interface{}{"message": "hi", "model": "m1"})
	var prep prepareResponse
	if err := json.Unmarshal(raw, &prep); err != nil {
		t.Fatalf("decode prepare: %v", err)
	}
	g.do(t, http.MethodGet, prep.StreamURL, nil)

	// A bad token never reaches the first frame and is not counted.
	resp, _ := g.do(t, http.MethodGet, "/stream/no-such-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("bad token: %d", resp.StatusCode)
	}

	_, scrape := g.do(t, http.MethodGet, "/metrics", nil)
	if !strings.Contains(string(scrape), "chatgate_streams_started_total 1") {
		t.Errorf("streams_started missing or wrong:\n%s", scrape)
	}
}

// newToolBackend is a one-tool JSON-RPC server for the /api/mcp routes.
func newToolBackend(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		switch req.Method {
		case "tools/list":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"tools":[{"name":"read_file","description":"Reads a file from the workspace","inputSchema":{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}}]}}`, req.ID)
		case "tools/call":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"content":"file data"}}`, req.ID)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestMCPApprovalFlow(t *testing.T) {
	backend := newToolBackend(t)

	g := newTestGateway(t, func(st *store.Store) *mcp.Client {
		tools := mcp.NewClient(config.MCPConfig{
			Servers: []config.MCPServerConfig{{Name: "files", BaseURL: backend.URL}},
		}, mcp.NewTransport(5*time.Second), mcp.NewToolRegistry(), mcp.NewApprovalService(st, time.Minute))
		if err := tools.DiscoverAll(context.Background()); err != nil {
			t.Fatalf("DiscoverAll: %v", err)
		}
		return tools
	})

	// Tool inventory.
	resp, raw := g.do(t, http.MethodGet, "/api/mcp/tools", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools: %d %s", resp.StatusCode, raw)
	}
	var inventory struct {
		Tools   []map[string]interface{} `json:"tools"`
		Servers []string                 `json:"servers"`
	}
	json.Unmarshal(raw, &inventory)
	if len(inventory.Tools) != 1 || len(inventory.Servers) != 1 {
		t.Fatalf("inventory = %s", raw)
	}

	// Gated execute hands back an approval id, not a result.
	resp, raw = g.do(t, http.MethodPost, "/api/mcp/execute", map[string]interface{}{
		"tool_name": "files.read_file",
		"arguments": map[string]interface{}{"path": "/etc/motd"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", resp.StatusCode, raw)
	}
	var exec executeResponse
	json.Unmarshal(raw, &exec)
	if exec.Success || exec.ApprovalID == "" {
		t.Fatalf("execute = %s", raw)
	}

	// The pending queue shows it.
	resp, raw = g.do(t, http.MethodGet, "/api/mcp/approvals/pending", nil)
	var pending struct {
		Approvals []protocol.Approval `json:"approvals"`
	}
	json.Unmarshal(raw, &pending)
	if len(pending.Approvals) != 1 || pending.Approvals[0].ID != exec.ApprovalID {
		t.Fatalf("pending = %s", raw)
	}

	// Approve, then execute.
	resp, raw = g.do(t, http.MethodPost, "/api/mcp/approvals/"+exec.ApprovalID+"/approve",
		map[string]interface{}{"approved": true, "reason": "fine"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", resp.StatusCode, raw)
	}

	resp, raw = g.do(t, http.MethodPost, "/api/mcp/approvals/"+exec.ApprovalID+"/execute", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute approval: %d %s", resp.StatusCode, raw)
	}
	var first executeResponse
	json.Unmarshal(raw, &first)
	if !first.Success || first.Result == nil {
		t.Fatalf("execution = %s", raw)
	}

	// Re-execution replays the stored result.
	resp, raw = g.do(t, http.MethodPost, "/api/mcp/approvals/"+exec.ApprovalID+"/execute", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-execute: %d %s", resp.StatusCode, raw)
	}

	// A second decision on the resolved approval conflicts.
	resp, raw = g.do(t, http.MethodPost, "/api/mcp/approvals/"+exec.ApprovalID+"/approve",
		map[string]interface{}{"approved": false})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double decide: %d %s", resp.StatusCode, raw)
	}
}

func TestMCPExecuteArgumentValidation(t *testing.T) {
	backend := newToolBackend(t)

	g := newTestGateway(t, func(st *store.Store) *mcp.Client {
		tools := mcp.NewClient(config.MCPConfig{
			Servers: []config.MCPServerConfig{{Name: "files", BaseURL: backend.URL}},
		}, mcp.NewTransport(5*time.Second), mcp.NewToolRegistry(), mcp.NewApprovalService(st, time.Minute))
		if err := tools.DiscoverAll(context.Background()); err != nil {
			t.Fatalf("DiscoverAll: %v", err)
		}
		return tools
	})

	resp, raw := g.do(t, http.MethodPost, "/api/mcp/execute", map[string]interface{}{
		"tool_name": "files.read_file",
		"arguments": map[string]interface{}{},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("missing required arg: %d %s", resp.StatusCode, raw)
	}

	resp, raw = g.do(t, http.MethodPost, "/api/mcp/execute", map[string]interface{}{
		"tool_name": "files.no_such_tool",
		"arguments": map[string]interface{}{},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("unknown tool: %d %s", resp.StatusCode, raw)
	}
}
