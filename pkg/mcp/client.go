package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// Client composes the transport, the tool registry and the approval
// service into the tool-execution surface the chat pipeline uses.
type Client struct {
	transport *Transport
	registry  *ToolRegistry
	approvals *ApprovalService
	servers   map[string]config.MCPServerConfig
}

// NewClient wires the client to its configured servers.
func NewClient(cfg config.MCPConfig, transport *Transport, toolRegistry *ToolRegistry, approvals *ApprovalService) *Client {
	servers := make(map[string]config.MCPServerConfig, len(cfg.Servers))
	for _, server := range cfg.Servers {
		servers[server.Name] = server
	}
	return &Client{
		transport: transport,
		registry:  toolRegistry,
		approvals: approvals,
		servers:   servers,
	}
}

// Registry exposes the tool registry for formatting and validation.
func (c *Client) Registry() *ToolRegistry {
	return c.registry
}

// Approvals exposes the approval service.
func (c *Client) Approvals() *ApprovalService {
	return c.approvals
}

// ServerNames lists the configured tool servers in sorted order.
func (c *Client) ServerNames() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AutoApprove reports whether serverName is configured to skip approvals.
func (c *Client) AutoApprove(toolName string) bool {
	tool, ok := c.registry.Get(toolName)
	if !ok {
		return false
	}
	server, ok := c.servers[tool.ServerName]
	return ok && server.AutoApprove
}

type discoveredTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []discoveredTool `json:"tools"`
}

// DiscoverAll queries every configured server for its tools and registers
// them. One failing server does not abort discovery of the rest.
func (c *Client) DiscoverAll(ctx context.Context) error {
	var lastErr error
	for _, server := range c.servers {
		if err := c.discoverServer(ctx, server); err != nil {
			lastErr = err
			slog.Warn("tool discovery failed", "server", server.Name, "error", err)
		}
	}
	return lastErr
}

func (c *Client) discoverServer(ctx context.Context, server config.MCPServerConfig) error {
	raw, err := c.transport.Execute(ctx, server.BaseURL, "tools/list", map[string]interface{}{}, server.AuthToken)
	if err != nil {
		return err
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return protocol.WrapError(protocol.KindToolError, "tools/list result is malformed", err)
	}

	tools := make([]protocol.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, protocol.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	c.registry.RemoveServer(server.Name)
	if err := c.registry.Register(server.Name, tools); err != nil {
		slog.Warn("some discovered tools were rejected", "server", server.Name, "error", err)
	}
	slog.Info("tools discovered", "server", server.Name, "count", len(tools))
	return nil
}

// CallTool invokes the tool immediately, bypassing approvals. Used for
// auto-approved execution paths.
func (c *Client) CallTool(ctx context.Context, qualifiedName string, args map[string]interface{}) (json.RawMessage, error) {
	tool, ok := c.registry.Get(qualifiedName)
	if !ok {
		return nil, protocol.Errorf(protocol.KindToolNotFound, "tool %s is not registered", qualifiedName)
	}
	server, ok := c.servers[tool.ServerName]
	if !ok {
		return nil, protocol.Errorf(protocol.KindToolUnavailable, "server %s for tool %s is not configured", tool.ServerName, qualifiedName)
	}

	// The remote server knows the tool by its bare name.
	return c.transport.Execute(ctx, server.BaseURL, "tools/call", map[string]interface{}{
		"name":      tool.BareName(),
		"arguments": args,
	}, server.AuthToken)
}

// RequestApproval records a pending approval for the tool call.
func (c *Client) RequestApproval(ctx context.Context, qualifiedName string, args map[string]interface{}, userID int64, conversationID string) (*protocol.Approval, error) {
	if _, ok := c.registry.Get(qualifiedName); !ok {
		return nil, protocol.Errorf(protocol.KindToolNotFound, "tool %s is not registered", qualifiedName)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindValidation, "tool arguments are not serializable", err)
	}
	return c.approvals.Request(ctx, qualifiedName, raw, userID, conversationID)
}

// ExecuteApproval runs the tool call recorded on an approved approval and
// writes the outcome back to the approval row. An already-executed approval
// replays its stored result instead of calling the tool again; anything
// else but approved is a conflict.
func (c *Client) ExecuteApproval(ctx context.Context, approvalID string) (json.RawMessage, error) {
	approval, err := c.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status == protocol.ApprovalExecuted {
		if approval.ExecutionError != "" {
			return nil, protocol.Errorf(protocol.KindToolError, "tool execution failed: %s", approval.ExecutionError)
		}
		return approval.Result, nil
	}
	if approval.Status != protocol.ApprovalApproved {
		return nil, protocol.Errorf(protocol.KindConflict, "approval %s is %s, not approved", approvalID, approval.Status)
	}

	var args map[string]interface{}
	if len(approval.Arguments) > 0 {
		if err := json.Unmarshal(approval.Arguments, &args); err != nil {
			return nil, protocol.WrapError(protocol.KindToolError, "approval arguments are malformed", err)
		}
	}

	start := time.Now()
	result, callErr := c.CallTool(ctx, approval.ToolName, args)
	duration := time.Since(start)

	if callErr != nil {
		if _, markErr := c.approvals.store.MarkApprovalExecuted(ctx, approvalID, nil, callErr.Error(), duration); markErr != nil {
			slog.Warn("failed to record tool failure on approval", "approval", approvalID, "error", markErr)
		}
		return nil, callErr
	}

	if _, err := c.approvals.store.MarkApprovalExecuted(ctx, approvalID, result, "", duration); err != nil {
		return nil, err
	}
	return result, nil
}

// Execute runs the tool call end to end: immediately when autoApprove is
// set, otherwise gated behind an approval decision.
func (c *Client) Execute(ctx context.Context, qualifiedName string, args map[string]interface{}, userID int64, conversationID string, autoApprove bool) (json.RawMessage, error) {
	if autoApprove || c.AutoApprove(qualifiedName) {
		return c.CallTool(ctx, qualifiedName, args)
	}

	approval, err := c.RequestApproval(ctx, qualifiedName, args, userID, conversationID)
	if err != nil {
		return nil, err
	}

	status, err := c.approvals.Wait(ctx, approval.ID, c.approvals.TTL())
	if err != nil {
		return nil, err
	}
	if status != protocol.ApprovalApproved {
		return nil, protocol.Errorf(protocol.KindToolError, "tool call %s was %s", qualifiedName, status)
	}
	return c.ExecuteApproval(ctx, approval.ID)
}
