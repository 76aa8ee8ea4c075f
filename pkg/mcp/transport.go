// Package mcp integrates external tool servers speaking JSON-RPC 2.0:
// transport, tool discovery and registration, argument validation, and
// approval-gated execution.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ozgurkan/chatgate/pkg/httpclient"
	"github.com/ozgurkan/chatgate/pkg/protocol"
)

const (
	defaultCallTimeout = 30 * time.Second
	transportRetries   = 3
	transportBaseDelay = 1500 * time.Millisecond
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Transport is the process-wide JSON-RPC client. One pooled HTTP client
// serves every server; 5xx and connection errors retry with backoff, other
// 4xx surface immediately.
type Transport struct {
	client  *httpclient.Client
	timeout time.Duration
}

// NewTransport builds a transport. A non-positive timeout falls back to
// 30 seconds.
func NewTransport(timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Transport{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(transportRetries),
			httpclient.WithBaseDelay(transportBaseDelay),
		),
		timeout: timeout,
	}
}

// Execute performs one JSON-RPC call against serverURL and returns the raw
// result field. Each call carries a fresh request id. JSON-RPC errors map
// to tool_error; unreachable servers map to tool_unavailable.
func (t *Transport) Execute(ctx context.Context, serverURL, method string, params interface{}, authToken string) (json.RawMessage, error) {
	request := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Some servers answer JSON-RPC over an SSE frame.
	req.Header.Set("Accept", "application/json, text/event-stream")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := t.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, protocol.Errorf(protocol.KindToolUnavailable, "tool server %s returned status %d", serverURL, resp.StatusCode)
		}
		return nil, protocol.WrapError(protocol.KindToolUnavailable, fmt.Sprintf("tool server %s unreachable", serverURL), err)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindToolUnavailable, fmt.Sprintf("tool server %s unreachable", serverURL), err)
	}

	response, err := parseRPCResponse(payload)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindToolError, fmt.Sprintf("tool server %s sent an unparseable response", serverURL), err)
	}
	if response.Error != nil {
		return nil, protocol.NewError(protocol.KindToolError,
			fmt.Sprintf("tool server error %d: %s", response.Error.Code, response.Error.Message)).
			WithDetails(map[string]interface{}{"code": response.Error.Code})
	}
	return response.Result, nil
}

// parseRPCResponse accepts a plain JSON body or an SSE frame carrying the
// JSON in a data: line.
func parseRPCResponse(payload []byte) (*rpcResponse, error) {
	var response rpcResponse
	if err := json.Unmarshal(payload, &response); err == nil {
		return &response, nil
	}

	for _, line := range strings.Split(string(payload), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &response); err == nil {
				return &response, nil
			}
		}
	}
	return nil, fmt.Errorf("body is neither JSON nor SSE-framed JSON")
}
