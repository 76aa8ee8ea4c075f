package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/httpclient"
	"github.com/ozgurkan/chatgate/pkg/protocol"
	"github.com/ozgurkan/chatgate/pkg/utils"
)

const anthropicVersion = "2023-06-01"

// Anthropic requires max_tokens on every request.
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider speaks the Anthropic messages API. System messages
// travel in a dedicated top-level field, not the messages array.
type AnthropicProvider struct {
	name         string
	cfg          config.ProviderConfig
	client       *httpclient.Client
	streamClient *httpclient.Client
	baseURL      string
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicChatRequest struct {
	Model       string                   `json:"model"`
	Messages    []anthropicMessage       `json:"messages"`
	System      string                   `json:"system,omitempty"`
	MaxTokens   int                      `json:"max_tokens"`
	Temperature *float64                 `json:"temperature,omitempty"`
	Stream      bool                     `json:"stream,omitempty"`
	Tools       []map[string]interface{} `json:"tools,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicChatResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage  `json:"usage"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func NewAnthropicProvider(name string, cfg config.ProviderConfig) *AnthropicProvider {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		name:         name,
		cfg:          cfg,
		client:       newProviderClient(cfg),
		streamClient: newStreamClient(),
		baseURL:      baseURL,
	}
}

func (p *AnthropicProvider) Name() string                { return p.name }
func (p *AnthropicProvider) Type() protocol.ProviderType { return protocol.ProviderAPI }
func (p *AnthropicProvider) Enabled() bool               { return p.cfg.Enabled }
func (p *AnthropicProvider) ToolFormat() string          { return "anthropic-style" }

func (p *AnthropicProvider) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	if !p.cfg.Enabled {
		return nil, disabledErr(p.name)
	}

	req, err := p.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, protocol.Errorf(protocol.KindProviderUnavailable, "provider %s returned status %d: %s", p.name, resp.StatusCode, body)
		}
	}
	if err != nil {
		return nil, unavailableErr(p.name, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailableErr(p.name, err)
	}

	var list anthropicModelsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	models := make([]protocol.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, protocol.ModelInfo{
			Name:          m.ID,
			Provider:      p.name,
			Type:          protocol.ProviderAPI,
			ContextLength: contextLengthFor(p.cfg, m.ID),
		})
	}
	return models, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (*protocol.ChatResult, error) {
	if !p.cfg.Enabled {
		return nil, disabledErr(p.name)
	}

	jsonData, err := json.Marshal(p.buildRequest(model, messages, params, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/v1/messages", jsonData)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, protocol.Errorf(protocol.KindProviderUnavailable, "provider %s returned status %d: %s", p.name, resp.StatusCode, body)
		}
	}
	if err != nil {
		return nil, unavailableErr(p.name, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailableErr(p.name, err)
	}

	var response anthropicChatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, protocol.Errorf(protocol.KindProviderUnavailable, "provider %s error: %s", p.name, response.Error.Message)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &protocol.ChatResult{
		Text:  text.String(),
		Model: model,
		Usage: protocol.Usage{
			InputTokens:  response.Usage.InputTokens,
			OutputTokens: response.Usage.OutputTokens,
			TotalTokens:  response.Usage.InputTokens + response.Usage.OutputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (<-chan protocol.StreamChunk, error) {
	if !p.cfg.Enabled {
		return nil, disabledErr(p.name)
	}

	request := p.buildRequest(model, messages, params, true)
	out := make(chan protocol.StreamChunk, streamChannelBuffer)

	go func() {
		defer close(out)
		if err := p.streamChat(ctx, request, out); err != nil {
			out <- protocol.StreamChunk{Err: err}
		}
	}()

	return out, nil
}

func (p *AnthropicProvider) streamChat(ctx context.Context, request anthropicChatRequest, out chan<- protocol.StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/v1/messages", jsonData)
	if err != nil {
		return err
	}

	resp, err := p.streamClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return protocol.Errorf(protocol.KindProviderUnavailable, "provider %s returned status %d: %s", p.name, resp.StatusCode, body)
		}
	}
	if err != nil {
		return unavailableErr(p.name, err)
	}

	totalTokens := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return protocol.Errorf(protocol.KindProviderUnavailable, "provider %s error: %s", p.name, event.Error.Message)
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				out <- protocol.StreamChunk{Text: event.Delta.Text}
			}
		case "message_delta":
			if event.Usage != nil {
				totalTokens += event.Usage.OutputTokens
			}
		case "message_stop":
			out <- protocol.StreamChunk{Done: true, Tokens: totalTokens}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return unavailableErr(p.name, err)
	}

	out <- protocol.StreamChunk{Done: true, Tokens: totalTokens}
	return nil
}

func (p *AnthropicProvider) CountTokens(text, model string) int {
	return utils.CountTokens(text, model)
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	if !p.cfg.Enabled {
		return disabledErr(p.name)
	}
	_, err := p.ListModels(ctx)
	return err
}

func (p *AnthropicProvider) buildRequest(model string, messages []protocol.ChatMessage, params protocol.ChatParams, stream bool) anthropicChatRequest {
	anthropicMessages := make([]anthropicMessage, 0, len(messages))
	var system strings.Builder
	for _, m := range messages {
		if m.Role == protocol.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		anthropicMessages = append(anthropicMessages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	return anthropicChatRequest{
		Model:       model,
		Messages:    anthropicMessages,
		System:      system.String(),
		MaxTokens:   maxTokens,
		Temperature: params.Temperature,
		Stream:      stream,
		Tools:       params.Tools,
	}
}

var _ Provider = (*AnthropicProvider)(nil)
