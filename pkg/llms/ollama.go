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

// OllamaProvider speaks the Ollama HTTP API. Streaming responses are
// line-delimited JSON objects, not SSE.
type OllamaProvider struct {
	name         string
	cfg          config.ProviderConfig
	client       *httpclient.Client
	streamClient *httpclient.Client
	baseURL      string
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string                   `json:"model"`
	Messages []ollamaMessage          `json:"messages"`
	Stream   bool                     `json:"stream"`
	Options  *ollamaOptions           `json:"options,omitempty"`
	Tools    []map[string]interface{} `json:"tools,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Details struct {
			ParameterSize string `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

func NewOllamaProvider(name string, cfg config.ProviderConfig) *OllamaProvider {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		name:         name,
		cfg:          cfg,
		client:       newProviderClient(cfg),
		streamClient: newStreamClient(),
		baseURL:      baseURL,
	}
}

func (p *OllamaProvider) Name() string                { return p.name }
func (p *OllamaProvider) Type() protocol.ProviderType { return protocol.ProviderLocal }
func (p *OllamaProvider) Enabled() bool               { return p.cfg.Enabled }
func (p *OllamaProvider) ToolFormat() string          { return "ollama-style" }

func (p *OllamaProvider) ListModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	if !p.cfg.Enabled {
		return nil, disabledErr(p.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
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

	var tags ollamaTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	models := make([]protocol.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, protocol.ModelInfo{
			Name:          m.Name,
			Provider:      p.name,
			Type:          protocol.ProviderLocal,
			ParameterSize: m.Details.ParameterSize,
			ContextLength: contextLengthFor(p.cfg, m.Name),
		})
	}
	return models, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (*protocol.ChatResult, error) {
	if !p.cfg.Enabled {
		return nil, disabledErr(p.name)
	}

	request := p.buildRequest(model, messages, params, false)
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	var response ollamaChatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != "" {
		return nil, protocol.Errorf(protocol.KindProviderUnavailable, "provider %s error: %s", p.name, response.Error)
	}

	return &protocol.ChatResult{
		Text:  response.Message.Content,
		Model: model,
		Usage: protocol.Usage{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
			TotalTokens:  response.PromptEvalCount + response.EvalCount,
		},
	}, nil
}

func (p *OllamaProvider) ChatStream(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (<-chan protocol.StreamChunk, error) {
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

func (p *OllamaProvider) streamChat(ctx context.Context, request ollamaChatRequest, out chan<- protocol.StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return unavailableErr(p.name, err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return protocol.Errorf(protocol.KindProviderUnavailable, "provider %s error: %s", p.name, chunk.Error)
		}

		if chunk.Message.Content != "" {
			out <- protocol.StreamChunk{Text: chunk.Message.Content}
		}
		if chunk.Done {
			out <- protocol.StreamChunk{
				Done:   true,
				Tokens: chunk.PromptEvalCount + chunk.EvalCount,
			}
			return nil
		}
	}
}

func (p *OllamaProvider) CountTokens(text, model string) int {
	return utils.CountTokens(text, model)
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	if !p.cfg.Enabled {
		return disabledErr(p.name)
	}
	_, err := p.ListModels(ctx)
	return err
}

func (p *OllamaProvider) buildRequest(model string, messages []protocol.ChatMessage, params protocol.ChatParams, stream bool) ollamaChatRequest {
	ollamaMessages := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		ollamaMessages = append(ollamaMessages, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	request := ollamaChatRequest{
		Model:    model,
		Messages: ollamaMessages,
		Stream:   stream,
		Tools:    params.Tools,
	}

	if params.Temperature != nil || params.MaxTokens > 0 {
		opts := &ollamaOptions{NumPredict: params.MaxTokens}
		if params.Temperature != nil {
			opts.Temperature = *params.Temperature
		}
		request.Options = opts
	}
	return request
}

var _ Provider = (*OllamaProvider)(nil)
