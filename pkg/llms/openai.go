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

// OpenAIProvider speaks the OpenAI chat completions API, including
// compatible gateways that serve the same wire format.
type OpenAIProvider struct {
	name         string
	cfg          config.ProviderConfig
	client       *httpclient.Client
	streamClient *httpclient.Client
	baseURL      string
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model         string                   `json:"model"`
	Messages      []openAIMessage          `json:"messages"`
	Stream        bool                     `json:"stream"`
	Temperature   *float64                 `json:"temperature,omitempty"`
	MaxTokens     int                      `json:"max_tokens,omitempty"`
	Tools         []map[string]interface{} `json:"tools,omitempty"`
	StreamOptions *openAIStreamOptions     `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func NewOpenAIProvider(name string, cfg config.ProviderConfig) *OpenAIProvider {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:         name,
		cfg:          cfg,
		client:       newProviderClient(cfg),
		streamClient: newStreamClient(),
		baseURL:      baseURL,
	}
}

func (p *OpenAIProvider) Name() string                { return p.name }
func (p *OpenAIProvider) Type() protocol.ProviderType { return protocol.ProviderAPI }
func (p *OpenAIProvider) Enabled() bool               { return p.cfg.Enabled }
func (p *OpenAIProvider) ToolFormat() string          { return "openai-style" }

func (p *OpenAIProvider) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	return req, nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	if !p.cfg.Enabled {
		return nil, disabledErr(p.name)
	}

	req, err := p.newRequest(ctx, http.MethodGet, "/models", nil)
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

	var list openAIModelsResponse
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

func (p *OpenAIProvider) Chat(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (*protocol.ChatResult, error) {
	if !p.cfg.Enabled {
		return nil, disabledErr(p.name)
	}

	jsonData, err := json.Marshal(p.buildRequest(model, messages, params, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", jsonData)
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

	var response openAIChatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, protocol.Errorf(protocol.KindProviderUnavailable, "provider %s error: %s", p.name, response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, protocol.Errorf(protocol.KindProviderUnavailable, "provider %s returned no choices", p.name)
	}

	result := &protocol.ChatResult{
		Text:  response.Choices[0].Message.Content,
		Model: model,
	}
	if response.Usage != nil {
		result.Usage = protocol.Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
			TotalTokens:  response.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (<-chan protocol.StreamChunk, error) {
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

func (p *OpenAIProvider) streamChat(ctx context.Context, request openAIChatRequest, out chan<- protocol.StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", jsonData)
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

	reader := bufio.NewReader(resp.Body)
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return unavailableErr(p.name, err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return protocol.Errorf(protocol.KindProviderUnavailable, "provider %s error: %s", p.name, chunk.Error.Message)
		}
		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			out <- protocol.StreamChunk{Text: chunk.Choices[0].Delta.Content}
		}
	}

	out <- protocol.StreamChunk{Done: true, Tokens: totalTokens}
	return nil
}

func (p *OpenAIProvider) CountTokens(text, model string) int {
	return utils.CountTokens(text, model)
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if !p.cfg.Enabled {
		return disabledErr(p.name)
	}
	_, err := p.ListModels(ctx)
	return err
}

func (p *OpenAIProvider) buildRequest(model string, messages []protocol.ChatMessage, params protocol.ChatParams, stream bool) openAIChatRequest {
	openAIMessages := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		openAIMessages = append(openAIMessages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	request := openAIChatRequest{
		Model:       model,
		Messages:    openAIMessages,
		Stream:      stream,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Tools:       params.Tools,
	}
	if stream {
		request.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	return request
}

var _ Provider = (*OpenAIProvider)(nil)
