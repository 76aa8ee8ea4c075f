// Package llms adapts chat model backends (ollama, openai, anthropic) to a
// single provider interface and indexes their models in a registry.
package llms

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/httpclient"
	"github.com/ozgurkan/chatgate/pkg/protocol"
)

const streamChannelBuffer = 100

// Provider is one chat model backend. ChatStream channels are always
// drained to a final Done chunk (or an Err chunk) and then closed;
// concatenating the Text of every chunk yields the full response text.
type Provider interface {
	// Name returns the configured provider name (registry key).
	Name() string

	// Type reports whether the backend is a local inference server or a
	// metered cloud API.
	Type() protocol.ProviderType

	// Enabled reports whether the provider takes traffic.
	Enabled() bool

	// ListModels queries the backend for its available models.
	ListModels(ctx context.Context) ([]protocol.ModelInfo, error)

	// Chat performs a blocking completion.
	Chat(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (*protocol.ChatResult, error)

	// ChatStream performs a streaming completion.
	ChatStream(ctx context.Context, model string, messages []protocol.ChatMessage, params protocol.ChatParams) (<-chan protocol.StreamChunk, error)

	// CountTokens estimates the token count of text under model's encoding.
	CountTokens(text, model string) int

	// ToolFormat names the tool-schema style the backend expects,
	// e.g. "openai-style".
	ToolFormat() string

	// HealthCheck probes backend reachability.
	HealthCheck(ctx context.Context) error
}

// New builds a provider from its config section. The name is the config
// map key and becomes the registry key.
func New(name string, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "ollama":
		return NewOllamaProvider(name, cfg), nil
	case "openai":
		return NewOpenAIProvider(name, cfg), nil
	case "anthropic":
		return NewAnthropicProvider(name, cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// newProviderClient builds the retrying HTTP client used for blocking
// calls. The configured timeout bounds the whole request.
func newProviderClient(cfg config.ProviderConfig) *httpclient.Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
}

// newStreamClient is the client for streaming calls. http.Client.Timeout
// covers the body read too, which would cut long streams short, so streams
// are bounded by context instead.
func newStreamClient() *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{}),
	)
}

// disabledErr is the uniform guard for calls against a disabled provider.
func disabledErr(name string) error {
	return protocol.Errorf(protocol.KindProviderDisabled, "provider %s is disabled", name)
}

func unavailableErr(name string, err error) error {
	return protocol.WrapError(protocol.KindProviderUnavailable, fmt.Sprintf("provider %s unreachable", name), err)
}
