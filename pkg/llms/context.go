package llms

import (
	"strings"

	"github.com/ozgurkan/chatgate/pkg/config"
)

// knownContextLengths maps model-name prefixes to context windows for the
// common deployments. Longest matching prefix wins; config model_contexts
// entries override everything here.
var knownContextLengths = map[string]int{
	"gpt-4o":        128000,
	"gpt-4-turbo":   128000,
	"gpt-4":         8192,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o3":            200000,
	"claude-opus":   200000,
	"claude-sonnet": 200000,
	"claude-haiku":  200000,
	"claude-3":      200000,
	"llama3.1":      131072,
	"llama3.2":      131072,
	"llama3":        8192,
	"llama2":        4096,
	"mistral":       32768,
	"mixtral":       32768,
	"qwen2.5":       32768,
	"gemma2":        8192,
	"phi3":          128000,
}

// contextLengthFor resolves the context window for model: exact config
// override, then the known-prefix table, then the provider-wide default.
// Zero means unknown and disables window enforcement for the model.
func contextLengthFor(cfg config.ProviderConfig, model string) int {
	if n, ok := cfg.ModelContexts[model]; ok {
		return n
	}

	best, bestLen := 0, 0
	for prefix, n := range knownContextLengths {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = n, len(prefix)
		}
	}
	if best > 0 {
		return best
	}
	return cfg.ContextLength
}
