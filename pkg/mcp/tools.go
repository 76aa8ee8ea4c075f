package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ozgurkan/chatgate/pkg/protocol"
	"github.com/ozgurkan/chatgate/pkg/registry"
)

// Formatting styles for provider tool schemas.
const (
	FormatOpenAI    = "openai-style"
	FormatAnthropic = "anthropic-style"
	FormatOllama    = "ollama-style"
	FormatGeneric   = "generic"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const (
	minDescriptionLen = 10
	maxDescriptionLen = 500
)

// ToolRegistry holds normalized tool descriptors under qualified names
// (server.tool) together with their compiled argument schemas.
type ToolRegistry struct {
	tools *registry.OrderedRegistry[protocol.Tool]

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   registry.NewOrderedRegistry[protocol.Tool](),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register validates each tool against the meta-schema and stores it under
// server_name.tool_name. Invalid tools are skipped; their errors come back
// joined so the caller can log what was dropped.
func (r *ToolRegistry) Register(serverName string, tools []protocol.Tool) error {
	var errs []error
	for _, tool := range tools {
		if err := validateTool(tool); err != nil {
			errs = append(errs, fmt.Errorf("tool %q from %s: %w", tool.Name, serverName, err))
			continue
		}

		schema, err := compileSchema(tool.Parameters)
		if err != nil {
			errs = append(errs, fmt.Errorf("tool %q from %s: invalid parameter schema: %w", tool.Name, serverName, err))
			continue
		}

		qualified := serverName + "." + tool.Name
		tool.ServerName = serverName
		tool.Name = qualified

		if err := r.tools.Register(qualified, tool); err != nil {
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		r.schemas[qualified] = schema
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Get returns a tool by qualified name.
func (r *ToolRegistry) Get(qualifiedName string) (protocol.Tool, bool) {
	return r.tools.Get(qualifiedName)
}

// List returns all registered tools in registration order.
func (r *ToolRegistry) List() []protocol.Tool {
	return r.tools.List()
}

// RemoveServer drops every tool belonging to serverName, used when a
// server is re-discovered.
func (r *ToolRegistry) RemoveServer(serverName string) {
	prefix := serverName + "."
	for _, name := range r.tools.Names() {
		if strings.HasPrefix(name, prefix) {
			_ = r.tools.Remove(name)
			r.mu.Lock()
			delete(r.schemas, name)
			r.mu.Unlock()
		}
	}
}

// FormatFor renders every registered tool in the given provider style.
func (r *ToolRegistry) FormatFor(style string) []map[string]interface{} {
	tools := r.tools.List()
	formatted := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		formatted = append(formatted, FormatTool(tool, style))
	}
	return formatted
}

// FormatTool renders one tool descriptor in the given provider style.
func FormatTool(tool protocol.Tool, style string) map[string]interface{} {
	switch style {
	case FormatOpenAI:
		return map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		}
	case FormatAnthropic:
		// That provider's name pattern disallows dots.
		return map[string]interface{}{
			"name":         strings.ReplaceAll(tool.Name, ".", "_"),
			"description":  tool.Description,
			"input_schema": tool.Parameters,
		}
	case FormatOllama:
		return map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  flattenNestedObjects(tool.Parameters),
			},
		}
	default:
		return map[string]interface{}{
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
			"server":      tool.ServerName,
		}
	}
}

// ValidateArguments checks args against the tool's schema and returns
// human-readable problems. An unknown tool yields tool_not_found.
func (r *ToolRegistry) ValidateArguments(qualifiedName string, args map[string]interface{}) ([]string, error) {
	if _, ok := r.tools.Get(qualifiedName); !ok {
		return nil, protocol.Errorf(protocol.KindToolNotFound, "tool %s is not registered", qualifiedName)
	}

	r.mu.RLock()
	schema := r.schemas[qualifiedName]
	r.mu.RUnlock()
	if schema == nil {
		return nil, nil
	}

	// The validator wants plain JSON values.
	normalized := make(map[string]interface{}, len(args))
	for k, v := range args {
		normalized[k] = v
	}

	err := schema.Validate(normalized)
	if err == nil {
		return nil, nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}, nil
	}
	return leafMessages(ve), nil
}

// leafMessages walks the validation tree and keeps the most specific
// failures.
func leafMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		location := strings.TrimPrefix(ve.InstanceLocation, "/")
		if location == "" {
			return []string{ve.Message}
		}
		return []string{fmt.Sprintf("%s: %s", strings.ReplaceAll(location, "/", "."), ve.Message)}
	}

	var messages []string
	for _, cause := range ve.Causes {
		messages = append(messages, leafMessages(cause)...)
	}
	return messages
}

func validateTool(tool protocol.Tool) error {
	if !toolNamePattern.MatchString(tool.Name) {
		return fmt.Errorf("name must match %s", toolNamePattern.String())
	}
	if n := len(tool.Description); n < minDescriptionLen || n > maxDescriptionLen {
		return fmt.Errorf("description must be %d-%d characters, got %d", minDescriptionLen, maxDescriptionLen, n)
	}
	if tool.Parameters != nil {
		if t, ok := tool.Parameters["type"].(string); ok && t != "object" {
			return fmt.Errorf("parameters must be an object schema, got type %q", t)
		}
	}
	return nil
}

func compileSchema(parameters map[string]interface{}) (*jsonschema.Schema, error) {
	if parameters == nil {
		return nil, nil
	}
	raw, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("tool_parameters.json", string(raw))
}

// flattenNestedObjects rewrites nested-object properties as JSON-encoded
// string fields for model families with limited nested-schema support.
func flattenNestedObjects(parameters map[string]interface{}) map[string]interface{} {
	if parameters == nil {
		return nil
	}
	properties, ok := parameters["properties"].(map[string]interface{})
	if !ok {
		return parameters
	}

	flattened := make(map[string]interface{}, len(parameters))
	for k, v := range parameters {
		flattened[k] = v
	}

	newProperties := make(map[string]interface{}, len(properties))
	for name, raw := range properties {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			newProperties[name] = raw
			continue
		}
		if t, _ := prop["type"].(string); t == "object" {
			description, _ := prop["description"].(string)
			if description != "" {
				description += " "
			}
			newProperties[name] = map[string]interface{}{
				"type":        "string",
				"description": description + "(JSON-encoded object)",
			}
			continue
		}
		newProperties[name] = prop
	}
	flattened["properties"] = newProperties
	return flattened
}
