package providers

import "strings"

// Model families that reject parts of JSON Schema in tool definitions.
// OpenAI itself accepts full schemas; requests routed through OpenRouter
// hit the upstream family's validator, identified by the model id prefix.
// Gemini rejects: $ref, $defs, additionalProperties, examples, default.
// Anthropic ignores $ref and $defs but some routes reject them outright.
var (
	geminiUnsupportedKeys    = []string{"$ref", "$defs", "additionalProperties", "examples", "default"}
	anthropicUnsupportedKeys = []string{"$ref", "$defs"}
)

// CleanToolSchemas returns a copy of tools with schema fields the target
// model family rejects stripped from each tool's parameters. Returns the
// original slice unchanged when nothing needs cleaning.
func CleanToolSchemas(providerName, model string, tools []ToolDefinition) []ToolDefinition {
	removeKeys := unsupportedSchemaKeys(providerName, model)
	if removeKeys == nil || len(tools) == 0 {
		return tools
	}

	cleaned := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		cleaned[i] = ToolDefinition{
			Type: t.Type,
			Function: ToolFunctionSchema{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  cleanSchema(t.Function.Parameters, removeKeys),
			},
		}
	}
	return cleaned
}

// CleanSchemaForModel cleans a single parameters map for a provider and
// model pair.
func CleanSchemaForModel(providerName, model string, params map[string]interface{}) map[string]interface{} {
	removeKeys := unsupportedSchemaKeys(providerName, model)
	if removeKeys == nil {
		return params
	}
	return cleanSchema(params, removeKeys)
}

// unsupportedSchemaKeys maps a provider/model pair to the schema keys the
// upstream validator rejects. Only OpenRouter fans out to other model
// families; direct OpenAI traffic never needs cleaning.
func unsupportedSchemaKeys(providerName, model string) []string {
	if providerName != "openrouter" {
		return nil
	}
	switch {
	case strings.HasPrefix(model, "google/gemini"):
		return geminiUnsupportedKeys
	case strings.HasPrefix(model, "anthropic/"):
		return anthropicUnsupportedKeys
	}
	return nil
}

// cleanSchema recursively removes unsupported keys from a JSON Schema map.
func cleanSchema(schema map[string]interface{}, removeKeys []string) map[string]interface{} {
	if schema == nil {
		return nil
	}

	result := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if shouldRemoveKey(k, removeKeys) {
			continue
		}

		switch val := v.(type) {
		case map[string]interface{}:
			result[k] = cleanSchema(val, removeKeys)
		case []interface{}:
			result[k] = cleanSchemaSlice(val, removeKeys)
		default:
			result[k] = v
		}
	}
	return result
}

// cleanSchemaSlice recurses into arrays (e.g. "anyOf", "oneOf", "allOf").
func cleanSchemaSlice(items []interface{}, removeKeys []string) []interface{} {
	result := make([]interface{}, len(items))
	for i, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			result[i] = cleanSchema(m, removeKeys)
		} else {
			result[i] = item
		}
	}
	return result
}

func shouldRemoveKey(key string, removeKeys []string) bool {
	for _, rk := range removeKeys {
		if key == rk {
			return true
		}
	}
	return false
}
