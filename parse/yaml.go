package parse

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a reply that may be wrapped in ```yaml fences. Maps are
// normalized to map[string]interface{} so the result encodes as JSON.
func ParseYAML(reply string) (interface{}, error) {
	var v interface{}
	if err := yaml.Unmarshal([]byte(stripFences(reply, "yaml", "yml")), &v); err != nil {
		return nil, fmt.Errorf("parse yaml reply: %w", err)
	}
	return normalizeYAML(v), nil
}

func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

// YAMLParser adapts ParseYAML to framework.ReplyParser.
type YAMLParser struct{}

func (YAMLParser) ParseReply(reply string) (interface{}, error) {
	return ParseYAML(reply)
}
