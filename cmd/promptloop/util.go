package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// readConfigMap deserializes config.yaml into a generic map for dotted lookups.
func readConfigMap(path string) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	bytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(bytes, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeConfigMap persists the config map back to YAML, creating directories.
func writeConfigMap(path string, data map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	bytes, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(path, bytes, 0o644)
}

// getConfigValue traverses a nested map using dotted notation.
func getConfigValue(data map[string]interface{}, key string) (interface{}, bool) {
	var current interface{} = data
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		value, ok := m[part]
		if !ok {
			return nil, false
		}
		current = value
	}
	return current, true
}

// setConfigValue creates or replaces the key referenced via dotted notation.
// It refuses to replace a scalar with a section.
func setConfigValue(data map[string]interface{}, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	current := data
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid key %q", key)
		}
		if i == len(parts)-1 {
			current[part] = value
			return nil
		}
		raw, exists := current[part]
		next, ok := raw.(map[string]interface{})
		if !ok {
			if exists && raw != nil {
				return fmt.Errorf("%s is not a section", strings.Join(parts[:i+1], "."))
			}
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	return nil
}

// parseValue coerces CLI input into bool/int/float or a YAML flow list
// before storing.
func parseValue(input string) interface{} {
	if b, err := strconv.ParseBool(input); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(input, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(input, 64); err == nil {
		return f
	}
	if strings.HasPrefix(input, "[") && strings.HasSuffix(input, "]") {
		var list []interface{}
		if err := yaml.Unmarshal([]byte(input), &list); err == nil {
			return list
		}
	}
	return input
}

// prettyValue renders nested values in a human-readable one-line format.
func prettyValue(v interface{}) string {
	switch value := v.(type) {
	case []interface{}:
		var parts []string
		for _, item := range value {
			parts = append(parts, prettyValue(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]interface{}:
		b, _ := yaml.Marshal(value)
		return strings.TrimSpace(string(b))
	default:
		return fmt.Sprint(value)
	}
}

// parseVars turns name=value flags into template variables.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("variable %q must look like name=value", pair)
		}
		vars[strings.TrimSpace(name)] = value
	}
	return vars, nil
}

// readInput returns the file at path, or stdin when path is empty or "-".
func readInput(cmd *cobra.Command, path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	return printJSONTo(cmd.OutOrStdout(), v)
}

func printJSONTo(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
