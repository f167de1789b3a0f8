package main

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

// buildContext seeds an execution context from an optional YAML or JSON file
// followed by key=value pairs. Later sources overwrite earlier ones.
func buildContext(file string, sets []string) (*models.Context, error) {
	c := models.NewContext()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		if err := decodeOrdered(data, c); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	for _, kv := range sets {
		key, value, err := parseSet(kv)
		if err != nil {
			return nil, err
		}
		c.Set(key, value)
	}
	return c, nil
}

// parseSet splits key=value. The value is decoded as a YAML scalar or flow
// collection, so "3" is an int and "[a, b]" a list; anything that fails to
// decode is kept as a string.
func parseSet(kv string) (string, any, error) {
	key, raw, ok := strings.Cut(kv, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid --set %q: want key=value", kv)
	}
	return key, decodeValue(raw), nil
}

func decodeValue(raw string) any {
	if raw == "" {
		return ""
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

// decodeOrdered reads a top-level mapping into c in document order.
func decodeOrdered(data []byte, c *models.Context) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("context must be a mapping, got %s", kindName(root.Kind))
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		var key string
		if err := root.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("line %d: %w", root.Content[i].Line, err)
		}
		var value any
		if err := root.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		c.Set(key, value)
	}
	return nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}
