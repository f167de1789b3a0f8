package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Context is an ordered key/value map holding the variables steps produce
// and consume. Keys keep their first insertion order; JSON encoding preserves it.
type Context struct {
	keys   []string
	values map[string]any
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Set stores a value. Overwriting a key keeps its original position.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Get returns the value for key and whether it was present.
func (c *Context) Get(key string) (any, bool) {
	if c == nil || c.values == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (c *Context) Keys() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Len returns the number of entries.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Map returns an unordered copy, convenient for templates.
func (c *Context) Map() map[string]any {
	out := make(map[string]any, c.Len())
	if c == nil {
		return out
	}
	for _, k := range c.keys {
		out[k] = c.values[k]
	}
	return out
}

// Clone returns a shallow copy.
func (c *Context) Clone() *Context {
	out := NewContext()
	if c == nil {
		return out
	}
	for _, k := range c.keys {
		out.Set(k, c.values[k])
	}
	return out
}

// MarshalJSON encodes the context as a JSON object in key order.
func (c *Context) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if c != nil {
		for i, k := range c.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(c.values[k])
			if err != nil {
				return nil, fmt.Errorf("encode context key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the document's key order.
func (c *Context) UnmarshalJSON(data []byte) error {
	c.keys = nil
	c.values = make(map[string]any)

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode context: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("decode context: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode context: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("decode context: expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode context key %q: %w", key, err)
		}
		c.Set(key, v)
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode context: %w", err)
	}
	return nil
}
