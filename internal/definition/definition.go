// Package definition loads workflow definitions from YAML or JSON files.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

// ErrInvalid wraps every structural problem found by Validate.
var ErrInvalid = errors.New("invalid workflow definition")

// LoadFile reads and validates the definition at path. "-" reads stdin.
func LoadFile(path string) (*models.WorkflowDefinition, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes a YAML or JSON definition and validates it. Unknown fields
// are rejected so typos in step options do not pass silently.
func Parse(data []byte) (*models.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def models.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the fields every definition needs. Dependency structure
// (unknown references, cycles) is checked when the graph is built.
func Validate(def *models.WorkflowDefinition) error {
	var errs []error
	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if err := def.CheckKeys(); err != nil {
		errs = append(errs, err)
	}
	for i, s := range def.Steps {
		if strings.TrimSpace(s.Action) == "" && strings.TrimSpace(s.Executor) == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): action is required", i, s.Key))
		}
		if s.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("step %s: max_attempts must not be negative", s.Key))
		}
		for _, dep := range s.DependsOn {
			if dep == s.Key {
				errs = append(errs, fmt.Errorf("step %s depends on itself", s.Key))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Marshal renders def as YAML.
func Marshal(def *models.WorkflowDefinition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
