package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

const pipelineYAML = `
name: nightly-report
version: "2"
steps:
  - key: fetch
    action: shell
    params:
      command: curl -s https://example.com/data.json
      parse_json: true
  - key: lint
    action: shell
    continue_on_error: true
    params:
      argv: [golangci-lint, run]
  - key: summarize
    action: agent
    depends_on: [fetch, lint]
    priority: 5
    max_attempts: 2
    params:
      prompt: "Summarize {{json .Context.fetch.output}}"
      max_tokens: 512
`

func TestParse_YAML(t *testing.T) {
	def, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)

	assert.Equal(t, "nightly-report", def.Name)
	assert.Equal(t, "2", def.Version)
	assert.Equal(t, []string{"fetch", "lint", "summarize"}, def.Keys())

	sum := def.Step("summarize")
	require.NotNil(t, sum)
	assert.Equal(t, []string{"fetch", "lint"}, sum.DependsOn)
	assert.Equal(t, 5, sum.Priority)
	assert.Equal(t, 2, sum.MaxAttempts)
	assert.Equal(t, 512, sum.Params["max_tokens"])
	assert.True(t, def.Step("lint").ContinueOnError)
	assert.Equal(t, []any{"golangci-lint", "run"}, def.Step("lint").Params["argv"])
}

func TestParse_JSON(t *testing.T) {
	def, err := Parse([]byte(`{"name": "j", "steps": [{"key": "a", "action": "noop"}, {"key": "b", "action": "noop", "depends_on": ["a"]}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, def.Step("b").DependsOn)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty document"},
		{"no name", "steps: [{key: a, action: noop}]", "name is required"},
		{"no action", "name: x\nsteps: [{key: a}]", "action is required"},
		{"no key", "name: x\nsteps: [{action: noop}]", "has no key"},
		{"duplicate", "name: x\nsteps: [{key: a, action: noop}, {key: a, action: noop}]", "duplicate step key"},
		{"self dependency", "name: x\nsteps: [{key: a, action: noop, depends_on: [a]}]", "depends on itself"},
		{"negative attempts", "name: x\nsteps: [{key: a, action: noop, max_attempts: -1}]", "max_attempts"},
		{"unknown field", "name: x\nsteps: [{key: a, action: noop, retries: 3}]", "retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	err := Validate(&models.WorkflowDefinition{Steps: []models.Step{{Key: "a"}}})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "action is required")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineYAML), 0644))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, def.Steps, 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	def, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)

	out, err := Marshal(def)
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}
