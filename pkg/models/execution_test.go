package models

import "testing"

func TestExecutionState_Valid(t *testing.T) {
	valid := []ExecutionState{
		ExecutionIdle, ExecutionParsing, ExecutionValidating, ExecutionExecuting,
		ExecutionPaused, ExecutionCompleted, ExecutionFailed,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("ExecutionState(%q).Valid() = false, want true", s)
		}
	}
	if ExecutionState("running").Valid() {
		t.Error("unknown state should be invalid")
	}
}

func TestExecutionState_Terminal(t *testing.T) {
	tests := []struct {
		state ExecutionState
		want  bool
	}{
		{ExecutionIdle, false},
		{ExecutionExecuting, false},
		{ExecutionPaused, false},
		{ExecutionCompleted, true},
		{ExecutionFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkflowDefinition_CheckKeys(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		wantErr bool
	}{
		{"unique keys", []Step{{Key: "a"}, {Key: "b"}}, false},
		{"empty definition", nil, false},
		{"duplicate key", []Step{{Key: "a"}, {Key: "a"}}, true},
		{"missing key", []Step{{Key: "a"}, {Action: "shell"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &WorkflowDefinition{Name: "wf", Steps: tt.steps}
			err := def.CheckKeys()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckKeys() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWorkflowDefinition_Step(t *testing.T) {
	def := &WorkflowDefinition{Steps: []Step{{Key: "a", Action: "noop"}, {Key: "b"}}}
	if s := def.Step("a"); s == nil || s.Action != "noop" {
		t.Errorf("Step(a) = %+v", s)
	}
	if def.Step("zzz") != nil {
		t.Error("Step(zzz) should be nil")
	}
	if got := def.Keys(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Keys() = %v", got)
	}
}
